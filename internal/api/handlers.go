package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/teris-io/shortid"

	"github.com/npezzotti/ephemchat/internal/database"
	"github.com/npezzotti/ephemchat/internal/posts"
	"github.com/npezzotti/ephemchat/internal/presence"
	"github.com/npezzotti/ephemchat/internal/topics"
	"github.com/npezzotti/ephemchat/internal/types"
)

type CreateShardRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Nickname    string `json:"nickname"`
}

type PresenceRequest struct {
	ShardId       string `json:"shardId"`
	Nickname      string `json:"nickname"`
	AcceptedTerms bool   `json:"acceptedTerms"`
	SoundsEnabled bool   `json:"soundsEnabled"`
	Retrying      bool   `json:"retrying"`
}

type PresenceResponse struct {
	UserConnected bool   `json:"userConnected"`
	BrowserToken  string `json:"browserToken"`
}

type PostRequest struct {
	ShardId     string `json:"shardId"`
	ArchiveType string `json:"archiveType"`
	Body        string `json:"body"`
	PostId      string `json:"postId"`
}

type ListPostsRequest struct {
	ShardId string `json:"shardId"`
	Start   int64  `json:"start"`
	End     int64  `json:"end"`
	Count   int    `json:"count"`
}

type ShardRequest struct {
	ShardId string `json:"shardId"`
}

type CreateTopicRequest struct {
	ShardId     string `json:"shardId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	PostId      string `json:"postId"`
}

type ReadStateRequest struct {
	ShardId   string           `json:"shardId"`
	Positions map[string]int64 `json:"positions"`
}

type RosterResponse struct {
	Roster string             `json:"roster"`
	Users  []types.UserRecord `json:"users"`
}

func (s *EphemChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

// apiError maps engine errors onto the HTTP taxonomy.
func apiError(err error) *ApiError {
	switch {
	case errors.Is(err, posts.ErrShardNotFound),
		errors.Is(err, topics.ErrShardNotFound),
		errors.Is(err, presence.ErrShardNotFound),
		errors.Is(err, sql.ErrNoRows):
		return NewNotFoundError()
	case errors.Is(err, presence.ErrTopicShard):
		return NewForbiddenError()
	case errors.Is(err, posts.ErrBadArchiveType), errors.Is(err, posts.ErrEmptyBody):
		return NewBadRequestError()
	default:
		return NewInternalServerError(err)
	}
}

// requireActiveLogin resolves the caller's login record on a shard from
// the session cookie.
func (s *EphemChatApp) requireActiveLogin(r *http.Request, shardId string) (database.LoginRecord, *ApiError) {
	userId, ok := s.sessionUserId(r, shardId)
	if !ok {
		return database.LoginRecord{}, NewUnauthorizedError()
	}

	record, err := s.db.GetLoginRecord(userId)
	if err != nil {
		if err == sql.ErrNoRows {
			return database.LoginRecord{}, NewUnauthorizedError()
		}
		return database.LoginRecord{}, NewInternalServerError(err)
	}

	if record.ShardId != shardId || !record.Online {
		return database.LoginRecord{}, NewUnauthorizedError()
	}
	return record, nil
}

func (s *EphemChatApp) createShard(w http.ResponseWriter, r *http.Request) {
	var req CreateShardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	// A colliding shard id rolls back without error; retry with a fresh
	// one.
	var (
		shard   database.Shard
		created bool
	)
	for attempts := 0; attempts < 5 && !created; attempts++ {
		id, err := shortid.Generate()
		if err != nil {
			errResp := NewInternalServerError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		shard, created, err = s.db.CreateShard(database.CreateShardParams{
			Id:               id,
			Title:            req.Title,
			Description:      req.Description,
			CreationNickname: req.Nickname,
		})
		if err != nil {
			errResp := NewInternalServerError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}
	if !created {
		errResp := NewInternalServerError(errors.New("could not allocate a shard id"))
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, types.ShardRecord{
		ShardId:        shard.Id,
		Title:          shard.Title,
		Description:    shard.Description,
		SequenceNumber: shard.SequenceNumber,
		UpdateTimeMs:   shard.UpdateTime.UnixMilli(),
	})
}

func (s *EphemChatApp) updatePresence(w http.ResponseWriter, r *http.Request) {
	var req PresenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ShardId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	// First contact with this shard mints a new identity; the cookie
	// carries it across reconnects.
	userId, ok := s.sessionUserId(r, req.ShardId)
	if !ok {
		userId = uuid.NewString()
	}

	update, err := s.presence.ChangePresence(r.Context(), presence.ChangePresenceParams{
		UserId:        userId,
		ShardId:       req.ShardId,
		Nickname:      req.Nickname,
		AcceptedTerms: req.AcceptedTerms,
		SoundsEnabled: req.SoundsEnabled,
		Retrying:      req.Retrying,
	})
	if err != nil {
		errResp := apiError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.setSessionCookie(w, userId, req.ShardId); err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, PresenceResponse{
		UserConnected: update.UserConnected,
		BrowserToken:  update.BrowserToken,
	})
}

func (s *EphemChatApp) createPost(w http.ResponseWriter, r *http.Request) {
	var req PostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ShardId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	login, errResp := s.requireActiveLogin(r, req.ShardId)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	archiveType := req.ArchiveType
	if archiveType == "" {
		archiveType = database.ArchiveChat
	}
	if _, ok := database.AllowedUserArchives[archiveType]; !ok {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	postId, err := s.posts.Insert(r.Context(), posts.InsertParams{
		ShardId:     req.ShardId,
		ArchiveType: archiveType,
		Nickname:    login.Nickname,
		UserId:      login.Id,
		Body:        req.Body,
		PostId:      req.PostId,
	})
	if err != nil {
		errResp := apiError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{"postId": postId})
}

func (s *EphemChatApp) listPosts(w http.ResponseWriter, r *http.Request) {
	var req ListPostsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ShardId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if _, errResp := s.requireActiveLogin(r, req.ShardId); errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	records, err := s.posts.ListPosts(r.Context(), req.ShardId, req.Start, req.End, req.Count)
	if err != nil {
		errResp := apiError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, types.PostsFrame{Posts: records})
}

func (s *EphemChatApp) showRoster(w http.ResponseWriter, r *http.Request) {
	var req ShardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ShardId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	login, errResp := s.requireActiveLogin(r, req.ShardId)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	users, err := s.presence.PresentUsers(r.Context(), req.ShardId)
	if err != nil {
		errResp := apiError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var others []types.UserRecord
	var nicknames []string
	for _, u := range users {
		if u.UserId == login.Id {
			continue
		}
		others = append(others, u)
		nicknames = append(nicknames, u.Nickname)
	}

	s.writeJson(w, http.StatusOK, RosterResponse{
		Roster: presence.RosterMessage(nicknames),
		Users:  others,
	})
}

func (s *EphemChatApp) createTopic(w http.ResponseWriter, r *http.Request) {
	var req CreateTopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ShardId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	login, errResp := s.requireActiveLogin(r, req.ShardId)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	topicId, err := s.topics.CreateTopic(r.Context(), topics.CreateTopicParams{
		RootShardId: req.ShardId,
		Title:       req.Title,
		Description: req.Description,
		Nickname:    login.Nickname,
		UserId:      login.Id,
		PostId:      req.PostId,
	})
	if err != nil {
		errResp := apiError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, map[string]string{"shardId": topicId})
}

func (s *EphemChatApp) listTopics(w http.ResponseWriter, r *http.Request) {
	var req ShardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ShardId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	login, errResp := s.requireActiveLogin(r, req.ShardId)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	list, err := s.topics.ListTopics(r.Context(), req.ShardId, login.Id)
	if err != nil {
		errResp := apiError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]interface{}{
		"currentTopicId":     list.CurrentTopicId,
		"currentTopicTimeMs": list.TopicChangeTimeMs,
		"topics":             list.Topics,
	})
}

func (s *EphemChatApp) updateReadState(w http.ResponseWriter, r *http.Request) {
	var req ReadStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ShardId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	login, errResp := s.requireActiveLogin(r, req.ShardId)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.topics.UpdateReadState(r.Context(), login.Id, req.Positions); err != nil {
		errResp := apiError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, nil)
}

func (s *EphemChatApp) logout(w http.ResponseWriter, r *http.Request) {
	var req ShardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ShardId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	userId, ok := s.sessionUserId(r, req.ShardId)
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.presence.Logout(r.Context(), userId); err != nil {
		errResp := apiError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *EphemChatApp) healthCheck(w http.ResponseWriter, _ *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.log.Printf("health check: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *EphemChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.hub.ServeWs(w, r, token); err != nil {
		s.log.Printf("ws upgrade: %v", err)
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
}
