package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npezzotti/ephemchat/internal/cache"
	"github.com/npezzotti/ephemchat/internal/channel"
	"github.com/npezzotti/ephemchat/internal/config"
	"github.com/npezzotti/ephemchat/internal/database"
	"github.com/npezzotti/ephemchat/internal/posts"
	"github.com/npezzotti/ephemchat/internal/presence"
	"github.com/npezzotti/ephemchat/internal/queue"
	"github.com/npezzotti/ephemchat/internal/stats"
	"github.com/npezzotti/ephemchat/internal/testutil"
	"github.com/npezzotti/ephemchat/internal/topics"
	"github.com/npezzotti/ephemchat/internal/types"
)

type appFixture struct {
	app *EphemChatApp
	db  *database.FakeChatRepository
}

func newAppFixture(t *testing.T) *appFixture {
	f := &appFixture{db: database.NewFakeChatRepository()}

	logger := testutil.TestLogger(t)
	st := &stats.MockStatsUpdater{}
	c := cache.NewMemoryCache()
	scheduler := queue.NewFakeScheduler()
	notifier := channel.NewRecordingNotifier()

	postEngine := posts.NewEngine(logger, f.db, c, scheduler, notifier, st, time.Minute)
	presenceEngine := presence.NewEngine(logger, f.db, c, scheduler, notifier, postEngine, st,
		config.DefaultMaxInactive, config.DefaultTokenLifetime, config.DefaultCleanupPeriod,
		config.DefaultTermsVersion)
	postEngine.SetRoster(presenceEngine)
	topicEngine := topics.NewEngine(logger, f.db, postEngine, st, config.DefaultEphemeralLifetime)

	cfg := &config.Config{
		ServerAddr: "localhost:0",
		SigningKey: []byte("test-signing-key"),
	}
	f.app = NewEphemChatApp(logger, f.db, nil, postEngine, presenceEngine, topicEngine, cfg, nil)
	return f
}

func (f *appFixture) createShard(t *testing.T, id string) {
	_, created, err := f.db.CreateShard(database.CreateShardParams{Id: id})
	require.NoError(t, err)
	require.True(t, created)
}

func postJson(t *testing.T, handler http.HandlerFunc, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(data))
	for _, cookie := range cookies {
		req.AddCookie(cookie)
	}

	rr := httptest.NewRecorder()
	handler(rr, req)
	return rr
}

func findCookie(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, cookie := range rr.Result().Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

// login runs the presence handler and returns the session cookie.
func (f *appFixture) login(t *testing.T, shardId, nickname string) *http.Cookie {
	rr := postJson(t, f.app.updatePresence, PresenceRequest{
		ShardId: shardId, Nickname: nickname, AcceptedTerms: true,
	})
	require.Equal(t, http.StatusOK, rr.Code)

	cookie := findCookie(rr, sessionCookieName(shardId))
	require.NotNil(t, cookie)
	return cookie
}

func Test_healthCheck(t *testing.T) {
	mockRepo := &database.MockChatRepository{}
	defer mockRepo.AssertExpectations(t)

	tcases := []struct {
		name    string
		mockErr error
	}{
		{
			name:    "successful health check",
			mockErr: nil,
		},
		{
			name:    "failed health check",
			mockErr: errors.New("db error"),
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			mockRepo.On("Ping").Return(tc.mockErr).Once()
			app := &EphemChatApp{log: testutil.TestLogger(t), db: mockRepo}

			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			app.healthCheck(rr, req)

			if tc.mockErr != nil {
				assert.Equal(t, http.StatusInternalServerError, rr.Code)
			} else {
				assert.Equal(t, http.StatusOK, rr.Code)
				assert.Equal(t, "OK", rr.Body.String())
			}
		})
	}
}

func TestCreateShardHandler(t *testing.T) {
	f := newAppFixture(t)

	rr := postJson(t, f.app.createShard, CreateShardRequest{Title: "a room"})
	require.Equal(t, http.StatusCreated, rr.Code)

	var shard types.ShardRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &shard))
	assert.NotEmpty(t, shard.ShardId)
	assert.Equal(t, "a room", shard.Title)

	_, err := f.db.GetShard(shard.ShardId)
	assert.NoError(t, err)
}

// collidingRepo reports an id collision on the first CreateShard call.
type collidingRepo struct {
	database.ChatRepository
	collisions int
}

func (r *collidingRepo) CreateShard(params database.CreateShardParams) (database.Shard, bool, error) {
	if r.collisions > 0 {
		r.collisions--
		return database.Shard{}, false, nil
	}
	return r.ChatRepository.CreateShard(params)
}

func TestCreateShardHandlerRetriesIdCollision(t *testing.T) {
	f := newAppFixture(t)
	f.app.db = &collidingRepo{ChatRepository: f.db, collisions: 1}

	rr := postJson(t, f.app.createShard, CreateShardRequest{Title: "a room"})
	require.Equal(t, http.StatusCreated, rr.Code)

	var shard types.ShardRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &shard))
	assert.NotEmpty(t, shard.ShardId)

	_, err := f.db.GetShard(shard.ShardId)
	assert.NoError(t, err, "a fresh id was generated after the collision")
}

func TestPresenceHandler(t *testing.T) {
	f := newAppFixture(t)
	f.createShard(t, "shard-1")

	rr := postJson(t, f.app.updatePresence, PresenceRequest{ShardId: "shard-1", Nickname: "ann"})
	require.Equal(t, http.StatusOK, rr.Code)

	var resp PresenceResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.UserConnected)
	assert.NotEmpty(t, resp.BrowserToken)
	assert.NotNil(t, findCookie(rr, sessionCookieName("shard-1")))

	rr = postJson(t, f.app.updatePresence, PresenceRequest{ShardId: "missing", Nickname: "ann"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCreatePostHandler(t *testing.T) {
	f := newAppFixture(t)
	f.createShard(t, "shard-1")

	rr := postJson(t, f.app.createPost, PostRequest{ShardId: "shard-1", Body: "hello"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "posting requires a session")

	cookie := f.login(t, "shard-1", "ann")

	rr = postJson(t, f.app.createPost, PostRequest{ShardId: "shard-1", Body: "hello"}, cookie)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["postId"])

	rr = postJson(t, f.app.createPost, PostRequest{
		ShardId: "shard-1", Body: "hi", ArchiveType: database.ArchiveUserLogin,
	}, cookie)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "synthetic archive types are rejected from users")
}

func TestShowRosterHandler(t *testing.T) {
	f := newAppFixture(t)
	f.createShard(t, "shard-1")

	annCookie := f.login(t, "shard-1", "ann")
	f.login(t, "shard-1", "beth")

	rr := postJson(t, f.app.showRoster, ShardRequest{ShardId: "shard-1"}, annCookie)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp RosterResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "beth is here too", resp.Roster)
	require.Len(t, resp.Users, 1)
	assert.Equal(t, "beth", resp.Users[0].Nickname)
}

func TestCreateTopicAndListHandlers(t *testing.T) {
	f := newAppFixture(t)
	f.createShard(t, "shard-1")
	cookie := f.login(t, "shard-1", "ann")

	rr := postJson(t, f.app.createTopic, CreateTopicRequest{
		ShardId: "shard-1", Title: "lunch", PostId: "post-1",
	}, cookie)
	require.Equal(t, http.StatusCreated, rr.Code)

	var created map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	topicId := created["shardId"]
	require.NotEmpty(t, topicId)

	rr = postJson(t, f.app.updateReadState, ReadStateRequest{
		ShardId: "shard-1", Positions: map[string]int64{topicId: 3},
	}, cookie)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = postJson(t, f.app.listTopics, ShardRequest{ShardId: "shard-1"}, cookie)
	require.Equal(t, http.StatusOK, rr.Code)

	var list struct {
		Topics []types.TopicRecord `json:"topics"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Topics, 1)
	assert.Equal(t, topicId, list.Topics[0].ShardId)
	assert.EqualValues(t, 3, list.Topics[0].LastReadSequence)
}

func TestLogoutHandler(t *testing.T) {
	f := newAppFixture(t)
	f.createShard(t, "shard-1")
	cookie := f.login(t, "shard-1", "ann")

	rr := postJson(t, f.app.logout, ShardRequest{ShardId: "shard-1"}, cookie)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	// The session is gone once offline.
	rr = postJson(t, f.app.createPost, PostRequest{ShardId: "shard-1", Body: "hello"}, cookie)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
