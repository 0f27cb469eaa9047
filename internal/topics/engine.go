package topics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/npezzotti/ephemchat/internal/database"
	"github.com/npezzotti/ephemchat/internal/posts"
	"github.com/npezzotti/ephemchat/internal/stats"
	"github.com/npezzotti/ephemchat/internal/types"
)

var ErrShardNotFound = errors.New("shard does not exist")

const maxListedTopics = 100

// Engine creates and queries derived topic shards and manages per-user
// read cursors over them.
type Engine struct {
	log   *log.Logger
	db    database.ChatRepository
	posts *posts.Engine
	stats stats.StatsProvider

	ephemeralLifetime time.Duration
}

func NewEngine(logger *log.Logger, db database.ChatRepository, postEngine *posts.Engine,
	st stats.StatsProvider, ephemeralLifetime time.Duration) *Engine {
	return &Engine{
		log:               logger,
		db:                db,
		posts:             postEngine,
		stats:             st,
		ephemeralLifetime: ephemeralLifetime,
	}
}

type CreateTopicParams struct {
	RootShardId string
	Title       string
	Description string
	Nickname    string
	UserId      string
	// PostId is the client-chosen id for the topic_start post, so a
	// retried create is idempotent.
	PostId string
}

// CreateTopic allocates a topic shard rooted at the parent and inserts
// a topic_start post on the parent carrying the new shard id. The post
// is what makes topic creation a sequenced event in the parent's log:
// once applied it flips the parent's current topic and starts the
// replication path.
func (e *Engine) CreateTopic(ctx context.Context, params CreateTopicParams) (string, error) {
	if _, err := e.db.GetShard(params.RootShardId); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrShardNotFound
		}
		return "", err
	}

	topicId := uuid.NewString()
	_, created, err := e.db.CreateShard(database.CreateShardParams{
		Id:               topicId,
		Title:            params.Title,
		Description:      params.Description,
		CreationNickname: params.Nickname,
		RootShard:        params.RootShardId,
	})
	if err != nil {
		return "", err
	}
	if !created {
		return "", fmt.Errorf("topic shard id %q already in use", topicId)
	}
	e.stats.Incr("TopicsCreated")

	_, err = e.posts.Insert(ctx, posts.InsertParams{
		ShardId:     params.RootShardId,
		ArchiveType: database.ArchiveTopicStart,
		Nickname:    params.Nickname,
		UserId:      params.UserId,
		Title:       params.Title,
		Body:        params.Description,
		PostId:      params.PostId,
		NewTopic:    topicId,
	})
	if err != nil {
		return "", err
	}

	return topicId, nil
}

// TopicList is the result of ListTopics: the parent's current topic
// pointer plus topics joined with the requesting user's read state.
type TopicList struct {
	CurrentTopicId    string
	TopicChangeTimeMs int64
	Topics            []types.TopicRecord
}

// ListTopics returns the topics under a root shard updated within the
// ephemeral lifetime window, newest first.
func (e *Engine) ListTopics(ctx context.Context, rootShardId, userId string) (TopicList, error) {
	root, err := e.db.GetShard(rootShardId)
	if err != nil {
		if err == sql.ErrNoRows {
			return TopicList{}, ErrShardNotFound
		}
		return TopicList{}, err
	}

	oldest := time.Now().UTC().Add(-e.ephemeralLifetime)
	shards, err := e.db.ListTopicShards(rootShardId, oldest, maxListedTopics)
	if err != nil {
		return TopicList{}, err
	}

	shardIds := make([]string, len(shards))
	for i, s := range shards {
		shardIds[i] = s.Id
	}

	states, err := e.db.GetReadStates(userId, shardIds)
	if err != nil {
		return TopicList{}, err
	}

	records := make([]types.TopicRecord, len(shards))
	for i, s := range shards {
		record := types.TopicRecord{
			ShardId:          s.Id,
			Title:            s.Title,
			Description:      s.Description,
			CreationNickname: s.CreationNickname,
			UpdateTimeMs:     s.UpdateTime.UnixMilli(),
			SequenceNumber:   s.SequenceNumber,
		}
		if state, ok := states[s.Id]; ok {
			record.LastReadSequence = state.LastReadSequence
		}
		records[i] = record
	}

	list := TopicList{Topics: records}
	if root.CurrentTopic.Valid {
		list.CurrentTopicId = root.CurrentTopic.String
	}
	if root.TopicChangeTime.Valid {
		list.TopicChangeTimeMs = root.TopicChangeTime.Time.UnixMilli()
	}
	return list, nil
}

// UpdateReadState merges new read positions for a user. Cursors only
// move forward, so redelivered or out-of-order updates are harmless.
func (e *Engine) UpdateReadState(ctx context.Context, userId string, positions map[string]int64) error {
	if len(positions) == 0 {
		return nil
	}
	return e.db.UpdateReadStates(userId, positions)
}
