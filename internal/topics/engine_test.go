package topics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npezzotti/ephemchat/internal/cache"
	"github.com/npezzotti/ephemchat/internal/channel"
	"github.com/npezzotti/ephemchat/internal/database"
	"github.com/npezzotti/ephemchat/internal/posts"
	"github.com/npezzotti/ephemchat/internal/queue"
	"github.com/npezzotti/ephemchat/internal/stats"
	"github.com/npezzotti/ephemchat/internal/testutil"
)

type topicsFixture struct {
	engine *Engine
	posts  *posts.Engine
	db     *database.FakeChatRepository
}

func newTopicsFixture(t *testing.T) *topicsFixture {
	f := &topicsFixture{db: database.NewFakeChatRepository()}
	logger := testutil.TestLogger(t)
	st := &stats.MockStatsUpdater{}
	f.posts = posts.NewEngine(logger, f.db, cache.NewMemoryCache(), queue.NewFakeScheduler(),
		channel.NewRecordingNotifier(), st, time.Minute)
	f.engine = NewEngine(logger, f.db, f.posts, st, 4*time.Hour)
	return f
}

func (f *topicsFixture) createShard(t *testing.T, id string) {
	_, created, err := f.db.CreateShard(database.CreateShardParams{Id: id})
	require.NoError(t, err)
	require.True(t, created)
}

func TestCreateTopic(t *testing.T) {
	f := newTopicsFixture(t)
	f.createShard(t, "parent")
	ctx := context.Background()

	topicId, err := f.engine.CreateTopic(ctx, CreateTopicParams{
		RootShardId: "parent", Title: "lunch", Description: "where to eat",
		Nickname: "ann", UserId: "user-1", PostId: "post-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, topicId)

	topic, err := f.db.GetShard(topicId)
	require.NoError(t, err)
	assert.Equal(t, "parent", topic.RootShard.String)
	assert.Equal(t, "lunch", topic.Title)

	// Topic creation enters the parent's log as an ordinary post; once
	// sequenced it flips the parent's current topic.
	start, err := f.db.GetPosts([]string{"post-1"})
	require.NoError(t, err)
	require.Len(t, start, 1)
	assert.Equal(t, database.ArchiveTopicStart, start[0].ArchiveType)
	assert.Equal(t, topicId, start[0].NewTopic.String)

	require.NoError(t, f.posts.Apply(ctx, "parent", "post-1"))

	parent, err := f.db.GetShard("parent")
	require.NoError(t, err)
	require.True(t, parent.CurrentTopic.Valid)
	assert.Equal(t, topicId, parent.CurrentTopic.String)

	_, err = f.engine.CreateTopic(ctx, CreateTopicParams{RootShardId: "missing"})
	assert.ErrorIs(t, err, ErrShardNotFound)
}

func TestListTopics(t *testing.T) {
	f := newTopicsFixture(t)
	f.createShard(t, "parent")
	ctx := context.Background()

	first, err := f.engine.CreateTopic(ctx, CreateTopicParams{
		RootShardId: "parent", Title: "first", Nickname: "ann", UserId: "user-1", PostId: "post-1",
	})
	require.NoError(t, err)

	second, err := f.engine.CreateTopic(ctx, CreateTopicParams{
		RootShardId: "parent", Title: "second", Nickname: "ann", UserId: "user-1", PostId: "post-2",
	})
	require.NoError(t, err)

	// Give the newer topic a later update time so ordering is stable.
	newer := f.db.Shards[second]
	newer.UpdateTime = newer.UpdateTime.Add(time.Second)
	f.db.Shards[second] = newer

	require.NoError(t, f.engine.UpdateReadState(ctx, "user-1", map[string]int64{first: 7}))

	list, err := f.engine.ListTopics(ctx, "parent", "user-1")
	require.NoError(t, err)
	require.Len(t, list.Topics, 2)

	assert.Equal(t, second, list.Topics[0].ShardId, "newest updated first")
	assert.Equal(t, first, list.Topics[1].ShardId)
	assert.EqualValues(t, 7, list.Topics[1].LastReadSequence)
	assert.Zero(t, list.Topics[0].LastReadSequence)
}

func TestListTopicsExcludesExpired(t *testing.T) {
	f := newTopicsFixture(t)
	f.createShard(t, "parent")
	ctx := context.Background()

	topicId, err := f.engine.CreateTopic(ctx, CreateTopicParams{
		RootShardId: "parent", Title: "old", Nickname: "ann", UserId: "user-1", PostId: "post-1",
	})
	require.NoError(t, err)

	aged := f.db.Shards[topicId]
	aged.UpdateTime = time.Now().UTC().Add(-5 * time.Hour)
	f.db.Shards[topicId] = aged

	list, err := f.engine.ListTopics(ctx, "parent", "user-1")
	require.NoError(t, err)
	assert.Empty(t, list.Topics, "topics outside the ephemeral window are hidden")
}

func TestUpdateReadStateNeverRegresses(t *testing.T) {
	f := newTopicsFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.UpdateReadState(ctx, "user-1", map[string]int64{"topic-1": 10}))
	require.NoError(t, f.engine.UpdateReadState(ctx, "user-1", map[string]int64{"topic-1": 4}))

	states, err := f.db.GetReadStates("user-1", []string{"topic-1"})
	require.NoError(t, err)
	require.Contains(t, states, "topic-1")
	assert.EqualValues(t, 10, states["topic-1"].LastReadSequence, "stale update does not move the cursor back")

	require.NoError(t, f.engine.UpdateReadState(ctx, "user-1", map[string]int64{"topic-1": 12}))
	states, err = f.db.GetReadStates("user-1", []string{"topic-1"})
	require.NoError(t, err)
	assert.EqualValues(t, 12, states["topic-1"].LastReadSequence)
}
