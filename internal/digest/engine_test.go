package digest

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
	"github.com/npezzotti/ephemchat/internal/topics"
)

type digestFixture struct {
	engine    *Engine
	topics    *topics.Engine
	posts     *posts.Engine
	db        *database.FakeChatRepository
	scheduler *queue.FakeScheduler
	mailer    *RecordingMailer
}

func newDigestFixture(t *testing.T) *digestFixture {
	f := &digestFixture{
		db:        database.NewFakeChatRepository(),
		scheduler: queue.NewFakeScheduler(),
		mailer:    &RecordingMailer{},
	}
	logger := testutil.TestLogger(t)
	st := &stats.MockStatsUpdater{}
	f.posts = posts.NewEngine(logger, f.db, cache.NewMemoryCache(), f.scheduler,
		channel.NewRecordingNotifier(), st, time.Minute)
	f.topics = topics.NewEngine(logger, f.db, f.posts, st, 4*time.Hour)
	f.engine = NewEngine(logger, f.db, f.scheduler, f.topics, f.mailer, st)
	return f
}

// seedActivity creates a root shard with one topic carrying sequenced
// posts and a login that ties the address to the root shard.
func (f *digestFixture) seedActivity(t *testing.T, address string) string {
	ctx := context.Background()

	_, created, err := f.db.CreateShard(database.CreateShardParams{Id: "root"})
	require.NoError(t, err)
	require.True(t, created)

	topicId, err := f.topics.CreateTopic(ctx, topics.CreateTopicParams{
		RootShardId: "root", Title: "lunch", Nickname: "ann", UserId: "user-1", PostId: "post-1",
	})
	require.NoError(t, err)

	require.NoError(t, f.posts.Apply(ctx, "root", "post-1"))
	for i := 0; i < 3; i++ {
		_, err := f.posts.Insert(ctx, posts.InsertParams{
			ShardId: topicId, ArchiveType: database.ArchiveChat, Nickname: "ann", Body: "hi",
		})
		require.NoError(t, err)
	}
	require.NoError(t, f.posts.Apply(ctx, topicId, ""))

	login := database.LoginRecord{
		Id: "user-1", ShardId: "root", Nickname: "ann",
		EmailAddress: address, Online: true, LastUpdateTime: time.Now().UTC(),
	}
	f.db.Logins["user-1"] = login
	return topicId
}

func TestEnqueueTasks(t *testing.T) {
	f := newDigestFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.EnqueueTasks(ctx, []string{"a@example.com", "b@example.com"}))

	var digests int
	for _, s := range f.scheduler.Submitted {
		if s.TaskType == queue.TypeEmailDigest {
			digests++
			payload := s.Payload.(queue.DigestPayload)
			assert.EqualValues(t, 1, payload.SequenceNumber, "new addresses start at the first cursor")
			assert.Zero(t, s.Delay)
		}
	}
	assert.Equal(t, 2, digests)

	// Resubmitting at the same cursor collapses onto the same names.
	require.NoError(t, f.engine.EnqueueTasks(ctx, []string{"a@example.com"}))
	digests = 0
	for _, s := range f.scheduler.Submitted {
		if s.TaskType == queue.TypeEmailDigest {
			digests++
		}
	}
	assert.Equal(t, 2, digests)
}

func TestEnqueueTasksThrottlesKnownAddresses(t *testing.T) {
	f := newDigestFixture(t)
	ctx := context.Background()

	_, err := f.db.GetOrCreateEmailRecord("a@example.com", "secret")
	require.NoError(t, err)

	require.NoError(t, f.engine.EnqueueTasks(ctx, []string{"a@example.com"}))

	task, ok := f.scheduler.Next()
	require.True(t, ok)
	assert.Equal(t, 15*time.Minute, task.Delay, "known addresses wait out the notify period")
}

func TestDeliverSendsDigestOnce(t *testing.T) {
	f := newDigestFixture(t)
	f.seedActivity(t, "a@example.com")
	ctx := context.Background()

	require.NoError(t, f.engine.Deliver(ctx, "a@example.com", 1))

	require.Len(t, f.mailer.Sends, 1)
	sent := f.mailer.Sends[0]
	assert.Equal(t, "a@example.com", sent.To)
	assert.Contains(t, sent.Body, "lunch")

	record, err := f.db.GetOrCreateEmailRecord("a@example.com", "unused")
	require.NoError(t, err)
	assert.EqualValues(t, 2, record.SequenceNumber, "cursor advances past the delivered digest")

	// A redelivered task behind the cursor is dropped without mail.
	require.NoError(t, f.engine.Deliver(ctx, "a@example.com", 1))
	assert.Len(t, f.mailer.Sends, 1)

	// A fresh cycle with no new activity advances the cursor silently.
	require.NoError(t, f.engine.Deliver(ctx, "a@example.com", 2))
	assert.Len(t, f.mailer.Sends, 1)
}

func TestDeliverHonorsOptOut(t *testing.T) {
	f := newDigestFixture(t)
	f.seedActivity(t, "a@example.com")
	ctx := context.Background()

	record, err := f.db.GetOrCreateEmailRecord("a@example.com", "secret")
	require.NoError(t, err)
	record.GlobalOptOut = true
	f.db.EmailRecords["a@example.com"] = record

	require.NoError(t, f.engine.Deliver(ctx, "a@example.com", 1))
	assert.Empty(t, f.mailer.Sends)
}
