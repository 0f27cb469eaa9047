package presence

import (
	"context"
	"strings"
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

type presenceFixture struct {
	engine    *Engine
	posts     *posts.Engine
	db        *database.FakeChatRepository
	cache     *cache.MemoryCache
	scheduler *queue.FakeScheduler
	notifier  *channel.RecordingNotifier
}

func newPresenceFixture(t *testing.T) *presenceFixture {
	f := &presenceFixture{
		db:        database.NewFakeChatRepository(),
		cache:     cache.NewMemoryCache(),
		scheduler: queue.NewFakeScheduler(),
		notifier:  channel.NewRecordingNotifier(),
	}
	logger := testutil.TestLogger(t)
	st := &stats.MockStatsUpdater{}
	f.posts = posts.NewEngine(logger, f.db, f.cache, f.scheduler, f.notifier, st, time.Minute)
	f.engine = NewEngine(logger, f.db, f.cache, f.scheduler, f.notifier, f.posts, st,
		2*time.Minute, 2*time.Hour, time.Minute, 1)
	f.posts.SetRoster(f.engine)
	return f
}

func (f *presenceFixture) createShard(t *testing.T, id string) {
	_, created, err := f.db.CreateShard(database.CreateShardParams{Id: id})
	require.NoError(t, err)
	require.True(t, created)
}

func (f *presenceFixture) postsOfType(archiveType string) []database.Post {
	var matched []database.Post
	for _, p := range f.db.Posts {
		if p.ArchiveType == archiveType {
			matched = append(matched, p)
		}
	}
	return matched
}

func TestChangePresenceJoin(t *testing.T) {
	f := newPresenceFixture(t)
	f.createShard(t, "shard-1")
	ctx := context.Background()

	update, err := f.engine.ChangePresence(ctx, ChangePresenceParams{
		UserId: "user-1", ShardId: "shard-1", Nickname: "ann",
	})
	require.NoError(t, err)
	assert.True(t, update.UserConnected)
	assert.NotEmpty(t, update.BrowserToken)

	joins := f.postsOfType(database.ArchiveUserLogin)
	require.Len(t, joins, 1)
	assert.Equal(t, "ann has joined", joins[0].Body)
}

func TestChangePresenceHeartbeat(t *testing.T) {
	f := newPresenceFixture(t)
	f.createShard(t, "shard-1")
	ctx := context.Background()

	first, err := f.engine.ChangePresence(ctx, ChangePresenceParams{
		UserId: "user-1", ShardId: "shard-1", Nickname: "ann",
	})
	require.NoError(t, err)
	require.True(t, first.UserConnected)

	second, err := f.engine.ChangePresence(ctx, ChangePresenceParams{
		UserId: "user-1", ShardId: "shard-1", Nickname: "ann",
	})
	require.NoError(t, err)
	assert.False(t, second.UserConnected)
	assert.Equal(t, first.BrowserToken, second.BrowserToken, "recent token is not reissued")

	assert.Len(t, f.postsOfType(database.ArchiveUserLogin), 1, "heartbeats generate no history")

	var cleanups int
	for _, s := range f.scheduler.Submitted {
		if s.TaskType == queue.TypePresenceCleanup {
			cleanups++
		}
	}
	assert.NotZero(t, cleanups, "heartbeats keep the sweep scheduled")
}

func TestChangePresenceRename(t *testing.T) {
	f := newPresenceFixture(t)
	f.createShard(t, "shard-1")
	ctx := context.Background()

	_, err := f.engine.ChangePresence(ctx, ChangePresenceParams{
		UserId: "user-1", ShardId: "shard-1", Nickname: "ann",
	})
	require.NoError(t, err)

	_, err = f.engine.ChangePresence(ctx, ChangePresenceParams{
		UserId: "user-1", ShardId: "shard-1", Nickname: "beth",
	})
	require.NoError(t, err)

	renames := f.postsOfType(database.ArchiveUserUpdate)
	require.Len(t, renames, 1)
	assert.Equal(t, "ann has changed their nickname to beth", renames[0].Body)
}

func TestChangePresenceForcedTokenRefresh(t *testing.T) {
	f := newPresenceFixture(t)
	f.createShard(t, "shard-1")
	ctx := context.Background()

	first, err := f.engine.ChangePresence(ctx, ChangePresenceParams{
		UserId: "user-1", ShardId: "shard-1", Nickname: "ann",
	})
	require.NoError(t, err)

	second, err := f.engine.ChangePresence(ctx, ChangePresenceParams{
		UserId: "user-1", ShardId: "shard-1", Nickname: "ann", Retrying: true,
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.BrowserToken, second.BrowserToken)
}

func TestChangePresenceTopicShard(t *testing.T) {
	f := newPresenceFixture(t)
	f.createShard(t, "parent")

	_, created, err := f.db.CreateShard(database.CreateShardParams{Id: "topic-1", RootShard: "parent"})
	require.NoError(t, err)
	require.True(t, created)

	_, err = f.engine.ChangePresence(context.Background(), ChangePresenceParams{
		UserId: "user-1", ShardId: "topic-1", Nickname: "ann",
	})
	assert.ErrorIs(t, err, ErrTopicShard)
}

func TestLogout(t *testing.T) {
	f := newPresenceFixture(t)
	f.createShard(t, "shard-1")
	ctx := context.Background()

	_, err := f.engine.ChangePresence(ctx, ChangePresenceParams{
		UserId: "user-1", ShardId: "shard-1", Nickname: "ann",
	})
	require.NoError(t, err)

	require.NoError(t, f.engine.Logout(ctx, "user-1"))

	record, err := f.db.GetLoginRecord("user-1")
	require.NoError(t, err)
	assert.False(t, record.Online)

	leaves := f.postsOfType(database.ArchiveUserLogout)
	require.Len(t, leaves, 1)
	assert.Equal(t, "ann has left", leaves[0].Body)

	assert.NoError(t, f.engine.Logout(ctx, "never-seen"), "unknown user is a no-op")
}

func TestCleanupSweepsStaleUsers(t *testing.T) {
	f := newPresenceFixture(t)
	f.createShard(t, "shard-1")
	ctx := context.Background()

	for _, user := range []struct{ id, nick string }{{"user-1", "ann"}, {"user-2", "beth"}} {
		_, err := f.engine.ChangePresence(ctx, ChangePresenceParams{
			UserId: user.id, ShardId: "shard-1", Nickname: user.nick,
		})
		require.NoError(t, err)
	}

	// Age one user past the inactivity window.
	stale := f.db.Logins["user-2"]
	stale.LastUpdateTime = time.Now().UTC().Add(-time.Hour)
	f.db.Logins["user-2"] = stale

	require.NoError(t, f.engine.Cleanup(ctx, "shard-1"))

	swept, err := f.db.GetLoginRecord("user-2")
	require.NoError(t, err)
	assert.False(t, swept.Online)

	kept, err := f.db.GetLoginRecord("user-1")
	require.NoError(t, err)
	assert.True(t, kept.Online)

	leaves := f.postsOfType(database.ArchiveUserLogout)
	require.Len(t, leaves, 1)
	assert.Equal(t, "beth has left", leaves[0].Body)

	var rescheduled bool
	for _, s := range f.scheduler.Submitted {
		if s.TaskType == queue.TypePresenceCleanup && strings.HasPrefix(s.Name, "cleanup-shard-1-") {
			rescheduled = true
		}
	}
	assert.True(t, rescheduled, "sweep continues while active users remain")
}

func TestCleanupSelfTerminates(t *testing.T) {
	f := newPresenceFixture(t)
	f.createShard(t, "shard-1")
	ctx := context.Background()

	_, err := f.engine.ChangePresence(ctx, ChangePresenceParams{
		UserId: "user-1", ShardId: "shard-1", Nickname: "ann",
	})
	require.NoError(t, err)

	stale := f.db.Logins["user-1"]
	stale.LastUpdateTime = time.Now().UTC().Add(-time.Hour)
	f.db.Logins["user-1"] = stale

	// Drain submissions recorded so far; a quiet shard must not add more
	// cleanup work.
	for {
		if _, ok := f.scheduler.Next(); !ok {
			break
		}
	}

	require.NoError(t, f.engine.Cleanup(ctx, "shard-1"))

	for _, s := range f.scheduler.Submitted {
		assert.NotEqual(t, queue.TypePresenceCleanup, s.TaskType, "quiet shard stops sweeping")
	}
}

func TestPresentUsersCaching(t *testing.T) {
	f := newPresenceFixture(t)
	f.createShard(t, "shard-1")
	ctx := context.Background()

	_, err := f.engine.ChangePresence(ctx, ChangePresenceParams{
		UserId: "user-1", ShardId: "shard-1", Nickname: "ann",
	})
	require.NoError(t, err)

	users, err := f.engine.PresentUsers(ctx, "shard-1")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "ann", users[0].Nickname)

	_, ok, err := f.cache.Get(ctx, rosterKey("shard-1"))
	require.NoError(t, err)
	assert.True(t, ok, "roster is cached after a read")

	// A rename invalidates the cache so the next read sees it.
	_, err = f.engine.ChangePresence(ctx, ChangePresenceParams{
		UserId: "user-1", ShardId: "shard-1", Nickname: "beth",
	})
	require.NoError(t, err)

	users, err = f.engine.PresentUsers(ctx, "shard-1")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "beth", users[0].Nickname)
}

func TestRosterMessage(t *testing.T) {
	assert.Equal(t, "Nobody else is here", RosterMessage(nil))
	assert.Equal(t, "ann is here too", RosterMessage([]string{"ann"}))
	assert.Equal(t, "ann and beth are here too", RosterMessage([]string{"ann", "beth"}))
	assert.Equal(t, "ann, beth, and carl are here too", RosterMessage([]string{"ann", "beth", "carl"}))
}
