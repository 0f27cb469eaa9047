package presence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/npezzotti/ephemchat/internal/cache"
	"github.com/npezzotti/ephemchat/internal/channel"
	"github.com/npezzotti/ephemchat/internal/database"
	"github.com/npezzotti/ephemchat/internal/posts"
	"github.com/npezzotti/ephemchat/internal/queue"
	"github.com/npezzotti/ephemchat/internal/stats"
	"github.com/npezzotti/ephemchat/internal/types"
)

var (
	ErrShardNotFound = errors.New("shard does not exist")
	// ErrTopicShard means a client tried to log into a derived topic
	// shard, which only ever receives replicated posts.
	ErrTopicShard = errors.New("cannot login to topic shard")
)

const presentUserLimit = 1000

// DigestEnqueuer schedules digest deliveries for addresses seen during
// cleanup sweeps.
type DigestEnqueuer interface {
	EnqueueTasks(ctx context.Context, addresses []string) error
}

// Engine tracks connection liveness per (user, shard), mediates channel
// token issuance, and turns joins, leaves, and renames into ordinary
// sequenced posts.
type Engine struct {
	log       *log.Logger
	db        database.ChatRepository
	cache     cache.Cache
	scheduler queue.Scheduler
	notifier  channel.Notifier
	posts     *posts.Engine
	stats     stats.StatsProvider
	digests   DigestEnqueuer

	maxInactive   time.Duration
	tokenLifetime time.Duration
	cleanupPeriod time.Duration
	termsVersion  int
}

func NewEngine(logger *log.Logger, db database.ChatRepository, c cache.Cache,
	scheduler queue.Scheduler, notifier channel.Notifier, postEngine *posts.Engine,
	st stats.StatsProvider, maxInactive, tokenLifetime, cleanupPeriod time.Duration,
	termsVersion int) *Engine {
	return &Engine{
		log:           logger,
		db:            db,
		cache:         c,
		scheduler:     scheduler,
		notifier:      notifier,
		posts:         postEngine,
		stats:         st,
		maxInactive:   maxInactive,
		tokenLifetime: tokenLifetime,
		cleanupPeriod: cleanupPeriod,
		termsVersion:  termsVersion,
	}
}

// SetDigestEnqueuer wires in the digest scheduler after construction.
func (e *Engine) SetDigestEnqueuer(d DigestEnqueuer) {
	e.digests = d
}

func rosterKey(shardId string) string {
	return "users-shard-" + shardId
}

type ChangePresenceParams struct {
	UserId        string
	ShardId       string
	Nickname      string
	AcceptedTerms bool
	SoundsEnabled bool
	// Retrying is set when the client reports a broken channel token and
	// forces a refresh.
	Retrying bool
}

type PresenceUpdate struct {
	UserConnected bool
	BrowserToken  string
}

// ChangePresence handles a login, heartbeat, or rename. The transaction
// outcome decides which synthetic post, if any, enters the shard's log:
// heartbeats leave no history, joins and renames do.
func (e *Engine) ChangePresence(ctx context.Context, params ChangePresenceParams) (PresenceUpdate, error) {
	shard, err := e.db.GetShard(params.ShardId)
	if err != nil {
		if err == sql.ErrNoRows {
			return PresenceUpdate{}, ErrShardNotFound
		}
		return PresenceUpdate{}, err
	}
	if shard.RootShard.Valid {
		return PresenceUpdate{}, ErrTopicShard
	}

	// The candidate token is minted before the transaction; the token
	// refresh policy inside decides whether it is actually stored.
	candidate, err := e.notifier.CreateToken(params.UserId, params.ShardId, e.tokenLifetime)
	if err != nil {
		return PresenceUpdate{}, fmt.Errorf("creating channel token: %w", err)
	}

	termsVersion := 0
	if params.AcceptedTerms {
		termsVersion = e.termsVersion
	}

	result, err := e.db.UpdatePresence(database.UpdatePresenceParams{
		UserId:               params.UserId,
		ShardId:              params.ShardId,
		Nickname:             params.Nickname,
		AcceptedTermsVersion: termsVersion,
		SoundsEnabled:        params.SoundsEnabled,
		CandidateToken:       candidate,
		ForceToken:           params.Retrying,
		TokenLifetime:        e.tokenLifetime,
		ActiveWindow:         e.maxInactive,
		Now:                  time.Now().UTC(),
	})
	if err != nil {
		return PresenceUpdate{}, err
	}
	e.stats.Incr("PresenceUpdates")

	if result.TokenIssued {
		e.log.Printf("issued channel token: user_id=%q, shard=%q, force=%v",
			params.UserId, params.ShardId, params.Retrying)
	}

	e.invalidateRoster(ctx, params.ShardId)

	var message, archiveType string
	switch {
	case params.Nickname != "" && result.LastNickname != "" && result.LastNickname != params.Nickname:
		message = fmt.Sprintf("%s has changed their nickname to %s", result.LastNickname, params.Nickname)
		archiveType = database.ArchiveUserUpdate
	case result.UserConnected:
		message = fmt.Sprintf("%s has joined", params.Nickname)
		archiveType = database.ArchiveUserLogin
	}

	if archiveType != "" {
		_, err := e.posts.Insert(ctx, posts.InsertParams{
			ShardId:     params.ShardId,
			ArchiveType: archiveType,
			Nickname:    params.Nickname,
			UserId:      params.UserId,
			Body:        message,
		})
		if err != nil {
			e.log.Printf("inserting %s post for shard %q: %v", archiveType, params.ShardId, err)
		}
	} else {
		// Heartbeats keep the staleness sweep alive for this shard.
		e.scheduleCleanup(ctx, params.ShardId)
	}

	return PresenceUpdate{
		UserConnected: result.UserConnected,
		BrowserToken:  result.Token,
	}, nil
}

// Logout flips the user offline and announces the departure. Unknown
// users are a no-op; the record may already have been swept.
func (e *Engine) Logout(ctx context.Context, userId string) error {
	record, found, err := e.db.MarkLoginOffline(userId)
	if err != nil {
		return err
	}
	if !found {
		e.log.Printf("tried to log out user_id=%q but no login record exists", userId)
		return nil
	}

	e.invalidateRoster(ctx, record.ShardId)

	_, err = e.posts.Insert(ctx, posts.InsertParams{
		ShardId:     record.ShardId,
		ArchiveType: database.ArchiveUserLogout,
		Nickname:    record.Nickname,
		UserId:      userId,
		Body:        fmt.Sprintf("%s has left", record.Nickname),
	})
	if err != nil {
		e.log.Printf("inserting logout post for shard %q: %v", record.ShardId, err)
	}
	return nil
}

// onlyActiveUsers applies the active-user predicate: online and updated
// within the inactivity window. The predicate is always re-evaluated at
// read time, never cached.
func (e *Engine) onlyActiveUsers(records []database.LoginRecord) []database.LoginRecord {
	oldest := time.Now().UTC().Add(-e.maxInactive)

	var active []database.LoginRecord
	for _, r := range records {
		if r.Online && r.LastUpdateTime.After(oldest) {
			active = append(active, r)
		}
	}
	return active
}

// PresentUsers returns the active users on a shard. The list is cached
// with a TTL equal to the inactivity window, so cache staleness is
// bounded by the same horizon that defines activity.
func (e *Engine) PresentUsers(ctx context.Context, shardId string) ([]types.UserRecord, error) {
	if cached, ok, err := e.cache.Get(ctx, rosterKey(shardId)); err == nil && ok {
		var users []types.UserRecord
		if err := json.Unmarshal([]byte(cached), &users); err == nil {
			return users, nil
		}
	}

	records, err := e.db.PresentUsers(shardId, false, presentUserLimit)
	if err != nil {
		return nil, err
	}

	active := e.onlyActiveUsers(records)
	users := make([]types.UserRecord, 0, len(active))
	for _, r := range active {
		users = append(users, types.UserRecord{UserId: r.Id, Nickname: r.Nickname})
	}

	if data, err := json.Marshal(users); err == nil {
		if err := e.cache.Set(ctx, rosterKey(shardId), string(data), e.maxInactive); err != nil {
			e.log.Printf("caching roster for shard %q: %v", shardId, err)
		}
	}
	return users, nil
}

// ActiveTokens returns the channel tokens of all active users, for the
// sequencer's notification fan-out.
func (e *Engine) ActiveTokens(ctx context.Context, shardId string) ([]string, error) {
	records, err := e.db.PresentUsers(shardId, false, presentUserLimit)
	if err != nil {
		return nil, err
	}

	var tokens []string
	for _, r := range e.onlyActiveUsers(records) {
		if r.ChannelToken != "" {
			tokens = append(tokens, r.ChannelToken)
		}
	}
	return tokens, nil
}

// RosterMessage renders the present-user list the way clients display
// it, excluding the requesting user.
func RosterMessage(nicknames []string) string {
	switch len(nicknames) {
	case 0:
		return "Nobody else is here"
	case 1:
		return fmt.Sprintf("%s is here too", nicknames[0])
	case 2:
		return fmt.Sprintf("%s and %s are here too", nicknames[0], nicknames[1])
	default:
		return fmt.Sprintf("%s, and %s are here too",
			strings.Join(nicknames[:len(nicknames)-1], ", "),
			nicknames[len(nicknames)-1])
	}
}

// Cleanup sweeps one shard: force-logout every user present in the full
// list but absent from the active subset, then reschedule while anyone
// active remains. The sweep self-terminates once the shard goes quiet.
func (e *Engine) Cleanup(ctx context.Context, shardId string) error {
	all, err := e.db.PresentUsers(shardId, true, 10000)
	if err != nil {
		return err
	}

	active := e.onlyActiveUsers(all)
	activeSet := make(map[string]struct{}, len(active))
	for _, r := range active {
		activeSet[r.Id] = struct{}{}
	}

	for _, r := range all {
		if _, ok := activeSet[r.Id]; ok {
			continue
		}
		if !r.Online {
			continue
		}
		if err := e.Logout(ctx, r.Id); err != nil {
			e.log.Printf("sweeping user_id=%q from shard %q: %v", r.Id, shardId, err)
		}
	}
	e.stats.Incr("CleanupSweeps")

	if e.digests != nil {
		seen := make(map[string]struct{})
		var addresses []string
		for _, r := range all {
			if r.EmailAddress == "" {
				continue
			}
			if _, ok := seen[r.EmailAddress]; ok {
				continue
			}
			seen[r.EmailAddress] = struct{}{}
			addresses = append(addresses, r.EmailAddress)
		}
		if len(addresses) > 0 {
			if err := e.digests.EnqueueTasks(ctx, addresses); err != nil {
				e.log.Printf("enqueueing digest tasks for shard %q: %v", shardId, err)
			}
		}
	}

	if len(active) > 0 {
		e.scheduleCleanup(ctx, shardId)
	}
	return nil
}

func (e *Engine) scheduleCleanup(ctx context.Context, shardId string) {
	bucket := time.Now().Unix() / int64(e.cleanupPeriod.Seconds())
	name := queue.CleanupTaskName(shardId, bucket)
	err := e.scheduler.SubmitOnce(ctx, name, queue.TypePresenceCleanup,
		queue.CleanupPayload{ShardId: shardId}, e.cleanupPeriod)
	if err != nil {
		e.log.Printf("scheduling cleanup for shard %q: %v", shardId, err)
	}
}

func (e *Engine) invalidateRoster(ctx context.Context, shardId string) {
	if err := e.cache.Delete(ctx, rosterKey(shardId)); err != nil {
		e.log.Printf("invalidating roster cache for shard %q: %v", shardId, err)
	}
}
