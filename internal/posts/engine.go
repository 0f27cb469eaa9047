package posts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/npezzotti/ephemchat/internal/cache"
	"github.com/npezzotti/ephemchat/internal/channel"
	"github.com/npezzotti/ephemchat/internal/database"
	"github.com/npezzotti/ephemchat/internal/queue"
	"github.com/npezzotti/ephemchat/internal/stats"
	"github.com/npezzotti/ephemchat/internal/types"
)

const (
	defaultLeaseSeconds = 10 * time.Second
	defaultMaxTasks     = 20
)

// Roster reports the channel tokens of users currently active on a
// shard. The presence engine implements it; the indirection breaks the
// cycle between sequencing and presence.
type Roster interface {
	ActiveTokens(ctx context.Context, shardId string) ([]string, error)
}

// Engine is the post insertion path and the per-shard sequencer.
type Engine struct {
	log       *log.Logger
	db        database.ChatRepository
	cache     cache.Cache
	scheduler queue.Scheduler
	notifier  channel.Notifier
	stats     stats.StatsProvider

	roster Roster

	cleanupPeriod time.Duration
}

func NewEngine(logger *log.Logger, db database.ChatRepository, c cache.Cache,
	scheduler queue.Scheduler, notifier channel.Notifier, st stats.StatsProvider,
	cleanupPeriod time.Duration) *Engine {
	return &Engine{
		log:           logger,
		db:            db,
		cache:         c,
		scheduler:     scheduler,
		notifier:      notifier,
		stats:         st,
		cleanupPeriod: cleanupPeriod,
	}
}

// SetRoster wires in the presence engine after construction.
func (e *Engine) SetRoster(r Roster) {
	e.roster = r
}

func dirtyKey(shardId string) string {
	return "dirty-bit-" + shardId
}

type InsertParams struct {
	ShardId     string
	ArchiveType string
	Nickname    string
	UserId      string
	Title       string
	Body        string
	// PostId, when set, makes the insert an idempotent retry.
	PostId   string
	NewTopic string
}

// Insert durably records a post and guarantees sequencing work will
// eventually run for it. The returned id is stable across retries with
// the same PostId.
func (e *Engine) Insert(ctx context.Context, params InsertParams) (string, error) {
	if _, ok := database.ArchiveTypes[params.ArchiveType]; !ok {
		return "", ErrBadArchiveType
	}
	if params.ArchiveType == database.ArchiveChat && strings.TrimSpace(params.Body) == "" {
		return "", ErrEmptyBody
	}

	shard, err := e.db.GetShard(params.ShardId)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", ErrShardNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrPostFailed, err)
	}

	postId := params.PostId
	if postId == "" {
		postId = uuid.NewString()
	}

	post := database.Post{
		Id:          postId,
		ArchiveType: params.ArchiveType,
		Nickname:    params.Nickname,
		UserId:      params.UserId,
		Title:       params.Title,
		Body:        params.Body,
		PostTime:    time.Now().UTC(),
	}
	if params.NewTopic != "" {
		post.NewTopic = sql.NullString{String: params.NewTopic, Valid: true}
	}

	inserted, err := e.db.InsertPost(post, params.ShardId)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPostFailed, err)
	}
	if inserted {
		e.stats.Incr("PostsInserted")
	}

	// Mark the shard dirty before the apply task can possibly run, so a
	// sequencer that just drained and is about to exit re-runs for us.
	if err := e.cache.Set(ctx, dirtyKey(params.ShardId), "1", 0); err != nil {
		e.log.Printf("setting dirty bit for shard %q: %v", params.ShardId, err)
	}

	if err := e.EnqueueApply(ctx, params.ShardId, shard.SequenceNumber, postId); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPostFailed, err)
	}

	// Optimistic pre-sequencing push. The sequence id is still null;
	// clients render it as provisional until the sequenced copy arrives.
	e.notifyPosts(ctx, params.ShardId, []database.Post{post})

	return postId, nil
}

// EnqueueApply submits an apply task for the shard, named by the
// sequence number observed at enqueue time. Concurrent inserts against
// the same shard collapse onto the same task name until the sequencer
// advances the counter; only the first submission's insertion post id
// survives the coalescing, which is enough for the visibility check.
func (e *Engine) EnqueueApply(ctx context.Context, shardId string, sequenceNumber int64, insertionPostId string) error {
	name := queue.ApplyTaskName(shardId, sequenceNumber)
	payload := queue.ApplyPayload{ShardId: shardId, InsertionPostId: insertionPostId}
	return e.scheduler.SubmitOnce(ctx, name, queue.TypeApplyPosts, payload, 0)
}

// Apply runs one sequencing cycle. With an empty shardId it discovers a
// shard by leasing any pending work item. insertionPostId, when set,
// names a post the caller just inserted; if no work is found and that
// post has no receipt yet the cycle fails so queue redelivery retries
// after the pending row becomes visible.
func (e *Engine) Apply(ctx context.Context, shardId, insertionPostId string) error {
	var leased []database.PendingTask

	if shardId == "" {
		task, err := e.db.LeaseAnyPending(defaultLeaseSeconds)
		if err != nil {
			return err
		}
		if task == nil {
			return nil
		}
		shardId = task.ShardId
		leased = append(leased, *task)
	}

	// Clearing the dirty bit here defines the race horizon: any insert
	// that sets it after this point forces a re-run in the final step.
	if err := e.cache.Delete(ctx, dirtyKey(shardId)); err != nil {
		e.log.Printf("clearing dirty bit for shard %q: %v", shardId, err)
	}

	tasks, err := e.db.LeasePending(shardId, defaultMaxTasks, defaultLeaseSeconds)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		already := false
		for _, l := range leased {
			if l.Id == t.Id {
				already = true
				break
			}
		}
		if !already {
			leased = append(leased, t)
		}
	}

	var (
		postIds  []string
		seen     = make(map[string]struct{})
		newTopic string
	)
	for _, task := range leased {
		for _, id := range task.PostIds {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			postIds = append(postIds, id)
		}
		// Last assignment in the batch wins.
		if task.NewTopic.Valid {
			newTopic = task.NewTopic.String
		}
	}

	receipts, err := e.db.GetReceipts(shardId, postIds)
	if err != nil {
		return err
	}

	var unapplied []string
	for _, id := range postIds {
		if _, ok := receipts[id]; !ok {
			unapplied = append(unapplied, id)
		}
	}

	if len(unapplied) == 0 && insertionPostId != "" {
		found, err := e.db.GetReceipts(shardId, []string{insertionPostId})
		if err != nil {
			return err
		}
		if _, ok := found[insertionPostId]; !ok {
			// The pending row for this post is not visible yet. Fail so
			// the queue redelivers once it is.
			return fmt.Errorf("post %q has no pending work and no receipt on shard %q", insertionPostId, shardId)
		}
	}

	result, err := e.db.ApplySequence(database.ApplySequenceParams{
		ShardId:  shardId,
		PostIds:  unapplied,
		NewTopic: newTopic,
		Now:      time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	e.stats.Incr("ApplyCycles")

	if len(unapplied) > 0 {
		newReceipts := make([]database.Receipt, len(unapplied))
		for i, id := range unapplied {
			newReceipts[i] = database.Receipt{
				PostId:   id,
				ShardId:  shardId,
				Sequence: sql.NullInt64{Int64: result.Sequences[i], Valid: true},
			}
			e.stats.Incr("PostsSequenced")
		}
		if err := e.db.PutReceipts(newReceipts); err != nil {
			return err
		}

		sequenced, err := e.db.GetPosts(unapplied)
		if err != nil {
			e.log.Printf("loading sequenced posts on shard %q: %v", shardId, err)
		} else {
			bySeq := make(map[string]int64, len(unapplied))
			for i, id := range unapplied {
				bySeq[id] = result.Sequences[i]
			}
			for i := range sequenced {
				if seq, ok := bySeq[sequenced[i].Id]; ok {
					sequenced[i].Sequence = sql.NullInt64{Int64: seq, Valid: true}
				}
			}
			e.notifyPosts(ctx, shardId, sequenced)
		}
	}

	// Kick the topic shard's own sequencer for the replicated posts.
	// This runs before the pending rows are deleted and failures
	// propagate, so a redelivered cycle retries the kick even when every
	// drained post is already receipted.
	if result.Shard.CurrentTopic.Valid && len(postIds) > 0 {
		topicId := result.Shard.CurrentTopic.String
		topicShard, err := e.db.GetShard(topicId)
		if err != nil {
			return fmt.Errorf("loading topic shard %q: %w", topicId, err)
		}
		if err := e.EnqueueApply(ctx, topicId, topicShard.SequenceNumber, ""); err != nil {
			return fmt.Errorf("enqueueing apply for topic shard %q: %w", topicId, err)
		}
	}

	if len(leased) > 0 {
		ids := make([]int64, len(leased))
		for i, task := range leased {
			ids[i] = task.Id
		}
		if err := e.db.DeletePending(ids); err != nil {
			return err
		}
	}

	// An insert that landed mid-cycle set the dirty bit again; re-run.
	_, dirty, err := e.cache.Get(ctx, dirtyKey(shardId))
	if err != nil {
		e.log.Printf("checking dirty bit for shard %q: %v", shardId, err)
	}
	if dirty {
		if err := e.EnqueueApply(ctx, shardId, result.Shard.SequenceNumber, ""); err != nil {
			e.log.Printf("re-enqueueing apply for shard %q: %v", shardId, err)
		}
	}

	e.scheduleCleanup(ctx, shardId)

	return nil
}

// scheduleCleanup debounces a presence sweep by bucketing the task name
// to the cleanup period.
func (e *Engine) scheduleCleanup(ctx context.Context, shardId string) {
	bucket := time.Now().Unix() / int64(e.cleanupPeriod.Seconds())
	name := queue.CleanupTaskName(shardId, bucket)
	err := e.scheduler.SubmitOnce(ctx, name, queue.TypePresenceCleanup,
		queue.CleanupPayload{ShardId: shardId}, e.cleanupPeriod)
	if err != nil {
		e.log.Printf("scheduling cleanup for shard %q: %v", shardId, err)
	}
}

// notifyPosts pushes posts to every active user's channel. Failures are
// logged, never retried; clients recover by fetching history by range.
func (e *Engine) notifyPosts(ctx context.Context, shardId string, dbPosts []database.Post) {
	if e.roster == nil || len(dbPosts) == 0 {
		return
	}

	tokens, err := e.roster.ActiveTokens(ctx, shardId)
	if err != nil {
		e.log.Printf("listing active tokens for shard %q: %v", shardId, err)
		return
	}
	if len(tokens) == 0 {
		return
	}

	payload, err := json.Marshal(types.PostsFrame{Posts: MarshalPosts(shardId, dbPosts)})
	if err != nil {
		e.log.Printf("marshaling posts for shard %q: %v", shardId, err)
		return
	}

	var wg sync.WaitGroup
	for _, token := range tokens {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			if err := e.notifier.Send(token, payload); err != nil {
				e.log.Printf("notifying shard %q: %v", shardId, err)
			}
		}(token)
	}
	wg.Wait()
}

// MarshalPosts converts stored posts to their wire form.
func MarshalPosts(shardId string, dbPosts []database.Post) []types.PostRecord {
	records := make([]types.PostRecord, len(dbPosts))
	for i, p := range dbPosts {
		record := types.PostRecord{
			PostId:      p.Id,
			ShardId:     shardId,
			ArchiveType: p.ArchiveType,
			Nickname:    p.Nickname,
			Title:       p.Title,
			Body:        p.Body,
			PostTimeMs:  p.PostTime.UnixMilli(),
		}
		if p.Sequence.Valid {
			seq := p.Sequence.Int64
			record.SequenceId = &seq
		}
		if p.NewTopic.Valid {
			record.NewTopicId = p.NewTopic.String
		}
		records[i] = record
	}
	return records
}

// ListPosts returns up to count sequenced posts in [start, end], newest
// first. A zero end means "latest".
func (e *Engine) ListPosts(ctx context.Context, shardId string, start, end int64, count int) ([]types.PostRecord, error) {
	if start < 1 {
		start = 1
	}
	if end == 0 {
		shard, err := e.db.GetShard(shardId)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, ErrShardNotFound
			}
			return nil, err
		}
		end = shard.SequenceNumber
	}
	if count <= 0 || count > 100 {
		count = 100
	}

	dbPosts, err := e.db.ListPostRange(shardId, start, end, count)
	if err != nil {
		return nil, err
	}
	return MarshalPosts(shardId, dbPosts), nil
}
