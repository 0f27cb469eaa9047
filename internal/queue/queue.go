package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Task types handled by the background worker.
const (
	TypeApplyPosts      = "posts:apply"
	TypePresenceCleanup = "presence:cleanup"
	TypeEmailDigest     = "email:digest"
)

// ApplyPayload drives one apply cycle for a shard. InsertionPostId
// names the post whose insert enqueued the task, when there was one;
// the sequencer fails the cycle if that post ends up neither drained
// nor receipted, so redelivery retries once the pending row is visible.
type ApplyPayload struct {
	ShardId         string `json:"shard_id"`
	InsertionPostId string `json:"insertion_post_id,omitempty"`
}

// CleanupPayload drives one staleness sweep for a shard.
type CleanupPayload struct {
	ShardId string `json:"shard_id"`
}

// DigestPayload drives one digest delivery attempt for an address. The
// sequence number is the digest cursor observed at enqueue time; the
// worker drops the task if the cursor has already moved past it.
type DigestPayload struct {
	Address        string `json:"address"`
	SequenceNumber int64  `json:"sequence_number"`
}

// ApplyTaskName names an apply task by the shard's sequence number as
// observed at enqueue time. Inserts racing against a slow sequencer
// collapse onto one name until the counter moves.
func ApplyTaskName(shardId string, sequenceNumber int64) string {
	return fmt.Sprintf("apply-%s-join-%d", shardId, sequenceNumber)
}

// CleanupTaskName debounces staleness sweeps to one per shard per
// coarse time bucket.
func CleanupTaskName(shardId string, bucket int64) string {
	return fmt.Sprintf("cleanup-%s-time-%d", shardId, bucket)
}

// Scheduler submits named background tasks. Submitting a name that is
// already queued or running is a no-op, which lets callers fire tasks
// optimistically and rely on the name for coalescing.
type Scheduler interface {
	SubmitOnce(ctx context.Context, name, taskType string, payload any, delay time.Duration) error
	Close() error
}

type AsynqScheduler struct {
	client    *asynq.Client
	retention time.Duration
}

func NewAsynqScheduler(redisAddr string, retention time.Duration) *AsynqScheduler {
	return &AsynqScheduler{
		client:    asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr}),
		retention: retention,
	}
}

// SubmitOnce enqueues the task under its dedup name. The name stays
// claimed for the retention window after completion, so a task name must
// encode the state it acts on rather than a timestamp.
func (s *AsynqScheduler) SubmitOnce(ctx context.Context, name, taskType string, payload any, delay time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	opts := []asynq.Option{
		asynq.TaskID(name),
		asynq.Retention(s.retention),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}

	_, err = s.client.EnqueueContext(ctx, asynq.NewTask(taskType, data), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	return err
}

func (s *AsynqScheduler) Close() error {
	return s.client.Close()
}
