package worker

import (
	"context"
	"encoding/json"
	"log"

	"github.com/hibiken/asynq"

	"github.com/npezzotti/ephemchat/internal/digest"
	"github.com/npezzotti/ephemchat/internal/posts"
	"github.com/npezzotti/ephemchat/internal/presence"
	"github.com/npezzotti/ephemchat/internal/queue"
)

// Worker runs the background task server. Handler errors propagate to
// the queue, which retries with backoff; because task names are stable
// across redeliveries and receipts absorb replays, retries are safe.
type Worker struct {
	log      *log.Logger
	server   *asynq.Server
	mux      *asynq.ServeMux
	posts    *posts.Engine
	presence *presence.Engine
	digests  *digest.Engine
}

func NewWorker(logger *log.Logger, redisAddr string, concurrency int,
	postEngine *posts.Engine, presenceEngine *presence.Engine, digestEngine *digest.Engine) *Worker {
	server := asynq.NewServer(
		asynq.RedisClientOpt{Addr: redisAddr},
		asynq.Config{
			Concurrency: concurrency,
			ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
				logger.Printf("task %q failed: %v", task.Type(), err)
			}),
		},
	)

	w := &Worker{
		log:      logger,
		server:   server,
		mux:      asynq.NewServeMux(),
		posts:    postEngine,
		presence: presenceEngine,
		digests:  digestEngine,
	}
	w.mux.HandleFunc(queue.TypeApplyPosts, w.handleApply)
	w.mux.HandleFunc(queue.TypePresenceCleanup, w.handleCleanup)
	w.mux.HandleFunc(queue.TypeEmailDigest, w.handleDigest)
	return w
}

func (w *Worker) Start() error {
	return w.server.Start(w.mux)
}

func (w *Worker) Shutdown() {
	w.server.Shutdown()
}

func (w *Worker) handleApply(ctx context.Context, task *asynq.Task) error {
	var payload queue.ApplyPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	return w.posts.Apply(ctx, payload.ShardId, payload.InsertionPostId)
}

func (w *Worker) handleCleanup(ctx context.Context, task *asynq.Task) error {
	var payload queue.CleanupPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	return w.presence.Cleanup(ctx, payload.ShardId)
}

func (w *Worker) handleDigest(ctx context.Context, task *asynq.Task) error {
	var payload queue.DigestPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	return w.digests.Deliver(ctx, payload.Address, payload.SequenceNumber)
}
