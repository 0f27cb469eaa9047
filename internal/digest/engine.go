package digest

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/npezzotti/ephemchat/internal/database"
	"github.com/npezzotti/ephemchat/internal/queue"
	"github.com/npezzotti/ephemchat/internal/stats"
	"github.com/npezzotti/ephemchat/internal/topics"
)

const digestSubject = "Digest of new topics"

// Engine batches topic activity into periodic email digests. The
// EmailRecord cursor is the same idempotency pattern the sequencer uses
// with receipts: the task name carries the cursor observed at enqueue
// time and a task behind the stored cursor is dropped.
type Engine struct {
	log       *log.Logger
	db        database.ChatRepository
	scheduler queue.Scheduler
	topics    *topics.Engine
	mailer    Mailer
	stats     stats.StatsProvider
}

func NewEngine(logger *log.Logger, db database.ChatRepository, scheduler queue.Scheduler,
	topicEngine *topics.Engine, mailer Mailer, st stats.StatsProvider) *Engine {
	return &Engine{
		log:       logger,
		db:        db,
		scheduler: scheduler,
		topics:    topicEngine,
		mailer:    mailer,
		stats:     st,
	}
}

func addressHash(address string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(address))
	return h.Sum64()
}

// readStateUserId is the synthetic per-shard identity that carries an
// address's digest read cursors, distinct from any login.
func readStateUserId(rootShardId, address string) string {
	return rootShardId + ":" + address
}

// EnqueueTasks schedules one digest delivery per address, delayed by
// each address's minimum notify period.
func (e *Engine) EnqueueTasks(ctx context.Context, addresses []string) error {
	if len(addresses) == 0 {
		return nil
	}

	records, err := e.db.GetEmailRecords(addresses)
	if err != nil {
		return err
	}

	for _, address := range addresses {
		var (
			sequenceNumber int64 = 1
			countdown      time.Duration
		)
		if record, ok := records[address]; ok {
			sequenceNumber = record.SequenceNumber
			countdown = time.Duration(record.MinNotifyPeriodSeconds) * time.Second
		}

		name := fmt.Sprintf("email-notify-%x-%d", addressHash(address), sequenceNumber)
		payload := queue.DigestPayload{Address: address, SequenceNumber: sequenceNumber}
		if err := e.scheduler.SubmitOnce(ctx, name, queue.TypeEmailDigest, payload, countdown); err != nil {
			return err
		}
	}
	return nil
}

// Deliver runs one digest task. Advancing the cursor happens before the
// send, so a rendering or delivery bug cannot repeat mail to a user;
// the cost is a digest that may be skipped entirely.
func (e *Engine) Deliver(ctx context.Context, address string, sequenceNumber int64) error {
	record, err := e.db.GetOrCreateEmailRecord(address, uuid.NewString())
	if err != nil {
		return err
	}

	if record.GlobalOptOut {
		e.log.Printf("not sending digest to opted-out address %q", address)
		return nil
	}

	if record.SequenceNumber > sequenceNumber {
		e.log.Printf("dropping digest task for address %q at sequence %d, record already at %d",
			address, sequenceNumber, record.SequenceNumber)
		return nil
	}

	logins, err := e.db.ListLoginsByEmail(address)
	if err != nil {
		return err
	}

	shardSet := make(map[string]struct{})
	for _, l := range logins {
		shardSet[l.ShardId] = struct{}{}
	}

	var sections []string
	for rootShardId := range shardSet {
		section, err := e.shardSection(ctx, rootShardId, address)
		if err != nil {
			return err
		}
		if section != "" {
			sections = append(sections, section)
		}
	}

	if _, err := e.db.AdvanceEmailCursor(address, sequenceNumber+1); err != nil {
		return err
	}

	if len(sections) == 0 {
		e.log.Printf("no topic updates to digest for %q", address)
		return nil
	}

	body := strings.Join(sections, "\n\n")
	if err := e.mailer.Send(ctx, address, digestSubject, body); err != nil {
		e.log.Printf("sending digest to %q: %v", address, err)
		return nil
	}
	e.stats.Incr("DigestsSent")
	return nil
}

// shardSection renders one root shard's topic updates and advances the
// address's read cursors for the topics it covered. An empty string
// means the shard has nothing new.
func (e *Engine) shardSection(ctx context.Context, rootShardId, address string) (string, error) {
	userId := readStateUserId(rootShardId, address)
	list, err := e.topics.ListTopics(ctx, rootShardId, userId)
	if err != nil {
		if err == topics.ErrShardNotFound {
			return "", nil
		}
		return "", err
	}

	var (
		lines    []string
		advances = make(map[string]int64)
	)
	for _, topic := range list.Topics {
		start := topic.LastReadSequence
		if start < 1 {
			start = 1
		}
		updates := topic.SequenceNumber - start
		if updates <= 0 {
			continue
		}

		lines = append(lines, fmt.Sprintf("  %s: %d new posts", topic.Title, updates))
		advances[topic.ShardId] = topic.SequenceNumber
	}

	if len(advances) == 0 {
		return "", nil
	}

	if err := e.topics.UpdateReadState(ctx, userId, advances); err != nil {
		return "", err
	}

	return fmt.Sprintf("Shard %s:\n%s", rootShardId, strings.Join(lines, "\n")), nil
}
