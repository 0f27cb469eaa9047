package database

import (
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// The pending_posts table is the pull half of the work queue: one row
// per batch of post ids awaiting sequencing on a shard. Rows are leased
// by stamping a lease_expiry in the future; an expired lease returns the
// row to the pool, which is the only cancellation mechanism.

func enqueuePendingTx(tx *sql.Tx, shardId string, postIds []string, newTopic sql.NullString) error {
	_, err := tx.Exec(
		"INSERT INTO pending_posts (shard_id, post_ids, new_topic) VALUES ($1, $2, $3)",
		shardId,
		pq.Array(postIds),
		newTopic,
	)
	return err
}

const leasePendingQuery = "UPDATE pending_posts " +
	"SET lease_expiry = now() + ($1 * interval '1 second') " +
	"WHERE id IN (" +
	"  SELECT id FROM pending_posts" +
	"  WHERE shard_id = $2 AND lease_expiry <= now()" +
	"  ORDER BY id LIMIT $3" +
	"  FOR UPDATE SKIP LOCKED" +
	") RETURNING id, shard_id, post_ids, new_topic"

const leaseAnyPendingQuery = "UPDATE pending_posts " +
	"SET lease_expiry = now() + ($1 * interval '1 second') " +
	"WHERE id IN (" +
	"  SELECT id FROM pending_posts" +
	"  WHERE lease_expiry <= now()" +
	"  ORDER BY id LIMIT 1" +
	"  FOR UPDATE SKIP LOCKED" +
	") RETURNING id, shard_id, post_ids, new_topic"

func scanPendingTasks(rows *sql.Rows) ([]PendingTask, error) {
	defer rows.Close()

	var tasks []PendingTask
	for rows.Next() {
		var task PendingTask
		if err := rows.Scan(&task.Id, &task.ShardId, pq.Array(&task.PostIds), &task.NewTopic); err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// LeasePending claims up to max pending batches tagged with the shard,
// hiding them from other workers for the lease duration.
func (db *PgChatRepository) LeasePending(shardId string, max int, lease time.Duration) ([]PendingTask, error) {
	rows, err := db.conn.Query(leasePendingQuery, lease.Seconds(), shardId, max)
	if err != nil {
		return nil, err
	}
	return scanPendingTasks(rows)
}

// LeaseAnyPending claims a single pending batch regardless of shard.
// Used by generic invocations to discover a shard with work. Returns nil
// when the queue is empty.
func (db *PgChatRepository) LeaseAnyPending(lease time.Duration) (*PendingTask, error) {
	rows, err := db.conn.Query(leaseAnyPendingQuery, lease.Seconds())
	if err != nil {
		return nil, err
	}

	tasks, err := scanPendingTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return &tasks[0], nil
}

func (db *PgChatRepository) DeletePending(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := db.conn.Exec("DELETE FROM pending_posts WHERE id = ANY($1)", pq.Array(ids))
	return err
}
