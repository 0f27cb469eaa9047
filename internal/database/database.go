package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// ErrRollback aborts a transaction without surfacing an error to the
// caller. Used for abort-as-no-op paths such as duplicate post inserts.
var ErrRollback = errors.New("database: rollback")

// retryable reports whether the error is a serialization or deadlock
// failure worth retrying.
func retryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// runInTransaction runs fn inside a transaction, retrying serialization
// failures up to maxRetries additional times. Returning ErrRollback from
// fn rolls the transaction back and returns (false, nil): the abort is
// not an error, it just did not commit.
func (db *PgChatRepository) runInTransaction(fn func(tx *sql.Tx) error, maxRetries int) (bool, error) {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		var committed bool
		committed, err = db.attemptTransaction(fn)
		if err == nil {
			return committed, nil
		}
		if !retryable(err) {
			return false, err
		}
	}
	return false, fmt.Errorf("transaction retries exhausted: %w", err)
}

func (db *PgChatRepository) attemptTransaction(fn func(tx *sql.Tx) error) (bool, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return false, err
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		if errors.Is(err, ErrRollback) {
			return false, nil
		}
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}
