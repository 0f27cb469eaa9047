package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const shardColumns = "id, title, description, creation_nickname, creation_time, update_time, " +
	"sequence_number, current_topic, topic_change_time, root_shard"

func scanShard(row interface{ Scan(...any) error }) (Shard, error) {
	var s Shard
	err := row.Scan(
		&s.Id,
		&s.Title,
		&s.Description,
		&s.CreationNickname,
		&s.CreationTime,
		&s.UpdateTime,
		&s.SequenceNumber,
		&s.CurrentTopic,
		&s.TopicChangeTime,
		&s.RootShard,
	)
	return s, err
}

func (db *PgChatRepository) CreateShard(params CreateShardParams) (Shard, bool, error) {
	var shard Shard
	committed, err := db.runInTransaction(func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRow("SELECT id FROM shards WHERE id = $1", params.Id).Scan(&existing)
		if err == nil {
			// A shard with this id already exists; abort without error so
			// the caller can pick a new id and retry.
			return ErrRollback
		}
		if err != sql.ErrNoRows {
			return err
		}

		now := time.Now().UTC()
		row := tx.QueryRow(
			"INSERT INTO shards (id, title, description, creation_nickname, creation_time, update_time, sequence_number, root_shard) "+
				"VALUES ($1, $2, $3, $4, $5, $6, 1, NULLIF($7, '')) "+
				"RETURNING "+shardColumns,
			params.Id,
			params.Title,
			params.Description,
			params.CreationNickname,
			now,
			now,
			params.RootShard,
		)

		shard, err = scanShard(row)
		return err
	}, 0)

	return shard, committed, err
}

func (db *PgChatRepository) GetShard(shardId string) (Shard, error) {
	row := db.conn.QueryRow(
		"SELECT "+shardColumns+" FROM shards WHERE id = $1 LIMIT 1",
		shardId,
	)
	return scanShard(row)
}

func (db *PgChatRepository) ListTopicShards(rootShard string, updatedSince time.Time, limit int) ([]Shard, error) {
	rows, err := db.conn.Query(
		"SELECT "+shardColumns+" FROM shards "+
			"WHERE root_shard = $1 AND update_time > $2 "+
			"ORDER BY update_time DESC LIMIT $3",
		rootShard,
		updatedSince,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shards []Shard
	for rows.Next() {
		shard, err := scanShard(rows)
		if err != nil {
			return nil, err
		}
		shards = append(shards, shard)
	}
	return shards, rows.Err()
}

// InsertPost durably records a post and, in the same transaction,
// enqueues pull work for the shard so the post will be sequenced. A
// duplicate post id aborts the transaction without error and returns
// false.
func (db *PgChatRepository) InsertPost(post Post, shardId string) (bool, error) {
	return db.runInTransaction(func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRow("SELECT id FROM posts WHERE id = $1", post.Id).Scan(&existing)
		if err == nil {
			return ErrRollback
		}
		if err != sql.ErrNoRows {
			return err
		}

		_, err = tx.Exec(
			"INSERT INTO posts (id, archive_type, nickname, user_id, title, body, new_topic, post_time) "+
				"VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
			post.Id,
			post.ArchiveType,
			post.Nickname,
			post.UserId,
			post.Title,
			post.Body,
			post.NewTopic,
			post.PostTime,
		)
		if err != nil {
			return err
		}

		return enqueuePendingTx(tx, shardId, []string{post.Id}, post.NewTopic)
	}, 3)
}

func (db *PgChatRepository) GetPosts(postIds []string) ([]Post, error) {
	rows, err := db.conn.Query(
		"SELECT id, archive_type, nickname, user_id, title, body, new_topic, post_time "+
			"FROM posts WHERE id = ANY($1)",
		pq.Array(postIds),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byId := make(map[string]Post, len(postIds))
	for rows.Next() {
		var p Post
		if err := rows.Scan(&p.Id, &p.ArchiveType, &p.Nickname, &p.UserId, &p.Title, &p.Body, &p.NewTopic, &p.PostTime); err != nil {
			return nil, err
		}
		byId[p.Id] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Preserve the caller's ordering; missing posts are skipped.
	posts := make([]Post, 0, len(postIds))
	for _, id := range postIds {
		if p, ok := byId[id]; ok {
			posts = append(posts, p)
		}
	}
	return posts, nil
}

// ListPostRange returns posts for a shard with sequence numbers in
// [start, end], newest first. References whose post has already been
// cleaned up are filtered out by the join.
func (db *PgChatRepository) ListPostRange(shardId string, start, end int64, count int) ([]Post, error) {
	rows, err := db.conn.Query(
		"SELECT r.sequence, p.id, p.archive_type, p.nickname, p.user_id, p.title, p.body, p.new_topic, p.post_time "+
			"FROM post_references r JOIN posts p ON p.id = r.post_id "+
			"WHERE r.shard_id = $1 AND r.sequence BETWEEN $2 AND $3 "+
			"ORDER BY r.sequence DESC LIMIT $4",
		shardId,
		start,
		end,
		count,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []Post
	for rows.Next() {
		var p Post
		if err := rows.Scan(&p.Sequence, &p.Id, &p.ArchiveType, &p.Nickname, &p.UserId, &p.Title, &p.Body, &p.NewTopic, &p.PostTime); err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func (db *PgChatRepository) GetReceipts(shardId string, postIds []string) (map[string]Receipt, error) {
	rows, err := db.conn.Query(
		"SELECT post_id, shard_id, sequence FROM receipts WHERE shard_id = $1 AND post_id = ANY($2)",
		shardId,
		pq.Array(postIds),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	receipts := make(map[string]Receipt)
	for rows.Next() {
		var r Receipt
		if err := rows.Scan(&r.PostId, &r.ShardId, &r.Sequence); err != nil {
			return nil, err
		}
		receipts[r.PostId] = r
	}
	return receipts, rows.Err()
}

// PutReceipts writes receipts outside the apply transaction. Redelivered
// work may try to write a receipt that already exists; those writes are
// ignored so the first stamped sequence always wins.
func (db *PgChatRepository) PutReceipts(receipts []Receipt) error {
	if len(receipts) == 0 {
		return nil
	}

	_, err := db.runInTransaction(func(tx *sql.Tx) error {
		for _, r := range receipts {
			_, err := tx.Exec(
				"INSERT INTO receipts (post_id, shard_id, sequence) VALUES ($1, $2, $3) "+
					"ON CONFLICT (post_id, shard_id) DO NOTHING",
				r.PostId,
				r.ShardId,
				r.Sequence,
			)
			if err != nil {
				return err
			}
		}
		return nil
	}, 3)
	return err
}

// ApplySequence runs the sequencer's shard-scoped transaction: lock the
// shard row, apply any topic assignment, allocate consecutive sequence
// numbers for the unapplied posts, write their ordering references, and
// transactionally enqueue replication work for the current topic shard.
// The counter always advances by at least one so the next apply task's
// dedup name differs even for an empty cycle.
//
// The transaction is retried at most once. Apply tasks are named by the
// pre-transaction sequence number, so a conflict means another apply for
// this exact state is already in flight and queue-level redelivery will
// re-drive it.
func (db *PgChatRepository) ApplySequence(params ApplySequenceParams) (ApplyResult, error) {
	var result ApplyResult
	_, err := db.runInTransaction(func(tx *sql.Tx) error {
		row := tx.QueryRow(
			"SELECT "+shardColumns+" FROM shards WHERE id = $1 FOR UPDATE",
			params.ShardId,
		)
		shard, err := scanShard(row)
		if err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("shard %q not found", params.ShardId)
			}
			return err
		}

		if params.NewTopic != "" {
			shard.CurrentTopic = sql.NullString{String: params.NewTopic, Valid: true}
			shard.TopicChangeTime = sql.NullTime{Time: params.Now, Valid: true}
		}

		sequences := make([]int64, len(params.PostIds))
		for i := range params.PostIds {
			sequences[i] = shard.SequenceNumber + int64(i)
		}

		advance := int64(len(params.PostIds))
		if advance < 1 {
			advance = 1
		}
		shard.SequenceNumber += advance

		for i, postId := range params.PostIds {
			_, err := tx.Exec(
				"INSERT INTO post_references (shard_id, sequence, post_id) VALUES ($1, $2, $3)",
				params.ShardId,
				sequences[i],
				postId,
			)
			if err != nil {
				return err
			}
		}

		// Enqueue replica work transactionally so replication is never
		// silently lost once this transaction commits.
		if shard.CurrentTopic.Valid && len(params.PostIds) > 0 {
			if err := enqueuePendingTx(tx, shard.CurrentTopic.String, params.PostIds, sql.NullString{}); err != nil {
				return err
			}
		}

		shard.UpdateTime = params.Now
		_, err = tx.Exec(
			"UPDATE shards SET sequence_number = $2, current_topic = $3, topic_change_time = $4, update_time = $5 WHERE id = $1",
			shard.Id,
			shard.SequenceNumber,
			shard.CurrentTopic,
			shard.TopicChangeTime,
			shard.UpdateTime,
		)
		if err != nil {
			return err
		}

		result = ApplyResult{Shard: shard, Sequences: sequences}
		return nil
	}, 1)

	return result, err
}

func (db *PgChatRepository) GetLoginRecord(userId string) (LoginRecord, error) {
	row := db.conn.QueryRow(
		"SELECT id, shard_id, online, nickname, creation_time, last_update_time, channel_token, "+
			"token_issue_time, sounds_enabled, email_address, accepted_terms_version "+
			"FROM login_records WHERE id = $1 LIMIT 1",
		userId,
	)
	return scanLoginRecord(row)
}

func scanLoginRecord(row interface{ Scan(...any) error }) (LoginRecord, error) {
	var lr LoginRecord
	err := row.Scan(
		&lr.Id,
		&lr.ShardId,
		&lr.Online,
		&lr.Nickname,
		&lr.CreationTime,
		&lr.LastUpdateTime,
		&lr.ChannelToken,
		&lr.TokenIssueTime,
		&lr.SoundsEnabled,
		&lr.EmailAddress,
		&lr.AcceptedTermsVersion,
	)
	return lr, err
}

func (db *PgChatRepository) PresentUsers(shardId string, includeStale bool, limit int) ([]LoginRecord, error) {
	query := "SELECT id, shard_id, online, nickname, creation_time, last_update_time, channel_token, " +
		"token_issue_time, sounds_enabled, email_address, accepted_terms_version " +
		"FROM login_records WHERE shard_id = $1"
	if !includeStale {
		query += " AND online = TRUE"
	}
	query += " ORDER BY last_update_time DESC LIMIT $2"

	rows, err := db.conn.Query(query, shardId, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []LoginRecord
	for rows.Next() {
		lr, err := scanLoginRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, lr)
	}
	return records, rows.Err()
}

// UpdatePresence is the shard-scoped presence transaction: load or
// create the login record, detect heartbeat vs join vs rename, apply the
// token refresh policy, and mark the user online.
func (db *PgChatRepository) UpdatePresence(params UpdatePresenceParams) (PresenceResult, error) {
	var result PresenceResult
	_, err := db.runInTransaction(func(tx *sql.Tx) error {
		row := tx.QueryRow(
			"SELECT id, shard_id, online, nickname, creation_time, last_update_time, channel_token, "+
				"token_issue_time, sounds_enabled, email_address, accepted_terms_version "+
				"FROM login_records WHERE id = $1 FOR UPDATE",
			params.UserId,
		)

		lr, err := scanLoginRecord(row)
		exists := true
		if err == sql.ErrNoRows {
			exists = false
			lr = LoginRecord{
				Id:           params.UserId,
				ShardId:      params.ShardId,
				CreationTime: params.Now,
			}
		} else if err != nil {
			return err
		}

		result.UserConnected = true
		if exists && lr.Online && lr.LastUpdateTime.After(params.Now.Add(-params.ActiveWindow)) {
			// The record is still active, so this is a heartbeat rather
			// than a reconnect.
			result.UserConnected = false
		}

		needToken := params.ForceToken ||
			lr.ChannelToken == "" ||
			!lr.TokenIssueTime.Valid ||
			lr.TokenIssueTime.Time.Before(params.Now.Add(-params.TokenLifetime))
		if needToken {
			lr.ChannelToken = params.CandidateToken
			lr.TokenIssueTime = sql.NullTime{Time: params.Now, Valid: true}
			result.TokenIssued = true
		}

		if params.Nickname != "" {
			result.LastNickname = lr.Nickname
			lr.Nickname = params.Nickname
		}

		if params.AcceptedTermsVersion != 0 {
			lr.AcceptedTermsVersion = params.AcceptedTermsVersion
		}

		lr.Online = true
		lr.SoundsEnabled = params.SoundsEnabled
		lr.LastUpdateTime = params.Now

		if exists {
			_, err = tx.Exec(
				"UPDATE login_records SET online = $2, nickname = $3, last_update_time = $4, channel_token = $5, "+
					"token_issue_time = $6, sounds_enabled = $7, accepted_terms_version = $8 WHERE id = $1",
				lr.Id,
				lr.Online,
				lr.Nickname,
				lr.LastUpdateTime,
				lr.ChannelToken,
				lr.TokenIssueTime,
				lr.SoundsEnabled,
				lr.AcceptedTermsVersion,
			)
		} else {
			_, err = tx.Exec(
				"INSERT INTO login_records (id, shard_id, online, nickname, creation_time, last_update_time, "+
					"channel_token, token_issue_time, sounds_enabled, email_address, accepted_terms_version) "+
					"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)",
				lr.Id,
				lr.ShardId,
				lr.Online,
				lr.Nickname,
				lr.CreationTime,
				lr.LastUpdateTime,
				lr.ChannelToken,
				lr.TokenIssueTime,
				lr.SoundsEnabled,
				lr.EmailAddress,
				lr.AcceptedTermsVersion,
			)
		}
		if err != nil {
			return err
		}

		result.Token = lr.ChannelToken
		return nil
	}, 3)

	return result, err
}

// MarkLoginOffline flips a login record offline. Returns false without
// error when the record does not exist.
func (db *PgChatRepository) MarkLoginOffline(userId string) (LoginRecord, bool, error) {
	var record LoginRecord
	committed, err := db.runInTransaction(func(tx *sql.Tx) error {
		row := tx.QueryRow(
			"SELECT id, shard_id, online, nickname, creation_time, last_update_time, channel_token, "+
				"token_issue_time, sounds_enabled, email_address, accepted_terms_version "+
				"FROM login_records WHERE id = $1 FOR UPDATE",
			userId,
		)

		lr, err := scanLoginRecord(row)
		if err == sql.ErrNoRows {
			return ErrRollback
		}
		if err != nil {
			return err
		}

		lr.Online = false
		_, err = tx.Exec(
			"UPDATE login_records SET online = FALSE, last_update_time = $2 WHERE id = $1",
			userId,
			time.Now().UTC(),
		)
		if err != nil {
			return err
		}

		record = lr
		return nil
	}, 3)

	return record, committed, err
}

func (db *PgChatRepository) ListLoginsByEmail(email string) ([]LoginRecord, error) {
	rows, err := db.conn.Query(
		"SELECT id, shard_id, online, nickname, creation_time, last_update_time, channel_token, "+
			"token_issue_time, sounds_enabled, email_address, accepted_terms_version "+
			"FROM login_records WHERE email_address = $1",
		email,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []LoginRecord
	for rows.Next() {
		lr, err := scanLoginRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, lr)
	}
	return records, rows.Err()
}

// UpdateReadStates merges new read positions for a user. Positions only
// ever move forward; a stale or redelivered update is absorbed by the
// GREATEST merge.
func (db *PgChatRepository) UpdateReadStates(userId string, positions map[string]int64) error {
	_, err := db.runInTransaction(func(tx *sql.Tx) error {
		return updateReadStatesTx(tx, userId, positions)
	}, 3)
	return err
}

// updateReadStatesTx is the transaction body for UpdateReadStates, split
// out so flows that already hold a transaction can participate.
func updateReadStatesTx(tx *sql.Tx, userId string, positions map[string]int64) error {
	now := time.Now().UTC()
	for shardId, sequence := range positions {
		_, err := tx.Exec(
			"INSERT INTO read_states (user_id, shard_id, first_read_time, last_read_sequence, last_read_time) "+
				"VALUES ($1, $2, $3, $4, $5) "+
				"ON CONFLICT (user_id, shard_id) DO UPDATE SET "+
				"last_read_sequence = GREATEST(read_states.last_read_sequence, EXCLUDED.last_read_sequence), "+
				"last_read_time = EXCLUDED.last_read_time",
			userId,
			shardId,
			now,
			sequence,
			now,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (db *PgChatRepository) GetReadStates(userId string, shardIds []string) (map[string]ReadState, error) {
	rows, err := db.conn.Query(
		"SELECT user_id, shard_id, first_read_time, last_read_sequence, last_read_time "+
			"FROM read_states WHERE user_id = $1 AND shard_id = ANY($2)",
		userId,
		pq.Array(shardIds),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	states := make(map[string]ReadState)
	for rows.Next() {
		var rs ReadState
		if err := rows.Scan(&rs.UserId, &rs.ShardId, &rs.FirstReadTime, &rs.LastReadSequence, &rs.LastReadTime); err != nil {
			return nil, err
		}
		states[rs.ShardId] = rs
	}
	return states, rows.Err()
}

func (db *PgChatRepository) GetEmailRecords(addresses []string) (map[string]EmailRecord, error) {
	rows, err := db.conn.Query(
		"SELECT address, sequence_number, creation_time, last_update_time, last_notified_time, secret, "+
			"global_opt_out, min_notify_period_seconds FROM email_records WHERE address = ANY($1)",
		pq.Array(addresses),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make(map[string]EmailRecord)
	for rows.Next() {
		var er EmailRecord
		err := rows.Scan(&er.Address, &er.SequenceNumber, &er.CreationTime, &er.LastUpdateTime,
			&er.LastNotifiedTime, &er.Secret, &er.GlobalOptOut, &er.MinNotifyPeriodSeconds)
		if err != nil {
			return nil, err
		}
		records[er.Address] = er
	}
	return records, rows.Err()
}

func (db *PgChatRepository) GetOrCreateEmailRecord(address, secret string) (EmailRecord, error) {
	now := time.Now().UTC()
	_, err := db.conn.Exec(
		"INSERT INTO email_records (address, sequence_number, creation_time, last_update_time, secret, global_opt_out, min_notify_period_seconds) "+
			"VALUES ($1, 1, $2, $3, $4, FALSE, 900) ON CONFLICT (address) DO NOTHING",
		address,
		now,
		now,
		secret,
	)
	if err != nil {
		return EmailRecord{}, err
	}

	row := db.conn.QueryRow(
		"SELECT address, sequence_number, creation_time, last_update_time, last_notified_time, secret, "+
			"global_opt_out, min_notify_period_seconds FROM email_records WHERE address = $1",
		address,
	)

	var er EmailRecord
	err = row.Scan(&er.Address, &er.SequenceNumber, &er.CreationTime, &er.LastUpdateTime,
		&er.LastNotifiedTime, &er.Secret, &er.GlobalOptOut, &er.MinNotifyPeriodSeconds)
	return er, err
}

func (db *PgChatRepository) AdvanceEmailCursor(address string, sequenceNumber int64) (EmailRecord, error) {
	now := time.Now().UTC()
	row := db.conn.QueryRow(
		"UPDATE email_records SET sequence_number = $2, last_notified_time = $3, last_update_time = $3 "+
			"WHERE address = $1 "+
			"RETURNING address, sequence_number, creation_time, last_update_time, last_notified_time, secret, "+
			"global_opt_out, min_notify_period_seconds",
		address,
		sequenceNumber,
		now,
	)

	var er EmailRecord
	err := row.Scan(&er.Address, &er.SequenceNumber, &er.CreationTime, &er.LastUpdateTime,
		&er.LastNotifiedTime, &er.Secret, &er.GlobalOptOut, &er.MinNotifyPeriodSeconds)
	return er, err
}
