package database

import "time"

type ChatRepository interface {
	Ping() error

	CreateShard(params CreateShardParams) (Shard, bool, error)
	GetShard(shardId string) (Shard, error)
	ListTopicShards(rootShard string, updatedSince time.Time, limit int) ([]Shard, error)

	InsertPost(post Post, shardId string) (bool, error)
	GetPosts(postIds []string) ([]Post, error)
	ListPostRange(shardId string, start, end int64, count int) ([]Post, error)

	GetReceipts(shardId string, postIds []string) (map[string]Receipt, error)
	PutReceipts(receipts []Receipt) error

	ApplySequence(params ApplySequenceParams) (ApplyResult, error)

	LeasePending(shardId string, max int, lease time.Duration) ([]PendingTask, error)
	LeaseAnyPending(lease time.Duration) (*PendingTask, error)
	DeletePending(ids []int64) error

	GetLoginRecord(userId string) (LoginRecord, error)
	PresentUsers(shardId string, includeStale bool, limit int) ([]LoginRecord, error)
	UpdatePresence(params UpdatePresenceParams) (PresenceResult, error)
	MarkLoginOffline(userId string) (LoginRecord, bool, error)
	ListLoginsByEmail(email string) ([]LoginRecord, error)

	UpdateReadStates(userId string, positions map[string]int64) error
	GetReadStates(userId string, shardIds []string) (map[string]ReadState, error)

	GetEmailRecords(addresses []string) (map[string]EmailRecord, error)
	GetOrCreateEmailRecord(address, secret string) (EmailRecord, error)
	AdvanceEmailCursor(address string, sequenceNumber int64) (EmailRecord, error)
}
