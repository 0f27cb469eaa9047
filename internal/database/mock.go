package database

import (
	"time"

	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) CreateShard(params CreateShardParams) (Shard, bool, error) {
	args := m.Called(params)
	return args.Get(0).(Shard), args.Bool(1), args.Error(2)
}
func (m *MockChatRepository) GetShard(shardId string) (Shard, error) {
	args := m.Called(shardId)
	return args.Get(0).(Shard), args.Error(1)
}
func (m *MockChatRepository) ListTopicShards(rootShard string, updatedSince time.Time, limit int) ([]Shard, error) {
	args := m.Called(rootShard, updatedSince, limit)
	return args.Get(0).([]Shard), args.Error(1)
}
func (m *MockChatRepository) InsertPost(post Post, shardId string) (bool, error) {
	args := m.Called(post, shardId)
	return args.Bool(0), args.Error(1)
}
func (m *MockChatRepository) GetPosts(postIds []string) ([]Post, error) {
	args := m.Called(postIds)
	return args.Get(0).([]Post), args.Error(1)
}
func (m *MockChatRepository) ListPostRange(shardId string, start, end int64, count int) ([]Post, error) {
	args := m.Called(shardId, start, end, count)
	return args.Get(0).([]Post), args.Error(1)
}
func (m *MockChatRepository) GetReceipts(shardId string, postIds []string) (map[string]Receipt, error) {
	args := m.Called(shardId, postIds)
	return args.Get(0).(map[string]Receipt), args.Error(1)
}
func (m *MockChatRepository) PutReceipts(receipts []Receipt) error {
	args := m.Called(receipts)
	return args.Error(0)
}
func (m *MockChatRepository) ApplySequence(params ApplySequenceParams) (ApplyResult, error) {
	args := m.Called(params)
	return args.Get(0).(ApplyResult), args.Error(1)
}
func (m *MockChatRepository) LeasePending(shardId string, max int, lease time.Duration) ([]PendingTask, error) {
	args := m.Called(shardId, max, lease)
	return args.Get(0).([]PendingTask), args.Error(1)
}
func (m *MockChatRepository) LeaseAnyPending(lease time.Duration) (*PendingTask, error) {
	args := m.Called(lease)
	if task, ok := args.Get(0).(*PendingTask); ok {
		return task, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) DeletePending(ids []int64) error {
	args := m.Called(ids)
	return args.Error(0)
}
func (m *MockChatRepository) GetLoginRecord(userId string) (LoginRecord, error) {
	args := m.Called(userId)
	return args.Get(0).(LoginRecord), args.Error(1)
}
func (m *MockChatRepository) PresentUsers(shardId string, includeStale bool, limit int) ([]LoginRecord, error) {
	args := m.Called(shardId, includeStale, limit)
	return args.Get(0).([]LoginRecord), args.Error(1)
}
func (m *MockChatRepository) UpdatePresence(params UpdatePresenceParams) (PresenceResult, error) {
	args := m.Called(params)
	return args.Get(0).(PresenceResult), args.Error(1)
}
func (m *MockChatRepository) MarkLoginOffline(userId string) (LoginRecord, bool, error) {
	args := m.Called(userId)
	return args.Get(0).(LoginRecord), args.Bool(1), args.Error(2)
}
func (m *MockChatRepository) ListLoginsByEmail(email string) ([]LoginRecord, error) {
	args := m.Called(email)
	return args.Get(0).([]LoginRecord), args.Error(1)
}
func (m *MockChatRepository) UpdateReadStates(userId string, positions map[string]int64) error {
	args := m.Called(userId, positions)
	return args.Error(0)
}
func (m *MockChatRepository) GetReadStates(userId string, shardIds []string) (map[string]ReadState, error) {
	args := m.Called(userId, shardIds)
	return args.Get(0).(map[string]ReadState), args.Error(1)
}
func (m *MockChatRepository) GetEmailRecords(addresses []string) (map[string]EmailRecord, error) {
	args := m.Called(addresses)
	return args.Get(0).(map[string]EmailRecord), args.Error(1)
}
func (m *MockChatRepository) GetOrCreateEmailRecord(address, secret string) (EmailRecord, error) {
	args := m.Called(address, secret)
	return args.Get(0).(EmailRecord), args.Error(1)
}
func (m *MockChatRepository) AdvanceEmailCursor(address string, sequenceNumber int64) (EmailRecord, error) {
	args := m.Called(address, sequenceNumber)
	return args.Get(0).(EmailRecord), args.Error(1)
}
