package database

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"
)

// FakeChatRepository is an in-memory ChatRepository with the same
// transactional semantics as the Postgres implementation. It backs the
// sequencing and presence scenario tests, where a call-by-call mock
// would obscure the invariants under test.
type FakeChatRepository struct {
	mu sync.Mutex

	Shards       map[string]Shard
	Posts        map[string]Post
	Receipts     map[string]Receipt       // keyed by postId+"/"+shardId
	References   map[string]PostReference // keyed by shardId+"/"+sequence
	Logins       map[string]LoginRecord
	ReadStates   map[string]ReadState // keyed by userId+"/"+shardId
	EmailRecords map[string]EmailRecord

	pending    []fakePending
	nextTaskId int64
}

type fakePending struct {
	task        PendingTask
	leaseExpiry time.Time
}

func NewFakeChatRepository() *FakeChatRepository {
	return &FakeChatRepository{
		Shards:       make(map[string]Shard),
		Posts:        make(map[string]Post),
		Receipts:     make(map[string]Receipt),
		References:   make(map[string]PostReference),
		Logins:       make(map[string]LoginRecord),
		ReadStates:   make(map[string]ReadState),
		EmailRecords: make(map[string]EmailRecord),
	}
}

func receiptKey(postId, shardId string) string {
	return postId + "/" + shardId
}

func referenceKey(shardId string, sequence int64) string {
	return fmt.Sprintf("%s/%d", shardId, sequence)
}

func (f *FakeChatRepository) Ping() error { return nil }

func (f *FakeChatRepository) CreateShard(params CreateShardParams) (Shard, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.Shards[params.Id]; ok {
		return Shard{}, false, nil
	}

	now := time.Now().UTC()
	shard := Shard{
		Id:               params.Id,
		Title:            params.Title,
		Description:      params.Description,
		CreationNickname: params.CreationNickname,
		CreationTime:     now,
		UpdateTime:       now,
		SequenceNumber:   1,
	}
	if params.RootShard != "" {
		shard.RootShard = sql.NullString{String: params.RootShard, Valid: true}
	}
	f.Shards[params.Id] = shard
	return shard, true, nil
}

func (f *FakeChatRepository) GetShard(shardId string) (Shard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	shard, ok := f.Shards[shardId]
	if !ok {
		return Shard{}, sql.ErrNoRows
	}
	return shard, nil
}

func (f *FakeChatRepository) ListTopicShards(rootShard string, updatedSince time.Time, limit int) ([]Shard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var shards []Shard
	for _, shard := range f.Shards {
		if shard.RootShard.Valid && shard.RootShard.String == rootShard && shard.UpdateTime.After(updatedSince) {
			shards = append(shards, shard)
		}
	}
	sort.Slice(shards, func(i, j int) bool {
		return shards[i].UpdateTime.After(shards[j].UpdateTime)
	})
	if len(shards) > limit {
		shards = shards[:limit]
	}
	return shards, nil
}

func (f *FakeChatRepository) InsertPost(post Post, shardId string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.Posts[post.Id]; ok {
		return false, nil
	}

	f.Posts[post.Id] = post
	f.enqueuePendingLocked(shardId, []string{post.Id}, post.NewTopic)
	return true, nil
}

func (f *FakeChatRepository) GetPosts(postIds []string) ([]Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	posts := make([]Post, 0, len(postIds))
	for _, id := range postIds {
		if p, ok := f.Posts[id]; ok {
			posts = append(posts, p)
		}
	}
	return posts, nil
}

func (f *FakeChatRepository) ListPostRange(shardId string, start, end int64, count int) ([]Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var posts []Post
	for seq := end; seq >= start && len(posts) < count; seq-- {
		ref, ok := f.References[referenceKey(shardId, seq)]
		if !ok {
			continue
		}
		post, ok := f.Posts[ref.PostId]
		if !ok {
			continue
		}
		post.Sequence = sql.NullInt64{Int64: seq, Valid: true}
		posts = append(posts, post)
	}
	return posts, nil
}

func (f *FakeChatRepository) GetReceipts(shardId string, postIds []string) (map[string]Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	receipts := make(map[string]Receipt)
	for _, id := range postIds {
		if r, ok := f.Receipts[receiptKey(id, shardId)]; ok {
			receipts[id] = r
		}
	}
	return receipts, nil
}

func (f *FakeChatRepository) PutReceipts(receipts []Receipt) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, r := range receipts {
		key := receiptKey(r.PostId, r.ShardId)
		if _, ok := f.Receipts[key]; ok {
			continue
		}
		f.Receipts[key] = r
	}
	return nil
}

func (f *FakeChatRepository) ApplySequence(params ApplySequenceParams) (ApplyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	shard, ok := f.Shards[params.ShardId]
	if !ok {
		return ApplyResult{}, fmt.Errorf("shard %q not found", params.ShardId)
	}

	if params.NewTopic != "" {
		shard.CurrentTopic = sql.NullString{String: params.NewTopic, Valid: true}
		shard.TopicChangeTime = sql.NullTime{Time: params.Now, Valid: true}
	}

	sequences := make([]int64, len(params.PostIds))
	for i, postId := range params.PostIds {
		seq := shard.SequenceNumber + int64(i)
		key := referenceKey(params.ShardId, seq)
		if _, ok := f.References[key]; ok {
			return ApplyResult{}, fmt.Errorf("duplicate post reference %s", key)
		}
		f.References[key] = PostReference{ShardId: params.ShardId, Sequence: seq, PostId: postId}
		sequences[i] = seq
	}

	advance := int64(len(params.PostIds))
	if advance < 1 {
		advance = 1
	}
	shard.SequenceNumber += advance

	if shard.CurrentTopic.Valid && len(params.PostIds) > 0 {
		f.enqueuePendingLocked(shard.CurrentTopic.String, params.PostIds, sql.NullString{})
	}

	shard.UpdateTime = params.Now
	f.Shards[params.ShardId] = shard

	return ApplyResult{Shard: shard, Sequences: sequences}, nil
}

func (f *FakeChatRepository) enqueuePendingLocked(shardId string, postIds []string, newTopic sql.NullString) {
	f.nextTaskId++
	ids := make([]string, len(postIds))
	copy(ids, postIds)
	f.pending = append(f.pending, fakePending{
		task: PendingTask{
			Id:       f.nextTaskId,
			ShardId:  shardId,
			PostIds:  ids,
			NewTopic: newTopic,
		},
	})
}

func (f *FakeChatRepository) LeasePending(shardId string, max int, lease time.Duration) ([]PendingTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	var tasks []PendingTask
	for i := range f.pending {
		if len(tasks) >= max {
			break
		}
		if f.pending[i].task.ShardId != shardId || f.pending[i].leaseExpiry.After(now) {
			continue
		}
		f.pending[i].leaseExpiry = now.Add(lease)
		tasks = append(tasks, f.pending[i].task)
	}
	return tasks, nil
}

func (f *FakeChatRepository) LeaseAnyPending(lease time.Duration) (*PendingTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	for i := range f.pending {
		if f.pending[i].leaseExpiry.After(now) {
			continue
		}
		f.pending[i].leaseExpiry = now.Add(lease)
		task := f.pending[i].task
		return &task, nil
	}
	return nil, nil
}

func (f *FakeChatRepository) DeletePending(ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	remove := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		remove[id] = struct{}{}
	}

	kept := f.pending[:0]
	for _, p := range f.pending {
		if _, ok := remove[p.task.Id]; !ok {
			kept = append(kept, p)
		}
	}
	f.pending = kept
	return nil
}

// ExpireLeases returns every leased pull-queue entry to the pool, the
// way elapsed time would.
func (f *FakeChatRepository) ExpireLeases() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.pending {
		f.pending[i].leaseExpiry = time.Time{}
	}
}

// PendingCount reports how many pull-queue entries remain for a shard.
func (f *FakeChatRepository) PendingCount(shardId string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	var n int
	for _, p := range f.pending {
		if p.task.ShardId == shardId {
			n++
		}
	}
	return n
}

func (f *FakeChatRepository) GetLoginRecord(userId string) (LoginRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	lr, ok := f.Logins[userId]
	if !ok {
		return LoginRecord{}, sql.ErrNoRows
	}
	return lr, nil
}

func (f *FakeChatRepository) PresentUsers(shardId string, includeStale bool, limit int) ([]LoginRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var records []LoginRecord
	for _, lr := range f.Logins {
		if lr.ShardId != shardId {
			continue
		}
		if !includeStale && !lr.Online {
			continue
		}
		records = append(records, lr)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].LastUpdateTime.After(records[j].LastUpdateTime)
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (f *FakeChatRepository) UpdatePresence(params UpdatePresenceParams) (PresenceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result PresenceResult

	lr, exists := f.Logins[params.UserId]
	if !exists {
		lr = LoginRecord{
			Id:           params.UserId,
			ShardId:      params.ShardId,
			CreationTime: params.Now,
		}
	}

	result.UserConnected = true
	if exists && lr.Online && lr.LastUpdateTime.After(params.Now.Add(-params.ActiveWindow)) {
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
	f.Logins[params.UserId] = lr

	result.Token = lr.ChannelToken
	return result, nil
}

func (f *FakeChatRepository) MarkLoginOffline(userId string) (LoginRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	lr, ok := f.Logins[userId]
	if !ok {
		return LoginRecord{}, false, nil
	}

	lr.Online = false
	lr.LastUpdateTime = time.Now().UTC()
	f.Logins[userId] = lr
	return lr, true, nil
}

func (f *FakeChatRepository) ListLoginsByEmail(email string) ([]LoginRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var records []LoginRecord
	for _, lr := range f.Logins {
		if lr.EmailAddress == email {
			records = append(records, lr)
		}
	}
	return records, nil
}

func (f *FakeChatRepository) UpdateReadStates(userId string, positions map[string]int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now().UTC()
	for shardId, sequence := range positions {
		key := userId + "/" + shardId
		rs, ok := f.ReadStates[key]
		if !ok {
			rs = ReadState{
				UserId:           userId,
				ShardId:          shardId,
				FirstReadTime:    now,
				LastReadSequence: sequence,
			}
		} else if sequence > rs.LastReadSequence {
			rs.LastReadSequence = sequence
		}
		rs.LastReadTime = now
		f.ReadStates[key] = rs
	}
	return nil
}

func (f *FakeChatRepository) GetReadStates(userId string, shardIds []string) (map[string]ReadState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	states := make(map[string]ReadState)
	for _, shardId := range shardIds {
		if rs, ok := f.ReadStates[userId+"/"+shardId]; ok {
			states[shardId] = rs
		}
	}
	return states, nil
}

func (f *FakeChatRepository) GetEmailRecords(addresses []string) (map[string]EmailRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	records := make(map[string]EmailRecord)
	for _, address := range addresses {
		if er, ok := f.EmailRecords[address]; ok {
			records[address] = er
		}
	}
	return records, nil
}

func (f *FakeChatRepository) GetOrCreateEmailRecord(address, secret string) (EmailRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if er, ok := f.EmailRecords[address]; ok {
		return er, nil
	}

	now := time.Now().UTC()
	er := EmailRecord{
		Address:                address,
		SequenceNumber:         1,
		CreationTime:           now,
		LastUpdateTime:         now,
		Secret:                 secret,
		MinNotifyPeriodSeconds: 900,
	}
	f.EmailRecords[address] = er
	return er, nil
}

func (f *FakeChatRepository) AdvanceEmailCursor(address string, sequenceNumber int64) (EmailRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	er, ok := f.EmailRecords[address]
	if !ok {
		return EmailRecord{}, sql.ErrNoRows
	}

	now := time.Now().UTC()
	er.SequenceNumber = sequenceNumber
	er.LastNotifiedTime = sql.NullTime{Time: now, Valid: true}
	er.LastUpdateTime = now
	f.EmailRecords[address] = er
	return er, nil
}
