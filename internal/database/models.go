package database

import (
	"database/sql"
	"time"
)

// Archive types for posts. Only a subset may be submitted directly by
// users; the rest are synthesized by the presence and topic engines.
const (
	ArchiveChat        = "chat"
	ArchiveUserLogin   = "user_login"
	ArchiveUserLogout  = "user_logout"
	ArchiveUserUpdate  = "user_update"
	ArchiveTopicStart  = "topic_start"
	ArchiveTopicChange = "topic_change"
)

var ArchiveTypes = map[string]struct{}{
	ArchiveChat:        {},
	ArchiveUserLogin:   {},
	ArchiveUserLogout:  {},
	ArchiveUserUpdate:  {},
	ArchiveTopicStart:  {},
	ArchiveTopicChange: {},
}

// AllowedUserArchives are the archive types accepted directly from users.
var AllowedUserArchives = map[string]struct{}{
	ArchiveChat:        {},
	ArchiveTopicChange: {},
}

// Shard is a single chatroom or a topic within a chatroom. A shard with
// RootShard set is a topic shard and can never be logged into directly.
type Shard struct {
	Id               string
	Title            string
	Description      string
	CreationNickname string
	CreationTime     time.Time
	UpdateTime       time.Time
	SequenceNumber   int64
	CurrentTopic     sql.NullString
	TopicChangeTime  sql.NullTime
	RootShard        sql.NullString
}

// Post is an immutable archived message. Posts are root records with no
// shard ordering of their own; the same post may be sequenced into
// multiple shards through PostReferences.
type Post struct {
	Id          string
	ArchiveType string
	Nickname    string
	UserId      string
	Title       string
	Body        string
	NewTopic    sql.NullString
	PostTime    time.Time

	// Sequence is filled in when the post is read back through a
	// PostReference or stamped by the apply engine. It is not a column
	// of the posts table.
	Sequence sql.NullInt64
}

// Receipt records that a post has been sequenced into a shard. Its
// existence is the at-most-once guard for sequencing.
type Receipt struct {
	PostId   string
	ShardId  string
	Sequence sql.NullInt64
}

// PostReference maps a sequence number to a post within one shard.
type PostReference struct {
	ShardId  string
	Sequence int64
	PostId   string
}

// LoginRecord is a user's presence state on one shard. Never deleted;
// online flips to false on logout or a staleness sweep.
type LoginRecord struct {
	Id                   string
	ShardId              string
	Online               bool
	Nickname             string
	CreationTime         time.Time
	LastUpdateTime       time.Time
	ChannelToken         string
	TokenIssueTime       sql.NullTime
	SoundsEnabled        bool
	EmailAddress         string
	AcceptedTermsVersion int
}

// ReadState records how far a user has read into one topic shard. The
// sequence only ever moves forward.
type ReadState struct {
	UserId           string
	ShardId          string
	FirstReadTime    time.Time
	LastReadSequence int64
	LastReadTime     time.Time
}

// EmailRecord is the per-address digest cursor.
type EmailRecord struct {
	Address                string
	SequenceNumber         int64
	CreationTime           time.Time
	LastUpdateTime         time.Time
	LastNotifiedTime       sql.NullTime
	Secret                 string
	GlobalOptOut           bool
	MinNotifyPeriodSeconds int
}

// PendingTask is one leased row from the pull queue: a batch of post ids
// awaiting sequencing on a shard, with an optional topic assignment.
type PendingTask struct {
	Id       int64
	ShardId  string
	PostIds  []string
	NewTopic sql.NullString
}

type CreateShardParams struct {
	Id               string
	Title            string
	Description      string
	CreationNickname string
	RootShard        string
}

// ApplySequenceParams is the input to the apply engine's shard-scoped
// transaction.
type ApplySequenceParams struct {
	ShardId string
	// PostIds are the unapplied posts to sequence, in discovery order.
	PostIds []string
	// NewTopic, when non-empty, becomes the shard's current topic.
	NewTopic string
	Now      time.Time
}

// ApplyResult is the explicit outcome of the apply transaction: the
// updated shard and the sequence numbers assigned to PostIds in order.
type ApplyResult struct {
	Shard     Shard
	Sequences []int64
}

type UpdatePresenceParams struct {
	UserId   string
	ShardId  string
	Nickname string
	// AcceptedTermsVersion is stamped when non-zero.
	AcceptedTermsVersion int
	SoundsEnabled        bool
	// CandidateToken is stored if the token refresh policy decides a new
	// token is needed: no token yet, token older than TokenLifetime, or
	// ForceToken set.
	CandidateToken string
	ForceToken     bool
	TokenLifetime  time.Duration
	// ActiveWindow distinguishes a heartbeat from a reconnect.
	ActiveWindow time.Duration
	Now          time.Time
}

type PresenceResult struct {
	LastNickname  string
	UserConnected bool
	Token         string
	TokenIssued   bool
}
