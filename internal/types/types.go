package types

// PostRecord is the wire form of a post pushed over the notification
// channel and returned by history reads. SequenceId is null until the
// post has been sequenced.
type PostRecord struct {
	PostId      string `json:"postId"`
	ShardId     string `json:"shardId"`
	ArchiveType string `json:"archiveType"`
	Nickname    string `json:"nickname"`
	Title       string `json:"title,omitempty"`
	Body        string `json:"body"`
	PostTimeMs  int64  `json:"postTimeMs"`
	SequenceId  *int64 `json:"sequenceId"`
	NewTopicId  string `json:"newTopicId,omitempty"`
}

// PostsFrame is the envelope for a batch of posts pushed to a client.
type PostsFrame struct {
	Posts []PostRecord `json:"posts"`
}

// ShardRecord is the wire form of a shard.
type ShardRecord struct {
	ShardId          string `json:"shardId"`
	Title            string `json:"title"`
	Description      string `json:"description,omitempty"`
	CreationNickname string `json:"creationNickname,omitempty"`
	RootShardId      string `json:"rootShardId,omitempty"`
	CurrentTopicId   string `json:"currentTopicId,omitempty"`
	SequenceNumber   int64  `json:"sequenceNumber"`
	UpdateTimeMs     int64  `json:"updateTimeMs"`
}

// TopicRecord is a topic shard joined with the requesting user's read
// position.
type TopicRecord struct {
	ShardId          string `json:"shardId"`
	Title            string `json:"title"`
	Description      string `json:"description,omitempty"`
	CreationNickname string `json:"creationNickname,omitempty"`
	UpdateTimeMs     int64  `json:"updateTimeMs"`
	SequenceNumber   int64  `json:"sequenceNumber"`
	LastReadSequence int64  `json:"lastReadSequence"`
}

// UserRecord is the wire form of a present user.
type UserRecord struct {
	UserId   string `json:"userId"`
	Nickname string `json:"nickname"`
}
