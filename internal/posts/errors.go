package posts

import "errors"

var (
	// ErrPostFailed means the post could not be durably recorded and the
	// caller should report "message not sent".
	ErrPostFailed = errors.New("post could not be recorded")

	ErrBadArchiveType = errors.New("unknown archive type")
	ErrEmptyBody      = errors.New("post body is required")
	ErrShardNotFound  = errors.New("shard does not exist")
)
