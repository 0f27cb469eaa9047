package channel

import "time"

// Notifier pushes serialized payloads to connected browsers. A token is
// both a credential and the address of the connection it was issued to.
// Sending to a token with no live connection is not an error; staleness
// sweeps reconcile presence later.
type Notifier interface {
	CreateToken(userId, shardId string, ttl time.Duration) (string, error)
	Send(token string, payload []byte) error
}
