package channel

import (
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) CreateToken(userId, shardId string, ttl time.Duration) (string, error) {
	args := m.Called(userId, shardId, ttl)
	return args.String(0), args.Error(1)
}

func (m *MockNotifier) Send(token string, payload []byte) error {
	args := m.Called(token, payload)
	return args.Error(0)
}

// RecordingNotifier captures every send for scenario tests that care
// about delivery counts rather than individual expectations.
type RecordingNotifier struct {
	mu    sync.Mutex
	next  int
	Sends map[string][][]byte
}

func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{Sends: make(map[string][][]byte)}
}

func (n *RecordingNotifier) CreateToken(userId, shardId string, _ time.Duration) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next++
	return fmt.Sprintf("token-%s-%s-%d", userId, shardId, n.next), nil
}

func (n *RecordingNotifier) Send(token string, payload []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Sends[token] = append(n.Sends[token], payload)
	return nil
}
