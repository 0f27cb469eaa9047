package queue

import (
	"context"
	"sync"
	"time"
)

// SubmittedTask is one recorded SubmitOnce call.
type SubmittedTask struct {
	Name     string
	TaskType string
	Payload  any
	Delay    time.Duration
}

// FakeScheduler records submissions and enforces name dedup in memory.
// Tests drive handlers directly off the recorded tasks.
type FakeScheduler struct {
	mu        sync.Mutex
	names     map[string]struct{}
	Submitted []SubmittedTask
}

func NewFakeScheduler() *FakeScheduler {
	return &FakeScheduler{names: make(map[string]struct{})}
}

func (s *FakeScheduler) SubmitOnce(_ context.Context, name, taskType string, payload any, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.names[name]; ok {
		return nil
	}
	s.names[name] = struct{}{}
	s.Submitted = append(s.Submitted, SubmittedTask{
		Name:     name,
		TaskType: taskType,
		Payload:  payload,
		Delay:    delay,
	})
	return nil
}

func (s *FakeScheduler) Close() error { return nil }

// Next pops the oldest recorded task, if any.
func (s *FakeScheduler) Next() (SubmittedTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.Submitted) == 0 {
		return SubmittedTask{}, false
	}
	task := s.Submitted[0]
	s.Submitted = s.Submitted[1:]
	return task, true
}

// Forget releases a dedup name so the same state can be resubmitted,
// mirroring queue retention expiry.
func (s *FakeScheduler) Forget(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.names, name)
}
