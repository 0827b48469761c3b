// Package inmemory provides a process-local [memory.Store]. History is lost
// on restart.
package inmemory

import (
	"context"
	"sync"

	"github.com/MrWong99/voicegate/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// Store keeps history in a map guarded by a mutex.
type Store struct {
	maxMessages int

	mu      sync.RWMutex
	history map[string][]memory.Message
}

// New creates a Store that keeps at most maxMessages per device. Zero or
// less means unbounded.
func New(maxMessages int) *Store {
	return &Store{
		maxMessages: maxMessages,
		history:     make(map[string][]memory.Message),
	}
}

// Append implements [memory.Store].
func (s *Store) Append(_ context.Context, deviceID string, msgs ...memory.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	cp := make([]memory.Message, len(msgs))
	copy(cp, msgs)
	memory.Stamp(cp)

	s.mu.Lock()
	defer s.mu.Unlock()
	h := append(s.history[deviceID], cp...)
	if s.maxMessages > 0 && len(h) > s.maxMessages {
		h = append([]memory.Message(nil), h[len(h)-s.maxMessages:]...)
	}
	s.history[deviceID] = h
	return nil
}

// History implements [memory.Store].
func (s *Store) History(_ context.Context, deviceID string, limit int) ([]memory.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.history[deviceID]
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]memory.Message, len(h))
	copy(out, h)
	return out, nil
}

// Clear implements [memory.Store].
func (s *Store) Clear(_ context.Context, deviceID string) error {
	s.mu.Lock()
	delete(s.history, deviceID)
	s.mu.Unlock()
	return nil
}

// Devices returns the number of devices with stored history.
func (s *Store) Devices() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}
