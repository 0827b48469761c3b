// Package mock provides a test double for [memory.Store].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. Unless an *Err field is set,
// appended messages are kept so History returns them. Safe for concurrent
// use.
//
// Typical usage:
//
//	store := &mock.Store{}
//	store.HistoryErr = errors.New("db down")
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("Append"); got != 1 {
//	    t.Errorf("expected 1 Append call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicegate/pkg/memory"
)

var (
	_ memory.Store  = (*Store)(nil)
	_ memory.Pinger = (*Store)(nil)
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [memory.Store].
type Store struct {
	mu    sync.Mutex
	calls []Call
	data  map[string][]memory.Message

	// AppendErr is returned by [Store.Append] when non-nil.
	AppendErr error

	// HistoryErr is returned by [Store.History] when non-nil.
	HistoryErr error

	// ClearErr is returned by [Store.Clear] when non-nil.
	ClearErr error

	// PingErr is returned by [Store.Ping] when non-nil.
	PingErr error
}

// Append implements [memory.Store].
func (m *Store) Append(_ context.Context, deviceID string, msgs ...memory.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Append", Args: []any{deviceID, msgs}})
	if m.AppendErr != nil {
		return m.AppendErr
	}
	if m.data == nil {
		m.data = make(map[string][]memory.Message)
	}
	cp := make([]memory.Message, len(msgs))
	copy(cp, msgs)
	memory.Stamp(cp)
	m.data[deviceID] = append(m.data[deviceID], cp...)
	return nil
}

// History implements [memory.Store].
func (m *Store) History(_ context.Context, deviceID string, limit int) ([]memory.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "History", Args: []any{deviceID, limit}})
	if m.HistoryErr != nil {
		return nil, m.HistoryErr
	}
	h := m.data[deviceID]
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]memory.Message, len(h))
	copy(out, h)
	return out, nil
}

// Clear implements [memory.Store].
func (m *Store) Clear(_ context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Clear", Args: []any{deviceID}})
	if m.ClearErr != nil {
		return m.ClearErr
	}
	delete(m.data, deviceID)
	return nil
}

// Ping implements [memory.Pinger].
func (m *Store) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Ping"})
	return m.PingErr
}

// Messages returns the stored messages for deviceID without recording a call.
func (m *Store) Messages(deviceID string) []memory.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]memory.Message, len(m.data[deviceID]))
	copy(out, m.data[deviceID])
	return out
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears recorded calls and stored messages.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.data = nil
}
