// Package memory defines the conversation memory used by the gateway: a
// per-device, time-ordered log of user and assistant turns that is replayed
// to the language model on each request.
//
// Implementations live in sub-packages (inmemory, postgres, redis). All
// interfaces are public so that external packages can supply alternative
// storage backends without depending on voicegate internals.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"time"
)

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation turn.
type Message struct {
	// Role is RoleUser or RoleAssistant.
	Role string

	// Content is the text of the turn.
	Content string

	// Timestamp is when the turn was recorded. Stores fill it in when zero.
	Timestamp time.Time
}

// Store keeps conversation history keyed by device ID.
type Store interface {
	// Append adds msgs to the end of the device's history, in order.
	// Stores with a size cap drop the oldest messages.
	Append(ctx context.Context, deviceID string, msgs ...Message) error

	// History returns the last limit messages for deviceID, oldest first.
	// A limit of zero or less returns the whole history. An unknown device
	// yields an empty slice and no error.
	History(ctx context.Context, deviceID string, limit int) ([]Message, error)

	// Clear removes all history for deviceID. Clearing an unknown device is
	// not an error.
	Clear(ctx context.Context, deviceID string) error
}

// Pinger is implemented by stores backed by a remote service. It is used for
// readiness checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Stamp sets a zero Timestamp to now. Implementations call it before storing.
func Stamp(msgs []Message) {
	now := time.Now().UTC()
	for i := range msgs {
		if msgs[i].Timestamp.IsZero() {
			msgs[i].Timestamp = now
		}
	}
}
