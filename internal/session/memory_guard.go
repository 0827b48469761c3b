package session

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/voicegate/pkg/memory"
)

// MemoryGuard wraps a [memory.Store] and makes all operations non-fatal. If
// the underlying store fails, operations return defaults and log warnings
// instead of propagating errors.
//
// A device keeps talking while the history backend is unavailable (database
// restart, network partition); it just loses context for a while. The
// IsDegraded method reports whether the most recent operation failed.
//
// All methods are safe for concurrent use.
type MemoryGuard struct {
	store    memory.Store
	degraded atomic.Bool
}

var _ memory.Store = (*MemoryGuard)(nil)

// NewMemoryGuard creates a new [MemoryGuard] wrapping the given store.
func NewMemoryGuard(store memory.Store) *MemoryGuard {
	return &MemoryGuard{store: store}
}

// Append writes msgs to the underlying store. On failure the error is logged
// and swallowed; the store is marked as degraded.
func (mg *MemoryGuard) Append(ctx context.Context, deviceID string, msgs ...memory.Message) error {
	if err := mg.store.Append(ctx, deviceID, msgs...); err != nil {
		mg.degraded.Store(true)
		slog.Warn("memory guard: Append failed, swallowing error",
			"device_id", deviceID,
			"messages", len(msgs),
			"error", err,
		)
		return nil
	}
	mg.degraded.Store(false)
	return nil
}

// History reads recent messages. On failure an empty slice is returned and
// the store is marked as degraded.
func (mg *MemoryGuard) History(ctx context.Context, deviceID string, limit int) ([]memory.Message, error) {
	msgs, err := mg.store.History(ctx, deviceID, limit)
	if err != nil {
		mg.degraded.Store(true)
		slog.Warn("memory guard: History failed, returning empty",
			"device_id", deviceID,
			"limit", limit,
			"error", err,
		)
		return []memory.Message{}, nil
	}
	mg.degraded.Store(false)
	return msgs, nil
}

// Clear delegates to the underlying store and returns its error.
func (mg *MemoryGuard) Clear(ctx context.Context, deviceID string) error {
	if err := mg.store.Clear(ctx, deviceID); err != nil {
		mg.degraded.Store(true)
		return err
	}
	mg.degraded.Store(false)
	return nil
}

// IsDegraded reports whether the most recent operation on the underlying
// store failed.
func (mg *MemoryGuard) IsDegraded() bool {
	return mg.degraded.Load()
}
