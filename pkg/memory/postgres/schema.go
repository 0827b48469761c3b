// Package postgres provides a PostgreSQL-backed [memory.Store].
//
// Conversation turns are appended to a single device_messages table. The
// table is created by [Migrate], which [NewStore] runs on startup.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 50)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Append(ctx, deviceID, memory.Message{Role: memory.RoleUser, Content: "hi"})
//	history, _ := store.History(ctx, deviceID, 20)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlDeviceMessages = `
CREATE TABLE IF NOT EXISTS device_messages (
    id          BIGSERIAL    PRIMARY KEY,
    device_id   TEXT         NOT NULL,
    role        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_device_messages_device_id
    ON device_messages (device_id, id);
`

// Migrate creates the tables the store needs. It is idempotent and safe to
// call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlDeviceMessages); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
