package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voicegate/pkg/memory"
)

var (
	_ memory.Store  = (*Store)(nil)
	_ memory.Pinger = (*Store)(nil)
)

// Store is a PostgreSQL-backed conversation history. Rows are ordered by
// their BIGSERIAL id, so messages appended in one call keep their order even
// when they share a timestamp.
//
// All operations are safe for concurrent use.
type Store struct {
	pool        *pgxpool.Pool
	maxMessages int
}

// NewStore connects to the database at dsn, pings it and runs [Migrate].
//
// When maxMessages is positive, Append deletes rows beyond the newest
// maxMessages for the device.
func NewStore(ctx context.Context, dsn string, maxMessages int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool, maxMessages: maxMessages}, nil
}

// Append implements [memory.Store]. All messages are inserted in one
// transaction.
func (s *Store) Append(ctx context.Context, deviceID string, msgs ...memory.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	cp := make([]memory.Message, len(msgs))
	copy(cp, msgs)
	memory.Stamp(cp)

	const insert = `
		INSERT INTO device_messages (device_id, role, content, created_at)
		VALUES ($1, $2, $3, $4)`

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, m := range cp {
			batch.Queue(insert, deviceID, m.Role, m.Content, m.Timestamp)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
		if s.maxMessages <= 0 {
			return nil
		}
		const trim = `
			DELETE FROM device_messages
			WHERE  device_id = $1
			  AND  id NOT IN (
			       SELECT id FROM device_messages
			       WHERE  device_id = $1
			       ORDER  BY id DESC
			       LIMIT  $2)`
		_, err := tx.Exec(ctx, trim, deviceID, s.maxMessages)
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres store: append: %w", err)
	}
	return nil
}

// History implements [memory.Store].
func (s *Store) History(ctx context.Context, deviceID string, limit int) ([]memory.Message, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		const q = `
			SELECT role, content, created_at FROM (
			    SELECT id, role, content, created_at
			    FROM   device_messages
			    WHERE  device_id = $1
			    ORDER  BY id DESC
			    LIMIT  $2
			) recent
			ORDER BY id`
		rows, err = s.pool.Query(ctx, q, deviceID, limit)
	} else {
		const q = `
			SELECT role, content, created_at
			FROM   device_messages
			WHERE  device_id = $1
			ORDER  BY id`
		rows, err = s.pool.Query(ctx, q, deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: history: %w", err)
	}
	return collectMessages(rows)
}

// Clear implements [memory.Store].
func (s *Store) Clear(ctx context.Context, deviceID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM device_messages WHERE device_id = $1`, deviceID); err != nil {
		return fmt.Errorf("postgres store: clear: %w", err)
	}
	return nil
}

// Ping implements [memory.Pinger].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func collectMessages(rows pgx.Rows) ([]memory.Message, error) {
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Message, error) {
		var m memory.Message
		if err := row.Scan(&m.Role, &m.Content, &m.Timestamp); err != nil {
			return memory.Message{}, err
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}
	if msgs == nil {
		msgs = []memory.Message{}
	}
	return msgs, nil
}
