// Package postgres persists the conversation log in PostgreSQL.
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	_ = store.Append(ctx, entry)
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/visiontalk/internal/convlog"
)

var _ convlog.Store = (*Store)(nil)

const ddlConversationItems = `
CREATE TABLE IF NOT EXISTS conversation_items (
    id               BIGSERIAL    PRIMARY KEY,
    conversation_id  TEXT         NOT NULL,
    item_id          TEXT         NOT NULL,
    role             TEXT         NOT NULL DEFAULT '',
    text             TEXT         NOT NULL DEFAULT '',
    status           TEXT         NOT NULL DEFAULT '',
    timestamp        TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (conversation_id, item_id)
);

CREATE INDEX IF NOT EXISTS idx_conversation_items_conversation
    ON conversation_items (conversation_id, id);
`

// Migrate creates the conversation log table. It is idempotent and safe to
// call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlConversationItems); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// Store is a [convlog.Store] backed by a pgx connection pool. All methods
// are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, pings the server and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("convlog store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("convlog store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("convlog store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("convlog store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Append implements [convlog.Store].
func (s *Store) Append(ctx context.Context, e convlog.Entry) error {
	const q = `
		INSERT INTO conversation_items (conversation_id, item_id, role, text, status, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (conversation_id, item_id)
		DO UPDATE SET text = EXCLUDED.text, status = EXCLUDED.status`

	if e.ConversationID == "" || e.ItemID == "" {
		return errors.New("convlog store: append: conversation and item ids are required")
	}
	if _, err := s.pool.Exec(ctx, q, e.ConversationID, e.ItemID, e.Role, e.Text, e.Status, e.Timestamp); err != nil {
		return fmt.Errorf("convlog store: append: %w", err)
	}
	return nil
}

// List implements [convlog.Store].
func (s *Store) List(ctx context.Context, conversationID string) ([]convlog.Entry, error) {
	const q = `
		SELECT conversation_id, item_id, role, text, status, timestamp
		FROM   conversation_items
		WHERE  conversation_id = $1
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, conversationID)
	if err != nil {
		return nil, fmt.Errorf("convlog store: list: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (convlog.Entry, error) {
		var e convlog.Entry
		err := row.Scan(&e.ConversationID, &e.ItemID, &e.Role, &e.Text, &e.Status, &e.Timestamp)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("convlog store: scan rows: %w", err)
	}
	if len(entries) == 0 {
		return nil, convlog.ErrNotFound
	}
	return entries, nil
}

// Ping implements [convlog.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}
