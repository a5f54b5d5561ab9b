package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rocker/api/schemas"
)

// DBPool abstracts pgxpool.Pool so tests can run against pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the PostgreSQL backing for selector memory, learning signals and
// conversation history.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var (
	_ schemas.SelectorMemory    = (*Store)(nil)
	_ schemas.LearningStore     = (*Store)(nil)
	_ schemas.ConversationStore = (*Store)(nil)
)

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS selector_memory (
    route      TEXT NOT NULL,
    name       TEXT NOT NULL,
    flagged    BOOLEAN NOT NULL DEFAULT FALSE,
    selector   TEXT NOT NULL,
    kind       TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (route, name, flagged)
);
CREATE TABLE IF NOT EXISTS learning_log (
    id      BIGSERIAL PRIMARY KEY,
    target  TEXT NOT NULL,
    route   TEXT NOT NULL,
    success BOOLEAN NOT NULL,
    source  TEXT NOT NULL,
    at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS learning_log_route_idx ON learning_log (route, target);
CREATE TABLE IF NOT EXISTS messages (
    id         TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    role       TEXT NOT NULL,
    content    TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_session_idx ON messages (session_id, created_at);
`

// Migrate creates the tables if they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Upsert implements schemas.SelectorMemory.
func (s *Store) Upsert(ctx context.Context, route, name, selector string, md schemas.EntryMetadata) error {
	sql := `
        INSERT INTO selector_memory (route, name, flagged, selector, kind, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (route, name, flagged) DO UPDATE SET
            selector = EXCLUDED.selector,
            kind = EXCLUDED.kind,
            updated_at = EXCLUDED.updated_at;
    `
	_, err := s.pool.Exec(ctx, sql, route, schemas.NormalizeName(name), md.Flagged, selector, string(md.Kind), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert selector for %s on %s: %w", name, route, err)
	}
	return nil
}

// Lookup implements schemas.SelectorMemory. Flagged entries win.
func (s *Store) Lookup(ctx context.Context, route, name string) (string, bool, error) {
	sql := `
        SELECT selector FROM selector_memory
        WHERE route = $1 AND name = $2
        ORDER BY flagged DESC
        LIMIT 1;
    `
	var selector string
	err := s.pool.QueryRow(ctx, sql, route, schemas.NormalizeName(name)).Scan(&selector)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up selector: %w", err)
	}
	return selector, true, nil
}

// List implements schemas.SelectorMemory.
func (s *Store) List(ctx context.Context, route string) ([]schemas.SelectorMemoryEntry, error) {
	sql := `
        SELECT name, flagged, selector, kind, updated_at
        FROM selector_memory
        WHERE route = $1
        ORDER BY flagged DESC, name ASC;
    `
	rows, err := s.pool.Query(ctx, sql, route)
	if err != nil {
		return nil, fmt.Errorf("failed to query selector memory: %w", err)
	}
	defer rows.Close()

	entries := make([]schemas.SelectorMemoryEntry, 0)
	for rows.Next() {
		e := schemas.SelectorMemoryEntry{Route: route}
		var kind string
		if err := rows.Scan(&e.Name, &e.Metadata.Flagged, &e.Selector, &kind, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan selector row: %w", err)
		}
		e.Metadata.Kind = schemas.CapabilityKind(kind)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return entries, nil
}

// RecordSignals implements schemas.LearningStore. A batch is written in one
// COPY inside a transaction.
func (s *Store) RecordSignals(ctx context.Context, signals []schemas.LearningSignal) error {
	if len(signals) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	rows := make([][]any, len(signals))
	for i, sig := range signals {
		at := sig.At
		if at.IsZero() {
			at = time.Now()
		}
		rows[i] = []any{sig.Target, sig.Route, sig.Success, sig.Source, at.UTC()}
	}
	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{"learning_log"},
		[]string{"target", "route", "success", "source", "at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to copy learning signals: %w", err)
	}
	if int(n) != len(signals) {
		return fmt.Errorf("mismatch in copied signal count: expected %d, got %d", len(signals), n)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SuccessCounts implements schemas.LearningStore.
func (s *Store) SuccessCounts(ctx context.Context, route string) (map[string]int, error) {
	sql := `
        SELECT target, COUNT(*) FROM learning_log
        WHERE route = $1 AND success
        GROUP BY target;
    `
	rows, err := s.pool.Query(ctx, sql, route)
	if err != nil {
		return nil, fmt.Errorf("failed to query success counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var target string
		var n int64
		if err := rows.Scan(&target, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count row: %w", err)
		}
		counts[target] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return counts, nil
}

// Append implements schemas.ConversationStore. Re-appending an id is a no-op.
func (s *Store) Append(ctx context.Context, msg schemas.Message) error {
	sql := `
        INSERT INTO messages (id, session_id, role, content, created_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (id) DO NOTHING;
    `
	_, err := s.pool.Exec(ctx, sql, msg.ID, msg.SessionID, string(msg.Role), msg.Content, msg.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// History implements schemas.ConversationStore. It returns the newest limit
// messages in chronological order.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]schemas.Message, error) {
	sql := `
        SELECT id, role, content, created_at FROM messages
        WHERE session_id = $1
        ORDER BY created_at DESC, id DESC
        LIMIT $2;
    `
	rows, err := s.pool.Query(ctx, sql, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []schemas.Message
	for rows.Next() {
		m := schemas.Message{SessionID: sessionID}
		var role string
		if err := rows.Scan(&m.ID, &role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		m.Role = schemas.Role(role)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
