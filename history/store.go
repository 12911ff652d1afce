// Package history persists context-restore payloads so a conversation can
// be restored after the application restarts.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zhubert/plural-acp/chat"
	"github.com/zhubert/plural-acp/paths"
)

// DefaultMaxPayloads is the number of payloads kept per agent when the
// caller passes zero.
const DefaultMaxPayloads = 5

const schema = `
CREATE TABLE IF NOT EXISTS payloads (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	agent      TEXT    NOT NULL,
	created_at INTEGER NOT NULL,
	entries    INTEGER NOT NULL,
	payload    TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS payloads_agent ON payloads(agent, id);
`

// Store is a sqlite-backed payload store. It is safe for concurrent use.
type Store struct {
	db          *sql.DB
	maxPayloads int
	log         *slog.Logger
}

// Open opens or creates the database at path.
func Open(path string, maxPayloads int, log *slog.Logger) (*Store, error) {
	if maxPayloads <= 0 {
		maxPayloads = DefaultMaxPayloads
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history db: %w", err)
	}
	return &Store{db: db, maxPayloads: maxPayloads, log: log}, nil
}

// OpenDefault opens the store at paths.HistoryDBPath.
func OpenDefault(maxPayloads int, log *slog.Logger) (*Store, error) {
	path, err := paths.HistoryDBPath()
	if err != nil {
		return nil, err
	}
	return Open(path, maxPayloads, log)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores p for agent and trims older payloads beyond the limit. Empty
// payloads are not stored.
func (s *Store) Save(ctx context.Context, agent string, p chat.RestorePayload) error {
	if p.Empty() {
		return nil
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin history tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO payloads (agent, created_at, entries, payload) VALUES (?, ?, ?, ?)",
		agent, p.CreatedAt.UnixMilli(), len(p.Entries), string(data),
	); err != nil {
		return fmt.Errorf("failed to save payload: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM payloads WHERE agent = ? AND id NOT IN (
			SELECT id FROM payloads WHERE agent = ? ORDER BY id DESC LIMIT ?)`,
		agent, agent, s.maxPayloads,
	); err != nil {
		return fmt.Errorf("failed to trim payloads: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit payload: %w", err)
	}
	s.log.Debug("saved restore payload", "agent", agent, "entries", len(p.Entries))
	return nil
}

// Latest returns the newest payload for agent. ok is false when none is
// stored.
func (s *Store) Latest(ctx context.Context, agent string) (p chat.RestorePayload, ok bool, err error) {
	var data string
	err = s.db.QueryRowContext(ctx,
		"SELECT payload FROM payloads WHERE agent = ? ORDER BY id DESC LIMIT 1", agent,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return p, false, nil
	}
	if err != nil {
		return p, false, fmt.Errorf("failed to load payload: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return p, false, fmt.Errorf("failed to decode payload: %w", err)
	}
	return p, true, nil
}

// Summary describes one stored payload.
type Summary struct {
	ID        int64
	Agent     string
	CreatedAt time.Time
	Entries   int
}

// List returns stored payload summaries for agent, newest first. An empty
// agent lists every agent.
func (s *Store) List(ctx context.Context, agent string) ([]Summary, error) {
	query := "SELECT id, agent, created_at, entries FROM payloads"
	var args []any
	if agent != "" {
		query += " WHERE agent = ?"
		args = append(args, agent)
	}
	query += " ORDER BY id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list payloads: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum Summary
			ms  int64
		)
		if err := rows.Scan(&sum.ID, &sum.Agent, &ms, &sum.Entries); err != nil {
			return nil, fmt.Errorf("failed to scan payload row: %w", err)
		}
		sum.CreatedAt = time.UnixMilli(ms)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Delete removes every payload stored for agent.
func (s *Store) Delete(ctx context.Context, agent string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM payloads WHERE agent = ?", agent); err != nil {
		return fmt.Errorf("failed to delete payloads: %w", err)
	}
	return nil
}

// Clear removes every stored payload.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM payloads"); err != nil {
		return fmt.Errorf("failed to clear payloads: %w", err)
	}
	return nil
}
