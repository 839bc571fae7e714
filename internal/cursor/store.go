// Package cursor persists per-contact poll cursors so a restart resumes
// where the previous process stopped instead of re-seeding every contact
// at "now". Persistence is optional; the monitor works from memory alone
// when no store is configured.
package cursor

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"wxbridge/internal/domain"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed cursor store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cursors (
		nickname   TEXT PRIMARY KEY,
		last_id    TEXT,
		last_seen  INTEGER NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the stored cursor for nickname, if any.
func (s *Store) Get(ctx context.Context, nickname string) (domain.Cursor, bool, error) {
	var lastID string
	var lastSeen int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_id, last_seen FROM cursors WHERE nickname = ?`, nickname,
	).Scan(&lastID, &lastSeen)
	if err == sql.ErrNoRows {
		return domain.Cursor{}, false, nil
	}
	if err != nil {
		return domain.Cursor{}, false, fmt.Errorf("load cursor for %q: %w", nickname, err)
	}
	return domain.Cursor{LastID: lastID, LastSeen: time.Unix(0, lastSeen)}, true, nil
}

// Put stores the cursor for nickname, replacing any previous value.
func (s *Store) Put(ctx context.Context, nickname string, cur domain.Cursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (nickname, last_id, last_seen, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(nickname) DO UPDATE SET
			last_id = excluded.last_id,
			last_seen = excluded.last_seen,
			updated_at = CURRENT_TIMESTAMP`,
		nickname, cur.LastID, cur.LastSeen.UnixNano())
	if err != nil {
		return fmt.Errorf("store cursor for %q: %w", nickname, err)
	}
	return nil
}

// Delete removes the cursor for nickname. Removing an absent cursor is not
// an error.
func (s *Store) Delete(ctx context.Context, nickname string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cursors WHERE nickname = ?`, nickname); err != nil {
		return fmt.Errorf("delete cursor for %q: %w", nickname, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
