package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// SQLiteJournal implements Journal using an embedded SQLite database.
type SQLiteJournal struct {
	db        *sql.DB
	mu        sync.RWMutex // serializes writes (SQLite is single-writer)
	entropy   io.Reader
	retention time.Duration
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewSQLiteJournal opens or creates dataDir/journal.db and runs schema
// migrations. Entries older than retention are pruned in the background;
// zero keeps everything.
func NewSQLiteJournal(dataDir string, retention time.Duration) (*SQLiteJournal, error) {
	dbPath := filepath.Join(dataDir, "journal.db")
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// Single connection for writes to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	j := &SQLiteJournal{
		db:        db,
		entropy:   ulid.Monotonic(rand.Reader, 0),
		retention: retention,
		closeCh:   make(chan struct{}),
	}

	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite: %w", err)
	}

	if retention > 0 {
		go j.cleanupLoop()
	}

	return j, nil
}

func (j *SQLiteJournal) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS commands (
			id          TEXT PRIMARY KEY,
			command_id  TEXT NOT NULL,
			type        TEXT NOT NULL,
			outcome     TEXT NOT NULL,
			error       TEXT NOT NULL DEFAULT '',
			code        TEXT NOT NULL DEFAULT '',
			duration_ns INTEGER NOT NULL,
			started_at  DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_started ON commands(started_at)`,
	}

	for _, m := range migrations {
		if _, err := j.db.Exec(m); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}
	return nil
}

func (j *SQLiteJournal) cleanupLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-j.closeCh:
			return
		case <-ticker.C:
			n, err := j.Prune(context.Background(), time.Now().UTC().Add(-j.retention))
			if err != nil {
				slog.Warn("journal prune failed", "err", err)
			} else if n > 0 {
				slog.Debug("journal pruned", "rows", n)
			}
		}
	}
}

func (j *SQLiteJournal) Record(ctx context.Context, e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}
	e.StartedAt = e.StartedAt.UTC()
	if e.ID == "" {
		id, err := ulid.New(ulid.Timestamp(e.StartedAt), j.entropy)
		if err != nil {
			return fmt.Errorf("generating entry id: %w", err)
		}
		e.ID = id.String()
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO commands (id, command_id, type, outcome, error, code, duration_ns, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CommandID, e.Type, e.Outcome, e.Error, e.Code, int64(e.Duration), e.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("recording command %s: %w", e.CommandID, err)
	}
	return nil
}

func (j *SQLiteJournal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, command_id, type, outcome, error, code, duration_ns, started_at
		 FROM commands ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying commands: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ns int64
		if err := rows.Scan(&e.ID, &e.CommandID, &e.Type, &e.Outcome, &e.Error, &e.Code, &ns, &e.StartedAt); err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}
		e.Duration = time.Duration(ns)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *SQLiteJournal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	res, err := j.db.ExecContext(ctx, "DELETE FROM commands WHERE started_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("pruning commands: %w", err)
	}
	return res.RowsAffected()
}

func (j *SQLiteJournal) Close() error {
	j.closeOnce.Do(func() { close(j.closeCh) })
	return j.db.Close()
}
