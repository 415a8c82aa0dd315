package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists checkpoints in a single SQLite database file using the
// pure-Go modernc.org/sqlite driver, so no CGO toolchain is needed.
//
// The database runs in WAL mode with a single open connection; SQLite allows
// one writer at a time and serializing in database/sql avoids SQLITE_BUSY
// churn. Use ":memory:" for an ephemeral database in tests.
//
// Usage:
//
//	st, err := store.NewSQLiteStore("./checkpoints.db")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer st.Close()
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (or creates) the database at path and creates the
// schema if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	checkpointsTable := `
		CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			id TEXT NOT NULL PRIMARY KEY,
			run_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			idempotency_key TEXT,
			payload BLOB NOT NULL,
			created_at INTEGER NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, checkpointsTable); err != nil {
		return fmt.Errorf("failed to create workflow_checkpoints table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE UNIQUE INDEX IF NOT EXISTS idx_checkpoints_key ON workflow_checkpoints(idempotency_key)"); err != nil {
		return fmt.Errorf("failed to create idx_checkpoints_key: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_checkpoints_run_step ON workflow_checkpoints(run_id, step)"); err != nil {
		return fmt.Errorf("failed to create idx_checkpoints_run_step: %w", err)
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, cp Checkpoint) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_checkpoints (id, run_id, step, idempotency_key, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.RunID, cp.Step, nullableKey(cp.IdempotencyKey), cp.Payload, cp.CreatedAt.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

const selectCheckpoint = `SELECT id, run_id, step, idempotency_key, payload, created_at FROM workflow_checkpoints`

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, id string) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return Checkpoint{}, err
	}
	return scanCheckpoint(s.db.QueryRowContext(ctx, selectCheckpoint+" WHERE id = ?", id))
}

// FindByKey implements Store.
func (s *SQLiteStore) FindByKey(ctx context.Context, key string) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return Checkpoint{}, err
	}
	return scanCheckpoint(s.db.QueryRowContext(ctx, selectCheckpoint+" WHERE idempotency_key = ?", key))
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, runID string) ([]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, selectCheckpoint+" WHERE run_id = ? ORDER BY step, created_at, id", runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanCheckpoints(rows)
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM workflow_checkpoints WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return requireAffected(res)
}

// Close closes the database. It is safe to call more than once.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database path the store was opened with.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Shared SQL helpers for the SQLite and MySQL stores.

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (Checkpoint, error) {
	var (
		cp        Checkpoint
		key       sql.NullString
		createdAt int64
	)
	if err := row.Scan(&cp.ID, &cp.RunID, &cp.Step, &key, &cp.Payload, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Checkpoint{}, ErrNotFound
		}
		return Checkpoint{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	cp.IdempotencyKey = key.String
	cp.CreatedAt = time.Unix(0, createdAt).UTC()
	return cp, nil
}

func scanCheckpoints(rows *sql.Rows) ([]Checkpoint, error) {
	out := []Checkpoint{}
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return out, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// nullableKey stores empty idempotency keys as NULL so the unique index
// ignores them.
func nullableKey(key string) sql.NullString {
	return sql.NullString{String: key, Valid: key != ""}
}
