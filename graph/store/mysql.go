package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
)

// mysqlDuplicateEntry is the MySQL error number for unique key violations.
const mysqlDuplicateEntry = 1062

// MySQLStore persists checkpoints in MySQL (or Aurora / MariaDB), for
// deployments where several processes share checkpoint history.
//
// DSN format: [username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Example:
//
//	st, err := store.NewMySQLStore("user:pass@tcp(localhost:3306)/workflows?parseTime=true")
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore connects to MySQL, verifies the connection and creates the
// schema if needed.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if _, err := mysql.ParseDSN(dsn); err != nil {
		return nil, fmt.Errorf("invalid MySQL DSN: %w", err)
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s, err := NewMySQLStoreFromDB(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewMySQLStoreFromDB wraps an already configured connection pool and creates
// the schema if needed. The store takes ownership of db.
func NewMySQLStoreFromDB(ctx context.Context, db *sql.DB) (*MySQLStore, error) {
	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	checkpointsTable := `
		CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL,
			step INT NOT NULL,
			idempotency_key VARCHAR(128) NULL,
			payload LONGBLOB NOT NULL,
			created_at BIGINT NOT NULL,
			UNIQUE KEY unique_idempotency_key (idempotency_key),
			INDEX idx_run_step (run_id, step)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, checkpointsTable); err != nil {
		return fmt.Errorf("failed to create workflow_checkpoints table: %w", err)
	}
	return nil
}

func (m *MySQLStore) checkOpen() error {
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Save implements Store.
func (m *MySQLStore) Save(ctx context.Context, cp Checkpoint) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	_, err := m.db.ExecContext(ctx,
		`INSERT INTO workflow_checkpoints (id, run_id, step, idempotency_key, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.RunID, cp.Step, nullableKey(cp.IdempotencyKey), cp.Payload, cp.CreatedAt.UnixNano())
	if err != nil {
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Load implements Store.
func (m *MySQLStore) Load(ctx context.Context, id string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return Checkpoint{}, err
	}
	return scanCheckpoint(m.db.QueryRowContext(ctx, selectCheckpoint+" WHERE id = ?", id))
}

// FindByKey implements Store.
func (m *MySQLStore) FindByKey(ctx context.Context, key string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return Checkpoint{}, err
	}
	return scanCheckpoint(m.db.QueryRowContext(ctx, selectCheckpoint+" WHERE idempotency_key = ?", key))
}

// List implements Store.
func (m *MySQLStore) List(ctx context.Context, runID string) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx, selectCheckpoint+" WHERE run_id = ? ORDER BY step, created_at, id", runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanCheckpoints(rows)
}

// Delete implements Store.
func (m *MySQLStore) Delete(ctx context.Context, id string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	res, err := m.db.ExecContext(ctx, "DELETE FROM workflow_checkpoints WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return requireAffected(res)
}

// Close closes the connection pool. It is safe to call more than once.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

// Ping verifies the database connection is alive.
func (m *MySQLStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}
