package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS deploy_runs (
	id TEXT PRIMARY KEY,
	payload BLOB NOT NULL,
	created_at TEXT NOT NULL
);`

const (
	defaultStoreDir = ".groqsearch"
	defaultStoreDB  = "groqsearch.db"
)

// Store persists run records in SQLite.
type Store struct {
	db *sql.DB
}

// DefaultPath returns the default SQLite path for run history.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("history: resolve user home: %w", err)
	}
	return filepath.Join(home, defaultStoreDir, defaultStoreDB), nil
}

// NewDefaultStore opens the run history store at ~/.groqsearch/groqsearch.db.
func NewDefaultStore() (*Store, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return NewStore(path)
}

// NewStore opens (or creates) a run history store at path.
func NewStore(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("history: store path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("history: create store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: sqlite open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: sqlite set WAL mode: %w", err)
	}

	if _, err := db.Exec(storeSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: sqlite create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Save inserts or updates a run record by run ID.
func (s *Store) Save(ctx context.Context, rec RunRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return errors.New("history: store is nil")
	}
	if strings.TrimSpace(rec.RunID) == "" {
		return errors.New("history: run record id is required")
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("history: encode run record: %w", err)
	}

	createdAt := rec.Started
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO deploy_runs (id, payload, created_at)
VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	payload = excluded.payload,
	created_at = excluded.created_at`,
		rec.RunID,
		payload,
		createdAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("history: sqlite upsert run: %w", err)
	}
	return nil
}

// Get returns a run record by run ID.
func (s *Store) Get(ctx context.Context, runID string) (RunRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return RunRecord{}, false, err
	}
	if s == nil || s.db == nil {
		return RunRecord{}, false, errors.New("history: store is nil")
	}

	row := s.db.QueryRowContext(ctx, `
SELECT payload
FROM deploy_runs
WHERE id = ?`, runID)

	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunRecord{}, false, nil
		}
		return RunRecord{}, false, fmt.Errorf("history: sqlite get run: %w", err)
	}

	rec, err := decodeRecord(payload)
	if err != nil {
		return RunRecord{}, false, err
	}
	return rec, true, nil
}

// List returns run records, newest first. A limit of zero or less returns
// every record.
func (s *Store) List(ctx context.Context, limit int) ([]RunRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, errors.New("history: store is nil")
	}

	query := `
SELECT payload
FROM deploy_runs
ORDER BY created_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += `
LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: sqlite list runs: %w", err)
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("history: sqlite scan run: %w", err)
		}
		rec, err := decodeRecord(payload)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: sqlite run rows: %w", err)
	}

	return recs, nil
}

// Prune deletes every run except the newest keep records and reports how
// many rows were removed. A keep of zero or less deletes everything.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.db == nil {
		return 0, errors.New("history: store is nil")
	}
	if keep < 0 {
		keep = 0
	}

	res, err := s.db.ExecContext(ctx, `
DELETE FROM deploy_runs
WHERE id NOT IN (
	SELECT id FROM deploy_runs
	ORDER BY created_at DESC, id DESC
	LIMIT ?
)`, keep)
	if err != nil {
		return 0, fmt.Errorf("history: sqlite prune runs: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("history: sqlite prune rows affected: %w", err)
	}
	return deleted, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func decodeRecord(payload []byte) (RunRecord, error) {
	var rec RunRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return RunRecord{}, fmt.Errorf("history: decode run record: %w", err)
	}
	return rec, nil
}
