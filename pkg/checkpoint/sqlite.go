package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/contexa/ragengine/pkg/domain"
)

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	run_id     TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	tenant_id  TEXT NOT NULL,
	state      TEXT NOT NULL,
	cursor     TEXT NOT NULL,
	status     TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id, updated_at);
`

// SQLiteStore keeps one checkpoint row per run.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.Exec(checkpointSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create checkpoint schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO checkpoints
			(run_id, session_id, tenant_id, state, cursor, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.SessionID, rec.TenantID, string(rec.State),
		string(rec.Cursor), rec.Status, rec.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", rec.RunID, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, runID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, session_id, tenant_id, state, cursor, status, updated_at
		FROM checkpoints WHERE run_id = ?`, runID)
	return scanRecord(row)
}

func (s *SQLiteStore) LoadLatest(ctx context.Context, sessionID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, session_id, tenant_id, state, cursor, status, updated_at
		FROM checkpoints WHERE session_id = ?
		ORDER BY updated_at DESC LIMIT 1`, sessionID)
	return scanRecord(row)
}

func scanRecord(row *sql.Row) (*Record, error) {
	var rec Record
	var state, cursor string
	var updated int64
	err := row.Scan(&rec.RunID, &rec.SessionID, &rec.TenantID, &state, &cursor, &rec.Status, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	rec.State = []byte(state)
	rec.Cursor = domain.NodeKind(cursor)
	rec.UpdatedAt = time.Unix(0, updated)
	return &rec, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", runID, err)
	}
	return nil
}

func (s *SQLiteStore) Prune(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention).UnixNano()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints WHERE updated_at < ? AND status != ?`,
		cutoff, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
