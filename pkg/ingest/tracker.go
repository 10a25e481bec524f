package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/contexa/ragengine/pkg/domain"
)

// Tracker persists document processing status and parent chunk mappings in
// sqlite. Parent rows are the side table child chunks point at through
// parent_id; there is no owning in-memory reference in either direction.
type Tracker struct {
	db *sql.DB
}

func NewTracker(dbPath string) (*Tracker, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open tracker database: %w", err)
	}

	t := &Tracker{db: db}
	if err := t.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return t, nil
}

func (t *Tracker) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id            TEXT PRIMARY KEY,
		tenant_id     TEXT NOT NULL,
		status        TEXT NOT NULL,
		chunk_count   INTEGER NOT NULL DEFAULT 0,
		namespace     TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		created_at    DATETIME NOT NULL,
		updated_at    DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS parent_chunks (
		tenant_id   TEXT NOT NULL,
		document_id TEXT NOT NULL,
		parent_id   TEXT NOT NULL,
		content     TEXT NOT NULL,
		metadata    TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (tenant_id, parent_id)
	);
	CREATE INDEX IF NOT EXISTS idx_parent_chunks_document
		ON parent_chunks (tenant_id, document_id);
	PRAGMA journal_mode=WAL;`

	if _, err := t.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize tracker schema: %w", err)
	}
	return nil
}

// Register creates or resets a document record in the pending state.
func (t *Tracker) Register(ctx context.Context, docID, tenantID, namespace string) error {
	now := time.Now().UTC()
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO documents (id, tenant_id, status, chunk_count, namespace, error_message, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, '', ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			chunk_count = 0,
			error_message = '',
			updated_at = excluded.updated_at`,
		docID, tenantID, domain.StatusPending, namespace, now, now)
	if err != nil {
		return fmt.Errorf("failed to register document %s: %w", docID, err)
	}
	return nil
}

// SetStatus records a status transition.
func (t *Tracker) SetStatus(ctx context.Context, docID string, status domain.DocumentStatus, chunkCount int, errMsg string) error {
	res, err := t.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, chunk_count = ?, error_message = ?, updated_at = ?
		WHERE id = ?`,
		status, chunkCount, errMsg, time.Now().UTC(), docID)
	if err != nil {
		return fmt.Errorf("failed to update document %s: %w", docID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrDocumentNotFound, docID)
	}
	return nil
}

// Get returns the current document record.
func (t *Tracker) Get(ctx context.Context, docID string) (*domain.Document, error) {
	row := t.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, status, chunk_count, namespace, error_message, created_at, updated_at
		FROM documents WHERE id = ?`, docID)

	var doc domain.Document
	var status string
	err := row.Scan(&doc.ID, &doc.TenantID, &status, &doc.ChunkCount,
		&doc.Namespace, &doc.ErrorMessage, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrDocumentNotFound, docID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", docID, err)
	}
	doc.Status = domain.DocumentStatus(status)
	return &doc, nil
}

// SaveParents replaces the parent rows for a document.
func (t *Tracker) SaveParents(ctx context.Context, parents []domain.ParentChunk) error {
	if len(parents) == 0 {
		return nil
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO parent_chunks (tenant_id, document_id, parent_id, content, metadata)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare parent insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range parents {
		meta, err := json.Marshal(p.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal parent metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, p.TenantID, p.DocumentID, p.ParentID, p.Content, string(meta)); err != nil {
			return fmt.Errorf("failed to save parent %s: %w", p.ParentID, err)
		}
	}
	return tx.Commit()
}

// GetParents resolves parent ids to their stored content for one tenant.
// Unknown ids are skipped; the caller decides whether that matters.
func (t *Tracker) GetParents(ctx context.Context, tenantID string, parentIDs []string) (map[string]domain.ParentChunk, error) {
	out := make(map[string]domain.ParentChunk, len(parentIDs))
	if len(parentIDs) == 0 {
		return out, nil
	}

	placeholders := strings.Repeat("?,", len(parentIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(parentIDs)+1)
	args = append(args, tenantID)
	for _, id := range parentIDs {
		args = append(args, id)
	}

	rows, err := t.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT tenant_id, document_id, parent_id, content, metadata
		FROM parent_chunks WHERE tenant_id = ? AND parent_id IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load parents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.ParentChunk
		var metaJSON string
		if err := rows.Scan(&p.TenantID, &p.DocumentID, &p.ParentID, &p.Content, &metaJSON); err != nil {
			return nil, fmt.Errorf("failed to scan parent: %w", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &p.Metadata); err != nil {
			p.Metadata = nil
		}
		out[p.ParentID] = p
	}
	return out, rows.Err()
}

// DeleteParents removes all parent rows of one (tenant, document) pair.
func (t *Tracker) DeleteParents(ctx context.Context, tenantID, documentID string) error {
	_, err := t.db.ExecContext(ctx,
		`DELETE FROM parent_chunks WHERE tenant_id = ? AND document_id = ?`, tenantID, documentID)
	if err != nil {
		return fmt.Errorf("failed to delete parents for %s: %w", documentID, err)
	}
	return nil
}

func (t *Tracker) Close() error {
	return t.db.Close()
}
