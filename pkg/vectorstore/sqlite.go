package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/contexa/ragengine/pkg/domain"
)

// SQLiteStore is the embedded, disk-backed vector index. Vectors are stored
// as little-endian float32 blobs and similarity is a cosine scan over the
// namespace, which is fine at single-tenant document scale.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", domain.ErrVectorStoreFailed, err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS vectors (
		namespace   TEXT NOT NULL,
		chunk_id    TEXT NOT NULL,
		document_id TEXT NOT NULL DEFAULT '',
		vector      BLOB NOT NULL,
		content     TEXT NOT NULL DEFAULT '',
		metadata    TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (namespace, chunk_id)
	);
	CREATE INDEX IF NOT EXISTS idx_vectors_document
		ON vectors (namespace, document_id);
	PRAGMA journal_mode=WAL;`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("%w: failed to initialize schema: %v", domain.ErrVectorStoreFailed, err)
	}
	return nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, namespace string, records []domain.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrVectorStoreFailed, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO vectors (namespace, chunk_id, document_id, vector, content, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrVectorStoreFailed, err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if rec.ChunkID == "" {
			return fmt.Errorf("%w: record without chunk id", domain.ErrInvalidInput)
		}
		meta, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrVectorStoreFailed, err)
		}
		content := rec.Metadata["content"]
		if _, err := stmt.ExecContext(ctx, namespace, rec.ChunkID,
			rec.Metadata[MetaDocumentID], encodeVector(rec.Vector), content, string(meta)); err != nil {
			return fmt.Errorf("%w: failed to upsert chunk %s: %v", domain.ErrVectorStoreFailed, rec.ChunkID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrVectorStoreFailed, err)
	}
	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, namespace string, vector []float32, k int) ([]Match, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", domain.ErrInvalidInput)
	}
	if k <= 0 {
		k = 5
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_id, vector, content, metadata FROM vectors WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, fmt.Errorf("%w: query failed: %v", domain.ErrVectorStoreFailed, err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var chunkID, content, metaJSON string
		var blob []byte
		if err := rows.Scan(&chunkID, &blob, &content, &metaJSON); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrVectorStoreFailed, err)
		}
		candidate := decodeVector(blob)
		score := cosine(vector, candidate)
		if math.IsNaN(score) {
			continue
		}

		meta := map[string]string{}
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			meta = map[string]string{}
		}
		matches = append(matches, Match{
			ChunkID:  chunkID,
			Score:    score,
			Content:  content,
			Metadata: meta,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrVectorStoreFailed, err)
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (s *SQLiteStore) DeleteByDocument(ctx context.Context, namespace, documentID string) error {
	if documentID == "" {
		return fmt.Errorf("%w: empty document id", domain.ErrInvalidInput)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM vectors WHERE namespace = ? AND document_id = ?`, namespace, documentID); err != nil {
		return fmt.Errorf("%w: delete failed: %v", domain.ErrVectorStoreFailed, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteByChunkIDs(ctx context.Context, namespace string, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(chunkIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(chunkIDs)+1)
	args = append(args, namespace)
	for _, id := range chunkIDs {
		args = append(args, id)
	}
	query := fmt.Sprintf(`DELETE FROM vectors WHERE namespace = ? AND chunk_id IN (%s)`, placeholders)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: delete failed: %v", domain.ErrVectorStoreFailed, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(blob []byte) []float32 {
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.NaN()
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return math.NaN()
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
