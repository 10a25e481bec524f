// Package vectorstore defines the vector index strategy and its two
// interchangeable backends: an embedded sqlite store and a remote qdrant
// service. Callers depend only on the Store contract; backend selection is a
// configuration decision.
package vectorstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/contexa/ragengine/pkg/domain"
)

// Match is one similarity query hit.
type Match struct {
	ChunkID  string
	Score    float64
	Content  string
	Metadata map[string]string
}

// Store is the vector index strategy. Every operation is scoped to a
// namespace; records from one namespace are never visible through another.
type Store interface {
	Upsert(ctx context.Context, namespace string, records []domain.VectorRecord) error
	Query(ctx context.Context, namespace string, vector []float32, k int) ([]Match, error)
	DeleteByDocument(ctx context.Context, namespace, documentID string) error
	DeleteByChunkIDs(ctx context.Context, namespace string, chunkIDs []string) error
	Close() error
}

// Metadata keys with fixed meaning across backends.
const (
	MetaDocumentID = "document_id"
	MetaParentID   = "parent_id"
	MetaTenantID   = "tenant_id"
)

// Namespace derives the per-tenant namespace deterministically. Safe tenant
// ids (letters, digits, dash, underscore) pass through readably; anything
// else is replaced by the hex digest of the raw id so distinct tenants can
// never collide.
func Namespace(tenantID string) string {
	safe := true
	for _, r := range tenantID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			safe = false
		}
	}
	if tenantID != "" && safe {
		return "tenant_" + tenantID
	}
	sum := sha256.Sum256([]byte(tenantID))
	return "tenanth_" + hex.EncodeToString(sum[:16])
}

// Config selects and parameterizes a backend.
type Config struct {
	Backend    string // "sqlite" or "qdrant"
	DBPath     string
	QdrantURL  string
	VectorSize int
}

// New builds the configured backend.
func New(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return NewSQLiteStore(cfg.DBPath)
	case "qdrant":
		return NewQdrantStore(cfg.QdrantURL, uint64(cfg.VectorSize))
	default:
		return nil, fmt.Errorf("%w: unknown vector store backend %q", domain.ErrConfigurationError, cfg.Backend)
	}
}
