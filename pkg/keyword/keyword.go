// Package keyword provides the lexical leg of hybrid retrieval: a bleve
// full-text index over child chunks, partitioned by tenant. Absence of a
// keyword index is a valid configuration; retrieval degrades to vector-only.
package keyword

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/blevesearch/bleve/v2"
	keywordanalyzer "github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/contexa/ragengine/pkg/domain"
)

// Entry is one indexed chunk.
type Entry struct {
	ChunkID    string `json:"chunk_id"`
	TenantID   string `json:"tenant_id"`
	DocumentID string `json:"document_id"`
	ParentID   string `json:"parent_id"`
	Content    string `json:"content"`
}

// Hit is one full-text match.
type Hit struct {
	ChunkID    string
	ParentID   string
	DocumentID string
	Content    string
	Score      float64
}

// Store wraps a single bleve index shared by all tenants; every query is
// filtered by tenant id so one tenant never sees another's chunks.
type Store struct {
	path  string
	mu    sync.RWMutex
	index bleve.Index
}

func Open(path string) (*Store, error) {
	index, err := openOrCreate(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open keyword index: %w", err)
	}
	return &Store{path: path, index: index}, nil
}

func openOrCreate(path string) (bleve.Index, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return bleve.New(path, indexMapping())
	}
	return bleve.Open(path)
}

// indexMapping analyzes content for full-text search while keeping the id
// fields as exact terms, so tenant and document filters match literally.
func indexMapping() mapping.IndexMapping {
	ids := bleve.NewTextFieldMapping()
	ids.Analyzer = keywordanalyzer.Name
	ids.Store = true

	content := bleve.NewTextFieldMapping()
	content.Store = true

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("chunk_id", ids)
	doc.AddFieldMappingsAt("tenant_id", ids)
	doc.AddFieldMappingsAt("document_id", ids)
	doc.AddFieldMappingsAt("parent_id", ids)
	doc.AddFieldMappingsAt("content", content)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

// Index adds or replaces entries, keyed by chunk id.
func (s *Store) Index(ctx context.Context, entries []Entry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.index == nil {
		return fmt.Errorf("keyword index is closed")
	}

	batch := s.index.NewBatch()
	for _, e := range entries {
		if e.ChunkID == "" {
			return fmt.Errorf("%w: entry without chunk id", domain.ErrInvalidInput)
		}
		if err := batch.Index(e.ChunkID, e); err != nil {
			return err
		}
	}
	return s.index.Batch(batch)
}

// Search runs a full-text match query scoped to one tenant.
func (s *Store) Search(ctx context.Context, tenantID, query string, topK int) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.index == nil {
		return nil, fmt.Errorf("keyword index is closed")
	}

	match := bleve.NewMatchQuery(query)
	match.SetField("content")

	tenant := bleve.NewTermQuery(tenantID)
	tenant.SetField("tenant_id")

	conj := bleve.NewConjunctionQuery(match, tenant)
	req := bleve.NewSearchRequest(conj)
	req.Size = topK
	req.Fields = []string{"chunk_id", "parent_id", "document_id", "content"}

	result, err := s.index.Search(req)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(result.Hits))
	for _, h := range result.Hits {
		hit := Hit{ChunkID: h.ID, Score: h.Score}
		if v, ok := h.Fields["content"].(string); ok {
			hit.Content = v
		}
		if v, ok := h.Fields["parent_id"].(string); ok {
			hit.ParentID = v
		}
		if v, ok := h.Fields["document_id"].(string); ok {
			hit.DocumentID = v
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// DeleteDocument removes every entry of a (tenant, document) pair.
func (s *Store) DeleteDocument(ctx context.Context, tenantID, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index == nil {
		return fmt.Errorf("keyword index is closed")
	}

	doc := bleve.NewTermQuery(documentID)
	doc.SetField("document_id")
	tenant := bleve.NewTermQuery(tenantID)
	tenant.SetField("tenant_id")

	req := bleve.NewSearchRequest(bleve.NewConjunctionQuery(doc, tenant))
	req.Size = 10000

	result, err := s.index.Search(req)
	if err != nil {
		return err
	}

	batch := s.index.NewBatch()
	for _, hit := range result.Hits {
		batch.Delete(hit.ID)
	}
	return s.index.Batch(batch)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index != nil {
		err := s.index.Close()
		s.index = nil
		return err
	}
	return nil
}
