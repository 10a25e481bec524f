// Package ingest turns raw uploaded documents into indexed, retrievable
// chunks: extract, clean, parent-child split, embed, index. Each step has
// isolated error capture; a failed run never leaves partial vectors live.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/contexa/ragengine/pkg/cleaner"
	"github.com/contexa/ragengine/pkg/domain"
	"github.com/contexa/ragengine/pkg/extract"
	"github.com/contexa/ragengine/pkg/keyword"
	"github.com/contexa/ragengine/pkg/log"
	"github.com/contexa/ragengine/pkg/splitter"
	"github.com/contexa/ragengine/pkg/vectorstore"
)

var logger = log.WithModule("ingest")

// Options tune pipeline behavior.
type Options struct {
	ParentChunkSize int
	ChildChunkSize  int
	ChildOverlap    int
	MinParentSize   int
	MinChildSize    int
	EmbedBatchSize  int
	EmbedRetries    int
	RetryDelay      time.Duration
}

func (o *Options) defaults() {
	if o.ParentChunkSize <= 0 {
		o.ParentChunkSize = 1200
	}
	if o.ChildChunkSize <= 0 {
		o.ChildChunkSize = 300
	}
	if o.EmbedBatchSize <= 0 {
		o.EmbedBatchSize = 32
	}
	if o.EmbedRetries <= 0 {
		o.EmbedRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 500 * time.Millisecond
	}
}

// Pipeline orchestrates one document through the full ingestion flow.
// Keywords may be nil: hybrid retrieval then degrades to vector-only.
type Pipeline struct {
	embedder domain.Embedder
	vectors  vectorstore.Store
	keywords *keyword.Store
	tracker  *Tracker
	split    *splitter.Splitter
	opts     Options
}

func NewPipeline(embedder domain.Embedder, vectors vectorstore.Store, keywords *keyword.Store, tracker *Tracker, opts Options) (*Pipeline, error) {
	opts.defaults()
	split, err := splitter.New(splitter.Options{
		ParentSize:   opts.ParentChunkSize,
		ChildSize:    opts.ChildChunkSize,
		ChildOverlap: opts.ChildOverlap,
		MinParent:    opts.MinParentSize,
		MinChild:     opts.MinChildSize,
	})
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		embedder: embedder,
		vectors:  vectors,
		keywords: keywords,
		tracker:  tracker,
		split:    split,
		opts:     opts,
	}, nil
}

// Ingest runs the full pipeline for one document. Re-ingesting the same
// document id first deletes prior vectors (delete-before-insert), so the
// operation is idempotent with respect to duplicates.
func (p *Pipeline) Ingest(ctx context.Context, docID, tenantID string, raw []byte, contentType string) (*domain.DocumentResult, error) {
	namespace := vectorstore.Namespace(tenantID)

	if err := p.tracker.SetStatus(ctx, docID, domain.StatusProcessing, 0, ""); err != nil {
		return nil, err
	}

	result, err := p.run(ctx, docID, tenantID, namespace, raw, contentType)
	if err != nil {
		logger.Error("ingestion failed", "document_id", docID, "tenant_id", tenantID, "error", err)
		// Roll back anything this attempt wrote so no partial index stays
		// live. Delete-before-insert makes the rollback idempotent.
		if cleanupErr := p.purge(ctx, docID, tenantID, namespace); cleanupErr != nil {
			logger.Error("rollback after failed ingestion also failed",
				"document_id", docID, "error", cleanupErr)
			err = fmt.Errorf("%w (rollback failed: %v)", err, cleanupErr)
		}
		if statusErr := p.tracker.SetStatus(ctx, docID, domain.StatusError, 0, err.Error()); statusErr != nil {
			logger.Error("failed to record error status", "document_id", docID, "error", statusErr)
		}
		return &domain.DocumentResult{
			DocumentID:   docID,
			Status:       domain.StatusError,
			ErrorMessage: err.Error(),
		}, err
	}

	if err := p.tracker.SetStatus(ctx, docID, domain.StatusActive, result.ChunkCount, ""); err != nil {
		return nil, err
	}
	logger.Info("document ingested", "document_id", docID, "tenant_id", tenantID, "chunks", result.ChunkCount)
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, docID, tenantID, namespace string, raw []byte, contentType string) (*domain.DocumentResult, error) {
	// Extract + clean.
	text, err := extract.Text(raw, contentType)
	if err != nil {
		return nil, err
	}
	text, err = cleaner.Clean(text, cleaner.DefaultOptions())
	if err != nil {
		return nil, err
	}

	// Split into parent spans and child chunks.
	split, err := p.split.Split(tenantID, docID, text)
	if err != nil {
		return nil, err
	}

	// Embed children in bounded batches with per-batch retries.
	texts := make([]string, len(split.Children))
	for i, c := range split.Children {
		texts[i] = c.Content
	}
	vectors, err := p.embedAll(ctx, texts)
	if err != nil {
		return nil, err
	}

	// Delete-before-insert: drop any vectors a prior version of this
	// document left behind, then write the new generation.
	if err := p.purge(ctx, docID, tenantID, namespace); err != nil {
		return nil, fmt.Errorf("%w: pre-insert cleanup failed: %v", domain.ErrIndexInconsistent, err)
	}

	records := make([]domain.VectorRecord, len(split.Children))
	entries := make([]keyword.Entry, len(split.Children))
	for i, c := range split.Children {
		records[i] = domain.VectorRecord{
			TenantID:  tenantID,
			Namespace: namespace,
			ChunkID:   c.ID,
			Vector:    vectors[i],
			Metadata: map[string]string{
				"content":                  c.Content,
				vectorstore.MetaDocumentID: docID,
				vectorstore.MetaParentID:   c.ParentID,
				vectorstore.MetaTenantID:   tenantID,
			},
		}
		entries[i] = keyword.Entry{
			ChunkID:    c.ID,
			TenantID:   tenantID,
			DocumentID: docID,
			ParentID:   c.ParentID,
			Content:    c.Content,
		}
	}

	if err := p.vectors.Upsert(ctx, namespace, records); err != nil {
		return nil, err
	}
	if err := p.tracker.SaveParents(ctx, split.Parents); err != nil {
		return nil, fmt.Errorf("%w: parent mapping write failed: %v", domain.ErrIndexInconsistent, err)
	}
	if p.keywords != nil {
		if err := p.keywords.Index(ctx, entries); err != nil {
			// The lexical index is an optimization, not ground truth.
			logger.Warn("keyword indexing failed, continuing without lexical entries",
				"document_id", docID, "error", err)
		}
	}

	return &domain.DocumentResult{
		DocumentID: docID,
		Status:     domain.StatusActive,
		ChunkCount: len(split.Children),
	}, nil
}

// embedAll batches child texts through the embedding provider. A failed
// batch is retried alone up to the retry budget before failing the whole
// document.
func (p *Pipeline) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.opts.EmbedBatchSize {
		end := start + p.opts.EmbedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		var vectors [][]float32
		var err error
		for attempt := 0; attempt < p.opts.EmbedRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(p.opts.RetryDelay * time.Duration(attempt)):
				}
			}
			vectors, err = p.embedder.EmbedBatch(ctx, batch)
			if err == nil {
				break
			}
			if !domain.IsTransient(err) && !errors.Is(err, context.DeadlineExceeded) {
				// Validation and fatal provider errors do not improve with
				// retries.
				break
			}
			logger.Warn("embedding batch failed, retrying",
				"attempt", attempt+1, "batch_start", start, "error", err)
		}
		if err != nil {
			return nil, fmt.Errorf("embedding batch starting at %d exhausted retries: %w", start, err)
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// purge removes every indexed artifact of a document: vectors, keyword
// entries, and parent rows. Scoped strictly to (tenant, document).
func (p *Pipeline) purge(ctx context.Context, docID, tenantID, namespace string) error {
	if err := p.vectors.DeleteByDocument(ctx, namespace, docID); err != nil {
		return err
	}
	if p.keywords != nil {
		if err := p.keywords.DeleteDocument(ctx, tenantID, docID); err != nil {
			return err
		}
	}
	return p.tracker.DeleteParents(ctx, tenantID, docID)
}

// Delete removes all vectors and parent mappings for a document and marks it
// deleted.
func (p *Pipeline) Delete(ctx context.Context, docID, tenantID string) error {
	namespace := vectorstore.Namespace(tenantID)
	if err := p.purge(ctx, docID, tenantID, namespace); err != nil {
		return err
	}
	if err := p.tracker.SetStatus(ctx, docID, domain.StatusDeleted, 0, ""); err != nil && !errors.Is(err, domain.ErrDocumentNotFound) {
		return err
	}
	logger.Info("document deleted", "document_id", docID, "tenant_id", tenantID)
	return nil
}
