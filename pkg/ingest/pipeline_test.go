package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contexa/ragengine/pkg/domain"
	"github.com/contexa/ragengine/pkg/embedding"
	"github.com/contexa/ragengine/pkg/vectorstore"
)

// flakyEmbedder fails the first n EmbedBatch calls with a transient error.
type flakyEmbedder struct {
	inner    domain.Embedder
	failures int
	calls    int
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.inner.Embed(ctx, text)
}

func (f *flakyEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, fmt.Errorf("%w: rate limited", domain.ErrProviderTransient)
	}
	return f.inner.EmbedBatch(ctx, texts)
}

type pipelineFixture struct {
	pipeline *Pipeline
	tracker  *Tracker
	vectors  *vectorstore.SQLiteStore
}

func newFixture(t *testing.T, embedder domain.Embedder) *pipelineFixture {
	t.Helper()
	dir := t.TempDir()

	vectors, err := vectorstore.NewSQLiteStore(filepath.Join(dir, "vectors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { vectors.Close() })

	tracker, err := NewTracker(filepath.Join(dir, "tracker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { tracker.Close() })

	pipeline, err := NewPipeline(embedder, vectors, nil, tracker, Options{
		ParentChunkSize: 400,
		ChildChunkSize:  100,
		ChildOverlap:    20,
		EmbedBatchSize:  8,
		EmbedRetries:    3,
		RetryDelay:      time.Millisecond,
	})
	require.NoError(t, err)

	return &pipelineFixture{pipeline: pipeline, tracker: tracker, vectors: vectors}
}

func sampleDoc() []byte {
	var b strings.Builder
	for p := 0; p < 3; p++ {
		for s := 0; s < 12; s++ {
			fmt.Fprintf(&b, "Paragraph %d sentence %d talks about storage engines and retrieval quality. ", p, s)
		}
		b.WriteString("\n\n")
	}
	return []byte(b.String())
}

func (f *pipelineFixture) vectorCount(t *testing.T, tenantID string) int {
	t.Helper()
	probe := make([]float32, 16)
	probe[0] = 1
	matches, err := f.vectors.Query(context.Background(), vectorstore.Namespace(tenantID), probe, 10000)
	require.NoError(t, err)
	return len(matches)
}

func TestIngestHappyPath(t *testing.T) {
	f := newFixture(t, embedding.NewStaticProvider(16))
	ctx := context.Background()

	require.NoError(t, f.tracker.Register(ctx, "doc-1", "tenant-a", vectorstore.Namespace("tenant-a")))
	res, err := f.pipeline.Ingest(ctx, "doc-1", "tenant-a", sampleDoc(), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, res.Status)
	assert.Greater(t, res.ChunkCount, 1)

	doc, err := f.tracker.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, doc.Status)
	assert.Equal(t, res.ChunkCount, doc.ChunkCount)
	assert.Equal(t, res.ChunkCount, f.vectorCount(t, "tenant-a"))
}

func TestReIngestIsIdempotent(t *testing.T) {
	f := newFixture(t, embedding.NewStaticProvider(16))
	ctx := context.Background()

	require.NoError(t, f.tracker.Register(ctx, "doc-1", "tenant-a", vectorstore.Namespace("tenant-a")))
	first, err := f.pipeline.Ingest(ctx, "doc-1", "tenant-a", sampleDoc(), "text/plain")
	require.NoError(t, err)

	second, err := f.pipeline.Ingest(ctx, "doc-1", "tenant-a", sampleDoc(), "text/plain")
	require.NoError(t, err)

	assert.Equal(t, first.ChunkCount, second.ChunkCount)
	assert.Equal(t, second.ChunkCount, f.vectorCount(t, "tenant-a"),
		"re-ingestion must not leave duplicate vectors")
}

func TestIngestTransientEmbedFailureRecovers(t *testing.T) {
	flaky := &flakyEmbedder{inner: embedding.NewStaticProvider(16), failures: 2}
	f := newFixture(t, flaky)
	ctx := context.Background()

	require.NoError(t, f.tracker.Register(ctx, "doc-1", "tenant-a", vectorstore.Namespace("tenant-a")))
	res, err := f.pipeline.Ingest(ctx, "doc-1", "tenant-a", sampleDoc(), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, res.Status)
	assert.GreaterOrEqual(t, flaky.calls, 3)
}

func TestIngestExhaustedEmbedRetriesFailsCleanly(t *testing.T) {
	flaky := &flakyEmbedder{inner: embedding.NewStaticProvider(16), failures: 1000}
	f := newFixture(t, flaky)
	ctx := context.Background()

	require.NoError(t, f.tracker.Register(ctx, "doc-1", "tenant-a", vectorstore.Namespace("tenant-a")))
	_, err := f.pipeline.Ingest(ctx, "doc-1", "tenant-a", sampleDoc(), "text/plain")
	require.Error(t, err)

	doc, err := f.tracker.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, doc.Status)
	assert.NotEmpty(t, doc.ErrorMessage)
	assert.Equal(t, 0, f.vectorCount(t, "tenant-a"), "failed ingestion must leave no partial vectors")
}

func TestIngestInvalidContentType(t *testing.T) {
	f := newFixture(t, embedding.NewStaticProvider(16))
	ctx := context.Background()

	require.NoError(t, f.tracker.Register(ctx, "doc-1", "tenant-a", vectorstore.Namespace("tenant-a")))
	_, err := f.pipeline.Ingest(ctx, "doc-1", "tenant-a", []byte("data"), "application/x-unknown")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestDeletePurgesEverything(t *testing.T) {
	f := newFixture(t, embedding.NewStaticProvider(16))
	ctx := context.Background()

	require.NoError(t, f.tracker.Register(ctx, "doc-1", "tenant-a", vectorstore.Namespace("tenant-a")))
	_, err := f.pipeline.Ingest(ctx, "doc-1", "tenant-a", sampleDoc(), "text/plain")
	require.NoError(t, err)
	require.Greater(t, f.vectorCount(t, "tenant-a"), 0)

	require.NoError(t, f.pipeline.Delete(ctx, "doc-1", "tenant-a"))

	assert.Equal(t, 0, f.vectorCount(t, "tenant-a"))
	doc, err := f.tracker.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeleted, doc.Status)
}

func TestServiceRejectsConcurrentSameDocument(t *testing.T) {
	f := newFixture(t, embedding.NewStaticProvider(16))
	svc := NewService(f.pipeline, f.tracker, 1)
	defer svc.Shutdown()
	ctx := context.Background()

	svc.mu.Lock()
	svc.inFlight["doc-1"] = struct{}{}
	svc.mu.Unlock()

	_, err := svc.ProcessContent(ctx, "doc-1", "tenant-a", sampleDoc(), "text/plain")
	assert.ErrorIs(t, err, domain.ErrIngestInFlight)
}
