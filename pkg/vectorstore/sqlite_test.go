package vectorstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contexa/ragengine/pkg/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "vectors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func rec(chunkID, docID string, vec []float32) domain.VectorRecord {
	return domain.VectorRecord{
		ChunkID: chunkID,
		Vector:  vec,
		Metadata: map[string]string{
			"content":      "content of " + chunkID,
			MetaDocumentID: docID,
		},
	}
}

func TestSQLiteUpsertAndQuery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ns := Namespace("tenant-a")
	require.NoError(t, store.Upsert(ctx, ns, []domain.VectorRecord{
		rec("c1", "d1", []float32{1, 0, 0}),
		rec("c2", "d1", []float32{0, 1, 0}),
		rec("c3", "d1", []float32{0.9, 0.1, 0}),
	}))

	matches, err := store.Query(ctx, ns, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "c1", matches[0].ChunkID)
	assert.Equal(t, "c3", matches[1].ChunkID)
	assert.Greater(t, matches[0].Score, matches[1].Score)
	assert.Equal(t, "content of c1", matches[0].Content)
	assert.Equal(t, "d1", matches[0].Metadata[MetaDocumentID])
}

func TestSQLiteTenantIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	nsA := Namespace("tenant-a")
	nsB := Namespace("tenant-b")
	require.NoError(t, store.Upsert(ctx, nsA, []domain.VectorRecord{rec("a1", "d1", []float32{1, 0})}))
	require.NoError(t, store.Upsert(ctx, nsB, []domain.VectorRecord{rec("b1", "d2", []float32{1, 0})}))

	matches, err := store.Query(ctx, nsA, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "a1", matches[0].ChunkID)

	matches, err = store.Query(ctx, nsB, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "b1", matches[0].ChunkID)
}

func TestSQLiteUpsertReplacesDuplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ns := Namespace("tenant-a")

	require.NoError(t, store.Upsert(ctx, ns, []domain.VectorRecord{rec("c1", "d1", []float32{1, 0})}))
	require.NoError(t, store.Upsert(ctx, ns, []domain.VectorRecord{rec("c1", "d1", []float32{0, 1})}))

	matches, err := store.Query(ctx, ns, []float32{0, 1}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "c1", matches[0].ChunkID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-6)
}

func TestSQLiteDeleteByDocument(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ns := Namespace("tenant-a")

	require.NoError(t, store.Upsert(ctx, ns, []domain.VectorRecord{
		rec("c1", "d1", []float32{1, 0}),
		rec("c2", "d1", []float32{0, 1}),
		rec("c3", "d2", []float32{1, 1}),
	}))
	require.NoError(t, store.DeleteByDocument(ctx, ns, "d1"))

	matches, err := store.Query(ctx, ns, []float32{1, 1}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "c3", matches[0].ChunkID)
}

func TestSQLiteDeleteByChunkIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ns := Namespace("tenant-a")

	require.NoError(t, store.Upsert(ctx, ns, []domain.VectorRecord{
		rec("c1", "d1", []float32{1, 0}),
		rec("c2", "d1", []float32{0, 1}),
	}))
	require.NoError(t, store.DeleteByChunkIDs(ctx, ns, []string{"c1"}))

	matches, err := store.Query(ctx, ns, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "c2", matches[0].ChunkID)
}

func TestVectorRoundTrip(t *testing.T) {
	vec := []float32{0.5, -1.25, 3.75, 0}
	assert.Equal(t, vec, decodeVector(encodeVector(vec)))
}

func TestNamespaceSafeAndHashed(t *testing.T) {
	assert.Equal(t, "tenant_acme-1", Namespace("acme-1"))

	hashed := Namespace("weird tenant/!?")
	assert.NotEqual(t, hashed, Namespace("other tenant"))
	assert.Contains(t, hashed, "tenanth_")
	// stable
	assert.Equal(t, hashed, Namespace("weird tenant/!?"))
}
