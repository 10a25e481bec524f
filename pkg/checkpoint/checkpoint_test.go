package checkpoint

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contexa/ragengine/pkg/domain"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLite(filepath.Join(t.TempDir(), "ckpt.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func testState(query string) json.RawMessage {
	state, err := EncodeState(&domain.ConversationState{Query: query, RetryCount: 1})
	if err != nil {
		panic(err)
	}
	return state
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := Record{
				RunID:     "run-1",
				SessionID: "sess-1",
				TenantID:  "tenant-a",
				State:     testState("what is raft"),
				Cursor:    domain.NodeGrade,
				Status:    StatusRunning,
			}
			require.NoError(t, store.Save(ctx, rec))

			got, err := store.Load(ctx, "run-1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "sess-1", got.SessionID)
			assert.Equal(t, "tenant-a", got.TenantID)
			assert.Equal(t, domain.NodeGrade, got.Cursor)
			assert.Equal(t, StatusRunning, got.Status)
			assert.False(t, got.UpdatedAt.IsZero())

			state, err := got.DecodeState()
			require.NoError(t, err)
			assert.Equal(t, "what is raft", state.Query)
			assert.Equal(t, 1, state.RetryCount)
		})
	}
}

func TestSaveReplacesPreviousSnapshot(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := Record{RunID: "run-1", SessionID: "s", TenantID: "t", State: testState("q"), Cursor: domain.NodeRetrieve, Status: StatusRunning}
			require.NoError(t, store.Save(ctx, rec))

			rec.Cursor = domain.NodeGenerate
			require.NoError(t, store.Save(ctx, rec))

			got, err := store.Load(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, domain.NodeGenerate, got.Cursor, "a run holds exactly one snapshot")
		})
	}
}

func TestLoadLatestPicksNewestRunOfSession(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			old := Record{RunID: "run-old", SessionID: "s1", TenantID: "t", State: testState("q"),
				Cursor: domain.NodeTerminal, Status: StatusCompleted, UpdatedAt: time.Now().Add(-time.Hour)}
			newer := Record{RunID: "run-new", SessionID: "s1", TenantID: "t", State: testState("q2"),
				Cursor: domain.NodeGrade, Status: StatusRunning, UpdatedAt: time.Now()}
			other := Record{RunID: "run-x", SessionID: "s2", TenantID: "t", State: testState("q3"),
				Cursor: domain.NodeRetrieve, Status: StatusRunning, UpdatedAt: time.Now()}
			require.NoError(t, store.Save(ctx, old))
			require.NoError(t, store.Save(ctx, newer))
			require.NoError(t, store.Save(ctx, other))

			got, err := store.LoadLatest(ctx, "s1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "run-new", got.RunID)
		})
	}
}

func TestLoadMissingReturnsNil(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			got, err := store.Load(context.Background(), "nope")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestPruneKeepsRunningRuns(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			stale := time.Now().Add(-48 * time.Hour)
			require.NoError(t, store.Save(ctx, Record{RunID: "done-old", SessionID: "s", TenantID: "t",
				State: testState("q"), Cursor: domain.NodeTerminal, Status: StatusCompleted, UpdatedAt: stale}))
			require.NoError(t, store.Save(ctx, Record{RunID: "running-old", SessionID: "s", TenantID: "t",
				State: testState("q"), Cursor: domain.NodeGrade, Status: StatusRunning, UpdatedAt: stale}))
			require.NoError(t, store.Save(ctx, Record{RunID: "done-fresh", SessionID: "s", TenantID: "t",
				State: testState("q"), Cursor: domain.NodeTerminal, Status: StatusCompleted}))

			n, err := store.Prune(ctx, 24*time.Hour)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			got, err := store.Load(ctx, "running-old")
			require.NoError(t, err)
			assert.NotNil(t, got, "in-progress runs are never pruned")

			got, err = store.Load(ctx, "done-old")
			require.NoError(t, err)
			assert.Nil(t, got)

			got, err = store.Load(ctx, "done-fresh")
			require.NoError(t, err)
			assert.NotNil(t, got)
		})
	}
}

func TestDelete(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Save(ctx, Record{RunID: "run-1", SessionID: "s", TenantID: "t",
				State: testState("q"), Cursor: domain.NodeRetrieve, Status: StatusRunning}))
			require.NoError(t, store.Delete(ctx, "run-1"))

			got, err := store.Load(ctx, "run-1")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestDecodeStateCorrupt(t *testing.T) {
	rec := &Record{State: []byte("{not json")}
	_, err := rec.DecodeState()
	assert.ErrorIs(t, err, domain.ErrCheckpointCorrupt)

	rec = &Record{State: []byte(`{"retry_count": 2}`)}
	_, err = rec.DecodeState()
	assert.ErrorIs(t, err, domain.ErrCheckpointCorrupt, "a snapshot without a query is unusable")
}
