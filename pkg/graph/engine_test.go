package graph

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contexa/ragengine/pkg/checkpoint"
	"github.com/contexa/ragengine/pkg/domain"
	"github.com/contexa/ragengine/pkg/embedding"
	"github.com/contexa/ragengine/pkg/events"
	"github.com/contexa/ragengine/pkg/retriever"
	"github.com/contexa/ragengine/pkg/tokens"
	"github.com/contexa/ragengine/pkg/vectorstore"
)

// fakeGenerator scripts Generate and Stream independently.
type fakeGenerator struct {
	generate func(prompt string) (string, error)
	stream   func(prompt string, cb func(string)) error
}

func (g *fakeGenerator) Generate(_ context.Context, prompt string, _ *domain.GenerationOptions) (string, error) {
	if g.generate == nil {
		return "ok", nil
	}
	return g.generate(prompt)
}

func (g *fakeGenerator) Stream(_ context.Context, prompt string, _ *domain.GenerationOptions, cb func(string)) error {
	if g.stream == nil {
		cb("answer")
		return nil
	}
	return g.stream(prompt, cb)
}

// fakeRetriever returns scripted chunks and counts calls.
type fakeRetriever struct {
	chunks []domain.RetrievedChunk
	err    error
	calls  atomic.Int32
}

func (r *fakeRetriever) Retrieve(context.Context, string, string) ([]domain.RetrievedChunk, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	return r.chunks, nil
}

type fakeParentLookup struct{}

func (fakeParentLookup) GetParents(_ context.Context, tenantID string, ids []string) (map[string]domain.ParentChunk, error) {
	out := map[string]domain.ParentChunk{}
	for _, id := range ids {
		out[id] = domain.ParentChunk{ParentID: id, TenantID: tenantID, Content: "parent content for " + id}
	}
	return out, nil
}

func goodChunks() []domain.RetrievedChunk {
	return []domain.RetrievedChunk{
		{ChunkID: "c1", ParentID: "p1", Content: "relevant passage one", Score: 0.8},
		{ChunkID: "c2", ParentID: "p2", Content: "relevant passage two", Score: 0.6},
	}
}

func testOptions() Options {
	return Options{
		MaxRetries:  2,
		ScoreFloor:  0.25,
		NodeRetries: 2,
		RetryDelay:  time.Millisecond,
		NodeTimeout: 5 * time.Second,
		RunTimeout:  10 * time.Second,
	}
}

func newTestEngine(gen *fakeGenerator, retr *fakeRetriever, opts Options) *Engine {
	nodes := NewNodes(gen, retr, nil, fakeParentLookup{}, opts)
	return NewEngine(nodes, checkpoint.NewMemory(), tokens.NewCounter(), opts)
}

func drain(t *testing.T, stream <-chan events.Event) (terminal events.Event, all []events.Event) {
	t.Helper()
	for ev := range stream {
		all = append(all, ev)
		if ev.Terminal() {
			terminal = ev
		}
	}
	require.NotEmpty(t, terminal.Type, "stream must end with a terminal event")
	return terminal, all
}

func TestConverseHappyPath(t *testing.T) {
	gen := &fakeGenerator{
		stream: func(prompt string, cb func(string)) error {
			cb("The answer ")
			cb("is replication.")
			return nil
		},
	}
	retr := &fakeRetriever{chunks: goodChunks()}
	e := newTestEngine(gen, retr, testOptions())

	stream, err := e.Converse(context.Background(), Request{TenantID: "tenant-a", Query: "how does it replicate?"})
	require.NoError(t, err)

	terminal, all := drain(t, stream)
	require.Equal(t, events.TypeComplete, terminal.Type)
	require.NotNil(t, terminal.Result)
	assert.Equal(t, "The answer is replication.", terminal.Result.Answer)
	assert.Len(t, terminal.Result.RetrievedChunks, 2)
	assert.Equal(t, 0, terminal.Result.RetryCount)
	assert.Greater(t, terminal.Result.TokensUsed, 0)
	assert.Equal(t, int32(1), retr.calls.Load())

	var sawChunk, sawProgress bool
	for _, ev := range all {
		if ev.Type == events.TypeChunk {
			sawChunk = true
		}
		if ev.Type == events.TypeNodeProgress && ev.Node == domain.NodeRetrieve {
			sawProgress = true
			assert.Equal(t, 100, ev.ProgressPercent)
		}
	}
	assert.True(t, sawChunk, "generation deltas must be streamed")
	assert.True(t, sawProgress, "retrieval must report quantified progress")

	trace := terminal.Result.NodeTrace
	assert.Contains(t, trace, domain.NodeRetrieve)
	assert.Contains(t, trace, domain.NodeGrade)
	assert.Contains(t, trace, domain.NodeGenerate)
	assert.NotContains(t, trace, domain.NodeRewrite)
}

func TestConverseValidatesInput(t *testing.T) {
	e := newTestEngine(&fakeGenerator{}, &fakeRetriever{}, testOptions())

	_, err := e.Converse(context.Background(), Request{TenantID: "t"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = e.Converse(context.Background(), Request{Query: "q"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestConverseExhaustedRetriesCompletesWithInsufficientAnswer(t *testing.T) {
	gen := &fakeGenerator{
		generate: func(prompt string) (string, error) {
			return "rewritten query", nil
		},
		stream: func(prompt string, cb func(string)) error {
			cb("Nothing relevant was found in the documents.")
			return nil
		},
	}
	retr := &fakeRetriever{} // always empty retrieval
	e := newTestEngine(gen, retr, testOptions())

	stream, err := e.Converse(context.Background(), Request{TenantID: "tenant-a", Query: "unknown topic"})
	require.NoError(t, err)

	terminal, _ := drain(t, stream)
	require.Equal(t, events.TypeComplete, terminal.Type, "exhausted retries end in a normal completion")
	require.NotNil(t, terminal.Result)
	assert.Equal(t, "Nothing relevant was found in the documents.", terminal.Result.Answer)
	assert.Equal(t, 2, terminal.Result.RetryCount)
	assert.Equal(t, int32(3), retr.calls.Load(), "initial attempt plus two bounded retries")
}

func TestConverseLowScoresTriggerRewriteLoop(t *testing.T) {
	gen := &fakeGenerator{
		generate: func(prompt string) (string, error) { return "better query", nil },
		stream: func(prompt string, cb func(string)) error {
			cb("fallback answer")
			return nil
		},
	}
	retr := &fakeRetriever{chunks: []domain.RetrievedChunk{
		{ChunkID: "c1", ParentID: "p1", Content: "barely related", Score: 0.05},
	}}
	e := newTestEngine(gen, retr, testOptions())

	stream, err := e.Converse(context.Background(), Request{TenantID: "tenant-a", Query: "q"})
	require.NoError(t, err)

	terminal, _ := drain(t, stream)
	require.Equal(t, events.TypeComplete, terminal.Type)
	assert.Equal(t, 2, terminal.Result.RetryCount)
	assert.Equal(t, int32(3), retr.calls.Load())
}

// The adequacy check must see real similarity scores, so this test runs the
// actual hybrid retriever over a sqlite store instead of a scripted fake.
func TestConverseGradesRealRetrievalAdequate(t *testing.T) {
	ctx := context.Background()
	embedder := embedding.NewStaticProvider(32)

	store, err := vectorstore.NewSQLiteStore(filepath.Join(t.TempDir(), "vectors.db"))
	require.NoError(t, err)
	defer store.Close()

	query := "how does replication keep replicas in sync"
	vec, err := embedder.Embed(ctx, query)
	require.NoError(t, err)
	ns := vectorstore.Namespace("tenant-a")
	require.NoError(t, store.Upsert(ctx, ns, []domain.VectorRecord{{
		TenantID:  "tenant-a",
		Namespace: ns,
		ChunkID:   "c1",
		Vector:    vec,
		Metadata: map[string]string{
			"content":                  query,
			vectorstore.MetaParentID:   "p1",
			vectorstore.MetaDocumentID: "doc-1",
			vectorstore.MetaTenantID:   "tenant-a",
		},
	}}))

	hybrid := retriever.NewHybrid(embedder, store, nil, retriever.Options{TopK: 5})
	gen := &fakeGenerator{
		stream: func(prompt string, cb func(string)) error {
			cb("replication answer")
			return nil
		},
	}
	opts := Options{RetryDelay: time.Millisecond} // keep the default score floor
	nodes := NewNodes(gen, hybrid, nil, fakeParentLookup{}, opts)
	e := NewEngine(nodes, checkpoint.NewMemory(), tokens.NewCounter(), opts)

	stream, err := e.Converse(ctx, Request{TenantID: "tenant-a", Query: query})
	require.NoError(t, err)

	terminal, _ := drain(t, stream)
	require.Equal(t, events.TypeComplete, terminal.Type)
	assert.Equal(t, "replication answer", terminal.Result.Answer)
	assert.Equal(t, 0, terminal.Result.RetryCount,
		"an exact-match retrieval must grade adequate at the default floor")
	assert.NotContains(t, terminal.Result.NodeTrace, domain.NodeRewrite)
	require.NotEmpty(t, terminal.Result.RetrievedChunks)
	assert.GreaterOrEqual(t, terminal.Result.RetrievedChunks[0].Score, 0.25)
}

func TestConverseRejectsConcurrentSession(t *testing.T) {
	release := make(chan struct{})
	gen := &fakeGenerator{
		stream: func(prompt string, cb func(string)) error {
			<-release
			cb("slow answer")
			return nil
		},
	}
	retr := &fakeRetriever{chunks: goodChunks()}
	e := newTestEngine(gen, retr, testOptions())

	stream, err := e.Converse(context.Background(), Request{SessionID: "s1", TenantID: "t", Query: "q"})
	require.NoError(t, err)

	// Wait for the run to be well inside generation.
	require.Eventually(t, func() bool {
		return retr.calls.Load() == 1
	}, time.Second, time.Millisecond)

	_, err = e.Converse(context.Background(), Request{SessionID: "s1", TenantID: "t", Query: "q2"})
	assert.ErrorIs(t, err, domain.ErrRunInFlight)

	close(release)
	terminal, _ := drain(t, stream)
	assert.Equal(t, events.TypeComplete, terminal.Type)

	// The session is free again once the run finished.
	stream2, err := e.Converse(context.Background(), Request{SessionID: "s1", TenantID: "t", Query: "q3"})
	require.NoError(t, err)
	drain(t, stream2)
}

func TestConverseTransientNodeErrorIsRetried(t *testing.T) {
	var attempts atomic.Int32
	retr := &fakeRetriever{chunks: goodChunks()}
	flaky := &flakyRetriever{inner: retr, attempts: &attempts, failures: 1}

	gen := &fakeGenerator{}
	opts := testOptions()
	nodes := NewNodes(gen, flaky, nil, fakeParentLookup{}, opts)
	e := NewEngine(nodes, checkpoint.NewMemory(), tokens.NewCounter(), opts)

	stream, err := e.Converse(context.Background(), Request{TenantID: "t", Query: "q"})
	require.NoError(t, err)

	terminal, _ := drain(t, stream)
	assert.Equal(t, events.TypeComplete, terminal.Type)
	assert.Equal(t, int32(2), attempts.Load(), "one transient failure then success")
}

type flakyRetriever struct {
	inner    Retriever
	attempts *atomic.Int32
	failures int32
}

func (f *flakyRetriever) Retrieve(ctx context.Context, tenantID, query string) ([]domain.RetrievedChunk, error) {
	n := f.attempts.Add(1)
	if n <= f.failures {
		return nil, fmt.Errorf("%w: connection reset", domain.ErrProviderTransient)
	}
	return f.inner.Retrieve(ctx, tenantID, query)
}

func TestConverseFatalNodeErrorEmitsErrorEvent(t *testing.T) {
	retr := &fakeRetriever{err: fmt.Errorf("%w: index gone", domain.ErrVectorStoreFailed)}
	e := newTestEngine(&fakeGenerator{}, retr, testOptions())

	stream, err := e.Converse(context.Background(), Request{TenantID: "t", Query: "q"})
	require.NoError(t, err)

	terminal, _ := drain(t, stream)
	require.Equal(t, events.TypeError, terminal.Type)
	assert.Equal(t, domain.NodeRetrieve, terminal.Node)
	assert.NotEmpty(t, terminal.Error)
	assert.Equal(t, int32(1), retr.calls.Load(), "fatal errors are not retried")
}

func TestResumeContinuesFromCursorWithoutReRetrieving(t *testing.T) {
	retr := &fakeRetriever{chunks: goodChunks()}
	gen := &fakeGenerator{
		stream: func(prompt string, cb func(string)) error {
			cb("resumed answer")
			return nil
		},
	}
	opts := testOptions()
	store := checkpoint.NewMemory()
	nodes := NewNodes(gen, retr, nil, fakeParentLookup{}, opts)
	e := NewEngine(nodes, store, tokens.NewCounter(), opts)

	state, err := checkpoint.EncodeState(&domain.ConversationState{
		Query:           "interrupted question",
		RetrievedChunks: goodChunks(),
	})
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), checkpoint.Record{
		RunID:     "run-9",
		SessionID: "sess-9",
		TenantID:  "tenant-a",
		State:     state,
		Cursor:    domain.NodeGrade,
		Status:    checkpoint.StatusRunning,
	}))

	stream, err := e.Resume(context.Background(), "run-9")
	require.NoError(t, err)

	terminal, _ := drain(t, stream)
	require.Equal(t, events.TypeComplete, terminal.Type)
	assert.Equal(t, "resumed answer", terminal.Result.Answer)
	assert.Equal(t, "run-9", terminal.RunID)
	assert.Equal(t, int32(0), retr.calls.Load(), "resuming after retrieval must not retrieve again")
}

func TestResumeUnknownRun(t *testing.T) {
	e := newTestEngine(&fakeGenerator{}, &fakeRetriever{}, testOptions())
	_, err := e.Resume(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestResumeCorruptCheckpoint(t *testing.T) {
	store := checkpoint.NewMemory()
	require.NoError(t, store.Save(context.Background(), checkpoint.Record{
		RunID: "run-bad", SessionID: "s", TenantID: "t",
		State:  []byte("{{{garbage"),
		Cursor: domain.NodeGrade,
		Status: checkpoint.StatusRunning,
	}))

	opts := testOptions()
	nodes := NewNodes(&fakeGenerator{}, &fakeRetriever{}, nil, fakeParentLookup{}, opts)
	e := NewEngine(nodes, store, tokens.NewCounter(), opts)

	_, err := e.Resume(context.Background(), "run-bad")
	assert.ErrorIs(t, err, domain.ErrCheckpointCorrupt)
}

func TestResumeFinishedRunRejected(t *testing.T) {
	store := checkpoint.NewMemory()
	state, err := checkpoint.EncodeState(&domain.ConversationState{Query: "done", Answer: "a"})
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), checkpoint.Record{
		RunID: "run-done", SessionID: "s", TenantID: "t",
		State: state, Cursor: domain.NodeTerminal, Status: checkpoint.StatusCompleted,
	}))

	opts := testOptions()
	nodes := NewNodes(&fakeGenerator{}, &fakeRetriever{}, nil, fakeParentLookup{}, opts)
	e := NewEngine(nodes, store, tokens.NewCounter(), opts)

	_, err = e.Resume(context.Background(), "run-done")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestAnalyzeQueryRewritesWithHistory(t *testing.T) {
	var analyzePrompts []string
	gen := &fakeGenerator{
		generate: func(prompt string) (string, error) {
			analyzePrompts = append(analyzePrompts, prompt)
			return "what is the capital of France", nil
		},
		stream: func(prompt string, cb func(string)) error {
			cb("Paris")
			return nil
		},
	}
	retr := &fakeRetriever{chunks: goodChunks()}
	e := newTestEngine(gen, retr, testOptions())

	stream, err := e.Converse(context.Background(), Request{
		TenantID: "t",
		Query:    "and what is its capital?",
		History: []domain.Message{
			{Role: "user", Content: "tell me about France"},
			{Role: "assistant", Content: "France is a country in Europe."},
		},
	})
	require.NoError(t, err)

	terminal, _ := drain(t, stream)
	require.Equal(t, events.TypeComplete, terminal.Type)
	require.NotEmpty(t, analyzePrompts, "history must trigger coreference resolution")
	assert.Contains(t, analyzePrompts[0], "tell me about France")
}
