package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/contexa/ragengine/pkg/checkpoint"
	"github.com/contexa/ragengine/pkg/domain"
	"github.com/contexa/ragengine/pkg/events"
	"github.com/contexa/ragengine/pkg/log"
	"github.com/contexa/ragengine/pkg/tokens"
)

// Options tune graph execution.
type Options struct {
	MaxRetries      int     // rewrite loop budget
	ScoreFloor      float64 // minimum best similarity considered adequate
	UseGrader       bool    // additionally ask the model for a yes/no grade
	RerankEnabled   bool
	RerankTopN      int
	RerankThreshold *float64
	NodeRetries     int           // transient-error retries per node
	RetryDelay      time.Duration // base backoff between node retries
	NodeTimeout     time.Duration
	RunTimeout      time.Duration
}

func (o *Options) normalize() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 2
	}
	if o.ScoreFloor == 0 {
		o.ScoreFloor = 0.25
	}
	if o.RerankTopN <= 0 {
		o.RerankTopN = 5
	}
	if o.NodeRetries <= 0 {
		o.NodeRetries = 2
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 500 * time.Millisecond
	}
	if o.NodeTimeout <= 0 {
		o.NodeTimeout = 60 * time.Second
	}
	if o.RunTimeout <= 0 {
		o.RunTimeout = 5 * time.Minute
	}
}

// Request starts one conversation run.
type Request struct {
	SessionID string
	TenantID  string
	Query     string
	History   []domain.Message
}

// Run is the live execution of one request. Exactly one goroutine owns it.
type Run struct {
	RunID     string
	SessionID string
	TenantID  string
	State     *domain.ConversationState

	emitter *events.Emitter
}

// Emit publishes a best-effort progress event for the run.
func (r *Run) Emit(typ events.Type, node domain.NodeKind, detail string) {
	r.emitter.Publish(events.Event{Type: typ, RunID: r.RunID, Node: node, Detail: detail})
}

// EmitProgress publishes a node_progress event with a completion percentage.
func (r *Run) EmitProgress(node domain.NodeKind, percent int, detail string) {
	r.emitter.Publish(events.Event{
		Type:            events.TypeNodeProgress,
		RunID:           r.RunID,
		Node:            node,
		Detail:          detail,
		ProgressPercent: percent,
	})
}

// EmitChunk publishes one generation delta.
func (r *Run) EmitChunk(delta string) {
	r.emitter.Publish(events.Event{Type: events.TypeChunk, RunID: r.RunID, Chunk: delta})
}

// Engine drives conversation runs through the node graph with checkpointed
// transitions. One run per session may be active at a time.
type Engine struct {
	nodes       *Nodes
	checkpoints checkpoint.Store
	counter     *tokens.Counter
	opts        Options
	logger      *log.Logger

	mu       sync.Mutex
	sessions map[string]string // session id -> active run id
}

func NewEngine(nodes *Nodes, checkpoints checkpoint.Store, counter *tokens.Counter, opts Options) *Engine {
	opts.normalize()
	return &Engine{
		nodes:       nodes,
		checkpoints: checkpoints,
		counter:     counter,
		opts:        opts,
		logger:      log.WithModule("graph"),
		sessions:    make(map[string]string),
	}
}

// Converse starts a new run for the session and returns its event stream.
// The stream always ends with exactly one terminal event. A session with a
// run already in flight is rejected with ErrRunInFlight.
func (e *Engine) Converse(ctx context.Context, req Request) (<-chan events.Event, error) {
	if req.Query == "" || req.TenantID == "" {
		return nil, fmt.Errorf("%w: query and tenant id are required", domain.ErrInvalidInput)
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	run := &Run{
		RunID:     uuid.NewString(),
		SessionID: req.SessionID,
		TenantID:  req.TenantID,
		State: &domain.ConversationState{
			Query:   req.Query,
			History: req.History,
		},
		emitter: events.NewEmitter(256),
	}
	if err := e.acquire(run.SessionID, run.RunID); err != nil {
		return nil, err
	}

	go e.execute(ctx, run, domain.NodeStart)
	return run.emitter.Events(), nil
}

// Resume continues an interrupted run from its latest checkpoint. A corrupt
// checkpoint restarts the run from the beginning rather than failing it.
func (e *Engine) Resume(ctx context.Context, runID string) (<-chan events.Event, error) {
	rec, err := e.checkpoints.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: run %s has no checkpoint", domain.ErrInvalidInput, runID)
	}

	cursor := rec.Cursor
	state, err := rec.DecodeState()
	if err != nil {
		if !errors.Is(err, domain.ErrCheckpointCorrupt) {
			return nil, err
		}
		// Salvage the original query if the snapshot still holds one and
		// restart from scratch; otherwise nothing is recoverable.
		var partial struct {
			Query string `json:"query"`
		}
		_ = json.Unmarshal(rec.State, &partial)
		if partial.Query == "" {
			return nil, fmt.Errorf("%w: run %s", domain.ErrCheckpointCorrupt, runID)
		}
		e.logger.Warn("checkpoint corrupt, restarting run from the beginning", "run_id", runID)
		state = &domain.ConversationState{Query: partial.Query}
		cursor = domain.NodeStart
	}
	if cursor.Terminal() {
		return nil, fmt.Errorf("%w: run %s already finished", domain.ErrInvalidInput, runID)
	}

	run := &Run{
		RunID:     rec.RunID,
		SessionID: rec.SessionID,
		TenantID:  rec.TenantID,
		State:     state,
		emitter:   events.NewEmitter(256),
	}
	if err := e.acquire(run.SessionID, run.RunID); err != nil {
		return nil, err
	}

	go e.execute(ctx, run, cursor)
	return run.emitter.Events(), nil
}

func (e *Engine) acquire(sessionID, runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if active, busy := e.sessions[sessionID]; busy {
		return fmt.Errorf("%w: session %s is running %s", domain.ErrRunInFlight, sessionID, active)
	}
	e.sessions[sessionID] = runID
	return nil
}

func (e *Engine) release(sessionID string) {
	e.mu.Lock()
	delete(e.sessions, sessionID)
	e.mu.Unlock()
}

// execute is the run loop: step, checkpoint, advance, until terminal.
func (e *Engine) execute(ctx context.Context, run *Run, cursor domain.NodeKind) {
	defer e.release(run.SessionID)

	ctx, cancel := context.WithTimeout(ctx, e.opts.RunTimeout)
	defer cancel()

	for !cursor.Terminal() {
		run.Emit(events.TypeNodeStart, cursor, "")
		run.State.Trace(cursor, domain.NodeRunning, "")

		next, err := e.stepWithRetry(ctx, run, cursor)
		if err != nil {
			run.State.Trace(cursor, domain.NodeFailed, err.Error())
			e.logger.Error("graph node failed", "run_id", run.RunID, "node", cursor, "error", err)
			e.save(run, domain.NodeTerminalError, checkpoint.StatusError)
			run.emitter.Finish(events.Event{
				Type:  events.TypeError,
				RunID: run.RunID,
				Node:  cursor,
				Error: err.Error(),
			})
			return
		}

		run.State.Trace(cursor, domain.NodeCompleted, "")
		run.Emit(events.TypeNodeComplete, cursor, "")

		status := checkpoint.StatusRunning
		if next.Terminal() {
			status = checkpoint.StatusCompleted
		}
		e.save(run, next, status)
		cursor = next
	}

	run.emitter.Finish(events.Event{
		Type:   events.TypeComplete,
		RunID:  run.RunID,
		Result: e.result(run),
	})
}

// stepWithRetry runs one node under its timeout, retrying transient provider
// failures with linear backoff.
func (e *Engine) stepWithRetry(ctx context.Context, run *Run, cursor domain.NodeKind) (domain.NodeKind, error) {
	var lastErr error
	for attempt := 0; attempt <= e.opts.NodeRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * e.opts.RetryDelay
			select {
			case <-ctx.Done():
				return cursor, ctx.Err()
			case <-time.After(delay):
			}
			e.logger.Warn("retrying graph node", "run_id", run.RunID, "node", cursor, "attempt", attempt)
		}

		nctx, cancel := context.WithTimeout(ctx, e.opts.NodeTimeout)
		next, err := e.nodes.Step(nctx, run, cursor)
		cancel()
		if err == nil {
			return next, nil
		}
		lastErr = err
		if !domain.IsTransient(err) {
			return cursor, err
		}
		if ctx.Err() != nil {
			return cursor, ctx.Err()
		}
	}
	return cursor, lastErr
}

func (e *Engine) save(run *Run, cursor domain.NodeKind, status string) {
	state, err := checkpoint.EncodeState(run.State)
	if err != nil {
		e.logger.Error("checkpoint encode failed", "run_id", run.RunID, "error", err)
		return
	}
	rec := checkpoint.Record{
		RunID:     run.RunID,
		SessionID: run.SessionID,
		TenantID:  run.TenantID,
		State:     state,
		Cursor:    cursor,
		Status:    status,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.checkpoints.Save(ctx, rec); err != nil {
		// Losing a checkpoint degrades resumability, not the run itself.
		e.logger.Error("checkpoint save failed", "run_id", run.RunID, "error", err)
	}
}

func (e *Engine) result(run *Run) *events.Result {
	state := run.State
	chunks := state.RerankedChunks
	if chunks == nil {
		chunks = state.RetrievedChunks
	}

	trace := make([]domain.NodeKind, 0, len(state.NodeTrace))
	for _, ev := range state.NodeTrace {
		if ev.Status == domain.NodeCompleted {
			trace = append(trace, ev.Node)
		}
	}

	used := e.counter.CountAll(state.Query, state.RewrittenQuery, state.Answer)
	for _, c := range chunks {
		used += e.counter.Count(c.Content)
	}

	return &events.Result{
		Answer:          state.Answer,
		RetrievedChunks: chunks,
		NodeTrace:       trace,
		TokensUsed:      used,
		RetryCount:      state.RetryCount,
	}
}
