package domain

import (
	"context"
	"time"
)

// DocumentStatus tracks a document through its ingestion lifecycle.
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusActive     DocumentStatus = "active"
	StatusError      DocumentStatus = "error"
	StatusDeleted    DocumentStatus = "deleted"
)

// Document is the ingestion-side record for one uploaded document.
type Document struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	Status       DocumentStatus `json:"status"`
	ChunkCount   int            `json:"chunk_count"`
	Namespace    string         `json:"namespace"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// DocumentResult is returned by a completed ingestion run.
type DocumentResult struct {
	DocumentID   string         `json:"document_id"`
	Status       DocumentStatus `json:"status"`
	ChunkCount   int            `json:"chunk_count"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// RetrievedChunk is one retrieval candidate. It is never mutated after
// creation; reranking and filtering build new slices that reference the
// same values.
type RetrievedChunk struct {
	ChunkID     string            `json:"chunk_id"`
	ParentID    string            `json:"parent_id,omitempty"`
	Content     string            `json:"content"`
	Score       float64           `json:"score"`
	RerankScore *float64          `json:"rerank_score,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ParentChunk is the stored parent span for a set of child chunks. Children
// reference it by ParentID only; parent and child lifetimes are independent
// and both are scoped to (tenant, document).
type ParentChunk struct {
	TenantID   string            `json:"tenant_id"`
	DocumentID string            `json:"document_id"`
	ParentID   string            `json:"parent_id"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// VectorRecord is the unit stored in a vector index namespace.
type VectorRecord struct {
	TenantID  string            `json:"tenant_id"`
	Namespace string            `json:"namespace"`
	ChunkID   string            `json:"chunk_id"`
	Vector    []float32         `json:"vector"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Message is one turn of conversation history.
type Message struct {
	Role    string `json:"role"` // user, assistant, system
	Content string `json:"content"`
}

// NodeKind names a node in the conversation graph.
type NodeKind string

const (
	NodeStart         NodeKind = "start"
	NodeAnalyzeQuery  NodeKind = "analyze_query"
	NodeRetrieve      NodeKind = "retrieve"
	NodeGrade         NodeKind = "grade"
	NodeRewrite       NodeKind = "rewrite_and_retry"
	NodeRerank        NodeKind = "rerank"
	NodeGenerate      NodeKind = "generate"
	NodeTerminal      NodeKind = "terminal"
	NodeTerminalError NodeKind = "terminal_error"
)

// Terminal reports whether the graph run has reached an end state.
func (n NodeKind) Terminal() bool {
	return n == NodeTerminal || n == NodeTerminalError
}

// NodeEventStatus is the execution status carried by a NodeEvent.
type NodeEventStatus string

const (
	NodeRunning   NodeEventStatus = "running"
	NodeCompleted NodeEventStatus = "completed"
	NodeFailed    NodeEventStatus = "error"
)

// NodeEvent records one node execution in the run trace.
type NodeEvent struct {
	Node          NodeKind        `json:"node"`
	Status        NodeEventStatus `json:"status"`
	Description   string          `json:"description,omitempty"`
	ResultSummary string          `json:"result_summary,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// ConversationState is the unit a graph run operates on. It is owned by
// exactly one run and mutated only by the node currently executing; once the
// run reaches a terminal state the snapshot is frozen.
type ConversationState struct {
	Query           string           `json:"query"`
	RewrittenQuery  string           `json:"rewritten_query,omitempty"`
	History         []Message        `json:"history,omitempty"`
	RetrievedChunks []RetrievedChunk `json:"retrieved_chunks,omitempty"`
	RerankedChunks  []RetrievedChunk `json:"reranked_chunks,omitempty"`
	Answer          string           `json:"answer,omitempty"`
	RetryCount      int              `json:"retry_count"`
	// InsufficientContext marks that grading exhausted its retries without
	// adequate chunks; generation must not claim knowledge it lacks.
	InsufficientContext bool        `json:"insufficient_context,omitempty"`
	NodeTrace           []NodeEvent `json:"node_trace,omitempty"`
}

// EffectiveQuery returns the rewritten query when one exists, otherwise the
// original user query.
func (s *ConversationState) EffectiveQuery() string {
	if s.RewrittenQuery != "" {
		return s.RewrittenQuery
	}
	return s.Query
}

// Trace appends a trace entry with the current time.
func (s *ConversationState) Trace(node NodeKind, status NodeEventStatus, summary string) {
	s.NodeTrace = append(s.NodeTrace, NodeEvent{
		Node:          node,
		Status:        status,
		ResultSummary: summary,
		Timestamp:     time.Now(),
	})
}

// Embedder maps text to fixed-dimension vectors. Implementations must be safe
// for concurrent use; they are shared singletons across runs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// GenerationOptions tune one model call.
type GenerationOptions struct {
	Temperature float64
	MaxTokens   int
}

// Generator wraps a language model. Implementations must be safe for
// concurrent use.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts *GenerationOptions) (string, error)
	Stream(ctx context.Context, prompt string, opts *GenerationOptions, callback func(string)) error
}

// Reranker reorders retrieval candidates against the query with a more
// precise relevance model than vector similarity.
type Reranker interface {
	// Rerank scores, sorts, threshold-filters, and truncates candidates.
	// A nil threshold disables filtering. FellBack reports that the scorer
	// was unavailable and the pre-rerank similarity ordering was returned
	// instead.
	Rerank(ctx context.Context, query string, chunks []RetrievedChunk, topN int, threshold *float64) (RerankResult, error)
}

// RerankResult is the outcome of one rerank call.
type RerankResult struct {
	Chunks   []RetrievedChunk
	FellBack bool
}
