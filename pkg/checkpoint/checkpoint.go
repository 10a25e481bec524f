package checkpoint

import (
	"context"
	"encoding/json"
	"time"

	"github.com/contexa/ragengine/pkg/domain"
)

// Run statuses recorded with each checkpoint.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Record is the durable snapshot of one run. A run holds exactly one record;
// each save replaces the previous snapshot.
type Record struct {
	RunID     string          `json:"run_id"`
	SessionID string          `json:"session_id"`
	TenantID  string          `json:"tenant_id"`
	State     json.RawMessage `json:"state"`
	Cursor    domain.NodeKind `json:"cursor"` // next node to execute
	Status    string          `json:"status"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// DecodeState unmarshals the snapshot into a conversation state. Unreadable
// snapshots surface as ErrCheckpointCorrupt so callers restart from scratch
// instead of resuming garbage.
func (r *Record) DecodeState() (*domain.ConversationState, error) {
	var state domain.ConversationState
	if err := json.Unmarshal(r.State, &state); err != nil {
		return nil, domain.ErrCheckpointCorrupt
	}
	if state.Query == "" {
		return nil, domain.ErrCheckpointCorrupt
	}
	return &state, nil
}

// Store persists run checkpoints for crash recovery and resumption.
type Store interface {
	// Save replaces the run's snapshot.
	Save(ctx context.Context, rec Record) error
	// Load fetches one run's snapshot, ErrDocumentNotFound style nil when absent.
	Load(ctx context.Context, runID string) (*Record, error)
	// LoadLatest fetches the most recently updated run of a session.
	LoadLatest(ctx context.Context, sessionID string) (*Record, error)
	// Delete drops a run's snapshot.
	Delete(ctx context.Context, runID string) error
	// Prune removes terminal runs older than the retention window and
	// returns how many were removed. Running runs are never pruned.
	Prune(ctx context.Context, retention time.Duration) (int, error)
	Close() error
}

// EncodeState serializes a conversation state for storage.
func EncodeState(state *domain.ConversationState) (json.RawMessage, error) {
	return json.Marshal(state)
}
