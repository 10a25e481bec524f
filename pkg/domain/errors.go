package domain

import "errors"

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrDocumentNotFound   = errors.New("document not found")
	ErrEmbeddingFailed    = errors.New("embedding generation failed")
	ErrGenerationFailed   = errors.New("text generation failed")
	ErrChunkingFailed     = errors.New("text chunking failed")
	ErrVectorStoreFailed  = errors.New("vector store operation failed")
	ErrIndexInconsistent  = errors.New("vector index in inconsistent state")
	ErrCheckpointCorrupt  = errors.New("checkpoint unreadable")
	ErrProviderTransient  = errors.New("provider temporarily unavailable")
	ErrRunInFlight        = errors.New("session already has an active run")
	ErrIngestInFlight     = errors.New("document ingestion already in progress")
	ErrConfigurationError = errors.New("configuration error")
)

// IsTransient reports whether err is worth retrying at the node level.
// Validation and consistency errors are not; provider timeouts and rate
// limits are.
func IsTransient(err error) bool {
	return errors.Is(err, ErrProviderTransient)
}
