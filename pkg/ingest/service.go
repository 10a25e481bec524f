package ingest

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/contexa/ragengine/pkg/domain"
	"github.com/contexa/ragengine/pkg/vectorstore"
)

// Service runs ingestion as background work decoupled from the caller. The
// trigger returns immediately; status is observed separately through the
// tracker. At most one ingestion run is in flight per document id.
type Service struct {
	pipeline *Pipeline
	tracker  *Tracker
	sem      *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func NewService(pipeline *Pipeline, tracker *Tracker, maxConcurrent int) *Service {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		pipeline: pipeline,
		tracker:  tracker,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		inFlight: make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Process registers the document and schedules ingestion in the background.
// It reports acceptance only; the caller polls Status for the outcome.
func (s *Service) Process(ctx context.Context, docID, tenantID, storagePath, contentType string) (bool, error) {
	if docID == "" || tenantID == "" {
		return false, fmt.Errorf("%w: document id and tenant id are required", domain.ErrInvalidInput)
	}

	s.mu.Lock()
	if _, busy := s.inFlight[docID]; busy {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s", domain.ErrIngestInFlight, docID)
	}
	s.inFlight[docID] = struct{}{}
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.inFlight, docID)
		s.mu.Unlock()
	}

	raw, err := os.ReadFile(storagePath)
	if err != nil {
		release()
		return false, fmt.Errorf("%w: cannot read %s: %v", domain.ErrInvalidInput, storagePath, err)
	}

	if err := s.tracker.Register(ctx, docID, tenantID, vectorstore.Namespace(tenantID)); err != nil {
		release()
		return false, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()

		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			_ = s.tracker.SetStatus(s.ctx, docID, domain.StatusError, 0, "ingestion cancelled before start")
			return
		}
		defer s.sem.Release(1)

		// Errors are already recorded on the document by the pipeline.
		_, _ = s.pipeline.Ingest(s.ctx, docID, tenantID, raw, contentType)
	}()

	return true, nil
}

// ProcessContent is the synchronous variant used by the CLI and tests.
func (s *Service) ProcessContent(ctx context.Context, docID, tenantID string, raw []byte, contentType string) (*domain.DocumentResult, error) {
	s.mu.Lock()
	if _, busy := s.inFlight[docID]; busy {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrIngestInFlight, docID)
	}
	s.inFlight[docID] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, docID)
		s.mu.Unlock()
	}()

	if err := s.tracker.Register(ctx, docID, tenantID, vectorstore.Namespace(tenantID)); err != nil {
		return nil, err
	}
	return s.pipeline.Ingest(ctx, docID, tenantID, raw, contentType)
}

// Status reports the document's current processing state.
func (s *Service) Status(ctx context.Context, docID string) (*domain.Document, error) {
	return s.tracker.Get(ctx, docID)
}

// DeleteVectors removes all indexed artifacts of a document.
func (s *Service) DeleteVectors(ctx context.Context, docID, tenantID string) error {
	return s.pipeline.Delete(ctx, docID, tenantID)
}

// Shutdown cancels background work and waits for workers to finish.
func (s *Service) Shutdown() {
	s.cancel()
	s.wg.Wait()
}
