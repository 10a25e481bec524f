package retriever

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/contexa/ragengine/pkg/domain"
	"github.com/contexa/ragengine/pkg/keyword"
	"github.com/contexa/ragengine/pkg/log"
	"github.com/contexa/ragengine/pkg/vectorstore"
)

// Options tunes hybrid retrieval.
type Options struct {
	TopK        int // results returned after fusion
	Oversample  int // each leg fetches TopK*Oversample candidates
	RRFConstant int // the k in 1/(k+rank)
}

func (o *Options) normalize() {
	if o.TopK <= 0 {
		o.TopK = 20
	}
	if o.Oversample <= 0 {
		o.Oversample = 3
	}
	if o.RRFConstant <= 0 {
		o.RRFConstant = 60
	}
}

// Hybrid retrieves child chunks by cosine similarity and, when a keyword
// store is configured, fuses in a parallel full-text leg with reciprocal
// rank fusion. The keyword leg is best effort; its failure degrades the
// search to vector-only instead of failing the query.
type Hybrid struct {
	embedder domain.Embedder
	vectors  vectorstore.Store
	keywords *keyword.Store // nil disables the keyword leg
	opts     Options
	logger   *log.Logger
}

func NewHybrid(embedder domain.Embedder, vectors vectorstore.Store, keywords *keyword.Store, opts Options) *Hybrid {
	opts.normalize()
	return &Hybrid{
		embedder: embedder,
		vectors:  vectors,
		keywords: keywords,
		opts:     opts,
		logger:   log.WithModule("retriever"),
	}
}

// Retrieve returns at most TopK fused chunks for the query, deduplicated by
// chunk id and ordered by reciprocal rank fusion. Score carries the vector
// leg's cosine similarity, not the fused rank value; keyword-only hits score
// zero. An empty result is a valid outcome, not an error.
func (h *Hybrid) Retrieve(ctx context.Context, tenantID, query string) ([]domain.RetrievedChunk, error) {
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", domain.ErrInvalidInput)
	}
	fetch := h.opts.TopK * h.opts.Oversample

	var (
		vecMatches []vectorstore.Match
		kwHits     []keyword.Hit
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vec, err := h.embedder.Embed(gctx, query)
		if err != nil {
			return err
		}
		matches, err := h.vectors.Query(gctx, vectorstore.Namespace(tenantID), vec, fetch)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrVectorStoreFailed, err)
		}
		vecMatches = matches
		return nil
	})
	if h.keywords != nil {
		g.Go(func() error {
			hits, err := h.keywords.Search(gctx, tenantID, query, fetch)
			if err != nil {
				// Degrade to vector-only rather than failing the run.
				h.logger.Warn("keyword search failed, using vector results only", "error", err)
				return nil
			}
			kwHits = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := h.fuse(vecMatches, kwHits)
	if len(fused) > h.opts.TopK {
		fused = fused[:h.opts.TopK]
	}
	return fused, nil
}

type candidate struct {
	chunk domain.RetrievedChunk
	fused float64
	// tie-break on first-seen order so equal fused values stay deterministic
	order int
}

// fuse merges both legs with reciprocal rank fusion: each occurrence of a
// chunk contributes 1/(k+rank), ranks starting at 1. The fused value orders
// the result only. Score keeps the best cosine similarity seen for the chunk
// so adequacy grading downstream compares similarities against its floor,
// never rank values.
func (h *Hybrid) fuse(vec []vectorstore.Match, kw []keyword.Hit) []domain.RetrievedChunk {
	k := float64(h.opts.RRFConstant)
	byID := make(map[string]*candidate, len(vec)+len(kw))
	next := 0

	add := func(id string, rank int, chunk domain.RetrievedChunk) {
		contrib := 1.0 / (k + float64(rank))
		if c, ok := byID[id]; ok {
			c.fused += contrib
			if chunk.Score > c.chunk.Score {
				c.chunk.Score = chunk.Score
			}
			if c.chunk.Content == "" && chunk.Content != "" {
				c.chunk.Content = chunk.Content
			}
			if c.chunk.ParentID == "" {
				c.chunk.ParentID = chunk.ParentID
			}
			return
		}
		byID[id] = &candidate{chunk: chunk, fused: contrib, order: next}
		next++
	}

	for i, m := range vec {
		add(m.ChunkID, i+1, domain.RetrievedChunk{
			ChunkID:  m.ChunkID,
			ParentID: m.Metadata[vectorstore.MetaParentID],
			Content:  m.Content,
			Score:    m.Score,
			Metadata: m.Metadata,
		})
	}
	for i, hit := range kw {
		add(hit.ChunkID, i+1, domain.RetrievedChunk{
			ChunkID:  hit.ChunkID,
			ParentID: hit.ParentID,
			Content:  hit.Content,
			Metadata: map[string]string{
				vectorstore.MetaDocumentID: hit.DocumentID,
				vectorstore.MetaParentID:   hit.ParentID,
			},
		})
	}

	out := make([]*candidate, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].fused != out[j].fused {
			return out[i].fused > out[j].fused
		}
		return out[i].order < out[j].order
	})

	chunks := make([]domain.RetrievedChunk, len(out))
	for i, c := range out {
		chunks[i] = c.chunk
	}
	return chunks
}
