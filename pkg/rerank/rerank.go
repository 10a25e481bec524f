package rerank

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/contexa/ragengine/pkg/domain"
	"github.com/contexa/ragengine/pkg/log"
)

const scorePrompt = `Rate how relevant the passage is to the question on a scale from 0.0 (irrelevant) to 1.0 (directly answers it).
Respond with JSON only: {"score": <number>}

Question: %s

Passage:
%s`

var numberPattern = regexp.MustCompile(`[-+]?\d*\.?\d+`)

// LLMReranker scores candidates with a language model. Scoring failures do
// not fail the query; the pre-rerank similarity ordering is returned with
// FellBack set so the caller can surface the degradation.
type LLMReranker struct {
	generator domain.Generator
	logger    *log.Logger
}

func NewLLM(generator domain.Generator) *LLMReranker {
	return &LLMReranker{generator: generator, logger: log.WithModule("rerank")}
}

func (r *LLMReranker) Rerank(ctx context.Context, query string, chunks []domain.RetrievedChunk, topN int, threshold *float64) (domain.RerankResult, error) {
	if len(chunks) == 0 {
		return domain.RerankResult{}, nil
	}
	if topN <= 0 {
		topN = 5
	}

	scored := make([]domain.RetrievedChunk, len(chunks))
	copy(scored, chunks)

	for i := range scored {
		score, err := r.scoreOne(ctx, query, scored[i].Content)
		if err != nil {
			r.logger.Warn("rerank scoring failed, keeping similarity order",
				"chunk_id", scored[i].ChunkID, "error", err)
			return fallback(chunks, topN), nil
		}
		s := score
		scored[i].RerankScore = &s
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return *scored[i].RerankScore > *scored[j].RerankScore
	})

	if threshold != nil {
		kept := scored[:0]
		for _, c := range scored {
			if *c.RerankScore >= *threshold {
				kept = append(kept, c)
			}
		}
		// All candidates below threshold is a legitimate empty outcome.
		scored = kept
	}
	if len(scored) > topN {
		scored = scored[:topN]
	}
	return domain.RerankResult{Chunks: scored}, nil
}

func fallback(chunks []domain.RetrievedChunk, topN int) domain.RerankResult {
	out := make([]domain.RetrievedChunk, len(chunks))
	copy(out, chunks)
	if len(out) > topN {
		out = out[:topN]
	}
	return domain.RerankResult{Chunks: out, FellBack: true}
}

func (r *LLMReranker) scoreOne(ctx context.Context, query, passage string) (float64, error) {
	prompt := fmt.Sprintf(scorePrompt, query, passage)
	raw, err := r.generator.Generate(ctx, prompt, &domain.GenerationOptions{Temperature: 0, MaxTokens: 32})
	if err != nil {
		return 0, err
	}
	return parseScore(raw)
}

// parseScore accepts strict JSON first and falls back to the first number in
// the reply, since models occasionally wrap the JSON in prose or fences.
func parseScore(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	var payload struct {
		Score float64 `json:"score"`
	}
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			if err := json.Unmarshal([]byte(raw[start:end+1]), &payload); err == nil {
				return clamp(payload.Score), nil
			}
		}
	}
	if m := numberPattern.FindString(raw); m != "" {
		v, err := strconv.ParseFloat(m, 64)
		if err == nil {
			return clamp(v), nil
		}
	}
	return 0, fmt.Errorf("%w: unparseable rerank score %q", domain.ErrGenerationFailed, raw)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
