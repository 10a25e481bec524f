package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/contexa/ragengine/pkg/domain"
	"github.com/contexa/ragengine/pkg/events"
	"github.com/contexa/ragengine/pkg/log"
	"github.com/contexa/ragengine/pkg/retriever"
)

// Retriever is the retrieval dependency of the graph.
type Retriever interface {
	Retrieve(ctx context.Context, tenantID, query string) ([]domain.RetrievedChunk, error)
}

// Nodes implements the transition function of the conversation graph. Each
// step mutates the run's state and returns the next node; the function is
// total over NodeKind so an unknown cursor is a hard error, not a silent
// stall.
type Nodes struct {
	generator domain.Generator
	retriever Retriever
	reranker  domain.Reranker
	parents   retriever.ParentLookup
	opts      Options
	logger    *log.Logger
}

func NewNodes(generator domain.Generator, retr Retriever, reranker domain.Reranker, parents retriever.ParentLookup, opts Options) *Nodes {
	opts.normalize()
	return &Nodes{
		generator: generator,
		retriever: retr,
		reranker:  reranker,
		parents:   parents,
		opts:      opts,
		logger:    log.WithModule("graph"),
	}
}

// Step executes one node and returns the next cursor.
func (n *Nodes) Step(ctx context.Context, run *Run, node domain.NodeKind) (domain.NodeKind, error) {
	switch node {
	case domain.NodeStart:
		return domain.NodeAnalyzeQuery, nil
	case domain.NodeAnalyzeQuery:
		return n.analyzeQuery(ctx, run)
	case domain.NodeRetrieve:
		return n.retrieve(ctx, run)
	case domain.NodeGrade:
		return n.grade(ctx, run)
	case domain.NodeRewrite:
		return n.rewrite(ctx, run)
	case domain.NodeRerank:
		return n.rerank(ctx, run)
	case domain.NodeGenerate:
		return n.generate(ctx, run)
	default:
		return domain.NodeTerminalError, fmt.Errorf("%w: unknown graph node %q", domain.ErrInvalidInput, node)
	}
}

// analyzeQuery resolves coreferences against conversation history. When a
// rewritten query is already present (the rewrite loop set one) or there is
// no history to resolve against, the node is an identity step.
func (n *Nodes) analyzeQuery(ctx context.Context, run *Run) (domain.NodeKind, error) {
	state := run.State
	if state.RewrittenQuery != "" || len(state.History) == 0 {
		return domain.NodeRetrieve, nil
	}
	prompt := fmt.Sprintf(analyzePrompt, formatHistory(state.History), state.Query)
	rewritten, err := n.generator.Generate(ctx, prompt, &domain.GenerationOptions{Temperature: 0, MaxTokens: 256})
	if err != nil {
		if domain.IsTransient(err) {
			return domain.NodeAnalyzeQuery, err
		}
		// Resolution is an optimization; a broken model call should not
		// kill the run when the raw query is still usable.
		n.logger.Warn("query analysis failed, using original query", "run_id", run.RunID, "error", err)
		return domain.NodeRetrieve, nil
	}
	rewritten = strings.TrimSpace(rewritten)
	if rewritten != "" && rewritten != state.Query {
		state.RewrittenQuery = rewritten
	}
	return domain.NodeRetrieve, nil
}

func (n *Nodes) retrieve(ctx context.Context, run *Run) (domain.NodeKind, error) {
	chunks, err := n.retriever.Retrieve(ctx, run.TenantID, run.State.EffectiveQuery())
	if err != nil {
		return domain.NodeRetrieve, err
	}
	run.State.RetrievedChunks = chunks
	run.EmitProgress(domain.NodeRetrieve, 100, fmt.Sprintf("retrieved %d chunks", len(chunks)))
	return domain.NodeGrade, nil
}

// grade decides whether retrieval produced usable context. Inadequate
// context routes to the rewrite loop while retries remain; once the budget
// is spent the run proceeds to generation with the insufficient marker set.
func (n *Nodes) grade(ctx context.Context, run *Run) (domain.NodeKind, error) {
	state := run.State
	adequate := n.scoreAdequate(state.RetrievedChunks)
	if adequate && n.opts.UseGrader {
		adequate = n.llmGrade(ctx, run)
	}

	if adequate {
		state.InsufficientContext = false
		return domain.NodeRerank, nil
	}
	if state.RetryCount < n.opts.MaxRetries {
		return domain.NodeRewrite, nil
	}
	state.InsufficientContext = true
	state.RerankedChunks = nil
	return domain.NodeGenerate, nil
}

func (n *Nodes) scoreAdequate(chunks []domain.RetrievedChunk) bool {
	if len(chunks) == 0 {
		return false
	}
	best := chunks[0].Score
	for _, c := range chunks[1:] {
		if c.Score > best {
			best = c.Score
		}
	}
	return best >= n.opts.ScoreFloor
}

// llmGrade asks the model for a yes/no relevance verdict on the top chunks.
// Grader failures are absorbed as a yes so a flaky model never downgrades
// retrieval that already passed the score floor.
func (n *Nodes) llmGrade(ctx context.Context, run *Run) bool {
	state := run.State
	prompt := fmt.Sprintf(gradePrompt, formatChunks(state.RetrievedChunks, 5), state.EffectiveQuery())
	verdict, err := n.generator.Generate(ctx, prompt, &domain.GenerationOptions{Temperature: 0, MaxTokens: 8})
	if err != nil {
		n.logger.Warn("relevance grading failed, accepting retrieval", "run_id", run.RunID, "error", err)
		return true
	}
	v := strings.ToLower(strings.TrimSpace(verdict))
	return !strings.HasPrefix(v, "no")
}

func (n *Nodes) rewrite(ctx context.Context, run *Run) (domain.NodeKind, error) {
	state := run.State
	state.RetryCount++
	prompt := fmt.Sprintf(rewritePrompt, state.EffectiveQuery())
	rewritten, err := n.generator.Generate(ctx, prompt, &domain.GenerationOptions{Temperature: 0, MaxTokens: 256})
	if err != nil {
		if domain.IsTransient(err) {
			state.RetryCount-- // the attempt did not happen
			return domain.NodeRewrite, err
		}
		n.logger.Warn("query rewrite failed, retrying with previous query", "run_id", run.RunID, "error", err)
		return domain.NodeAnalyzeQuery, nil
	}
	rewritten = strings.TrimSpace(rewritten)
	if rewritten != "" {
		state.RewrittenQuery = rewritten
	}
	run.EmitProgress(domain.NodeRewrite, state.RetryCount*100/n.opts.MaxRetries,
		fmt.Sprintf("retry %d with rewritten query", state.RetryCount))
	return domain.NodeAnalyzeQuery, nil
}

func (n *Nodes) rerank(ctx context.Context, run *Run) (domain.NodeKind, error) {
	state := run.State
	if n.reranker == nil || !n.opts.RerankEnabled {
		state.RerankedChunks = truncate(state.RetrievedChunks, n.opts.RerankTopN)
		return domain.NodeGenerate, nil
	}
	res, err := n.reranker.Rerank(ctx, state.EffectiveQuery(), state.RetrievedChunks, n.opts.RerankTopN, n.opts.RerankThreshold)
	if err != nil {
		if domain.IsTransient(err) {
			return domain.NodeRerank, err
		}
		n.logger.Warn("rerank failed, keeping similarity order", "run_id", run.RunID, "error", err)
		state.RerankedChunks = truncate(state.RetrievedChunks, n.opts.RerankTopN)
		return domain.NodeGenerate, nil
	}
	if res.FellBack {
		run.Emit(events.TypeNodeProgress, domain.NodeRerank, "reranker unavailable, similarity order kept")
	}
	state.RerankedChunks = res.Chunks
	return domain.NodeGenerate, nil
}

// generate produces the answer, streaming deltas as chunk events. Child
// chunks are expanded to their parent chunks so the model sees surrounding
// context rather than retrieval-sized fragments.
func (n *Nodes) generate(ctx context.Context, run *Run) (domain.NodeKind, error) {
	state := run.State

	contextChunks := state.RerankedChunks
	if state.InsufficientContext || len(contextChunks) == 0 {
		return n.generateNoContext(ctx, run)
	}

	parents, err := retriever.ExpandParents(ctx, n.parents, run.TenantID, contextChunks)
	if err != nil {
		n.logger.Warn("parent expansion failed, answering from child chunks", "run_id", run.RunID, "error", err)
		parents = parents[:0]
		for _, c := range contextChunks {
			parents = append(parents, domain.ParentChunk{ParentID: c.ParentID, TenantID: run.TenantID, Content: c.Content})
		}
	}

	historyBlock := ""
	if len(state.History) > 0 {
		historyBlock = "Conversation so far:\n" + formatHistory(state.History) + "\n"
	}
	prompt := fmt.Sprintf(generatePrompt, formatContext(parents), historyBlock, state.Query)

	var answer strings.Builder
	err = n.generator.Stream(ctx, prompt, &domain.GenerationOptions{Temperature: 0.2, MaxTokens: 1024}, func(delta string) {
		answer.WriteString(delta)
		run.EmitChunk(delta)
	})
	if err != nil {
		if domain.IsTransient(err) && answer.Len() == 0 {
			return domain.NodeGenerate, err
		}
		return domain.NodeTerminalError, fmt.Errorf("%w: %v", domain.ErrGenerationFailed, err)
	}
	state.Answer = answer.String()
	return domain.NodeTerminal, nil
}

// generateNoContext still completes the run normally; the user gets an
// explicit nothing-found reply instead of an error.
func (n *Nodes) generateNoContext(ctx context.Context, run *Run) (domain.NodeKind, error) {
	state := run.State
	prompt := fmt.Sprintf(noContextPrompt, state.Query)

	var answer strings.Builder
	err := n.generator.Stream(ctx, prompt, &domain.GenerationOptions{Temperature: 0.2, MaxTokens: 256}, func(delta string) {
		answer.WriteString(delta)
		run.EmitChunk(delta)
	})
	if err != nil || answer.Len() == 0 {
		if err != nil {
			n.logger.Warn("no-context reply generation failed, using fixed reply", "run_id", run.RunID, "error", err)
		}
		state.Answer = insufficientAnswer
		run.EmitChunk(insufficientAnswer)
		return domain.NodeTerminal, nil
	}
	state.Answer = answer.String()
	return domain.NodeTerminal, nil
}

func truncate(chunks []domain.RetrievedChunk, n int) []domain.RetrievedChunk {
	if n > 0 && len(chunks) > n {
		out := make([]domain.RetrievedChunk, n)
		copy(out, chunks[:n])
		return out
	}
	out := make([]domain.RetrievedChunk, len(chunks))
	copy(out, chunks)
	return out
}
