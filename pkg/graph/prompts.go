package graph

import (
	"fmt"
	"strings"

	"github.com/contexa/ragengine/pkg/domain"
)

const analyzePrompt = `You resolve references in follow-up questions. Rewrite the user's latest question so it stands alone, replacing pronouns and implicit references using the conversation below. Keep the meaning identical. Reply with the rewritten question only.

Conversation:
%s

Latest question: %s

Rewritten question:`

const gradePrompt = `You are a grader checking whether retrieved passages are relevant to a user question.

Retrieved passages:
%s

User question: %s

Does the retrieved content contain information relevant to the question? Answer with a single word, yes or no.`

const rewritePrompt = `You rewrite search queries. The query below retrieved no relevant passages. Rewrite it to be more specific and more likely to match useful passages, preserving the original intent. Reply with the rewritten query only.

Original query:
-------
%s
-------

Improved query:`

const generatePrompt = `You are an assistant answering questions from retrieved document passages. Use only the context below. If the context does not contain the answer, say so instead of guessing. Keep the answer concise.

Context:
%s

%sQuestion: %s

Answer:`

const noContextPrompt = `User question: %s

After several retrieval attempts no relevant content was found in the indexed documents. Write a brief, friendly reply telling the user nothing relevant was found and suggesting they rephrase the question or check that the documents cover the topic. At most three sentences.`

// insufficientAnswer is the last-resort reply when even the no-context
// generation call fails.
const insufficientAnswer = "I could not find relevant information in the indexed documents for this question. Try rephrasing it, or check that the relevant documents have been uploaded."

func formatHistory(history []domain.Message) string {
	var b strings.Builder
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

func formatContext(parents []domain.ParentChunk) string {
	var b strings.Builder
	for i, p := range parents {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[Passage %d]\n%s", i+1, p.Content)
	}
	return b.String()
}

func formatChunks(chunks []domain.RetrievedChunk, limit int) string {
	var b strings.Builder
	for i, c := range chunks {
		if i >= limit {
			break
		}
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s", i+1, c.Content)
	}
	return b.String()
}
