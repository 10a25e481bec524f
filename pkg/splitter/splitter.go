// Package splitter implements parent-child chunking: large parent spans kept
// for generation context, small child chunks indexed for retrieval. Every
// child carries the id of exactly one parent.
package splitter

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/contexa/ragengine/pkg/domain"
)

// Options control chunk sizing. Sizes are in runes.
type Options struct {
	ParentSize   int // target parent span size, typically 3-4x ChildSize
	ChildSize    int // max child chunk size
	ChildOverlap int // overlap carried between consecutive children
	MinParent    int // spans shorter than this fold into a neighboring parent
	MinChild     int // children shorter than this are dropped
}

// Result is the output of one split.
type Result struct {
	Parents  []domain.ParentChunk
	Children []Child
}

// Child is a retrievable chunk tagged with its parent.
type Child struct {
	ID       string
	ParentID string
	Content  string
	Position int
}

type Splitter struct {
	opts Options
}

func New(opts Options) (*Splitter, error) {
	if opts.ChildSize <= 0 {
		return nil, fmt.Errorf("%w: child size must be positive", domain.ErrChunkingFailed)
	}
	if opts.ChildOverlap < 0 || opts.ChildOverlap >= opts.ChildSize {
		return nil, fmt.Errorf("%w: overlap must be in [0, child size)", domain.ErrChunkingFailed)
	}
	if opts.ParentSize < opts.ChildSize {
		opts.ParentSize = opts.ChildSize * 4
	}
	return &Splitter{opts: opts}, nil
}

// Split chunks cleaned text for one document. Parent spans are built from
// paragraphs; each parent is split into sentence-aligned children with
// overlap. A sentence longer than the child size is hard-split at the size
// limit, which is degraded behavior rather than an error.
func (s *Splitter) Split(tenantID, documentID, text string) (*Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty input", domain.ErrChunkingFailed)
	}

	res := &Result{}
	position := 0
	for _, span := range s.parentSpans(text) {
		parentID := uuid.New().String()
		res.Parents = append(res.Parents, domain.ParentChunk{
			TenantID:   tenantID,
			DocumentID: documentID,
			ParentID:   parentID,
			Content:    span,
		})

		for _, chunk := range s.childChunks(span) {
			if len([]rune(chunk)) < s.opts.MinChild {
				continue
			}
			res.Children = append(res.Children, Child{
				ID:       uuid.New().String(),
				ParentID: parentID,
				Content:  chunk,
				Position: position,
			})
			position++
		}
	}

	if len(res.Children) == 0 {
		return nil, fmt.Errorf("%w: no chunks produced", domain.ErrChunkingFailed)
	}
	return res, nil
}

// parentSpans groups paragraphs into spans close to ParentSize. A single
// paragraph larger than ParentSize becomes its own span; children will
// hard-split it further.
func (s *Splitter) parentSpans(text string) []string {
	paragraphs := splitParagraphs(text)
	var spans []string
	var current strings.Builder
	currentLen := 0

	flush := func() {
		if current.Len() > 0 {
			spans = append(spans, strings.TrimSpace(current.String()))
			current.Reset()
			currentLen = 0
		}
	}

	for _, para := range paragraphs {
		paraLen := len([]rune(para))
		if currentLen > 0 && currentLen+paraLen+2 > s.opts.ParentSize {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
			currentLen += 2
		}
		current.WriteString(para)
		currentLen += paraLen
		if currentLen >= s.opts.ParentSize {
			flush()
		}
	}
	flush()
	return s.foldShort(spans)
}

// foldShort merges spans shorter than MinParent into a neighboring span.
// Undersized spans make poor generation context on their own, but their text
// must still reach the index.
func (s *Splitter) foldShort(spans []string) []string {
	if s.opts.MinParent <= 0 || len(spans) < 2 {
		return spans
	}
	var out []string
	for _, span := range spans {
		if len(out) > 0 && len([]rune(span)) < s.opts.MinParent {
			out[len(out)-1] += "\n\n" + span
			continue
		}
		out = append(out, span)
	}
	if len(out) > 1 && len([]rune(out[0])) < s.opts.MinParent {
		out[1] = out[0] + "\n\n" + out[1]
		out = out[1:]
	}
	return out
}

// childChunks splits a parent span into overlapping child chunks, keeping
// sentence boundaries when avoidable.
func (s *Splitter) childChunks(span string) []string {
	sentences := splitSentences(span)

	var chunks []string
	var current strings.Builder
	currentLen := 0

	for _, sentence := range sentences {
		for _, piece := range hardSplit(sentence, s.opts.ChildSize) {
			pieceLen := len([]rune(piece))
			sep := 0
			if current.Len() > 0 {
				sep = 1
			}
			if currentLen+sep+pieceLen > s.opts.ChildSize && current.Len() > 0 {
				chunk := strings.TrimSpace(current.String())
				chunks = append(chunks, chunk)

				overlap := tailRunes(chunk, s.opts.ChildOverlap)
				current.Reset()
				currentLen = 0
				// Carry overlap only when the next piece still fits under
				// the size limit alongside it.
				if overlap != "" && len([]rune(overlap))+1+pieceLen <= s.opts.ChildSize {
					current.WriteString(overlap)
					currentLen = len([]rune(overlap))
				}
			}
			if current.Len() > 0 {
				current.WriteString(" ")
				currentLen++
			}
			current.WriteString(piece)
			currentLen += pieceLen
		}
	}
	if current.Len() > 0 {
		chunks = append(chunks, strings.TrimSpace(current.String()))
	}
	return chunks
}

func splitParagraphs(text string) []string {
	parts := strings.Split(text, "\n\n")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitSentences performs a lightweight sentence segmentation on
// terminator punctuation followed by whitespace or end of text.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		current.WriteRune(r)
		if !isSentenceEnd(r) {
			continue
		}
		atEnd := i+1 >= len(runes)
		if atEnd || unicode.IsSpace(runes[i+1]) {
			sentence := strings.TrimSpace(current.String())
			if sentence != "" {
				sentences = append(sentences, sentence)
			}
			current.Reset()
			for i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
				i++
			}
		}
	}
	if rest := strings.TrimSpace(current.String()); rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '。' || r == '！' || r == '？'
}

// hardSplit cuts text at the size limit when no sentence boundary can help.
func hardSplit(text string, max int) []string {
	runes := []rune(text)
	if len(runes) <= max {
		return []string{text}
	}
	var parts []string
	for start := 0; start < len(runes); start += max {
		end := start + max
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, string(runes[start:end]))
	}
	return parts
}

// tailRunes returns the last n runes of text, trimmed to a word boundary.
func tailRunes(text string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	tail := string(runes[len(runes)-n:])
	if idx := strings.IndexRune(tail, ' '); idx >= 0 && idx+1 < len(tail) {
		tail = tail[idx+1:]
	}
	return tail
}
