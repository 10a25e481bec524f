// Package cleaner normalizes raw extracted document text before chunking.
package cleaner

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/contexa/ragengine/pkg/domain"
)

var (
	multiNewline  = regexp.MustCompile(`\n{3,}`)
	trailingSpace = regexp.MustCompile(`[ \t]+\n`)
	multiSpace    = regexp.MustCompile(`[ \t]{2,}`)
	spacedNewline = regexp.MustCompile(` ?\n ?`)
)

// Options control which normalization passes run.
type Options struct {
	// MinLength rejects documents whose cleaned content is shorter.
	MinLength int
	// DropBoilerplate removes navigation, page-number, and copyright lines.
	DropBoilerplate bool
}

// DefaultOptions returns the passes the ingestion pipeline uses.
func DefaultOptions() Options {
	return Options{MinLength: 10, DropBoilerplate: true}
}

// Boilerplate line patterns: bare page numbers, copyright lines, and common
// navigation labels that survive text extraction.
var boilerplatePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^page \d+( of \d+)?$`),
	regexp.MustCompile(`^\d{1,4}$`),
	regexp.MustCompile(`(?i)^copyright\b.*$`),
	regexp.MustCompile(`(?i)^©\s*\d{4}.*$`),
	regexp.MustCompile(`(?i)^all rights reserved\.?$`),
	regexp.MustCompile(`(?i)^(home|previous|next|table of contents|contents)$`),
}

// Clean normalizes whitespace, strips control characters, and optionally
// drops boilerplate lines. It fails only on input that is empty after
// normalization.
func Clean(text string, opts Options) (string, error) {
	text = stripControl(text)
	text = normalizeLineBreaks(text)

	text = trailingSpace.ReplaceAllString(text, "\n")
	text = multiSpace.ReplaceAllString(text, " ")
	text = spacedNewline.ReplaceAllString(text, "\n")
	text = multiNewline.ReplaceAllString(text, "\n\n")
	text = strings.TrimSpace(text)

	if opts.DropBoilerplate {
		text = dropBoilerplate(text)
	}

	if text == "" || len(text) < opts.MinLength {
		return "", fmt.Errorf("%w: document empty after cleaning", domain.ErrInvalidInput)
	}
	return text, nil
}

// stripControl removes control characters except newline and tab.
func stripControl(text string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r == '\r' {
			return r
		}
		if unicode.IsControl(r) || r == '�' {
			return -1
		}
		return r
	}, text)
}

func normalizeLineBreaks(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.ReplaceAll(text, "\t", " ")
}

func dropBoilerplate(text string) string {
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && isBoilerplate(trimmed) {
			continue
		}
		kept = append(kept, line)
	}
	out := strings.Join(kept, "\n")
	return strings.TrimSpace(multiNewline.ReplaceAllString(out, "\n\n"))
}

func isBoilerplate(line string) bool {
	for _, p := range boilerplatePatterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}
