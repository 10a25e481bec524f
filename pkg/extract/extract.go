// Package extract turns raw uploaded bytes into plain text based on the
// declared content type. Plain text and markdown pass through, HTML is
// stripped to its text, PDF pages are concatenated.
package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	pdf "github.com/dslipak/pdf"

	"github.com/contexa/ragengine/pkg/domain"
	"github.com/contexa/ragengine/pkg/log"
)

var logger = log.WithModule("extract")

// Text extracts plain text from raw content. Unknown content types are a
// validation error, not a transient one.
func Text(raw []byte, contentType string) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: empty content", domain.ErrInvalidInput)
	}

	// Strip any charset suffix ("text/html; charset=utf-8").
	if idx := strings.IndexByte(contentType, ';'); idx >= 0 {
		contentType = contentType[:idx]
	}
	contentType = strings.TrimSpace(strings.ToLower(contentType))

	switch contentType {
	case "", "text/plain", "text/markdown", "text/x-markdown":
		return string(raw), nil
	case "text/html", "application/xhtml+xml":
		return fromHTML(raw)
	case "application/pdf":
		return fromPDF(raw)
	default:
		return "", fmt.Errorf("%w: unsupported content type %q", domain.ErrInvalidInput, contentType)
	}
}

func fromHTML(raw []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("%w: malformed HTML: %v", domain.ErrInvalidInput, err)
	}
	doc.Find("script, style, nav, footer, noscript").Remove()

	var b strings.Builder
	doc.Find("h1, h2, h3, h4, h5, h6, p, li, td, th, pre, blockquote").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text != "" {
			b.WriteString(text)
			b.WriteString("\n\n")
		}
	})
	if b.Len() == 0 {
		// Fall back to the whole body text for documents without
		// block-level structure.
		return strings.TrimSpace(doc.Text()), nil
	}
	return strings.TrimSpace(b.String()), nil
}

func fromPDF(raw []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("%w: unreadable PDF: %v", domain.ErrInvalidInput, err)
	}

	var content strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			logger.Warn("failed to extract pdf page", "page", i, "error", err)
			continue
		}
		content.WriteString(text)
		content.WriteString("\n")
	}
	return content.String(), nil
}
