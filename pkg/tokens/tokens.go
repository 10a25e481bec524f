package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter estimates token usage for budgeting context windows and for the
// usage figures reported with each completed run.
type Counter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

func NewCounter() *Counter {
	return &Counter{}
}

// Count returns the token count of text. It uses cl100k_base when the
// encoding is available and falls back to a character heuristic otherwise,
// so counting never fails.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			c.enc = enc
		}
	})
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	// Rough average of four characters per token for English text.
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// CountAll sums the token counts of several texts.
func (c *Counter) CountAll(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += c.Count(t)
	}
	return total
}
