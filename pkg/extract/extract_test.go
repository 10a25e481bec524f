package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contexa/ragengine/pkg/domain"
)

func TestTextPlainPassthrough(t *testing.T) {
	out, err := Text([]byte("hello world"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)

	out, err = Text([]byte("# Title\n\nbody"), "text/markdown")
	require.NoError(t, err)
	assert.Equal(t, "# Title\n\nbody", out)
}

func TestTextStripsCharsetSuffix(t *testing.T) {
	out, err := Text([]byte("plain"), "text/plain; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, "plain", out)
}

func TestTextHTML(t *testing.T) {
	html := `<html><head><script>var x = 1;</script><style>p{}</style></head>
	<body><nav>Menu</nav><h1>Title</h1><p>First paragraph.</p><p>Second paragraph.</p>
	<footer>footer junk</footer></body></html>`

	out, err := Text([]byte(html), "text/html")
	require.NoError(t, err)
	assert.Contains(t, out, "Title")
	assert.Contains(t, out, "First paragraph.")
	assert.Contains(t, out, "Second paragraph.")
	assert.NotContains(t, out, "var x = 1")
	assert.NotContains(t, out, "Menu")
	assert.NotContains(t, out, "footer junk")
}

func TestTextHTMLWithoutBlocks(t *testing.T) {
	out, err := Text([]byte("<html><body>bare text</body></html>"), "text/html")
	require.NoError(t, err)
	assert.Equal(t, "bare text", out)
}

func TestTextUnsupportedType(t *testing.T) {
	_, err := Text([]byte("binary"), "image/png")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestTextEmptyContent(t *testing.T) {
	_, err := Text(nil, "text/plain")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestTextMalformedPDF(t *testing.T) {
	_, err := Text([]byte("definitely not a pdf"), "application/pdf")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
