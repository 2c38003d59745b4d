package orchestrators

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
	goldmarkHTML "github.com/yuin/goldmark/renderer/html"

	domain "newsletter/internal/domain/newsletter"
)

// mdRenderer is a goldmark instance configured for safe HTML output.
// Raw HTML in markdown input is omitted (WithUnsafe is NOT set).
var mdRenderer = goldmark.New(
	goldmark.WithRendererOptions(
		goldmarkHTML.WithHardWraps(),
	),
)

// renderContent turns the shared body content into the HTML that replaces the
// {{content}} token. HTML content is inserted verbatim.
func renderContent(content, format string) (string, error) {
	if format != domain.FormatMarkdown {
		return content, nil
	}
	var buf bytes.Buffer
	if err := mdRenderer.Convert([]byte(content), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}
