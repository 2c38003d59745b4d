package projections

import (
	"context"
	"path"
	"strings"
	"unicode"

	templateStore "newsletter/internal/adapters/storage/template"
)

// GetTemplatesDeps holds dependencies for the template list projection.
type GetTemplatesDeps struct {
	Templates templateStore.Store
}

// TemplateOption is one entry of the form's template selector.
type TemplateOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// QueryGetTemplates lists the available templates with display labels.
// PRE: none
// POST: Returns options sorted by ID; an empty directory yields an empty slice
func QueryGetTemplates(ctx context.Context, deps GetTemplatesDeps) ([]TemplateOption, error) {
	names, err := deps.Templates.List(ctx)
	if err != nil {
		return nil, err
	}
	opts := make([]TemplateOption, 0, len(names))
	for _, n := range names {
		opts = append(opts, TemplateOption{ID: n, Label: TemplateLabel(n)})
	}
	return opts, nil
}

// TemplateLabel derives a human label from a template filename:
// "template1.html" becomes "Template 1", "weekly_digest.html" becomes "Weekly Digest".
func TemplateLabel(name string) string {
	base := strings.TrimSuffix(name, path.Ext(name))

	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range base {
		switch {
		case r == '_' || r == '-' || r == '.' || unicode.IsSpace(r):
			flush()
		case len(cur) > 0 && unicode.IsDigit(r) != unicode.IsDigit(cur[len(cur)-1]):
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
	}
	flush()

	for i, w := range words {
		rs := []rune(w)
		rs[0] = unicode.ToUpper(rs[0])
		words[i] = string(rs)
	}
	if len(words) == 0 {
		return name
	}
	return strings.Join(words, " ")
}
