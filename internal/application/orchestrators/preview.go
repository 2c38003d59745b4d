package orchestrators

import (
	"context"
	"html"
	"strings"

	templateStore "newsletter/internal/adapters/storage/template"
	domain "newsletter/internal/domain/newsletter"
)

// PreviewInput carries the fields needed to render one sample email.
type PreviewInput struct {
	TemplateID string
	Content    string
	Format     string
	Name       string
}

// PreviewDeps holds dependencies for Preview.
type PreviewDeps struct {
	Templates templateStore.Store
}

// ExecutePreview renders the template for a sample recipient without sending.
// PRE: TemplateID is non-empty
// POST: Returns the rendered HTML exactly as Dispatch would send it to Name
func ExecutePreview(ctx context.Context, input PreviewInput, deps PreviewDeps) (string, error) {
	if strings.TrimSpace(input.TemplateID) == "" {
		return "", domain.ErrTemplateRequired
	}
	switch input.Format {
	case "", domain.FormatHTML, domain.FormatMarkdown:
	default:
		return "", domain.NewValidationError("unsupported content format: " + input.Format)
	}

	tpl, err := deps.Templates.Get(ctx, input.TemplateID)
	if err != nil {
		return "", domain.NewTemplateLoadError(input.TemplateID, err)
	}

	content, err := renderContent(input.Content, input.Format)
	if err != nil {
		return "", &domain.Error{Kind: domain.KindInternal, Message: "Content rendering failed", Err: err}
	}

	return tpl.Render(map[string]string{
		domain.KeyName:    html.EscapeString(input.Name),
		domain.KeyContent: content,
	}), nil
}
