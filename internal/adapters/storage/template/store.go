package template

import (
	"context"

	domain "newsletter/internal/domain/newsletter"
)

// Store reads email templates. Templates are read-only resources keyed by
// filename.
type Store interface {
	Get(ctx context.Context, name string) (domain.Template, error)
	List(ctx context.Context) ([]string, error)
}
