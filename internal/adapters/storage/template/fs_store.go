package template

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	domain "newsletter/internal/domain/newsletter"
)

// Extension is the file extension of listed templates.
const Extension = ".html"

// ErrInvalidName is returned for names that would escape the template directory.
var ErrInvalidName = errors.New("invalid template name")

// FSStore implements Store over an fs.FS, normally a directory on disk.
type FSStore struct {
	fsys fs.FS
}

// NewFSStore creates a store over fsys.
func NewFSStore(fsys fs.FS) *FSStore {
	return &FSStore{fsys: fsys}
}

// NewDirStore creates a store reading templates from dir.
// PRE: dir is a readable directory
// POST: Returns a store; a missing dir surfaces as Get/List errors
func NewDirStore(dir string) *FSStore {
	return NewFSStore(os.DirFS(dir))
}

// Get reads the named template file in full.
// PRE: name is a bare .html filename inside the template directory
// POST: Returns the template, or an error wrapping fs.ErrNotExist / ErrInvalidName / the read error
func (s *FSStore) Get(ctx context.Context, name string) (domain.Template, error) {
	if err := ctx.Err(); err != nil {
		return domain.Template{}, err
	}
	if !validName(name) {
		return domain.Template{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	body, err := fs.ReadFile(s.fsys, name)
	if err != nil {
		return domain.Template{}, fmt.Errorf("read template %q: %w", name, err)
	}
	return domain.Template{Name: name, Body: string(body)}, nil
}

// List returns the names of all .html templates, sorted.
// POST: Returns names only (no directories), possibly empty
func (s *FSStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(s.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !validName(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// validName accepts only a single path element carrying the template extension,
// so Get serves exactly what List offers.
func validName(name string) bool {
	if name == "" || name == "." || !fs.ValidPath(name) {
		return false
	}
	if strings.ContainsAny(name, `/\`) {
		return false
	}
	return strings.EqualFold(path.Ext(name), Extension)
}
