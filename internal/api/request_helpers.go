package api

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/repackd/internal/repack"
)

// getPathParam returns a required chi URL parameter.
func getPathParam(r *http.Request, name string) (string, error) {
	v := chi.URLParam(r, name)
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", repack.ErrInvalidRequest, name)
	}
	return v, nil
}

// resolveLocalPath maps a client supplied path onto root. Paths that leave
// root, and every path when root is empty, are rejected.
func resolveLocalPath(root, p string) (string, error) {
	if root == "" {
		return "", ErrLocalInputDisabled
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)

	rel, err := filepath.Rel(filepath.Clean(root), p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside the input directory", ErrLocalInputDisabled, p)
	}
	return p, nil
}
