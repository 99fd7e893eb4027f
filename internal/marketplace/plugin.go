package marketplace

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/hashicorp/go-version"
)

// Plugin describes one marketplace plugin.
type Plugin struct {
	Author        string   `json:"author"`
	Name          string   `json:"name"`
	LatestVersion string   `json:"latest_version"`
	Versions      []string `json:"versions,omitempty"`
	Description   string   `json:"description,omitempty"`
}

// Reference names a plugin and optionally a version. An empty version means
// the latest one.
type Reference struct {
	Author  string `json:"author" validate:"required,max=64"`
	Name    string `json:"name" validate:"required,max=128"`
	Version string `json:"version,omitempty" validate:"omitempty,max=64"`
}

var identPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Validate checks that the reference is safe to embed in URLs and paths.
func (r Reference) Validate() error {
	if !identPattern.MatchString(r.Author) {
		return fmt.Errorf("%w: author %q", ErrInvalidReference, r.Author)
	}
	if !identPattern.MatchString(r.Name) {
		return fmt.Errorf("%w: name %q", ErrInvalidReference, r.Name)
	}
	if r.Version != "" {
		if _, err := version.NewVersion(r.Version); err != nil {
			return fmt.Errorf("%w: version %q", ErrInvalidReference, r.Version)
		}
	}
	return nil
}

// String renders the reference as author/name[@version].
func (r Reference) String() string {
	s := r.Author + "/" + r.Name
	if r.Version != "" {
		s += "@" + r.Version
	}
	return s
}

// HasVersion reports whether v is one of the published versions. A plugin
// without a version list only knows its latest version.
func (p Plugin) HasVersion(v string) bool {
	if v == p.LatestVersion {
		return true
	}
	want, err := version.NewVersion(v)
	if err != nil {
		return false
	}
	for _, s := range p.Versions {
		if have, err := version.NewVersion(s); err == nil && have.Equal(want) {
			return true
		}
	}
	return false
}

// normalize sorts Versions newest first and derives LatestVersion when the
// source did not provide one. Unparseable versions are dropped.
func (p *Plugin) normalize() {
	parsed := make(version.Collection, 0, len(p.Versions))
	for _, s := range p.Versions {
		if v, err := version.NewVersion(s); err == nil {
			parsed = append(parsed, v)
		}
	}
	sort.Sort(sort.Reverse(parsed))

	p.Versions = p.Versions[:0]
	for _, v := range parsed {
		p.Versions = append(p.Versions, v.Original())
	}
	if p.LatestVersion == "" && len(p.Versions) > 0 {
		p.LatestVersion = p.Versions[0]
	}
	p.Description = strings.TrimSpace(p.Description)
}

// DownloadURL returns the package download URL for version v under apiBase.
func DownloadURL(apiBase string, ref Reference, v string) string {
	return fmt.Sprintf("%s/plugins/%s/%s/%s/download",
		strings.TrimRight(apiBase, "/"),
		url.PathEscape(ref.Author),
		url.PathEscape(ref.Name),
		url.PathEscape(v))
}
