package repack

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/phrazzld/repackd/internal/marketplace"
	"github.com/phrazzld/repackd/internal/redact"
)

// Input kinds.
const (
	InputURL         = "url"
	InputLocal       = "local"
	InputMarketplace = "marketplace"
)

var flagValuePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Request describes one repackaging job. Exactly one of URL, LocalPath and
// Marketplace is set.
type Request struct {
	TaskID      string                 `json:"task_id"`
	URL         string                 `json:"url,omitempty"`
	LocalPath   string                 `json:"local_path,omitempty"`
	Marketplace *marketplace.Reference `json:"marketplace,omitempty"`
	Platform    string                 `json:"platform"`
	Suffix      string                 `json:"suffix"`
}

// InputKind returns which input descriptor is set.
func (r Request) InputKind() string {
	switch {
	case r.Marketplace != nil:
		return InputMarketplace
	case r.LocalPath != "":
		return InputLocal
	default:
		return InputURL
	}
}

// Validate checks the request shape.
func (r Request) Validate() error {
	if r.TaskID == "" {
		return fmt.Errorf("%w: missing task id", ErrInvalidRequest)
	}

	inputs := 0
	for _, set := range []bool{r.URL != "", r.LocalPath != "", r.Marketplace != nil} {
		if set {
			inputs++
		}
	}
	if inputs != 1 {
		return fmt.Errorf("%w: exactly one of url, local_path and marketplace must be set", ErrInvalidRequest)
	}

	if r.Marketplace != nil {
		if err := r.Marketplace.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	if !flagValuePattern.MatchString(r.Platform) {
		return fmt.Errorf("%w: invalid platform %q", ErrInvalidRequest, r.Platform)
	}
	if !flagValuePattern.MatchString(r.Suffix) {
		return fmt.Errorf("%w: invalid suffix %q", ErrInvalidRequest, r.Suffix)
	}
	return nil
}

// Metadata describes the request for the task record. URL inputs are
// reduced to scheme, host and path.
func (r Request) Metadata() map[string]string {
	m := map[string]string{
		"input_kind": r.InputKind(),
		"platform":   r.Platform,
		"suffix":     r.Suffix,
	}
	switch r.InputKind() {
	case InputURL:
		m["input"] = redact.URL(r.URL)
	case InputLocal:
		m["input"] = r.LocalPath
	case InputMarketplace:
		m["input"] = r.Marketplace.String()
	}
	return m
}

// Encode serializes the request for a dispatcher.
func (r Request) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRequest parses a payload produced by Encode.
func DecodeRequest(payload []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(payload, &r); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return r, nil
}

// ArtifactName returns the name the script gives its output for input:
// <stem>-<suffix><ext>.
func ArtifactName(input, suffix string) string {
	base := filepath.Base(input)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + "-" + suffix + ext
}
