package marketplace

import (
	"errors"
	"fmt"
)

var (
	// ErrPluginNotFound is returned when the marketplace does not know the
	// plugin. It does not count against the circuit breaker.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrVersionNotFound is returned when a requested version is not
	// published for the plugin.
	ErrVersionNotFound = errors.New("plugin version not found")

	// ErrInvalidReference is returned for malformed author/name/version values.
	ErrInvalidReference = errors.New("invalid plugin reference")

	// ErrMalformedResponse is returned when a source answers with content
	// that cannot be interpreted.
	ErrMalformedResponse = errors.New("malformed marketplace response")
)

// StatusError reports an unexpected HTTP status from a marketplace source.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("marketplace request %s returned status %d", e.URL, e.StatusCode)
}

// isBreakerFailure classifies errors that indicate the dependency is
// unhealthy. Lookups for unknown plugins are a healthy answer.
func isBreakerFailure(err error) bool {
	return !errors.Is(err, ErrPluginNotFound) &&
		!errors.Is(err, ErrInvalidReference) &&
		!errors.Is(err, ErrVersionNotFound)
}
