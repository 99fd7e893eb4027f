// Package marketplace resolves plugin references against the plugin
// marketplace. The JSON API is the primary source and is guarded by a
// circuit breaker; the public plugin page, parsed as HTML, is the degraded
// fallback used when the API is failing or the breaker is open.
package marketplace
