// Package resilience protects the service from an unreliable upstream
// dependency. CircuitBreaker fails fast once the dependency has failed too
// often in a row and tries it again after a recovery timeout. Chain puts a
// breaker-guarded primary source in front of a degraded fallback and caches
// whatever either of them produced.
package resilience
