package marketplace

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/repackd/internal/config"
	"github.com/phrazzld/repackd/internal/redact"
	"github.com/phrazzld/repackd/internal/resilience"
)

// Source is a plugin metadata source.
type Source interface {
	Plugin(ctx context.Context, ref Reference) (Plugin, error)
}

// Resolution is a reference pinned to a concrete version and download URL.
type Resolution struct {
	Reference   Reference         `json:"reference"`
	Version     string            `json:"version"`
	DownloadURL string            `json:"download_url"`
	Source      resilience.Source `json:"source"`
	Degraded    bool              `json:"degraded"`
}

// Metadata renders the resolution as task source metadata.
func (r Resolution) Metadata() map[string]string {
	degraded := "false"
	if r.Degraded {
		degraded = "true"
	}
	return map[string]string{
		"marketplace_author":   r.Reference.Author,
		"marketplace_name":     r.Reference.Name,
		"marketplace_version":  r.Version,
		"marketplace_source":   string(r.Source),
		"marketplace_degraded": degraded,
		"download_url":         redact.URL(r.DownloadURL),
	}
}

// Service looks plugins up through a primary source, a breaker and a
// fallback source.
type Service struct {
	primary  Source
	fallback Source
	chain    *resilience.Chain[Plugin]
	apiBase  string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewService assembles a Service from explicit parts.
func NewService(
	primary, fallback Source,
	chain *resilience.Chain[Plugin],
	apiBase string,
	timeout time.Duration,
	logger *slog.Logger,
) *Service {
	return &Service{
		primary:  primary,
		fallback: fallback,
		chain:    chain,
		apiBase:  apiBase,
		timeout:  timeout,
		logger:   logger.With("component", "marketplace_service"),
	}
}

// NewServiceFromConfig wires the API client, the page scraper, a breaker and
// the result cache from cfg.
func NewServiceFromConfig(cfg config.MarketplaceConfig, httpClient *http.Client, logger *slog.Logger) *Service {
	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		Name:             "marketplace",
		FailureThreshold: cfg.FailureThreshold,
		RecoveryTimeout:  cfg.RecoveryTimeout,
		IsExpected:       isBreakerFailure,
	}, logger)
	chain := resilience.NewChain[Plugin](breaker, resilience.ChainConfig{
		CacheSize: cfg.CacheSize,
		CacheTTL:  cfg.CacheTTL,
	}, logger)

	return NewService(
		NewAPIClient(cfg.APIBaseURL, httpClient),
		NewScraper(cfg.WebBaseURL, httpClient),
		chain,
		cfg.APIBaseURL,
		cfg.RequestTimeout,
		logger,
	)
}

// Plugin looks up author/name. The result says which source produced it.
func (s *Service) Plugin(ctx context.Context, ref Reference) (resilience.Result[Plugin], error) {
	if err := ref.Validate(); err != nil {
		return resilience.Result[Plugin]{Source: resilience.SourceNone}, err
	}

	key := resilience.Key{Operation: "plugin", Params: []string{ref.Author, ref.Name}}
	return s.chain.Do(ctx, key, s.bounded(s.primary, ref), s.bounded(s.fallback, ref))
}

// bounded applies the per-request timeout to one source call.
func (s *Service) bounded(src Source, ref Reference) func(ctx context.Context) (Plugin, error) {
	if src == nil {
		return nil
	}
	return func(ctx context.Context) (Plugin, error) {
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
		return src.Plugin(ctx, ref)
	}
}

// Resolve pins ref to a version and builds its download URL.
func (s *Service) Resolve(ctx context.Context, ref Reference) (Resolution, error) {
	result, err := s.Plugin(ctx, ref)
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to resolve %s: %w", ref, err)
	}

	plugin := result.Value
	v := ref.Version
	if v == "" {
		v = plugin.LatestVersion
	} else if !plugin.HasVersion(v) {
		return Resolution{}, fmt.Errorf("%w: %s", ErrVersionNotFound, ref)
	}

	resolved := Resolution{
		Reference:   Reference{Author: ref.Author, Name: ref.Name, Version: v},
		Version:     v,
		DownloadURL: DownloadURL(s.apiBase, ref, v),
		Source:      result.Source,
		Degraded:    result.Degraded,
	}
	s.logger.Debug("resolved plugin reference",
		"reference", ref.String(),
		"version", v,
		"source", result.Source,
		"cached", result.Cached)
	return resolved, nil
}

// Status returns the breaker state.
func (s *Service) Status() resilience.CircuitState {
	return s.chain.Breaker().Snapshot()
}
