package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/phrazzld/repackd/internal/api/shared"
	"github.com/phrazzld/repackd/internal/marketplace"
	"github.com/phrazzld/repackd/internal/platform/logger"
	"github.com/phrazzld/repackd/internal/resilience"
)

// PluginService looks plugins up through the resilient marketplace chain.
type PluginService interface {
	Plugin(ctx context.Context, ref marketplace.Reference) (resilience.Result[marketplace.Plugin], error)
	Resolve(ctx context.Context, ref marketplace.Reference) (marketplace.Resolution, error)
	Status() resilience.CircuitState
}

// MarketplaceHandler exposes plugin lookups and the breaker state.
type MarketplaceHandler struct {
	service PluginService
	logger  *slog.Logger
}

// NewMarketplaceHandler creates a new MarketplaceHandler
func NewMarketplaceHandler(service PluginService, logger *slog.Logger) *MarketplaceHandler {
	return &MarketplaceHandler{
		service: service,
		logger:  logger.With("component", "marketplace_handler"),
	}
}

// GetPlugin handles GET /api/marketplace/plugins/{author}/{name} requests
func (h *MarketplaceHandler) GetPlugin(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.reference(w, r)
	if !ok {
		return
	}

	result, err := h.service.Plugin(r.Context(), ref)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	if result.Degraded {
		logger.FromContextOrDefault(r.Context(), h.logger).Info("served plugin from fallback",
			slog.String("reference", ref.String()),
			slog.String("source", string(result.Source)))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, PluginResponse{
		Plugin:   result.Value,
		Source:   result.Source,
		Degraded: result.Degraded,
		Cached:   result.Cached,
	})
}

// ResolvePlugin handles GET /api/marketplace/plugins/{author}/{name}/resolve
// requests. The optional version query parameter pins the version.
func (h *MarketplaceHandler) ResolvePlugin(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.reference(w, r)
	if !ok {
		return
	}

	res, err := h.service.Resolve(r.Context(), ref)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, res)
}

// Status handles GET /api/marketplace/status requests
func (h *MarketplaceHandler) Status(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, h.service.Status())
}

func (h *MarketplaceHandler) reference(w http.ResponseWriter, r *http.Request) (marketplace.Reference, bool) {
	ref := marketplace.Reference{Version: r.URL.Query().Get("version")}

	var err error
	if ref.Author, err = getPathParam(r, "author"); err == nil {
		ref.Name, err = getPathParam(r, "name")
	}
	if err == nil {
		err = ref.Validate()
	}
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return marketplace.Reference{}, false
	}
	return ref, true
}
