package segmentapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/crewscope/segmenta/internal/analytics"
	"github.com/crewscope/segmenta/internal/cache"
	"github.com/crewscope/segmenta/internal/membership"
	"github.com/crewscope/segmenta/internal/ruleengine"
	"github.com/crewscope/segmenta/internal/store"
)

// API holds dependencies and the router for the segment control surface.
// It follows the Dependency Injection pattern to facilitate testing.
type API struct {
	// Router is the Chi multiplexer that handles HTTP requests.
	Router *chi.Mux

	segments store.SegmentRepository
	members  store.MemberRepository
	syncs    store.SyncRepository

	registry   *ruleengine.Registry
	membership *membership.Service
	analytics  *analytics.Service

	// cache is used to publish segment update events to subscribers.
	cache cache.Service

	// apiKeyHash is the SHA-256 hash of the valid API key.
	apiKeyHash string

	// skipAuth disables authentication when true (test/dev environments only).
	skipAuth bool
}

// Deps bundles the collaborators the API needs.
type Deps struct {
	Segments   store.SegmentRepository
	Members    store.MemberRepository
	Syncs      store.SyncRepository
	Registry   *ruleengine.Registry
	Membership *membership.Service
	Analytics  *analytics.Service
	Cache      cache.Service
}

// NewAPI creates a new API instance with authentication enabled.
// The apiKeyHash parameter must be the SHA-256 hash of the API key.
func NewAPI(deps Deps, apiKeyHash string) *API {
	return NewAPIWithConfig(deps, apiKeyHash, false)
}

// NewAPIWithConfig creates a new API instance with explicit control over
// authentication. skipAuth disables the API key check and exists for
// tests and local development.
func NewAPIWithConfig(deps Deps, apiKeyHash string, skipAuth bool) *API {
	if deps.Segments == nil {
		panic("segmentapi: segment repository cannot be nil")
	}
	if deps.Members == nil {
		panic("segmentapi: member repository cannot be nil")
	}
	if deps.Syncs == nil {
		panic("segmentapi: sync repository cannot be nil")
	}
	if deps.Registry == nil {
		panic("segmentapi: attribute registry cannot be nil")
	}
	if deps.Membership == nil {
		panic("segmentapi: membership service cannot be nil")
	}
	if deps.Analytics == nil {
		panic("segmentapi: analytics service cannot be nil")
	}
	if !skipAuth && apiKeyHash == "" {
		panic("segmentapi: apiKeyHash cannot be empty when authentication is enabled")
	}

	api := &API{
		Router:     chi.NewRouter(),
		segments:   deps.Segments,
		members:    deps.Members,
		syncs:      deps.Syncs,
		registry:   deps.Registry,
		membership: deps.Membership,
		analytics:  deps.Analytics,
		cache:      deps.Cache,
		apiKeyHash: apiKeyHash,
		skipAuth:   skipAuth,
	}

	api.configureRoutes()
	return api
}

// configureRoutes registers the global middleware stack and API endpoints.
func (a *API) configureRoutes() {
	// RequestID: unique ID per request context, essential for tracing.
	a.Router.Use(middleware.RequestID)
	// RealIP: correctly sets the IP if behind a proxy/LB.
	a.Router.Use(middleware.RealIP)
	a.Router.Use(RequestLogger)
	// Recoverer: prevents the server from crashing on panics, returning 500 instead.
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(render.SetContentType(render.ContentTypeJSON))

	// Public routes (no authentication required)
	a.Router.Get("/health", a.handleHealthCheck)

	// Protected API V1 routes
	a.Router.Route("/api/v1", func(r chi.Router) {
		r.Use(a.authenticateAPIKey)

		r.Get("/attributes", a.handleListAttributes)

		r.Route("/rules", func(r chi.Router) {
			r.Post("/validate", a.handleValidateRule)
			r.Post("/test", a.handleTestRule)
		})

		r.Route("/segments", func(r chi.Router) {
			r.Post("/", a.handleCreateSegment)
			r.Get("/", a.handleListSegments)
			r.Get("/compare", a.handleCompareSegments)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.handleGetSegment)
				r.Patch("/", a.handleUpdateSegment)
				r.Delete("/", a.handleDeleteSegment)

				r.Route("/members", func(r chi.Router) {
					r.Get("/", a.handleListMembers)
					r.Post("/", a.handleAddMember)
					r.Delete("/{workerID}", a.handleRemoveMember)
				})

				r.Route("/sync", func(r chi.Router) {
					r.Post("/", a.handleTriggerSync)
					r.Get("/", a.handleSyncStatus)
				})

				r.Post("/test", a.handleTestSavedRule)
				r.Get("/explain/{workerID}", a.handleExplainWorker)
				r.Get("/growth", a.handleSegmentGrowth)
				r.Get("/overlaps", a.handleOverlappingSegments)
				r.Get("/differentiators", a.handleDifferentiators)
			})
		})
	})
}

// handleHealthCheck verifies if the service is serving HTTP. Deep checks
// live on the observability server's readiness probe.
func (a *API) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"status": "ok"})
}

// handleListAttributes returns the attribute catalog the rule editor
// builds conditions from, with the legal operators per attribute.
func (a *API) handleListAttributes(w http.ResponseWriter, r *http.Request) {
	type attributeDTO struct {
		Path      string                `json:"path"`
		Label     string                `json:"label"`
		Type      string                `json:"type"`
		Operators []ruleengine.Operator `json:"operators"`
	}

	specs := a.registry.Attributes()
	out := make([]attributeDTO, len(specs))
	for i, spec := range specs {
		out[i] = attributeDTO{
			Path:      spec.Path,
			Label:     spec.Label,
			Type:      string(spec.Type),
			Operators: a.registry.LegalOperators(spec.Path),
		}
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]any{"attributes": out})
}
