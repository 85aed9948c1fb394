package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/formbridge/api/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

type routerConfig struct {
	basePath    string
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers

	datasets  RouteRegistrar
	fieldSets RouteRegistrar
	mappings  RouteRegistrar
	profiles  RouteRegistrar
	fillRuns  RouteRegistrar
	assets    RouteRegistrar
	admin     RouteRegistrar
	hooks     RouteRegistrar

	hookMiddlewares  []func(http.Handler) http.Handler
	adminMiddlewares []func(http.Handler) http.Handler
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

const (
	defaultAPIPrefix  = "/api/v1"
	defaultTimeout    = 60 * time.Second
	errorNotFoundCode = "route_not_found"
)

// NewRouter constructs the chi router with shared middleware and expected route groups.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath: defaultAPIPrefix,
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(defaultTimeout),
		},
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	r := chi.NewRouter()

	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(errorNotFoundCode, fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.basePath, func(api chi.Router) {
		mount := func(path string, registrar RouteRegistrar, name string, groupMW []func(http.Handler) http.Handler) {
			api.Route(path, func(group chi.Router) {
				for _, mw := range groupMW {
					if mw != nil {
						group.Use(mw)
					}
				}
				if registrar != nil {
					registrar(group)
					return
				}
				registerNotImplemented(group, name)
			})
		}

		mount("/datasets", cfg.datasets, "datasets", nil)
		mount("/field-sets", cfg.fieldSets, "fieldSets", nil)
		mount("/mappings", cfg.mappings, "mappings", nil)
		mount("/profiles", cfg.profiles, "profiles", nil)
		mount("/fill-runs", cfg.fillRuns, "fillRuns", nil)
		if cfg.assets != nil {
			cfg.assets(api)
		} else {
			registerNotImplementedRoute(api, "/assets:signed-upload", "assets")
			registerNotImplementedRoute(api, "/assets/{assetId}:signed-download", "assets")
		}
		mount("/admin", cfg.admin, "admin", cfg.adminMiddlewares)
		mount("/hooks", cfg.hooks, "hooks", cfg.hookMiddlewares)
	})

	return r
}

// WithMiddlewares appends additional global middleware to the router.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the handlers used for /healthz and /readyz endpoints.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithDatasetRoutes configures the registrar responsible for dataset endpoints.
func WithDatasetRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.datasets = reg
	}
}

// WithFieldSetRoutes configures the registrar responsible for field set endpoints.
func WithFieldSetRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.fieldSets = reg
	}
}

// WithMappingRoutes configures the registrar responsible for mapping endpoints.
func WithMappingRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.mappings = reg
	}
}

// WithProfileRoutes configures the registrar responsible for mapping profile endpoints.
func WithProfileRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.profiles = reg
	}
}

// WithFillRunRoutes configures the registrar responsible for fill run endpoints.
func WithFillRunRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.fillRuns = reg
	}
}

// WithAssetRoutes configures the registrar responsible for signed asset endpoints.
func WithAssetRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.assets = reg
	}
}

// WithAdminRoutes configures the registrar responsible for admin endpoints.
func WithAdminRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.admin = reg
	}
}

// WithAdminMiddlewares configures middlewares applied to the /admin group.
func WithAdminMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.adminMiddlewares = append(cfg.adminMiddlewares, mw...)
	}
}

// WithHookRoutes configures the registrar responsible for hook endpoints.
func WithHookRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.hooks = reg
	}
}

// WithHookMiddlewares configures middlewares applied to the /hooks group.
func WithHookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.hookMiddlewares = append(cfg.hookMiddlewares, mw...)
	}
}

func registerNotImplemented(r chi.Router, name string) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", fmt.Sprintf("%s routes not implemented", name), http.StatusNotImplemented))
	}
	r.HandleFunc("/*", handler)
	r.HandleFunc("/", handler)
	r.NotFound(handler)
	r.MethodNotAllowed(handler)
}

func registerNotImplementedRoute(r chi.Router, path string, name string) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", fmt.Sprintf("%s routes not implemented", name), http.StatusNotImplemented))
	}
	r.HandleFunc(path, handler)
}
