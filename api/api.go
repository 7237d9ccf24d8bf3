// Package api exposes the CA over REST: submit a CSR, fetch issued
// certificates and chains, revoke, and inspect CA state.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmcleod/signet/certstore"
	"github.com/jmcleod/signet/issuer"
	"github.com/jmcleod/signet/ledger"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	engine *issuer.Engine
	ledger *ledger.Ledger
	store  *certstore.Store
	logger *slog.Logger
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for request handling.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// New creates a new API instance.
func New(engine *issuer.Engine, led *ledger.Ledger, store *certstore.Store, opts ...Option) *API {
	a := &API{
		engine: engine,
		ledger: led,
		store:  store,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Get("/ca", a.handleCAInfo)
	r.Get("/ca/certificate", a.handleCACertificate)

	r.Post("/certificates", a.handleIssue)
	r.Get("/certificates", a.handleList)
	r.Get("/certificates/{serial}", a.handleGet)
	r.Get("/certificates/{serial}/chain", a.handleChain)
	r.Post("/certificates/{serial}/revoke", a.handleRevoke)

	r.Handle("/metrics", promhttp.Handler())

	return r
}
