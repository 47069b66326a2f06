package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	appinventory "github.com/bryanwahyu/cardscan/internal/application/inventory"
	appscans "github.com/bryanwahyu/cardscan/internal/application/scans"
	appvision "github.com/bryanwahyu/cardscan/internal/application/vision"
	"github.com/bryanwahyu/cardscan/internal/domain/cards"
	"github.com/bryanwahyu/cardscan/internal/domain/inventory"
	"github.com/bryanwahyu/cardscan/internal/domain/scans"
	"github.com/bryanwahyu/cardscan/internal/domain/vision"
	"github.com/bryanwahyu/cardscan/internal/middleware"
)

// BackendControl is the orchestrator surface the API exposes.
type BackendControl interface {
	Current() vision.BackendID
	Status() []appvision.BackendStatus
	SetEnabled(id vision.BackendID, enabled bool) error
}

// Deps wires the router.
type Deps struct {
	Scans     *appscans.Service
	Inventory *appinventory.Service
	Vision    BackendControl
	Lookup    cards.Lookup
	Logger    *log.Logger
	// Health checks served on /healthz, keyed by name.
	Health map[string]middleware.HealthChecker

	CORSOrigins []string
	APIKeys     map[string]string
	RateLimit   float64
	RateBurst   int
	// MaxUploadBytes bounds one multipart upload.
	MaxUploadBytes int64
}

type Router struct {
	scans     *appscans.Service
	inventory *appinventory.Service
	vision    BackendControl
	lookup    cards.Lookup
	logger    *log.Logger
	maxUpload int64
}

var errBadRequest = errors.New("bad request")

func NewRouter(d Deps) http.Handler {
	r := &Router{
		scans:     d.Scans,
		inventory: d.Inventory,
		vision:    d.Vision,
		lookup:    d.Lookup,
		logger:    d.Logger,
		maxUpload: d.MaxUploadBytes,
	}
	if r.logger == nil {
		r.logger = log.Default()
	}
	if r.maxUpload <= 0 {
		r.maxUpload = 64 << 20
	}

	mux := chi.NewRouter()
	mux.Use(middleware.Logging(r.logger))
	mux.Use(middleware.MetricsMiddleware)
	if len(d.CORSOrigins) > 0 {
		mux.Use(cors.Handler(cors.Options{
			AllowedOrigins: d.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}
	mux.Use(middleware.APIKeyAuth(d.APIKeys))
	if d.RateLimit > 0 {
		mux.Use(middleware.RateLimitMiddleware(d.RateLimit, d.RateBurst))
	}

	mux.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.Get("/healthz", middleware.HealthHandler(d.Health))
	mux.Get("/readyz", middleware.ReadinessHandler)
	mux.Get("/livez", middleware.LivenessHandler)
	mux.Get("/metrics", middleware.MetricsHandler(r.backendStatus))

	mux.Route("/v1/{tenant}", func(rt chi.Router) {
		rt.Use(middleware.RequireValidTenant)

		rt.Post("/scans", r.wrap(r.handleCreateScan))
		rt.Get("/scans", r.wrap(r.handleListScans))
		rt.Get("/scans/{id}", r.wrap(r.handleGetScan))
		rt.Delete("/scans/{id}", r.wrap(r.handleCancelScan))
		rt.Post("/scans/{id}/images", r.wrap(r.handleUploadImages))
		rt.Get("/scans/{id}/images", r.wrap(r.handleListImages))
		rt.Post("/scans/{id}/process", r.wrap(r.handleProcess))
		rt.Get("/scans/{id}/results", r.wrap(r.handleResults))
		rt.Post("/scans/{id}/results:decide", r.wrap(r.handleDecide))
		rt.Post("/scans/{id}/commit", r.wrap(r.handleCommit))
		rt.Get("/scans/{id}/errors", r.wrap(r.handleErrorLog))

		rt.Get("/inventory", r.wrap(r.handleListInventory))
		rt.Post("/inventory", r.wrap(r.handleAddEntry))
		rt.Get("/inventory/stats", r.wrap(r.handleStats))
		rt.Get("/inventory/{id}", r.wrap(r.handleGetEntry))
		rt.Put("/inventory/{id}", r.wrap(r.handleUpdateEntry))
		rt.Delete("/inventory/{id}", r.wrap(r.handleDeleteEntry))
		rt.Post("/inventory/{id}:increment", r.wrap(r.handleIncrement))
		rt.Post("/inventory/{id}/increment", r.wrap(r.handleIncrement))

		rt.Get("/backends", r.wrap(r.handleBackends))
		rt.Put("/backends/{id}", r.wrap(r.handleSetBackend))
		rt.Get("/cards/lookup", r.wrap(r.handleLookup))
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}
		status, body := classify(err)
		if status >= 500 {
			r.logger.Error("request failed", "method", req.Method, "path", req.URL.Path, "err", err)
		}
		writeJSON(w, status, body)
	}
}

func classify(err error) (int, errorBody) {
	var exhausted *vision.ExhaustedError
	switch {
	case errors.Is(err, scans.ErrNotFound), errors.Is(err, inventory.ErrNotFound):
		return http.StatusNotFound, errorBody{Error: err.Error()}
	case errors.Is(err, scans.ErrInvalidTransition),
		errors.Is(err, scans.ErrIntegrity),
		errors.Is(err, scans.ErrValidation),
		errors.Is(err, inventory.ErrValidation),
		errors.Is(err, inventory.ErrAlreadyCommitted),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest, errorBody{Error: err.Error()}
	case errors.As(err, &exhausted):
		return http.StatusInternalServerError, errorBody{Error: vision.ErrAllBackendsExhausted.Error(), Details: exhausted.Failures}
	default:
		return http.StatusInternalServerError, errorBody{Error: err.Error()}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// decodeBody reads a JSON body into v and validates it. An empty body leaves v zeroed.
func decodeBody(req *http.Request, v any) error {
	dec := json.NewDecoder(req.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	if err := middleware.ValidateStruct(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func pathID(req *http.Request, kind string) (string, error) {
	id := chi.URLParam(req, "id")
	if err := middleware.ValidateID(kind, id); err != nil {
		return "", fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return id, nil
}

// queryInt parses an optional integer query parameter.
func queryInt(req *http.Request, name string) (int, error) {
	raw := req.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", errBadRequest, name)
	}
	return n, nil
}

func (r *Router) backendStatus() any {
	if r.vision == nil {
		return nil
	}
	return r.vision.Status()
}
