// Package httpapi is the portal's HTTP authority: authentication, the
// complaint lifecycle, analytics and live updates.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"civicpulse.org/internal/analytics"
	"civicpulse.org/internal/apperr"
	"civicpulse.org/internal/auth"
	"civicpulse.org/internal/complaint"
	"civicpulse.org/internal/media"
	"civicpulse.org/internal/obs"
	"civicpulse.org/internal/stream"
)

const maxJSONBody = 1 << 20

// ReadyProbe checks dependencies before the server accepts traffic.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps are the components the API serves.
type Deps struct {
	Auth       *auth.Service
	Complaints *complaint.Engine
	Media      *media.Store
	Stream     *stream.Stream
	Analytics  *analytics.Aggregator
	Clusters   *analytics.ClusterService
	Stats      *analytics.Cache[analytics.Stats]
	Ready      ReadyProbe
	Version    string
}

// Option tunes the HTTP edge.
type Option func(*API)

// WithRateLimit sets the per-client token bucket.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		a.ratePerSec = perSecond
		a.rateBurst = burst
	}
}

// WithCORSOrigins allows browser clients from origins.
func WithCORSOrigins(origins []string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

// WithMaxUploadBytes bounds multipart complaint submissions.
func WithMaxUploadBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxUpload = n
		}
	}
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	auth       *auth.Service
	complaints *complaint.Engine
	media      *media.Store
	stream     *stream.Stream
	analytics  *analytics.Aggregator
	clusters   *analytics.ClusterService
	stats      *analytics.Cache[analytics.Stats]

	ratePerSec  float64
	rateBurst   int
	corsOrigins []string
	maxUpload   int64
}

// New wires routes over deps.
func New(deps Deps, opts ...Option) (*API, error) {
	if deps.Auth == nil || deps.Complaints == nil {
		return nil, errors.New("auth service and complaint engine are required")
	}
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: deps.Ready,
		version:    deps.Version,
		auth:       deps.Auth,
		complaints: deps.Complaints,
		media:      deps.Media,
		stream:     deps.Stream,
		analytics:  deps.Analytics,
		clusters:   deps.Clusters,
		stats:      deps.Stats,
		ratePerSec: 20,
		rateBurst:  40,
		maxUpload:  5 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.analytics == nil {
		a.analytics = analytics.NewAggregator(a.complaints.Store())
	}
	if a.clusters == nil {
		a.clusters = analytics.NewClusterService(a.complaints.Store(), nil)
	}
	if a.stats == nil {
		a.stats = analytics.NewCache[analytics.Stats](0)
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /auth/register", a.handleRegister)
	a.mux.HandleFunc("POST /auth/login", a.handleLogin)
	a.mux.HandleFunc("POST /auth/token/refresh", a.handleRefresh)
	a.mux.HandleFunc("GET /profile", a.handleProfile)
	a.mux.HandleFunc("PATCH /profile", a.handleUpdateProfile)

	a.mux.HandleFunc("POST /complaints", a.handleCreateComplaint)
	a.mux.HandleFunc("GET /complaints", a.handleListComplaints)
	a.mux.HandleFunc("GET /complaints/events", a.Stream)
	a.mux.HandleFunc("GET /complaints/{id}", a.handleGetComplaint)
	a.mux.HandleFunc("PATCH /complaints/{id}/status", a.handleTransition)
	a.mux.HandleFunc("GET /complaints/{id}/history", a.handleHistory)
	a.mux.HandleFunc("POST /complaints/{id}/assign", a.handleAssign)
	a.mux.HandleFunc("POST /complaints/{id}/rate", a.handleRate)

	a.mux.HandleFunc("GET /analytics/stats", a.handleStats)
	a.mux.HandleFunc("GET /analytics/heatmap", a.handleHeatmap)
	a.mux.Handle("POST /analytics/clusters", RequireRole(auth.RoleOfficer)(http.HandlerFunc(a.handleRunClusters)))
	a.mux.HandleFunc("GET /analytics/clusters", a.handleClusters)

	a.mux.HandleFunc("GET /media/{ref...}", a.handleMedia)

	return a, nil
}

// Handler returns the fully wrapped handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.corsOrigins)
	h = SecurityHeaders(h)
	h = obs.Instrument(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "civicpulse-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders a plain message with the request id.
func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, apperr.Body{
		Error:     msg,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

// respondError renders err using its apperr code. Uncoded errors are logged
// and hidden behind a generic 500.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	body := apperr.ToBody(err)
	body.RequestID = RequestIDFromContext(r.Context())
	status := apperr.HTTPStatus(body.Code)
	if status >= http.StatusInternalServerError {
		obs.Logger().Error("request failed",
			zap.String("request_id", body.RequestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxJSONBody)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation(apperr.FieldError{Field: "body", Message: "request body is required"})
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Validation(apperr.FieldError{Field: "body", Message: "request body too large"})
		}
		return apperr.Validation(apperr.FieldError{Field: "body", Message: err.Error()})
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return apperr.Validation(apperr.FieldError{Field: "body", Message: "unexpected data after JSON body"})
	}
	return nil
}
