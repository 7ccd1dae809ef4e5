// Package api exposes the tracker over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/go-playground/validator/v10"
	"github.com/julienschmidt/httprouter"
	"github.com/klauspost/compress/gzhttp"

	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/logging"
	"fleet-tracker/internal/tracker"
)

const (
	maxBodyBytes  = 1 << 20
	defaultActor  = "operator"
	actorHeader   = "X-Actor"
	compressAbove = 1024
)

type Server struct {
	svc      tracker.Service
	metrics  http.Handler
	validate *validator.Validate
	logger   *slog.Logger
}

// New builds the API over svc. metrics, when non-nil, is mounted at /metrics.
func New(svc tracker.Service, metrics http.Handler) *Server {
	return &Server{
		svc:      svc,
		metrics:  metrics,
		validate: validator.New(),
		logger:   logging.Component("api"),
	}
}

// Routes returns the router wrapped in gzip compression.
func (s *Server) Routes() http.Handler {
	r := httprouter.New()
	r.HandlerFunc(http.MethodPost, "/api/v1/trips/:id/positions", s.submitPosition)
	r.HandlerFunc(http.MethodPost, "/api/v1/allocations", s.allocate)
	r.HandlerFunc(http.MethodDelete, "/api/v1/allocations/:id", s.deallocate)
	r.HandlerFunc(http.MethodPost, "/api/v1/trips", s.createTrip)
	r.HandlerFunc(http.MethodGet, "/api/v1/trips/:id", s.getTrip)
	r.HandlerFunc(http.MethodPost, "/api/v1/trips/:id/start", s.startTrip)
	r.HandlerFunc(http.MethodPost, "/api/v1/trips/:id/end", s.endTrip)
	r.HandlerFunc(http.MethodPost, "/api/v1/trips/:id/cancel", s.cancelTrip)
	r.HandlerFunc(http.MethodPost, "/api/v1/trips/:id/reschedule", s.rescheduleTrip)
	r.HandlerFunc(http.MethodGet, "/api/v1/reports", s.report)
	r.HandlerFunc(http.MethodGet, "/healthz", s.health)
	r.HandlerFunc(http.MethodGet, "/debug/state", s.debugState)
	if s.metrics != nil {
		r.Handler(http.MethodGet, "/metrics", s.metrics)
	}
	r.PanicHandler = func(w http.ResponseWriter, req *http.Request, v any) {
		s.logger.Error("handler panic", "path", req.URL.Path, "panic", v)
		s.writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}

	wrap, err := gzhttp.NewWrapper(gzhttp.MinSize(compressAbove), gzhttp.CompressionLevel(6))
	if err != nil {
		return gzhttp.GzipHandler(r)
	}
	return wrap(r)
}

func pathID(r *http.Request) string {
	return httprouter.ParamsFromContext(r.Context()).ByName("id")
}

func tripID(r *http.Request) string { return pathID(r) }

func actor(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if h := r.Header.Get(actorHeader); h != "" {
		return h
	}
	return defaultActor
}

// decode reads a JSON body into dst and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest(errors.New("empty body"))
		}
		return badRequest(fmt.Errorf("decode body: %w", err))
	}
	if err := s.validate.Struct(dst); err != nil {
		return badRequest(err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.LogError(s.logger, "encode response", err)
	}
}

type errorResponse struct {
	Code  int    `json:"code"`
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		logging.LogError(s.logger, "request failed", err, slog.Int("status", status))
	}
	s.writeJSON(w, status, errorResponse{Code: status, Error: err.Error()})
}

// fail maps a service error onto its HTTP status.
func (s *Server) fail(w http.ResponseWriter, err error) {
	s.writeError(w, statusFor(err), err)
}

type requestError struct{ err error }

func (e requestError) Error() string { return e.err.Error() }
func (e requestError) Unwrap() error { return e.err }

func badRequest(err error) error { return requestError{err: err} }

func statusFor(err error) int {
	var reqErr requestError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest
	case errors.Is(err, fleet.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, fleet.ErrInvalidCoordinate), errors.Is(err, fleet.ErrInvalidWindow):
		return http.StatusBadRequest
	case errors.Is(err, fleet.ErrUnknownTrip), errors.Is(err, fleet.ErrUnknownRoute), errors.Is(err, fleet.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, fleet.ErrConcurrentUpdate), errors.Is(err, fleet.ErrNoResourcesAvailable),
		errors.Is(err, fleet.ErrAllocationFailed), errors.Is(err, fleet.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, fleet.ErrInvalidPosition), errors.Is(err, fleet.ErrInvalidRoute):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	st := s.svc.State()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"lastTick":    st.LastTick,
		"activeTrips": st.ActiveTrips,
		"queueDepth":  st.QueueDepth,
	})
}

func (s *Server) debugState(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, spew.Sdump(s.svc.State()))
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, badRequest(fmt.Errorf("invalid %s: %q", name, v))
	}
	return t, nil
}
