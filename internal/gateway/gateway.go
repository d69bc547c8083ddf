// Package gateway exposes the object operations over HTTP. Writes are
// published without waiting; reads wait for the worker's reply.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/objectbridge/internal/runtime/envelope"
	"github.com/drblury/objectbridge/internal/runtime/errors"
	"github.com/drblury/objectbridge/internal/runtime/logging"
)

// DefaultMaxUploadBytes bounds multipart uploads when Options leaves it unset.
const DefaultMaxUploadBytes = 32 << 20

// Bridge is the RPC client the gateway calls. *rpc.Correlator implements it.
type Bridge interface {
	Write(ctx context.Context, eventType string, payload envelope.Payload) (string, error)
	Read(ctx context.Context, eventType string, payload envelope.Payload) (*envelope.Response, error)
}

// Options configures a Server.
type Options struct {
	Bridge Bridge
	Logger logging.ServiceLogger
	// Metrics instruments every route when set.
	Metrics *Metrics
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
	// BusState reports the publisher connection state on /health.
	BusState       func() string
	MaxUploadBytes int64
}

// Server routes HTTP requests onto the bridge.
type Server struct {
	bridge    Bridge
	log       logging.ServiceLogger
	metrics   *Metrics
	gatherer  prometheus.Gatherer
	busState  func() string
	maxUpload int64

	router chi.Router
}

// New builds the router.
func New(opts Options) (*Server, error) {
	if opts.Bridge == nil {
		return nil, errors.ErrBridgeRequired
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	s := &Server{
		bridge:    opts.Bridge,
		log:       logging.OrNop(opts.Logger).With(logging.LogFields{"component": "gateway"}),
		metrics:   opts.Metrics,
		gatherer:  opts.Gatherer,
		busState:  opts.BusState,
		maxUpload: opts.MaxUploadBytes,
	}
	s.router = s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.Middleware)

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/objects", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Post("/image", s.handleUpload(uploadImage))
		r.Post("/pdf", s.handleUpload(uploadPDF))
		r.Get("/{objectID}", s.handleGet)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("HTTP request", logging.LogFields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "healthy"}
	if s.busState != nil {
		body["bus"] = s.busState()
	}
	writeJSON(w, http.StatusOK, body)
}
