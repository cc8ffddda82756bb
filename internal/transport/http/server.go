// Package http provides the HTTP transport layer for admitq.
//
// Routes:
//
//	GET  /health
//	GET  /metrics
//	POST /events/:eventId/participations        (X-Requester-Id)
//	GET  /requests/:requestId
//	GET  /requests/:requestId/ws
//	GET  /me/participations?limit=              (X-Requester-Id)
//	GET  /admin/requests/:requestId
//	GET  /admin/events/:eventId/requests?limit=
//	PUT  /admin/events/:eventId/capacity
//	GET  /admin/events/:eventId/capacity
//	GET  /admin/dead-letters?limit=
//	POST /admin/dead-letters/replay?limit=
//
// Everything except /health and /metrics sits behind the optional API key.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/snehjoshi/admitq/internal/admission"
	"github.com/snehjoshi/admitq/internal/capacity"
	"github.com/snehjoshi/admitq/internal/dlq"
	"github.com/snehjoshi/admitq/internal/metrics"
	"github.com/snehjoshi/admitq/internal/query"
	transportws "github.com/snehjoshi/admitq/internal/transport/websocket"
)

// Admitter is the admission entry point.
type Admitter interface {
	Admit(ctx context.Context, eventID, requesterID string) (admission.Admission, error)
}

// Deps are the components the routes call into.
type Deps struct {
	Admitter Admitter
	Query    *query.Service
	Ledger   *capacity.Ledger
	// DeadLetters may be nil, which leaves the dead-letter routes out.
	DeadLetters *dlq.Manager
	// Metrics may be nil, which disables /metrics and HTTP counters.
	Metrics *metrics.Registry
	// Ready, when set, backs /health; an error turns it into a 503.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

// Options are the transport-level knobs from config.
type Options struct {
	AuthEnabled      bool
	APIKey           string
	RatePerRequester float64
	Burst            int
	// WatchInterval is how often the status websocket re-reads the record.
	WatchInterval time.Duration
}

// Server wraps the stdlib HTTP server with admitq route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server. The caller is responsible for calling
// ListenAndServe / Shutdown.
func New(d Deps, opts Options) *Server {
	return &Server{
		inner: &http.Server{
			Handler:      NewRouter(d, opts),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// NewRouter wires every route onto a fresh gin engine.
func NewRouter(d Deps, opts Options) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	h := &Handler{
		admit:  d.Admitter,
		query:  d.Query,
		ledger: d.Ledger,
		dead:   d.DeadLetters,
		ready:  d.Ready,
		logger: d.Logger,
		ws:     &transportws.Watcher{Status: d.Query.Status, Interval: opts.WatchInterval, Logger: d.Logger},
	}

	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), AccessLog(d.Logger, d.Metrics), MaxBody())

	r.GET("/health", h.health)
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	api := r.Group("/")
	api.Use(APIKey(opts.APIKey, opts.AuthEnabled))

	api.POST("/events/:eventId/participations", RequesterRateLimit(opts.RatePerRequester, opts.Burst), h.participate)
	api.GET("/requests/:requestId", h.status)
	api.GET("/requests/:requestId/ws", h.watch)
	api.GET("/me/participations", h.myParticipations)

	admin := api.Group("/admin")
	admin.GET("/requests/:requestId", h.adminRecord)
	admin.GET("/events/:eventId/requests", h.adminEventRequests)
	admin.PUT("/events/:eventId/capacity", h.putCapacity)
	admin.GET("/events/:eventId/capacity", h.getCapacity)
	if d.DeadLetters != nil {
		admin.GET("/dead-letters", h.listDeadLetters)
		admin.POST("/dead-letters/replay", h.replayDeadLetters)
	}

	return r
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
