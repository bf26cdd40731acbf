// Package httpapi exposes the Ingress API (single/batch position push, SOS,
// hazard report pass-through) and the Query API (current/history/nearby),
// plus the WebSocket upgrade endpoint for the subscription broker and the
// ops surface (/health, /readyz, /metrics). Routing follows the
// gorilla/mux + gorilla/handlers shape used elsewhere in the retrieval
// pack for REST services with path parameters.
package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/telemetry-hub/fleet-ingester/internal/auth"
	"github.com/telemetry-hub/fleet-ingester/internal/broker"
	"github.com/telemetry-hub/fleet-ingester/internal/cache"
	"github.com/telemetry-hub/fleet-ingester/internal/eventbus"
	"github.com/telemetry-hub/fleet-ingester/internal/gate"
	"github.com/telemetry-hub/fleet-ingester/internal/ratelimit"
	"github.com/telemetry-hub/fleet-ingester/internal/store"
)

// ConsumerStatus is checked by /readyz so a not-yet-joined consumer group
// marks the process not ready to serve traffic behind a load balancer.
type ConsumerStatus interface {
	IsJoined() bool
}

// DBChecker abstracts the store's health check for testability.
type DBChecker interface {
	Ping(ctx context.Context) error
}

type Topics struct {
	Locations string
	Events    string
	Alerts    string
}

type Server struct {
	srv *http.Server

	store     *store.Store
	cache     cache.Cache
	gate      *gate.Gate
	producer  *eventbus.Producer
	sosLimit  ratelimit.Limiter
	verifier  *auth.Verifier
	hub       *broker.Hub
	topics    Topics
	logger    *zap.Logger

	dbChecker         DBChecker
	positionConsumer  ConsumerStatus
	alertConsumer     ConsumerStatus

	maxTimestampSkew  time.Duration
	sosDailyCredits   int64
}

type Deps struct {
	Store            *store.Store
	Cache            cache.Cache
	Gate             *gate.Gate
	Producer         *eventbus.Producer
	SOSLimiter       ratelimit.Limiter
	Verifier         *auth.Verifier
	Hub              *broker.Hub
	Topics           Topics
	Logger           *zap.Logger
	PositionConsumer ConsumerStatus
	AlertConsumer    ConsumerStatus
	MaxTimestampSkew time.Duration
	SOSDailyCredits  int64
	ClientOrigin     string
}

func NewServer(addr string, d Deps) *Server {
	s := &Server{
		store:            d.Store,
		cache:            d.Cache,
		gate:             d.Gate,
		producer:         d.Producer,
		sosLimit:         d.SOSLimiter,
		verifier:         d.Verifier,
		hub:              d.Hub,
		topics:           d.Topics,
		logger:           d.Logger,
		dbChecker:        d.Store,
		positionConsumer: d.PositionConsumer,
		alertConsumer:    d.AlertConsumer,
		maxTimestampSkew: d.MaxTimestampSkew,
		sosDailyCredits:  d.SOSDailyCredits,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())

	r.HandleFunc("/api/vehicles/{vehicle_id}/location", s.handlePushPosition).Methods(http.MethodPost)
	r.HandleFunc("/api/vehicles/batch/locations", s.handlePushBatch).Methods(http.MethodPost)
	r.HandleFunc("/api/reports", s.handleHazardReport).Methods(http.MethodPost)
	r.HandleFunc("/api/sos", s.handleSOS).Methods(http.MethodPost)

	r.HandleFunc("/api/vehicles/{vehicle_id}/location", s.handleGetCurrent).Methods(http.MethodGet)
	r.HandleFunc("/api/vehicles/{vehicle_id}/history", s.handleGetHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/nearby", s.handleGetNearby).Methods(http.MethodGet)

	r.HandleFunc("/v1/stream", s.handleStream)

	var handler http.Handler = r
	if d.ClientOrigin != "" {
		handler = handlers.CORS(
			handlers.AllowedOrigins([]string{d.ClientOrigin}),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost}),
			handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
		)(handler)
	}
	handler = handlers.LoggingHandler(zapStdLogWriter{d.Logger}, handler)

	s.srv = &http.Server{Addr: addr, Handler: handler}
	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("httpapi: listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("httpapi: server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	if s.dbChecker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.dbChecker.Ping(ctx); err != nil {
			checks["postgres"] = "error"
			allOK = false
		} else {
			checks["postgres"] = "ok"
		}
	}

	if s.positionConsumer != nil && s.positionConsumer.IsJoined() {
		checks["eventbus_positions"] = "ok"
	} else {
		checks["eventbus_positions"] = "not_joined"
		allOK = false
	}

	if s.alertConsumer != nil && s.alertConsumer.IsJoined() {
		checks["eventbus_alerts"] = "ok"
	} else {
		checks["eventbus_alerts"] = "not_joined"
		allOK = false
	}

	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, map[string]any{"status": status, "checks": checks})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorEnvelope is the one shape every handler error response uses: error is
// a human-readable string, code is a stable machine-matchable tag, details
// carries per-field validation failures, and retryAfterMs is set only on
// THROTTLED responses.
type errorEnvelope struct {
	Error        string   `json:"error"`
	Code         string   `json:"code,omitempty"`
	Details      []string `json:"details,omitempty"`
	RetryAfterMs int64    `json:"retryAfterMs,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: message, Code: code})
}

// zapStdLogWriter adapts zap to the io.Writer gorilla/handlers.LoggingHandler expects.
type zapStdLogWriter struct{ logger *zap.Logger }

func (z zapStdLogWriter) Write(p []byte) (int, error) {
	z.logger.Info("httpapi: access", zap.ByteString("line", p))
	return len(p), nil
}
