package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/fleetmon/internal/alert"
	"github.com/loykin/fleetmon/internal/broadcast"
	"github.com/loykin/fleetmon/internal/metrics"
	"github.com/loykin/fleetmon/internal/registry"
	"github.com/loykin/fleetmon/internal/service"
)

// Fleet is the part of the monitor the HTTP API drives.
type Fleet interface {
	List() []service.Snapshot
	Get(id string) (service.Snapshot, bool)
	Register(spec service.Spec) (service.Snapshot, error)
	Deregister(id string) bool
	ProbeNow(ctx context.Context, id string) (service.Snapshot, error)
	Raise(id string, sev alert.Severity, message string) (alert.Alert, error)
	Alerts(f alert.Filter) []alert.Alert
	Alert(id string) (alert.Alert, bool)
	Acknowledge(id string) (alert.Alert, error)
	Snapshot() broadcast.Snapshot
	Hub() *broadcast.Hub
	RecoveryCandidates() []string
	AggregatorReachable() bool
}

// Router exposes the fleet over HTTP.
// Endpoints, relative to basePath:
//
//	GET    /services
//	POST   /services              body: service spec JSON
//	GET    /services/:id
//	DELETE /services/:id
//	POST   /services/:id/probe
//	POST   /services/:id/alerts   body: {"severity": "...", "message": "..."}
//	GET    /alerts                query: severity, unacknowledged, service, limit
//	GET    /alerts/:id
//	POST   /alerts/:id/ack
//	GET    /snapshot
//	GET    /ws                    websocket: snapshot then deltas
//	GET    /recovery
//	GET    /health
//
// /metrics is served at the root when enabled and never requires a token.
type Router struct {
	fleet    Fleet
	basePath string
	secret   []byte
	metrics  bool
	buffer   int
	logger   *slog.Logger
}

type Option func(*Router)

// WithJWTSecret requires an HS256 bearer token on every API route.
func WithJWTSecret(secret string) Option {
	return func(r *Router) {
		if secret != "" {
			r.secret = []byte(secret)
		}
	}
}

// WithMetrics mounts the prometheus handler at /metrics.
func WithMetrics(enabled bool) Option {
	return func(r *Router) { r.metrics = enabled }
}

// WithObserverBuffer sets the per-websocket delta buffer.
func WithObserverBuffer(n int) Option {
	return func(r *Router) { r.buffer = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRouter(fleet Fleet, basePath string, opts ...Option) *Router {
	r := &Router{fleet: fleet, basePath: sanitizeBase(basePath), buffer: broadcast.DefaultBuffer, logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog())
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.basePath)
	if r.secret != nil {
		group.Use(bearerAuth(r.secret))
	}
	group.GET("/services", r.handleListServices)
	group.POST("/services", r.handleRegister)
	group.GET("/services/:id", r.handleGetService)
	group.DELETE("/services/:id", r.handleDeregister)
	group.POST("/services/:id/probe", r.handleProbe)
	group.POST("/services/:id/alerts", r.handleRaise)
	group.GET("/alerts", r.handleListAlerts)
	group.GET("/alerts/:id", r.handleGetAlert)
	group.POST("/alerts/:id/ack", r.handleAck)
	group.GET("/snapshot", func(c *gin.Context) { writeJSON(c, http.StatusOK, r.fleet.Snapshot()) })
	group.GET("/ws", gin.WrapH(&broadcast.WSHandler{Hub: r.fleet.Hub(), Buffer: r.buffer}))
	group.GET("/recovery", func(c *gin.Context) {
		writeJSON(c, http.StatusOK, recoveryResp{Candidates: r.fleet.RecoveryCandidates()})
	})
	group.GET("/health", func(c *gin.Context) {
		writeJSON(c, http.StatusOK, healthResp{Status: "ok", AggregatorReachable: r.fleet.AggregatorReachable()})
	})
	return g
}

func (r *Router) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// NewServer wraps handler in an http.Server with the API's timeouts.
// The caller owns ListenAndServe and Shutdown.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type removeResp struct {
	OK      bool `json:"ok"`
	Removed bool `json:"removed"`
}

type raiseReq struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

type recoveryResp struct {
	Candidates []string `json:"candidates"`
}

type healthResp struct {
	Status              string `json:"status"`
	AggregatorReachable bool   `json:"aggregatorReachable"`
}

func (r *Router) handleListServices(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.fleet.List())
}

func (r *Router) handleRegister(c *gin.Context) {
	var spec service.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeName(spec.ID) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid id: allowed [A-Za-z0-9._-] and no '..'"})
		return
	}
	snap, err := r.fleet.Register(spec)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusCreated, snap)
}

func (r *Router) handleGetService(c *gin.Context) {
	snap, ok := r.fleet.Get(c.Param("id"))
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: registry.ErrNotFound.Error()})
		return
	}
	writeJSON(c, http.StatusOK, snap)
}

// unknown ids are a no-op
func (r *Router) handleDeregister(c *gin.Context) {
	removed := r.fleet.Deregister(c.Param("id"))
	writeJSON(c, http.StatusOK, removeResp{OK: true, Removed: removed})
}

func (r *Router) handleProbe(c *gin.Context) {
	snap, err := r.fleet.ProbeNow(c.Request.Context(), c.Param("id"))
	if errors.Is(err, registry.ErrNotFound) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, snap)
}

func (r *Router) handleRaise(c *gin.Context) {
	var req raiseReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	sev, ok := alert.ParseSeverity(req.Severity)
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "severity must be one of critical, warning, info"})
		return
	}
	if req.Message == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "message required"})
		return
	}
	a, err := r.fleet.Raise(c.Param("id"), sev, req.Message)
	if errors.Is(err, registry.ErrNotFound) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusCreated, a)
}

func (r *Router) handleListAlerts(c *gin.Context) {
	var f alert.Filter
	if s := c.Query("severity"); s != "" {
		sev, ok := alert.ParseSeverity(s)
		if !ok {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "severity must be one of critical, warning, info"})
			return
		}
		f.Severity = sev
	}
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a non-negative number"})
			return
		}
		f.Limit = n
	}
	f.UnacknowledgedOnly = queryBool(c, "unacknowledged")
	f.ServiceID = c.Query("service")
	writeJSON(c, http.StatusOK, r.fleet.Alerts(f))
}

func (r *Router) handleGetAlert(c *gin.Context) {
	a, ok := r.fleet.Alert(c.Param("id"))
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: alert.ErrNotFound.Error()})
		return
	}
	writeJSON(c, http.StatusOK, a)
}

func (r *Router) handleAck(c *gin.Context) {
	_, err := r.fleet.Acknowledge(c.Param("id"))
	if errors.Is(err, alert.ErrNotFound) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
