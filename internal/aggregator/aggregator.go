package aggregator

import (
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/loykin/fleetmon/internal/propagation"
	"github.com/loykin/fleetmon/internal/service"
)

const DefaultCapacity = 1000

// Received is an envelope as stored by the aggregator.
type Received struct {
	propagation.Envelope
	ReceivedAt time.Time `json:"received_at"`
}

// SourceInfo summarizes one monitoring instance that has pushed alerts.
type SourceInfo struct {
	Source   string    `json:"source"`
	Port     int       `json:"port"`
	Alerts   int64     `json:"alerts"`
	LastSeen time.Time `json:"last_seen"`
}

// Aggregator collects alerts pushed by many monitoring instances and keeps the
// most recent ones in memory.
type Aggregator struct {
	mu      sync.RWMutex
	recent  *service.Ring[Received]
	sources map[string]*SourceInfo
	logger  *slog.Logger
	now     func() time.Time
}

func New(capacity int, logger *slog.Logger) *Aggregator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		recent:  service.NewRing[Received](capacity),
		sources: make(map[string]*SourceInfo),
		logger:  logger,
		now:     time.Now,
	}
}

// Accept stores one envelope.
func (a *Aggregator) Accept(env propagation.Envelope) Received {
	r := Received{Envelope: env, ReceivedAt: a.now()}
	key := env.Source + ":" + strconv.Itoa(env.SourcePort)
	a.mu.Lock()
	a.recent.Push(r)
	si := a.sources[key]
	if si == nil {
		si = &SourceInfo{Source: env.Source, Port: env.SourcePort}
		a.sources[key] = si
	}
	si.Alerts++
	si.LastSeen = r.ReceivedAt
	a.mu.Unlock()
	return r
}

// Recent returns stored envelopes newest first, optionally limited to one source.
func (a *Aggregator) Recent(source string, limit int) []Received {
	a.mu.RLock()
	all := a.recent.Values()
	a.mu.RUnlock()
	out := make([]Received, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if source != "" && all[i].Source != source {
			continue
		}
		out = append(out, all[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (a *Aggregator) Sources() []SourceInfo {
	a.mu.RLock()
	out := make([]SourceInfo, 0, len(a.sources))
	for _, si := range a.sources {
		out = append(out, *si)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Port < out[j].Port
	})
	return out
}

// Handler exposes the aggregator over HTTP:
//
//	POST /alerts   body: {alert, source, sourcePort, timestamp}
//	GET  /alerts   query: source=..., limit=N
//	GET  /sources
//	GET  /health
func (a *Aggregator) Handler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.POST("/alerts", a.handlePush)
	e.GET("/alerts", a.handleList)
	e.GET("/sources", func(c echo.Context) error { return c.JSON(http.StatusOK, a.Sources()) })
	e.GET("/health", func(c echo.Context) error { return c.JSON(http.StatusOK, map[string]string{"status": "ok"}) })
	return e
}

type errorResp struct {
	Error string `json:"error"`
}

func (a *Aggregator) handlePush(c echo.Context) error {
	var env propagation.Envelope
	if err := c.Bind(&env); err != nil {
		return c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
	}
	if env.Alert.ID == "" || env.Source == "" {
		return c.JSON(http.StatusBadRequest, errorResp{Error: "alert.id and source are required"})
	}
	a.Accept(env)
	a.logger.Info("alert received", "source", env.Source, "port", env.SourcePort, "alert", env.Alert.ID, "severity", env.Alert.Severity, "service", env.Alert.ServiceID)
	return c.JSON(http.StatusAccepted, map[string]bool{"ok": true})
}

func (a *Aggregator) handleList(c echo.Context) error {
	limit := 0
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, errorResp{Error: "invalid limit"})
		}
		limit = n
	}
	return c.JSON(http.StatusOK, a.Recent(c.QueryParam("source"), limit))
}

// NewServer wraps the aggregator handler in an http.Server with conservative timeouts.
func NewServer(addr string, a *Aggregator) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
