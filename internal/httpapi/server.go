// Package httpapi exposes the proxy's HTTP surface: the proxied messages
// endpoint, the stats and SSE dashboards, the model-routing admin
// surface, and the operator control endpoints.
package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/riftrelay/capacity-proxy/internal/broadcast"
	"github.com/riftrelay/capacity-proxy/internal/capacity"
	"github.com/riftrelay/capacity-proxy/internal/config"
	"github.com/riftrelay/capacity-proxy/internal/executor"
	"github.com/riftrelay/capacity-proxy/internal/keypool"
	"github.com/riftrelay/capacity-proxy/internal/obslog"
	"github.com/riftrelay/capacity-proxy/internal/router"
	"github.com/riftrelay/capacity-proxy/internal/stats"
)

// Server owns the gin engine and the component graph behind it.
type Server struct {
	engine  *gin.Engine
	runtime *config.RuntimeConfig

	exec      *executor.Executor
	rt        *router.Router
	scheduler *keypool.KeyScheduler
	store     *keypool.KeyStore
	pool      *capacity.PoolCooldown
	account   *capacity.Account429Detector
	agg       *stats.Aggregator
	events    *broadcast.Broadcaster
	logger    *obslog.Logger
}

// New builds the server over its collaborators.
func New(runtime *config.RuntimeConfig, exec *executor.Executor, rt *router.Router, scheduler *keypool.KeyScheduler, store *keypool.KeyStore, pool *capacity.PoolCooldown, account *capacity.Account429Detector, agg *stats.Aggregator, events *broadcast.Broadcaster, logger *obslog.Logger) *Server {
	if runtime.Get().Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.SetTrustedProxies(nil)
	engine.Use(gin.Recovery())

	s := &Server{
		engine:    engine,
		runtime:   runtime,
		exec:      exec,
		rt:        rt,
		scheduler: scheduler,
		store:     store,
		pool:      pool,
		account:   account,
		agg:       agg,
		events:    events,
		logger:    logger,
	}
	s.setupRoutes()
	return s
}

// Engine returns the gin engine for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) setupRoutes() {
	s.engine.Use(SilentTelemetryMiddleware())
	s.engine.Use(RequestLoggingMiddleware(s.logger))

	// Proxied messages endpoint: the executor owns the whole pipeline.
	s.engine.POST("/v1/messages", func(c *gin.Context) {
		s.exec.Execute(c.Writer, c.Request)
	})

	s.engine.GET("/stats", s.handleStats)
	s.engine.GET("/requests/stream", s.handleRequestStream)

	s.engine.GET("/model-routing", s.handleGetRouting)
	s.engine.PUT("/model-routing", s.handlePutRouting)
	s.engine.POST("/model-routing/explain", s.handleExplain)
	s.engine.GET("/model-routing/test", s.handleRoutingTest)
	s.engine.GET("/model-routing/counters", s.handleCounters)

	control := s.engine.Group("/control")
	{
		control.POST("/pause", s.handlePause)
		control.POST("/resume", s.handleResume)
		control.POST("/reset", s.handleReset)
		control.POST("/circuit/:idx/:state", s.handleCircuit)
		control.POST("/clear-logs", s.handleClearLogs)
		control.POST("/reset-stats", s.handleResetStats)
	}
	s.engine.POST("/reload", s.handleReload)
	s.engine.POST("/api/circuit/:idx", s.handleCircuitBody)

	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":     fmt.Sprintf("endpoint %s %s not found", c.Request.Method, c.Request.URL.Path),
			"errorType": "not_found",
			"retryable": false,
		})
	})
}

func (s *Server) handleStats(c *gin.Context) {
	keyStates := s.scheduler.AllStates()
	keys := make([]gin.H, 0, len(keyStates))
	for _, st := range keyStates {
		succ, errs := st.Counts()
		keys = append(keys, gin.H{
			"index":    st.Key.Index,
			"circuit":  st.Circuit.State().String(),
			"inFlight": st.InFlight(),
			"p50":      st.P50(),
			"p95":      st.P95(),
			"success":  succ,
			"errors":   errs,
			"cooledMs": maxMs(time.Until(st.CooledUntil())),
			"invalid":  s.store.IsInvalid(st.Key.ID),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"requests": s.agg.Snapshot(),
		"keys":     keys,
		"pools":    s.rt.PoolStatus(),
		"capacity": gin.H{
			"poolCooldownMs":    s.pool.Remaining().Milliseconds(),
			"accountCooldownMs": s.account.Remaining().Milliseconds(),
			"inFlight":          s.exec.InFlight(),
			"activeHolds":       s.exec.Hold().Active(),
		},
		"paused": s.exec.IsPaused(),
	})
}

func maxMs(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}

// handleRequestStream is the dashboard SSE feed: an init event, then
// request-complete and pool-status events until the client disconnects.
func (s *Server) handleRequestStream(c *gin.Context) {
	w := c.Writer
	flusher, ok := w.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id, ch := s.events.Subscribe()
	defer s.events.Unsubscribe(id)

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSE(w, flusher, ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleGetRouting(c *gin.Context) {
	cfg := s.runtime.Get()
	c.JSON(http.StatusOK, gin.H{
		"enabled": cfg.Router.Enabled,
		"config":  s.runtime.GetPublic(),
		"stats":   s.rt.Stats(),
	})
}

// handlePutRouting applies a runtime edit to the editable config subset.
// Overrides ride along in the same payload but live in the router's
// override store, not the config tree.
func (s *Server) handlePutRouting(c *gin.Context) {
	var updates map[string]interface{}
	if err := c.ShouldBindJSON(&updates); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body", "errorType": "invalid_request_error"})
		return
	}

	if raw, ok := updates["overrides"]; ok {
		entries := map[string]string{}
		if m, ok := raw.(map[string]interface{}); ok {
			for k, v := range m {
				if sv, ok := v.(string); ok {
					entries[k] = sv
				}
			}
		}
		if err := s.rt.Overrides().Replace(entries); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "errorType": "invalid_request_error"})
			return
		}
		delete(updates, "overrides")
	}

	if err := s.runtime.Apply(updates); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "errorType": "invalid_request_error"})
		return
	}

	s.logger.Info("model-routing config updated (%d keys)", len(updates))
	c.JSON(http.StatusOK, gin.H{"ok": true, "config": s.runtime.GetPublic()})
}

// handleExplain dry-runs a routing decision for the posted body,
// bypassing trace sampling and shadow withholding. No slot is taken: the
// returned decision is rolled back immediately.
func (s *Server) handleExplain(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body", "errorType": "invalid_request_error"})
		return
	}
	features, err := parseFeatures(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "errorType": "invalid_request_error"})
		return
	}

	d := s.rt.SelectModel(&router.Request{
		Features:       features,
		HeaderOverride: c.GetHeader(executor.ModelOverrideHeader),
		IncludeTrace:   true,
		BypassSampling: true,
		BypassShadow:   true,
	})
	if d == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no route", "errorType": "unroutable"})
		return
	}
	if d.Committed {
		s.rt.ReleaseModel(d.Model)
		d.Committed = false
	}
	c.JSON(http.StatusOK, d)
}

// handleRoutingTest previews classification from query params alone.
func (s *Server) handleRoutingTest(c *gin.Context) {
	model := c.Query("model")
	if model == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model query parameter required", "errorType": "invalid_request_error"})
		return
	}
	maxTokens := intQuery(c, "max_tokens")
	messages := intQuery(c, "messages")

	c.JSON(http.StatusOK, s.rt.ResolveTestParams(model, maxTokens, messages))
}

func (s *Server) handleCounters(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":   "1.0",
		"timestamp": time.Now().UTC(),
		"counters":  s.rt.Counters(),
	})
}

func (s *Server) handlePause(c *gin.Context) {
	s.exec.Pause()
	s.logger.Warn("proxy paused by operator")
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) handleResume(c *gin.Context) {
	s.exec.Resume()
	s.logger.Info("proxy resumed by operator")
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

// handleReset restores router state (in-flight counts, cooldowns,
// counters, overrides) and stats to init-equivalent.
func (s *Server) handleReset(c *gin.Context) {
	s.rt.Reset()
	s.agg.Reset()
	s.logger.Warn("router and stats state reset by operator")
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleCircuit forces one key's breaker into the named state.
func (s *Server) handleCircuit(c *gin.Context) {
	s.forceCircuit(c, c.Param("state"))
}

// handleCircuitBody is the JSON-body variant of the circuit override.
func (s *Server) handleCircuitBody(c *gin.Context) {
	var body struct {
		State string `json:"state"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body", "errorType": "invalid_request_error"})
		return
	}
	s.forceCircuit(c, body.State)
}

func (s *Server) forceCircuit(c *gin.Context, stateName string) {
	idx := intParam(c, "idx")
	states := s.scheduler.AllStates()
	if idx < 0 || idx >= len(states) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown key index", "errorType": "invalid_request_error"})
		return
	}

	var target keypool.CircuitState
	switch stateName {
	case "CLOSED":
		target = keypool.CLOSED
	case "OPEN":
		target = keypool.OPEN
	case "HALF_OPEN":
		target = keypool.HALF_OPEN
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "state must be CLOSED, OPEN, or HALF_OPEN", "errorType": "invalid_request_error"})
		return
	}

	states[idx].Circuit.ForceState(target)
	s.logger.Warn("circuit for key %d forced to %s", idx, stateName)
	c.JSON(http.StatusOK, gin.H{"index": idx, "state": stateName})
}

func (s *Server) handleClearLogs(c *gin.Context) {
	n := len(s.logger.History())
	s.logger.ClearHistory()
	c.JSON(http.StatusOK, gin.H{"cleared": n})
}

func (s *Server) handleResetStats(c *gin.Context) {
	s.agg.Reset()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleReload re-reads the key material and reconciles scheduler state;
// keys previously marked invalid get a fresh chance.
func (s *Server) handleReload(c *gin.Context) {
	if err := s.store.Reload(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "errorType": "internal_error"})
		return
	}
	s.scheduler.Sync()
	s.logger.Info("key store reloaded: %d keys", len(s.store.List()))
	c.JSON(http.StatusOK, gin.H{"keys": len(s.store.List())})
}

// Run starts the HTTP server with timeouts sized for long streaming
// responses.
func (s *Server) Run(addr string) error {
	s.logger.Info("listening on %s", addr)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	return srv.ListenAndServe()
}
