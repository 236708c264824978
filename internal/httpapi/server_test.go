package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftrelay/capacity-proxy/internal/broadcast"
	"github.com/riftrelay/capacity-proxy/internal/capacity"
	"github.com/riftrelay/capacity-proxy/internal/config"
	"github.com/riftrelay/capacity-proxy/internal/executor"
	"github.com/riftrelay/capacity-proxy/internal/keypool"
	"github.com/riftrelay/capacity-proxy/internal/models"
	"github.com/riftrelay/capacity-proxy/internal/obslog"
	"github.com/riftrelay/capacity-proxy/internal/router"
	"github.com/riftrelay/capacity-proxy/internal/stats"
)

func newTestServer(t *testing.T, upstream http.HandlerFunc) *Server {
	t.Helper()

	up := httptest.NewServer(upstream)
	t.Cleanup(up.Close)

	cfg := config.Default()
	cfg.Models = map[string]config.ModelConfig{
		"glm-5": {ID: "glm-5", MaxConcurrency: 10, ContextLength: 400000, PriceIn: 10, PriceOut: 30},
	}
	cfg.Router.Tiers = map[string]*config.TierConfig{
		"heavy": {Name: "heavy", Models: []string{"glm-5"}, Strategy: "quality", ClientModelPolicy: "always-route"},
	}
	cfg.Router.TierOrder = []string{"heavy"}
	cfg.Router.Rules = []config.RuleConfig{{Tier: "heavy", ModelGlob: "*"}}
	cfg.Router.DefaultModel = "glm-5"
	cfg.Upstream.BaseURL = up.URL
	cfg.Upstream.MessagesPath = "/v1/messages"

	keysPath := filepath.Join(t.TempDir(), "keys.json")
	require.NoError(t, os.WriteFile(keysPath, []byte(`[{"id":"k1","secret":"s1"}]`), 0600))
	store, err := keypool.NewFileStore(keysPath)
	require.NoError(t, err)

	runtime := config.NewRuntime(cfg)
	catalog := models.NewDiscovery(cfg.Models)
	account := capacity.NewAccount429Detector(cfg.Account429)
	scheduler := keypool.NewKeyScheduler(store, cfg.Scheduler, cfg.CircuitBreaker, cfg.Router.Cooldown, account.IsCooled)
	pool := capacity.NewPoolCooldown(cfg.PoolCooldown)
	aimd := capacity.NewAdaptiveConcurrency(cfg.AIMD)
	overrides := router.NewOverrideStore("", cfg.Router.Executor.MaxOverrides)
	rt := router.New(runtime, catalog, aimd, overrides)
	agg := stats.NewAggregator()
	events := broadcast.New(time.Hour, rt.PoolStatus, agg.Recent)
	upClient := executor.NewUpstreamClient(cfg.Upstream)
	exec := executor.New(runtime, rt, scheduler, store, catalog, upClient, pool, account, aimd, agg, events)

	return New(runtime, exec, rt, scheduler, store, pool, account, agg, events, obslog.New())
}

func okUpstream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"id":"msg_1"}`))
}

func TestMessagesEndpointProxies(t *testing.T) {
	s := newTestServer(t, okUpstream)

	body := `{"model":"claude-3-opus-20240229","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	rw := httptest.NewRecorder()
	s.Engine().ServeHTTP(rw, req)

	assert.Equal(t, http.StatusOK, rw.Code)
	assert.Contains(t, rw.Body.String(), "msg_1")
}

func TestStatsEndpoint(t *testing.T) {
	s := newTestServer(t, okUpstream)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rw := httptest.NewRecorder()
	s.Engine().ServeHTTP(rw, req)

	require.Equal(t, http.StatusOK, rw.Code)
	var snap map[string]interface{}
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &snap))
	assert.Contains(t, snap, "requests")
	assert.Contains(t, snap, "keys")
	assert.Contains(t, snap, "pools")
}

func TestGetAndPutModelRouting(t *testing.T) {
	s := newTestServer(t, okUpstream)

	req := httptest.NewRequest(http.MethodGet, "/model-routing", nil)
	rw := httptest.NewRecorder()
	s.Engine().ServeHTTP(rw, req)
	require.Equal(t, http.StatusOK, rw.Code)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &out))
	assert.Equal(t, true, out["enabled"])

	// Editable key applies.
	req = httptest.NewRequest(http.MethodPut, "/model-routing", strings.NewReader(`{"defaultModel":"glm-5","logDecisions":false}`))
	rw = httptest.NewRecorder()
	s.Engine().ServeHTTP(rw, req)
	assert.Equal(t, http.StatusOK, rw.Code)

	// Non-editable key is rejected.
	req = httptest.NewRequest(http.MethodPut, "/model-routing", strings.NewReader(`{"maxOverrides":5}`))
	rw = httptest.NewRecorder()
	s.Engine().ServeHTTP(rw, req)
	assert.Equal(t, http.StatusBadRequest, rw.Code)
}

func TestExplainEndpoint(t *testing.T) {
	s := newTestServer(t, okUpstream)

	body := `{"model":"claude-3-opus-20240229","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/model-routing/explain", strings.NewReader(body))
	rw := httptest.NewRecorder()
	s.Engine().ServeHTTP(rw, req)

	require.Equal(t, http.StatusOK, rw.Code)
	var d router.Decision
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &d))
	assert.Equal(t, "glm-5", d.Model)
	assert.NotNil(t, d.Trace, "explain bypasses sampling")
	assert.False(t, d.Committed, "explain must not hold a slot")
}

func TestRoutingTestEndpoint(t *testing.T) {
	s := newTestServer(t, okUpstream)

	req := httptest.NewRequest(http.MethodGet, "/model-routing/test?model=claude-3-opus&max_tokens=8192&messages=3", nil)
	rw := httptest.NewRecorder()
	s.Engine().ServeHTTP(rw, req)

	require.Equal(t, http.StatusOK, rw.Code)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &out))
	assert.Equal(t, "heavy", out["tier"])
}

func TestCountersEndpoint(t *testing.T) {
	s := newTestServer(t, okUpstream)

	req := httptest.NewRequest(http.MethodGet, "/model-routing/counters", nil)
	rw := httptest.NewRecorder()
	s.Engine().ServeHTTP(rw, req)

	require.Equal(t, http.StatusOK, rw.Code)
	var out struct {
		Version  string                        `json:"version"`
		Counters map[string]router.CounterInfo `json:"counters"`
	}
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &out))
	assert.Equal(t, "1.0", out.Version)
	require.Contains(t, out.Counters, "router_selections_total")
	assert.NotEmpty(t, out.Counters["router_selections_total"].Description)
}

func TestPauseResumeControl(t *testing.T) {
	s := newTestServer(t, okUpstream)

	req := httptest.NewRequest(http.MethodPost, "/control/pause", nil)
	rw := httptest.NewRecorder()
	s.Engine().ServeHTTP(rw, req)
	assert.Equal(t, http.StatusOK, rw.Code)

	body := `{"model":"m","max_tokens":1,"messages":[{"role":"user","content":"x"}]}`
	req = httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	rw = httptest.NewRecorder()
	s.Engine().ServeHTTP(rw, req)
	assert.Equal(t, http.StatusServiceUnavailable, rw.Code)

	req = httptest.NewRequest(http.MethodPost, "/control/resume", nil)
	rw = httptest.NewRecorder()
	s.Engine().ServeHTTP(rw, req)
	assert.Equal(t, http.StatusOK, rw.Code)
}

func TestCircuitControl(t *testing.T) {
	s := newTestServer(t, okUpstream)

	req := httptest.NewRequest(http.MethodPost, "/control/circuit/0/OPEN", nil)
	rw := httptest.NewRecorder()
	s.Engine().ServeHTTP(rw, req)
	require.Equal(t, http.StatusOK, rw.Code)

	assert.Equal(t, keypool.OPEN, s.scheduler.AllStates()[0].Circuit.State())

	// Unknown index 404s.
	req = httptest.NewRequest(http.MethodPost, "/control/circuit/9/OPEN", nil)
	rw = httptest.NewRecorder()
	s.Engine().ServeHTTP(rw, req)
	assert.Equal(t, http.StatusNotFound, rw.Code)

	// JSON-body variant.
	req = httptest.NewRequest(http.MethodPost, "/api/circuit/0", strings.NewReader(`{"state":"CLOSED"}`))
	rw = httptest.NewRecorder()
	s.Engine().ServeHTTP(rw, req)
	require.Equal(t, http.StatusOK, rw.Code)
	assert.Equal(t, keypool.CLOSED, s.scheduler.AllStates()[0].Circuit.State())
}

func TestTelemetryShortCircuit(t *testing.T) {
	s := newTestServer(t, okUpstream)

	req := httptest.NewRequest(http.MethodPost, "/api/event_logging/batch", strings.NewReader(`{}`))
	rw := httptest.NewRecorder()
	s.Engine().ServeHTTP(rw, req)
	assert.Equal(t, http.StatusNoContent, rw.Code)
}

func TestReloadEndpoint(t *testing.T) {
	s := newTestServer(t, okUpstream)

	req := httptest.NewRequest(http.MethodPost, "/reload", nil)
	rw := httptest.NewRecorder()
	s.Engine().ServeHTTP(rw, req)

	require.Equal(t, http.StatusOK, rw.Code)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &out))
	assert.Equal(t, float64(1), out["keys"])
}
