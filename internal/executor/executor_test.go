package executor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftrelay/capacity-proxy/internal/capacity"
	"github.com/riftrelay/capacity-proxy/internal/config"
	"github.com/riftrelay/capacity-proxy/internal/keypool"
	"github.com/riftrelay/capacity-proxy/internal/models"
	"github.com/riftrelay/capacity-proxy/internal/router"
	"github.com/riftrelay/capacity-proxy/internal/stats"
)

// testHarness wires an executor against an httptest upstream.
type testHarness struct {
	exec     *Executor
	cfg      *config.Config
	upstream *httptest.Server
}

func newHarness(t *testing.T, handler http.HandlerFunc) *testHarness {
	t.Helper()

	upstream := httptest.NewServer(handler)
	t.Cleanup(upstream.Close)

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
	cfg.Router.Failover.DowngradeOrder = []string{"heavy"}
	cfg.Router.Cooldown.BaseCooldownMs = 100
	cfg.Scheduler.Mode = "round-robin"
	cfg.Admission.MinCooldownToHoldMs = 50
	cfg.Admission.MaxHoldMs = 1500
	cfg.Retry.BaseDelayMs = 20
	cfg.Retry.MaxDelayMs = 100
	cfg.Retry.JitterPercent = 0
	cfg.Upstream.BaseURL = upstream.URL
	cfg.Upstream.MessagesPath = "/v1/messages"
	cfg.Timeout.InitialMs = 5000
	cfg.Timeout.RequestTimeout = 30_000

	keysPath := filepath.Join(t.TempDir(), "keys.json")
	keys := `[{"id":"key-a","secret":"sk-a"},{"id":"key-b","secret":"sk-b"},{"id":"key-c","secret":"sk-c"}]`
	require.NoError(t, os.WriteFile(keysPath, []byte(keys), 0600))
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
	up := NewUpstreamClient(cfg.Upstream)

	exec := New(runtime, rt, scheduler, store, catalog, up, pool, account, aimd, agg, nil)
	return &testHarness{exec: exec, cfg: cfg, upstream: upstream}
}

func chatBody() string {
	return `{"model":"claude-3-opus-20240229","max_tokens":1024,"messages":[{"role":"user","content":"hi"}]}`
}

func TestTwo429sThenSuccessUsesDistinctKeys(t *testing.T) {
	var calls int32
	var mu sync.Mutex
	seenKeys := map[string]bool{}

	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seenKeys[r.Header.Get("Authorization")] = true
		mu.Unlock()

		if atomic.AddInt32(&calls, 1) <= 2 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limited"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg_1","model":"glm-5","content":[{"type":"text","text":"ok"}]}`))
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(chatBody()))
	rw := httptest.NewRecorder()
	h.exec.Execute(rw, req)

	assert.Equal(t, http.StatusOK, rw.Code)
	assert.GreaterOrEqual(t, len(seenKeys), 2, "retries must rotate across distinct keys")

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &body))
	assert.Equal(t, "msg_1", body["id"])
}

func TestModelSubstitutedOnWire(t *testing.T) {
	var gotModel string
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		gotModel = body["model"].(string)
		w.Write([]byte(`{"ok":true}`))
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(chatBody()))
	rw := httptest.NewRecorder()
	h.exec.Execute(rw, req)

	assert.Equal(t, http.StatusOK, rw.Code)
	assert.Equal(t, "glm-5", gotModel, "provider model must be substituted on the wire")
}

func TestClientFaultIsNotRetried(t *testing.T) {
	var calls int32
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad body"}`))
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(chatBody()))
	rw := httptest.NewRecorder()
	h.exec.Execute(rw, req)

	assert.Equal(t, http.StatusBadRequest, rw.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "4xx must not retry")

	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &env))
	assert.Equal(t, string("invalid_request_error"), env["errorType"])
	assert.Equal(t, false, env["retryable"])
	assert.NotEmpty(t, env["requestId"])
}

func TestServerErrorsExhaustInto502(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream broken"))
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(chatBody()))
	rw := httptest.NewRecorder()
	h.exec.Execute(rw, req)

	assert.Equal(t, http.StatusBadGateway, rw.Code)
	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &env))
	assert.Equal(t, true, env["retryable"])
}

func TestOversizedBodyRejected(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	h.cfg.Router.Executor.MaxBodySize = 64

	big := `{"model":"m","max_tokens":1,"messages":[{"role":"user","content":"` + strings.Repeat("x", 256) + `"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(big))
	rw := httptest.NewRecorder()
	h.exec.Execute(rw, req)

	assert.Equal(t, http.StatusBadRequest, rw.Code)
	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &env))
	assert.Equal(t, "request_too_large", env["errorType"])
}

func TestPausedRejectsWith503(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	h.exec.Pause()

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(chatBody()))
	rw := httptest.NewRecorder()
	h.exec.Execute(rw, req)
	assert.Equal(t, http.StatusServiceUnavailable, rw.Code)

	h.exec.Resume()
	rw = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(chatBody()))
	h.exec.Execute(rw, req)
	assert.Equal(t, http.StatusOK, rw.Code)
}

func TestStreamingResponseForwarded(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("x-request-id", "up-123")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("event: message_start\ndata: {}\n\n"))
		w.Write([]byte("event: message_stop\ndata: {}\n\n"))
	})

	body := `{"model":"claude-3-opus-20240229","max_tokens":16,"stream":true,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	rw := httptest.NewRecorder()
	h.exec.Execute(rw, req)

	assert.Equal(t, http.StatusOK, rw.Code)
	assert.Equal(t, "text/event-stream", rw.Header().Get("Content-Type"))
	assert.Equal(t, "up-123", rw.Header().Get("x-request-id"), "upstream x-request-id is echoed")
	assert.Contains(t, rw.Body.String(), "message_start")
	assert.Contains(t, rw.Body.String(), "message_stop")
}

func TestQuota429GivesUpWithRetryAfter(t *testing.T) {
	var calls int32
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "3600")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"quota_exceeded"}`))
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(chatBody()))
	rw := httptest.NewRecorder()
	h.exec.Execute(rw, req)

	assert.Equal(t, http.StatusTooManyRequests, rw.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "quota 429 must not retry")
	assert.NotEmpty(t, rw.Header().Get("Retry-After"))
}

func TestHoldCapReturns429(t *testing.T) {
	h := NewAdmissionHold(config.AdmissionHoldConfig{MinCooldownToHoldMs: 10, MaxHoldMs: 1000, MaxConcurrentHolds: 0})
	_, ok := h.Hold(httptest.NewRequest("GET", "/", nil).Context(), "heavy", time.Second)
	assert.False(t, ok, "over the hold cap the caller rejects immediately")
}
