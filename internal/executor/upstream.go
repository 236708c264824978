package executor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/riftrelay/capacity-proxy/internal/config"
	"github.com/riftrelay/capacity-proxy/internal/keypool"
	"github.com/riftrelay/capacity-proxy/internal/obslog"
)

// UpstreamClient owns the shared keep-alive HTTP client used for every
// attempt. After repeated socket hangups on a key the transport is torn
// down and rebuilt, throttled so a burst of hangups recreates it once.
type UpstreamClient struct {
	mu           sync.Mutex
	cfg          config.UpstreamConfig
	client       *http.Client
	lastRecreate time.Time
}

// NewUpstreamClient builds the client with bounded idle sockets.
func NewUpstreamClient(cfg config.UpstreamConfig) *UpstreamClient {
	u := &UpstreamClient{cfg: cfg}
	u.client = &http.Client{Transport: u.newTransport()}
	return u
}

func (u *UpstreamClient) newTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:        u.cfg.MaxIdleConns,
		MaxIdleConnsPerHost: u.cfg.MaxIdleConns,
		IdleConnTimeout:     time.Duration(u.cfg.FreeSocketTimeoutMs) * time.Millisecond,
	}
}

// Send performs one upstream POST with the key's bearer credential. The
// caller owns the response body. The context carries the per-attempt
// deadline; cancellation aborts the in-flight call.
func (u *UpstreamClient) Send(ctx context.Context, key *keypool.Key, body []byte, stream bool) (*http.Response, error) {
	u.mu.Lock()
	client := u.client
	url := u.cfg.BaseURL + u.cfg.MessagesPath
	u.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key.Secret)
	if u.cfg.SendAPIKeyHeader {
		req.Header.Set("x-api-key", key.Secret)
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}

	return client.Do(req)
}

// RecreateAgent tears down the transport's socket pool and builds a fresh
// one, throttled by the recreation cooldown. Returns whether a recreation
// happened.
func (u *UpstreamClient) RecreateAgent() bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	cooldown := time.Duration(u.cfg.AgentRecreationCooldownMs) * time.Millisecond
	if time.Since(u.lastRecreate) < cooldown {
		return false
	}
	if t, ok := u.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	u.client = &http.Client{Transport: u.newTransport()}
	u.lastRecreate = time.Now()
	obslog.Warn("executor: upstream agent recreated after repeated hangups")
	return true
}

// isTimeoutError reports whether err is a deadline/timeout failure.
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// isHangupError reports whether err looks like the upstream dropping the
// connection mid-exchange.
func isHangupError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{"connection reset", "broken pipe", "EOF", "socket hang up", "connection refused"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// parseRetryAfter reads a retry-after header as either delta-seconds or
// milliseconds-looking integers; zero when absent or unparseable.
func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil && n >= 0 {
		// Values this large are already milliseconds.
		if n > 1000 {
			return time.Duration(n) * time.Millisecond
		}
		return time.Duration(n * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// parseRateLimitRemaining reads x-ratelimit-remaining; -1 when absent.
func parseRateLimitRemaining(h http.Header) int {
	v := h.Get("x-ratelimit-remaining")
	if v == "" {
		return -1
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}
