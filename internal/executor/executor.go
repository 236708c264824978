package executor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/riftrelay/capacity-proxy/internal/apierrors"
	"github.com/riftrelay/capacity-proxy/internal/broadcast"
	"github.com/riftrelay/capacity-proxy/internal/capacity"
	"github.com/riftrelay/capacity-proxy/internal/config"
	"github.com/riftrelay/capacity-proxy/internal/keypool"
	"github.com/riftrelay/capacity-proxy/internal/models"
	"github.com/riftrelay/capacity-proxy/internal/obslog"
	"github.com/riftrelay/capacity-proxy/internal/router"
	"github.com/riftrelay/capacity-proxy/internal/stats"
	"github.com/riftrelay/capacity-proxy/pkg/messageapi"
)

// errorBodyLimit bounds how much of an upstream error body is read for
// classification and logging.
const errorBodyLimit = 8 << 10

// ModelOverrideHeader forces a provider model for one request.
const ModelOverrideHeader = "X-Model-Override"

// Executor is the front-door pipeline driving one request from admission
// through routing, key scheduling, upstream attempts, and response
// forwarding.
type Executor struct {
	runtime   *config.RuntimeConfig
	rt        *router.Router
	scheduler *keypool.KeyScheduler
	store     *keypool.KeyStore
	catalog   *models.Discovery
	upstream  *UpstreamClient

	pool    *capacity.PoolCooldown
	account *capacity.Account429Detector
	aimd    *capacity.AdaptiveConcurrency

	hold *AdmissionHold
	gate *admissionGate

	stats  *stats.Aggregator
	events *broadcast.Broadcaster

	paused int32
}

// New wires the executor over its collaborators.
func New(runtime *config.RuntimeConfig, rt *router.Router, scheduler *keypool.KeyScheduler, store *keypool.KeyStore, catalog *models.Discovery, upstream *UpstreamClient, pool *capacity.PoolCooldown, account *capacity.Account429Detector, aimd *capacity.AdaptiveConcurrency, agg *stats.Aggregator, events *broadcast.Broadcaster) *Executor {
	cfg := runtime.Get()
	return &Executor{
		runtime:   runtime,
		rt:        rt,
		scheduler: scheduler,
		store:     store,
		catalog:   catalog,
		upstream:  upstream,
		pool:      pool,
		account:   account,
		aimd:      aimd,
		hold:      NewAdmissionHold(cfg.Admission),
		gate:      newAdmissionGate(cfg.Router.Executor.MaxTotalConcurrency, cfg.Router.Executor.QueueCapacity),
		stats:     agg,
		events:    events,
	}
}

// Pause makes the executor reject new requests with 503 until Resume.
func (e *Executor) Pause()  { atomic.StoreInt32(&e.paused, 1) }
func (e *Executor) Resume() { atomic.StoreInt32(&e.paused, 0) }

// IsPaused reports the pause state.
func (e *Executor) IsPaused() bool { return atomic.LoadInt32(&e.paused) == 1 }

// InFlight returns the gate's current admitted-request count.
func (e *Executor) InFlight() int { return e.gate.InUse() }

// Hold exposes the admission-hold gate for the stats surface.
func (e *Executor) Hold() *AdmissionHold { return e.hold }

// Execute serves one proxied chat/messages request end to end. Exactly
// one request-complete event is published per call, on every exit path.
func (e *Executor) Execute(w http.ResponseWriter, r *http.Request) {
	cfg := e.runtime.Get()
	requestID := uuid.NewString()
	start := time.Now()

	rec := stats.RequestRecord{
		Path:      r.URL.Path,
		RequestID: requestID,
		Timestamp: start,
	}
	published := false
	var completedTrace *router.Trace
	publish := func() {
		if published {
			return
		}
		published = true
		rec.LatencyMs = time.Since(start).Milliseconds()
		e.stats.RecordRequest(rec)
		if e.events != nil {
			e.events.PublishRequestComplete(rec, completedTrace)
		}
	}
	defer publish()

	if e.IsPaused() {
		rec.Status = http.StatusServiceUnavailable
		e.writeError(w, apierrors.New("proxy is paused", apierrors.TypeBackpressure, true).WithRequestID(requestID))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, cfg.Router.Executor.MaxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		rec.Status = apierrors.HTTPStatus(apierrors.TypeRequestTooLarge)
		e.writeError(w, apierrors.RequestTooLarge(cfg.Router.Executor.MaxBodySize).WithRequestID(requestID))
		return
	}

	features, err := messageapi.Parse(body)
	if err != nil {
		rec.Status = apierrors.HTTPStatus(apierrors.TypeInvalidRequest)
		e.writeError(w, apierrors.New(err.Error(), apierrors.TypeInvalidRequest, false).WithRequestID(requestID))
		return
	}
	rec.ClientModel = features.Model

	// Pool-wide cooldown: absorb short waits locally, surface long ones.
	if rem := e.pool.Remaining(); rem > 0 {
		if e.pool.ShouldAbsorbLocally() {
			select {
			case <-time.After(rem):
			case <-r.Context().Done():
				rec.Status = 499
				return
			}
		} else {
			rec.Status = apierrors.HTTPStatus(apierrors.TypeBackpressure)
			e.writeError(w, apierrors.Backpressure().WithRetryAfter(rem.Milliseconds()).WithRequestID(requestID))
			return
		}
	}

	queueTimeout := time.Duration(cfg.Router.Executor.QueueTimeoutMs) * time.Millisecond
	if !e.gate.TryAcquire(queueTimeout) {
		rec.Status = apierrors.HTTPStatus(apierrors.TypeBackpressure)
		e.writeError(w, apierrors.Backpressure().WithRetryAfter(queueTimeout.Milliseconds()).WithRequestID(requestID))
		return
	}
	defer e.gate.Release()

	ctx := r.Context()
	if cfg.Timeout.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.Timeout.RequestTimeout)*time.Millisecond)
		defer cancel()
	}

	completedTrace = e.runAttempts(ctx, w, r, cfg, features, body, requestID, &rec)
}

// selectDecision routes the request, applying the admission hold and
// re-selecting once when the whole tier was cooled. heldTime accumulates
// hold durations excluded from the retry-window clock.
func (e *Executor) selectDecision(ctx context.Context, cfg *config.Config, features *messageapi.Features, headerOverride string, attempted map[string]bool, heldTime *time.Duration, allowHold bool) (*router.Decision, *apierrors.ProxyError) {
	d := e.rt.SelectModel(&router.Request{
		Features:       features,
		HeaderOverride: headerOverride,
		Attempted:      attempted,
	})
	if d == nil {
		// Routing withheld (shadow mode) or nothing matched. Shadow mode
		// behaves as "routing disabled": serve on the default model.
		if cfg.Router.Executor.ShadowMode {
			if d = e.rt.SelectDefault("shadow mode"); d == nil {
				return nil, apierrors.Unroutable("default model unavailable")
			}
			return d, nil
		}
		return nil, apierrors.Unroutable("no tier, rule, or default model matched")
	}

	if d.ContextOverflow != nil {
		if d.ContextOverflow.Cause == router.OverflowGenuine {
			return nil, apierrors.ContextOverflowGenuine(d.ContextOverflow.EstimatedTokens)
		}
		if !cfg.Router.Executor.TransientOverflowRetry {
			perr := apierrors.ContextOverflowTransient(d.ContextOverflow.EstimatedTokens)
			perr.Retryable = false
			return nil, perr
		}
		return nil, apierrors.ContextOverflowTransient(d.ContextOverflow.EstimatedTokens)
	}

	// A best-effort decision on a fully cooled tier is a guaranteed-fail
	// send; sleeping through a short cooldown is cheaper.
	if allowHold && d.Committed && strings.HasPrefix(d.Reason, "warning") {
		rem, allCooled := e.rt.TierCooldownRemaining(d.Tier)
		if allCooled && e.hold.ShouldHold(rem) {
			e.rt.ReleaseModel(d.Model)
			dur, ok := e.hold.Hold(ctx, d.Tier, rem)
			*heldTime += dur
			if !ok {
				return nil, apierrors.RateLimited("all models in tier cooling down").
					WithRetryAfter(rem.Milliseconds())
			}
			return e.selectDecision(ctx, cfg, features, headerOverride, attempted, heldTime, false)
		}
	}

	return d, nil
}

// runAttempts drives the retry loop: key per attempt, adaptive timeout,
// upstream send, outcome classification, and the retry policy. Returns
// the routing trace, when one was recorded, for the completion event.
func (e *Executor) runAttempts(ctx context.Context, w http.ResponseWriter, r *http.Request, cfg *config.Config, features *messageapi.Features, body []byte, requestID string, rec *stats.RequestRecord) *router.Trace {
	attempted := map[string]bool{}
	attemptedKeys := map[string]bool{}
	st := &retryState{loopStart: time.Now()}

	decision, perr := e.selectDecision(ctx, cfg, features, r.Header.Get(ModelOverrideHeader), attempted, &st.heldTime, true)
	if perr != nil {
		rec.Status = apierrors.HTTPStatus(perr.Type)
		e.writeError(w, perr.WithRequestID(requestID))
		return nil
	}
	rec.Tier = decision.Tier
	rec.Strategy = decision.Strategy

	// The committed slot is released on every exit path; a decision that
	// never committed (shouldn't reach here) releases as a no-op.
	releaseDecision := func() {
		if decision != nil && decision.Committed {
			e.rt.ReleaseModel(decision.Model)
			decision.Committed = false
		}
	}
	defer releaseDecision()

	var lastErr *apierrors.ProxyError

	for {
		st.attempts++
		rec.Attempts = st.attempts
		rec.Model = decision.Model

		key, ks, pacing, err := e.scheduler.Next(attemptedKeys, e.runtime.Get().Scheduler.AllowCooledBestEffort)
		if err != nil {
			lastErr = apierrors.NoKeysAvailable().WithRetryAfter(e.noKeysRetryAfter())
			break
		}
		rec.KeyIndex = key.Index

		if pacing > 0 {
			select {
			case <-time.After(pacing):
			case <-ctx.Done():
				rec.Status = 499
				return decision.Trace
			}
		}

		outBody, err := messageapi.ReplaceModel(body, decision.Model)
		if err != nil {
			lastErr = apierrors.New(err.Error(), apierrors.TypeInternal, false)
			break
		}

		// The attempt timeout bounds time-to-response-headers only; once
		// headers arrive, streaming runs under the request deadline.
		timeout := attemptTimeout(&cfg.Timeout, ks, st.attempts-1)
		actx, cancel := context.WithCancel(ctx)
		var timedOut int32
		timer := time.AfterFunc(timeout, func() {
			atomic.StoreInt32(&timedOut, 1)
			cancel()
		})

		ks.AcquireInFlight()
		sendStart := time.Now()
		resp, sendErr := e.upstream.Send(actx, key, outBody, features.Stream)
		timer.Stop()
		latency := time.Since(sendStart).Milliseconds()
		ks.ReleaseInFlight()
		ks.RecordLatency(latency)

		var o outcome
		if sendErr != nil {
			cancel()
			if atomic.LoadInt32(&timedOut) == 1 {
				o = outcome{kind: outcomeTimeout, err: sendErr}
			} else {
				o = classifyOutcome(&cfg.Retry, nil, "", sendErr)
			}
		} else if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			// Success: forward before touching the body.
			ks.RecordSuccess()
			if remaining := parseRateLimitRemaining(resp.Header); remaining >= 0 {
				ks.SetRateLimitRemaining(remaining)
			}
			e.aimd.ObserveTraffic(decision.Model, e.catalog.MaxConcurrency(decision.Model))

			status := e.forwardResponse(w, resp, requestID)
			cancel()

			rec.Status = status
			rec.Success = true
			return decision.Trace
		} else {
			errBody, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
			resp.Body.Close()
			cancel()
			o = classifyOutcome(&cfg.Retry, resp, string(errBody), nil)
		}

		if o.kind == outcomeRateLimit {
			st.rateLimitRetries++
		}
		if o.kind == outcomeCapacity {
			st.capacityRetries++
		}

		lastErr = e.observeFailure(cfg, o, decision, key, ks)
		act := decide(&cfg.Retry, o, st)

		obslog.Warn("executor: attempt %d on key %d model %s failed (%s)",
			st.attempts, key.Index, decision.Model, lastErr.Type)

		switch act {
		case actGiveUp:
			rec.Status = e.statusFor(o, lastErr)
			e.writeErrorStatus(w, rec.Status, lastErr.WithRequestID(requestID))
			return decision.Trace

		case actRetrySwitchModel:
			st.modelSwitches++
			attempted[decision.Model] = true
			attemptedKeys[key.ID] = true
			releaseDecision()

			e.sleepBackoff(ctx, cfg, st, o)

			var perr *apierrors.ProxyError
			decision, perr = e.selectDecision(ctx, cfg, features, "", attempted, &st.heldTime, true)
			if perr != nil {
				// No alternate model; retry the same model on another
				// key instead.
				for m := range attempted {
					delete(attempted, m)
				}
				decision, perr = e.selectDecision(ctx, cfg, features, "", attempted, &st.heldTime, true)
			}
			if perr != nil {
				// Nothing left to switch to; surface the upstream error,
				// not the routing failure.
				rec.Status = e.statusFor(o, lastErr)
				e.writeErrorStatus(w, rec.Status, lastErr.WithRequestID(requestID))
				return nil
			}
			rec.Tier = decision.Tier
			rec.Strategy = decision.Strategy

		case actRetrySameModel:
			// Staged capacity backoff, same model, key re-picked.
			delay := o.retryAfter
			if delay <= 0 {
				delay = time.Duration(capacity.BackoffTier(capacity.CapacityBackoffTiersMs, st.capacityRetries-1)) * time.Millisecond
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}

		case actRetrySwitchKey:
			attemptedKeys[key.ID] = true
			e.sleepBackoff(ctx, cfg, st, o)
		}

		if ctx.Err() != nil {
			rec.Status = 499
			return decision.Trace
		}
	}

	// No eligible key (or an internal failure) ended the loop.
	if lastErr == nil {
		lastErr = apierrors.RetriesExhausted(st.attempts)
	}
	rec.Status = apierrors.HTTPStatus(lastErr.Type)
	e.writeError(w, lastErr.WithRequestID(requestID))
	return decision.Trace
}

// observeFailure mutates capacity state for one failed attempt and
// returns the error to surface if this attempt proves final.
func (e *Executor) observeFailure(cfg *config.Config, o outcome, decision *router.Decision, key *keypool.Key, ks *keypool.State) *apierrors.ProxyError {
	staticMax := e.catalog.MaxConcurrency(decision.Model)

	switch o.kind {
	case outcomeCapacity:
		e.rt.Record429(decision.Model)
		e.stats.Record429(decision.Model)
		e.aimd.ObserveCongestion(decision.Model, staticMax, false)
		return apierrors.RateLimited(o.body).WithRetryAfter(
			capacity.BackoffTier(capacity.CapacityBackoffTiersMs, 0))

	case outcomeRateLimit:
		ks.HitRateLimitCooldown(time.Now(), cfg.Router.Cooldown.BaseCooldownMs, cfg.Router.Cooldown.MaxCooldownMs, cfg.Router.Cooldown.CooldownDecayMs)
		e.pool.RecordRateLimit()
		e.account.RecordRateLimit(key.ID)
		e.rt.Record429(decision.Model)
		e.stats.Record429(decision.Model)
		e.aimd.ObserveCongestion(decision.Model, staticMax, false)

		// A hit while the model is already cooling extends the deadline
		// without escalating the ladder again.
		dampened := e.rt.CooldownRemaining(decision.Model) > 0
		d := o.retryAfter
		if d <= 0 {
			d = time.Duration(cfg.Router.Cooldown.BaseCooldownMs) * time.Millisecond
		}
		e.rt.RecordModelCooldown(decision.Model, d, dampened)

		return apierrors.RateLimited(o.body).WithRetryAfter(d.Milliseconds())

	case outcomeQuota:
		// Resolves a HALF_OPEN probe; without it the breaker would hold
		// probeInFlight forever and the key would never be scheduled.
		ks.RecordFailure()
		e.aimd.ObserveCongestion(decision.Model, staticMax, true)
		d := o.retryAfter
		if d <= 0 {
			d = time.Duration(capacity.BackoffTier(capacity.QuotaBackoffTiersMs, 0)) * time.Millisecond
		}
		e.rt.RecordModelCooldown(decision.Model, d, false)
		return apierrors.QuotaExceeded(o.body).WithRetryAfter(d.Milliseconds())

	case outcomeAuthPermanent:
		ks.RecordFailure()
		e.store.MarkInvalid(key.ID)
		e.scheduler.Sync()
		return apierrors.New("upstream credential permanently rejected", apierrors.TypeAuth, false)

	case outcomeAuthFatal:
		ks.RecordFailure()
		return apierrors.New("upstream rejected credentials", apierrors.TypeAuth, false)

	case outcomeClientFault:
		ks.RecordFailure()
		return apierrors.ClientFault(o.status, o.body)

	case outcomeTimeout:
		ks.RecordFailure()
		return apierrors.UpstreamTimeout()

	case outcomeHangup:
		ks.RecordFailure()
		if ks.RecordHangup() >= int64(cfg.Upstream.MaxConsecutiveHangups) {
			e.upstream.RecreateAgent()
		}
		return apierrors.SocketHangup()

	default:
		ks.RecordFailure()
		return apierrors.UpstreamServerError(o.status, o.body)
	}
}

// statusFor picks the client-facing status: client faults mirror the
// upstream status, everything else maps from the error type.
func (e *Executor) statusFor(o outcome, perr *apierrors.ProxyError) int {
	if o.kind == outcomeClientFault && o.status > 0 {
		return o.status
	}
	return apierrors.HTTPStatus(perr.Type)
}

// sleepBackoff waits out the retry delay, bounded by ctx.
func (e *Executor) sleepBackoff(ctx context.Context, cfg *config.Config, st *retryState, o outcome) {
	delay := backoffDelay(&cfg.Retry, st.attempts-1, o.retryAfter)
	if delay <= 0 {
		return
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

// noKeysRetryAfter synthesizes a retry-after for the no-keys response:
// the account-wide cooldown when active, else the pool cooldown, else a
// flat second.
func (e *Executor) noKeysRetryAfter() int64 {
	if rem := e.account.Remaining(); rem > 0 {
		return rem.Milliseconds()
	}
	if rem := e.pool.Remaining(); rem > 0 {
		return rem.Milliseconds()
	}
	return 1000
}

// forwardResponse streams or buffers the upstream response to the client
// and returns the status written. Event-stream bodies are flushed chunk
// by chunk, byte for byte.
func (e *Executor) forwardResponse(w http.ResponseWriter, resp *http.Response, requestID string) int {
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	upstreamID := resp.Header.Get("x-request-id")
	if upstreamID == "" {
		upstreamID = requestID
	}
	w.Header().Set("x-request-id", upstreamID)
	w.WriteHeader(resp.StatusCode)

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		flusher, _ := w.(http.Flusher)
		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					break
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
			if err != nil {
				break
			}
		}
		return resp.StatusCode
	}

	io.Copy(w, resp.Body)
	return resp.StatusCode
}

// writeError renders the standard error envelope with retry-after when
// the failure is retryable.
func (e *Executor) writeError(w http.ResponseWriter, perr *apierrors.ProxyError) {
	e.writeErrorStatus(w, apierrors.HTTPStatus(perr.Type), perr)
}

// writeErrorStatus is writeError with an explicit status, used where the
// upstream status is mirrored instead of derived from the error type.
func (e *Executor) writeErrorStatus(w http.ResponseWriter, status int, perr *apierrors.ProxyError) {
	if perr.RetryAfter > 0 {
		secs := (perr.RetryAfter + 999) / 1000
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	} else if perr.Retryable {
		// No representative delay attached: synthesize a flat second.
		w.Header().Set("Retry-After", "1")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(perr.ToEnvelope())
}
