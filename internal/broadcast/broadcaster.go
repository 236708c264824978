// Package broadcast fans out live pool-status and request-complete events
// to subscribed dashboard clients over SSE. The pool-status timer runs
// only while at least one subscriber is connected.
package broadcast

import (
	"sync"
	"time"

	"github.com/riftrelay/capacity-proxy/internal/obslog"
	"github.com/riftrelay/capacity-proxy/internal/router"
	"github.com/riftrelay/capacity-proxy/internal/stats"
)

// SchemaVersion is stamped on every pool-status event.
const SchemaVersion = 1

// DefaultStatusInterval is how often pool-status fires while subscribers
// are connected.
const DefaultStatusInterval = 3 * time.Second

// subscriberBuffer bounds each subscriber's event channel; a stalled
// client drops events rather than blocking the broadcaster.
const subscriberBuffer = 32

// Event is one SSE frame: the event name plus its JSON-serializable
// payload.
type Event struct {
	Name string
	Data interface{}
}

// PoolStatusEvent is the periodic capacity snapshot.
type PoolStatusEvent struct {
	SchemaVersion int                             `json:"schemaVersion"`
	Seq           uint64                          `json:"seq"`
	Ts            time.Time                       `json:"ts"`
	Type          string                          `json:"type"`
	Pools         map[string][]router.ModelStatus `json:"pools"`
}

// RequestCompleteEvent wraps one finished request.
type RequestCompleteEvent struct {
	Seq uint64 `json:"seq"`
	stats.RequestRecord
	Trace *router.Trace `json:"trace,omitempty"`
}

// InitEvent is sent once per new subscriber.
type InitEvent struct {
	Seq    uint64                `json:"seq"`
	Recent []stats.RequestRecord `json:"recent"`
}

// Relay mirrors published events to peer proxy replicas; nil disables
// mirroring.
type Relay interface {
	PublishEvent(name string, data interface{})
}

// Broadcaster is the SSE fan-out hub.
type Broadcaster struct {
	mu sync.Mutex

	subs   map[uint64]chan Event
	nextID uint64
	seq    uint64

	interval time.Duration
	timerStop chan struct{}

	statusFn func() map[string][]router.ModelStatus
	recentFn func() []stats.RequestRecord

	relay Relay
}

// New builds a broadcaster. statusFn supplies pool standing for the
// periodic event; recentFn supplies the init payload.
func New(interval time.Duration, statusFn func() map[string][]router.ModelStatus, recentFn func() []stats.RequestRecord) *Broadcaster {
	if interval <= 0 {
		interval = DefaultStatusInterval
	}
	return &Broadcaster{
		subs:     map[uint64]chan Event{},
		interval: interval,
		statusFn: statusFn,
		recentFn: recentFn,
	}
}

// SetRelay attaches an optional cross-replica event mirror.
func (b *Broadcaster) SetRelay(r Relay) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relay = r
}

// nextSeq must be called with b.mu held.
func (b *Broadcaster) nextSeq() uint64 {
	b.seq++
	return b.seq
}

// Subscribe registers a new SSE client. The returned channel receives an
// init event first, then every broadcast until Unsubscribe. Subscribing
// the first client starts the pool-status timer.
func (b *Broadcaster) Subscribe() (uint64, <-chan Event) {
	b.mu.Lock()

	b.nextID++
	id := b.nextID
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	var recent []stats.RequestRecord
	if b.recentFn != nil {
		recent = b.recentFn()
	}
	ch <- Event{Name: "init", Data: InitEvent{Seq: b.nextSeq(), Recent: recent}}

	startTimer := len(b.subs) == 1
	if startTimer {
		b.timerStop = make(chan struct{})
		go b.statusLoop(b.timerStop)
	}
	b.mu.Unlock()

	if startTimer {
		obslog.Debug("broadcast: first subscriber, pool-status timer started")
	}
	return id, ch
}

// Unsubscribe removes a client; removing the last one stops the
// pool-status timer.
func (b *Broadcaster) Unsubscribe(id uint64) {
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(ch)
	}
	stopTimer := ok && len(b.subs) == 0 && b.timerStop != nil
	if stopTimer {
		close(b.timerStop)
		b.timerStop = nil
	}
	b.mu.Unlock()

	if stopTimer {
		obslog.Debug("broadcast: last subscriber gone, pool-status timer stopped")
	}
}

// TimerActive reports whether the pool-status timer is running; it is
// non-nil exactly while the subscriber count is positive.
func (b *Broadcaster) TimerActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timerStop != nil
}

// SubscriberCount returns the number of connected clients.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) statusLoop(stop chan struct{}) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.BroadcastPoolStatus()
		case <-stop:
			return
		}
	}
}

// BroadcastPoolStatus emits one pool-status event to every subscriber.
// Exposed so tests can drive the timer deterministically.
func (b *Broadcaster) BroadcastPoolStatus() {
	if b.statusFn == nil {
		return
	}
	pools := b.statusFn()

	b.mu.Lock()
	ev := Event{Name: "pool-status", Data: PoolStatusEvent{
		SchemaVersion: SchemaVersion,
		Seq:           b.nextSeq(),
		Ts:            time.Now(),
		Type:          "pool-status",
		Pools:         pools,
	}}
	b.deliverLocked(ev)
	relay := b.relay
	b.mu.Unlock()

	if relay != nil {
		relay.PublishEvent(ev.Name, ev.Data)
	}
}

// PublishRequestComplete emits a request-complete event.
func (b *Broadcaster) PublishRequestComplete(rec stats.RequestRecord, trace *router.Trace) {
	b.mu.Lock()
	ev := Event{Name: "request-complete", Data: RequestCompleteEvent{
		Seq:           b.nextSeq(),
		RequestRecord: rec,
		Trace:         trace,
	}}
	b.deliverLocked(ev)
	relay := b.relay
	b.mu.Unlock()

	if relay != nil {
		relay.PublishEvent(ev.Name, ev.Data)
	}
}

// DeliverRemote injects an event received from a peer replica into the
// local fan-out, re-sequenced so the per-broadcaster seq invariant holds.
func (b *Broadcaster) DeliverRemote(name string, data interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := data.(map[string]interface{}); ok {
		m["seq"] = b.nextSeq()
	}
	b.deliverLocked(Event{Name: name, Data: data})
}

// deliverLocked pushes ev to every subscriber, dropping it for clients
// whose buffer is full. Must be called with b.mu held.
func (b *Broadcaster) deliverLocked(ev Event) {
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
