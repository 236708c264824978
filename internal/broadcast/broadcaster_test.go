package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftrelay/capacity-proxy/internal/router"
	"github.com/riftrelay/capacity-proxy/internal/stats"
)

func testBroadcaster() *Broadcaster {
	statusFn := func() map[string][]router.ModelStatus {
		return map[string][]router.ModelStatus{
			"heavy": {{Model: "glm-5", InFlight: 1, MaxConcurrency: 5, Available: 4}},
		}
	}
	recentFn := func() []stats.RequestRecord { return nil }
	return New(time.Hour, statusFn, recentFn)
}

func drain(ch <-chan Event, n int, timeout time.Duration) []Event {
	out := make([]Event, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
	return out
}

func seqOf(ev Event) uint64 {
	switch d := ev.Data.(type) {
	case InitEvent:
		return d.Seq
	case PoolStatusEvent:
		return d.Seq
	case RequestCompleteEvent:
		return d.Seq
	}
	return 0
}

func TestSeqStrictlyIncreasing(t *testing.T) {
	b := testBroadcaster()

	id1, ch1 := b.Subscribe()
	id2, ch2 := b.Subscribe()
	defer b.Unsubscribe(id1)
	defer b.Unsubscribe(id2)

	b.BroadcastPoolStatus()
	b.BroadcastPoolStatus()
	b.BroadcastPoolStatus()

	for _, ch := range []<-chan Event{ch1, ch2} {
		events := drain(ch, 4, time.Second)
		require.GreaterOrEqual(t, len(events), 4, "init + 3 pool-status")
		var last uint64
		for i, ev := range events {
			seq := seqOf(ev)
			if i > 0 {
				assert.Greater(t, seq, last, "seq must strictly increase in received order")
			}
			last = seq
		}
	}
}

func TestTimerTracksSubscriberCount(t *testing.T) {
	b := testBroadcaster()
	assert.False(t, b.TimerActive())

	id1, _ := b.Subscribe()
	assert.True(t, b.TimerActive(), "timer starts on 0 -> 1")

	id2, _ := b.Subscribe()
	assert.True(t, b.TimerActive())

	b.Unsubscribe(id1)
	assert.True(t, b.TimerActive(), "timer keeps running while any subscriber remains")

	b.Unsubscribe(id2)
	assert.False(t, b.TimerActive(), "timer stops on 1 -> 0")
}

func TestInitEventFirst(t *testing.T) {
	recent := []stats.RequestRecord{{RequestID: "r1", Status: 200, Success: true}}
	b := New(time.Hour, nil, func() []stats.RequestRecord { return recent })

	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	events := drain(ch, 1, time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, "init", events[0].Name)
	init := events[0].Data.(InitEvent)
	assert.Equal(t, "r1", init.Recent[0].RequestID)
}

func TestRequestCompleteDelivered(t *testing.T) {
	b := testBroadcaster()
	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	b.PublishRequestComplete(stats.RequestRecord{RequestID: "req-9", Model: "glm-5", Status: 200, Success: true}, nil)

	events := drain(ch, 2, time.Second)
	require.Len(t, events, 2)
	assert.Equal(t, "request-complete", events[1].Name)
	rc := events[1].Data.(RequestCompleteEvent)
	assert.Equal(t, "req-9", rc.RequestID)
}

func TestPoolStatusShape(t *testing.T) {
	b := testBroadcaster()
	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	b.BroadcastPoolStatus()
	events := drain(ch, 2, time.Second)
	require.Len(t, events, 2)

	ps := events[1].Data.(PoolStatusEvent)
	assert.Equal(t, SchemaVersion, ps.SchemaVersion)
	assert.Equal(t, "pool-status", ps.Type)
	require.Contains(t, ps.Pools, "heavy")
	assert.Equal(t, "glm-5", ps.Pools["heavy"][0].Model)
}
