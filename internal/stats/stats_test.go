package stats

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordAndSnapshot(t *testing.T) {
	a := NewAggregator()

	a.RecordRequest(RequestRecord{Model: "m1", Status: 200, Success: true, LatencyMs: 100, Timestamp: time.Now()})
	a.RecordRequest(RequestRecord{Model: "m1", Status: 502, Success: false, LatencyMs: 300, Timestamp: time.Now()})
	a.Record429("m1")

	snap := a.Snapshot()
	assert.Equal(t, int64(2), snap["total"])
	assert.Equal(t, int64(1), snap["success"])
	assert.Equal(t, 0.5, snap["successRate"])

	models := snap["models"].(map[string]modelCounters)
	assert.Equal(t, int64(2), models["m1"].Requests)
	assert.Equal(t, int64(1), models["m1"].Errors)
	assert.Equal(t, int64(1), models["m1"].RateLimits)
}

func TestRecentRingBounded(t *testing.T) {
	a := NewAggregator()
	for i := 0; i < recentRingSize+10; i++ {
		a.RecordRequest(RequestRecord{RequestID: fmt.Sprintf("r%d", i), Status: 200, Success: true})
	}

	recent := a.Recent()
	assert.Len(t, recent, recentRingSize)
	assert.Equal(t, fmt.Sprintf("r%d", recentRingSize+9), recent[len(recent)-1].RequestID)
}

func TestResetIsInitEquivalent(t *testing.T) {
	a := NewAggregator()
	a.RecordRequest(RequestRecord{Model: "m1", Status: 200, Success: true, LatencyMs: 50})
	a.Reset()

	snap := a.Snapshot()
	assert.Equal(t, int64(0), snap["total"])
	assert.Empty(t, a.Recent())
}
