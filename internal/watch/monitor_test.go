package watch

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/bridgehub/pkg/messaging"
)

type recordingMetrics struct {
	mu        sync.Mutex
	inflight  []int
	latencies []time.Duration
	stale     []Stale
}

func (r *recordingMetrics) RecordInflight(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight = append(r.inflight, count)
}

func (r *recordingMetrics) RecordCredited(latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latencies = append(r.latencies, latency)
}

func (r *recordingMetrics) RecordStale(s Stale) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stale = append(r.stale, s)
}

func dispatched(id string) messaging.DepositDispatched {
	return messaging.DepositDispatched{
		MessageID:    id,
		OriginDomain: 2,
		Token:        "usdc",
		Recipient:    "alice",
		Amount:       "100",
		Sequence:     1,
	}
}

func credited(id string) messaging.DepositCredited {
	return messaging.DepositCredited{
		MessageID:    id,
		OriginDomain: 2,
		Synthetic:    "sUSDC",
		Recipient:    "alice",
		Amount:       "100",
	}
}

func TestDispatchThenCredit(t *testing.T) {
	metrics := &recordingMetrics{}
	m := NewMonitor(10*time.Minute, metrics)
	t0 := time.Now()

	m.OnDispatched(dispatched("msg-1"), t0)
	assert.Equal(t, 1, m.InflightCount())

	m.OnCredited(credited("msg-1"), t0.Add(3*time.Second))
	assert.Equal(t, 0, m.InflightCount())

	require.Len(t, metrics.latencies, 1)
	assert.Equal(t, 3*time.Second, metrics.latencies[0])
	assert.Empty(t, metrics.stale)
}

func TestCreditBeforeDispatch(t *testing.T) {
	metrics := &recordingMetrics{}
	m := NewMonitor(10*time.Minute, metrics)
	t0 := time.Now()

	m.OnCredited(credited("msg-1"), t0)
	assert.Equal(t, 0, m.InflightCount())

	// The late-arriving dispatch must not leave a phantom in-flight entry.
	m.OnDispatched(dispatched("msg-1"), t0.Add(time.Second))
	assert.Equal(t, 0, m.InflightCount())
	require.Len(t, metrics.latencies, 1)

	// Nothing to go stale afterward.
	assert.Empty(t, m.Sweep(t0.Add(time.Hour)))
}

func TestSweep(t *testing.T) {
	metrics := &recordingMetrics{}
	m := NewMonitor(10*time.Minute, metrics)
	t0 := time.Now()

	m.OnDispatched(dispatched("old"), t0)
	m.OnDispatched(dispatched("fresh"), t0.Add(8*time.Minute))

	out := m.Sweep(t0.Add(11 * time.Minute))
	require.Len(t, out, 1)
	assert.Equal(t, "old", out[0].MessageID)
	assert.Equal(t, 11*time.Minute, out[0].Age)
	assert.Equal(t, uint32(2), out[0].OriginDomain)

	assert.Equal(t, 1, m.InflightCount())
	require.Len(t, m.StaleEntries(), 1)
	require.Len(t, metrics.stale, 1)

	// Sweeping again does not re-alert the same deposit.
	assert.Empty(t, m.Sweep(t0.Add(12*time.Minute)))
}

func TestLateCreditResolvesStale(t *testing.T) {
	m := NewMonitor(time.Minute, &recordingMetrics{})
	t0 := time.Now()

	m.OnDispatched(dispatched("slow"), t0)
	require.Len(t, m.Sweep(t0.Add(2*time.Minute)), 1)

	m.OnCredited(credited("slow"), t0.Add(3*time.Minute))
	assert.Empty(t, m.StaleEntries())
	assert.Equal(t, 0, m.InflightCount())
}

func TestDecodeEvent(t *testing.T) {
	ev, err := messaging.NewEvent(messaging.SubjectDepositDispatched, dispatched("msg-1"))
	require.NoError(t, err)
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var got messaging.DepositDispatched
	require.True(t, decodeEvent(raw, &got))
	assert.Equal(t, "msg-1", got.MessageID)

	assert.False(t, decodeEvent([]byte("garbage"), &got))
}
