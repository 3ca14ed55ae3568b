// Package watch is the off-protocol reconciliation monitor. The
// bridge itself never reconciles: a deposit whose message is lost
// leaves funds locked with no hub credit, and the only way to notice
// is to compare source-side lock events against hub-side credits from
// the outside. That comparison is this package.
package watch

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/terminal-bench/bridgehub/pkg/messaging"
)

// Metrics receives monitor observations. Implementations must be safe
// for concurrent use.
type Metrics interface {
	RecordInflight(count int)
	RecordCredited(latency time.Duration)
	RecordStale(s Stale)
}

// NopMetrics discards observations.
type NopMetrics struct{}

func (NopMetrics) RecordInflight(int)           {}
func (NopMetrics) RecordCredited(time.Duration) {}
func (NopMetrics) RecordStale(Stale)            {}

// Stale is a deposit dispatched longer than the deadline ago with no
// matching hub credit. It is a signal for an operator, not an input
// to the protocol.
type Stale struct {
	MessageID    string
	OriginDomain uint32
	Token        string
	Amount       string
	Age          time.Duration
}

type pending struct {
	ev messaging.DepositDispatched
	at time.Time
}

// Monitor correlates deposit dispatch events with hub credit events
// by MessageID. Events arrive unordered: a credit may be seen before
// its dispatch, so credited ids are remembered either way.
type Monitor struct {
	deadline time.Duration
	metrics  Metrics

	mu       sync.Mutex
	inflight map[string]pending
	credited map[string]time.Time
	stale    map[string]Stale
}

func NewMonitor(deadline time.Duration, metrics Metrics) *Monitor {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Monitor{
		deadline: deadline,
		metrics:  metrics,
		inflight: make(map[string]pending),
		credited: make(map[string]time.Time),
		stale:    make(map[string]Stale),
	}
}

// OnDispatched records a source-side lock event.
func (m *Monitor) OnDispatched(ev messaging.DepositDispatched, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.credited[ev.MessageID]; ok {
		// Credit event raced ahead of the dispatch event; the true
		// latency is unknowable from this side.
		delete(m.credited, ev.MessageID)
		m.metrics.RecordCredited(0)
		return
	}
	m.inflight[ev.MessageID] = pending{ev: ev, at: now}
	m.metrics.RecordInflight(len(m.inflight))
}

// OnCredited records a hub-side credit event and resolves the
// matching in-flight deposit if one is known.
func (m *Monitor) OnCredited(ev messaging.DepositCredited, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.inflight[ev.MessageID]; ok {
		delete(m.inflight, ev.MessageID)
		delete(m.stale, ev.MessageID)
		m.metrics.RecordCredited(now.Sub(p.at))
		m.metrics.RecordInflight(len(m.inflight))
		return
	}
	if s, ok := m.stale[ev.MessageID]; ok {
		// A very late credit; the alert self-resolves.
		delete(m.stale, ev.MessageID)
		log.Printf("stale deposit %s credited after %s", s.MessageID, s.Age)
		return
	}
	m.credited[ev.MessageID] = now
}

// Sweep promotes overdue in-flight deposits to stale and returns the
// newly stale entries.
func (m *Monitor) Sweep(now time.Time) []Stale {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Stale
	for id, p := range m.inflight {
		age := now.Sub(p.at)
		if age < m.deadline {
			continue
		}
		s := Stale{
			MessageID:    id,
			OriginDomain: p.ev.OriginDomain,
			Token:        p.ev.Token,
			Amount:       p.ev.Amount,
			Age:          age,
		}
		delete(m.inflight, id)
		m.stale[id] = s
		m.metrics.RecordStale(s)
		out = append(out, s)
	}
	if len(out) > 0 {
		m.metrics.RecordInflight(len(m.inflight))
	}
	return out
}

// InflightCount returns the number of unresolved deposits.
func (m *Monitor) InflightCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

// StaleEntries returns a snapshot of current stale deposits.
func (m *Monitor) StaleEntries() []Stale {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Stale, 0, len(m.stale))
	for _, s := range m.stale {
		out = append(out, s)
	}
	return out
}

// Run subscribes the monitor to bridge events and sweeps on a ticker
// until ctx is done.
func (m *Monitor) Run(ctx context.Context, client *messaging.Client, sweepEvery time.Duration) error {
	err := client.Subscribe(messaging.SubjectDepositDispatched, func(msg *nats.Msg) {
		var ev messaging.DepositDispatched
		if decodeEvent(msg.Data, &ev) {
			m.OnDispatched(ev, time.Now())
		}
	})
	if err != nil {
		return err
	}
	err = client.Subscribe(messaging.SubjectDepositCredited, func(msg *nats.Msg) {
		var ev messaging.DepositCredited
		if decodeEvent(msg.Data, &ev) {
			m.OnCredited(ev, time.Now())
		}
	})
	if err != nil {
		return err
	}

	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			for _, s := range m.Sweep(now) {
				log.Printf("ALERT: deposit %s from domain %d locked for %s with no hub credit", s.MessageID, s.OriginDomain, s.Age)
			}
		}
	}
}

func decodeEvent(data []byte, v interface{}) bool {
	var ev messaging.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("failed to decode event envelope: %v", err)
		return false
	}
	if err := json.Unmarshal(ev.Data, v); err != nil {
		log.Printf("failed to decode event payload: %v", err)
		return false
	}
	return true
}
