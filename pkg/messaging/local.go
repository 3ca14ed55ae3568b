package messaging

import (
	"context"
	"log"
	"sync"

	"github.com/terminal-bench/bridgehub/pkg/wire"
)

type route struct {
	domain  uint32
	address wire.Address
}

// Delivery is one dispatched message held by a Local transport.
type Delivery struct {
	ID          wire.MessageID
	DestDomain  uint32
	DestAddress wire.Address
	Origin      uint32
	Sender      wire.Address
	Body        []byte
}

// Local is an in-process transport connecting endpoints in the same
// binary. In immediate mode a dispatched message is handed to the
// bound handler synchronously (handler errors are logged, never
// surfaced to the dispatcher — dispatch stays fire-and-forget). In
// queued mode deliveries accumulate until released, which lets tests
// reorder, duplicate and drop messages the way a real transport may.
type Local struct {
	mu       sync.Mutex
	handlers map[route]Handler
	queued   bool
	pending  []Delivery
}

func NewLocal() *Local {
	return &Local{handlers: make(map[route]Handler)}
}

// NewQueuedLocal returns a Local that holds deliveries until released.
func NewQueuedLocal() *Local {
	l := NewLocal()
	l.queued = true
	return l
}

// Bind registers the handler for an endpoint.
func (l *Local) Bind(domain uint32, address wire.Address, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[route{domain: domain, address: address}] = h
}

// Port returns a Transport that dispatches with the given identity.
func (l *Local) Port(originDomain uint32, sender wire.Address) *Port {
	return &Port{local: l, origin: originDomain, sender: sender}
}

// Pending returns a copy of undelivered messages (queued mode).
func (l *Local) Pending() []Delivery {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Delivery, len(l.pending))
	copy(out, l.pending)
	return out
}

// DeliverAll releases every pending delivery in order.
func (l *Local) DeliverAll(ctx context.Context) {
	for {
		l.mu.Lock()
		if len(l.pending) == 0 {
			l.mu.Unlock()
			return
		}
		d := l.pending[0]
		l.pending = l.pending[1:]
		l.mu.Unlock()
		l.Deliver(ctx, d)
	}
}

// Deliver hands a single delivery to its bound handler. Calling it
// repeatedly with the same Delivery simulates transport redelivery.
func (l *Local) Deliver(ctx context.Context, d Delivery) error {
	l.mu.Lock()
	h, ok := l.handlers[route{domain: d.DestDomain, address: d.DestAddress}]
	l.mu.Unlock()
	if !ok {
		// No endpoint: the message is simply lost, as a real
		// transport permits.
		return nil
	}
	return h(ctx, d.Origin, d.Sender, d.Body)
}

// Port is a Local transport endpoint with a fixed sender identity.
type Port struct {
	local  *Local
	origin uint32
	sender wire.Address
}

func (p *Port) Dispatch(ctx context.Context, destDomain uint32, destAddress wire.Address, body []byte) (wire.MessageID, error) {
	id := wire.ComputeID(p.origin, p.sender, body)
	d := Delivery{
		ID:          id,
		DestDomain:  destDomain,
		DestAddress: destAddress,
		Origin:      p.origin,
		Sender:      p.sender,
		Body:        append([]byte(nil), body...),
	}

	p.local.mu.Lock()
	queued := p.local.queued
	if queued {
		p.local.pending = append(p.local.pending, d)
	}
	p.local.mu.Unlock()

	if !queued {
		if err := p.local.Deliver(ctx, d); err != nil {
			log.Printf("local delivery of %s failed: %v", id, err)
		}
	}
	return id, nil
}
