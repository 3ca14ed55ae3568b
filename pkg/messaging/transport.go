package messaging

import (
	"context"
	"errors"

	"github.com/terminal-bench/bridgehub/pkg/wire"
)

// Handler processes one inbound bridge message. The transport invokes
// it with the claimed origin and sender; authenticating those against
// the chain registry is the handler's job, not the transport's.
type Handler func(ctx context.Context, originDomain uint32, sender wire.Address, body []byte) error

// Transport dispatches opaque bridge bodies toward a destination
// endpoint. Dispatch is fire-and-forget: it returns once the message
// is handed to the transport, independent of (and with no guarantee
// of) eventual delivery. Delivery is at-least-once and unordered.
type Transport interface {
	Dispatch(ctx context.Context, destDomain uint32, destAddress wire.Address, body []byte) (wire.MessageID, error)
}

// Publisher emits observability events. It is advisory: failures are
// logged and never fail the protocol operation that produced them.
type Publisher interface {
	Publish(ctx context.Context, subject string, v interface{}) error
}

// NopPublisher discards events; used when no event bus is wired.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, subject string, v interface{}) error { return nil }

type unretryableError struct{ err error }

func (e unretryableError) Error() string { return e.err.Error() }
func (e unretryableError) Unwrap() error { return e.err }

// Unretryable marks a handler failure no redelivery can ever fix
// (undecodable body, wrong kind). Durable consumers terminate such
// messages instead of redelivering them; retryable failures like an
// unmapped token stay plain errors and keep their retry loop.
func Unretryable(err error) error {
	if err == nil {
		return nil
	}
	return unretryableError{err: err}
}

// IsUnretryable reports whether err carries the Unretryable marker.
func IsUnretryable(err error) bool {
	var u unretryableError
	return errors.As(err, &u)
}
