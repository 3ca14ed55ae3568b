package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/terminal-bench/bridgehub/pkg/wire"
)

// Client wraps a NATS connection with subscription bookkeeping.
type Client struct {
	conn *nats.Conn
	js   nats.JetStreamContext

	mu         sync.Mutex
	subs       map[string]*nats.Subscription
	reconnects int
}

// ClientOptions holds NATS connection configuration.
type ClientOptions struct {
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// NewClient connects to NATS.
func NewClient(url string, opts ClientOptions) (*Client, error) {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	c := &Client{subs: make(map[string]*nats.Subscription)}

	conn, err := nats.Connect(url,
		nats.Name(opts.Name),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.Timeout(opts.ConnectTimeout),
		nats.ReconnectHandler(func(*nats.Conn) {
			c.mu.Lock()
			c.reconnects++
			c.mu.Unlock()
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	c.conn = conn
	c.js = js
	return c, nil
}

// Publish marshals v as JSON and publishes it to subject.
func (c *Client) Publish(ctx context.Context, subject string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	if err := c.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe subscribes without a queue group.
func (c *Client) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.subs[subject]; exists {
		return fmt.Errorf("already subscribed to %s", subject)
	}
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	c.subs[subject] = sub
	return nil
}

// QueueSubscribe subscribes with a queue group.
func (c *Client) QueueSubscribe(subject, queue string, handler func(msg *nats.Msg)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := subject + ":" + queue
	if _, exists := c.subs[key]; exists {
		return fmt.Errorf("already subscribed to %s with queue %s", subject, queue)
	}
	sub, err := c.conn.QueueSubscribe(subject, queue, handler)
	if err != nil {
		return fmt.Errorf("failed to queue subscribe: %w", err)
	}
	c.subs[key] = sub
	return nil
}

// JetStreamSubscribe subscribes through a durable JetStream consumer
// with manual acking, so a handler error leads to redelivery.
func (c *Client) JetStreamSubscribe(subject, durable string, handler func(msg *nats.Msg), opts ...nats.SubOpt) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	opts = append(opts, nats.Durable(durable), nats.ManualAck())
	sub, err := c.js.Subscribe(subject, handler, opts...)
	if err != nil {
		return fmt.Errorf("failed to JetStream subscribe: %w", err)
	}
	c.subs["js:"+subject] = sub
	return nil
}

// Reconnects returns the number of reconnections seen so far.
func (c *Client) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

// IsConnected reports connection status.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Drain flushes pending messages and tears the connection down.
func (c *Client) Drain() error {
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.Drain()
}

// Close closes the connection and drops all subscriptions.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, sub := range c.subs {
		sub.Unsubscribe()
		delete(c.subs, key)
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

// MessageSubject is the NATS subject a bridge endpoint listens on.
func MessageSubject(domain uint32, address wire.Address) string {
	return fmt.Sprintf("bridge.msg.%d.%s", domain, address)
}

// Envelope frames a bridge message in transit between endpoints.
type Envelope struct {
	MessageID    string `json:"message_id"`
	OriginDomain uint32 `json:"origin_domain"`
	Sender       string `json:"sender"`
	Body         []byte `json:"body"`
}

// NATSTransport dispatches bridge messages over NATS on behalf of a
// single local endpoint, whose identity it stamps on every envelope.
type NATSTransport struct {
	client *Client
	origin uint32
	sender wire.Address
}

// NewNATSTransport builds a transport bound to the local endpoint
// identity (the domain and gateway address messages are sent as).
func NewNATSTransport(client *Client, originDomain uint32, sender wire.Address) *NATSTransport {
	return &NATSTransport{client: client, origin: originDomain, sender: sender}
}

func (t *NATSTransport) Dispatch(ctx context.Context, destDomain uint32, destAddress wire.Address, body []byte) (wire.MessageID, error) {
	id := wire.ComputeID(t.origin, t.sender, body)
	env := Envelope{
		MessageID:    id.String(),
		OriginDomain: t.origin,
		Sender:       t.sender.String(),
		Body:         body,
	}
	if err := t.client.Publish(ctx, MessageSubject(destDomain, destAddress), env); err != nil {
		return wire.MessageID{}, err
	}
	return id, nil
}

// Listen registers handler for messages addressed to the given
// endpoint. A queue group lets replicas share the load; handler
// errors are logged and the message dropped (core NATS has no
// redelivery).
func (t *NATSTransport) Listen(domain uint32, address wire.Address, handler Handler) error {
	subject := MessageSubject(domain, address)
	return t.client.QueueSubscribe(subject, "bridge", func(msg *nats.Msg) {
		if err := deliver(msg.Data, handler); err != nil {
			log.Printf("bridge handler failed on %s: %v", subject, err)
		}
	})
}

// ListenDurable is Listen on a durable JetStream consumer: a handler
// error Naks the message so the transport redelivers it later. This
// is the retry loop the unmapped-token failure policy relies on.
// Failures the handler marks Unretryable are terminated instead, so a
// message no configuration change can ever fix does not spin forever.
func (t *NATSTransport) ListenDurable(domain uint32, address wire.Address, durable string, handler Handler) error {
	subject := MessageSubject(domain, address)
	return t.client.JetStreamSubscribe(subject, durable, func(msg *nats.Msg) {
		err := deliver(msg.Data, handler)
		switch {
		case err == nil:
			msg.Ack()
		case IsUnretryable(err):
			log.Printf("bridge handler rejected poison message on %s, dropping: %v", subject, err)
			msg.Term()
		default:
			log.Printf("bridge handler failed on %s, will retry: %v", subject, err)
			msg.Nak()
		}
	})
}

func deliver(data []byte, handler Handler) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Unretryable(fmt.Errorf("failed to decode envelope: %w", err))
	}
	sender, err := wire.ParseAddress(env.Sender)
	if err != nil {
		return Unretryable(fmt.Errorf("failed to parse sender: %w", err))
	}
	return handler(context.Background(), env.OriginDomain, sender, env.Body)
}
