// Package gateway implements the source-side bridge endpoint: it
// custodies locked collateral, emits deposit messages, and honors
// release messages originated by the hub.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/bridgehub/internal/store"
	"github.com/terminal-bench/bridgehub/pkg/messaging"
	"github.com/terminal-bench/bridgehub/pkg/token"
	"github.com/terminal-bench/bridgehub/pkg/wire"
)

var (
	ErrNotWhitelisted  = errors.New("token not whitelisted")
	ErrUntrustedOrigin = errors.New("untrusted origin")
	ErrUnknownToken    = errors.New("no custody handle for token")
	ErrWrongKind       = errors.New("unexpected message kind")
)

// Config is the gateway's cross-chain configuration: the transport it
// dispatches on and the hub endpoint deposits are addressed to.
type Config struct {
	Transport  string       `json:"transport"`
	HubDomain  uint32       `json:"hub_domain"`
	HubGateway wire.Address `json:"hub_gateway"`
}

type tokenEntry struct {
	tok         *token.Token
	whitelisted bool
	synthetic   wire.Address // advisory hint, owner-managed
}

// Gateway is one source-network bridge endpoint. A single mutex
// serializes every custody mutation with the check and dispatch that
// belong to it; there is no reachable state where funds are locked
// but no message was dispatched, nor the reverse.
type Gateway struct {
	domain  uint32
	address wire.Address

	mu        sync.Mutex
	cfg       Config
	transport messaging.Transport
	tokens    map[wire.Address]*tokenEntry
	sequences map[wire.Address]uint64
	processed store.ProcessedSet
	events    messaging.Publisher
}

func New(domain uint32, address wire.Address, cfg Config, transport messaging.Transport, processed store.ProcessedSet) *Gateway {
	return &Gateway{
		domain:    domain,
		address:   address,
		cfg:       cfg,
		transport: transport,
		tokens:    make(map[wire.Address]*tokenEntry),
		sequences: make(map[wire.Address]uint64),
		processed: processed,
		events:    messaging.NopPublisher{},
	}
}

// Domain returns the gateway's network domain.
func (g *Gateway) Domain() uint32 { return g.domain }

// Address returns the gateway's own custody address.
func (g *Gateway) Address() wire.Address { return g.address }

// SetPublisher wires an event publisher. Events are advisory.
func (g *Gateway) SetPublisher(p messaging.Publisher) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = p
}

// Deposit pulls amount of token from the caller into gateway custody
// and dispatches a deposit message to the configured hub, as one
// serialized step. If the dispatch fails synchronously the custody
// pull is unwound, so validation failures and transport refusals are
// both fully safe to retry.
func (g *Gateway) Deposit(ctx context.Context, tokenAddr, from wire.Address, amount decimal.Decimal, recipient wire.Address) (wire.MessageID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.tokens[tokenAddr]
	if !ok || !entry.whitelisted {
		return wire.MessageID{}, fmt.Errorf("%w: %s", ErrNotWhitelisted, tokenAddr)
	}
	if err := entry.tok.Transfer(from, g.address, amount); err != nil {
		return wire.MessageID{}, err
	}

	seq := g.sequences[from] + 1
	msg := wire.Message{
		Kind:         wire.KindDeposit,
		Token:        tokenAddr,
		Recipient:    recipient,
		Amount:       amount,
		OriginDomain: g.domain,
		Sequence:     seq,
	}
	body, err := msg.Encode()
	if err != nil {
		g.refund(entry.tok, from, amount)
		return wire.MessageID{}, fmt.Errorf("failed to encode deposit: %w", err)
	}
	id, err := g.transport.Dispatch(ctx, g.cfg.HubDomain, g.cfg.HubGateway, body)
	if err != nil {
		g.refund(entry.tok, from, amount)
		return wire.MessageID{}, fmt.Errorf("failed to dispatch deposit: %w", err)
	}
	g.sequences[from] = seq

	g.publish(ctx, messaging.SubjectDepositDispatched, messaging.DepositDispatched{
		MessageID:    id.String(),
		OriginDomain: g.domain,
		Token:        tokenAddr.String(),
		Recipient:    recipient.String(),
		Amount:       amount.String(),
		Sequence:     seq,
	})
	return id, nil
}

func (g *Gateway) refund(tok *token.Token, to wire.Address, amount decimal.Decimal) {
	if err := tok.Transfer(g.address, to, amount); err != nil {
		// Unreachable: custody was credited this much one line ago
		// and g.mu is still held.
		log.Printf("refund failed: %v", err)
	}
}

// HandleRelease applies one release message delivered by the
// transport. Deduplication mirrors the hub exactly: the MessageID is
// the sole key and a replay is a success no-op. On first application
// the custodied collateral is released to the recipient.
func (g *Gateway) HandleRelease(ctx context.Context, originDomain uint32, sender wire.Address, body []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if originDomain != g.cfg.HubDomain || sender != g.cfg.HubGateway {
		return fmt.Errorf("%w: domain %d sender %s", ErrUntrustedOrigin, originDomain, sender)
	}

	id := wire.ComputeID(originDomain, sender, body)
	done, err := g.processed.Processed(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to check processed set: %w", err)
	}
	if done {
		return nil
	}

	// Terminally invalid messages are marked unretryable so a durable
	// consumer drops them instead of redelivering forever.
	msg, err := wire.Decode(body)
	if err != nil {
		return messaging.Unretryable(fmt.Errorf("failed to decode message %s: %w", id, err))
	}
	if msg.Kind != wire.KindRelease {
		return messaging.Unretryable(fmt.Errorf("%w: gateway only accepts releases, got %s", ErrWrongKind, msg.Kind))
	}
	if !msg.Amount.IsPositive() {
		return messaging.Unretryable(fmt.Errorf("%w in message %s", wire.ErrBadAmount, id))
	}

	// Releases are honored even for tokens since removed from the
	// deposit whitelist; the custody handle outlives the whitelisting.
	entry, ok := g.tokens[msg.Token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, msg.Token)
	}
	if err := entry.tok.Transfer(g.address, msg.Recipient, msg.Amount); err != nil {
		// Custody short: invariant breach, leave the message
		// unprocessed so the transport can retry after investigation.
		return fmt.Errorf("failed to release custody for %s: %w", id, err)
	}
	if _, err := g.processed.MarkProcessed(ctx, id); err != nil {
		return fmt.Errorf("failed to mark %s processed: %w", id, err)
	}

	g.publish(ctx, messaging.SubjectReleaseApplied, messaging.ReleaseApplied{
		MessageID: id.String(),
		Token:     msg.Token.String(),
		Recipient: msg.Recipient.String(),
		Amount:    msg.Amount.String(),
	})
	return nil
}

// AddToken whitelists a token for deposit and records its custody
// handle plus the advisory synthetic hint.
func (g *Gateway) AddToken(addr wire.Address, tok *token.Token, synthetic wire.Address) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tokens[addr] = &tokenEntry{tok: tok, whitelisted: true, synthetic: synthetic}
}

// RemoveToken takes a token off the deposit whitelist. The custody
// handle is kept so in-flight releases still land.
func (g *Gateway) RemoveToken(addr wire.Address) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if entry, ok := g.tokens[addr]; ok {
		entry.whitelisted = false
	}
}

// IsTokenWhitelisted reports whether deposits of a token are allowed.
func (g *Gateway) IsTokenWhitelisted(addr wire.Address) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.tokens[addr]
	return ok && entry.whitelisted
}

// SyntheticHint returns the owner-managed local-token to synthetic
// hint, zero if unset.
func (g *Gateway) SyntheticHint(addr wire.Address) wire.Address {
	g.mu.Lock()
	defer g.mu.Unlock()
	if entry, ok := g.tokens[addr]; ok {
		return entry.synthetic
	}
	return wire.Address{}
}

// CustodyBalance returns the collateral currently locked for a token.
func (g *Gateway) CustodyBalance(addr wire.Address) (decimal.Decimal, error) {
	g.mu.Lock()
	entry, ok := g.tokens[addr]
	g.mu.Unlock()
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownToken, addr)
	}
	return entry.tok.BalanceOf(g.address), nil
}

// UpdateCrossChainConfig replaces the gateway's transport/hub
// configuration. Idempotent: callable any number of times, so the
// gateway can always be repointed without a redeploy.
func (g *Gateway) UpdateCrossChainConfig(cfg Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
}

// SetTransport swaps the transport implementation.
func (g *Gateway) SetTransport(t messaging.Transport) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transport = t
}

// CrossChainConfig returns the current configuration.
func (g *Gateway) CrossChainConfig() Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

// IsMessageProcessed reports whether a release has been applied.
func (g *Gateway) IsMessageProcessed(ctx context.Context, id wire.MessageID) (bool, error) {
	return g.processed.Processed(ctx, id)
}

func (g *Gateway) publish(ctx context.Context, subject string, data interface{}) {
	ev, err := messaging.NewEvent(subject, data)
	if err != nil {
		log.Printf("failed to build %s event: %v", subject, err)
		return
	}
	if err := g.events.Publish(ctx, subject, ev); err != nil {
		log.Printf("failed to publish %s event: %v", subject, err)
	}
}
