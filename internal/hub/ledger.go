// Package hub implements the hub-side half of the bridge: it
// authenticates inbound deposit messages, applies each at most once,
// maintains the per-user internal balance table, and originates
// withdrawal releases.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/bridgehub/internal/registry"
	"github.com/terminal-bench/bridgehub/internal/store"
	"github.com/terminal-bench/bridgehub/pkg/messaging"
	"github.com/terminal-bench/bridgehub/pkg/token"
	"github.com/terminal-bench/bridgehub/pkg/wire"
)

var (
	ErrUntrustedOrigin = errors.New("untrusted origin")
	ErrUnmappedToken   = errors.New("no token mapping for route")
	ErrUnknownAsset    = errors.New("synthetic asset not registered")
	ErrUnknownDomain   = errors.New("no chain endpoint for domain")
	ErrWrongKind       = errors.New("unexpected message kind")
)

// CrossChainConfig identifies the hub endpoint and its transport.
type CrossChainConfig struct {
	Transport string       `json:"transport"`
	Domain    uint32       `json:"domain"`
	Address   wire.Address `json:"address"`
}

// Ledger is the hub gateway plus accounting. All state transitions go
// through the Store, whose atomic check-then-mutate is what upgrades
// the transport's at-least-once delivery to at-most-once application.
type Ledger struct {
	chains *registry.ChainRegistry
	store  store.Store
	bank   *AssetBank

	mu        sync.Mutex
	cfg       CrossChainConfig
	tokens    *registry.TokenRegistry
	transport messaging.Transport

	events messaging.Publisher
	cache  BalanceCache
}

func NewLedger(cfg CrossChainConfig, chains *registry.ChainRegistry, tokens *registry.TokenRegistry, st store.Store, bank *AssetBank, transport messaging.Transport) *Ledger {
	return &Ledger{
		cfg:       cfg,
		chains:    chains,
		tokens:    tokens,
		store:     st,
		bank:      bank,
		transport: transport,
		events:    messaging.NopPublisher{},
	}
}

// SetPublisher wires an event publisher. Events are advisory.
func (l *Ledger) SetPublisher(p messaging.Publisher) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = p
}

// SetCache wires a balance read cache.
func (l *Ledger) SetCache(c BalanceCache) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = c
}

// Handle applies one inbound message delivered by the transport.
//
// A replayed message is a success no-op. A deposit whose route has no
// token mapping FAILS without being marked processed: the transport's
// own retry policy can then apply it once the registry is fixed. The
// alternative (absorb silently, alert, give up retryability) was
// rejected because it converts a config mistake into a manual
// reconciliation exercise; with fail-and-retry the funds credit
// themselves as soon as the mapping lands.
func (l *Ledger) Handle(ctx context.Context, originDomain uint32, sender wire.Address, body []byte) error {
	trusted, ok := l.chains.Endpoint(originDomain)
	if !ok || trusted != sender {
		return fmt.Errorf("%w: domain %d sender %s", ErrUntrustedOrigin, originDomain, sender)
	}

	id := wire.ComputeID(originDomain, sender, body)
	done, err := l.store.Processed(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to check processed set: %w", err)
	}
	if done {
		// Replay. Must stay a no-op success even if the registry has
		// changed since first application.
		return nil
	}

	// Malformed bodies, wrong kinds and bad amounts can never succeed
	// on redelivery; marking them unretryable lets a durable consumer
	// drop them instead of spinning on a poison message.
	msg, err := wire.Decode(body)
	if err != nil {
		return messaging.Unretryable(fmt.Errorf("failed to decode message %s: %w", id, err))
	}
	if msg.Kind != wire.KindDeposit {
		return messaging.Unretryable(fmt.Errorf("%w: hub only accepts deposits, got %s", ErrWrongKind, msg.Kind))
	}
	if !msg.Amount.IsPositive() {
		return messaging.Unretryable(fmt.Errorf("%w in message %s", wire.ErrBadAmount, id))
	}

	cfg := l.CrossChainConfig()
	synth, mapped := l.tokenRegistry().Synthetic(originDomain, msg.Token, cfg.Domain)
	if !mapped {
		l.publish(ctx, messaging.SubjectDepositUnmapped, messaging.DepositUnmapped{
			MessageID:    id.String(),
			OriginDomain: originDomain,
			Token:        msg.Token.String(),
			Amount:       msg.Amount.String(),
		})
		return fmt.Errorf("%w: domain %d token %s", ErrUnmappedToken, originDomain, msg.Token)
	}
	auth, ok := l.bank.authority(synth)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, synth)
	}

	applied, err := l.store.ApplyCredit(ctx, id, originDomain, msg.Recipient, synth, msg.Amount)
	if err != nil {
		return fmt.Errorf("failed to apply credit: %w", err)
	}
	if !applied {
		// Lost a race with a concurrent redelivery; the other copy won.
		return nil
	}

	// The credit is durable; minting into hub custody cannot fail for
	// a registered asset with a validated amount.
	if err := auth.Mint(cfg.Address, msg.Amount); err != nil {
		return fmt.Errorf("mint after credit of %s: %w", id, err)
	}

	l.invalidate(ctx, msg.Recipient, synth)
	l.publish(ctx, messaging.SubjectDepositCredited, messaging.DepositCredited{
		MessageID:    id.String(),
		OriginDomain: originDomain,
		Synthetic:    synth.String(),
		Recipient:    msg.Recipient.String(),
		Amount:       msg.Amount.String(),
	})
	return nil
}

// RequestWithdraw debits the user's ledger balance, burns the
// synthetic from hub custody, and dispatches a release message to the
// registered gateway of originDomain. Debit and burn happen strictly
// before dispatch, so a failed dispatch leaves no double-spend: the
// balance is gone and the message is gone, the same outcome as a
// dispatched-but-never-delivered release.
func (l *Ledger) RequestWithdraw(ctx context.Context, user, synthetic wire.Address, amount decimal.Decimal, originDomain uint32) (wire.MessageID, error) {
	if !amount.IsPositive() || !amount.Equal(amount.Truncate(0)) {
		return wire.MessageID{}, fmt.Errorf("%w: %s", wire.ErrBadAmount, amount)
	}
	gateway, ok := l.chains.Endpoint(originDomain)
	if !ok {
		return wire.MessageID{}, fmt.Errorf("%w: %d", ErrUnknownDomain, originDomain)
	}
	cfg := l.CrossChainConfig()
	sourceToken, ok := l.tokenRegistry().SourceToken(originDomain, synthetic, cfg.Domain)
	if !ok {
		return wire.MessageID{}, fmt.Errorf("%w: no source token for %s on domain %d", ErrUnmappedToken, synthetic, originDomain)
	}
	auth, ok := l.bank.authority(synthetic)
	if !ok {
		return wire.MessageID{}, fmt.Errorf("%w: %s", ErrUnknownAsset, synthetic)
	}

	if err := l.store.Debit(ctx, user, synthetic, amount); err != nil {
		return wire.MessageID{}, err
	}
	if err := auth.Burn(cfg.Address, amount); err != nil {
		// Custody cannot be short of the ledger sum unless the custody
		// invariant is already broken; surface it loudly.
		return wire.MessageID{}, fmt.Errorf("custody burn after debit: %w", err)
	}
	l.invalidate(ctx, user, synthetic)

	seq, err := l.store.NextSequence(ctx, user)
	if err != nil {
		return wire.MessageID{}, fmt.Errorf("failed to advance sequence: %w", err)
	}
	msg := wire.Message{
		Kind:         wire.KindRelease,
		Token:        sourceToken,
		Recipient:    user,
		Amount:       amount,
		OriginDomain: cfg.Domain,
		Sequence:     seq,
	}
	body, err := msg.Encode()
	if err != nil {
		return wire.MessageID{}, fmt.Errorf("failed to encode release: %w", err)
	}
	id, err := l.currentTransport().Dispatch(ctx, originDomain, gateway, body)
	if err != nil {
		return wire.MessageID{}, fmt.Errorf("failed to dispatch release: %w", err)
	}

	l.publish(ctx, messaging.SubjectWithdrawRequested, messaging.WithdrawRequested{
		MessageID:  id.String(),
		User:       user.String(),
		Synthetic:  synthetic.String(),
		Amount:     amount.String(),
		DestDomain: originDomain,
	})
	return id, nil
}

// Balance returns the internal ledger balance for (user, synthetic).
func (l *Ledger) Balance(ctx context.Context, user, synthetic wire.Address) (decimal.Decimal, error) {
	if c := l.balanceCache(); c != nil {
		if bal, ok := c.Get(ctx, user, synthetic); ok {
			return bal, nil
		}
	}
	bal, err := l.store.Balance(ctx, user, synthetic)
	if err != nil {
		return decimal.Zero, err
	}
	if c := l.balanceCache(); c != nil {
		c.Set(ctx, user, synthetic, bal)
	}
	return bal, nil
}

// IsMessageProcessed reports whether a message id has been applied.
func (l *Ledger) IsMessageProcessed(ctx context.Context, id wire.MessageID) (bool, error) {
	return l.store.Processed(ctx, id)
}

// UserProcessedCount returns the advisory per-user counter of applied
// deposits. It is diagnostic only; MessageID dedup is authoritative.
func (l *Ledger) UserProcessedCount(ctx context.Context, user wire.Address) (int64, error) {
	return l.store.ProcessedCount(ctx, user)
}

// ChainEndpoint returns the registered gateway for a domain.
func (l *Ledger) ChainEndpoint(domain uint32) (wire.Address, bool) {
	return l.chains.Endpoint(domain)
}

// ChainEndpoints lists all registered endpoints.
func (l *Ledger) ChainEndpoints() []registry.ChainEndpoint {
	return l.chains.Endpoints()
}

// SetChainEndpoint registers or replaces the trusted gateway for a
// domain. Owner-gated at the API layer.
func (l *Ledger) SetChainEndpoint(domain uint32, gateway wire.Address) {
	l.chains.SetEndpoint(domain, gateway)
}

// SetTokenRegistry points the ledger at a registry instance.
func (l *Ledger) SetTokenRegistry(r *registry.TokenRegistry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens = r
}

// RegisterAsset adds a synthetic asset the hub may mint.
func (l *Ledger) RegisterAsset(addr wire.Address, auth *token.Authority) {
	l.bank.Register(addr, auth)
}

// UpdateCrossChainConfig replaces the hub's transport/domain
// configuration. Idempotent and callable any number of times, so a
// bad value can always be corrected; there is no one-shot initializer
// to dead-end on.
func (l *Ledger) UpdateCrossChainConfig(cfg CrossChainConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
}

// SetTransport swaps the transport implementation.
func (l *Ledger) SetTransport(t messaging.Transport) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transport = t
}

// CrossChainConfig returns the current configuration.
func (l *Ledger) CrossChainConfig() CrossChainConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

func (l *Ledger) tokenRegistry() *registry.TokenRegistry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokens
}

func (l *Ledger) currentTransport() messaging.Transport {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transport
}

func (l *Ledger) balanceCache() BalanceCache {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cache
}

func (l *Ledger) invalidate(ctx context.Context, user, asset wire.Address) {
	if c := l.balanceCache(); c != nil {
		c.Invalidate(ctx, user, asset)
	}
}

func (l *Ledger) publisher() messaging.Publisher {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events
}

func (l *Ledger) publish(ctx context.Context, subject string, data interface{}) {
	ev, err := messaging.NewEvent(subject, data)
	if err != nil {
		log.Printf("failed to build %s event: %v", subject, err)
		return
	}
	if err := l.publisher().Publish(ctx, subject, ev); err != nil {
		log.Printf("failed to publish %s event: %v", subject, err)
	}
}
