package registry

import (
	"bytes"
	"sync"

	"github.com/terminal-bench/bridgehub/pkg/wire"
)

// MappingKey identifies a bridgeable token route.
type MappingKey struct {
	SourceDomain uint32
	SourceToken  wire.Address
	TargetDomain uint32
}

// TokenMapping is the hub-side view of a bridgeable token. Decimals
// are recorded for auditing and UI only; the protocol performs no
// rescaling, so the synthetic must already be configured with the
// precision deposits arrive in.
type TokenMapping struct {
	Synthetic wire.Address `json:"synthetic"`
	Decimals  uint8        `json:"decimals"`
	Active    bool         `json:"active"`
}

// TokenRegistry maps (source domain, source token, target domain) to
// the synthetic asset minted on the target. Values are replaceable by
// the owner; replacing a mapping does not migrate balances already
// credited under the previous synthetic, so two synthetics for the
// same underlying can coexist after a remap.
type TokenRegistry struct {
	mu       sync.RWMutex
	mappings map[MappingKey]TokenMapping
}

func NewTokenRegistry() *TokenRegistry {
	return &TokenRegistry{mappings: make(map[MappingKey]TokenMapping)}
}

// Register creates or overwrites a token mapping.
func (r *TokenRegistry) Register(key MappingKey, synthetic wire.Address, decimals uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappings[key] = TokenMapping{Synthetic: synthetic, Decimals: decimals, Active: true}
}

// Update repoints an existing mapping. It is the same operation as
// Register under a different name, kept so admin intent is explicit.
func (r *TokenRegistry) Update(key MappingKey, synthetic wire.Address, decimals uint8) {
	r.Register(key, synthetic, decimals)
}

// Deactivate disables a mapping without removing the record.
func (r *TokenRegistry) Deactivate(key MappingKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.mappings[key]; ok {
		m.Active = false
		r.mappings[key] = m
	}
}

// Synthetic resolves the synthetic asset for a deposit route. The
// zero address is the unmapped sentinel.
func (r *TokenRegistry) Synthetic(sourceDomain uint32, sourceToken wire.Address, targetDomain uint32) (wire.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappings[MappingKey{SourceDomain: sourceDomain, SourceToken: sourceToken, TargetDomain: targetDomain}]
	if !ok || !m.Active {
		return wire.Address{}, false
	}
	return m.Synthetic, true
}

// Mapping returns the full mapping record for a route.
func (r *TokenRegistry) Mapping(key MappingKey) (TokenMapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappings[key]
	return m, ok
}

// SourceToken is the reverse lookup used on withdrawal: given the
// synthetic held on the target domain, find the source token to
// release on sourceDomain. Only active mappings resolve; a synthetic
// orphaned by a remap can no longer be withdrawn through this route.
// If the owner has pointed several active routes on the same domain
// pair at one synthetic, the lowest source token address wins, so
// repeated withdrawals always release the same token.
func (r *TokenRegistry) SourceToken(sourceDomain uint32, synthetic wire.Address, targetDomain uint32) (wire.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best wire.Address
	found := false
	for key, m := range r.mappings {
		if key.SourceDomain != sourceDomain || key.TargetDomain != targetDomain || !m.Active || m.Synthetic != synthetic {
			continue
		}
		if !found || bytes.Compare(key.SourceToken[:], best[:]) < 0 {
			best = key.SourceToken
			found = true
		}
	}
	return best, found
}
