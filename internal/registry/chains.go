package registry

import (
	"sort"
	"sync"

	"github.com/terminal-bench/bridgehub/pkg/wire"
)

// ChainEndpoint names the single trusted gateway on a remote domain.
type ChainEndpoint struct {
	Domain  uint32       `json:"domain"`
	Gateway wire.Address `json:"gateway"`
}

// ChainRegistry maps network domains to their trusted gateway
// addresses. Entries are set by the owner at setup time and may be
// replaced at any point; nothing is ever auto-discovered.
type ChainRegistry struct {
	mu        sync.RWMutex
	endpoints map[uint32]wire.Address
}

func NewChainRegistry() *ChainRegistry {
	return &ChainRegistry{endpoints: make(map[uint32]wire.Address)}
}

// SetEndpoint registers or replaces the trusted gateway for a domain.
func (r *ChainRegistry) SetEndpoint(domain uint32, gateway wire.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[domain] = gateway
}

// Endpoint returns the trusted gateway for a domain.
func (r *ChainRegistry) Endpoint(domain uint32) (wire.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gw, ok := r.endpoints[domain]
	return gw, ok
}

// Endpoints lists all registered endpoints, ordered by domain.
func (r *ChainRegistry) Endpoints() []ChainEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ChainEndpoint, 0, len(r.endpoints))
	for d, gw := range r.endpoints {
		out = append(out, ChainEndpoint{Domain: d, Gateway: gw})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}
