package hub

import (
	"sync"

	"github.com/terminal-bench/bridgehub/pkg/token"
	"github.com/terminal-bench/bridgehub/pkg/wire"
)

// AssetBank holds the mint/burn authorities of every synthetic asset
// the hub issues. The hub ledger is the only component ever given an
// authority, which is what enforces the single-minter rule.
type AssetBank struct {
	mu     sync.RWMutex
	assets map[wire.Address]*token.Authority
}

func NewAssetBank() *AssetBank {
	return &AssetBank{assets: make(map[wire.Address]*token.Authority)}
}

// Register adds a synthetic asset under its address.
func (b *AssetBank) Register(addr wire.Address, auth *token.Authority) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.assets[addr] = auth
}

// Token returns the readable token for an asset address.
func (b *AssetBank) Token(addr wire.Address) (*token.Token, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	auth, ok := b.assets[addr]
	if !ok {
		return nil, false
	}
	return auth.Token(), true
}

func (b *AssetBank) authority(addr wire.Address) (*token.Authority, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	auth, ok := b.assets[addr]
	return auth, ok
}
