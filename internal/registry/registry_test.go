package registry

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/bridgehub/pkg/wire"
)

func TestChainRegistry(t *testing.T) {
	r := NewChainRegistry()
	gwA := wire.AddressFromString("gateway-a")
	gwB := wire.AddressFromString("gateway-b")

	t.Run("miss on unregistered domain", func(t *testing.T) {
		_, ok := r.Endpoint(5)
		assert.False(t, ok)
	})

	t.Run("set and get", func(t *testing.T) {
		r.SetEndpoint(5, gwA)
		got, ok := r.Endpoint(5)
		require.True(t, ok)
		assert.Equal(t, gwA, got)
	})

	t.Run("replace is allowed", func(t *testing.T) {
		r.SetEndpoint(5, gwB)
		got, _ := r.Endpoint(5)
		assert.Equal(t, gwB, got)
	})

	t.Run("list is sorted by domain", func(t *testing.T) {
		r.SetEndpoint(2, gwA)
		eps := r.Endpoints()
		require.Len(t, eps, 2)
		assert.Equal(t, uint32(2), eps[0].Domain)
		assert.Equal(t, uint32(5), eps[1].Domain)
	})
}

func TestTokenRegistry(t *testing.T) {
	r := NewTokenRegistry()
	src := wire.AddressFromString("usdc-on-a")
	s1 := wire.AddressFromString("synthetic-1")
	s2 := wire.AddressFromString("synthetic-2")
	key := MappingKey{SourceDomain: 2, SourceToken: src, TargetDomain: 1}

	t.Run("unmapped returns zero sentinel", func(t *testing.T) {
		synth, ok := r.Synthetic(2, src, 1)
		assert.False(t, ok)
		assert.True(t, synth.IsZero())
	})

	t.Run("register resolves", func(t *testing.T) {
		r.Register(key, s1, 6)
		synth, ok := r.Synthetic(2, src, 1)
		require.True(t, ok)
		assert.Equal(t, s1, synth)

		m, ok := r.Mapping(key)
		require.True(t, ok)
		assert.Equal(t, uint8(6), m.Decimals)
		assert.True(t, m.Active)
	})

	t.Run("reverse lookup finds source token", func(t *testing.T) {
		got, ok := r.SourceToken(2, s1, 1)
		require.True(t, ok)
		assert.Equal(t, src, got)
	})

	t.Run("update repoints without touching other routes", func(t *testing.T) {
		r.Update(key, s2, 6)
		synth, ok := r.Synthetic(2, src, 1)
		require.True(t, ok)
		assert.Equal(t, s2, synth)

		// The orphaned synthetic no longer reverse-resolves.
		_, ok = r.SourceToken(2, s1, 1)
		assert.False(t, ok)
	})

	t.Run("reverse lookup with shared synthetic is deterministic", func(t *testing.T) {
		shared := NewTokenRegistry()
		synth := wire.AddressFromString("shared-synthetic")
		tokens := []wire.Address{
			wire.AddressFromString("token-a"),
			wire.AddressFromString("token-b"),
			wire.AddressFromString("token-c"),
		}
		lowest := tokens[0]
		for _, tok := range tokens {
			shared.Register(MappingKey{SourceDomain: 2, SourceToken: tok, TargetDomain: 1}, synth, 6)
			if bytes.Compare(tok[:], lowest[:]) < 0 {
				lowest = tok
			}
		}

		for i := 0; i < 20; i++ {
			got, ok := shared.SourceToken(2, synth, 1)
			require.True(t, ok)
			assert.Equal(t, lowest, got)
		}
	})

	t.Run("deactivate hides the route", func(t *testing.T) {
		r.Deactivate(key)
		_, ok := r.Synthetic(2, src, 1)
		assert.False(t, ok)
		_, ok = r.SourceToken(2, s2, 1)
		assert.False(t, ok)

		// The record itself survives for auditing.
		m, ok := r.Mapping(key)
		require.True(t, ok)
		assert.False(t, m.Active)
	})
}
