// Package ledger routes the engine's chain operations to per-chain adapters.
package ledger

import (
	"fmt"

	"github.com/tessella/custody-engine/interfaces"
)

type registryKey struct {
	chain   interfaces.ChainID
	network interfaces.Network
}

// Registry holds the configured ledger adapters keyed by (chain, network).
// Adapters are registered explicitly at startup; lookups for unregistered
// pairs fail rather than falling back to a default chain.
type Registry struct {
	adapters map[registryKey]interfaces.LedgerAdapter
}

// NewRegistry creates a registry with the given adapters.
func NewRegistry(adapters ...interfaces.LedgerAdapter) *Registry {
	r := &Registry{adapters: make(map[registryKey]interfaces.LedgerAdapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds an adapter, replacing any previous one for the same pair.
func (r *Registry) Register(a interfaces.LedgerAdapter) {
	r.adapters[registryKey{a.ChainID(), a.Network()}] = a
}

// Adapter returns the adapter for the given chain and network.
func (r *Registry) Adapter(chain interfaces.ChainID, network interfaces.Network) (interfaces.LedgerAdapter, error) {
	a, ok := r.adapters[registryKey{chain, network}]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for %s/%s", interfaces.ErrAdapterFailure, chain, network)
	}
	return a, nil
}

// Chains lists the registered (chain, network) pairs.
func (r *Registry) Chains() []string {
	out := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, fmt.Sprintf("%s/%s", k.chain, k.network))
	}
	return out
}
