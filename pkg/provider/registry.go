package provider

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/jdziat/sniper/pkg/core"
)

// Registry resolves providers by kind.
type Registry struct {
	mu        sync.RWMutex
	providers map[core.ProviderKind]Provider
}

// NewRegistry creates a registry holding ps.
func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{providers: make(map[core.ProviderKind]Provider)}
	for _, p := range ps {
		r.Register(p)
	}
	return r
}

// Register adds or replaces the provider for p.Kind().
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Kind()] = p
}

// Get returns the provider for kind.
func (r *Registry) Get(kind core.ProviderKind) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[kind]
	if !ok {
		return nil, errors.Wrapf(core.ErrUnknownProvider, "%q", kind)
	}
	return p, nil
}

// Kinds lists registered provider kinds in sorted order.
func (r *Registry) Kinds() []core.ProviderKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]core.ProviderKind, 0, len(r.providers))
	for k := range r.providers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
