package export

import (
	"sort"
	"sync"
)

type rankedProvider struct {
	provider Provider
	rank     int
}

// Registry holds the dynamic set of providers, ranked per module id. A
// higher rank wins; registration order breaks ties.
type Registry struct {
	mu        sync.RWMutex
	providers map[string][]rankedProvider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string][]rankedProvider)}
}

func (r *Registry) Register(p Provider, rank int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := append(r.providers[p.Module()], rankedProvider{provider: p, rank: rank})
	sort.SliceStable(list, func(i, j int) bool { return list[i].rank > list[j].rank })
	r.providers[p.Module()] = list
}

// HighestRankedFor returns the best provider for module, if any.
func (r *Registry) HighestRankedFor(module string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.providers[module]
	if len(list) == 0 {
		return nil, false
	}
	return list[0].provider, true
}
