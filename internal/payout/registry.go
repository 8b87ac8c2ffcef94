package payout

import (
	"fmt"
	"sort"
	"sync"
)

// RailInfo pairs a rail name with its capabilities.
type RailInfo struct {
	Name         string           `json:"name"`
	Capabilities RailCapabilities `json:"capabilities"`
}

// Registry holds the payout rails available to the dispatcher.
type Registry struct {
	mu    sync.RWMutex
	rails map[string]Rail
}

// NewRegistry creates an empty rail registry.
func NewRegistry() *Registry {
	return &Registry{
		rails: make(map[string]Rail),
	}
}

// Register adds a rail to the registry under the given name.
func (r *Registry) Register(name string, rail Rail) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rails[name] = rail
}

// Resolve returns the rail registered under name.
func (r *Registry) Resolve(name string) (Rail, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rail, ok := r.rails[name]
	if !ok {
		return nil, fmt.Errorf("payout rail %q is not registered", name)
	}
	return rail, nil
}

// List returns information about all registered rails, sorted by name.
func (r *Registry) List() []RailInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]RailInfo, 0, len(r.rails))
	for name, rail := range r.rails {
		infos = append(infos, RailInfo{
			Name:         name,
			Capabilities: rail.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
