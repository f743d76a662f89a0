package analysis

import (
	"sort"
	"sync"
)

// Registry keeps the analyses known to the service.
type Registry struct {
	mu       sync.RWMutex
	analyses map[string]*Analysis
}

func NewRegistry() *Registry {
	return &Registry{analyses: make(map[string]*Analysis)}
}

func (r *Registry) Add(a *Analysis) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.analyses[a.ID] = a
}

func (r *Registry) Get(id string) (*Analysis, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, exists := r.analyses[id]
	return a, exists
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.analyses, id)
}

// List returns the analyses, oldest first.
func (r *Registry) List() []*Analysis {
	r.mu.RLock()
	list := make([]*Analysis, 0, len(r.analyses))
	for _, a := range r.analyses {
		list = append(list, a)
	}
	r.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list
}
