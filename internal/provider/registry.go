package provider

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrProviderNotFound = errors.New("provider not found")

// NotFoundError is returned by Registry.Get for an id that was never registered.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("provider %q not registered", e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrProviderNotFound
}

// Registry maps provider ids to implementations. Register may be called at
// any time, including while payments are in flight; the last write wins.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register installs or replaces the implementation for id.
func (r *Registry) Register(id string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[id] = p
}

func (r *Registry) Get(id string) (Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[id]
	r.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return p, nil
}

// IDs returns the registered provider ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
