package modality

import (
	"sync"
	"time"

	"github.com/verisimdb/verisimdb/pkg/breaker"
	"github.com/verisimdb/verisimdb/pkg/types"
	"github.com/verisimdb/verisimdb/pkg/verr"
)

// Stores tracks the registered modality stores and their circuit breakers.
type Stores struct {
	mu       sync.RWMutex
	stores   map[string]Store
	breakers map[string]*breaker.Breaker

	threshold int
	coolDown  time.Duration
}

// NewStores creates an empty store set. threshold and coolDown configure
// each store's circuit breaker.
func NewStores(threshold int, coolDown time.Duration) *Stores {
	return &Stores{
		stores:    make(map[string]Store),
		breakers:  make(map[string]*breaker.Breaker),
		threshold: threshold,
		coolDown:  coolDown,
	}
}

// Register adds a store. Re-registering an id replaces the store but keeps
// its breaker history.
func (s *Stores) Register(store Store) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := store.ID()
	s.stores[id] = store
	if _, ok := s.breakers[id]; !ok {
		s.breakers[id] = breaker.New("store:"+id, s.threshold, s.coolDown)
	}
}

// Get returns the store with the given id.
func (s *Stores) Get(id string) (Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	store, ok := s.stores[id]
	if !ok {
		return nil, verr.Runtime(verr.CodeStoreUnavailable, "unknown store %s", id).WithID(id)
	}
	return store, nil
}

// Breaker returns the circuit breaker for a store id, creating it if the
// store was never registered (so callers can still fail fast).
func (s *Stores) Breaker(id string) *breaker.Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[id]
	if !ok {
		b = breaker.New("store:"+id, s.threshold, s.coolDown)
		s.breakers[id] = b
	}
	return b
}

// ForModality returns every registered store advertising m.
func (s *Stores) ForModality(m types.Modality) []Store {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Store
	for _, store := range s.stores {
		for _, adv := range store.Advertise() {
			if adv == m {
				out = append(out, store)
				break
			}
		}
	}
	return out
}

// List returns all registered stores.
func (s *Stores) List() []Store {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Store, 0, len(s.stores))
	for _, store := range s.stores {
		out = append(out, store)
	}
	return out
}

// Stats returns the breaker statistics for every store.
func (s *Stores) Stats() []breaker.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]breaker.Stats, 0, len(s.breakers))
	for _, b := range s.breakers {
		out = append(out, b.Stats())
	}
	return out
}
