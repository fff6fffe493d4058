package provider

import (
	"errors"
	"sort"
	"sync"
)

// Registry errors
var (
	ErrDuplicateProvider = errors.New("provider already registered")
	ErrInvalidEntry      = errors.New("provider entry requires a name and an adapter")
)

// Entry is a registered provider
type Entry struct {
	Name     string
	ID       string // email_providers.id, empty when not persisted
	Type     string
	Adapter  Adapter
	Priority int
	Active   bool

	seq int
}

// Registry holds the configured adapters. It is read-mostly after startup;
// only the default pointer changes at runtime.
//
// Entries are ordered by ascending priority, then registration order. That
// order drives List, the default fallback and failover.
type Registry struct {
	mu          sync.RWMutex
	byName      map[string]*Entry
	ordered     []*Entry
	defaultName string
	seq         int
}

// NewRegistry creates an empty registry with the configured default name
func NewRegistry(defaultName string) *Registry {
	return &Registry{
		byName:      make(map[string]*Entry),
		defaultName: defaultName,
	}
}

// Register adds an entry. The name defaults to the adapter's name.
func (r *Registry) Register(e Entry) error {
	if e.Adapter == nil {
		return ErrInvalidEntry
	}
	if e.Name == "" {
		e.Name = e.Adapter.Name()
	}
	if e.Name == "" {
		return ErrInvalidEntry
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[e.Name]; exists {
		return ErrDuplicateProvider
	}

	r.seq++
	e.seq = r.seq
	entry := &e
	r.byName[e.Name] = entry
	r.ordered = append(r.ordered, entry)
	sort.SliceStable(r.ordered, func(i, j int) bool {
		if r.ordered[i].Priority != r.ordered[j].Priority {
			return r.ordered[i].Priority < r.ordered[j].Priority
		}
		return r.ordered[i].seq < r.ordered[j].seq
	})
	return nil
}

// Get returns the active adapter registered under name
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byName[name]
	if !ok || !e.Active {
		return nil, false
	}
	return e.Adapter, true
}

// GetDefault returns the configured default if it is registered and active,
// otherwise the first active entry in registry order.
func (r *Registry) GetDefault() (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e := r.defaultLocked(); e != nil {
		return e.Adapter, true
	}
	return nil, false
}

// DefaultName returns the name of the provider GetDefault would return
func (r *Registry) DefaultName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e := r.defaultLocked(); e != nil {
		return e.Name
	}
	return ""
}

func (r *Registry) defaultLocked() *Entry {
	if e, ok := r.byName[r.defaultName]; ok && e.Active {
		return e
	}
	for _, e := range r.ordered {
		if e.Active {
			return e
		}
	}
	return nil
}

// SetDefault changes the default provider. Unknown and inactive names are
// rejected and leave the current default unchanged.
func (r *Registry) SetDefault(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.byName[name]; !ok || !e.Active {
		return false
	}
	r.defaultName = name
	return true
}

// List returns every registered name in registry order
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.ordered))
	for _, e := range r.ordered {
		names = append(names, e.Name)
	}
	return names
}

// Active returns the names of active entries in registry order
func (r *Registry) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.ordered))
	for _, e := range r.ordered {
		if e.Active {
			names = append(names, e.Name)
		}
	}
	return names
}

// Entry returns a copy of the named entry
func (r *Registry) Entry(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byName[name]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of registered providers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ordered)
}
