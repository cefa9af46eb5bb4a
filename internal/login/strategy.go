package login

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Match is a strategy's pick of login form and credential fields.
// Either field name may be empty when the form has no such input.
type Match struct {
	Form        *Form
	UserField   string
	SecretField string
	// Extra values the vendor expects regardless of form defaults.
	Extra map[string]string
}

// FormStrategy locates the login form on a portal page. Find returns
// false when the page does not look like the vendor's portal.
type FormStrategy interface {
	Name() string
	Find(page *Page) (*Match, bool)
}

// Registry holds the available strategies by name.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]FormStrategy
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]FormStrategy)}
}

// DefaultRegistry returns a registry holding the built-in strategies.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Add(PFSense{})
	r.Add(FortiGate{})
	r.Add(Generic{})
	return r
}

// DefaultOrder is the trial order used when none is configured.
var DefaultOrder = []string{"pfsense", "fortigate", "generic"}

// Add registers s under its name, replacing any previous entry.
func (r *Registry) Add(s FormStrategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[strings.ToLower(s.Name())] = s
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.strategies[strings.ToLower(name)]
	return ok
}

// Names returns every registered strategy name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.strategies))
	for k := range r.strategies {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the strategies for names in order. An empty list
// resolves DefaultOrder.
func (r *Registry) Resolve(names []string) ([]FormStrategy, error) {
	if len(names) == 0 {
		names = DefaultOrder
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]FormStrategy, 0, len(names))
	for _, n := range names {
		s, ok := r.strategies[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return nil, fmt.Errorf("unknown login strategy: %s", n)
		}
		out = append(out, s)
	}
	return out, nil
}
