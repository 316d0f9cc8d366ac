package provider

import (
	"fmt"
	"net/url"
	"strings"
)

// Registry resolves provider names to adapters.
type Registry struct {
	adapters map[Name]Adapter
	order    []Name
}

// NewRegistry creates a registry. Later adapters replace earlier ones with the same name.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Name]Adapter)}
	for _, a := range adapters {
		if _, exists := r.adapters[a.Provider()]; !exists {
			r.order = append(r.order, a.Provider())
		}
		r.adapters[a.Provider()] = a
	}
	return r
}

// Default registers every built-in provider around one fetcher.
func Default(f Fetcher) *Registry {
	return NewRegistry(NewICS(f), NewCozi(f))
}

// Get returns the adapter for name.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[Name(strings.ToLower(strings.TrimSpace(name)))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return a, nil
}

// List returns adapters in registration order.
func (r *Registry) List() []Adapter {
	out := make([]Adapter, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.adapters[n])
	}
	return out
}

func hostOf(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}
