package adaptation

import (
	"fmt"
	"sort"
	"sync"
)

// Registered strategy names.
const (
	NameAlwaysLowest          = "always-lowest"
	NameManual                = "manual"
	NameRate                  = "rate"
	NameRateBuffer            = "rate-buffer"
	NameBuffer                = "buffer"
	NameDashJS                = "dashjs"
	NameSVCBufferAggressive   = "svc-buffer-aggressive"
	NameSVCBufferNormal       = "svc-buffer-normal"
	NameSVCBufferConservative = "svc-buffer-conservative"
	NameSVCRate               = "svc-rate"
	NameSVCNone               = "svc-none"
)

// Constructor builds a strategy for one stream.
type Constructor func(Params) (Strategy, error)

// Registry maps strategy names to constructors. Build one at startup and
// hand it to every player that needs it.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// DefaultRegistry returns a registry holding every built-in strategy.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NameAlwaysLowest, NewAlwaysLowest)
	r.Register(NameManual, NewManual)
	r.Register(NameRate, NewRateBased)
	r.Register(NameRateBuffer, NewRateAndBufferBased)
	r.Register(NameBuffer, NewBufferBased)
	r.Register(NameDashJS, NewDashJS)
	r.Register(NameSVCBufferAggressive, newSVCBufferBased(NameSVCBufferAggressive, SVCAggressive))
	r.Register(NameSVCBufferNormal, newSVCBufferBased(NameSVCBufferNormal, SVCNormal))
	r.Register(NameSVCBufferConservative, newSVCBufferBased(NameSVCBufferConservative, SVCConservative))
	r.Register(NameSVCRate, NewSVCRateBased)
	r.Register(NameSVCNone, NewSVCNone)
	return r
}

// Register adds or replaces a constructor.
func (r *Registry) Register(name string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[name] = c
}

// New builds the named strategy.
func (r *Registry) New(name string, p Params) (Strategy, error) {
	r.mu.RLock()
	c, ok := r.ctors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return c(p)
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[name]
	return ok
}

// Names lists the registered strategies in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ctors))
	for n := range r.ctors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
