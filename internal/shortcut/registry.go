// Package shortcut holds the named page operations that agent scripts may call.
package shortcut

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xkilldash9x/page-agent/internal/browser"
)

// Host is the context a shortcut runs against.
type Host interface {
	Page() browser.Driver
}

// Func is the executable part of a shortcut. args are the values the script
// passed, already converted to Go.
type Func func(ctx context.Context, h Host, args ...any) (any, error)

// Descriptor names and documents one shortcut.
type Descriptor struct {
	Name        string
	Description string
	Execute     Func
}

// Capability is a shortcut bound to its host.
type Capability func(ctx context.Context, args ...any) (any, error)

var ErrInvalidDescriptor = errors.New("invalid shortcut descriptor")

// Registry maps shortcut names to descriptors and remembers registration order.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]Descriptor
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Descriptor)}
}

// Register adds descriptors. A name that is already present is replaced in
// place, keeping its original position. Nothing is registered if any
// descriptor is invalid.
func (r *Registry) Register(ds ...Descriptor) error {
	for _, d := range ds {
		if strings.TrimSpace(d.Name) == "" {
			return fmt.Errorf("%w: empty name", ErrInvalidDescriptor)
		}
		if d.Execute == nil {
			return fmt.Errorf("%w: %q has no executable", ErrInvalidDescriptor, d.Name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range ds {
		if _, exists := r.byName[d.Name]; !exists {
			r.order = append(r.order, d.Name)
		}
		r.byName[d.Name] = d
	}
	return nil
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// Names lists registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Describe renders the usage document included in the agent instructions.
func (r *Registry) Describe() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]string, 0, len(r.order))
	for _, name := range r.order {
		d := r.byName[name]
		entries = append(entries, fmt.Sprintf("<shortcut name=%q>\n<description>\n%s\n</description>\n</shortcut>", d.Name, d.Description))
	}
	return "<shortcuts>\n" + strings.Join(entries, "\n") + "\n</shortcuts>"
}

// Bind returns every shortcut bound to h. Callers of a capability need no
// reference to the registry or the host.
func (r *Registry) Bind(h Host) map[string]Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps := make(map[string]Capability, len(r.byName))
	for name, d := range r.byName {
		exec := d.Execute
		caps[name] = func(ctx context.Context, args ...any) (any, error) {
			return exec(ctx, h, args...)
		}
	}
	return caps
}
