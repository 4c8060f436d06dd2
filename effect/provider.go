package effect

import (
	"context"
	"sync"

	"github.com/Theauxm/workrail/model"
)

// Provider receives lifecycle notifications for one workflow execution.
// Implementations must tolerate being called with the same model multiple
// times; Update may arrive many times between Track and SaveChanges.
type Provider interface {
	Track(ctx context.Context, m *model.Metadata) error
	Update(ctx context.Context, m *model.Metadata) error
	SaveChanges(ctx context.Context) error
	OnError(ctx context.Context, m *model.Metadata, cause error) error
	Close() error
}

// Factory creates one provider per runner. Disabled factories are never
// asked to Create.
type Factory interface {
	Name() string
	Create() (Provider, error)
}

// Registry controls which factories are active. Everything registered is
// enabled until disabled.
type Registry struct {
	mu        sync.Mutex
	factories []Factory
	disabled  map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{
		disabled: make(map[string]bool),
	}
}

func (r *Registry) Register(f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = append(r.factories, f)
}

func (r *Registry) Enable(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.disabled, name)
}

func (r *Registry) Disable(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled[name] = true
}

func (r *Registry) active() []Factory {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Factory
	for _, f := range r.factories {
		if !r.disabled[f.Name()] {
			out = append(out, f)
		}
	}
	return out
}
