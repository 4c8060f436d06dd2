package effect

import (
	"context"

	"go.uber.org/zap"

	"github.com/Theauxm/workrail/logger"
	"github.com/Theauxm/workrail/model"
)

type namedProvider struct {
	name     string
	provider Provider
}

// Runner fans workflow lifecycle notifications out to every active
// provider. Each call site is independently guarded: one provider failing
// or panicking never stops the others, and never aborts the workflow.
type Runner struct {
	providers []namedProvider
}

func NewRunner(registry *Registry) (*Runner, error) {
	r := &Runner{}
	for _, f := range registry.active() {
		p, err := f.Create()
		if err != nil {
			return nil, err
		}
		r.providers = append(r.providers, namedProvider{name: f.Name(), provider: p})
	}
	return r, nil
}

func (r *Runner) Track(ctx context.Context, m *model.Metadata) {
	for _, p := range r.providers {
		guard(p.name, "Track", func() error {
			return p.provider.Track(ctx, m)
		})
	}
}

func (r *Runner) Update(ctx context.Context, m *model.Metadata) {
	for _, p := range r.providers {
		guard(p.name, "Update", func() error {
			return p.provider.Update(ctx, m)
		})
	}
}

func (r *Runner) OnError(ctx context.Context, m *model.Metadata, cause error) {
	for _, p := range r.providers {
		guard(p.name, "OnError", func() error {
			return p.provider.OnError(ctx, m, cause)
		})
	}
}

func (r *Runner) SaveChanges(ctx context.Context) {
	for _, p := range r.providers {
		guard(p.name, "SaveChanges", func() error {
			return p.provider.SaveChanges(ctx)
		})
	}
}

func (r *Runner) Close() {
	for _, p := range r.providers {
		guard(p.name, "Close", func() error {
			return p.provider.Close()
		})
	}
}

func guard(provider string, op string, fn func() error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("effect provider panicked", zap.String("provider", provider), zap.String("op", op), zap.Any("panic", p))
		}
	}()
	if err := fn(); err != nil {
		logger.Error("effect provider failed", zap.String("provider", provider), zap.String("op", op), zap.Error(err))
	}
}
