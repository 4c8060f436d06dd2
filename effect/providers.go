package effect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Theauxm/workrail/model"
	"github.com/Theauxm/workrail/persistence"
	"github.com/Theauxm/workrail/workflow"
)

// metadataProvider persists the Metadata row: created on Track, written
// through on SaveChanges.
type metadataProvider struct {
	data    persistence.DataContext
	mu      sync.Mutex
	tracked []*model.Metadata
}

type MetadataFactory struct {
	Data persistence.DataContext
}

func (f *MetadataFactory) Name() string {
	return "metadata"
}

func (f *MetadataFactory) Create() (Provider, error) {
	return &metadataProvider{data: f.Data}, nil
}

func (p *metadataProvider) Track(ctx context.Context, m *model.Metadata) error {
	p.mu.Lock()
	p.tracked = append(p.tracked, m)
	p.mu.Unlock()
	if m.Id != 0 {
		// Row created by the dispatcher before execution; adopt it.
		return p.data.Metadata().Update(ctx, m)
	}
	return p.data.Metadata().Create(ctx, m)
}

func (p *metadataProvider) Update(ctx context.Context, m *model.Metadata) error {
	// Mutations accumulate on the model; the flush happens in SaveChanges.
	return nil
}

func (p *metadataProvider) OnError(ctx context.Context, m *model.Metadata, cause error) error {
	return nil
}

func (p *metadataProvider) SaveChanges(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for _, m := range p.tracked {
		if err := p.data.Metadata().Update(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *metadataProvider) Close() error {
	return nil
}

// paramsProvider serializes the live input/output values onto the row.
type paramsProvider struct{}

type ParamsFactory struct{}

func (f *ParamsFactory) Name() string {
	return "params"
}

func (f *ParamsFactory) Create() (Provider, error) {
	return &paramsProvider{}, nil
}

func (p *paramsProvider) Track(ctx context.Context, m *model.Metadata) error {
	return p.Update(ctx, m)
}

func (p *paramsProvider) Update(ctx context.Context, m *model.Metadata) error {
	if m.InputValue != nil && m.Input == nil {
		data, err := json.Marshal(m.InputValue)
		if err != nil {
			return fmt.Errorf("serializing workflow input: %w", err)
		}
		m.Input = data
	}
	if m.OutputValue != nil {
		data, err := json.Marshal(m.OutputValue)
		if err != nil {
			return fmt.Errorf("serializing workflow output: %w", err)
		}
		m.Output = data
	}
	return nil
}

func (p *paramsProvider) OnError(ctx context.Context, m *model.Metadata, cause error) error {
	return nil
}

func (p *paramsProvider) SaveChanges(ctx context.Context) error {
	return nil
}

func (p *paramsProvider) Close() error {
	return nil
}

// progressProvider writes step progress through immediately so a live
// dashboard sees CurrentlyRunningStep without waiting for the final flush.
type progressProvider struct {
	data persistence.DataContext
}

type ProgressFactory struct {
	Data persistence.DataContext
}

func (f *ProgressFactory) Name() string {
	return "progress"
}

func (f *ProgressFactory) Create() (Provider, error) {
	return &progressProvider{data: f.Data}, nil
}

func (p *progressProvider) Track(ctx context.Context, m *model.Metadata) error {
	return nil
}

func (p *progressProvider) Update(ctx context.Context, m *model.Metadata) error {
	if m.Id == 0 {
		return nil
	}
	return p.data.Metadata().Update(ctx, m)
}

func (p *progressProvider) OnError(ctx context.Context, m *model.Metadata, cause error) error {
	return nil
}

func (p *progressProvider) SaveChanges(ctx context.Context) error {
	return nil
}

func (p *progressProvider) Close() error {
	return nil
}

// logProvider records the failure as a durable log row, the alerting seam
// for operators.
type logProvider struct {
	data persistence.DataContext
}

type LogFactory struct {
	Data persistence.DataContext
}

func (f *LogFactory) Name() string {
	return "log"
}

func (f *LogFactory) Create() (Provider, error) {
	return &logProvider{data: f.Data}, nil
}

func (p *logProvider) Track(ctx context.Context, m *model.Metadata) error {
	return nil
}

func (p *logProvider) Update(ctx context.Context, m *model.Metadata) error {
	return nil
}

func (p *logProvider) OnError(ctx context.Context, m *model.Metadata, cause error) error {
	entry := &model.Log{
		MetadataId: m.Id,
		Level:      "error",
		Message:    cause.Error(),
		Category:   m.Name,
		Exception:  fmt.Sprintf("%T", cause),
	}
	var pe *workflow.PanicError
	if errors.As(cause, &pe) {
		entry.StackTrace = pe.Stack
	}
	return p.data.Logs().Append(ctx, entry)
}

func (p *logProvider) SaveChanges(ctx context.Context) error {
	return nil
}

func (p *logProvider) Close() error {
	return nil
}

// DefaultRegistry wires the built-in providers around a data context.
func DefaultRegistry(data persistence.DataContext) *Registry {
	r := NewRegistry()
	r.Register(&MetadataFactory{Data: data})
	r.Register(&ParamsFactory{})
	r.Register(&ProgressFactory{Data: data})
	r.Register(&LogFactory{Data: data})
	return r
}
