package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/frahmantamala/payment-engine/internal/payment"
)

// Registry maps plugin names to implementations.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]payment.ControlPlugin
}

func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]payment.ControlPlugin)}
}

func (r *Registry) Register(plugin payment.ControlPlugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[plugin.Name()]; exists {
		return fmt.Errorf("control plugin %s already registered", plugin.Name())
	}
	r.plugins[plugin.Name()] = plugin
	return nil
}

func (r *Registry) Get(name string) (payment.ControlPlugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	plugin, ok := r.plugins[name]
	return plugin, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Pipeline resolves the named plugins once, in order.
func (r *Registry) Pipeline(names []string, logger *slog.Logger) (*Pipeline, error) {
	plugins := make([]payment.ControlPlugin, 0, len(names))
	for _, name := range names {
		plugin, ok := r.Get(name)
		if !ok {
			return nil, fmt.Errorf("unknown control plugin %q", name)
		}
		plugins = append(plugins, plugin)
	}
	return NewPipeline(logger, plugins...), nil
}

// Pipeline runs several control plugins as one. Each PriorCall sees the amount adjusted
// by the plugins before it, the first abort wins, and the earliest retry date is kept.
type Pipeline struct {
	plugins []payment.ControlPlugin
	logger  *slog.Logger
}

func NewPipeline(logger *slog.Logger, plugins ...payment.ControlPlugin) *Pipeline {
	return &Pipeline{plugins: plugins, logger: logger}
}

func (p *Pipeline) Name() string {
	names := make([]string, 0, len(p.plugins))
	for _, plugin := range p.plugins {
		names = append(names, plugin.Name())
	}
	return strings.Join(names, ",")
}

func (p *Pipeline) PriorCall(ctx context.Context, cc *payment.ControlContext) (*payment.PriorResult, error) {
	current := *cc
	result := &payment.PriorResult{}

	for _, plugin := range p.plugins {
		r, err := plugin.PriorCall(ctx, &current)
		if err != nil {
			return nil, err
		}
		if r == nil {
			continue
		}
		if r.Aborted {
			p.logger.Debug("control plugin aborted the call", "plugin", plugin.Name(), "reason", r.Reason)
			aborted := *r
			if aborted.AdjustedAmount == nil {
				aborted.AdjustedAmount = result.AdjustedAmount
			}
			return &aborted, nil
		}
		if r.AdjustedAmount != nil {
			amount := *r.AdjustedAmount
			current.Amount = &amount
			result.AdjustedAmount = &amount
		}
	}
	return result, nil
}

func (p *Pipeline) OnSuccessCall(ctx context.Context, cc *payment.ControlContext) error {
	var errs []error
	for _, plugin := range p.plugins {
		if err := plugin.OnSuccessCall(ctx, cc); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", plugin.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) OnFailureCall(ctx context.Context, cc *payment.ControlContext) (*time.Time, error) {
	var (
		earliest *time.Time
		errs     []error
	)
	for _, plugin := range p.plugins {
		at, err := plugin.OnFailureCall(ctx, cc)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", plugin.Name(), err))
			continue
		}
		if at != nil && (earliest == nil || at.Before(*earliest)) {
			earliest = at
		}
	}
	return earliest, errors.Join(errs...)
}
