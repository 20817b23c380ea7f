package lab

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tinytelemetry/labwatch/internal/agent"
	"github.com/tinytelemetry/labwatch/internal/config"
	"github.com/tinytelemetry/labwatch/internal/model"
	"github.com/tinytelemetry/labwatch/internal/notify"
	"github.com/tinytelemetry/labwatch/internal/patterns"
)

// AgentFactory builds the agent for one lab from its tool set. It may
// return nil to run the lab without a language model.
type AgentFactory func(labID string, tools []agent.Tool) model.Agent

// NotifierFactory builds the notifier for one lab.
type NotifierFactory func(s config.LabSettings, logger zerolog.Logger) model.Notifier

// Options configures every lab the registry creates.
type Options struct {
	Config      config.Config
	Patterns    patterns.Config
	Notify      notify.Config
	NewAgent    AgentFactory
	NewNotifier NotifierFactory
	Events      EventStore
	Logger      zerolog.Logger
}

func (o Options) notifier(s config.LabSettings, logger zerolog.Logger) model.Notifier {
	if o.NewNotifier != nil {
		return o.NewNotifier(s, logger)
	}
	return notify.New(o.Notify, s.Channels, logger.With().Str("component", "notify").Logger())
}

// Registry creates labs on first use and owns them until Reset or Close.
type Registry struct {
	mu   sync.Mutex
	ctx  context.Context
	opts Options
	labs map[string]*Lab
}

// NewRegistry returns an empty registry. ctx bounds the lifetime of every
// lab's background loops.
func NewRegistry(ctx context.Context, opts Options) *Registry {
	return &Registry{ctx: ctx, opts: opts, labs: make(map[string]*Lab)}
}

// Allowed reports whether id may be created.
func (r *Registry) Allowed(id string) bool {
	return r.opts.Config.IsAllowed(id)
}

// AllowedLabs returns the configured allow-list.
func (r *Registry) AllowedLabs() []string {
	return append([]string(nil), r.opts.Config.AllowedLabs...)
}

// GetOrCreate returns the running lab, starting it if needed.
func (r *Registry) GetOrCreate(id string) (*Lab, error) {
	if !r.Allowed(id) {
		return nil, fmt.Errorf("%w: %q", ErrLabNotAllowed, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.labs[id]; ok {
		return l, nil
	}
	l, err := newLab(r.ctx, id, r.opts)
	if err != nil {
		return nil, err
	}
	r.labs[id] = l
	return l, nil
}

// Get returns a running lab without creating it.
func (r *Registry) Get(id string) (*Lab, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.labs[id]
	return l, ok
}

// Reset stops a running lab and forgets it. The next GetOrCreate starts it
// fresh from its durable state.
func (r *Registry) Reset(id string) error {
	r.mu.Lock()
	l, ok := r.labs[id]
	delete(r.labs, id)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return l.Close()
}

// ListActive returns the ids of running labs in sorted order.
func (r *Registry) ListActive() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.labs))
	for id := range r.labs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close stops every lab.
func (r *Registry) Close() error {
	r.mu.Lock()
	labs := r.labs
	r.labs = make(map[string]*Lab)
	r.mu.Unlock()

	var firstErr error
	for id, l := range labs {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("lab %s: %w", id, err)
		}
	}
	return firstErr
}
