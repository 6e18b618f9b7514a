// Package registry owns the set of configured ledger adapters, tracks their health
// with periodic probes and picks a healthy adapter when the requested one is down.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/chainsettle/internal/chain"
)

var (
	ErrChainUnavailable = errors.New("chain unavailable")
	ErrNoHealthyChain   = errors.New("no healthy chain available")
)

// Config tunes health tracking and failover.
type Config struct {
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout"`
	MaxFailures         int           `yaml:"max_failures"`
	EnableFailover      bool          `yaml:"enable_failover"`
	PrimaryChain        chain.Type    `yaml:"primary_chain"`
}

// DefaultConfig returns the documented defaults: 60s probes, 5s probe timeout, three
// failures before a chain is unhealthy, failover on.
func DefaultConfig() Config {
	return Config{
		HealthCheckInterval: 60 * time.Second,
		ProbeTimeout:        5 * time.Second,
		MaxFailures:         3,
		EnableFailover:      true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = d.MaxFailures
	}
	return c
}

// Factory builds an uninitialized adapter for a chain type.
type Factory = func(t chain.Type) (chain.Adapter, error)

// Option customizes a Registry.
type Option func(*Registry)

// WithNotifier adds a receiver for unhealthy and recovered notifications.
func WithNotifier(n Notifier) Option {
	return func(r *Registry) { r.notifiers = append(r.notifiers, n) }
}

// WithProbeRecorder adds a receiver for every probe result.
func WithProbeRecorder(p ProbeRecorder) Option {
	return func(r *Registry) { r.recorders = append(r.recorders, p) }
}

type entry struct {
	adapter chain.Adapter
	tracker *tracker
}

// Registry is safe for concurrent use.
type Registry struct {
	cfg       Config
	factory   Factory
	logger    *zap.Logger
	notifiers []Notifier
	recorders []ProbeRecorder

	mu      sync.RWMutex
	entries map[chain.Type]*entry
	order   []chain.Type

	schedMu   sync.Mutex
	scheduler gocron.Scheduler
	jobs      map[chain.Type]uuid.UUID
	runCtx    context.Context
	cancelRun context.CancelFunc
}

// New creates an empty registry.
func New(cfg Config, factory Factory, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		cfg:     cfg.withDefaults(),
		factory: factory,
		logger:  logger,
		entries: make(map[chain.Type]*entry),
		jobs:    make(map[chain.Type]uuid.UUID),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the effective configuration.
func (r *Registry) Config() Config {
	return r.cfg
}

// RegisterChain builds and initializes an adapter and records it as healthy. A type
// registered twice replaces the earlier adapter, which is closed.
func (r *Registry) RegisterChain(ctx context.Context, t chain.Type, cfg chain.Config) error {
	adapter, err := r.factory(t)
	if err != nil {
		return fmt.Errorf("failed to build %s adapter: %w", t, err)
	}
	if err := adapter.Initialize(ctx, cfg); err != nil {
		return fmt.Errorf("failed to initialize %s adapter: %w", t, err)
	}

	r.mu.Lock()
	prev, replaced := r.entries[t]
	r.entries[t] = &entry{adapter: adapter, tracker: newTracker(t, r.cfg.MaxFailures)}
	if !replaced {
		r.order = append(r.order, t)
	}
	r.mu.Unlock()

	if replaced {
		if err := prev.adapter.Close(); err != nil {
			r.logger.Warn("failed to close replaced adapter", zap.String("chain", string(t)), zap.Error(err))
		}
	}
	if err := r.schedule(t); err != nil {
		return err
	}

	r.logger.Info("chain registered", zap.String("chain", string(t)), zap.Bool("replaced", replaced))
	return nil
}

// GetAdapter returns the adapter for t while it is healthy or degraded. An unhealthy
// chain fails over to GetHealthyAdapter when failover is enabled.
func (r *Registry) GetAdapter(t chain.Type) (chain.Adapter, error) {
	r.mu.RLock()
	e, ok := r.entries[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s is not registered", ErrChainUnavailable, t)
	}

	switch e.tracker.health() {
	case Healthy, Degraded:
		return e.adapter, nil
	}
	if !r.cfg.EnableFailover {
		return nil, fmt.Errorf("%w: %s is unhealthy", ErrChainUnavailable, t)
	}
	r.logger.Warn("failing over from unhealthy chain", zap.String("chain", string(t)))
	return r.GetHealthyAdapter()
}

// GetHealthyAdapter returns the primary chain when healthy, otherwise the first
// healthy chain in registration order.
func (r *Registry) GetHealthyAdapter() (chain.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[r.cfg.PrimaryChain]; ok && e.tracker.health() == Healthy {
		return e.adapter, nil
	}
	for _, t := range r.order {
		if e := r.entries[t]; e.tracker.health() == Healthy {
			return e.adapter, nil
		}
	}
	return nil, ErrNoHealthyChain
}

// Status returns the health snapshot for t; unknown chains report Unregistered.
func (r *Registry) Status(t chain.Type) ChainStatus {
	r.mu.RLock()
	e, ok := r.entries[t]
	r.mu.RUnlock()
	if !ok {
		return ChainStatus{Chain: t, Health: Unregistered}
	}
	s := e.tracker.snapshot()
	s.Primary = t == r.cfg.PrimaryChain
	return s
}

// Statuses returns every chain's snapshot in registration order.
func (r *Registry) Statuses() []ChainStatus {
	r.mu.RLock()
	types := append([]chain.Type(nil), r.order...)
	r.mu.RUnlock()

	out := make([]ChainStatus, 0, len(types))
	for _, t := range types {
		out = append(out, r.Status(t))
	}
	return out
}

// Types returns the registered chain types in registration order.
func (r *Registry) Types() []chain.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]chain.Type(nil), r.order...)
}

// CheckHealth probes every adapter concurrently, each under its own timeout, and
// returns once all probes finished.
func (r *Registry) CheckHealth(ctx context.Context) {
	var g errgroup.Group
	for _, t := range r.Types() {
		t := t
		g.Go(func() error {
			r.probe(ctx, t)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Registry) probe(ctx context.Context, t chain.Type) {
	r.mu.RLock()
	e, ok := r.entries[t]
	r.mu.RUnlock()
	if !ok {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	start := time.Now()
	err := e.adapter.HealthCheck(probeCtx)
	latency := time.Since(start)
	cancel()

	status, note := e.tracker.record(err, time.Now())
	status.Primary = t == r.cfg.PrimaryChain

	if err != nil {
		r.logger.Warn("health probe failed",
			zap.String("chain", string(t)),
			zap.Int("failures", status.ConsecutiveFailures),
			zap.Stringer("health", status.Health),
			zap.Error(err))
	} else {
		r.logger.Debug("health probe ok", zap.String("chain", string(t)), zap.Duration("latency", latency))
	}
	for _, rec := range r.recorders {
		rec.RecordProbe(status, latency, err)
	}
	if note != nil {
		r.logger.Info("chain health notification",
			zap.String("chain", string(t)),
			zap.String("kind", string(note.Kind)))
		for _, n := range r.notifiers {
			n.Notify(*note)
		}
	}
}

// Start schedules one probe job per chain. Each job runs in singleton mode so a slow
// probe is never overlapped by the next tick.
func (r *Registry) Start(ctx context.Context) error {
	r.schedMu.Lock()
	if r.scheduler != nil {
		r.schedMu.Unlock()
		return nil
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		r.schedMu.Unlock()
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	r.scheduler = s
	r.runCtx, r.cancelRun = context.WithCancel(ctx)
	r.schedMu.Unlock()

	for _, t := range r.Types() {
		if err := r.schedule(t); err != nil {
			return err
		}
	}
	s.Start()
	r.logger.Info("health checks started", zap.Duration("interval", r.cfg.HealthCheckInterval))
	return nil
}

// schedule adds or replaces the probe job for t once the scheduler runs.
func (r *Registry) schedule(t chain.Type) error {
	r.schedMu.Lock()
	defer r.schedMu.Unlock()
	if r.scheduler == nil {
		return nil
	}
	if id, ok := r.jobs[t]; ok {
		if err := r.scheduler.RemoveJob(id); err != nil {
			r.logger.Warn("failed to remove probe job", zap.String("chain", string(t)), zap.Error(err))
		}
	}
	runCtx := r.runCtx
	job, err := r.scheduler.NewJob(
		gocron.DurationJob(r.cfg.HealthCheckInterval),
		gocron.NewTask(func() { r.probe(runCtx, t) }),
		gocron.WithName("health:"+string(t)),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule %s probe: %w", t, err)
	}
	r.jobs[t] = job.ID()
	return nil
}

// Stop shuts the scheduler down and closes every adapter.
func (r *Registry) Stop() error {
	r.schedMu.Lock()
	s := r.scheduler
	cancel := r.cancelRun
	r.scheduler = nil
	r.jobs = make(map[chain.Type]uuid.UUID)
	r.schedMu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
	}
	if s != nil {
		if err := s.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("scheduler shutdown: %w", err))
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.order {
		if err := r.entries[t].adapter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", t, err))
		}
	}
	return errors.Join(errs...)
}
