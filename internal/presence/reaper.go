package presence

import (
	"context"
	"log/slog"
	"time"
)

// Default reaper timings.
const (
	DefaultReaperInterval   = time.Minute
	DefaultHeartbeatTimeout = 2 * time.Minute
)

// ReaperConfig controls how often the reaper sweeps and when an agent counts
// as a ghost.
type ReaperConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// EvictCallback is called for each ghost agent with the sessions it owned.
type EvictCallback func(agent string, sessions []string)

// ReaperHooks are invoked by the reaper. Both are optional.
type ReaperHooks struct {
	OnEvict EvictCallback
	// OnSweep runs after every sweep, typically to request fresh heartbeats.
	OnSweep func()
}

// Reaper periodically evicts agents that stopped sending heartbeats.
type Reaper struct {
	registry *Registry
	cfg      ReaperConfig
	hooks    ReaperHooks
	logger   *slog.Logger
	done     chan struct{}
}

// NewReaper creates a reaper over registry. Zero config values take defaults.
func NewReaper(registry *Registry, cfg ReaperConfig, hooks ReaperHooks, logger *slog.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReaperInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHeartbeatTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		registry: registry,
		cfg:      cfg,
		hooks:    hooks,
		logger:   logger.With("component", "reaper"),
		done:     make(chan struct{}),
	}
}

// StartReaper runs a reaper in a background goroutine until ctx is cancelled.
func StartReaper(ctx context.Context, registry *Registry, cfg ReaperConfig, hooks ReaperHooks, logger *slog.Logger) *Reaper {
	r := NewReaper(registry, cfg, hooks, logger)
	go r.Run(ctx)
	return r
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	r.logger.Info("reaper started", "interval", r.cfg.Interval, "timeout", r.cfg.Timeout)

	for {
		select {
		case <-ticker.C:
			r.Sweep(r.registry.Now())
		case <-ctx.Done():
			r.logger.Info("reaper shutting down", "reason", ctx.Err())
			return
		}
	}
}

// Done is closed once Run returns.
func (r *Reaper) Done() <-chan struct{} {
	return r.done
}

// Sweep evicts every agent that is stale at now and returns their names.
func (r *Reaper) Sweep(now time.Time) []string {
	var evicted []string
	for _, agent := range r.registry.Stale(now, r.cfg.Timeout) {
		// A heartbeat may have landed since Stale was computed.
		sessions, ok := r.registry.EvictIfStale(agent, now, r.cfg.Timeout)
		if !ok {
			continue
		}
		evicted = append(evicted, agent)
		r.logger.Info("evicted ghost agent", "agent", agent, "sessions", len(sessions))

		if r.hooks.OnEvict != nil {
			r.hooks.OnEvict(agent, sessions)
		}
	}

	// Tombstones outlive one more timeout window, then the name is free again.
	if n := r.registry.PruneEvicted(now.Add(-r.cfg.Timeout)); n > 0 {
		r.logger.Debug("pruned eviction records", "count", n)
	}

	if r.hooks.OnSweep != nil {
		r.hooks.OnSweep()
	}
	return evicted
}
