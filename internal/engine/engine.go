// Package engine wires the Store Adapter, Circuit Breaker factory,
// Prober, Scheduler, Live Event Bus, and Retention Job behind one
// entry point, and exposes the inbound control operations spec.md §6
// names. Grounded on MrYazdan-dideban/internal/core/engine.go's
// construct-then-Start(ctx) shape (config+storage in, subsystems
// wired, an idempotent Start/Stop pair with a running flag), extended
// with the CRUD operations that must also notify the Scheduler.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"watchtower/internal/breaker"
	"watchtower/internal/bus"
	"watchtower/internal/config"
	"watchtower/internal/metrics"
	"watchtower/internal/model"
	"watchtower/internal/prober"
	"watchtower/internal/retention"
	"watchtower/internal/scheduler"
	"watchtower/internal/stats"
	"watchtower/internal/store"
)

// Engine owns every subsystem's lifecycle. Constructing one has no
// side effects; call Run to start probing and retention.
type Engine struct {
	store     *store.Store
	breakers  *breaker.Factory
	prober    *prober.Prober
	bus       *bus.Bus
	scheduler *scheduler.Scheduler
	retention *retention.Job

	mu      sync.Mutex
	running bool
}

// New wires every subsystem from cfg and an already-open store. It
// does not start anything.
func New(cfg *config.Config, st *store.Store) (*Engine, error) {
	breakers := breaker.NewFactory(breakerConfig(cfg), metrics.BreakerObserver)
	pr := prober.New(breakers, cfg.Breaker)
	b := bus.New(cfg.Bus)

	sch, err := scheduler.New(st, pr, b, breakers)
	if err != nil {
		return nil, fmt.Errorf("engine: construct scheduler: %w", err)
	}

	ret, err := retention.New(st, cfg.Retention)
	if err != nil {
		return nil, fmt.Errorf("engine: construct retention job: %w", err)
	}

	return &Engine{
		store:     st,
		breakers:  breakers,
		prober:    pr,
		bus:       b,
		scheduler: sch,
		retention: ret,
	}, nil
}

func breakerConfig(cfg *config.Config) breaker.Config {
	c := cfg.Breaker
	if c.MinimumRequests == 0 {
		c = prober.DefaultBreakerConfig()
	}
	return c
}

// Run starts the scheduler and the retention job. It is the only
// place either is started; internal/engine has no init()-time side
// effects.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine: already running")
	}
	e.running = true
	e.mu.Unlock()

	if err := e.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("engine: start scheduler: %w", err)
	}
	if err := e.retention.Start(ctx); err != nil {
		return fmt.Errorf("engine: start retention job: %w", err)
	}
	log.Info().Msg("[Engine] running")
	return nil
}

// Shutdown stops every subsystem in reverse dependency order.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.scheduler.Stop()
	if err := e.scheduler.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("[Engine] error shutting down scheduler")
	}
	if err := e.retention.Stop(); err != nil {
		log.Warn().Err(err).Msg("[Engine] error shutting down retention job")
	}
	e.bus.Stop()
	e.running = false
	log.Info().Msg("[Engine] shut down")
}

// Bus exposes the Live Event Bus so a transport (cmd/watchtower's
// demonstration SSE handler, in practice) can open subscriber
// sessions against it.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// AddEndpoint validates and persists a new endpoint, then starts its
// probe loop if it is enabled.
func (e *Engine) AddEndpoint(ctx context.Context, ep model.Endpoint) (model.Endpoint, error) {
	created, err := e.store.CreateEndpoint(ctx, ep)
	if err != nil {
		return model.Endpoint{}, err
	}
	if created.Enabled {
		if err := e.scheduler.RestartEndpoint(ctx, created.ID); err != nil {
			log.Error().Err(err).Str("endpoint", created.Name).Msg("[Engine] failed to start loop for new endpoint")
		}
	}
	return created, nil
}

// UpdateEndpoint persists changes and restarts the endpoint's loop so
// a changed interval, timeout, or URL takes effect immediately.
func (e *Engine) UpdateEndpoint(ctx context.Context, ep model.Endpoint) (model.Endpoint, error) {
	updated, err := e.store.UpdateEndpoint(ctx, ep)
	if err != nil {
		return model.Endpoint{}, err
	}
	if err := e.scheduler.RestartEndpoint(ctx, updated.ID); err != nil {
		log.Error().Err(err).Str("endpoint", updated.Name).Msg("[Engine] failed to restart updated endpoint")
	}
	return updated, nil
}

// ToggleEndpoint flips Enabled and restarts (enable) or removes
// (disable) its loop accordingly.
func (e *Engine) ToggleEndpoint(ctx context.Context, id uuid.UUID, enabled bool) (model.Endpoint, error) {
	updated, err := e.store.ToggleEndpoint(ctx, id, enabled)
	if err != nil {
		return model.Endpoint{}, err
	}
	if enabled {
		if err := e.scheduler.RestartEndpoint(ctx, id); err != nil {
			log.Error().Err(err).Str("endpoint", updated.Name).Msg("[Engine] failed to start loop for enabled endpoint")
		}
	} else {
		e.scheduler.RemoveEndpoint(id)
	}
	return updated, nil
}

// DeleteEndpoint removes the endpoint's loop outright — never a
// restart — and then deletes its row (spec §9: DELETE is not "restart
// with a missing endpoint").
func (e *Engine) DeleteEndpoint(ctx context.Context, id uuid.UUID) (bool, error) {
	e.scheduler.RemoveEndpoint(id)
	return e.store.DeleteEndpoint(ctx, id)
}

// GetEndpoint reads one endpoint.
func (e *Engine) GetEndpoint(ctx context.Context, id uuid.UUID) (model.Endpoint, error) {
	return e.store.GetEndpoint(ctx, id)
}

// ListEndpoints reads every endpoint, enabled or not.
func (e *Engine) ListEndpoints(ctx context.Context) ([]model.Endpoint, error) {
	return e.store.ListEndpoints(ctx)
}

// ListEnabledEndpoints reads only enabled endpoints.
func (e *Engine) ListEnabledEndpoints(ctx context.Context) ([]model.Endpoint, error) {
	return e.store.ListEnabledEndpoints(ctx)
}

// GetUptimeStatistics returns id's rolling statistics, preferring the
// Scheduler's live cache and falling back to a fresh Statistics Engine
// computation for an endpoint the scheduler hasn't probed yet.
func (e *Engine) GetUptimeStatistics(ctx context.Context, id uuid.UUID) (*model.UptimeStatistics, error) {
	if cached, ok := e.scheduler.LastStatistics(id); ok {
		return cached, nil
	}
	failures, _ := e.scheduler.ConsecutiveFailures(id)
	return stats.Compute(ctx, e.store, id, time.Now(), failures)
}

// GetAllUptimeStatuses returns statistics for every enabled endpoint,
// per spec §6's named convenience read.
func (e *Engine) GetAllUptimeStatuses(ctx context.Context) ([]model.UptimeStatistics, error) {
	endpoints, err := e.store.ListEnabledEndpoints(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.UptimeStatistics, 0, len(endpoints))
	for _, ep := range endpoints {
		s, err := e.GetUptimeStatistics(ctx, ep.ID)
		if err != nil {
			log.Error().Err(err).Str("endpoint", ep.Name).Msg("[Engine] failed to compute statistics")
			continue
		}
		if s != nil {
			out = append(out, *s)
		}
	}
	return out, nil
}

// TriggerRetention runs the retention pipeline immediately, outside
// its normal daily schedule (used by operator tooling and tests).
func (e *Engine) TriggerRetention(ctx context.Context) {
	e.retention.Run(ctx)
}
