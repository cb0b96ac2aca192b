// Package scheduler runs one probe loop per enabled endpoint (spec.md
// §4.5), single-flight per endpoint, firing immediately on start and
// then every checkInterval seconds. Grounded on
// gregyjames-NanoStatus/checker.go's startChecker loop shape (check
// immediately, then a recurring sweep), rebuilt atop
// github.com/go-co-op/gocron/v2 for the per-endpoint timers instead of
// the teacher's single 10-second polling sweep, since the spec needs a
// genuinely independent, non-overlapping timer per endpoint.
//
// Single instance only: there is no leader election or distributed
// lease here, by design — running more than one Scheduler against the
// same database will double-probe every endpoint.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"watchtower/internal/bus"
	"watchtower/internal/model"
	"watchtower/internal/prober"
	"watchtower/internal/stats"
)

// Store is the subset of *store.Store the scheduler and its stats
// reads need.
type Store interface {
	stats.Reader
	ListEnabledEndpoints(ctx context.Context) ([]model.Endpoint, error)
	InsertCheck(ctx context.Context, c model.UptimeCheck) error
}

// Breakers is the subset of *breaker.Factory the scheduler needs to
// drop a breaker when its endpoint disappears.
type Breakers interface {
	Drop(key string)
}

// agent is the consolidated per-endpoint state: the gocron job backing
// its loop, its live consecutive-failure counter, and its cached
// statistics, all guarded by one mutex. Replaces what would otherwise
// be three parallel maps keyed by endpoint id.
type agent struct {
	mu                  sync.Mutex
	endpoint            model.Endpoint
	job                 gocron.Job
	consecutiveFailures int
	lastStatistics      *model.UptimeStatistics
}

// Scheduler owns one agent per monitored endpoint.
type Scheduler struct {
	store    Store
	prober   *prober.Prober
	bus      *bus.Bus
	breakers Breakers
	cron     gocron.Scheduler

	mu     sync.RWMutex
	agents map[uuid.UUID]*agent
}

// New constructs a Scheduler. Call Start to begin probing; construction
// has no side effects, per the module's explicit-entry-point design.
func New(st Store, pr *prober.Prober, b *bus.Bus, breakers Breakers) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create gocron scheduler: %w", err)
	}
	return &Scheduler{
		store:    st,
		prober:   pr,
		bus:      b,
		breakers: breakers,
		cron:     cron,
		agents:   make(map[uuid.UUID]*agent),
	}, nil
}

// Start is idempotent: it tears down any existing loops, loads every
// enabled endpoint, and starts a fresh loop for each.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.teardownLocked()
	s.mu.Unlock()

	s.cron.Start()

	endpoints, err := s.store.ListEnabledEndpoints(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list enabled endpoints: %w", err)
	}

	if len(endpoints) == 0 {
		s.bus.PublishSystemStatus("No enabled endpoints to monitor", "warning")
		log.Warn().Msg("[Scheduler] no enabled endpoints, nothing to start")
		return nil
	}

	for _, ep := range endpoints {
		if err := s.startLoop(ep); err != nil {
			log.Error().Err(err).Str("endpoint", ep.Name).Msg("[Scheduler] failed to start loop")
		}
	}

	msg := fmt.Sprintf("Monitoring started for %d endpoints", len(endpoints))
	s.bus.PublishSystemStatus(msg, "info")
	log.Info().Int("count", len(endpoints)).Msg("[Scheduler] " + msg)
	return nil
}

// Stop cancels every loop and clears all per-endpoint state.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.teardownLocked()
	s.mu.Unlock()

	if err := s.cron.StopJobs(); err != nil {
		log.Warn().Err(err).Msg("[Scheduler] error stopping jobs")
	}

	s.bus.PublishSystemStatus("Monitoring engine stopped", "info")
	log.Info().Msg("[Scheduler] stopped")
}

// Shutdown releases the underlying gocron scheduler entirely. Call
// once, during process shutdown, after Stop.
func (s *Scheduler) Shutdown() error {
	return s.cron.Shutdown()
}

// teardownLocked removes every registered job and clears the agent
// map. Caller must hold s.mu.
func (s *Scheduler) teardownLocked() {
	for id, a := range s.agents {
		if a.job != nil {
			_ = s.cron.RemoveJob(a.job.ID())
		}
		s.breakers.Drop(id.String())
	}
	s.agents = make(map[uuid.UUID]*agent)
}

// startLoop registers a new agent and gocron job for ep. Caller must
// not already hold an agent for ep.ID.
func (s *Scheduler) startLoop(ep model.Endpoint) error {
	a := &agent{endpoint: ep}

	job, err := s.cron.NewJob(
		gocron.DurationJob(time.Duration(ep.CheckInterval)*time.Second),
		gocron.NewTask(s.tick, ep.ID),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("register job for %s: %w", ep.Name, err)
	}
	a.job = job

	s.mu.Lock()
	s.agents[ep.ID] = a
	s.mu.Unlock()
	return nil
}

// tick is the task gocron invokes on every interval (and immediately on
// registration) for one endpoint. Singleton mode guarantees it is
// never invoked concurrently with itself.
func (s *Scheduler) tick(endpointID uuid.UUID) {
	s.mu.RLock()
	a, ok := s.agents[endpointID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	a.mu.Lock()
	ep := a.endpoint
	before := a.consecutiveFailures
	a.mu.Unlock()

	ctx := context.Background()
	res := s.prober.Probe(ctx, ep, before, &agentSink{s: s, agent: a})

	a.mu.Lock()
	a.consecutiveFailures = res.ConsecutiveFailures
	a.mu.Unlock()
}

// agentSink adapts one agent's bookkeeping to prober.Sink.
type agentSink struct {
	s     *Scheduler
	agent *agent
}

// CheckCompleted persists the check, recomputes statistics with the
// now-resolved consecutive-failure count, caches them on the agent, and
// publishes newCheck then uptimeUpdate in that order (spec §4.5/§5).
func (a *agentSink) CheckCompleted(ctx context.Context, check model.UptimeCheck, consecutiveFailures int) {
	if err := a.s.store.InsertCheck(ctx, check); err != nil {
		log.Error().Err(err).Str("endpoint", check.EndpointName).Msg("[Scheduler] failed to store check result")
		a.s.bus.PublishSystemStatus("Failed to store check result", "error")
		return
	}

	a.s.bus.PublishCheck(check)

	statistics, err := stats.Compute(ctx, a.s.store, check.EndpointID, time.Now(), consecutiveFailures)
	if err != nil {
		log.Error().Err(err).Str("endpoint", check.EndpointName).Msg("[Scheduler] failed to compute statistics")
		return
	}
	if statistics == nil {
		return
	}

	a.agent.mu.Lock()
	a.agent.lastStatistics = statistics
	a.agent.mu.Unlock()

	a.s.bus.PublishStatistics(*statistics)
	a.s.bus.ScheduleBulkBroadcast(a.s.snapshotStatistics)
}

// Notify forwards a prober-originated notice to the bus.
func (a *agentSink) Notify(ctx context.Context, n prober.Notice) {
	a.s.bus.PublishSystemStatus(n.Message, n.Type)
}

// RestartEndpoint cancels id's loop if one exists, reloads the
// endpoint, and starts a fresh loop if it still exists and is enabled.
// It never synthesizes a loop for an endpoint the store no longer has
// — that is RemoveEndpoint's job, invoked explicitly by the caller on
// delete.
func (s *Scheduler) RestartEndpoint(ctx context.Context, id uuid.UUID) error {
	s.removeAgent(id)

	ep, err := s.store.GetEndpoint(ctx, id)
	if err != nil {
		if _, ok := err.(*model.NotFoundError); ok {
			return nil
		}
		return fmt.Errorf("scheduler: reload endpoint %s: %w", id, err)
	}
	if !ep.Enabled {
		return nil
	}
	return s.startLoop(ep)
}

// RemoveEndpoint cancels id's loop (if present) and drops its agent and
// breaker outright. Used on endpoint deletion, distinct from
// RestartEndpoint: a deleted endpoint never gets a fresh loop.
func (s *Scheduler) RemoveEndpoint(id uuid.UUID) {
	s.removeAgent(id)
	s.breakers.Drop(id.String())
}

func (s *Scheduler) removeAgent(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return
	}
	if a.job != nil {
		_ = s.cron.RemoveJob(a.job.ID())
	}
	delete(s.agents, id)
}

// LastStatistics returns the agent's cached statistics for id, if any.
// Used by GetAllUptimeStatuses to avoid recomputing from the store for
// endpoints that already have a fresh cached value.
func (s *Scheduler) LastStatistics(id uuid.UUID) (*model.UptimeStatistics, bool) {
	s.mu.RLock()
	a, ok := s.agents[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastStatistics == nil {
		return nil, false
	}
	return a.lastStatistics, true
}

// snapshotStatistics collects every agent's cached statistics, for
// Bus.ScheduleBulkBroadcast's debounced global broadcast.
func (s *Scheduler) snapshotStatistics() []model.UptimeStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.UptimeStatistics, 0, len(s.agents))
	for _, a := range s.agents {
		a.mu.Lock()
		if a.lastStatistics != nil {
			out = append(out, *a.lastStatistics)
		}
		a.mu.Unlock()
	}
	return out
}

// ConsecutiveFailures returns the live failure counter for id, if it
// has an active agent.
func (s *Scheduler) ConsecutiveFailures(id uuid.UUID) (int, bool) {
	s.mu.RLock()
	a, ok := s.agents[id]
	s.mu.RUnlock()
	if !ok {
		return 0, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.consecutiveFailures, true
}
