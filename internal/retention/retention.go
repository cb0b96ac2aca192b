// Package retention runs the daily roll-up and detail-expiry job
// described in spec.md §4.7: hourly/daily aggregate upserts, batched
// detail delete, aggregate delete, and a best-effort vacuum. Grounded
// on gregyjames-NanoStatus/cleanup.go's startCleanupScheduler (a
// single daily deletion job, logged start/end), generalized from one
// blanket one-year delete into the multi-step roll-up-then-expire
// pipeline and given a gocron-based reentrancy guard in place of the
// teacher's bare ticker, which could not skip an overlapping run.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"watchtower/internal/model"
)

// Store is the subset of *store.Store the retention job needs.
type Store interface {
	SourceChecksForBucket(ctx context.Context, endpointID uuid.UUID, bucketStart, bucketEnd time.Time) ([]model.UptimeCheck, error)
	DistinctEndpointsWithChecksInRange(ctx context.Context, start, end time.Time) ([]uuid.UUID, error)
	UpsertHourly(ctx context.Context, a model.HourlyAggregate) error
	UpsertDaily(ctx context.Context, a model.DailyAggregate) error
	DeleteChecksBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
	DeleteHourlyBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteDailyBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Vacuum(ctx context.Context)
}

// Config mirrors spec §4.7's configuration defaults.
type Config struct {
	DetailRetentionDays int
	HourlyRetentionDays int
	DailyRetentionDays  int
	BatchSize           int
	Enabled             bool
}

// DefaultConfig matches spec §4.7: detail=7d, hourly=30d, daily=90d,
// batchSize=10000, enabled=true.
func DefaultConfig() Config {
	return Config{
		DetailRetentionDays: 7,
		HourlyRetentionDays: 30,
		DailyRetentionDays:  90,
		BatchSize:           10000,
		Enabled:             true,
	}
}

const (
	firstRunDelay  = 60 * time.Second
	interval       = 24 * time.Hour
	batchSleep     = 100 * time.Millisecond
)

// Job runs the retention pipeline on its own schedule.
type Job struct {
	store Store
	cfg   Config
	cron  gocron.Scheduler
}

// New constructs a retention Job. Call Start to schedule it.
func New(st Store, cfg Config) (*Job, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("retention: create gocron scheduler: %w", err)
	}
	return &Job{store: st, cfg: cfg, cron: cron}, nil
}

// Start schedules the job: first run firstRunDelay after this call,
// then every 24h, reentrant-guarded so an overlapping trigger is
// skipped rather than queued.
func (j *Job) Start(ctx context.Context) error {
	_, err := j.cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { j.Run(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartDateTime(time.Now().Add(firstRunDelay))),
	)
	if err != nil {
		return fmt.Errorf("retention: schedule job: %w", err)
	}
	j.cron.Start()
	return nil
}

// Stop halts the scheduler.
func (j *Job) Stop() error {
	return j.cron.Shutdown()
}

// Run executes the five-step pipeline once, in order. Each step is
// idempotent; a failure in one step is logged and does not prevent
// later steps from attempting to run.
func (j *Job) Run(ctx context.Context) {
	if !j.cfg.Enabled {
		log.Info().Msg("[Retention] deleteEnabled=false, skipping run")
		return
	}

	log.Info().Msg("[Retention] starting run")
	now := time.Now().UTC()

	if err := j.rollupHourly(ctx, now); err != nil {
		log.Error().Err(err).Msg("[Retention] hourly roll-up failed")
	}
	if err := j.rollupDaily(ctx, now); err != nil {
		log.Error().Err(err).Msg("[Retention] daily roll-up failed")
	}
	if err := j.deleteDetail(ctx, now); err != nil {
		log.Error().Err(err).Msg("[Retention] detail delete failed")
	}
	if err := j.deleteAggregates(ctx, now); err != nil {
		log.Error().Err(err).Msg("[Retention] aggregate delete failed")
	}
	j.store.Vacuum(ctx)

	log.Info().Msg("[Retention] run complete")
}

// rollupHourly upserts one uptime_checks_hourly row per (endpoint,
// hour) for source rows within [now-hourlyRetentionDays,
// truncate-to-hour(now)).
func (j *Job) rollupHourly(ctx context.Context, now time.Time) error {
	windowStart := now.AddDate(0, 0, -j.cfg.HourlyRetentionDays)
	hourCutoff := now.Truncate(time.Hour)

	endpoints, err := j.store.DistinctEndpointsWithChecksInRange(ctx, windowStart, hourCutoff)
	if err != nil {
		return fmt.Errorf("list endpoints with checks: %w", err)
	}

	for _, endpointID := range endpoints {
		for bucketStart := truncateToHour(windowStart); bucketStart.Before(hourCutoff); bucketStart = bucketStart.Add(time.Hour) {
			bucketEnd := bucketStart.Add(time.Hour)
			checks, err := j.store.SourceChecksForBucket(ctx, endpointID, bucketStart, bucketEnd)
			if err != nil {
				return fmt.Errorf("source checks for hourly bucket: %w", err)
			}
			if len(checks) == 0 {
				continue
			}
			agg := aggregateHourly(checks, bucketStart)
			if err := j.store.UpsertHourly(ctx, agg); err != nil {
				return fmt.Errorf("upsert hourly aggregate: %w", err)
			}
		}
	}
	return nil
}

// rollupDaily is rollupHourly's day-bucketed counterpart, additionally
// computing uptime_percentage.
func (j *Job) rollupDaily(ctx context.Context, now time.Time) error {
	windowStart := now.AddDate(0, 0, -j.cfg.DailyRetentionDays)
	dayCutoff := truncateToDay(now)

	endpoints, err := j.store.DistinctEndpointsWithChecksInRange(ctx, windowStart, dayCutoff)
	if err != nil {
		return fmt.Errorf("list endpoints with checks: %w", err)
	}

	for _, endpointID := range endpoints {
		for bucketStart := truncateToDay(windowStart); bucketStart.Before(dayCutoff); bucketStart = bucketStart.AddDate(0, 0, 1) {
			bucketEnd := bucketStart.AddDate(0, 0, 1)
			checks, err := j.store.SourceChecksForBucket(ctx, endpointID, bucketStart, bucketEnd)
			if err != nil {
				return fmt.Errorf("source checks for daily bucket: %w", err)
			}
			if len(checks) == 0 {
				continue
			}
			agg := aggregateDaily(checks, bucketStart)
			if err := j.store.UpsertDaily(ctx, agg); err != nil {
				return fmt.Errorf("upsert daily aggregate: %w", err)
			}
		}
	}
	return nil
}

// deleteDetail removes expired uptime_checks rows in batches,
// sleeping between batches, halting when a batch returns zero rows.
func (j *Job) deleteDetail(ctx context.Context, now time.Time) error {
	cutoff := now.AddDate(0, 0, -j.cfg.DetailRetentionDays)
	total := int64(0)
	for {
		deleted, err := j.store.DeleteChecksBefore(ctx, cutoff, j.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("delete detail batch: %w", err)
		}
		total += deleted
		if deleted == 0 {
			break
		}
		time.Sleep(batchSleep)
	}
	log.Info().Int64("deleted", total).Msg("[Retention] detail rows expired")
	return nil
}

func (j *Job) deleteAggregates(ctx context.Context, now time.Time) error {
	hourlyCutoff := now.AddDate(0, 0, -j.cfg.HourlyRetentionDays)
	if _, err := j.store.DeleteHourlyBefore(ctx, hourlyCutoff); err != nil {
		return fmt.Errorf("delete hourly aggregates: %w", err)
	}
	dailyCutoff := now.AddDate(0, 0, -j.cfg.DailyRetentionDays)
	if _, err := j.store.DeleteDailyBefore(ctx, dailyCutoff); err != nil {
		return fmt.Errorf("delete daily aggregates: %w", err)
	}
	return nil
}

func truncateToHour(t time.Time) time.Time {
	return t.Truncate(time.Hour)
}

func truncateToDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func aggregateHourly(checks []model.UptimeCheck, bucketStart time.Time) model.HourlyAggregate {
	a := model.HourlyAggregate{
		EndpointID:   checks[0].EndpointID,
		EndpointName: checks[0].EndpointName,
		HourStart:    bucketStart,
	}
	var sumResp float64
	sawUp := false
	for _, c := range checks {
		a.TotalChecks++
		if c.Status == model.StatusUp {
			a.SuccessfulChecks++
			sumResp += c.ResponseTime
			if !sawUp || c.ResponseTime < a.MinResponseTime {
				a.MinResponseTime = c.ResponseTime
			}
			if !sawUp || c.ResponseTime > a.MaxResponseTime {
				a.MaxResponseTime = c.ResponseTime
			}
			sawUp = true
		} else {
			a.FailedChecks++
		}
	}
	if a.SuccessfulChecks > 0 {
		a.AvgResponseTime = sumResp / float64(a.SuccessfulChecks)
	}
	return a
}

func aggregateDaily(checks []model.UptimeCheck, bucketStart time.Time) model.DailyAggregate {
	hourly := aggregateHourly(checks, bucketStart)
	uptimePct := 0.0
	if hourly.TotalChecks > 0 {
		uptimePct = float64(hourly.SuccessfulChecks) / float64(hourly.TotalChecks) * 100
	}
	return model.DailyAggregate{
		EndpointID:       hourly.EndpointID,
		EndpointName:     hourly.EndpointName,
		DayStart:         bucketStart,
		TotalChecks:      hourly.TotalChecks,
		SuccessfulChecks: hourly.SuccessfulChecks,
		FailedChecks:     hourly.FailedChecks,
		AvgResponseTime:  hourly.AvgResponseTime,
		MinResponseTime:  hourly.MinResponseTime,
		MaxResponseTime:  hourly.MaxResponseTime,
		UptimePercentage: uptimePct,
	}
}
