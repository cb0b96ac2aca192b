// Package stats computes the 24-hour rolling UptimeStatistics view
// (spec.md §4.3) from the store, given the scheduler's live
// consecutive-failure counter for the same endpoint.
package stats

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"watchtower/internal/model"
	"watchtower/internal/store"
)

const recentLimit = 10

// Reader is the subset of *store.Store the engine needs, grounded on
// gregyjames-NanoStatus/stats.go's SQL-aggregation approach, generalized
// from a whole-fleet all-time query to a per-endpoint 24h window.
type Reader interface {
	GetEndpoint(ctx context.Context, id uuid.UUID) (model.Endpoint, error)
	WindowCounts(ctx context.Context, endpointID uuid.UUID, since, now time.Time) (store.CheckCounts, error)
	RecentChecks(ctx context.Context, endpointID uuid.UUID, limit int) ([]model.UptimeCheck, error)
}

// Compute returns nil, nil if the endpoint no longer exists (spec §4.3).
// consecutiveFailures is the scheduler's live counter for this endpoint,
// since that value lives in the Scheduler, not the store.
func Compute(ctx context.Context, r Reader, endpointID uuid.UUID, now time.Time, consecutiveFailures int) (*model.UptimeStatistics, error) {
	if _, err := r.GetEndpoint(ctx, endpointID); err != nil {
		if _, ok := err.(*model.NotFoundError); ok {
			return nil, nil
		}
		return nil, err
	}

	counts, err := r.WindowCounts(ctx, endpointID, now.Add(-24*time.Hour), now)
	if err != nil {
		return nil, err
	}
	recent, err := r.RecentChecks(ctx, endpointID, recentLimit)
	if err != nil {
		return nil, err
	}

	uptimePct := round2(0)
	if counts.Total > 0 {
		uptimePct = round2(float64(counts.Up) / float64(counts.Total) * 100)
	}
	avgResp := round2(0)
	if counts.Total > 0 {
		avgResp = round2(counts.AvgResponseTime)
	}

	currentStatus := model.StatusUp
	var lastCheck *time.Time
	if len(recent) > 0 {
		currentStatus = recent[0].Status
		ts := recent[0].Timestamp
		lastCheck = &ts
	}

	return &model.UptimeStatistics{
		EndpointID:          endpointID,
		TotalChecks:         counts.Total,
		UptimePercentage:    uptimePct,
		AvgResponseTime:     avgResp,
		LastCheck:           lastCheck,
		CurrentStatus:       currentStatus,
		RecentChecks:        recent,
		ConsecutiveFailures: consecutiveFailures,
	}, nil
}

// round2 truncates (not rounds) to two decimals, per spec §4.3's
// "uptime percentage = floor((up/total)*10000)/100" rule.
func round2(v float64) float64 {
	return math.Floor(v*100) / 100
}
