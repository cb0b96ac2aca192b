package retention

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"watchtower/internal/model"
)

type bucketCall struct {
	endpointID  uuid.UUID
	bucketStart time.Time
	bucketEnd   time.Time
}

type fakeStore struct {
	checksByEndpoint   map[uuid.UUID][]model.UptimeCheck
	distinctEndpoints  []uuid.UUID
	hourlyUpserts      []model.HourlyAggregate
	dailyUpserts       []model.DailyAggregate
	deleteBatches      []int
	deleteDetailCalls  int
	hourlyDeleteCutoff time.Time
	dailyDeleteCutoff  time.Time
	vacuumCalled       bool
	bucketCalls        []bucketCall
}

func (f *fakeStore) SourceChecksForBucket(ctx context.Context, endpointID uuid.UUID, bucketStart, bucketEnd time.Time) ([]model.UptimeCheck, error) {
	f.bucketCalls = append(f.bucketCalls, bucketCall{endpointID, bucketStart, bucketEnd})
	var out []model.UptimeCheck
	for _, c := range f.checksByEndpoint[endpointID] {
		if !c.Timestamp.Before(bucketStart) && c.Timestamp.Before(bucketEnd) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) DistinctEndpointsWithChecksInRange(ctx context.Context, start, end time.Time) ([]uuid.UUID, error) {
	return f.distinctEndpoints, nil
}

func (f *fakeStore) UpsertHourly(ctx context.Context, a model.HourlyAggregate) error {
	f.hourlyUpserts = append(f.hourlyUpserts, a)
	return nil
}

func (f *fakeStore) UpsertDaily(ctx context.Context, a model.DailyAggregate) error {
	f.dailyUpserts = append(f.dailyUpserts, a)
	return nil
}

func (f *fakeStore) DeleteChecksBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	f.deleteDetailCalls++
	f.deleteBatches = append(f.deleteBatches, batchSize)
	if f.deleteDetailCalls >= 3 {
		return 0, nil
	}
	return int64(batchSize), nil
}

func (f *fakeStore) DeleteHourlyBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.hourlyDeleteCutoff = cutoff
	return 0, nil
}

func (f *fakeStore) DeleteDailyBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.dailyDeleteCutoff = cutoff
	return 0, nil
}

func (f *fakeStore) Vacuum(ctx context.Context) {
	f.vacuumCalled = true
}

func TestRun_SkipsEntirelyWhenDisabled(t *testing.T) {
	fs := &fakeStore{}
	j, err := New(fs, Config{Enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	j.Run(context.Background())

	if fs.vacuumCalled || fs.deleteDetailCalls != 0 || len(fs.hourlyUpserts) != 0 {
		t.Fatalf("expected no work to happen when disabled")
	}
}

func TestRun_BatchedDeleteHaltsOnEmptyBatch(t *testing.T) {
	fs := &fakeStore{}
	cfg := DefaultConfig()
	cfg.BatchSize = 100
	j, err := New(fs, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	j.Run(context.Background())

	if fs.deleteDetailCalls != 3 {
		t.Fatalf("expected exactly 3 delete batches (2 full + 1 empty halt), got %d", fs.deleteDetailCalls)
	}
	if !fs.vacuumCalled {
		t.Fatalf("expected vacuum to run even with no aggregates to roll up")
	}
}

func TestRollupHourly_UpsertsOneAggregatePerBucket(t *testing.T) {
	epID := uuid.New()
	now := time.Now().UTC()
	hourAgoStart := now.Truncate(time.Hour).Add(-time.Hour)

	fs := &fakeStore{
		distinctEndpoints: []uuid.UUID{epID},
		checksByEndpoint: map[uuid.UUID][]model.UptimeCheck{
			epID: {
				{EndpointID: epID, EndpointName: "svc", Status: model.StatusUp, ResponseTime: 100, Timestamp: hourAgoStart.Add(5 * time.Minute)},
				{EndpointID: epID, EndpointName: "svc", Status: model.StatusDown, ResponseTime: 0, Timestamp: hourAgoStart.Add(10 * time.Minute)},
			},
		},
	}
	cfg := DefaultConfig()
	cfg.HourlyRetentionDays = 1
	j, err := New(fs, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := j.rollupHourly(context.Background(), now); err != nil {
		t.Fatalf("rollupHourly: %v", err)
	}

	if len(fs.hourlyUpserts) != 1 {
		t.Fatalf("expected one hourly aggregate upserted, got %d", len(fs.hourlyUpserts))
	}
	agg := fs.hourlyUpserts[0]
	if agg.TotalChecks != 2 || agg.SuccessfulChecks != 1 || agg.FailedChecks != 1 {
		t.Fatalf("unexpected aggregate counts: %+v", agg)
	}
	if agg.AvgResponseTime != 100 {
		t.Fatalf("expected avg response time 100, got %v", agg.AvgResponseTime)
	}
}

func TestRollupDaily_ComputesUptimePercentage(t *testing.T) {
	epID := uuid.New()
	now := time.Now().UTC()
	dayStart := truncateToDay(now).AddDate(0, 0, -1)

	fs := &fakeStore{
		distinctEndpoints: []uuid.UUID{epID},
		checksByEndpoint: map[uuid.UUID][]model.UptimeCheck{
			epID: {
				{EndpointID: epID, Status: model.StatusUp, ResponseTime: 50, Timestamp: dayStart.Add(time.Hour)},
				{EndpointID: epID, Status: model.StatusUp, ResponseTime: 150, Timestamp: dayStart.Add(2 * time.Hour)},
				{EndpointID: epID, Status: model.StatusDown, Timestamp: dayStart.Add(3 * time.Hour)},
			},
		},
	}
	cfg := DefaultConfig()
	cfg.DailyRetentionDays = 2
	j, err := New(fs, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := j.rollupDaily(context.Background(), now); err != nil {
		t.Fatalf("rollupDaily: %v", err)
	}

	if len(fs.dailyUpserts) != 1 {
		t.Fatalf("expected one daily aggregate upserted, got %d", len(fs.dailyUpserts))
	}
	agg := fs.dailyUpserts[0]
	// 2/3 up -> 66.67% (unrounded here; rounding is the Statistics Engine's concern)
	if agg.TotalChecks != 3 || agg.SuccessfulChecks != 2 {
		t.Fatalf("unexpected daily aggregate: %+v", agg)
	}
	if agg.UptimePercentage <= 66 || agg.UptimePercentage >= 67 {
		t.Fatalf("expected ~66.67%% uptime, got %v", agg.UptimePercentage)
	}
}

func TestAggregateHourly_MinResponseTimeIgnoresLeadingDownCheck(t *testing.T) {
	epID := uuid.New()
	bucketStart := time.Now().UTC().Truncate(time.Hour)

	checks := []model.UptimeCheck{
		{EndpointID: epID, EndpointName: "svc", Status: model.StatusDown, ResponseTime: 0, Timestamp: bucketStart},
		{EndpointID: epID, EndpointName: "svc", Status: model.StatusUp, ResponseTime: 250, Timestamp: bucketStart.Add(time.Minute)},
		{EndpointID: epID, EndpointName: "svc", Status: model.StatusUp, ResponseTime: 80, Timestamp: bucketStart.Add(2 * time.Minute)},
	}

	agg := aggregateHourly(checks, bucketStart)

	if agg.MinResponseTime != 80 {
		t.Fatalf("expected min response time 80 (ignoring the leading DOWN check), got %v", agg.MinResponseTime)
	}
	if agg.MaxResponseTime != 250 {
		t.Fatalf("expected max response time 250, got %v", agg.MaxResponseTime)
	}
}
