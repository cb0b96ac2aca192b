package stats

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"watchtower/internal/model"
	"watchtower/internal/store"
)

type fakeReader struct {
	endpoint model.Endpoint
	missing  bool
	counts   store.CheckCounts
	recent   []model.UptimeCheck
}

func (f *fakeReader) GetEndpoint(ctx context.Context, id uuid.UUID) (model.Endpoint, error) {
	if f.missing {
		return model.Endpoint{}, &model.NotFoundError{Kind: "endpoint", ID: id.String()}
	}
	return f.endpoint, nil
}

func (f *fakeReader) WindowCounts(ctx context.Context, endpointID uuid.UUID, since, now time.Time) (store.CheckCounts, error) {
	return f.counts, nil
}

func (f *fakeReader) RecentChecks(ctx context.Context, endpointID uuid.UUID, limit int) ([]model.UptimeCheck, error) {
	if len(f.recent) > limit {
		return f.recent[:limit], nil
	}
	return f.recent, nil
}

func TestCompute_ReturnsNilForMissingEndpoint(t *testing.T) {
	r := &fakeReader{missing: true}
	got, err := Compute(context.Background(), r, uuid.New(), time.Now(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil statistics for a missing endpoint, got %+v", got)
	}
}

func TestCompute_UptimePercentageFloorsToTwoDecimals(t *testing.T) {
	id := uuid.New()
	r := &fakeReader{
		endpoint: model.Endpoint{ID: id},
		counts:   store.CheckCounts{Total: 3, Up: 2, Down: 1, AvgResponseTime: 123.456},
		recent: []model.UptimeCheck{
			{EndpointID: id, Status: model.StatusUp, Timestamp: time.Now()},
		},
	}

	got, err := Compute(context.Background(), r, id, time.Now(), 0)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	// 2/3*100 = 66.6666...  -> floor to 66.66
	if got.UptimePercentage != 66.66 {
		t.Fatalf("expected 66.66, got %v", got.UptimePercentage)
	}
	if got.AvgResponseTime != 123.45 {
		t.Fatalf("expected floor to 123.45, got %v", got.AvgResponseTime)
	}
	if got.CurrentStatus != model.StatusUp {
		t.Fatalf("expected current status from newest recent check")
	}
}

func TestCompute_ZeroTotalsYieldZeroedStats(t *testing.T) {
	id := uuid.New()
	r := &fakeReader{endpoint: model.Endpoint{ID: id}}

	got, err := Compute(context.Background(), r, id, time.Now(), 5)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if got.UptimePercentage != 0 || got.AvgResponseTime != 0 {
		t.Fatalf("expected zeroed stats with no checks, got %+v", got)
	}
	if got.CurrentStatus != model.StatusUp {
		t.Fatalf("expected default UP status with no recent checks, got %v", got.CurrentStatus)
	}
	if got.ConsecutiveFailures != 5 {
		t.Fatalf("expected scheduler's counter to pass through unchanged, got %d", got.ConsecutiveFailures)
	}
}
