package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"watchtower/internal/breaker"
	"watchtower/internal/bus"
	"watchtower/internal/model"
	"watchtower/internal/prober"
	"watchtower/internal/store"
)

type fakeStore struct {
	mu        sync.Mutex
	endpoints map[uuid.UUID]model.Endpoint
	checks    []model.UptimeCheck
}

func newFakeStore(eps ...model.Endpoint) *fakeStore {
	fs := &fakeStore{endpoints: make(map[uuid.UUID]model.Endpoint)}
	for _, e := range eps {
		fs.endpoints[e.ID] = e
	}
	return fs
}

func (f *fakeStore) GetEndpoint(ctx context.Context, id uuid.UUID) (model.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ep, ok := f.endpoints[id]
	if !ok {
		return model.Endpoint{}, &model.NotFoundError{Kind: "endpoint", ID: id.String()}
	}
	return ep, nil
}

func (f *fakeStore) ListEnabledEndpoints(ctx context.Context) ([]model.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Endpoint
	for _, e := range f.endpoints {
		if e.Enabled {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertCheck(ctx context.Context, c model.UptimeCheck) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks = append(f.checks, c)
	return nil
}

func (f *fakeStore) WindowCounts(ctx context.Context, endpointID uuid.UUID, since, now time.Time) (store.CheckCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var counts store.CheckCounts
	for _, c := range f.checks {
		if c.EndpointID != endpointID {
			continue
		}
		counts.Total++
		if c.Status == model.StatusUp {
			counts.Up++
		} else {
			counts.Down++
		}
	}
	return counts, nil
}

func (f *fakeStore) RecentChecks(ctx context.Context, endpointID uuid.UUID, limit int) ([]model.UptimeCheck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.UptimeCheck
	for i := len(f.checks) - 1; i >= 0 && len(out) < limit; i-- {
		if f.checks[i].EndpointID == endpointID {
			out = append(out, f.checks[i])
		}
	}
	return out, nil
}

func (f *fakeStore) checkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.checks)
}

func newTestScheduler(t *testing.T, eps ...model.Endpoint) (*Scheduler, *fakeStore, *bus.Bus) {
	t.Helper()
	fs := newFakeStore(eps...)
	b := bus.New(bus.DefaultConfig())
	t.Cleanup(b.Stop)
	breakers := breaker.NewFactory(breaker.Config{}, nil)
	pr := prober.New(breakers, prober.DefaultBreakerConfig())

	sch, err := New(fs, pr, b, breakers)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sch, fs, b
}

func upEndpoint(url string) model.Endpoint {
	return model.Endpoint{
		ID:             uuid.New(),
		Name:           "up",
		URL:            url,
		CheckInterval:  60,
		Timeout:        2,
		ExpectedStatus: http.StatusOK,
		Enabled:        true,
	}
}

func TestStart_ProbesImmediatelyForEachEnabledEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ep := upEndpoint(srv.URL)
	sch, fs, _ := newTestScheduler(t, ep)
	defer sch.Shutdown()

	if err := sch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sch.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for fs.checkCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if fs.checkCount() == 0 {
		t.Fatalf("expected at least one check recorded shortly after Start")
	}
}

func TestStart_WithNoEnabledEndpointsEmitsWarningAndDoesNothing(t *testing.T) {
	sch, _, b := newTestScheduler(t)
	defer sch.Shutdown()

	sub, err := b.Subscribe("watcher")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := sch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sch.Stop()

	select {
	case ev := <-sub.Send:
		payload := ev.Payload.(bus.SystemStatusPayload)
		if payload.Type != "warning" {
			t.Fatalf("expected a warning notice, got %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a systemStatus notice when starting with no endpoints")
	}
}

func TestRemoveEndpoint_StopsFurtherProbing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ep := upEndpoint(srv.URL)
	ep.CheckInterval = 1 // seconds, so a second tick would arrive quickly if not removed
	sch, fs, _ := newTestScheduler(t, ep)
	defer sch.Shutdown()

	if err := sch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sch.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for fs.checkCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	sch.RemoveEndpoint(ep.ID)
	countAtRemoval := fs.checkCount()

	time.Sleep(1500 * time.Millisecond)
	if fs.checkCount() != countAtRemoval {
		t.Fatalf("expected no further checks after RemoveEndpoint, had %d now %d", countAtRemoval, fs.checkCount())
	}
}

func TestRestartEndpoint_NoOpWhenEndpointDeleted(t *testing.T) {
	sch, _, _ := newTestScheduler(t)
	defer sch.Shutdown()

	if err := sch.RestartEndpoint(context.Background(), uuid.New()); err != nil {
		t.Fatalf("expected no error restarting a nonexistent endpoint, got %v", err)
	}
}

func TestLastStatistics_PopulatedAfterAProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ep := upEndpoint(srv.URL)
	sch, fs, _ := newTestScheduler(t, ep)
	defer sch.Shutdown()

	if err := sch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sch.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for fs.checkCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	deadline = time.Now().Add(time.Second)
	var ok bool
	for time.Now().Before(deadline) {
		if _, ok = sch.LastStatistics(ep.ID); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !ok {
		t.Fatalf("expected cached statistics to be populated after a probe")
	}
}
