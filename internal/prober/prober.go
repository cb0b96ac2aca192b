// Package prober performs one HTTP check against an endpoint, guards it
// with the endpoint's circuit breaker, classifies the outcome, and
// hands the resulting check to its Sink for persistence and broadcast.
// Grounded on gregyjames-NanoStatus/checker.go's checkService, with the
// breaker guard, classification taxonomy, and consecutive-failure
// notices spec.md §4.4 adds.
package prober

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"watchtower/internal/breaker"
	"watchtower/internal/model"
)

const userAgent = "Watchtower-Monitor/1.0"

// DefaultBreakerConfig matches spec §4.4 step 2's tuning: 70% failure
// threshold, 300s monitoring period, 3 minimum requests. ResetTimeout
// is ignored here — it scales with each endpoint's own checkInterval,
// so breakerConfig computes it per call.
func DefaultBreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: 70,
		MonitoringPeriod: 300 * time.Second,
		MinimumRequests:  3,
	}
}

func (p *Prober) breakerConfig(ep model.Endpoint) breaker.Config {
	cfg := p.baseBreakerCfg
	cfg.ResetTimeout = 3 * time.Duration(ep.CheckInterval) * time.Second
	return cfg
}

// Notice mirrors the bus's systemStatus event payload without importing
// the bus package, keeping prober decoupled from delivery mechanics.
type Notice struct {
	Message string
	Type    string // info, warning, error
}

// Sink receives the outcome of one probe. Implementations (the
// scheduler, in practice) persist the check, recompute statistics, and
// publish bus events; the prober itself talks to none of that directly.
// consecutiveFailures is the counter's value AFTER this probe, already
// resolved by Probe, so the sink can compute statistics without racing
// the prober's own bookkeeping.
type Sink interface {
	CheckCompleted(ctx context.Context, check model.UptimeCheck, consecutiveFailures int)
	Notify(ctx context.Context, n Notice)
}

// unexpectedStatusError is the classification for a response whose
// status code didn't match what the endpoint expects.
type unexpectedStatusError struct {
	Got, Expected int
}

func (e *unexpectedStatusError) Error() string {
	return fmt.Sprintf("got %d, expected %d", e.Got, e.Expected)
}

// Prober performs probes against one endpoint at a time, guarded by a
// breaker obtained from the shared factory.
type Prober struct {
	client         *http.Client
	breakers       *breaker.Factory
	baseBreakerCfg breaker.Config
}

// New constructs a Prober. The http.Client has no fixed Timeout field
// set — the deadline comes from a per-call context so it can track
// each endpoint's own Timeout, unlike the teacher's single global
// 10-second client. baseCfg supplies every breaker field except
// ResetTimeout, which is derived per endpoint.
func New(breakers *breaker.Factory, baseCfg breaker.Config) *Prober {
	return &Prober{
		client:         &http.Client{},
		breakers:       breakers,
		baseBreakerCfg: baseCfg,
	}
}

// Result is what Probe returns to the caller (the scheduler), mirroring
// the fields the Statistics Engine and consecutive-failure bookkeeping
// need without re-deriving them.
type Result struct {
	Check               model.UptimeCheck
	ShortCircuited      bool // breaker rejected this probe outright
	ConsecutiveFailures int  // counter value the caller stores after this probe
}

// Probe executes one check against ep, per spec.md §4.4 steps 1-5.
// consecutiveFailuresBefore is the scheduler's counter prior to this
// probe; Probe returns the value the scheduler should store afterward
// (it never mutates caller state itself).
func (p *Prober) Probe(ctx context.Context, ep model.Endpoint, consecutiveFailuresBefore int, sink Sink) Result {
	start := time.Now()
	b := p.breakers.GetOrCreate(ep.ID.String(), p.breakerConfig(ep))

	var gotStatus int
	var bodyErr error

	err := b.Execute(func() error {
		reqCtx, cancel := context.WithTimeout(ctx, time.Duration(ep.Timeout)*time.Second)
		defer cancel()

		req, reqErr := http.NewRequestWithContext(reqCtx, http.MethodGet, ep.URL, nil)
		if reqErr != nil {
			bodyErr = reqErr
			return reqErr
		}
		req.Header.Set("User-Agent", userAgent)

		resp, doErr := p.client.Do(req)
		if doErr != nil {
			bodyErr = doErr
			return doErr
		}
		defer resp.Body.Close()
		gotStatus = resp.StatusCode

		if resp.StatusCode != ep.ExpectedStatus {
			return &unexpectedStatusError{Got: resp.StatusCode, Expected: ep.ExpectedStatus}
		}
		return nil
	})

	responseTime := float64(time.Since(start).Milliseconds())
	now := time.Now().UTC()

	if errors.Is(err, breaker.ErrOpenCircuit) {
		check := model.UptimeCheck{
			EndpointID:   ep.ID,
			EndpointName: ep.Name,
			Status:       model.StatusDown,
			StatusCode:   0,
			ResponseTime: 0,
			Timestamp:    now,
			ErrorReason:  "Circuit breaker open",
		}
		sink.CheckCompleted(ctx, check, consecutiveFailuresBefore)
		return Result{Check: check, ShortCircuited: true, ConsecutiveFailures: consecutiveFailuresBefore}
	}

	if err == nil {
		check := model.UptimeCheck{
			EndpointID:   ep.ID,
			EndpointName: ep.Name,
			Status:       model.StatusUp,
			StatusCode:   gotStatus,
			ResponseTime: responseTime,
			Timestamp:    now,
		}
		sink.CheckCompleted(ctx, check, 0)
		if consecutiveFailuresBefore > 0 {
			sink.Notify(ctx, Notice{
				Message: fmt.Sprintf("%s is back online after %d failures", ep.Name, consecutiveFailuresBefore),
				Type:    "info",
			})
		}
		return Result{Check: check, ConsecutiveFailures: 0}
	}

	errorReason, statusCode := classify(err, bodyErr, ep, gotStatus)
	check := model.UptimeCheck{
		EndpointID:   ep.ID,
		EndpointName: ep.Name,
		Status:       model.StatusDown,
		StatusCode:   statusCode,
		ResponseTime: responseTime,
		Timestamp:    now,
		ErrorReason:  errorReason,
	}
	newCount := consecutiveFailuresBefore + 1
	sink.CheckCompleted(ctx, check, newCount)

	if newCount%3 == 0 {
		sink.Notify(ctx, Notice{
			Message: fmt.Sprintf("%s has %d consecutive failures", ep.Name, newCount),
			Type:    "error",
		})
	}
	log.Debug().Str("endpoint", ep.Name).Str("reason", errorReason).Int("consecutive", newCount).Msg("[Prober] check failed")
	return Result{Check: check, ConsecutiveFailures: newCount}
}

// classify turns the breaker-wrapped error into spec §4.4's taxonomy:
// Timeout, UnexpectedStatus, or TransportError.
func classify(err, bodyErr error, ep model.Endpoint, gotStatus int) (reason string, statusCode int) {
	var statusErr *unexpectedStatusError
	if errors.As(err, &statusErr) {
		return fmt.Sprintf("Got %d, expected %d", statusErr.Got, statusErr.Expected), gotStatus
	}

	if errors.Is(err, context.DeadlineExceeded) || isTimeout(bodyErr) {
		return fmt.Sprintf("Timeout after %ds", ep.Timeout), 0
	}

	return fmt.Sprintf("Connection failed: %s", detailsOf(err)), 0
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// detailsOf strips the "Get \"url\": " prefix http.Client.Do wraps
// transport errors in, returning just the underlying cause.
func detailsOf(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		return urlErr.Err.Error()
	}
	return err.Error()
}
