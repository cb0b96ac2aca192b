// Package model holds the domain types shared by every other package:
// the monitored Endpoint, the raw UptimeCheck it produces, the hourly
// and daily roll-up rows the retention job derives from those checks,
// and the UptimeStatistics view computed on demand.
package model

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity classifies how urgently a failing endpoint should be treated
// by whatever alerting layer sits above the core (out of scope here).
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// CheckStatus is the binary outcome of a single probe.
type CheckStatus string

const (
	StatusUp   CheckStatus = "UP"
	StatusDown CheckStatus = "DOWN"
)

const (
	MinCheckIntervalSeconds = 5
	MaxCheckIntervalSeconds = 3600
	MinTimeoutSeconds       = 1
	MaxTimeoutSeconds       = 60
	MaxTags                 = 10
	MaxTagLength            = 50
	MaxNameLength           = 255
)

// Endpoint is the monitored target, mirroring the `endpoints` table.
type Endpoint struct {
	ID             uuid.UUID
	Name           string
	URL            string
	CheckInterval  int // seconds, >=5 <=3600
	Timeout        int // seconds, >=1 <=60, strictly less than CheckInterval
	ExpectedStatus int // 100-599
	Severity       Severity
	Enabled        bool
	Tags           []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Validate enforces the invariants spec.md §3 assigns to Endpoint. It is
// used both on create and on update; ValidationErrors are meant to be
// surfaced verbatim to the operator, never retried by the core.
func (e Endpoint) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return &ValidationError{Field: "name", Msg: "must not be empty"}
	}
	if len(e.Name) > MaxNameLength {
		return &ValidationError{Field: "name", Msg: fmt.Sprintf("must be at most %d characters", MaxNameLength)}
	}
	u, err := url.Parse(e.URL)
	if err != nil || u.Host == "" {
		return &ValidationError{Field: "url", Msg: "must be an absolute URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "url", Msg: "scheme must be http or https"}
	}
	if e.CheckInterval < MinCheckIntervalSeconds || e.CheckInterval > MaxCheckIntervalSeconds {
		return &ValidationError{Field: "checkInterval", Msg: fmt.Sprintf("must be between %d and %d seconds", MinCheckIntervalSeconds, MaxCheckIntervalSeconds)}
	}
	if e.Timeout < MinTimeoutSeconds || e.Timeout > MaxTimeoutSeconds {
		return &ValidationError{Field: "timeout", Msg: fmt.Sprintf("must be between %d and %d seconds", MinTimeoutSeconds, MaxTimeoutSeconds)}
	}
	if e.Timeout >= e.CheckInterval {
		return &ValidationError{Field: "timeout", Msg: "must be strictly less than checkInterval"}
	}
	if e.ExpectedStatus < 100 || e.ExpectedStatus > 599 {
		return &ValidationError{Field: "expectedStatus", Msg: "must be between 100 and 599"}
	}
	if !e.Severity.valid() {
		return &ValidationError{Field: "severity", Msg: "must be one of critical, high, medium, low"}
	}
	if len(e.Tags) > MaxTags {
		return &ValidationError{Field: "tags", Msg: fmt.Sprintf("must have at most %d tags", MaxTags)}
	}
	for _, t := range e.Tags {
		if len(t) > MaxTagLength {
			return &ValidationError{Field: "tags", Msg: fmt.Sprintf("each tag must be at most %d characters", MaxTagLength)}
		}
	}
	return nil
}

// UptimeCheck is one immutable probe outcome, mirroring `uptime_checks`.
type UptimeCheck struct {
	ID           uuid.UUID
	EndpointID   uuid.UUID
	EndpointName string
	Status       CheckStatus
	StatusCode   int
	ResponseTime float64 // milliseconds
	Timestamp    time.Time
	ErrorReason  string
}

// HourlyAggregate is one roll-up row over a truncated hour bucket.
type HourlyAggregate struct {
	EndpointID        uuid.UUID
	EndpointName      string
	HourStart         time.Time
	TotalChecks       int
	SuccessfulChecks  int
	FailedChecks      int
	AvgResponseTime   float64
	MinResponseTime   float64
	MaxResponseTime   float64
}

// DailyAggregate is one roll-up row over a truncated day bucket.
type DailyAggregate struct {
	EndpointID       uuid.UUID
	EndpointName     string
	DayStart         time.Time
	TotalChecks      int
	SuccessfulChecks int
	FailedChecks     int
	AvgResponseTime  float64
	MinResponseTime  float64
	MaxResponseTime  float64
	UptimePercentage float64
}

// UptimeStatistics is the derived, never-stored 24h rolling view spec.md
// §3/§4.3 describes. RecentChecks is time-descending, capped at 10.
type UptimeStatistics struct {
	EndpointID           uuid.UUID
	TotalChecks          int
	UptimePercentage     float64
	AvgResponseTime      float64
	LastCheck            *time.Time
	CurrentStatus        CheckStatus
	RecentChecks         []UptimeCheck
	ConsecutiveFailures  int
}

// ValidationError is returned for bad operator input; never retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

// NotFoundError is returned when a lookup by id fails.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ErrNameTaken is returned when a create/rename collides case-insensitively.
var ErrNameTaken = errors.New("name already in use")
