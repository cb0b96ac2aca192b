package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// endpointRow is the gorm-mapped row for the `endpoints` table (spec.md §6).
type endpointRow struct {
	ID             uuid.UUID      `gorm:"column:id;type:uuid;primaryKey"`
	Name           string         `gorm:"column:name;size:255;uniqueIndex"`
	URL            string         `gorm:"column:url"`
	CheckInterval  int            `gorm:"column:check_interval;check:check_interval >= 5"`
	Timeout        int            `gorm:"column:timeout;check:timeout >= 1"`
	ExpectedStatus int            `gorm:"column:expected_status;check:expected_status BETWEEN 100 AND 599"`
	Severity       string         `gorm:"column:severity;size:20"`
	Enabled        bool           `gorm:"column:enabled"`
	Tags           datatypes.JSON `gorm:"column:tags"`
	CreatedAt      time.Time      `gorm:"column:created_at"`
	UpdatedAt      time.Time      `gorm:"column:updated_at"`
}

func (endpointRow) TableName() string { return "endpoints" }

// checkRow is the gorm-mapped row for the append-only `uptime_checks` table.
type checkRow struct {
	ID           uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	EndpointID   uuid.UUID `gorm:"column:endpoint_id;type:uuid;index:idx_endpoint_ts"`
	EndpointName string    `gorm:"column:endpoint_name;size:255"`
	Status       string    `gorm:"column:status;size:10;index:idx_ts_status"`
	StatusCode   int       `gorm:"column:status_code"`
	ResponseTime float64   `gorm:"column:response_time"`
	Timestamp    time.Time `gorm:"column:timestamp;index:idx_endpoint_ts;index:idx_ts_status"`
	ErrorReason  string    `gorm:"column:error_reason"`
}

func (checkRow) TableName() string { return "uptime_checks" }

// hourlyAggregateRow mirrors `uptime_checks_hourly`.
type hourlyAggregateRow struct {
	ID               uint      `gorm:"column:id;primaryKey;autoIncrement"`
	EndpointID       uuid.UUID `gorm:"column:endpoint_id;type:uuid;uniqueIndex:idx_hourly_bucket"`
	EndpointName     string    `gorm:"column:endpoint_name;size:255"`
	HourStart        time.Time `gorm:"column:hour_start;uniqueIndex:idx_hourly_bucket"`
	TotalChecks      int       `gorm:"column:total_checks"`
	SuccessfulChecks int       `gorm:"column:successful_checks"`
	FailedChecks     int       `gorm:"column:failed_checks"`
	AvgResponseTime  float64   `gorm:"column:avg_response_time"`
	MinResponseTime  float64   `gorm:"column:min_response_time"`
	MaxResponseTime  float64   `gorm:"column:max_response_time"`
}

func (hourlyAggregateRow) TableName() string { return "uptime_checks_hourly" }

// dailyAggregateRow mirrors `uptime_checks_daily`.
type dailyAggregateRow struct {
	ID               uint      `gorm:"column:id;primaryKey;autoIncrement"`
	EndpointID       uuid.UUID `gorm:"column:endpoint_id;type:uuid;uniqueIndex:idx_daily_bucket"`
	EndpointName     string    `gorm:"column:endpoint_name;size:255"`
	DayStart         time.Time `gorm:"column:day_start;uniqueIndex:idx_daily_bucket"`
	TotalChecks      int       `gorm:"column:total_checks"`
	SuccessfulChecks int       `gorm:"column:successful_checks"`
	FailedChecks     int       `gorm:"column:failed_checks"`
	AvgResponseTime  float64   `gorm:"column:avg_response_time"`
	MinResponseTime  float64   `gorm:"column:min_response_time"`
	MaxResponseTime  float64   `gorm:"column:max_response_time"`
	UptimePercentage float64   `gorm:"column:uptime_percentage"`
}

func (dailyAggregateRow) TableName() string { return "uptime_checks_daily" }
