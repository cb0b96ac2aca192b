// Package store is the thin typed wrapper over the SQL store described
// in spec.md §4.1/§6: CRUD for endpoints, append-only check inserts,
// windowed statistics reads, and upsert/delete for the hourly and daily
// aggregate tables. All writes are parameterized through gorm; the only
// SQL built from strings is Vacuum's, which formats a fixed list of
// table names into its statements.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"watchtower/internal/model"
)

// PoolConfig tunes the underlying database/sql pool. Spec §4.1 asks for
// a bounded pool of about 20 connections with idle/connection timeouts;
// acquisition must never deadlock a probe tick, so callers release on
// every exit path (gorm does this for us once a query/scan returns).
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    20,
		MaxIdleConns:    10,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnMaxLifetime: time.Hour,
	}
}

// StoreError wraps a transient or permanent database failure. Probe
// writes log it and keep going per spec §7; read failures return a
// zero value and log.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// Store is the Store Adapter (C1).
type Store struct {
	db *gorm.DB
}

// Open connects to a Postgres database using dsn and configures the
// connection pool, following gregyjames-NanoStatus/database.go's
// bootstrap-then-migrate shape, generalized from a single sqlite
// connection to a Postgres pool per spec.md §4.1.
func Open(dsn string, pool PoolConfig) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return newStore(db, pool)
}

func newStore(db *gorm.DB, pool PoolConfig) (*Store, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("acquire sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	sqlDB.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)

	if err := db.AutoMigrate(&endpointRow{}, &checkRow{}, &hourlyAggregateRow{}, &dailyAggregateRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info().Msg("[Store] database ready")
	return &Store{db: db}, nil
}

// DB exposes the underlying *gorm.DB for callers that need raw SQL
// access this adapter doesn't cover directly.
func (s *Store) DB() *gorm.DB { return s.db }

// Wrap adapts an already-open gorm connection, migrating it and
// applying pool settings exactly as Open does. Production code should
// use Open; Wrap exists for callers (and tests) that need a dialector
// other than Postgres, such as an in-memory sqlite connection.
func Wrap(db *gorm.DB, pool PoolConfig) (*Store, error) {
	return newStore(db, pool)
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- endpoint CRUD -------------------------------------------------------

// CreateEndpoint validates and inserts a new endpoint. Names are
// case-insensitively unique per spec.md §3.
func (s *Store) CreateEndpoint(ctx context.Context, e model.Endpoint) (model.Endpoint, error) {
	if err := e.Validate(); err != nil {
		return model.Endpoint{}, err
	}
	if taken, err := s.nameTaken(ctx, e.Name, uuid.Nil); err != nil {
		return model.Endpoint{}, &StoreError{Op: "CreateEndpoint", Err: err}
	} else if taken {
		return model.Endpoint{}, model.ErrNameTaken
	}

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now

	row, err := toRow(e)
	if err != nil {
		return model.Endpoint{}, &StoreError{Op: "CreateEndpoint", Err: err}
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return model.Endpoint{}, &StoreError{Op: "CreateEndpoint", Err: err}
	}
	return e, nil
}

// UpdateEndpoint applies a full replacement of the mutable fields.
// Callers (the engine) are responsible for notifying the scheduler
// afterwards; the store itself has no dependency on the scheduler.
func (s *Store) UpdateEndpoint(ctx context.Context, e model.Endpoint) (model.Endpoint, error) {
	if err := e.Validate(); err != nil {
		return model.Endpoint{}, err
	}
	existing, err := s.GetEndpoint(ctx, e.ID)
	if err != nil {
		return model.Endpoint{}, err
	}
	if !strings.EqualFold(existing.Name, e.Name) {
		if taken, err := s.nameTaken(ctx, e.Name, e.ID); err != nil {
			return model.Endpoint{}, &StoreError{Op: "UpdateEndpoint", Err: err}
		} else if taken {
			return model.Endpoint{}, model.ErrNameTaken
		}
	}
	e.CreatedAt = existing.CreatedAt
	e.UpdatedAt = time.Now().UTC()

	row, err := toRow(e)
	if err != nil {
		return model.Endpoint{}, &StoreError{Op: "UpdateEndpoint", Err: err}
	}
	if err := s.db.WithContext(ctx).Model(&endpointRow{}).Where("id = ?", e.ID).Updates(map[string]any{
		"name":            row.Name,
		"url":             row.URL,
		"check_interval":  row.CheckInterval,
		"timeout":         row.Timeout,
		"expected_status": row.ExpectedStatus,
		"severity":        row.Severity,
		"enabled":         row.Enabled,
		"tags":            row.Tags,
		"updated_at":      row.UpdatedAt,
	}).Error; err != nil {
		return model.Endpoint{}, &StoreError{Op: "UpdateEndpoint", Err: err}
	}
	return e, nil
}

// ToggleEndpoint flips the enabled flag and returns the updated record.
func (s *Store) ToggleEndpoint(ctx context.Context, id uuid.UUID, enabled bool) (model.Endpoint, error) {
	existing, err := s.GetEndpoint(ctx, id)
	if err != nil {
		return model.Endpoint{}, err
	}
	existing.Enabled = enabled
	return s.UpdateEndpoint(ctx, existing)
}

// DeleteEndpoint removes the endpoint and, in the same transaction, every
// row referencing it in the checks and aggregate tables (spec.md §6
// invariant I1: no orphaned check rows survive an endpoint's deletion).
// checkRow.EndpointID carries no gorm association or FK constraint, so
// AutoMigrate never creates a cascading foreign key; the cleanup has to
// happen here instead. Returns whether the endpoint row itself existed,
// so callers can distinguish 404 from success.
func (s *Store) DeleteEndpoint(ctx context.Context, id uuid.UUID) (bool, error) {
	var deleted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&endpointRow{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected > 0
		if !deleted {
			return nil
		}
		if err := tx.Where("endpoint_id = ?", id).Delete(&checkRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("endpoint_id = ?", id).Delete(&hourlyAggregateRow{}).Error; err != nil {
			return err
		}
		return tx.Where("endpoint_id = ?", id).Delete(&dailyAggregateRow{}).Error
	})
	if err != nil {
		return false, &StoreError{Op: "DeleteEndpoint", Err: err}
	}
	return deleted, nil
}

// GetEndpoint returns model.NotFoundError if id is unknown.
func (s *Store) GetEndpoint(ctx context.Context, id uuid.UUID) (model.Endpoint, error) {
	var row endpointRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Endpoint{}, &model.NotFoundError{Kind: "endpoint", ID: id.String()}
	}
	if err != nil {
		return model.Endpoint{}, &StoreError{Op: "GetEndpoint", Err: err}
	}
	return fromRow(row)
}

// ListEndpoints returns every endpoint, enabled or not.
func (s *Store) ListEndpoints(ctx context.Context) ([]model.Endpoint, error) {
	var rows []endpointRow
	if err := s.db.WithContext(ctx).Order("name asc").Find(&rows).Error; err != nil {
		log.Error().Err(err).Msg("[Store] ListEndpoints failed")
		return nil, &StoreError{Op: "ListEndpoints", Err: err}
	}
	return fromRows(rows)
}

// ListEnabledEndpoints returns only endpoints the scheduler should probe.
func (s *Store) ListEnabledEndpoints(ctx context.Context) ([]model.Endpoint, error) {
	var rows []endpointRow
	if err := s.db.WithContext(ctx).Where("enabled = ?", true).Order("name asc").Find(&rows).Error; err != nil {
		log.Error().Err(err).Msg("[Store] ListEnabledEndpoints failed")
		return nil, &StoreError{Op: "ListEnabledEndpoints", Err: err}
	}
	return fromRows(rows)
}

func (s *Store) nameTaken(ctx context.Context, name string, excludeID uuid.UUID) (bool, error) {
	var count int64
	q := s.db.WithContext(ctx).Model(&endpointRow{}).Where("LOWER(name) = LOWER(?)", name)
	if excludeID != uuid.Nil {
		q = q.Where("id <> ?", excludeID)
	}
	if err := q.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// --- checks ---------------------------------------------------------------

// InsertCheck appends one immutable probe outcome.
func (s *Store) InsertCheck(ctx context.Context, c model.UptimeCheck) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	row := checkRow{
		ID:           c.ID,
		EndpointID:   c.EndpointID,
		EndpointName: c.EndpointName,
		Status:       string(c.Status),
		StatusCode:   c.StatusCode,
		ResponseTime: c.ResponseTime,
		Timestamp:    c.Timestamp,
		ErrorReason:  c.ErrorReason,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return &StoreError{Op: "InsertCheck", Err: err}
	}
	return nil
}

// CheckCounts is the 24h UP/DOWN aggregate the Statistics Engine needs.
type CheckCounts struct {
	Total           int
	Up              int
	Down            int
	AvgResponseTime float64
}

// WindowCounts computes UP/DOWN totals and average response time for
// checks in [since, now] for one endpoint.
func (s *Store) WindowCounts(ctx context.Context, endpointID uuid.UUID, since, now time.Time) (CheckCounts, error) {
	var agg struct {
		Total   int64
		Up      int64
		Down    int64
		AvgResp float64
	}
	err := s.db.WithContext(ctx).Model(&checkRow{}).
		Select(`
			COUNT(*) as total,
			SUM(CASE WHEN status = 'UP' THEN 1 ELSE 0 END) as up,
			SUM(CASE WHEN status = 'DOWN' THEN 1 ELSE 0 END) as down,
			COALESCE(AVG(response_time), 0) as avg_resp
		`).
		Where("endpoint_id = ? AND timestamp >= ? AND timestamp <= ?", endpointID, since, now).
		Scan(&agg).Error
	if err != nil {
		return CheckCounts{}, &StoreError{Op: "WindowCounts", Err: err}
	}
	return CheckCounts{Total: int(agg.Total), Up: int(agg.Up), Down: int(agg.Down), AvgResponseTime: agg.AvgResp}, nil
}

// RecentChecks returns the most recent `limit` checks, newest first.
func (s *Store) RecentChecks(ctx context.Context, endpointID uuid.UUID, limit int) ([]model.UptimeCheck, error) {
	var rows []checkRow
	if err := s.db.WithContext(ctx).
		Where("endpoint_id = ?", endpointID).
		Order("timestamp desc").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, &StoreError{Op: "RecentChecks", Err: err}
	}
	out := make([]model.UptimeCheck, len(rows))
	for i, r := range rows {
		out[i] = fromCheckRow(r)
	}
	return out, nil
}

// DeleteChecksBefore deletes up to batchSize rows older than cutoff and
// returns how many were removed, for the Retention Job's batched delete
// step (spec §4.7 step 3).
func (s *Store) DeleteChecksBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	sub := s.db.WithContext(ctx).Model(&checkRow{}).Where("timestamp < ?", cutoff).Limit(batchSize).Select("id")
	res := s.db.WithContext(ctx).Where("id IN (?)", sub).Delete(&checkRow{})
	if res.Error != nil {
		return 0, &StoreError{Op: "DeleteChecksBefore", Err: res.Error}
	}
	return res.RowsAffected, nil
}

// --- aggregates -------------------------------------------------------------

// UpsertHourly writes one hourly bucket row, overwriting on conflict.
func (s *Store) UpsertHourly(ctx context.Context, a model.HourlyAggregate) error {
	row := hourlyAggregateRow{
		EndpointID:       a.EndpointID,
		EndpointName:     a.EndpointName,
		HourStart:        a.HourStart,
		TotalChecks:      a.TotalChecks,
		SuccessfulChecks: a.SuccessfulChecks,
		FailedChecks:     a.FailedChecks,
		AvgResponseTime:  a.AvgResponseTime,
		MinResponseTime:  a.MinResponseTime,
		MaxResponseTime:  a.MaxResponseTime,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "endpoint_id"}, {Name: "hour_start"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"endpoint_name", "total_checks", "successful_checks", "failed_checks",
			"avg_response_time", "min_response_time", "max_response_time",
		}),
	}).Create(&row).Error
	if err != nil {
		return &StoreError{Op: "UpsertHourly", Err: err}
	}
	return nil
}

// UpsertDaily writes one daily bucket row, overwriting on conflict.
func (s *Store) UpsertDaily(ctx context.Context, a model.DailyAggregate) error {
	row := dailyAggregateRow{
		EndpointID:       a.EndpointID,
		EndpointName:     a.EndpointName,
		DayStart:         a.DayStart,
		TotalChecks:      a.TotalChecks,
		SuccessfulChecks: a.SuccessfulChecks,
		FailedChecks:     a.FailedChecks,
		AvgResponseTime:  a.AvgResponseTime,
		MinResponseTime:  a.MinResponseTime,
		MaxResponseTime:  a.MaxResponseTime,
		UptimePercentage: a.UptimePercentage,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "endpoint_id"}, {Name: "day_start"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"endpoint_name", "total_checks", "successful_checks", "failed_checks",
			"avg_response_time", "min_response_time", "max_response_time", "uptime_percentage",
		}),
	}).Create(&row).Error
	if err != nil {
		return &StoreError{Op: "UpsertDaily", Err: err}
	}
	return nil
}

// SourceChecksForBucket returns raw checks in [bucketStart, bucketEnd) for
// one endpoint, used by the retention job to compute a roll-up bucket.
func (s *Store) SourceChecksForBucket(ctx context.Context, endpointID uuid.UUID, bucketStart, bucketEnd time.Time) ([]model.UptimeCheck, error) {
	var rows []checkRow
	if err := s.db.WithContext(ctx).
		Where("endpoint_id = ? AND timestamp >= ? AND timestamp < ?", endpointID, bucketStart, bucketEnd).
		Find(&rows).Error; err != nil {
		return nil, &StoreError{Op: "SourceChecksForBucket", Err: err}
	}
	out := make([]model.UptimeCheck, len(rows))
	for i, r := range rows {
		out[i] = fromCheckRow(r)
	}
	return out, nil
}

// DistinctEndpointsWithChecksInRange returns endpoint ids that have at
// least one raw check in [start, end), for the retention job to know
// which buckets to compute.
func (s *Store) DistinctEndpointsWithChecksInRange(ctx context.Context, start, end time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	if err := s.db.WithContext(ctx).Model(&checkRow{}).
		Where("timestamp >= ? AND timestamp < ?", start, end).
		Distinct().Pluck("endpoint_id", &ids).Error; err != nil {
		return nil, &StoreError{Op: "DistinctEndpointsWithChecksInRange", Err: err}
	}
	return ids, nil
}

// DeleteHourlyBefore deletes hourly aggregate rows older than cutoff.
func (s *Store) DeleteHourlyBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("hour_start < ?", cutoff).Delete(&hourlyAggregateRow{})
	if res.Error != nil {
		return 0, &StoreError{Op: "DeleteHourlyBefore", Err: res.Error}
	}
	return res.RowsAffected, nil
}

// DeleteDailyBefore deletes daily aggregate rows older than cutoff.
func (s *Store) DeleteDailyBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("day_start < ?", cutoff).Delete(&dailyAggregateRow{})
	if res.Error != nil {
		return 0, &StoreError{Op: "DeleteDailyBefore", Err: res.Error}
	}
	return res.RowsAffected, nil
}

// Vacuum runs a maintenance pass over the three time-series tables.
// Failure here is logged and swallowed per spec §4.7 step 5 — it is
// never allowed to fail the retention run.
func (s *Store) Vacuum(ctx context.Context) {
	sqlDB, err := s.db.DB()
	if err != nil {
		log.Warn().Err(err).Msg("[Store] vacuum: could not acquire sql.DB")
		return
	}
	for _, table := range []string{"uptime_checks", "uptime_checks_hourly", "uptime_checks_daily"} {
		if _, err := sqlDB.ExecContext(ctx, fmt.Sprintf("VACUUM ANALYZE %s", table)); err != nil {
			log.Warn().Err(err).Str("table", table).Msg("[Store] vacuum failed, continuing")
		}
	}
}

// --- row <-> model conversions ---------------------------------------------

func toRow(e model.Endpoint) (endpointRow, error) {
	tagsJSON, err := json.Marshal(e.Tags)
	if err != nil {
		return endpointRow{}, err
	}
	return endpointRow{
		ID:             e.ID,
		Name:           e.Name,
		URL:            e.URL,
		CheckInterval:  e.CheckInterval,
		Timeout:        e.Timeout,
		ExpectedStatus: e.ExpectedStatus,
		Severity:       string(e.Severity),
		Enabled:        e.Enabled,
		Tags:           tagsJSON,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}, nil
}

func fromRow(r endpointRow) (model.Endpoint, error) {
	var tags []string
	if len(r.Tags) > 0 {
		if err := json.Unmarshal(r.Tags, &tags); err != nil {
			return model.Endpoint{}, err
		}
	}
	return model.Endpoint{
		ID:             r.ID,
		Name:           r.Name,
		URL:            r.URL,
		CheckInterval:  r.CheckInterval,
		Timeout:        r.Timeout,
		ExpectedStatus: r.ExpectedStatus,
		Severity:       model.Severity(r.Severity),
		Enabled:        r.Enabled,
		Tags:           tags,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}, nil
}

func fromRows(rows []endpointRow) ([]model.Endpoint, error) {
	out := make([]model.Endpoint, 0, len(rows))
	for _, r := range rows {
		e, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func fromCheckRow(r checkRow) model.UptimeCheck {
	return model.UptimeCheck{
		ID:           r.ID,
		EndpointID:   r.EndpointID,
		EndpointName: r.EndpointName,
		Status:       model.CheckStatus(r.Status),
		StatusCode:   r.StatusCode,
		ResponseTime: r.ResponseTime,
		Timestamp:    r.Timestamp,
		ErrorReason:  r.ErrorReason,
	}
}
