package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

//go:embed schema.sql
var schemaSQL string

const (
	insertAlertSQL = `INSERT INTO alert_events (
        id,
        source,
        symbol,
        kind,
        magnitude,
        threshold,
        baseline,
        current_value,
        window_seconds,
        interval_seconds,
        detected_at,
        delivered,
        delivery_error,
        simulated
    ) VALUES (
        $1,$2,$3,$4,$5::numeric,$6::numeric,$7::numeric,$8::numeric,$9,$10,$11,$12,$13,$14
    )
    ON CONFLICT (id) DO UPDATE
    SET delivered      = EXCLUDED.delivered,
        delivery_error = EXCLUDED.delivery_error
    RETURNING created_at;`

	selectAlertColumns = `SELECT
        id::text,
        source,
        symbol,
        kind,
        magnitude::text,
        threshold::text,
        baseline::text,
        current_value::text,
        window_seconds,
        interval_seconds,
        detected_at,
        delivered,
        delivery_error,
        simulated,
        created_at
    FROM alert_events`

	listRecentAlertsSQL = selectAlertColumns + `
    ORDER BY detected_at DESC
    LIMIT $1;`

	listAlertsBetweenSQL = selectAlertColumns + `
    WHERE detected_at >= $1
      AND detected_at < $2
    ORDER BY detected_at
    LIMIT $3;`

	countAlertsSQL = `SELECT COUNT(*) FROM alert_events;`

	deleteAlertsBeforeSQL = `DELETE FROM alert_events WHERE detected_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AlertStore journals emitted alerts.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	ListAlertsBetween(ctx context.Context, from, to time.Time, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the pgx backed journal.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the journal table and indexes when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
// The lock lives on a dedicated connection held until unlock is called.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// A failed unlock leaves the session lock held; drop the connection so it is released.
			conn.Conn().Close(ctxUnlock) //nolint:errcheck
		}
		conn.Release()
	}
	return unlock, true, nil
}

// InsertAlert journals an alert. Re-inserting the same id only refreshes the delivery outcome.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	var deliveryErr interface{}
	if alert.DeliveryError != nil {
		deliveryErr = *alert.DeliveryError
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.ID.String(),
		alert.Source,
		alert.Symbol,
		alert.Kind,
		alert.Magnitude.String(),
		alert.Threshold.String(),
		alert.Baseline.String(),
		alert.Current.String(),
		int64(alert.Window/time.Second),
		int64(alert.Interval/time.Second),
		alert.DetectedAt,
		alert.Delivered,
		deliveryErr,
		alert.Simulated,
	)
	if err := row.Scan(&alert.CreatedAt); err != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", err)
	}
	return alert, nil
}

// ListRecentAlerts lists the newest alerts first.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listRecentAlertsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent alerts: %w", err)
	}
	return collectAlerts(rows, limit)
}

// ListAlertsBetween lists alerts detected in [from, to) in chronological order.
func (s *Store) ListAlertsBetween(ctx context.Context, from, to time.Time, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listAlertsBetweenSQL, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts between: %w", err)
	}
	return collectAlerts(rows, limit)
}

// CountAlerts counts journaled alerts.
func (s *Store) CountAlerts(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if err := pool.QueryRow(ctx, countAlertsSQL).Scan(&count); err != nil {
		return 0, fmt.Errorf("count alerts: %w", err)
	}
	return count, nil
}

// DeleteAlertsBefore applies retention and returns the number of removed rows.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete alerts before: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectAlerts(rows pgx.Rows, capacity int) ([]AlertRecord, error) {
	defer rows.Close()

	if capacity < 0 {
		capacity = 0
	}
	alerts := make([]AlertRecord, 0, capacity)
	for rows.Next() {
		rec, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return alerts, nil
}

func scanAlert(rows pgx.Rows) (AlertRecord, error) {
	var (
		rec             AlertRecord
		idStr           string
		magnitudeStr    string
		thresholdStr    string
		baselineStr     string
		currentStr      string
		windowSeconds   int64
		intervalSeconds int64
		deliveryErr     sql.NullString
	)

	if err := rows.Scan(
		&idStr,
		&rec.Source,
		&rec.Symbol,
		&rec.Kind,
		&magnitudeStr,
		&thresholdStr,
		&baselineStr,
		&currentStr,
		&windowSeconds,
		&intervalSeconds,
		&rec.DetectedAt,
		&rec.Delivered,
		&deliveryErr,
		&rec.Simulated,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return AlertRecord{}, fmt.Errorf("parse alert id: %w", err)
	}
	rec.ID = id

	for _, f := range []struct {
		name string
		src  string
		dst  *decimal.Decimal
	}{
		{"magnitude", magnitudeStr, &rec.Magnitude},
		{"threshold", thresholdStr, &rec.Threshold},
		{"baseline", baselineStr, &rec.Baseline},
		{"current", currentStr, &rec.Current},
	} {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return AlertRecord{}, fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = v
	}

	rec.Window = time.Duration(windowSeconds) * time.Second
	rec.Interval = time.Duration(intervalSeconds) * time.Second
	if deliveryErr.Valid {
		msg := deliveryErr.String
		rec.DeliveryError = &msg
	}
	return rec, nil
}

var (
	_ AlertStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
