package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"drugstore-canary/internal/detect"
	"drugstore-canary/internal/sales"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when an alert id does not exist.
	ErrNotFound = errors.New("storage: alert not found")
)

const alertColumns = `id,
        zone_id,
        medicine_category,
        alert_level,
        anomaly_score,
        confidence,
        message,
        detected_at,
        observed_on,
        model_agreement,
        is_active,
        resolved_at`

const (
	listSalesSQL = `SELECT
        s.pharmacy_id,
        p.zone_id,
        s.medicine_category,
        s.sale_date,
        s.quantity_sold
    FROM pharmacy_sales s
    JOIN pharmacies p ON p.id = s.pharmacy_id
    WHERE p.zone_id = $1
      AND s.medicine_category = $2
      AND s.sale_date >= $3
      AND s.sale_date <= $4
    ORDER BY s.sale_date;`

	lockPairSQL = `SELECT pg_advisory_xact_lock(hashtext($1));`

	recentAlertExistsSQL = `SELECT EXISTS (
        SELECT 1 FROM alerts
        WHERE zone_id = $1
          AND medicine_category = $2
          AND detected_at >= $3
    );`

	insertAlertSQL = `INSERT INTO alerts (
        zone_id,
        medicine_category,
        alert_level,
        anomaly_score,
        confidence,
        message,
        detected_at,
        observed_on,
        model_agreement,
        is_active
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,TRUE
    )
    RETURNING ` + alertColumns + `;`

	getAlertSQL = `SELECT ` + alertColumns + `
    FROM alerts
    WHERE id = $1;`

	resolveAlertSQL = `UPDATE alerts
    SET is_active = FALSE,
        resolved_at = COALESCE(resolved_at, $2)
    WHERE id = $1;`

	resolveActiveBeforeSQL = `UPDATE alerts
    SET is_active = FALSE,
        resolved_at = $2
    WHERE is_active
      AND detected_at < $1;`

	listActiveAlertsSQL = `SELECT ` + alertColumns + `
    FROM alerts
    WHERE is_active
    ORDER BY detected_at DESC;`

	listRecentAlertsSQL = `SELECT ` + alertColumns + `
    FROM alerts
    ORDER BY detected_at DESC
    LIMIT $1;`

	upsertPharmacySQL = `INSERT INTO pharmacies (id, zone_id, name)
    VALUES ($1, $2, $3)
    ON CONFLICT (id) DO UPDATE
    SET zone_id = EXCLUDED.zone_id,
        name = EXCLUDED.name;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SalesStore reads and ingests raw pharmacy sales.
type SalesStore interface {
	sales.Source
	InsertSales(ctx context.Context, records []sales.Record) (int64, error)
}

// AlertStore persists alerts. CreateAlertIfQuiet is the atomic cooldown gate: it inserts alert
// only when no alert for the same pair was detected at or after since, and reports whether it did.
type AlertStore interface {
	CreateAlertIfQuiet(ctx context.Context, alert Alert, since time.Time) (Alert, bool, error)
	GetAlert(ctx context.Context, id int64) (Alert, error)
	ResolveAlert(ctx context.Context, id int64, at time.Time) (bool, error)
	ResolveActiveBefore(ctx context.Context, cutoff, at time.Time) (int64, error)
	ListActiveAlerts(ctx context.Context) ([]Alert, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]Alert, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Repository is everything the service layer needs from persistence.
type Repository interface {
	SalesStore
	AlertStore
	AdvisoryLocker
	Close()
}

// Pool is the subset of pgxpool.Pool the store relies on.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
	Close()
}

// Store is the PostgreSQL-backed Repository.
type Store struct {
	pool Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a session advisory lock and returns a release func.
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
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// ListSales returns the sales of every pharmacy in zoneID for category on days in [from, to].
func (s *Store) ListSales(ctx context.Context, zoneID, category string, from, to time.Time) ([]sales.Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listSalesSQL, zoneID, category, from, to)
	if err != nil {
		return nil, fmt.Errorf("list sales: %w", err)
	}
	defer rows.Close()

	records := make([]sales.Record, 0)
	for rows.Next() {
		var rec sales.Record
		if err := rows.Scan(&rec.PharmacyID, &rec.ZoneID, &rec.Category, &rec.Date, &rec.QuantitySold); err != nil {
			return nil, fmt.Errorf("scan sale: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sales: %w", err)
	}
	return records, nil
}

// InsertSales bulk loads records with COPY. Zone membership comes from the pharmacies table, so
// Record.ZoneID is not written.
func (s *Store) InsertSales(ctx context.Context, records []sales.Record) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	for _, rec := range records {
		if rec.QuantitySold < 0 {
			return 0, fmt.Errorf("%w: pharmacy %s sold %d", sales.ErrInvalidRecord, rec.PharmacyID, rec.QuantitySold)
		}
	}

	n, err := pool.CopyFrom(ctx,
		pgx.Identifier{"pharmacy_sales"},
		[]string{"pharmacy_id", "medicine_category", "sale_date", "quantity_sold"},
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			rec := records[i]
			return []any{rec.PharmacyID, rec.Category, sales.Day(rec.Date), rec.QuantitySold}, nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("copy sales: %w", err)
	}
	return n, nil
}

// UpsertPharmacies registers pharmacies and their zone membership in one transaction.
func (s *Store) UpsertPharmacies(ctx context.Context, pharmacies []Pharmacy) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(pharmacies) == 0 {
		return nil
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert pharmacies: %w", err)
	}
	done := false
	defer func() {
		if !done {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, p := range pharmacies {
		if _, err := tx.Exec(ctx, upsertPharmacySQL, p.ID, p.ZoneID, p.Name); err != nil {
			return fmt.Errorf("upsert pharmacy %s: %w", p.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert pharmacies: %w", err)
	}
	done = true
	return nil
}

// CreateAlertIfQuiet serializes creators of the same pair on a transaction-scoped advisory lock,
// then inserts the alert unless one was detected at or after since.
func (s *Store) CreateAlertIfQuiet(ctx context.Context, alert Alert, since time.Time) (Alert, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return Alert{}, false, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return Alert{}, false, fmt.Errorf("begin alert tx: %w", err)
	}
	done := false
	defer func() {
		if !done {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, lockPairSQL, alert.PairKey()); err != nil {
		return Alert{}, false, fmt.Errorf("lock alert pair: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, recentAlertExistsSQL, alert.ZoneID, alert.Category, since).Scan(&exists); err != nil {
		return Alert{}, false, fmt.Errorf("check cooldown: %w", err)
	}
	if exists {
		done = true
		if err := tx.Commit(ctx); err != nil {
			return Alert{}, false, fmt.Errorf("commit alert tx: %w", err)
		}
		return Alert{}, false, nil
	}

	row := tx.QueryRow(ctx, insertAlertSQL,
		alert.ZoneID,
		alert.Category,
		string(alert.Level),
		alert.Score.String(),
		alert.Confidence.String(),
		alert.Message,
		alert.DetectedAt,
		alert.ObservedOn,
		alert.ModelAgreement,
	)
	created, err := scanAlert(row)
	if err != nil {
		return Alert{}, false, fmt.Errorf("insert alert: %w", err)
	}

	done = true
	if err := tx.Commit(ctx); err != nil {
		return Alert{}, false, fmt.Errorf("commit alert tx: %w", err)
	}
	return created, true, nil
}

// GetAlert loads one alert by id.
func (s *Store) GetAlert(ctx context.Context, id int64) (Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return Alert{}, err
	}
	alert, err := scanAlert(pool.QueryRow(ctx, getAlertSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Alert{}, ErrNotFound
	}
	if err != nil {
		return Alert{}, fmt.Errorf("get alert: %w", err)
	}
	return alert, nil
}

// ResolveAlert deactivates an alert. The first resolution time is kept if it was already
// resolved. It reports false when id does not exist.
func (s *Store) ResolveAlert(ctx context.Context, id int64, at time.Time) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, err := pool.Exec(ctx, resolveAlertSQL, id, at)
	if err != nil {
		return false, fmt.Errorf("resolve alert: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ResolveActiveBefore deactivates every active alert detected before cutoff.
func (s *Store) ResolveActiveBefore(ctx context.Context, cutoff, at time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, resolveActiveBeforeSQL, cutoff, at)
	if err != nil {
		return 0, fmt.Errorf("resolve stale alerts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListActiveAlerts lists active alerts, newest first.
func (s *Store) ListActiveAlerts(ctx context.Context) ([]Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listActiveAlertsSQL)
	if err != nil {
		return nil, fmt.Errorf("list active alerts: %w", err)
	}
	return collectAlerts(rows)
}

// ListRecentAlerts lists the most recent alerts regardless of state.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRecentAlertsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent alerts: %w", err)
	}
	return collectAlerts(rows)
}

func collectAlerts(rows pgx.Rows) ([]Alert, error) {
	defer rows.Close()
	alerts := make([]Alert, 0)
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return alerts, nil
}

func scanAlert(row pgx.Row) (Alert, error) {
	var (
		alert         Alert
		level         string
		scoreStr      string
		confidenceStr string
	)
	if err := row.Scan(
		&alert.ID,
		&alert.ZoneID,
		&alert.Category,
		&level,
		&scoreStr,
		&confidenceStr,
		&alert.Message,
		&alert.DetectedAt,
		&alert.ObservedOn,
		&alert.ModelAgreement,
		&alert.IsActive,
		&alert.ResolvedAt,
	); err != nil {
		return Alert{}, err
	}

	alert.Level = detect.Severity(level)

	var err error
	alert.Score, err = decimal.NewFromString(scoreStr)
	if err != nil {
		return Alert{}, fmt.Errorf("parse anomaly score: %w", err)
	}
	alert.Confidence, err = decimal.NewFromString(confidenceStr)
	if err != nil {
		return Alert{}, fmt.Errorf("parse confidence: %w", err)
	}
	return alert, nil
}

var _ Repository = (*Store)(nil)
