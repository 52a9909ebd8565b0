package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/okian/iuuwatch/internal/domain/model"
)

const (
	driverName          = "pgx"
	defaultQueryTimeout = 5 * time.Second
	connMaxLifetime     = 30 * time.Minute
)

// OpenPostgres opens a pooled connection and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn string, maxOpen int) (*sql.DB, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen)
	}
	db.SetConnMaxLifetime(connMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// PostgresStore implements AlertStore and LicenceRegistry on Postgres.
type PostgresStore struct {
	db      *sql.DB
	timeout time.Duration

	// Inserts are serialised so ids become visible in id order and the
	// stream cursor never skips a row committed late.
	insertMu sync.Mutex
}

// NewPostgresStore wraps an open database.
func NewPostgresStore(db *sql.DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{db: db, timeout: defaultQueryTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Insert implements AlertStore.
func (s *PostgresStore) Insert(ctx context.Context, a model.Alert) (int64, bool, error) {
	if s == nil || s.db == nil {
		return 0, false, &model.SinkError{Op: "insert", Err: ErrNilDB}
	}
	if err := checkAlert(a); err != nil {
		return 0, false, &model.SinkError{Op: "insert", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.insertMu.Lock()
	defer s.insertMu.Unlock()

	var id int64
	err := s.db.QueryRowContext(ctx, `
INSERT INTO iuu_alerts (vessel_id, detected_at, lat, lon, probability)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (vessel_id, detected_at) DO NOTHING
RETURNING id`,
		a.VesselID, a.Timestamp.UTC(), a.Lat, a.Lon, a.Probability,
	).Scan(&id)
	switch {
	case err == nil:
		return id, true, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, false, &model.SinkError{Op: "insert", Err: err}
	}

	err = s.db.QueryRowContext(ctx, `
SELECT id FROM iuu_alerts
WHERE vessel_id = $1 AND detected_at = $2`,
		a.VesselID, a.Timestamp.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, false, &model.SinkError{Op: "insert", Err: fmt.Errorf("lookup existing alert: %w", err)}
	}
	return id, false, nil
}

// After implements AlertStore.
func (s *PostgresStore) After(ctx context.Context, cursor int64, limit int) ([]model.Alert, error) {
	if s == nil || s.db == nil {
		return nil, &model.SinkError{Op: "select", Err: ErrNilDB}
	}
	if err := checkLimit(limit); err != nil {
		return nil, &model.SinkError{Op: "select", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
SELECT id, vessel_id, detected_at, lat, lon, probability
FROM iuu_alerts
WHERE id > $1
ORDER BY id ASC
LIMIT $2`, cursor, limit)
	if err != nil {
		return nil, &model.SinkError{Op: "select", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, &model.SinkError{Op: "select", Err: err}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, &model.SinkError{Op: "select", Err: err}
	}
	return out, nil
}

// Count implements AlertStore.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, &model.SinkError{Op: "count", Err: ErrNilDB}
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM iuu_alerts`).Scan(&n); err != nil {
		return 0, &model.SinkError{Op: "count", Err: err}
	}
	return n, nil
}

// IsExempt implements LicenceRegistry.
func (s *PostgresStore) IsExempt(ctx context.Context, vesselID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrNilDB
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var exempt bool
	err := s.db.QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM vessel_licences WHERE vessel_id = $1)`, vesselID).Scan(&exempt)
	if err != nil {
		return false, fmt.Errorf("licence lookup: %w", err)
	}
	return exempt, nil
}

// AddLicence registers an exempt vessel. Adding an existing vessel is a no-op.
func (s *PostgresStore) AddLicence(ctx context.Context, vesselID, licenceNo string) error {
	if s == nil || s.db == nil {
		return ErrNilDB
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
INSERT INTO vessel_licences (vessel_id, licence_no)
VALUES ($1, $2)
ON CONFLICT (vessel_id) DO NOTHING`, vesselID, nullableString(licenceNo))
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAlert(row scanner) (model.Alert, error) {
	var a model.Alert
	if err := row.Scan(&a.ID, &a.VesselID, &a.Timestamp, &a.Lat, &a.Lon, &a.Probability); err != nil {
		return model.Alert{}, err
	}
	a.Timestamp = a.Timestamp.UTC()
	return a, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
