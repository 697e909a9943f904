package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertDecisionSQL = `INSERT INTO spend_decisions (
        decided_at,
        request_id,
        product_id,
        pool,
        amount,
        allowed,
        reason,
        day,
        meta
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    ) RETURNING id;`

	listDecisionsBetweenSQL = `SELECT
        id,
        decided_at,
        request_id,
        product_id,
        pool,
        amount,
        allowed,
        reason,
        day,
        meta,
        created_at
    FROM spend_decisions
    WHERE decided_at >= $1
      AND decided_at < $2
    ORDER BY decided_at;`

	listRecentDecisionsSQL = `SELECT
        id,
        decided_at,
        request_id,
        product_id,
        pool,
        amount,
        allowed,
        reason,
        day,
        meta,
        created_at
    FROM spend_decisions
    ORDER BY decided_at DESC
    LIMIT $1;`

	countDecisionsSQL = `SELECT COUNT(*) FROM spend_decisions;`

	insertTripSQL = `INSERT INTO safety_trips (
        tripped_at,
        source,
        scope,
        reason,
        detail
    ) VALUES (
        $1,$2,$3,$4,$5
    ) RETURNING id, tripped_at, source, scope, reason, detail, created_at;`

	listRecentTripsSQL = `SELECT
        id,
        tripped_at,
        source,
        scope,
        reason,
        detail,
        created_at
    FROM safety_trips
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteTripsBeforeSQL = `DELETE FROM safety_trips WHERE created_at < $1;`
)

// DecisionStore defines operations for the spend decision archive.
type DecisionStore interface {
	InsertDecision(ctx context.Context, rec DecisionRecord) (int64, error)
	ListDecisionsBetween(ctx context.Context, from, to time.Time) ([]DecisionRecord, error)
	ListRecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error)
	CountDecisions(ctx context.Context) (int64, error)
}

// TripStore defines operations for the safety trip archive.
type TripStore interface {
	InsertTrip(ctx context.Context, rec TripRecord) (TripRecord, error)
	ListRecentTrips(ctx context.Context, limit int) ([]TripRecord, error)
	DeleteTripsBefore(ctx context.Context, olderThan time.Time) error
}

// Store aggregates access to spend decisions and safety trips.
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

// InsertDecision archives a spend decision.
func (s *Store) InsertDecision(ctx context.Context, rec DecisionRecord) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	meta := rec.Meta
	if meta == nil {
		meta = json.RawMessage("{}")
	}

	var id int64
	scanErr := pool.QueryRow(ctx, insertDecisionSQL,
		rec.DecidedAt,
		rec.RequestID,
		rec.ProductID,
		rec.Pool,
		rec.Amount.String(),
		rec.Allowed,
		rec.Reason,
		rec.Day,
		[]byte(meta),
	).Scan(&id)
	if scanErr != nil {
		return 0, fmt.Errorf("insert decision: %w", scanErr)
	}
	return id, nil
}

// ListDecisionsBetween lists decisions within a time window.
func (s *Store) ListDecisionsBetween(ctx context.Context, from, to time.Time) ([]DecisionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listDecisionsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list decisions between: %w", queryErr)
	}
	defer rows.Close()

	return collectDecisions(rows, 0)
}

// ListRecentDecisions lists the most recent decisions, newest first.
func (s *Store) ListRecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentDecisionsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent decisions: %w", queryErr)
	}
	defer rows.Close()

	return collectDecisions(rows, limit)
}

// CountDecisions counts archived decisions.
func (s *Store) CountDecisions(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countDecisionsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count decisions: %w", scanErr)
	}
	return count, nil
}

// InsertTrip persists a safety trip.
func (s *Store) InsertTrip(ctx context.Context, rec TripRecord) (TripRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return TripRecord{}, err
	}

	detail := rec.Detail
	if detail == nil {
		detail = json.RawMessage("{}")
	}

	row := pool.QueryRow(ctx, insertTripSQL,
		rec.TrippedAt,
		rec.Source,
		rec.Scope,
		rec.Reason,
		[]byte(detail),
	)

	var out TripRecord
	if scanErr := row.Scan(
		&out.ID,
		&out.TrippedAt,
		&out.Source,
		&out.Scope,
		&out.Reason,
		&out.Detail,
		&out.CreatedAt,
	); scanErr != nil {
		return TripRecord{}, fmt.Errorf("insert trip: %w", scanErr)
	}
	return out, nil
}

// ListRecentTrips lists the most recent safety trips.
func (s *Store) ListRecentTrips(ctx context.Context, limit int) ([]TripRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentTripsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent trips: %w", queryErr)
	}
	defer rows.Close()

	trips := make([]TripRecord, 0, limit)
	for rows.Next() {
		var rec TripRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.TrippedAt,
			&rec.Source,
			&rec.Scope,
			&rec.Reason,
			&rec.Detail,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		trips = append(trips, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return trips, nil
}

// DeleteTripsBefore deletes historical trips.
func (s *Store) DeleteTripsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteTripsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete trips before: %w", execErr)
	}
	return nil
}

func collectDecisions(rows pgx.Rows, hint int) ([]DecisionRecord, error) {
	decisions := make([]DecisionRecord, 0, hint)
	for rows.Next() {
		rec, scanErr := scanDecision(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		decisions = append(decisions, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return decisions, nil
}

func scanDecision(rows pgx.Rows) (DecisionRecord, error) {
	var (
		rec       DecisionRecord
		amountStr string
		requestID sql.NullString
		productID sql.NullString
		meta      json.RawMessage
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.DecidedAt,
		&requestID,
		&productID,
		&rec.Pool,
		&amountStr,
		&rec.Allowed,
		&rec.Reason,
		&rec.Day,
		&meta,
		&rec.CreatedAt,
	); err != nil {
		return DecisionRecord{}, err
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return DecisionRecord{}, fmt.Errorf("parse amount: %w", err)
	}
	rec.Amount = amount
	rec.RequestID = requestID.String
	rec.ProductID = productID.String
	rec.Meta = meta

	return rec, nil
}
