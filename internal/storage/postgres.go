package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the database and waits for it to answer, retrying a
// few times while it starts.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	for attempt := 1; ; attempt++ {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err = db.PingContext(pctx)
		cancel()
		if err == nil {
			return &PostgresStore{db: db}, nil
		}
		if attempt == 5 {
			db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
		}
	}
}

func (p *PostgresStore) SaveRequest(ctx context.Context, r models.RideRequest) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_requests(id, rider_id, pickup_lat, pickup_lon, dest_lat, dest_lon, service_class, state, agent_id, reason, created_at, deadline, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		r.ID, r.RiderID, r.Pickup.Lat, r.Pickup.Lon, r.Destination.Lat, r.Destination.Lon, r.Class, r.State,
		nullable(r.AgentID), nullable(r.Reason), r.CreatedAt, r.Deadline, r.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdateRequest(ctx context.Context, r models.RideRequest) error {
	res, err := p.db.ExecContext(ctx, `UPDATE ride_requests SET state=$1, agent_id=$2, reason=$3, updated_at=$4 WHERE id=$5`,
		r.State, nullable(r.AgentID), nullable(r.Reason), r.UpdatedAt, r.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (models.RideRequest, error) {
	var (
		r             models.RideRequest
		agent, reason sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `SELECT id, rider_id, pickup_lat, pickup_lon, dest_lat, dest_lon, service_class, state, agent_id, reason, created_at, deadline, updated_at
		FROM ride_requests WHERE id=$1`, id).
		Scan(&r.ID, &r.RiderID, &r.Pickup.Lat, &r.Pickup.Lon, &r.Destination.Lat, &r.Destination.Lon, &r.Class, &r.State,
			&agent, &reason, &r.CreatedAt, &r.Deadline, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RideRequest{}, ErrNotFound
	}
	if err != nil {
		return models.RideRequest{}, err
	}
	r.AgentID, r.Reason = agent.String, reason.String
	return r, nil
}

// SaveOffer records an offer the first time it is seen and its final
// outcome later. Writes may arrive out of order, so a resolved outcome is
// never overwritten.
func (p *PostgresStore) SaveOffer(ctx context.Context, o models.Offer) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO offers(id, request_id, agent_id, distance_km, issued_at, deadline, outcome)
		VALUES($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET outcome = EXCLUDED.outcome WHERE offers.outcome = 'pending'`,
		o.ID, o.RequestID, o.AgentID, o.DistanceKm, o.IssuedAt, o.Deadline, o.Outcome)
	return err
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
