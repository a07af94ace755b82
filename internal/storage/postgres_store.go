package storage

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres opens and pings the database.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) SaveRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(id, rider_id, captain_id, pickup_lat, pickup_lon, dest_lat, dest_lon, vehicle_class, fare_cents, status, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.RiderID, nullable(r.CaptainID), r.Pickup.Lat, r.Pickup.Lon, r.Destination.Lat, r.Destination.Lon,
		string(r.VehicleClass), r.FareCents, r.Status, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `UPDATE rides SET captain_id=$1, status=$2, updated_at=$3 WHERE id=$4`,
		nullable(r.CaptainID), r.Status, r.UpdatedAt, r.ID)
	return err
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
