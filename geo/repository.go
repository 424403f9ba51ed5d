package geo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrAvailabilityNotFound is returned when a trucker has never saved a record.
var ErrAvailabilityNotFound = errors.New("geo: availability not found")

const availabilityColumns = `trucker_id, is_available, current_lat, current_lng, current_address,
       destination_lat, destination_lng, destination_address,
       available_pallets, vehicle_type, available_from, available_until, updated_at`

// PGRepository is the durable side of carrier availability: the upserted
// record plus the bounded spatial query. Live broadcasts are cosmetic overlay
// only; this repository is the authority.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Upsert creates or overwrites the trucker's single availability record.
func (r *PGRepository) Upsert(ctx context.Context, rec Availability) (Availability, error) {
	if rec.TruckerID == "" {
		return Availability{}, fmt.Errorf("geo: missing trucker id")
	}

	upsertSQL := `
		INSERT INTO trucker_availability
			(trucker_id, is_available, current_lat, current_lng, current_address,
			 destination_lat, destination_lng, destination_address,
			 available_pallets, vehicle_type, available_from, available_until, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, get_tx_timestamp())
		ON CONFLICT (trucker_id) DO UPDATE SET
			is_available = EXCLUDED.is_available,
			current_lat = EXCLUDED.current_lat,
			current_lng = EXCLUDED.current_lng,
			current_address = EXCLUDED.current_address,
			destination_lat = EXCLUDED.destination_lat,
			destination_lng = EXCLUDED.destination_lng,
			destination_address = EXCLUDED.destination_address,
			available_pallets = EXCLUDED.available_pallets,
			vehicle_type = EXCLUDED.vehicle_type,
			available_from = EXCLUDED.available_from,
			available_until = EXCLUDED.available_until,
			updated_at = get_tx_timestamp()
		RETURNING ` + availabilityColumns

	var curLat, curLng, dstLat, dstLng *float64
	if rec.Current != nil {
		curLat, curLng = &rec.Current.Lat, &rec.Current.Lng
	}
	if rec.Destination != nil {
		dstLat, dstLng = &rec.Destination.Lat, &rec.Destination.Lng
	}

	saved, err := scanAvailability(r.pool.QueryRow(ctx, upsertSQL,
		rec.TruckerID, rec.IsAvailable, curLat, curLng, rec.CurrentAddress,
		dstLat, dstLng, rec.DestinationAddress,
		rec.AvailablePallets, rec.VehicleType, rec.AvailableFrom, rec.AvailableUntil,
	))
	if err != nil {
		return Availability{}, fmt.Errorf("geo: upsert availability: %w", err)
	}
	return saved, nil
}

// UpdatePosition persists the latest tracked coordinate without touching the
// rest of the record. Used by the slow cadence of the tracking loop.
func (r *PGRepository) UpdatePosition(ctx context.Context, truckerID string, pos LatLng) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE trucker_availability
		SET current_lat = $2, current_lng = $3, updated_at = get_tx_timestamp()
		WHERE trucker_id = $1
	`, truckerID, pos.Lat, pos.Lng)
	if err != nil {
		return fmt.Errorf("geo: update position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAvailabilityNotFound
	}
	return nil
}

// Get returns the trucker's availability record.
func (r *PGRepository) Get(ctx context.Context, truckerID string) (Availability, error) {
	rec, err := scanAvailability(r.pool.QueryRow(ctx,
		`SELECT `+availabilityColumns+` FROM trucker_availability WHERE trucker_id = $1`, truckerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Availability{}, ErrAvailabilityNotFound
		}
		return Availability{}, fmt.Errorf("geo: get availability: %w", err)
	}
	return rec, nil
}

// QueryBounds returns every available carrier with a position inside the
// window, annotated with great-circle distance from the window center and
// sorted ascending, ties broken by trucker id. No matches is an empty result,
// not an error.
func (r *PGRepository) QueryBounds(ctx context.Context, b Bounds) ([]Snapshot, error) {
	query := `
		SELECT ` + availabilityColumns + `
		FROM trucker_availability
		WHERE is_available
		  AND current_lat IS NOT NULL
		  AND current_lng IS NOT NULL
		  AND current_lat BETWEEN $1 AND $2
		  AND current_lng BETWEEN $3 AND $4
	`

	rows, err := r.pool.Query(ctx, query, b.South, b.North, b.West, b.East)
	if err != nil {
		return nil, fmt.Errorf("geo: query bounds: %w", err)
	}
	defer rows.Close()

	center := b.Center()
	out := make([]Snapshot, 0, 16)
	for rows.Next() {
		rec, err := scanAvailability(rows)
		if err != nil {
			return nil, fmt.Errorf("geo: scan availability: %w", err)
		}
		out = append(out, Snapshot{
			Availability: rec,
			DistanceKM:   HaversineKM(center, *rec.Current),
			ObservedAt:   rec.UpdatedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("geo: iterate availability: %w", err)
	}

	SortByDistance(out)
	return out, nil
}

func scanAvailability(row pgx.Row) (Availability, error) {
	var (
		rec            Availability
		curLat, curLng *float64
		dstLat, dstLng *float64
	)
	err := row.Scan(
		&rec.TruckerID,
		&rec.IsAvailable,
		&curLat,
		&curLng,
		&rec.CurrentAddress,
		&dstLat,
		&dstLng,
		&rec.DestinationAddress,
		&rec.AvailablePallets,
		&rec.VehicleType,
		&rec.AvailableFrom,
		&rec.AvailableUntil,
		&rec.UpdatedAt,
	)
	if err != nil {
		return Availability{}, err
	}
	if curLat != nil && curLng != nil {
		rec.Current = &LatLng{Lat: *curLat, Lng: *curLng}
	}
	if dstLat != nil && dstLng != nil {
		rec.Destination = &LatLng{Lat: *dstLat, Lng: *dstLng}
	}
	return rec, nil
}
