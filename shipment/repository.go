package shipment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no shipment exists for the identifier.
var ErrNotFound = errors.New("shipment: not found")

const shipmentColumns = `id, company_id, title, pallet_count, pickup_address, dropoff_address,
       budget_min, budget_max, status::text, created_at`

// PGRepository reads the shipment registry. The core never writes shipments.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Get returns one shipment summary.
func (r *PGRepository) Get(ctx context.Context, id string) (Shipment, error) {
	rec, err := scanShipment(r.pool.QueryRow(ctx,
		`SELECT `+shipmentColumns+` FROM shipments WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Shipment{}, ErrNotFound
		}
		return Shipment{}, fmt.Errorf("shipment: get: %w", err)
	}
	return rec, nil
}

// ListPosted returns shipments open for carrier interest, newest first.
func (r *PGRepository) ListPosted(ctx context.Context, limit int) ([]Shipment, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := `
		SELECT ` + shipmentColumns + `
		FROM shipments
		WHERE status = 'posted'
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("shipment: list posted: %w", err)
	}
	defer rows.Close()

	out := make([]Shipment, 0, limit)
	for rows.Next() {
		rec, err := scanShipment(rows)
		if err != nil {
			return nil, fmt.Errorf("shipment: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("shipment: iterate: %w", err)
	}
	return out, nil
}

func scanShipment(row pgx.Row) (Shipment, error) {
	var s Shipment
	err := row.Scan(
		&s.ID,
		&s.CompanyID,
		&s.Title,
		&s.PalletCount,
		&s.PickupAddress,
		&s.DropoffAddress,
		&s.BudgetMin,
		&s.BudgetMax,
		&s.Status,
		&s.CreatedAt,
	)
	if err != nil {
		return Shipment{}, err
	}
	return s, nil
}
