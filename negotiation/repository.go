package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"freightmatch/chat"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const negotiationColumns = `id, shipment_id, company_id, trucker_id, status::text, current_price,
       proposed_by, expires_at, accepted_at, rejected_at, version, created_at, updated_at`

// Repository is the PostgreSQL persistence for negotiations, their event log,
// and the projected messages. Transition writes take an explicit pgx.Tx so the
// state mutation, event append, and message append commit as one unit.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get loads a negotiation outside any transaction.
func (r *Repository) Get(ctx context.Context, id string) (Negotiation, error) {
	return scanNegotiationRow(r.pool.QueryRow(ctx, `SELECT `+negotiationColumns+` FROM negotiations WHERE id = $1`, id))
}

// GetTx loads a negotiation inside the caller's transaction.
func (r *Repository) GetTx(ctx context.Context, tx pgx.Tx, id string) (Negotiation, error) {
	return scanNegotiationRow(tx.QueryRow(ctx, `SELECT `+negotiationColumns+` FROM negotiations WHERE id = $1`, id))
}

// CreateParams enumerates the fields for opening a negotiation.
type CreateParams struct {
	ShipmentID string
	CompanyID  string
	TruckerID  string
	ExpiresAt  *time.Time
}

// CreateIfAbsent opens a negotiation for a (shipment, trucker) pair, or
// returns the existing one: the pair invariant makes creation idempotent.
// A fresh record starts at initiated with a creation event and a system
// message appended in the same transaction.
func (r *Repository) CreateIfAbsent(ctx context.Context, tx pgx.Tx, params CreateParams) (Negotiation, bool, error) {
	if params.ShipmentID == "" || params.CompanyID == "" || params.TruckerID == "" {
		return Negotiation{}, false, fmt.Errorf("negotiation: missing create params")
	}

	existingSQL := `SELECT ` + negotiationColumns + ` FROM negotiations WHERE shipment_id = $1 AND trucker_id = $2`
	switch existing, err := scanNegotiationRow(tx.QueryRow(ctx, existingSQL, params.ShipmentID, params.TruckerID)); {
	case err == nil:
		return existing, false, nil
	case errors.Is(err, ErrNotFound):
		// continue with insert
	default:
		return Negotiation{}, false, fmt.Errorf("negotiation: check existing: %w", err)
	}

	insertSQL := `
		INSERT INTO negotiations (shipment_id, company_id, trucker_id, status, expires_at)
		VALUES ($1, $2, $3, 'initiated', $4)
		RETURNING ` + negotiationColumns

	rec, err := scanNegotiationRow(tx.QueryRow(ctx, insertSQL,
		params.ShipmentID, params.CompanyID, params.TruckerID, params.ExpiresAt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// a concurrent create won the pair; the aborted tx cannot re-read,
			// so the caller retries and finds the existing row
			return Negotiation{}, false, ErrVersionConflict
		}
		return Negotiation{}, false, fmt.Errorf("negotiation: insert: %w", err)
	}

	evt, err := r.AppendEvent(ctx, tx, AppendEventParams{
		NegotiationID: rec.ID,
		Kind:          EventCreated,
		FromStatus:    StatusInitiated,
		ToStatus:      StatusInitiated,
		Metadata:      map[string]any{"shipment_id": rec.ShipmentID},
	})
	if err != nil {
		return Negotiation{}, false, err
	}

	if _, err := r.AppendMessage(ctx, tx, AppendMessageParams{
		NegotiationID: rec.ID,
		Content:       "Negotiation started",
		Kind:          chat.KindSystem,
		EventID:       &evt.ID,
	}); err != nil {
		return Negotiation{}, false, err
	}

	return rec, true, nil
}

// UpdateStateParams describes one guarded state mutation.
type UpdateStateParams struct {
	NegotiationID   string
	ExpectedVersion int
	ToStatus        Status
	// Price and ProposedBy overwrite the current values when non-nil and are
	// otherwise preserved.
	Price         *float64
	ProposedBy    *string
	SetAcceptedAt bool
	SetRejectedAt bool
}

// UpdateState applies a transition with a compare-and-swap on the version
// column. A stale expected version yields ErrVersionConflict without touching
// the row.
func (r *Repository) UpdateState(ctx context.Context, tx pgx.Tx, params UpdateStateParams) (Negotiation, error) {
	updateSQL := `
		UPDATE negotiations
		SET status = $3::negotiation_status,
		    current_price = COALESCE($4, current_price),
		    proposed_by = COALESCE($5, proposed_by),
		    accepted_at = CASE WHEN $6 THEN get_tx_timestamp() ELSE accepted_at END,
		    rejected_at = CASE WHEN $7 THEN get_tx_timestamp() ELSE rejected_at END,
		    version = version + 1,
		    updated_at = get_tx_timestamp()
		WHERE id = $1 AND version = $2
		RETURNING ` + negotiationColumns

	rec, err := scanNegotiationRow(tx.QueryRow(ctx, updateSQL,
		params.NegotiationID,
		params.ExpectedVersion,
		params.ToStatus,
		params.Price,
		params.ProposedBy,
		params.SetAcceptedAt,
		params.SetRejectedAt,
	))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Negotiation{}, fmt.Errorf("negotiation: update state: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM negotiations WHERE id = $1)`, params.NegotiationID).Scan(&exists); err != nil {
		return Negotiation{}, fmt.Errorf("negotiation: check existence: %w", err)
	}
	if exists {
		return Negotiation{}, ErrVersionConflict
	}
	return Negotiation{}, ErrNotFound
}

// AppendEventParams enumerates the fields of one event-log row.
type AppendEventParams struct {
	NegotiationID string
	Kind          EventKind
	FromStatus    Status
	ToStatus      Status
	Price         *float64
	ActorID       *string
	Metadata      map[string]any
}

// AppendEvent writes one immutable row to the negotiation's event log. It is
// only ever called inside the transaction of the owning transition.
func (r *Repository) AppendEvent(ctx context.Context, tx pgx.Tx, params AppendEventParams) (Event, error) {
	metadata := params.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	body, err := json.Marshal(metadata)
	if err != nil {
		return Event{}, fmt.Errorf("negotiation: marshal event metadata: %w", err)
	}

	const insertSQL = `
		INSERT INTO negotiation_events (negotiation_id, event_type, from_status, to_status, price, actor_id, metadata)
		VALUES ($1, $2, $3::negotiation_status, $4::negotiation_status, $5, $6, $7::jsonb)
		RETURNING id, created_at
	`

	evt := Event{
		NegotiationID: params.NegotiationID,
		Kind:          params.Kind,
		FromStatus:    params.FromStatus,
		ToStatus:      params.ToStatus,
		Price:         params.Price,
		ActorID:       params.ActorID,
		Metadata:      metadata,
	}
	if err := tx.QueryRow(ctx, insertSQL,
		params.NegotiationID,
		params.Kind,
		params.FromStatus,
		params.ToStatus,
		params.Price,
		params.ActorID,
		body,
	).Scan(&evt.ID, &evt.CreatedAt); err != nil {
		return Event{}, fmt.Errorf("negotiation: insert event: %w", err)
	}
	return evt, nil
}

// AppendMessageParams enumerates the fields of one projected message.
type AppendMessageParams struct {
	NegotiationID string
	SenderID      *string
	Content       string
	Kind          chat.Kind
	EventID       *string
}

// AppendMessage projects a transition into the negotiation's message stream
// inside the owning transaction.
func (r *Repository) AppendMessage(ctx context.Context, tx pgx.Tx, params AppendMessageParams) (chat.Message, error) {
	const insertSQL = `
		INSERT INTO messages (negotiation_id, sender_id, content, message_type, negotiation_event_id)
		VALUES ($1, $2, $3, $4::message_type, $5)
		RETURNING id, negotiation_id, sender_id, content, message_type::text, negotiation_event_id, is_read, created_at
	`

	var m chat.Message
	if err := tx.QueryRow(ctx, insertSQL,
		params.NegotiationID,
		params.SenderID,
		params.Content,
		params.Kind,
		params.EventID,
	).Scan(&m.ID, &m.NegotiationID, &m.SenderID, &m.Content, &m.Kind, &m.NegotiationEventID, &m.IsRead, &m.CreatedAt); err != nil {
		return chat.Message{}, fmt.Errorf("negotiation: insert projected message: %w", err)
	}
	return m, nil
}

// ListEvents returns the full event log for a negotiation, oldest first.
func (r *Repository) ListEvents(ctx context.Context, negotiationID string) ([]Event, error) {
	const query = `
		SELECT id, negotiation_id, event_type, from_status::text, to_status::text, price, actor_id, metadata, created_at
		FROM negotiation_events
		WHERE negotiation_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.pool.Query(ctx, query, negotiationID)
	if err != nil {
		return nil, fmt.Errorf("negotiation: list events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 8)
	for rows.Next() {
		var (
			evt  Event
			body []byte
		)
		if err := rows.Scan(&evt.ID, &evt.NegotiationID, &evt.Kind, &evt.FromStatus, &evt.ToStatus,
			&evt.Price, &evt.ActorID, &body, &evt.CreatedAt); err != nil {
			return nil, fmt.Errorf("negotiation: scan event: %w", err)
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &evt.Metadata); err != nil {
				return nil, fmt.Errorf("negotiation: decode event metadata: %w", err)
			}
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("negotiation: iterate events: %w", err)
	}
	return out, nil
}

// ListExpired returns open negotiations whose deadline has passed, oldest
// deadline first, for the background sweep.
func (r *Repository) ListExpired(ctx context.Context, now time.Time, limit int) ([]Negotiation, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + negotiationColumns + `
		FROM negotiations
		WHERE status IN ('initiated','proposed','counter_offered')
		  AND expires_at IS NOT NULL
		  AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("negotiation: list expired: %w", err)
	}
	defer rows.Close()

	out := make([]Negotiation, 0, 8)
	for rows.Next() {
		rec, err := scanNegotiation(rows)
		if err != nil {
			return nil, fmt.Errorf("negotiation: scan expired: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("negotiation: iterate expired: %w", err)
	}
	return out, nil
}

// ListForParty returns every negotiation the actor participates in, newest
// first.
func (r *Repository) ListForParty(ctx context.Context, actorID string) ([]Negotiation, error) {
	query := `
		SELECT ` + negotiationColumns + `
		FROM negotiations
		WHERE company_id = $1 OR trucker_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, actorID)
	if err != nil {
		return nil, fmt.Errorf("negotiation: list for party: %w", err)
	}
	defer rows.Close()

	out := make([]Negotiation, 0, 8)
	for rows.Next() {
		rec, err := scanNegotiation(rows)
		if err != nil {
			return nil, fmt.Errorf("negotiation: scan negotiation: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("negotiation: iterate negotiations: %w", err)
	}
	return out, nil
}

func scanNegotiation(row pgx.Row) (Negotiation, error) {
	var n Negotiation
	err := row.Scan(
		&n.ID,
		&n.ShipmentID,
		&n.CompanyID,
		&n.TruckerID,
		&n.Status,
		&n.CurrentPrice,
		&n.ProposedBy,
		&n.ExpiresAt,
		&n.AcceptedAt,
		&n.RejectedAt,
		&n.Version,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return Negotiation{}, err
	}
	return n, nil
}

func scanNegotiationRow(row pgx.Row) (Negotiation, error) {
	n, err := scanNegotiation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Negotiation{}, ErrNotFound
		}
		return Negotiation{}, err
	}
	return n, nil
}
