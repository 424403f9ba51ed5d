package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotParticipant signals the sender is neither party of the negotiation.
	ErrNotParticipant = errors.New("chat: sender is not a participant")
	// ErrEmptyMessage signals a text append with no content.
	ErrEmptyMessage = errors.New("chat: empty message")
	// ErrNegotiationNotFound is returned when the negotiation does not exist.
	ErrNegotiationNotFound = errors.New("chat: negotiation not found")
)

const messageColumns = `id, negotiation_id, sender_id, content, message_type::text, negotiation_event_id, is_read, created_at`

// PGRepository implements message stream persistence backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// checkParticipant verifies the actor is one of the negotiation's two parties.
func (r *PGRepository) checkParticipant(ctx context.Context, negotiationID, actorID string) error {
	var companyID, truckerID string
	err := r.pool.QueryRow(ctx, `SELECT company_id, trucker_id FROM negotiations WHERE id = $1`, negotiationID).
		Scan(&companyID, &truckerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNegotiationNotFound
		}
		return fmt.Errorf("chat: load negotiation parties: %w", err)
	}
	if actorID != companyID && actorID != truckerID {
		return ErrNotParticipant
	}
	return nil
}

// AppendText inserts a user-authored text message after verifying the sender
// is one of the negotiation's two parties.
func (r *PGRepository) AppendText(ctx context.Context, negotiationID, senderID, content string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, ErrEmptyMessage
	}
	if err := r.checkParticipant(ctx, negotiationID, senderID); err != nil {
		return Message{}, err
	}

	insertSQL := `
		INSERT INTO messages (negotiation_id, sender_id, content, message_type)
		VALUES ($1, $2, $3, 'text')
		RETURNING ` + messageColumns

	msg, err := scanMessage(r.pool.QueryRow(ctx, insertSQL, negotiationID, senderID, content))
	if err != nil {
		return Message{}, fmt.Errorf("chat: append text: %w", err)
	}
	return msg, nil
}

// ListForNegotiation returns the full merged timeline, creation-time ascending.
func (r *PGRepository) ListForNegotiation(ctx context.Context, negotiationID string) ([]Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE negotiation_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.pool.Query(ctx, query, negotiationID)
	if err != nil {
		return nil, fmt.Errorf("chat: list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, 16)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("chat: scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat: iterate messages: %w", err)
	}
	return out, nil
}

// MarkRead flags every message addressed to the reader as read and reports how
// many rows changed. Messages the reader authored are left untouched. Only a
// participant of the negotiation may read its channel.
func (r *PGRepository) MarkRead(ctx context.Context, negotiationID, readerID string) (int64, error) {
	if err := r.checkParticipant(ctx, negotiationID, readerID); err != nil {
		return 0, err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE messages
		SET is_read = true
		WHERE negotiation_id = $1
		  AND NOT is_read
		  AND (sender_id IS NULL OR sender_id <> $2)
	`, negotiationID, readerID)
	if err != nil {
		return 0, fmt.Errorf("chat: mark read: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(
		&m.ID,
		&m.NegotiationID,
		&m.SenderID,
		&m.Content,
		&m.Kind,
		&m.NegotiationEventID,
		&m.IsRead,
		&m.CreatedAt,
	)
	if err != nil {
		return Message{}, err
	}
	return m, nil
}
