package cockroach

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"campushub-realtime/internal/domain"
)

// CallRepository persists finished calls for history queries. Live call
// state never touches this table; only terminal records are written.
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// Record upserts a terminal call record. Re-recording the same call keeps
// the row with the highest sequence number.
func (r *CallRepository) Record(ctx context.Context, rec domain.CallRecord) error {
	if !rec.Status.Terminal() {
		return fmt.Errorf("refusing to record non-terminal call %s in status %s", rec.ID, rec.Status)
	}

	query := `
		INSERT INTO call_history (
			call_id, initiator_id, recipient_id, call_type, status,
			seq, started_at, ended_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (call_id) DO UPDATE
		SET status = EXCLUDED.status,
		    seq = EXCLUDED.seq,
		    ended_at = EXCLUDED.ended_at
		WHERE call_history.seq < EXCLUDED.seq
	`

	_, err := r.pool.Exec(ctx, query,
		rec.ID,
		rec.InitiatorID,
		rec.RecipientID,
		rec.Type,
		rec.Status,
		rec.Seq,
		rec.CreatedAt,
		rec.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record call: %w", err)
	}

	return nil
}

// GetByID retrieves one recorded call
func (r *CallRepository) GetByID(ctx context.Context, callID string) (*domain.CallRecord, error) {
	query := `
		SELECT call_id, initiator_id, recipient_id, call_type, status,
		       seq, started_at, ended_at
		FROM call_history
		WHERE call_id = $1
	`

	rec := &domain.CallRecord{}
	err := r.pool.QueryRow(ctx, query, callID).Scan(
		&rec.ID,
		&rec.InitiatorID,
		&rec.RecipientID,
		&rec.Type,
		&rec.Status,
		&rec.Seq,
		&rec.CreatedAt,
		&rec.EndedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("call not found")
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}

	return rec, nil
}

// ListForUser retrieves a user's call history, newest first
func (r *CallRepository) ListForUser(ctx context.Context, userID domain.UserID, limit, offset int) ([]*domain.CallRecord, error) {
	query := `
		SELECT call_id, initiator_id, recipient_id, call_type, status,
		       seq, started_at, ended_at
		FROM call_history
		WHERE initiator_id = $1 OR recipient_id = $1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	defer rows.Close()

	var recs []*domain.CallRecord
	for rows.Next() {
		rec := &domain.CallRecord{}
		if err := rows.Scan(
			&rec.ID,
			&rec.InitiatorID,
			&rec.RecipientID,
			&rec.Type,
			&rec.Status,
			&rec.Seq,
			&rec.CreatedAt,
			&rec.EndedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate calls: %w", err)
	}

	return recs, nil
}

// CountMissedForUser counts calls the user never answered since the cutoff.
// An answered call carries an accept write before its terminal one, so its
// final sequence number is at least 3; a call ended straight from pending
// stops at 2. A rejected call was answered, just declined.
func (r *CallRepository) CountMissedForUser(ctx context.Context, userID domain.UserID, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM call_history
		WHERE recipient_id = $1
		  AND status = 'ended'
		  AND seq = 2
		  AND started_at >= $2
	`

	var count int
	if err := r.pool.QueryRow(ctx, query, userID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count missed calls: %w", err)
	}

	return count, nil
}
