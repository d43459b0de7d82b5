// Package postgres stores event envelopes in the event_outbox table.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"medliq-cloud/internal/events"
)

// OutboxStore is a Postgres implementation for outbox records.
type OutboxStore struct {
	db *sql.DB
}

// NewOutboxStore constructs an outbox store.
func NewOutboxStore(db *sql.DB) (*OutboxStore, error) {
	if db == nil {
		return nil, errors.New("outbox store: nil db")
	}
	return &OutboxStore{db: db}, nil
}

// Insert writes an envelope to the outbox. Re-inserting the same event id
// is a no-op.
func (s *OutboxStore) Insert(ctx context.Context, env events.Envelope) (string, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	id := "outbox-" + uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO event_outbox (id, event_id, event_type, payload, status, attempts)
VALUES ($1, $2, $3, $4, 'pending', 0)
ON CONFLICT (event_id) DO NOTHING`,
		id, env.EventID, env.EventType, payload)
	if err != nil {
		return "", err
	}
	return id, nil
}

// ListPending returns deliverable records, oldest first.
func (s *OutboxStore) ListPending(ctx context.Context, limit, maxAttempts int) ([]events.OutboxRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, attempts, payload
FROM event_outbox
WHERE status = 'pending' OR (status = 'failed' AND attempts < $2)
ORDER BY created_at ASC, id ASC
LIMIT $1`, limit, maxAttempts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []events.OutboxRecord
	for rows.Next() {
		var (
			record  events.OutboxRecord
			payload []byte
		)
		if err := rows.Scan(&record.ID, &record.Attempts, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &record.Envelope); err != nil {
			return nil, err
		}
		result = append(result, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkSent marks an outbox record as sent.
func (s *OutboxStore) MarkSent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE event_outbox
SET status = 'sent', sent_at = $1
WHERE id = $2`, time.Now().UTC(), id)
	return err
}

// MarkFailed marks an outbox record as failed and increments attempts.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE event_outbox
SET status = 'failed', attempts = attempts + 1, last_error = $2
WHERE id = $1`, id, msg)
	return err
}
