package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"qline/queue-service/internal/models"
	"qline/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type eventPayload struct {
	Entry          *models.Entry   `json:"entry,omitempty"`
	Counter        *models.Counter `json:"counter,omitempty"`
	PositionsAhead *int            `json:"positions_ahead,omitempty"`
}

func entryPayload(entry models.Entry, counter *models.Counter) eventPayload {
	return eventPayload{Entry: &entry, Counter: counter}
}

func nearTurnPayload(entry models.Entry) eventPayload {
	ahead := entry.Position - 1
	return eventPayload{Entry: &entry, PositionsAhead: &ahead}
}

func counterPayload(counter models.Counter) eventPayload {
	return eventPayload{Counter: &counter}
}

// insertOutboxEvent records an event in the same transaction as the state
// change it describes. Consumers poll the table; nothing is published
// until the transaction commits.
func insertOutboxEvent(ctx context.Context, tx pgx.Tx, businessID, eventType string, payload eventPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, business_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), businessID, eventType, body, time.Now().UTC())
	return err
}

func (s *Store) ListOutboxEvents(ctx context.Context, businessID string, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = s.outboxLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, business_id, event_type, payload, created_at
		FROM outbox_events
		WHERE business_id = $1 AND created_at > $2
		ORDER BY created_at ASC, event_id ASC
		LIMIT $3
	`, businessID, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (s *Store) ListOutboxEventsAfter(ctx context.Context, offset store.Offset, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = s.outboxLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, business_id, event_type, payload, created_at
		FROM outbox_events
		WHERE (created_at, event_id) > ($1, $2)
		ORDER BY created_at ASC, event_id ASC
		LIMIT $3
	`, offset.LastEventTime, offset.LastEventID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func collectEvents(rows pgx.Rows) ([]store.OutboxEvent, error) {
	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.BusinessID, &event.Type,
			&event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) GetOffset(ctx context.Context, consumer string) (store.Offset, error) {
	var offset store.Offset
	row := s.pool.QueryRow(ctx, `
		SELECT last_event_time, last_event_id FROM consumer_offsets WHERE consumer = $1
	`, consumer)
	if err := row.Scan(&offset.LastEventTime, &offset.LastEventID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Offset{}, nil
		}
		return store.Offset{}, err
	}
	return offset, nil
}

func (s *Store) UpdateOffset(ctx context.Context, consumer string, offset store.Offset) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO consumer_offsets (consumer, last_event_time, last_event_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (consumer)
		DO UPDATE SET last_event_time = EXCLUDED.last_event_time, last_event_id = EXCLUDED.last_event_id
	`, consumer, offset.LastEventTime, offset.LastEventID)
	return err
}
