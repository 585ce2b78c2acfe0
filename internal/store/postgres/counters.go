package postgres

import (
	"context"
	"time"

	"qline/queue-service/internal/models"
	"qline/queue-service/internal/store"

	"github.com/jackc/pgx/v5"
)

func (s *Store) ListCounters(ctx context.Context, businessID string) ([]models.Counter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+counterColumns+`
		FROM counters
		WHERE business_id = $1 AND active = TRUE
		ORDER BY number ASC
	`, businessID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counters []models.Counter
	for rows.Next() {
		counter, err := scanCounter(rows)
		if err != nil {
			return nil, err
		}
		counters = append(counters, counter)
	}
	return counters, rows.Err()
}

// UpdateCounterStatus switches a counter between active, inactive and
// break. Busy is owned by the call flow and cannot be set here.
func (s *Store) UpdateCounterStatus(ctx context.Context, input store.CounterActionInput) (models.Counter, error) {
	if input.Status == models.CounterBusy || !models.ValidCounterStatus(input.Status) {
		return models.Counter{}, store.ErrInvalidState
	}
	if input.Status == models.CounterBreak {
		return s.StartBreak(ctx, input)
	}

	return s.withCounterTx(ctx, input, func(ctx context.Context, tx pgx.Tx, current models.Counter) (models.Counter, string, error) {
		if current.CurrentEntryID != nil {
			return models.Counter{}, "", store.ErrCounterBusy
		}
		row := tx.QueryRow(ctx, `
			UPDATE counters
			SET status = $1, next_available_at = NULL
			WHERE counter_id = $2 AND business_id = $3
			RETURNING `+counterColumns,
			input.Status, input.CounterID, input.BusinessID)
		updated, err := scanCounter(row)
		return updated, store.EventCounterStatusChanged, err
	})
}

func (s *Store) StartBreak(ctx context.Context, input store.CounterActionInput) (models.Counter, error) {
	return s.withCounterTx(ctx, input, func(ctx context.Context, tx pgx.Tx, current models.Counter) (models.Counter, string, error) {
		if current.CurrentEntryID != nil {
			return models.Counter{}, "", store.ErrCounterBusy
		}
		duration := input.DurationMinutes
		if duration <= 0 {
			duration = current.BreakMinutes
		}
		if duration <= 0 {
			duration = models.DefaultBreakMinutes
		}
		startedAt := input.OccurredAt
		if startedAt.IsZero() {
			startedAt = time.Now().UTC()
		}
		row := tx.QueryRow(ctx, `
			UPDATE counters
			SET status = $1, break_minutes = $2, next_available_at = $3
			WHERE counter_id = $4 AND business_id = $5
			RETURNING `+counterColumns,
			models.CounterBreak, duration, startedAt.Add(time.Duration(duration)*time.Minute),
			input.CounterID, input.BusinessID)
		updated, err := scanCounter(row)
		return updated, store.EventCounterBreakStarted, err
	})
}

func (s *Store) EndBreak(ctx context.Context, input store.CounterActionInput) (models.Counter, error) {
	return s.withCounterTx(ctx, input, func(ctx context.Context, tx pgx.Tx, current models.Counter) (models.Counter, string, error) {
		if current.Status != models.CounterBreak {
			return models.Counter{}, "", store.ErrInvalidState
		}
		row := tx.QueryRow(ctx, `
			UPDATE counters
			SET status = $1, next_available_at = NULL
			WHERE counter_id = $2 AND business_id = $3
			RETURNING `+counterColumns,
			models.CounterActive, input.CounterID, input.BusinessID)
		updated, err := scanCounter(row)
		return updated, store.EventCounterBreakEnded, err
	})
}

// withCounterTx wraps the shared shape of counter mutations: lock the
// business then the counter, apply the change, recompute waiting
// estimates (the active counter count may have moved) and emit the event.
func (s *Store) withCounterTx(ctx context.Context, input store.CounterActionInput,
	apply func(ctx context.Context, tx pgx.Tx, current models.Counter) (models.Counter, string, error)) (models.Counter, error) {

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Counter{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	business, err := lockBusiness(ctx, tx, input.BusinessID)
	if err != nil {
		return models.Counter{}, err
	}
	current, err := lockCounter(ctx, tx, input.BusinessID, input.CounterID)
	if err != nil {
		return models.Counter{}, err
	}

	updated, eventType, err := apply(ctx, tx, current)
	if err != nil {
		return models.Counter{}, err
	}

	if _, err = s.recomputePositions(ctx, tx, business, ""); err != nil {
		return models.Counter{}, err
	}
	if err = insertOutboxEvent(ctx, tx, updated.BusinessID, eventType, counterPayload(updated)); err != nil {
		return models.Counter{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Counter{}, err
	}
	return updated, nil
}
