package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"qline/queue-service/internal/models"
	"qline/queue-service/internal/store"

	"github.com/jackc/pgx/v5"
)

const counterColumns = `counter_id, business_id, name, number, service_type, status, active,
	current_entry_id, break_minutes, next_available_at`

func scanCounter(row rowScanner) (models.Counter, error) {
	var counter models.Counter
	var currentEntryNull sql.NullString
	var nextAvailableNull sql.NullTime
	if err := row.Scan(
		&counter.CounterID, &counter.BusinessID, &counter.Name, &counter.Number,
		&counter.ServiceType, &counter.Status, &counter.Active,
		&currentEntryNull, &counter.BreakMinutes, &nextAvailableNull,
	); err != nil {
		return models.Counter{}, err
	}
	counter.CurrentEntryID = nullStringPtr(currentEntryNull)
	counter.NextAvailableAt = nullTimePtr(nextAvailableNull)
	return counter, nil
}

// CallNext assigns the longest-waiting matching entry to a counter. Both
// the counter row and the entry row are locked before either is written,
// so two dashboards calling at once can never hand the same customer to
// two counters or double-book one counter.
func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (store.CallResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.CallResult{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	business, err := lockBusiness(ctx, tx, input.BusinessID)
	if err != nil {
		return store.CallResult{}, err
	}

	// "all" and empty both mean no filter.
	serviceType := input.ServiceType
	if serviceType == models.ServiceTypeAll {
		serviceType = ""
	}

	var counter models.Counter
	if input.CounterID != "" {
		counter, err = lockCounter(ctx, tx, input.BusinessID, input.CounterID)
		if err != nil {
			return store.CallResult{}, err
		}
		switch {
		case counter.Status == models.CounterBusy || counter.CurrentEntryID != nil:
			err = store.ErrCounterBusy
			return store.CallResult{}, err
		case !counter.Active || counter.Status != models.CounterActive:
			err = store.ErrNoCounterAvailable
			return store.CallResult{}, err
		}
	} else {
		// A general counter can take any filter; a specialized counter
		// only its own type.
		row := tx.QueryRow(ctx, `
			SELECT `+counterColumns+`
			FROM counters
			WHERE business_id = $1 AND active = TRUE AND status = $2 AND current_entry_id IS NULL
				AND ($3::text IS NULL OR service_type = $3 OR service_type = $4)
			ORDER BY number ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		`, input.BusinessID, models.CounterActive, nullIfEmpty(serviceType), models.ServiceTypeGeneral)
		counter, err = scanCounter(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				err = store.ErrNoCounterAvailable
			}
			return store.CallResult{}, err
		}
	}

	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	// Waiting entries leave the queue strictly in arrival order. SKIP
	// LOCKED keeps a concurrent caller from blocking on a row another
	// transaction is already claiming.
	row := tx.QueryRow(ctx, `
		WITH next_entry AS (
			SELECT entry_id
			FROM entries
			WHERE business_id = $1 AND status = $2
				AND ($3::text IS NULL OR service_type = $3)
			ORDER BY queue_seq ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE entries e
		SET status = $4, counter_id = $5, called_at = $6, position = 0, estimated_minutes = 0
		FROM next_entry
		WHERE e.entry_id = next_entry.entry_id
		RETURNING `+entryColumns,
		input.BusinessID, models.StatusWaiting, nullIfEmpty(serviceType),
		models.StatusCalled, counter.CounterID, calledAt)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrQueueEmpty
		}
		return store.CallResult{}, err
	}

	row = tx.QueryRow(ctx, `
		UPDATE counters
		SET status = $1, current_entry_id = $2
		WHERE counter_id = $3 AND business_id = $4 AND current_entry_id IS NULL
		RETURNING `+counterColumns,
		models.CounterBusy, entry.EntryID, counter.CounterID, input.BusinessID)
	counter, err = scanCounter(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrConflict
		}
		return store.CallResult{}, err
	}

	if _, err = s.recomputePositions(ctx, tx, business, ""); err != nil {
		return store.CallResult{}, err
	}
	if err = insertOutboxEvent(ctx, tx, entry.BusinessID, store.EventCustomerCalled, entryPayload(entry, &counter)); err != nil {
		return store.CallResult{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return store.CallResult{}, err
	}
	return store.CallResult{Entry: entry, Counter: counter}, nil
}

func lockCounter(ctx context.Context, tx pgx.Tx, businessID, counterID string) (models.Counter, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+counterColumns+`
		FROM counters
		WHERE counter_id = $1 AND business_id = $2
		FOR UPDATE
	`, counterID, businessID)
	counter, err := scanCounter(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, store.ErrCounterNotFound
		}
		return models.Counter{}, err
	}
	return counter, nil
}

func (s *Store) StartServing(ctx context.Context, input store.EntryActionInput) (models.Entry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Entry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	current, err := lockEntry(ctx, tx, input.BusinessID, input.EntryID)
	if err != nil {
		return models.Entry{}, err
	}
	if !store.ValidTransition(store.ActionStartServing, current.Status) {
		err = store.ErrInvalidState
		return models.Entry{}, err
	}

	servingAt := input.OccurredAt
	if servingAt.IsZero() {
		servingAt = time.Now().UTC()
	}
	row := tx.QueryRow(ctx, `
		UPDATE entries
		SET status = $1, serving_at = $2
		WHERE entry_id = $3 AND business_id = $4
		RETURNING `+entryColumns,
		models.StatusServing, servingAt, input.EntryID, input.BusinessID)
	entry, err := scanEntry(row)
	if err != nil {
		return models.Entry{}, err
	}

	if err = insertOutboxEvent(ctx, tx, entry.BusinessID, store.EventCustomerServing, entryPayload(entry, nil)); err != nil {
		return models.Entry{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Entry{}, err
	}
	return entry, nil
}

func (s *Store) CompleteService(ctx context.Context, input store.EntryActionInput) (models.Entry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Entry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	business, err := lockBusiness(ctx, tx, input.BusinessID)
	if err != nil {
		return models.Entry{}, err
	}
	current, err := lockEntry(ctx, tx, input.BusinessID, input.EntryID)
	if err != nil {
		return models.Entry{}, err
	}
	if !store.ValidTransition(store.ActionComplete, current.Status) || current.CounterID == nil {
		err = store.ErrInvalidState
		return models.Entry{}, err
	}

	completedAt := input.OccurredAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	row := tx.QueryRow(ctx, `
		UPDATE entries
		SET status = $1, completed_at = $2, position = 0, estimated_minutes = 0
		WHERE entry_id = $3 AND business_id = $4
		RETURNING `+entryColumns,
		models.StatusCompleted, completedAt, input.EntryID, input.BusinessID)
	entry, err := scanEntry(row)
	if err != nil {
		return models.Entry{}, err
	}

	if err = releaseCounter(ctx, tx, input.BusinessID, *current.CounterID, input.EntryID); err != nil {
		return models.Entry{}, err
	}

	// Only sessions that actually started serving feed the rolling
	// average; a complete straight from "called" carries no duration.
	if entry.ServingAt != nil {
		served := completedAt.Sub(*entry.ServingAt).Minutes()
		if served < 0 {
			served = 0
		}
		_, err = tx.Exec(ctx, `
			UPDATE businesses
			SET avg_serving_minutes = (avg_serving_minutes * total_served + $1) / (total_served + 1),
				total_served = total_served + 1
			WHERE business_id = $2
		`, served, input.BusinessID)
		if err != nil {
			return models.Entry{}, err
		}
	}

	if _, err = s.recomputePositions(ctx, tx, business, ""); err != nil {
		return models.Entry{}, err
	}
	if err = insertOutboxEvent(ctx, tx, entry.BusinessID, store.EventCustomerCompleted, entryPayload(entry, nil)); err != nil {
		return models.Entry{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Entry{}, err
	}
	return entry, nil
}

func (s *Store) SkipEntry(ctx context.Context, input store.EntryActionInput) (models.Entry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Entry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	business, err := lockBusiness(ctx, tx, input.BusinessID)
	if err != nil {
		return models.Entry{}, err
	}
	current, err := lockEntry(ctx, tx, input.BusinessID, input.EntryID)
	if err != nil {
		return models.Entry{}, err
	}
	if !store.ValidTransition(store.ActionSkip, current.Status) {
		err = store.ErrInvalidState
		return models.Entry{}, err
	}

	notes := current.Notes
	if input.Reason != "" {
		if notes != "" {
			notes += "; "
		}
		notes += "Skipped: " + input.Reason
	}

	row := tx.QueryRow(ctx, `
		UPDATE entries
		SET status = $1, position = 0, estimated_minutes = 0, counter_id = NULL, notes = $2
		WHERE entry_id = $3 AND business_id = $4
		RETURNING `+entryColumns,
		models.StatusSkipped, notes, input.EntryID, input.BusinessID)
	entry, err := scanEntry(row)
	if err != nil {
		return models.Entry{}, err
	}

	if current.Status == models.StatusCalled && current.CounterID != nil {
		if err = releaseCounter(ctx, tx, input.BusinessID, *current.CounterID, input.EntryID); err != nil {
			return models.Entry{}, err
		}
	}

	if _, err = s.recomputePositions(ctx, tx, business, ""); err != nil {
		return models.Entry{}, err
	}
	if err = insertOutboxEvent(ctx, tx, entry.BusinessID, store.EventCustomerSkipped, entryPayload(entry, nil)); err != nil {
		return models.Entry{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Entry{}, err
	}
	return entry, nil
}

func (s *Store) TransferEntry(ctx context.Context, input store.EntryActionInput) (store.CallResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.CallResult{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = lockBusiness(ctx, tx, input.BusinessID); err != nil {
		return store.CallResult{}, err
	}
	current, err := lockEntry(ctx, tx, input.BusinessID, input.EntryID)
	if err != nil {
		return store.CallResult{}, err
	}
	if !store.ValidTransition(store.ActionTransfer, current.Status) || current.CounterID == nil {
		err = store.ErrInvalidState
		return store.CallResult{}, err
	}

	target, err := lockCounter(ctx, tx, input.BusinessID, input.ToCounterID)
	if err != nil {
		return store.CallResult{}, err
	}
	if !target.Active || target.Status != models.CounterActive || target.CurrentEntryID != nil {
		err = store.ErrCounterBusy
		return store.CallResult{}, err
	}

	if err = releaseCounter(ctx, tx, input.BusinessID, *current.CounterID, input.EntryID); err != nil {
		return store.CallResult{}, err
	}

	row := tx.QueryRow(ctx, `
		UPDATE counters
		SET status = $1, current_entry_id = $2
		WHERE counter_id = $3 AND business_id = $4 AND current_entry_id IS NULL
		RETURNING `+counterColumns,
		models.CounterBusy, input.EntryID, input.ToCounterID, input.BusinessID)
	target, err = scanCounter(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrConflict
		}
		return store.CallResult{}, err
	}

	row = tx.QueryRow(ctx, `
		UPDATE entries
		SET counter_id = $1
		WHERE entry_id = $2 AND business_id = $3
		RETURNING `+entryColumns,
		input.ToCounterID, input.EntryID, input.BusinessID)
	entry, err := scanEntry(row)
	if err != nil {
		return store.CallResult{}, err
	}

	if err = insertOutboxEvent(ctx, tx, entry.BusinessID, store.EventQueueTransferred, entryPayload(entry, &target)); err != nil {
		return store.CallResult{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return store.CallResult{}, err
	}
	return store.CallResult{Entry: entry, Counter: target}, nil
}

// releaseCounter frees a counter only while it still holds the given
// entry, so a transfer finishing first does not get clobbered.
func releaseCounter(ctx context.Context, tx pgx.Tx, businessID, counterID, entryID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE counters
		SET status = $1, current_entry_id = NULL
		WHERE counter_id = $2 AND business_id = $3 AND current_entry_id = $4
	`, models.CounterActive, counterID, businessID, entryID)
	return err
}
