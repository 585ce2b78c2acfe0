package postgres

import (
	"context"

	"qline/queue-service/internal/models"
	"qline/queue-service/internal/store"

	"github.com/jackc/pgx/v5"
)

// countActiveCounters counts counters that will eventually turn over.
// Busy counters count: the customer they hold will finish.
func countActiveCounters(ctx context.Context, tx pgx.Tx, businessID string) (int, error) {
	var count int
	row := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM counters
		WHERE business_id = $1 AND active = TRUE AND status IN ($2, $3)
	`, businessID, models.CounterActive, models.CounterBusy)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// recomputePositions reassigns 1-based positions and wait estimates to
// every waiting entry, in arrival order, and queues a near-turn event the
// first time an entry lands on a position inside the notify window. The
// caller must hold the business row lock. If focusEntryID is non-empty
// the refreshed entry is returned.
func (s *Store) recomputePositions(ctx context.Context, tx pgx.Tx, business models.Business, focusEntryID string) (models.Entry, error) {
	active, err := countActiveCounters(ctx, tx, business.BusinessID)
	if err != nil {
		return models.Entry{}, err
	}
	avg := business.AvgServingMinutes
	if business.TotalServed == 0 {
		avg = store.DefaultServingMinutes
	}

	rows, err := tx.Query(ctx, `
		SELECT `+entryColumns+`
		FROM entries
		WHERE business_id = $1 AND status = $2
		ORDER BY queue_seq ASC
	`, business.BusinessID, models.StatusWaiting)
	if err != nil {
		return models.Entry{}, err
	}
	waiting := make([]models.Entry, 0, 16)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return models.Entry{}, err
		}
		waiting = append(waiting, entry)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return models.Entry{}, err
	}

	var focus models.Entry
	for i, entry := range waiting {
		position := i + 1
		estimate := store.EstimateWait(position, active, avg)
		if entry.Position != position || entry.EstimatedMinutes != estimate {
			if _, err := tx.Exec(ctx, `
				UPDATE entries SET position = $1, estimated_minutes = $2 WHERE entry_id = $3
			`, position, estimate, entry.EntryID); err != nil {
				return models.Entry{}, err
			}
			entry.Position = position
			entry.EstimatedMinutes = estimate
		}

		if store.ShouldNotify(position, business.NotifyBeforePositions, entry.NotifiedPositions) {
			if _, err := tx.Exec(ctx, `
				UPDATE entries
				SET notified_positions = array_append(notified_positions, $1)
				WHERE entry_id = $2
			`, position, entry.EntryID); err != nil {
				return models.Entry{}, err
			}
			entry.NotifiedPositions = append(entry.NotifiedPositions, position)
			if err := insertOutboxEvent(ctx, tx, business.BusinessID, store.EventNearTurn, nearTurnPayload(entry)); err != nil {
				return models.Entry{}, err
			}
		}

		if entry.EntryID == focusEntryID {
			focus = entry
		}
	}
	return focus, nil
}
