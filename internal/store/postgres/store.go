package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"qline/queue-service/internal/models"
	"qline/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const queueNumberPad = 3

type Store struct {
	pool        *pgxpool.Pool
	listLimit   int
	outboxLimit int
}

type Options struct {
	// ListLimit caps queue listings when the caller passes no limit.
	ListLimit int
	// OutboxLimit caps a single outbox poll batch.
	OutboxLimit int
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	listLimit := options.ListLimit
	if listLimit <= 0 {
		listLimit = 50
	}
	outboxLimit := options.OutboxLimit
	if outboxLimit <= 0 {
		outboxLimit = 100
	}
	return &Store{
		pool:        pool,
		listLimit:   listLimit,
		outboxLimit: outboxLimit,
	}
}

const entryColumns = `entry_id, queue_number, business_id, service_type, customer_name, customer_phone,
	customer_email, notes, priority, status, position, estimated_minutes, counter_id,
	notified_positions, joined_at, called_at, serving_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (models.Entry, error) {
	var entry models.Entry
	var counterIDNull sql.NullString
	var calledAtNull, servingAtNull, completedAtNull sql.NullTime
	var notified []int32
	if err := row.Scan(
		&entry.EntryID, &entry.QueueNumber, &entry.BusinessID, &entry.ServiceType,
		&entry.CustomerName, &entry.CustomerPhone, &entry.CustomerEmail, &entry.Notes,
		&entry.Priority, &entry.Status, &entry.Position, &entry.EstimatedMinutes,
		&counterIDNull, &notified, &entry.JoinedAt,
		&calledAtNull, &servingAtNull, &completedAtNull,
	); err != nil {
		return models.Entry{}, err
	}
	entry.CounterID = nullStringPtr(counterIDNull)
	entry.CalledAt = nullTimePtr(calledAtNull)
	entry.ServingAt = nullTimePtr(servingAtNull)
	entry.CompletedAt = nullTimePtr(completedAtNull)
	for _, p := range notified {
		entry.NotifiedPositions = append(entry.NotifiedPositions, int(p))
	}
	return entry, nil
}

// lockBusiness takes the per-business row lock that serializes joins and
// position recomputes for one business against each other.
func lockBusiness(ctx context.Context, tx pgx.Tx, businessID string) (models.Business, error) {
	var b models.Business
	var hoursNull sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT business_id, name, code, active, allow_remote_join, max_queue_length,
			notify_before_positions, notifications_enabled, hours_json::text,
			avg_serving_minutes, total_served
		FROM businesses
		WHERE business_id = $1
		FOR UPDATE
	`, businessID)
	if err := row.Scan(&b.BusinessID, &b.Name, &b.Code, &b.Active, &b.AllowRemoteJoin,
		&b.MaxQueueLength, &b.NotifyBeforePositions, &b.NotificationsEnabled, &hoursNull,
		&b.AvgServingMinutes, &b.TotalServed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Business{}, store.ErrBusinessNotFound
		}
		return models.Business{}, err
	}
	if hoursNull.Valid {
		b.HoursJSON = hoursNull.String
	}
	return b, nil
}

func (s *Store) JoinQueue(ctx context.Context, input store.JoinQueueInput) (models.Entry, error) {
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
	if !business.Active {
		err = store.ErrBusinessNotFound
		return models.Entry{}, err
	}

	joinedAt := input.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = time.Now().UTC()
	}
	if !business.AllowRemoteJoin || !store.IsOpen(business.HoursJSON, joinedAt) {
		err = store.ErrBusinessClosed
		return models.Entry{}, err
	}

	var waitingCount int
	row := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM entries WHERE business_id = $1 AND status = $2
	`, input.BusinessID, models.StatusWaiting)
	if err = row.Scan(&waitingCount); err != nil {
		return models.Entry{}, err
	}
	if business.MaxQueueLength > 0 && waitingCount >= business.MaxQueueLength {
		err = store.ErrQueueFull
		return models.Entry{}, err
	}

	seq, err := nextQueueNumber(ctx, tx, input.BusinessID)
	if err != nil {
		return models.Entry{}, err
	}
	queueNumber := fmt.Sprintf("Q%0*d", queueNumberPad, seq)

	serviceType := input.ServiceType
	if serviceType == "" {
		serviceType = models.ServiceTypeGeneral
	}
	customerName := input.CustomerName
	if customerName == "" {
		customerName = "Walk-in Customer"
	}

	active, err := countActiveCounters(ctx, tx, input.BusinessID)
	if err != nil {
		return models.Entry{}, err
	}
	avg := business.AvgServingMinutes
	if business.TotalServed == 0 {
		avg = store.DefaultServingMinutes
	}
	position := waitingCount + 1
	estimate := store.EstimateWait(position, active, avg)

	entryID := uuid.NewString()
	row = tx.QueryRow(ctx, `
		INSERT INTO entries (
			entry_id, queue_number, queue_seq, business_id, service_type, customer_name,
			customer_phone, customer_email, notes, priority, status, position,
			estimated_minutes, joined_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING `+entryColumns+`
	`, entryID, queueNumber, seq, input.BusinessID, serviceType, customerName,
		input.CustomerPhone, input.CustomerEmail, input.Notes, input.Priority,
		models.StatusWaiting, position, estimate, joinedAt)
	entry, err := scanEntry(row)
	if err != nil {
		return models.Entry{}, err
	}

	// The new entry may already sit inside the notify window.
	if entry, err = s.recomputePositions(ctx, tx, business, entry.EntryID); err != nil {
		return models.Entry{}, err
	}

	if err = insertOutboxEvent(ctx, tx, entry.BusinessID, store.EventCustomerJoined, entryPayload(entry, nil)); err != nil {
		return models.Entry{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Entry{}, err
	}
	return entry, nil
}

func nextQueueNumber(ctx context.Context, tx pgx.Tx, businessID string) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO queue_sequences (business_id, next_number)
		VALUES ($1, 1)
		ON CONFLICT (business_id)
		DO UPDATE SET next_number = queue_sequences.next_number + 1
		RETURNING next_number
	`, businessID)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) GetEntry(ctx context.Context, businessID, entryID string) (models.Entry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM entries
		WHERE entry_id = $1 AND business_id = $2
	`, entryID, businessID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Entry{}, store.ErrEntryNotFound
		}
		return models.Entry{}, err
	}
	return entry, nil
}

func (s *Store) GetEntryStatus(ctx context.Context, businessCode, queueNumber string) (store.EntryStatus, error) {
	var businessID, businessName string
	row := s.pool.QueryRow(ctx, `
		SELECT business_id, name FROM businesses WHERE code = $1 AND active = TRUE
	`, businessCode)
	if err := row.Scan(&businessID, &businessName); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.EntryStatus{}, store.ErrBusinessNotFound
		}
		return store.EntryStatus{}, err
	}

	row = s.pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM entries
		WHERE business_id = $1 AND queue_number = $2
	`, businessID, queueNumber)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.EntryStatus{}, store.ErrEntryNotFound
		}
		return store.EntryStatus{}, err
	}

	var waitingCount, activeCounters int
	row = s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM entries WHERE business_id = $1 AND status = $2),
			(SELECT COUNT(*) FROM counters WHERE business_id = $1 AND active = TRUE AND status IN ($3, $4))
	`, businessID, models.StatusWaiting, models.CounterActive, models.CounterBusy)
	if err := row.Scan(&waitingCount, &activeCounters); err != nil {
		return store.EntryStatus{}, err
	}

	return store.EntryStatus{
		Entry:          entry,
		BusinessName:   businessName,
		WaitingCount:   waitingCount,
		ActiveCounters: activeCounters,
	}, nil
}

func (s *Store) ListQueue(ctx context.Context, businessID, status, serviceType string, limit int) (store.QueueSnapshot, error) {
	if limit <= 0 {
		limit = s.listLimit
	}
	query := `
		SELECT ` + entryColumns + `
		FROM entries
		WHERE business_id = $1
	`
	args := []interface{}{businessID}
	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", len(args)+1)
		args = append(args, status)
	}
	if serviceType != "" {
		query += fmt.Sprintf(" AND service_type = $%d", len(args)+1)
		args = append(args, serviceType)
	}
	query += fmt.Sprintf(`
		ORDER BY CASE WHEN status = 'waiting' THEN position ELSE 0 END ASC, joined_at DESC
		LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return store.QueueSnapshot{}, err
	}
	defer rows.Close()

	var snapshot store.QueueSnapshot
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return store.QueueSnapshot{}, err
		}
		snapshot.Entries = append(snapshot.Entries, entry)
	}
	if err := rows.Err(); err != nil {
		return store.QueueSnapshot{}, err
	}

	stats, err := s.queueStats(ctx, businessID)
	if err != nil {
		return store.QueueSnapshot{}, err
	}
	snapshot.Stats = stats
	return snapshot, nil
}

func (s *Store) queueStats(ctx context.Context, businessID string) (store.QueueStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM entries WHERE business_id = $1 GROUP BY status
	`, businessID)
	if err != nil {
		return store.QueueStats{}, err
	}
	defer rows.Close()

	var stats store.QueueStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return store.QueueStats{}, err
		}
		stats.Total += count
		switch status {
		case models.StatusWaiting:
			stats.Waiting = count
		case models.StatusCalled:
			stats.Called = count
		case models.StatusServing:
			stats.Serving = count
		case models.StatusCompleted:
			stats.Completed = count
		case models.StatusCancelled:
			stats.Cancelled = count
		case models.StatusSkipped:
			stats.Skipped = count
		}
	}
	if err := rows.Err(); err != nil {
		return store.QueueStats{}, err
	}
	return stats, nil
}

func (s *Store) CancelEntry(ctx context.Context, input store.EntryActionInput) (models.Entry, error) {
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
	if !store.ValidTransition(store.ActionCancel, current.Status) {
		err = store.ErrInvalidState
		return models.Entry{}, err
	}

	row := tx.QueryRow(ctx, `
		UPDATE entries
		SET status = $1, position = 0, estimated_minutes = 0
		WHERE entry_id = $2 AND business_id = $3
		RETURNING `+entryColumns+`
	`, models.StatusCancelled, input.EntryID, input.BusinessID)
	entry, err := scanEntry(row)
	if err != nil {
		return models.Entry{}, err
	}

	if _, err = s.recomputePositions(ctx, tx, business, ""); err != nil {
		return models.Entry{}, err
	}
	if err = insertOutboxEvent(ctx, tx, entry.BusinessID, store.EventCustomerCancelled, entryPayload(entry, nil)); err != nil {
		return models.Entry{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Entry{}, err
	}
	return entry, nil
}

// lockEntry loads an entry under FOR UPDATE so the following status
// change cannot race another action on the same entry.
func lockEntry(ctx context.Context, tx pgx.Tx, businessID, entryID string) (models.Entry, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM entries
		WHERE entry_id = $1 AND business_id = $2
		FOR UPDATE
	`, entryID, businessID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Entry{}, store.ErrEntryNotFound
		}
		return models.Entry{}, err
	}
	return entry, nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
