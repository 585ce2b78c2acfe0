package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"qline/queue-service/internal/models"
	"qline/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestJoinQueueConcurrentNumbers(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	businessID := uuid.NewString()
	seedBusiness(t, ctx, pool, businessID)
	seedCounter(t, ctx, pool, businessID, 1, models.CounterActive)

	const joiners = 8
	var wg sync.WaitGroup
	numbers := make(chan string, joiners)
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := st.JoinQueue(ctx, store.JoinQueueInput{BusinessID: businessID})
			if err != nil {
				t.Errorf("join error: %v", err)
				return
			}
			numbers <- entry.QueueNumber
		}()
	}
	wg.Wait()
	close(numbers)

	seen := make(map[string]bool)
	for number := range numbers {
		if seen[number] {
			t.Fatalf("duplicate queue number issued: %s", number)
		}
		seen[number] = true
	}
	if len(seen) != joiners {
		t.Fatalf("expected %d distinct numbers, got %d", joiners, len(seen))
	}
}

func TestCallNextConcurrency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	businessID := uuid.NewString()
	seedBusiness(t, ctx, pool, businessID)
	counterA := seedCounter(t, ctx, pool, businessID, 1, models.CounterActive)
	counterB := seedCounter(t, ctx, pool, businessID, 2, models.CounterActive)

	first := mustJoin(t, ctx, st, businessID)
	second := mustJoin(t, ctx, st, businessID)

	var wg sync.WaitGroup
	results := make(chan store.CallResult, 2)
	for _, counterID := range []string{counterA, counterB} {
		wg.Add(1)
		go func(counterID string) {
			defer wg.Done()
			result, err := st.CallNext(ctx, store.CallNextInput{
				BusinessID: businessID,
				CounterID:  counterID,
			})
			if err != nil {
				t.Errorf("call next error: %v", err)
				return
			}
			results <- result
		}(counterID)
	}
	wg.Wait()
	close(results)

	assigned := make(map[string]string)
	for result := range results {
		if result.Entry.CounterID == nil {
			t.Fatalf("called entry missing counter: %+v", result.Entry)
		}
		if prior, ok := assigned[result.Entry.EntryID]; ok {
			t.Fatalf("entry %s assigned to both %s and %s", result.Entry.EntryID, prior, *result.Entry.CounterID)
		}
		assigned[result.Entry.EntryID] = *result.Entry.CounterID
	}
	if len(assigned) != 2 {
		t.Fatalf("expected 2 distinct entries called, got %d", len(assigned))
	}
	if _, ok := assigned[first.EntryID]; !ok {
		t.Fatalf("expected first entry %s to be called", first.EntryID)
	}
	if _, ok := assigned[second.EntryID]; !ok {
		t.Fatalf("expected second entry %s to be called", second.EntryID)
	}
}

func TestCallNextBusyCounter(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	businessID := uuid.NewString()
	seedBusiness(t, ctx, pool, businessID)
	counterID := seedCounter(t, ctx, pool, businessID, 1, models.CounterActive)

	mustJoin(t, ctx, st, businessID)
	mustJoin(t, ctx, st, businessID)

	if _, err := st.CallNext(ctx, store.CallNextInput{BusinessID: businessID, CounterID: counterID}); err != nil {
		t.Fatalf("first call next: %v", err)
	}
	_, err := st.CallNext(ctx, store.CallNextInput{BusinessID: businessID, CounterID: counterID})
	if !errors.Is(err, store.ErrCounterBusy) {
		t.Fatalf("expected ErrCounterBusy, got %v", err)
	}
}

func TestCallNextAllMatchesAnyServiceType(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	businessID := uuid.NewString()
	seedBusiness(t, ctx, pool, businessID)
	seedCounter(t, ctx, pool, businessID, 1, models.CounterActive)

	joined, err := st.JoinQueue(ctx, store.JoinQueueInput{BusinessID: businessID, ServiceType: "billing"})
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	result, err := st.CallNext(ctx, store.CallNextInput{BusinessID: businessID, ServiceType: "all"})
	if err != nil {
		t.Fatalf("call next with service_type all: %v", err)
	}
	if result.Entry.EntryID != joined.EntryID {
		t.Fatalf("expected billing entry %s, got %s", joined.EntryID, result.Entry.EntryID)
	}
}

func TestCallNextAutoSelectRespectsCounterType(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	businessID := uuid.NewString()
	seedBusiness(t, ctx, pool, businessID)
	seedTypedCounter(t, ctx, pool, businessID, 1, models.CounterActive, "passport")
	billingCounter := seedTypedCounter(t, ctx, pool, businessID, 2, models.CounterActive, "billing")

	if _, err := st.JoinQueue(ctx, store.JoinQueueInput{BusinessID: businessID, ServiceType: "billing"}); err != nil {
		t.Fatalf("join: %v", err)
	}

	result, err := st.CallNext(ctx, store.CallNextInput{BusinessID: businessID, ServiceType: "billing"})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if result.Counter.CounterID != billingCounter {
		t.Fatalf("billing customer assigned to counter %s (%s), want billing counter %s",
			result.Counter.CounterID, result.Counter.ServiceType, billingCounter)
	}
}

func TestCallNextExplicitCounterTakesOldestEntry(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	businessID := uuid.NewString()
	seedBusiness(t, ctx, pool, businessID)
	counterID := seedTypedCounter(t, ctx, pool, businessID, 1, models.CounterActive, "passport")

	older, err := st.JoinQueue(ctx, store.JoinQueueInput{BusinessID: businessID, ServiceType: "billing"})
	if err != nil {
		t.Fatalf("join billing: %v", err)
	}
	if _, err := st.JoinQueue(ctx, store.JoinQueueInput{BusinessID: businessID, ServiceType: "passport"}); err != nil {
		t.Fatalf("join passport: %v", err)
	}

	// No filter on the request means the counter's own type does not
	// narrow the pick; arrival order wins.
	result, err := st.CallNext(ctx, store.CallNextInput{BusinessID: businessID, CounterID: counterID})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if result.Entry.EntryID != older.EntryID {
		t.Fatalf("expected oldest entry %s, got %s", older.EntryID, result.Entry.EntryID)
	}
}

func TestCallNextFilterMatchesEntryTypeExactly(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	businessID := uuid.NewString()
	seedBusiness(t, ctx, pool, businessID)
	seedCounter(t, ctx, pool, businessID, 1, models.CounterActive)

	if _, err := st.JoinQueue(ctx, store.JoinQueueInput{BusinessID: businessID}); err != nil {
		t.Fatalf("join general: %v", err)
	}
	billing, err := st.JoinQueue(ctx, store.JoinQueueInput{BusinessID: businessID, ServiceType: "billing"})
	if err != nil {
		t.Fatalf("join billing: %v", err)
	}

	result, err := st.CallNext(ctx, store.CallNextInput{BusinessID: businessID, ServiceType: "billing"})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if result.Entry.EntryID != billing.EntryID {
		t.Fatalf("filter billing called entry %s with type %s, want %s",
			result.Entry.EntryID, result.Entry.ServiceType, billing.EntryID)
	}
}

func TestSkipClearsCounterAndRecordsReason(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	businessID := uuid.NewString()
	seedBusiness(t, ctx, pool, businessID)
	counterID := seedCounter(t, ctx, pool, businessID, 1, models.CounterActive)

	joined := mustJoin(t, ctx, st, businessID)
	if _, err := st.CallNext(ctx, store.CallNextInput{BusinessID: businessID, CounterID: counterID}); err != nil {
		t.Fatalf("call next: %v", err)
	}

	skipped, err := st.SkipEntry(ctx, store.EntryActionInput{
		BusinessID: businessID,
		EntryID:    joined.EntryID,
		Reason:     "stepped away",
	})
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if skipped.CounterID != nil {
		t.Fatalf("skipped entry still holds counter %s", *skipped.CounterID)
	}
	if skipped.Notes != "Skipped: stepped away" {
		t.Fatalf("reason not recorded, notes = %q", skipped.Notes)
	}

	counters, err := st.ListCounters(ctx, businessID)
	if err != nil {
		t.Fatalf("list counters: %v", err)
	}
	if len(counters) != 1 || counters[0].Status != models.CounterActive || counters[0].CurrentEntryID != nil {
		t.Fatalf("counter not released after skip: %+v", counters)
	}
}

func TestPositionsAfterCancel(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	businessID := uuid.NewString()
	seedBusiness(t, ctx, pool, businessID)
	seedCounter(t, ctx, pool, businessID, 1, models.CounterActive)

	first := mustJoin(t, ctx, st, businessID)
	second := mustJoin(t, ctx, st, businessID)
	third := mustJoin(t, ctx, st, businessID)

	if _, err := st.CancelEntry(ctx, store.EntryActionInput{BusinessID: businessID, EntryID: first.EntryID}); err != nil {
		t.Fatalf("cancel error: %v", err)
	}

	got, err := st.GetEntry(ctx, businessID, second.EntryID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if got.Position != 1 {
		t.Fatalf("expected second joiner at position 1, got %d", got.Position)
	}
	got, err = st.GetEntry(ctx, businessID, third.EntryID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if got.Position != 2 {
		t.Fatalf("expected third joiner at position 2, got %d", got.Position)
	}
}

func TestCancelCalledEntryRejected(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	businessID := uuid.NewString()
	seedBusiness(t, ctx, pool, businessID)
	counterID := seedCounter(t, ctx, pool, businessID, 1, models.CounterActive)

	entry := mustJoin(t, ctx, st, businessID)
	if _, err := st.CallNext(ctx, store.CallNextInput{BusinessID: businessID, CounterID: counterID}); err != nil {
		t.Fatalf("call next: %v", err)
	}

	_, err := st.CancelEntry(ctx, store.EntryActionInput{BusinessID: businessID, EntryID: entry.EntryID})
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestNearTurnNotifiedOncePerPosition(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	businessID := uuid.NewString()
	seedBusiness(t, ctx, pool, businessID)
	counterID := seedCounter(t, ctx, pool, businessID, 1, models.CounterActive)

	// Five joiners with notify window 3: the first three trigger near-turn
	// on join, the rest only as they move up.
	var entries []models.Entry
	for i := 0; i < 5; i++ {
		entries = append(entries, mustJoin(t, ctx, st, businessID))
	}

	if count := countNearTurn(t, ctx, pool, entries[3].EntryID); count != 0 {
		t.Fatalf("expected no near-turn for position 4, got %d", count)
	}

	result, err := st.CallNext(ctx, store.CallNextInput{BusinessID: businessID, CounterID: counterID})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if _, err := st.CompleteService(ctx, store.EntryActionInput{BusinessID: businessID, EntryID: result.Entry.EntryID}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Fourth joiner moved into the window exactly once.
	if count := countNearTurn(t, ctx, pool, entries[3].EntryID); count != 1 {
		t.Fatalf("expected one near-turn for fourth joiner, got %d", count)
	}
	// Third joiner moved from position 3 to 2: new position, new event.
	if count := countNearTurn(t, ctx, pool, entries[2].EntryID); count != 2 {
		t.Fatalf("expected two near-turn events for third joiner, got %d", count)
	}

	// The payload spells out how many people are still ahead.
	var ahead int
	err = pool.QueryRow(ctx, `
		SELECT (payload ->> 'positions_ahead')::int
		FROM outbox_events
		WHERE event_type = $1 AND payload -> 'entry' ->> 'entry_id' = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, store.EventNearTurn, entries[3].EntryID).Scan(&ahead)
	if err != nil {
		t.Fatalf("read near-turn payload: %v", err)
	}
	if ahead != 2 {
		t.Fatalf("expected positions_ahead 2 for fourth joiner at position 3, got %d", ahead)
	}
}

func TestCompleteUpdatesRollingAverage(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	businessID := uuid.NewString()
	seedBusiness(t, ctx, pool, businessID)
	counterID := seedCounter(t, ctx, pool, businessID, 1, models.CounterActive)

	mustJoin(t, ctx, st, businessID)
	result, err := st.CallNext(ctx, store.CallNextInput{BusinessID: businessID, CounterID: counterID})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if _, err := st.StartServing(ctx, store.EntryActionInput{BusinessID: businessID, EntryID: result.Entry.EntryID}); err != nil {
		t.Fatalf("start serving: %v", err)
	}
	if _, err := st.CompleteService(ctx, store.EntryActionInput{BusinessID: businessID, EntryID: result.Entry.EntryID}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	var totalServed int64
	row := pool.QueryRow(ctx, `SELECT total_served FROM businesses WHERE business_id = $1`, businessID)
	if err := row.Scan(&totalServed); err != nil {
		t.Fatalf("scan business: %v", err)
	}
	if totalServed != 1 {
		t.Fatalf("expected total_served 1, got %d", totalServed)
	}

	var counterStatus string
	row = pool.QueryRow(ctx, `SELECT status FROM counters WHERE counter_id = $1`, counterID)
	if err := row.Scan(&counterStatus); err != nil {
		t.Fatalf("scan counter: %v", err)
	}
	if counterStatus != models.CounterActive {
		t.Fatalf("expected counter released to active, got %s", counterStatus)
	}
}

func TestBreakBlocksBusyCounter(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	businessID := uuid.NewString()
	seedBusiness(t, ctx, pool, businessID)
	counterID := seedCounter(t, ctx, pool, businessID, 1, models.CounterActive)

	mustJoin(t, ctx, st, businessID)
	if _, err := st.CallNext(ctx, store.CallNextInput{BusinessID: businessID, CounterID: counterID}); err != nil {
		t.Fatalf("call next: %v", err)
	}

	_, err := st.StartBreak(ctx, store.CounterActionInput{BusinessID: businessID, CounterID: counterID})
	if !errors.Is(err, store.ErrCounterBusy) {
		t.Fatalf("expected ErrCounterBusy, got %v", err)
	}
}

func TestBreakLifecycle(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	businessID := uuid.NewString()
	seedBusiness(t, ctx, pool, businessID)
	counterID := seedCounter(t, ctx, pool, businessID, 1, models.CounterActive)

	counter, err := st.StartBreak(ctx, store.CounterActionInput{
		BusinessID:      businessID,
		CounterID:       counterID,
		DurationMinutes: 20,
	})
	if err != nil {
		t.Fatalf("start break: %v", err)
	}
	if counter.Status != models.CounterBreak || counter.NextAvailableAt == nil {
		t.Fatalf("unexpected counter after break start: %+v", counter)
	}

	counter, err = st.EndBreak(ctx, store.CounterActionInput{BusinessID: businessID, CounterID: counterID})
	if err != nil {
		t.Fatalf("end break: %v", err)
	}
	if counter.Status != models.CounterActive || counter.NextAvailableAt != nil {
		t.Fatalf("unexpected counter after break end: %+v", counter)
	}

	_, err = st.EndBreak(ctx, store.CounterActionInput{BusinessID: businessID, CounterID: counterID})
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState ending break twice, got %v", err)
	}
}

func TestJoinQueueFullAndClosed(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	businessID := uuid.NewString()
	seedBusiness(t, ctx, pool, businessID)
	seedCounter(t, ctx, pool, businessID, 1, models.CounterActive)

	if _, err := pool.Exec(ctx, `UPDATE businesses SET max_queue_length = 1 WHERE business_id = $1`, businessID); err != nil {
		t.Fatalf("update business: %v", err)
	}
	mustJoin(t, ctx, st, businessID)
	_, err := st.JoinQueue(ctx, store.JoinQueueInput{BusinessID: businessID})
	if !errors.Is(err, store.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	if _, err := pool.Exec(ctx, `UPDATE businesses SET allow_remote_join = FALSE WHERE business_id = $1`, businessID); err != nil {
		t.Fatalf("update business: %v", err)
	}
	_, err = st.JoinQueue(ctx, store.JoinQueueInput{BusinessID: businessID})
	if !errors.Is(err, store.ErrBusinessClosed) {
		t.Fatalf("expected ErrBusinessClosed, got %v", err)
	}
}

func mustJoin(t *testing.T, ctx context.Context, st *Store, businessID string) models.Entry {
	t.Helper()
	entry, err := st.JoinQueue(ctx, store.JoinQueueInput{
		BusinessID:    businessID,
		CustomerName:  "Test Customer",
		CustomerPhone: "0811000000",
	})
	if err != nil {
		t.Fatalf("join queue: %v", err)
	}
	return entry
}

func countNearTurn(t *testing.T, ctx context.Context, pool *pgxpool.Pool, entryID string) int {
	t.Helper()
	var count int
	row := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM outbox_events
		WHERE event_type = $1 AND payload -> 'entry' ->> 'entry_id' = $2
	`, store.EventNearTurn, entryID)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count near-turn events: %v", err)
	}
	return count
}

func seedBusiness(t *testing.T, ctx context.Context, pool *pgxpool.Pool, businessID string) {
	t.Helper()
	_, err := pool.Exec(ctx, `
		INSERT INTO businesses (business_id, name, code, active, allow_remote_join, max_queue_length, notify_before_positions)
		VALUES ($1, 'Test Business', $2, TRUE, TRUE, 0, 3)
	`, businessID, "biz-"+businessID[:8])
	if err != nil {
		t.Fatalf("seed business: %v", err)
	}
}

func seedCounter(t *testing.T, ctx context.Context, pool *pgxpool.Pool, businessID string, number int, status string) string {
	t.Helper()
	counterID := uuid.NewString()
	_, err := pool.Exec(ctx, `
		INSERT INTO counters (counter_id, business_id, name, number, service_type, status, active)
		VALUES ($1, $2, $3, $4, 'general', $5, TRUE)
	`, counterID, businessID, "Counter "+uuid.NewString()[:4], number, status)
	if err != nil {
		t.Fatalf("seed counter: %v", err)
	}
	return counterID
}

func seedTypedCounter(t *testing.T, ctx context.Context, pool *pgxpool.Pool, businessID string, number int, status, serviceType string) string {
	t.Helper()
	counterID := uuid.NewString()
	_, err := pool.Exec(ctx, `
		INSERT INTO counters (counter_id, business_id, name, number, service_type, status, active)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
	`, counterID, businessID, "Counter "+uuid.NewString()[:4], number, serviceType, status)
	if err != nil {
		t.Fatalf("seed counter: %v", err)
	}
	return counterID
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool, Options{})
	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return st, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}
