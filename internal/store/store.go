package store

import (
	"context"
	"encoding/json"
	"time"

	"qline/queue-service/internal/models"
)

type JoinQueueInput struct {
	BusinessID    string
	ServiceType   string
	CustomerName  string
	CustomerPhone string
	CustomerEmail string
	Notes         string
	Priority      bool
	JoinedAt      time.Time
}

type CallNextInput struct {
	BusinessID  string
	CounterID   string
	ServiceType string
	CalledAt    time.Time
}

type EntryActionInput struct {
	BusinessID  string
	EntryID     string
	Reason      string
	ToCounterID string
	OccurredAt  time.Time
}

type CounterActionInput struct {
	BusinessID      string
	CounterID       string
	Status          string
	DurationMinutes int
	OccurredAt      time.Time
}

// EntryStatus is the public view returned for a customer status lookup.
type EntryStatus struct {
	Entry          models.Entry `json:"entry"`
	BusinessName   string       `json:"business_name"`
	WaitingCount   int          `json:"waiting_count"`
	ActiveCounters int          `json:"active_counters"`
}

// CallResult pairs the called entry with the counter it was assigned to.
type CallResult struct {
	Entry   models.Entry   `json:"customer"`
	Counter models.Counter `json:"counter"`
}

type QueueStats struct {
	Total     int `json:"total"`
	Waiting   int `json:"waiting"`
	Called    int `json:"called"`
	Serving   int `json:"serving"`
	Completed int `json:"completed"`
	Cancelled int `json:"cancelled"`
	Skipped   int `json:"skipped"`
}

type QueueSnapshot struct {
	Entries []models.Entry `json:"queue"`
	Stats   QueueStats     `json:"stats"`
}

type EntryStore interface {
	JoinQueue(ctx context.Context, input JoinQueueInput) (models.Entry, error)
	GetEntry(ctx context.Context, businessID, entryID string) (models.Entry, error)
	GetEntryStatus(ctx context.Context, businessCode, queueNumber string) (EntryStatus, error)
	ListQueue(ctx context.Context, businessID, status, serviceType string, limit int) (QueueSnapshot, error)
	CallNext(ctx context.Context, input CallNextInput) (CallResult, error)
	StartServing(ctx context.Context, input EntryActionInput) (models.Entry, error)
	CompleteService(ctx context.Context, input EntryActionInput) (models.Entry, error)
	SkipEntry(ctx context.Context, input EntryActionInput) (models.Entry, error)
	CancelEntry(ctx context.Context, input EntryActionInput) (models.Entry, error)
	TransferEntry(ctx context.Context, input EntryActionInput) (CallResult, error)
}

type CounterStore interface {
	ListCounters(ctx context.Context, businessID string) ([]models.Counter, error)
	UpdateCounterStatus(ctx context.Context, input CounterActionInput) (models.Counter, error)
	StartBreak(ctx context.Context, input CounterActionInput) (models.Counter, error)
	EndBreak(ctx context.Context, input CounterActionInput) (models.Counter, error)
}

type EventStore interface {
	ListOutboxEvents(ctx context.Context, businessID string, after time.Time, limit int) ([]OutboxEvent, error)
}

// Store is the full surface the HTTP layer depends on.
type Store interface {
	EntryStore
	CounterStore
	EventStore
}

type OutboxEvent struct {
	EventID    string          `json:"event_id"`
	BusinessID string          `json:"business_id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Offset marks how far an outbox consumer has read.
type Offset struct {
	LastEventTime time.Time
	LastEventID   string
}

type Notification struct {
	NotificationID string
	BusinessID     string
	Channel        string
	Recipient      string
	Status         string
	Attempts       int
	LastError      string
	CreatedAt      time.Time
}

// NotificationStore is consumed by the dispatcher worker.
type NotificationStore interface {
	ListOutboxEventsAfter(ctx context.Context, offset Offset, limit int) ([]OutboxEvent, error)
	GetOffset(ctx context.Context, consumer string) (Offset, error)
	UpdateOffset(ctx context.Context, consumer string, offset Offset) error
	IsNotificationsEnabled(ctx context.Context, businessID string) (bool, error)
	InsertNotification(ctx context.Context, notification Notification) error
	MarkNotificationSent(ctx context.Context, notificationID string) error
	MarkNotificationFailed(ctx context.Context, notificationID, lastError string) error
	InsertDLQ(ctx context.Context, notificationID, reason string) error
}
