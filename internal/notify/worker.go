package notify

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"time"

	"qline/queue-service/internal/models"
	"qline/queue-service/internal/store"

	"github.com/google/uuid"
)

// Consumer is the offset key this worker advances in consumer_offsets.
const Consumer = "notifier"

type Worker struct {
	store       store.NotificationStore
	batchSize   int
	maxAttempts int
	sms         Provider
	email       Provider
}

type Config struct {
	BatchSize     int
	MaxAttempts   int
	SMSProvider   string
	EmailProvider string
}

func New(store store.NotificationStore, cfg Config) *Worker {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 50
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Worker{
		store:       store,
		batchSize:   batch,
		maxAttempts: maxAttempts,
		sms:         newProvider(cfg.SMSProvider, "sms"),
		email:       newProvider(cfg.EmailProvider, "email"),
	}
}

// Run drains one batch of outbox events and advances the offset. Errors
// on individual events are logged and skipped so one bad payload cannot
// wedge the queue.
func (w *Worker) Run(ctx context.Context) error {
	offset, err := w.store.GetOffset(ctx, Consumer)
	if err != nil {
		return err
	}

	events, err := w.store.ListOutboxEventsAfter(ctx, offset, w.batchSize)
	if err != nil {
		return err
	}

	for _, event := range events {
		if err := w.processEvent(ctx, event); err != nil {
			log.Printf("notify process error event=%s: %v", event.EventID, err)
		}
		offset.LastEventTime = event.CreatedAt
		offset.LastEventID = event.EventID
	}

	if len(events) > 0 {
		if err := w.store.UpdateOffset(ctx, Consumer, offset); err != nil {
			return err
		}
	}
	return nil
}

type eventPayload struct {
	Entry          *models.Entry   `json:"entry"`
	Counter        *models.Counter `json:"counter"`
	PositionsAhead *int            `json:"positions_ahead"`
}

func (w *Worker) processEvent(ctx context.Context, event store.OutboxEvent) error {
	template := templateForEvent(event.Type)
	if template == "" {
		return nil
	}

	enabled, err := w.store.IsNotificationsEnabled(ctx, event.BusinessID)
	if err != nil {
		return err
	}
	if !enabled {
		return nil
	}

	var payload eventPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return err
	}
	if payload.Entry == nil {
		return nil
	}

	body := renderTemplate(template, payload)
	for _, target := range pickChannels(*payload.Entry) {
		msg := Message{
			Channel:     target.channel,
			Recipient:   target.recipient,
			Body:        body,
			Event:       event.Type,
			BusinessID:  event.BusinessID,
			QueueNumber: payload.Entry.QueueNumber,
		}
		if err := w.dispatch(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) dispatch(ctx context.Context, msg Message) error {
	notification := store.Notification{
		NotificationID: uuid.NewString(),
		BusinessID:     msg.BusinessID,
		Channel:        msg.Channel,
		Recipient:      msg.Recipient,
		Status:         "pending",
		CreatedAt:      time.Now().UTC(),
	}
	if err := w.store.InsertNotification(ctx, notification); err != nil {
		return err
	}

	provider := w.email
	if msg.Channel == "sms" {
		provider = w.sms
	}

	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		lastErr = provider.Send(ctx, msg)
		if lastErr == nil {
			return w.store.MarkNotificationSent(ctx, notification.NotificationID)
		}
		if err := w.store.MarkNotificationFailed(ctx, notification.NotificationID, lastErr.Error()); err != nil {
			return err
		}
	}
	return w.store.InsertDLQ(ctx, notification.NotificationID, "max attempts reached")
}

type channelTarget struct {
	channel   string
	recipient string
}

func pickChannels(entry models.Entry) []channelTarget {
	var channels []channelTarget
	if entry.CustomerPhone != "" {
		channels = append(channels, channelTarget{channel: "sms", recipient: entry.CustomerPhone})
	}
	if entry.CustomerEmail != "" {
		channels = append(channels, channelTarget{channel: "email", recipient: entry.CustomerEmail})
	}
	return channels
}

func templateForEvent(eventType string) string {
	switch eventType {
	case store.EventNearTurn:
		return "You're almost up! Number {queue_number} has {positions_ahead} ahead, about {estimated_minutes} min."
	case store.EventCustomerCalled:
		return "It's your turn! Number {queue_number}, please proceed to {counter_name}."
	case store.EventCustomerCompleted:
		return "Thanks for visiting. Number {queue_number} is all done."
	case store.EventCustomerSkipped:
		return "Number {queue_number} was skipped. Please see the front desk."
	case store.EventQueueTransferred:
		return "Number {queue_number} moved to {counter_name}."
	default:
		return ""
	}
}

func renderTemplate(template string, payload eventPayload) string {
	result := template
	if payload.Entry != nil {
		result = strings.ReplaceAll(result, "{queue_number}", payload.Entry.QueueNumber)
		result = strings.ReplaceAll(result, "{position}", strconv.Itoa(payload.Entry.Position))
		result = strings.ReplaceAll(result, "{estimated_minutes}", strconv.Itoa(payload.Entry.EstimatedMinutes))
		ahead := payload.Entry.Position - 1
		if payload.PositionsAhead != nil {
			ahead = *payload.PositionsAhead
		}
		result = strings.ReplaceAll(result, "{positions_ahead}", strconv.Itoa(ahead))
	}
	counterName := ""
	if payload.Counter != nil {
		counterName = payload.Counter.Name
	}
	if counterName == "" {
		counterName = "the counter"
	}
	return strings.ReplaceAll(result, "{counter_name}", counterName)
}

// Start runs the worker on a fixed interval until ctx is cancelled.
func Start(ctx context.Context, interval time.Duration, w *Worker) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Run(ctx); err != nil {
				log.Printf("notify worker error: %v", err)
			}
		}
	}
}
