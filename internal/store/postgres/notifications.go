package postgres

import (
	"context"
	"errors"

	"qline/queue-service/internal/store"

	"github.com/jackc/pgx/v5"
)

func (s *Store) IsNotificationsEnabled(ctx context.Context, businessID string) (bool, error) {
	var enabled bool
	row := s.pool.QueryRow(ctx, `
		SELECT notifications_enabled FROM businesses WHERE business_id = $1
	`, businessID)
	if err := row.Scan(&enabled); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, store.ErrBusinessNotFound
		}
		return false, err
	}
	return enabled, nil
}

func (s *Store) InsertNotification(ctx context.Context, notification store.Notification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (notification_id, business_id, channel, recipient, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, notification.NotificationID, notification.BusinessID, notification.Channel,
		notification.Recipient, notification.Status, notification.Attempts, notification.CreatedAt)
	return err
}

func (s *Store) MarkNotificationSent(ctx context.Context, notificationID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE notifications SET status = 'sent', attempts = attempts + 1 WHERE notification_id = $1
	`, notificationID)
	return err
}

func (s *Store) MarkNotificationFailed(ctx context.Context, notificationID, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE notifications SET status = 'failed', attempts = attempts + 1, last_error = $2
		WHERE notification_id = $1
	`, notificationID, lastError)
	return err
}

func (s *Store) InsertDLQ(ctx context.Context, notificationID, reason string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notification_dlq (notification_id, reason)
		VALUES ($1, $2)
		ON CONFLICT (notification_id) DO UPDATE SET reason = EXCLUDED.reason
	`, notificationID, reason)
	return err
}
