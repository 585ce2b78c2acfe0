package models

import "time"

type Entry struct {
	EntryID           string     `json:"entry_id"`
	QueueNumber       string     `json:"queue_number"`
	BusinessID        string     `json:"business_id"`
	ServiceType       string     `json:"service_type"`
	CustomerName      string     `json:"customer_name,omitempty"`
	CustomerPhone     string     `json:"customer_phone,omitempty"`
	CustomerEmail     string     `json:"customer_email,omitempty"`
	Notes             string     `json:"notes,omitempty"`
	Priority          bool       `json:"priority,omitempty"`
	Status            string     `json:"status"`
	Position          int        `json:"position,omitempty"`
	EstimatedMinutes  int        `json:"estimated_minutes"`
	CounterID         *string    `json:"counter_id,omitempty"`
	NotifiedPositions []int      `json:"notified_positions,omitempty"`
	JoinedAt          time.Time  `json:"joined_at"`
	CalledAt          *time.Time `json:"called_at,omitempty"`
	ServingAt         *time.Time `json:"serving_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

const (
	StatusWaiting   = "waiting"
	StatusCalled    = "called"
	StatusServing   = "serving"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusSkipped   = "skipped"
)

// Terminal reports whether status admits no further transition.
func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusCancelled, StatusSkipped:
		return true
	default:
		return false
	}
}
