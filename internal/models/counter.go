package models

import "time"

type Counter struct {
	CounterID       string     `json:"counter_id"`
	BusinessID      string     `json:"business_id"`
	Name            string     `json:"name"`
	Number          int        `json:"number"`
	ServiceType     string     `json:"service_type"`
	Status          string     `json:"status"`
	Active          bool       `json:"active"`
	CurrentEntryID  *string    `json:"current_entry_id,omitempty"`
	BreakMinutes    int        `json:"break_minutes"`
	NextAvailableAt *time.Time `json:"next_available_at,omitempty"`
}

const (
	CounterActive   = "active"
	CounterInactive = "inactive"
	CounterBusy     = "busy"
	CounterBreak    = "break"
)

// ServiceTypeGeneral counters accept entries of any service type.
const ServiceTypeGeneral = "general"

// ServiceTypeAll in a call-next request means no filter at all.
const ServiceTypeAll = "all"

// DefaultBreakMinutes applies when a break is started without a duration.
const DefaultBreakMinutes = 15

func ValidCounterStatus(status string) bool {
	switch status {
	case CounterActive, CounterInactive, CounterBusy, CounterBreak:
		return true
	default:
		return false
	}
}
