package store

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

type dayHours struct {
	Open   string `json:"open"`
	Close  string `json:"close"`
	IsOpen bool   `json:"is_open"`
}

// IsOpen checks an operating-hours JSON document (weekday name, lowercase,
// mapped to open/close "HH:MM" ranges) against the given wall-clock time.
// A missing or empty document means always open; a malformed one means
// closed.
func IsOpen(hoursJSON string, at time.Time) bool {
	if strings.TrimSpace(hoursJSON) == "" {
		return true
	}
	var hours map[string]dayHours
	if err := json.Unmarshal([]byte(hoursJSON), &hours); err != nil {
		return false
	}
	if len(hours) == 0 {
		return true
	}
	day := strings.ToLower(at.Weekday().String())
	today, ok := hours[day]
	if !ok || !today.IsOpen {
		return false
	}
	openAt, okOpen := parseClock(today.Open)
	closeAt, okClose := parseClock(today.Close)
	if !okOpen || !okClose {
		return false
	}
	now := at.Hour()*60 + at.Minute()
	return now >= openAt && now <= closeAt
}

func parseClock(value string) (int, bool) {
	parts := strings.SplitN(strings.TrimSpace(value), ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, false
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, false
	}
	return hour*60 + minute, true
}
