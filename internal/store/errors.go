package store

import "errors"

var (
	ErrBusinessNotFound   = errors.New("business not found")
	ErrBusinessClosed     = errors.New("business closed")
	ErrQueueFull          = errors.New("queue full")
	ErrEntryNotFound      = errors.New("entry not found")
	ErrCounterNotFound    = errors.New("counter not found")
	ErrNoCounterAvailable = errors.New("no counter available")
	ErrQueueEmpty         = errors.New("no customers waiting")
	ErrCounterBusy        = errors.New("counter busy")
	ErrInvalidState       = errors.New("invalid entry state")
	ErrConflict           = errors.New("concurrent update conflict")
)
