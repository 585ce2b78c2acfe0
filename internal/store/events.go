package store

// Outbox event types. Realtime subscribers and the notification dispatcher
// both key off these.
const (
	EventCustomerJoined       = "customer_joined"
	EventCustomerCalled       = "customer_called"
	EventCustomerServing      = "customer_serving"
	EventCustomerCompleted    = "customer_completed"
	EventCustomerSkipped      = "customer_skipped"
	EventCustomerCancelled    = "customer_cancelled"
	EventQueueTransferred     = "queue_transferred"
	EventNearTurn             = "near_turn"
	EventCounterStatusChanged = "counter_status_changed"
	EventCounterBreakStarted  = "counter_break_started"
	EventCounterBreakEnded    = "counter_break_ended"
)
