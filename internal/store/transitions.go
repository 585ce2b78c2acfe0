package store

import "qline/queue-service/internal/models"

const (
	ActionCallNext     = "call_next"
	ActionStartServing = "start_serving"
	ActionComplete     = "complete"
	ActionSkip         = "skip"
	ActionCancel       = "cancel"
	ActionTransfer     = "transfer"
)

var transitionMap = map[string][]string{
	ActionCallNext:     {models.StatusWaiting},
	ActionStartServing: {models.StatusCalled},
	ActionComplete:     {models.StatusCalled, models.StatusServing},
	ActionSkip:         {models.StatusWaiting, models.StatusCalled},
	ActionCancel:       {models.StatusWaiting},
	ActionTransfer:     {models.StatusCalled, models.StatusServing},
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}
