package models

type Business struct {
	BusinessID            string  `json:"business_id"`
	Name                  string  `json:"name"`
	Code                  string  `json:"code"`
	Active                bool    `json:"active"`
	AllowRemoteJoin       bool    `json:"allow_remote_join"`
	MaxQueueLength        int     `json:"max_queue_length"`
	NotifyBeforePositions int     `json:"notify_before_positions"`
	NotificationsEnabled  bool    `json:"notifications_enabled"`
	HoursJSON             string  `json:"hours_json,omitempty"`
	AvgServingMinutes     float64 `json:"avg_serving_minutes"`
	TotalServed           int64   `json:"total_served"`
}
