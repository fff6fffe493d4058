package model

import "time"

// Email event types
const (
	EventSent         = "sent"
	EventDelivered    = "delivered"
	EventOpened       = "opened"
	EventClicked      = "clicked"
	EventBounced      = "bounced"
	EventComplained   = "complained"
	EventFailed       = "failed"
	EventDeferred     = "deferred"
	EventUnsubscribed = "unsubscribed"
	EventBlocked      = "blocked"
)

// ValidEventTypes lists every accepted event type
var ValidEventTypes = map[string]bool{
	EventSent:         true,
	EventDelivered:    true,
	EventOpened:       true,
	EventClicked:      true,
	EventBounced:      true,
	EventComplained:   true,
	EventFailed:       true,
	EventDeferred:     true,
	EventUnsubscribed: true,
	EventBlocked:      true,
}

// IsSuccessEvent reports whether the event type counts towards the success rate
func IsSuccessEvent(eventType string) bool {
	switch eventType {
	case EventSent, EventDelivered, EventOpened, EventClicked:
		return true
	}
	return false
}

// IsFailureEvent reports whether the event type counts as a failed delivery
func IsFailureEvent(eventType string) bool {
	switch eventType {
	case EventBounced, EventFailed, EventBlocked:
		return true
	}
	return false
}

// EmailEvent is a recorded delivery event
type EmailEvent struct {
	ID        string                 `json:"id"`
	EventType string                 `json:"eventType"`
	Provider  *string                `json:"provider,omitempty"`
	IPAddress *string                `json:"ipAddress,omitempty"`
	MessageID *string                `json:"messageId,omitempty"`
	Recipient *string                `json:"recipient,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// EmailStats aggregates events in a time range
type EmailStats struct {
	Total      int            `json:"total"`
	Success    int            `json:"success"`
	Failed     int            `json:"failed"`
	ByStatus   map[string]int `json:"byStatus"`
	ByProvider map[string]int `json:"byProvider"`
	ByHour     map[string]int `json:"byHour"`
}

// Provider health levels derived from the success rate
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// ProviderHealth summarises recent delivery events for one provider
type ProviderHealth struct {
	Provider    string     `json:"provider"`
	Status      string     `json:"status"`
	Total       int        `json:"total"`
	Success     int        `json:"success"`
	SuccessRate float64    `json:"successRate"`
	LastEvent   *time.Time `json:"lastEvent,omitempty"`
}

// HealthForRate maps a success rate to a health level
func HealthForRate(rate float64) string {
	switch {
	case rate > 0.9:
		return HealthHealthy
	case rate > 0.7:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}
