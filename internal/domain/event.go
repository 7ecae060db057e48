package domain

import (
	"time"
)

// EventType names a server-pushed notification
type EventType string

const (
	EventCallIncoming      EventType = "call-incoming"
	EventCallAccepted      EventType = "call-accepted"
	EventCallDeclined      EventType = "call-declined"
	EventCallEnded         EventType = "call-ended"
	EventCallCancelled     EventType = "call-cancelled"
	EventCallMissed        EventType = "call-missed"
	EventParticipantLeft   EventType = "call-participant-left"
	EventSettingsUpdated   EventType = "call-settings-updated"
	EventProducerAvailable EventType = "producer-available"
	EventProducerClosed    EventType = "producer-closed"
	EventTransportState    EventType = "transport-state-changed"
)

// Event is one notification addressed to a user's channels
type Event struct {
	Type      EventType `json:"event"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"ts"`
}

// NewEvent stamps an event with the current time
func NewEvent(eventType EventType, data any) Event {
	return Event{Type: eventType, Data: data, Timestamp: time.Now().UTC()}
}
