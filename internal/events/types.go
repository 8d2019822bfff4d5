// Package events provides the in-process event bus that surfaces
// detection and station lifecycle notifications to subscribers such as
// the websocket feed.
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event.
type EventType string

const (
	// Detection events
	EventDetectionRecorded   EventType = "detection.recorded"
	EventDetectionUnresolved EventType = "detection.unresolved"

	// Station events
	EventStationPollFailed EventType = "station.poll.failed"
	EventStationUnhealthy  EventType = "station.unhealthy"
	EventStationRecovered  EventType = "station.recovered"

	// Track events
	EventTrackCreated EventType = "track.created"
	EventTrackMerged  EventType = "track.merged"

	// System events
	EventSystemStarted EventType = "system.started"
	EventSystemStopped EventType = "system.stopped"
)

// Event represents a system event.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewEvent builds an event stamped with an ID and timestamp.
func NewEvent(eventType EventType, source, title, message string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Title:     title,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// EventHandler represents a function that handles events.
type EventHandler func(event Event)
