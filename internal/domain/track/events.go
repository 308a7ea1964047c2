package track

import "livetrack/internal/domain/geo"

// EventType tags the decoded inbound events the channel hands to its
// consumer.
type EventType string

const (
	EventLocationUpdated         EventType = "location_updated"
	EventTrackingStartedAck      EventType = "tracking_started_ack"
	EventTrackingStopped         EventType = "tracking_stopped"
	EventTrackingStoppedBySystem EventType = "tracking_stopped_by_system"
	EventTrackingError           EventType = "tracking_error"
	EventSpectatorJoined         EventType = "spectator_joined"
	EventSpectatorJoinedAck      EventType = "spectator_joined_ack"

	// Connectivity events synthesized by the channel itself, delivered on
	// the same stream so the consumer observes one ordered history.
	EventConnected      EventType = "connected"
	EventDisconnected   EventType = "disconnected"
	EventConnectionLost EventType = "connection_lost"
)

// Event is one decoded inbound occurrence. Only the fields relevant to the
// type are set.
type Event struct {
	Type       EventType
	EntityID   int64
	SessionID  string
	Location   *geo.LocationSample
	Session    *SessionInfo
	Spectators int
	Reason     string
	Err        error
}
