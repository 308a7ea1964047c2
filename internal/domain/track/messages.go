package track

import (
	"encoding/json"

	"livetrack/internal/domain/geo"
)

// Message types carried in the envelope's type field. Client-to-server
// requests first, then server pushes.
const (
	TypeAuth               = "auth"
	TypeStartTracking      = "start_tracking"
	TypeStopTracking       = "stop_tracking"
	TypeUpdateLocation     = "update_location"
	TypeJoinTracking       = "join_tracking"
	TypeGetCurrentLocation = "get_current_location"

	TypeResult                  = "result"
	TypeLocationUpdated         = "location_updated"
	TypeTrackingStartedAck      = "tracking_started_ack"
	TypeTrackingStopped         = "tracking_stopped"
	TypeTrackingStoppedBySystem = "tracking_stopped_by_system"
	TypeTrackingError           = "tracking_error"
	TypeSpectatorJoined         = "spectator_joined"
	TypeSpectatorJoinedAck      = "spectator_joined_ack"
)

// Envelope is the single frame format on the wire. ID correlates a request
// with its result; server pushes leave it empty.
type Envelope struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into a typed frame.
func NewEnvelope(msgType, id string, payload any) (Envelope, error) {
	env := Envelope{Type: msgType, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Data = data
	}
	return env, nil
}

// AuthPayload is the first frame on every connection.
type AuthPayload struct {
	Token  string `json:"token"`
	UserID int64  `json:"user_id"`
}

type StartTrackingPayload struct {
	EntityID int64 `json:"entity_id"`
	UserID   int64 `json:"user_id"`
}

type StopTrackingPayload struct {
	EntityID int64 `json:"entity_id"`
	UserID   int64 `json:"user_id"`
}

type UpdateLocationPayload struct {
	EntityID       int64   `json:"entity_id"`
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	AccuracyMeters float64 `json:"accuracy_meters,omitempty"`
	TimestampMs    int64   `json:"timestamp_ms"`
}

// Sample converts the payload back into a location sample.
func (p UpdateLocationPayload) Sample() geo.LocationSample {
	return geo.LocationSample{
		Lat:            p.Lat,
		Lng:            p.Lng,
		AccuracyMeters: p.AccuracyMeters,
		TimestampMs:    p.TimestampMs,
	}
}

type JoinTrackingPayload struct {
	EntityID int64 `json:"entity_id"`
	UserID   int64 `json:"user_id"`
}

type GetCurrentLocationPayload struct {
	EntityID int64 `json:"entity_id"`
}

// ResultPayload is the uniform resolution of every request: Success plus at
// most one of Error, Session, Location depending on the operation.
type ResultPayload struct {
	Success  bool                `json:"success"`
	Error    *DomainError        `json:"error,omitempty"`
	Session  *SessionInfo        `json:"session,omitempty"`
	Location *geo.LocationSample `json:"location,omitempty"`
}

// LocationUpdatedPayload is the broadcast echo of an accepted location
// update, delivered to the tracker and every spectator.
type LocationUpdatedPayload struct {
	EntityID       int64   `json:"entity_id"`
	SessionID      string  `json:"session_id"`
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	AccuracyMeters float64 `json:"accuracy_meters,omitempty"`
	TimestampMs    int64   `json:"timestamp_ms"`
}

func (p LocationUpdatedPayload) Sample() geo.LocationSample {
	return geo.LocationSample{
		Lat:            p.Lat,
		Lng:            p.Lng,
		AccuracyMeters: p.AccuracyMeters,
		TimestampMs:    p.TimestampMs,
	}
}

type TrackingStartedAckPayload struct {
	Session SessionInfo `json:"session"`
}

// TrackingStoppedPayload announces the end of a session, either by its
// owner or by the system (Reason set).
type TrackingStoppedPayload struct {
	EntityID  int64  `json:"entity_id"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

type TrackingErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type SpectatorJoinedPayload struct {
	EntityID        int64  `json:"entity_id"`
	SessionID       string `json:"session_id"`
	TotalSpectators int    `json:"total_spectators"`
}
