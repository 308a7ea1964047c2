// Package track defines the tracking domain: session lifecycle states, the
// wire protocol spoken over the live channel, and the domain error taxonomy.
package track

import "time"

// SessionState is the tracker-side lifecycle of the live channel and the
// active session.
type SessionState string

const (
	StateIdle       SessionState = "IDLE"
	StateConnecting SessionState = "CONNECTING"
	StateConnected  SessionState = "CONNECTED"
	StateTracking   SessionState = "TRACKING"
	StateStopped    SessionState = "STOPPED"
)

// SpectatorState is the read-only observer's lifecycle.
type SpectatorState string

const (
	SpectatingIdle  SpectatorState = "SPECTATING_IDLE"
	SpectatorJoined SpectatorState = "SPECTATOR_JOINED"
)

// SessionInfo describes one live tracking session as the backend reports it.
type SessionInfo struct {
	SessionID      string    `json:"session_id"`
	EntityID       int64     `json:"entity_id"`
	OwnerUserID    int64     `json:"owner_user_id,omitempty"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	SpectatorCount int       `json:"spectator_count,omitempty"`
}
