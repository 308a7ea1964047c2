// Package server is the reference tracking backend: the WebSocket endpoint
// the client channel speaks to, the in-memory session registry, and a small
// HTTP surface for health and session inspection.
package server

import (
	"log/slog"
	"sync"
	"time"

	"livetrack/internal/domain/geo"
	"livetrack/internal/domain/track"

	"github.com/google/uuid"
)

// session is one live tracking session and its audience.
type session struct {
	info         track.SessionInfo
	owner        *client
	spectators   map[*client]struct{}
	lastLocation *geo.LocationSample
}

func (s *session) infoSnapshot() track.SessionInfo {
	info := s.info
	info.SpectatorCount = len(s.spectators)
	return info
}

// participants returns everyone attached to the session, owner included.
func (s *session) participants() []*client {
	out := make([]*client, 0, len(s.spectators)+1)
	if s.owner != nil {
		out = append(out, s.owner)
	}
	for c := range s.spectators {
		out = append(out, c)
	}
	return out
}

// Hub is the registry of live sessions, keyed by the tracked entity. At most
// one session exists per entity at any time.
type Hub struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[int64]*session
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:   logger,
		sessions: make(map[int64]*session),
	}
}

// StartSession opens a session for entityID owned by c. An entity already
// being tracked is a domain rejection.
func (h *Hub) StartSession(entityID int64, c *client) (track.SessionInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.sessions[entityID]; ok && existing.owner != nil {
		return track.SessionInfo{}, track.NewDomainError(track.CodeAlreadyTracking,
			"entity is already being tracked")
	}

	s := &session{
		info: track.SessionInfo{
			SessionID:   uuid.NewString(),
			EntityID:    entityID,
			OwnerUserID: c.userID,
			StartedAt:   time.Now().UTC(),
		},
		owner:      c,
		spectators: make(map[*client]struct{}),
	}
	h.sessions[entityID] = s

	h.logger.Info("session started", "action", "session_started",
		"session_id", s.info.SessionID, "entity_id", entityID, "owner_user_id", c.userID)
	return s.infoSnapshot(), nil
}

// StopSession ends the session for entityID. Stopping an entity that is not
// being tracked resolves (idempotent); stopping someone else's session is a
// rejection. The returned audience still needs the stop broadcast.
func (h *Hub) StopSession(entityID, userID int64) (track.SessionInfo, []*client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[entityID]
	if !ok {
		return track.SessionInfo{}, nil, nil
	}
	if s.owner != nil && s.owner.userID != userID {
		return track.SessionInfo{}, nil, track.NewDomainError(track.CodeNotAuthorized,
			"session is owned by another user")
	}

	delete(h.sessions, entityID)
	h.logger.Info("session stopped", "action", "session_stopped",
		"session_id", s.info.SessionID, "entity_id", entityID)
	return s.infoSnapshot(), s.participants(), nil
}

// UpdateLocation records a location for entityID's session and returns the
// audience for the broadcast. Stale samples (older than the last accepted
// one) are dropped with a successful no-op.
func (h *Hub) UpdateLocation(entityID, userID int64, sample geo.LocationSample) (track.SessionInfo, []*client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[entityID]
	if !ok || s.owner == nil {
		return track.SessionInfo{}, nil, track.NewDomainError(track.CodeNotTracking,
			"no active session for entity")
	}
	if s.owner.userID != userID {
		return track.SessionInfo{}, nil, track.NewDomainError(track.CodeNotAuthorized,
			"only the session owner may push locations")
	}
	if s.lastLocation != nil && sample.TimestampMs < s.lastLocation.TimestampMs {
		return s.infoSnapshot(), nil, nil
	}

	loc := sample
	s.lastLocation = &loc
	return s.infoSnapshot(), s.participants(), nil
}

// Join registers c as a spectator of entityID's session.
func (h *Hub) Join(entityID int64, c *client) (track.SessionInfo, []*client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[entityID]
	if !ok {
		return track.SessionInfo{}, nil, track.NewDomainError(track.CodeSessionNotFound,
			"no session for entity")
	}
	s.spectators[c] = struct{}{}

	h.logger.Info("spectator joined", "action", "spectator_joined",
		"session_id", s.info.SessionID, "entity_id", entityID, "user_id", c.userID)
	return s.infoSnapshot(), s.participants(), nil
}

// CurrentLocation returns the last accepted location for entityID, or nil
// when none was recorded yet.
func (h *Hub) CurrentLocation(entityID int64) (*geo.LocationSample, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, ok := h.sessions[entityID]
	if !ok {
		return nil, track.NewDomainError(track.CodeSessionNotFound, "no session for entity")
	}
	if s.lastLocation == nil {
		return nil, nil
	}
	loc := *s.lastLocation
	return &loc, nil
}

// endedSession is a session torn down because its owner went away, with the
// spectators that must be notified.
type endedSession struct {
	Info     track.SessionInfo
	Audience []*client
}

// DropClient detaches c everywhere: sessions it owned are ended, spectator
// seats are vacated.
func (h *Hub) DropClient(c *client) []endedSession {
	h.mu.Lock()
	defer h.mu.Unlock()

	var ended []endedSession
	for entityID, s := range h.sessions {
		if s.owner == c {
			delete(h.sessions, entityID)
			h.logger.Info("session ended, tracker disconnected", "action", "session_dropped",
				"session_id", s.info.SessionID, "entity_id", entityID)
			spectators := make([]*client, 0, len(s.spectators))
			for sp := range s.spectators {
				spectators = append(spectators, sp)
			}
			ended = append(ended, endedSession{Info: s.infoSnapshot(), Audience: spectators})
			continue
		}
		delete(s.spectators, c)
	}
	return ended
}

// Sessions snapshots every live session for the inspection API.
func (h *Hub) Sessions() []track.SessionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]track.SessionInfo, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s.infoSnapshot())
	}
	return out
}
