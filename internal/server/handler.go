package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"livetrack/internal/common/auth"
	"livetrack/internal/domain/geo"
	"livetrack/internal/domain/track"

	"github.com/gorilla/websocket"
)

const (
	authWindow   = 5 * time.Second
	readWindow   = 60 * time.Second
	pingInterval = 30 * time.Second
	writeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// client is one authenticated connection. A per-connection write lock keeps
// the ping loop and broadcasts from interleaving frames.
type client struct {
	userID  int64
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) send(env track.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(env)
}

func (c *client) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// Archiver persists accepted locations. Optional; a nil Archiver disables
// history.
type Archiver interface {
	Archive(ctx context.Context, entityID int64, sessionID string, sample geo.LocationSample) error
}

// Publisher fans accepted locations out to interested systems. Optional.
type Publisher interface {
	PublishLocation(entityID int64, sessionID string, sample geo.LocationSample) error
}

// Handler is the WebSocket endpoint of the tracking backend.
type Handler struct {
	logger  *slog.Logger
	authMgr *auth.Manager
	hub     *Hub
	archive Archiver
	publish Publisher
}

func NewHandler(logger *slog.Logger, authMgr *auth.Manager, hub *Hub, archive Archiver, publish Publisher) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:  logger,
		authMgr: authMgr,
		hub:     hub,
		archive: archive,
		publish: publish,
	}
}

// ServeWS upgrades, authenticates, and runs the connection's read loop.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", "action", "ws_upgrade_failed", "error", err.Error())
		return
	}
	defer conn.Close()

	conn.SetReadLimit(1 << 20)

	c, err := h.authenticate(conn)
	if err != nil {
		h.logger.Warn("auth failed", "action", "ws_auth_failed", "error", err.Error())
		return
	}
	h.logger.Info("client connected", "action", "ws_connected", "user_id", c.userID)

	// keepalive: server pings, client pongs extend the read deadline
	_ = conn.SetReadDeadline(time.Now().Add(readWindow))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWindow))
	})
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ticker.C:
				if err := c.ping(); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	defer h.drop(c)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readWindow))
		var env track.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("connection closed unexpectedly", "action", "ws_unexpected_close",
					"user_id", c.userID, "error", err.Error())
			}
			return
		}
		h.route(r.Context(), c, env)
	}
}

// authenticate enforces the auth-frame-first contract within the auth window.
func (h *Handler) authenticate(conn *websocket.Conn) (*client, error) {
	_ = conn.SetReadDeadline(time.Now().Add(authWindow))

	var env track.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return nil, err
	}
	c := &client{conn: conn}
	if env.Type != track.TypeAuth {
		h.reject(c, env.ID, track.NewDomainError(track.CodeBadRequest, "first frame must be auth"))
		return nil, track.NewDomainError(track.CodeBadRequest, "first frame must be auth")
	}

	var payload track.AuthPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		h.reject(c, env.ID, track.NewDomainError(track.CodeBadRequest, "malformed auth payload"))
		return nil, err
	}
	raw, err := auth.StripBearer(payload.Token)
	if err != nil {
		h.reject(c, env.ID, track.NewDomainError(track.CodeNotAuthorized, err.Error()))
		return nil, err
	}
	claims, err := h.authMgr.ParseAndValidate(raw)
	if err != nil {
		h.reject(c, env.ID, track.NewDomainError(track.CodeNotAuthorized, "invalid token"))
		return nil, err
	}
	userID, err := claims.UserID()
	if err != nil {
		h.reject(c, env.ID, track.NewDomainError(track.CodeNotAuthorized, "invalid subject"))
		return nil, err
	}
	c.userID = userID

	if err := h.result(c, env.ID, track.ResultPayload{Success: true}); err != nil {
		return nil, err
	}
	return c, nil
}

func (h *Handler) route(ctx context.Context, c *client, env track.Envelope) {
	switch env.Type {
	case track.TypeStartTracking:
		h.handleStart(c, env)
	case track.TypeStopTracking:
		h.handleStop(c, env)
	case track.TypeUpdateLocation:
		h.handleUpdate(ctx, c, env)
	case track.TypeJoinTracking:
		h.handleJoin(c, env)
	case track.TypeGetCurrentLocation:
		h.handleGetLocation(c, env)
	default:
		h.reject(c, env.ID, track.NewDomainError(track.CodeBadRequest, "unknown message type"))
	}
}

func (h *Handler) handleStart(c *client, env track.Envelope) {
	var payload track.StartTrackingPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		h.reject(c, env.ID, track.NewDomainError(track.CodeBadRequest, "malformed payload"))
		return
	}

	info, err := h.hub.StartSession(payload.EntityID, c)
	if err != nil {
		h.rejectDomain(c, env.ID, err)
		return
	}
	_ = h.result(c, env.ID, track.ResultPayload{Success: true, Session: &info})

	h.broadcast(h.audienceOf(payload.EntityID, c), track.TypeTrackingStartedAck,
		track.TrackingStartedAckPayload{Session: info})
}

func (h *Handler) handleStop(c *client, env track.Envelope) {
	var payload track.StopTrackingPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		h.reject(c, env.ID, track.NewDomainError(track.CodeBadRequest, "malformed payload"))
		return
	}

	info, audience, err := h.hub.StopSession(payload.EntityID, c.userID)
	if err != nil {
		h.rejectDomain(c, env.ID, err)
		return
	}
	_ = h.result(c, env.ID, track.ResultPayload{Success: true})

	if info.SessionID == "" {
		return
	}
	h.broadcastExcept(audience, c, track.TypeTrackingStopped, track.TrackingStoppedPayload{
		EntityID:  info.EntityID,
		SessionID: info.SessionID,
	})
}

func (h *Handler) handleUpdate(ctx context.Context, c *client, env track.Envelope) {
	var payload track.UpdateLocationPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		h.reject(c, env.ID, track.NewDomainError(track.CodeBadRequest, "malformed payload"))
		return
	}
	sample := payload.Sample()
	if sample.TimestampMs == 0 {
		sample.TimestampMs = time.Now().UnixMilli()
	}
	if err := sample.Validate(); err != nil {
		h.reject(c, env.ID, track.NewDomainError(track.CodeBadRequest, err.Error()))
		return
	}

	info, audience, err := h.hub.UpdateLocation(payload.EntityID, c.userID, sample)
	if err != nil {
		h.rejectDomain(c, env.ID, err)
		return
	}
	_ = h.result(c, env.ID, track.ResultPayload{Success: true})

	// the tracker itself is in the audience: the echo drives its local
	// statistics and display
	h.broadcast(audience, track.TypeLocationUpdated, track.LocationUpdatedPayload{
		EntityID:       info.EntityID,
		SessionID:      info.SessionID,
		Lat:            sample.Lat,
		Lng:            sample.Lng,
		AccuracyMeters: sample.AccuracyMeters,
		TimestampMs:    sample.TimestampMs,
	})

	if h.archive != nil {
		if err := h.archive.Archive(ctx, info.EntityID, info.SessionID, sample); err != nil {
			h.logger.Error("history archive failed", "action", "archive_failed",
				"session_id", info.SessionID, "error", err.Error())
		}
	}
	if h.publish != nil {
		if err := h.publish.PublishLocation(info.EntityID, info.SessionID, sample); err != nil {
			h.logger.Error("location publish failed", "action", "publish_failed",
				"session_id", info.SessionID, "error", err.Error())
		}
	}
}

func (h *Handler) handleJoin(c *client, env track.Envelope) {
	var payload track.JoinTrackingPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		h.reject(c, env.ID, track.NewDomainError(track.CodeBadRequest, "malformed payload"))
		return
	}

	info, audience, err := h.hub.Join(payload.EntityID, c)
	if err != nil {
		h.rejectDomain(c, env.ID, err)
		return
	}
	_ = h.result(c, env.ID, track.ResultPayload{Success: true, Session: &info})

	joined := track.SpectatorJoinedPayload{
		EntityID:        info.EntityID,
		SessionID:       info.SessionID,
		TotalSpectators: info.SpectatorCount,
	}
	h.broadcastExcept(audience, c, track.TypeSpectatorJoined, joined)
	h.push(c, track.TypeSpectatorJoinedAck, joined)
}

func (h *Handler) handleGetLocation(c *client, env track.Envelope) {
	var payload track.GetCurrentLocationPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		h.reject(c, env.ID, track.NewDomainError(track.CodeBadRequest, "malformed payload"))
		return
	}

	loc, err := h.hub.CurrentLocation(payload.EntityID)
	if err != nil {
		h.rejectDomain(c, env.ID, err)
		return
	}
	_ = h.result(c, env.ID, track.ResultPayload{Success: true, Location: loc})
}

// drop ends everything the departing connection owned and tells its
// spectators the session was closed by the system.
func (h *Handler) drop(c *client) {
	for _, ended := range h.hub.DropClient(c) {
		h.broadcast(ended.Audience, track.TypeTrackingStoppedBySystem, track.TrackingStoppedPayload{
			EntityID:  ended.Info.EntityID,
			SessionID: ended.Info.SessionID,
			Reason:    "tracker disconnected",
		})
	}
	h.logger.Info("client disconnected", "action", "ws_disconnected", "user_id", c.userID)
}

func (h *Handler) audienceOf(entityID int64, exclude *client) []*client {
	h.hub.mu.RLock()
	defer h.hub.mu.RUnlock()
	s, ok := h.hub.sessions[entityID]
	if !ok {
		return nil
	}
	var out []*client
	for _, p := range s.participants() {
		if p != exclude {
			out = append(out, p)
		}
	}
	return out
}

func (h *Handler) result(c *client, id string, res track.ResultPayload) error {
	env, err := track.NewEnvelope(track.TypeResult, id, res)
	if err != nil {
		return err
	}
	return c.send(env)
}

func (h *Handler) reject(c *client, id string, derr *track.DomainError) {
	_ = h.result(c, id, track.ResultPayload{Success: false, Error: derr})
}

func (h *Handler) rejectDomain(c *client, id string, err error) {
	if derr := track.AsDomainError(err); derr != nil {
		h.reject(c, id, derr)
		return
	}
	h.reject(c, id, track.NewDomainError(track.CodeBadRequest, err.Error()))
}

func (h *Handler) push(c *client, msgType string, payload any) {
	env, err := track.NewEnvelope(msgType, "", payload)
	if err != nil {
		return
	}
	if err := c.send(env); err != nil {
		h.logger.Debug("push failed", "action", "push_failed", "type", msgType, "error", err.Error())
	}
}

func (h *Handler) broadcast(audience []*client, msgType string, payload any) {
	for _, c := range audience {
		h.push(c, msgType, payload)
	}
}

func (h *Handler) broadcastExcept(audience []*client, exclude *client, msgType string, payload any) {
	for _, c := range audience {
		if c != exclude {
			h.push(c, msgType, payload)
		}
	}
}
