// Package channel owns the bidirectional live-location connection to the
// tracking backend: connect/authenticate, correlated request/ack operations,
// the inbound event stream, and bounded automatic reconnection.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"livetrack/internal/common/auth"
	"livetrack/internal/domain/geo"
	"livetrack/internal/domain/track"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WSPath is the fixed namespace appended to the configured base URL.
const WSPath = "/ws/tracking"

// Config tunes the channel.
type Config struct {
	// BaseURL is the http(s) endpoint of the tracking backend; the channel
	// derives the ws(s) URL from it.
	BaseURL string
	// RequestTimeout bounds each request/ack round trip.
	RequestTimeout time.Duration
	// HandshakeTimeout bounds the dial plus auth exchange.
	HandshakeTimeout time.Duration
	// ReconnectMaxAttempts bounds automatic reconnection after an unexpected
	// disconnect; once exhausted the channel stays down until a fresh
	// Connect.
	ReconnectMaxAttempts uint64
	// ReconnectInitialBackoff / ReconnectMaxBackoff shape the wait between
	// attempts.
	ReconnectInitialBackoff time.Duration
	ReconnectMaxBackoff     time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReconnectMaxAttempts == 0 {
		c.ReconnectMaxAttempts = 5
	}
	if c.ReconnectInitialBackoff <= 0 {
		c.ReconnectInitialBackoff = time.Second
	}
	if c.ReconnectMaxBackoff <= 0 {
		c.ReconnectMaxBackoff = 5 * time.Second
	}
	return c
}

// Channel is a client of the tracking backend. One Channel holds at most one
// live connection; Connect while already connected is a no-op.
type Channel struct {
	cfg    Config
	tokens auth.TokenSource
	logger *slog.Logger

	events chan track.Event

	writeMu sync.Mutex // serializes frames onto the socket

	mu         sync.Mutex
	conn       *websocket.Conn
	connected  bool
	connecting bool
	closing    bool
	userID     int64
	pending    map[string]chan pendingResult
}

// pendingResult resolves one in-flight request: either the server's result
// payload or a transport failure.
type pendingResult struct {
	res track.ResultPayload
	err error
}

// New builds a disconnected channel.
func New(cfg Config, tokens auth.TokenSource, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		cfg:     cfg.withDefaults(),
		tokens:  tokens,
		logger:  logger,
		events:  make(chan track.Event, 128),
		pending: make(map[string]chan pendingResult),
	}
}

// Events is the inbound event stream: server pushes plus the channel's own
// connectivity events. The stream is never closed; consumers select against
// their own context.
func (c *Channel) Events() <-chan track.Event {
	return c.events
}

// Connected reports whether a live authenticated connection exists.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect establishes and authenticates the connection for userID. It fails
// fast when the token store holds no credential. Calling Connect while
// already connected, or while another Connect is mid-dial, resolves
// immediately without opening a second socket.
func (c *Channel) Connect(ctx context.Context, userID int64) error {
	c.mu.Lock()
	if c.connected || c.connecting {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.closing = false
	c.userID = userID
	c.mu.Unlock()

	conn, err := c.dialAndAuth(ctx, userID)
	if err != nil {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.connecting = false
	if c.closing {
		c.mu.Unlock()
		conn.Close()
		return errors.New("channel closed during connect")
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(conn)
	c.emit(track.Event{Type: track.EventConnected})
	return nil
}

// Disconnect tears the connection down. Idempotent and safe to call even if
// never connected. The channel does not reconnect after an explicit
// Disconnect.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.failPendingLocked(track.ErrNotConnected)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		conn.Close()
	}
}

// StartTracking asks the backend to open a session for entityID under the
// connected user. Business-rule refusals come back as *track.DomainError.
func (c *Channel) StartTracking(ctx context.Context, entityID int64) (track.SessionInfo, error) {
	res, err := c.request(ctx, track.TypeStartTracking, track.StartTrackingPayload{
		EntityID: entityID,
		UserID:   c.currentUserID(),
	})
	if err != nil {
		return track.SessionInfo{}, err
	}
	if res.Session == nil {
		return track.SessionInfo{}, errors.New("start_tracking result carried no session")
	}
	return *res.Session, nil
}

// StopTracking closes the session for entityID. Idempotent: stopping when no
// session is active resolves.
func (c *Channel) StopTracking(ctx context.Context, entityID int64) error {
	_, err := c.request(ctx, track.TypeStopTracking, track.StopTrackingPayload{
		EntityID: entityID,
		UserID:   c.currentUserID(),
	})
	return err
}

// UpdateLocation pushes one coordinate into the active session. No ack is
// required for correctness, but the error return lets the caller surface
// transport failures without blocking the sampling loop.
func (c *Channel) UpdateLocation(ctx context.Context, entityID int64, sample geo.LocationSample) error {
	_, err := c.request(ctx, track.TypeUpdateLocation, track.UpdateLocationPayload{
		EntityID:       entityID,
		Lat:            sample.Lat,
		Lng:            sample.Lng,
		AccuracyMeters: sample.AccuracyMeters,
		TimestampMs:    sample.TimestampMs,
	})
	return err
}

// JoinTracking registers the caller as a spectator of entityID's session.
func (c *Channel) JoinTracking(ctx context.Context, entityID int64) (track.SessionInfo, error) {
	res, err := c.request(ctx, track.TypeJoinTracking, track.JoinTrackingPayload{
		EntityID: entityID,
		UserID:   c.currentUserID(),
	})
	if err != nil {
		return track.SessionInfo{}, err
	}
	if res.Session == nil {
		return track.SessionInfo{}, errors.New("join_tracking result carried no session")
	}
	return *res.Session, nil
}

// GetCurrentLocation pulls the latest known location once, independent of
// the push stream. Returns nil when the session has no location yet.
func (c *Channel) GetCurrentLocation(ctx context.Context, entityID int64) (*geo.LocationSample, error) {
	res, err := c.request(ctx, track.TypeGetCurrentLocation, track.GetCurrentLocationPayload{
		EntityID: entityID,
	})
	if err != nil {
		return nil, err
	}
	return res.Location, nil
}

func (c *Channel) currentUserID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// dialAndAuth opens the socket and performs the auth exchange before any
// other traffic.
func (c *Channel) dialAndAuth(ctx context.Context, userID int64) (*websocket.Conn, error) {
	raw, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", track.ErrNoToken, err)
	}
	token, err := auth.StripBearer(raw)
	if err != nil {
		return nil, err
	}
	if err := auth.ExpiryCheck(token); err != nil {
		return nil, fmt.Errorf("%w: %v", track.ErrNoToken, err)
	}

	wsURL, err := deriveWSURL(c.cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	authID := uuid.NewString()
	env, err := track.NewEnvelope(track.TypeAuth, authID, track.AuthPayload{
		Token:  "Bearer " + token,
		UserID: userID,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteJSON(env); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	var reply track.Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("auth handshake: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	res, err := decodeResult(reply)
	if err != nil || reply.ID != authID {
		conn.Close()
		return nil, errors.New("auth handshake: unexpected reply")
	}
	if !res.Success {
		conn.Close()
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, errors.New("auth refused")
	}
	return conn, nil
}

// readLoop pumps inbound frames: correlated results to their waiters,
// everything else onto the event stream. On an unexpected read error it
// hands off to the reconnect loop.
func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		var env track.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.onReadFailure(conn, err)
			return
		}

		if env.Type == track.TypeResult && env.ID != "" {
			res, err := decodeResult(env)
			if err != nil {
				c.logger.Debug("bad result frame", "action", "frame_decode_failed", "error", err.Error())
				continue
			}
			c.deliverResult(env.ID, res)
			continue
		}

		ev, err := decodeEvent(env)
		if err != nil {
			c.logger.Debug("bad event frame", "action", "frame_decode_failed", "type", env.Type, "error", err.Error())
			continue
		}
		c.emit(ev)
	}
}

func (c *Channel) onReadFailure(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.closing || c.conn != conn {
		// deliberate Disconnect, or a stale loop from before a reconnect
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	c.failPendingLocked(track.ErrNotConnected)
	userID := c.userID
	c.mu.Unlock()

	conn.Close()
	c.logger.Warn("connection lost", "action", "ws_disconnected", "error", err.Error())
	c.emit(track.Event{Type: track.EventDisconnected, Err: err})

	go c.reconnect(userID)
}

// reconnect retries dial+auth with exponential backoff up to the configured
// bound. The session is NOT resumed; the controller observes EventConnected
// and re-issues start/join if it wants to continue.
func (c *Channel) reconnect(userID int64) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.ReconnectInitialBackoff
	policy.MaxInterval = c.cfg.ReconnectMaxBackoff
	policy.MaxElapsedTime = 0

	attempt := uint64(0)
	err := backoff.Retry(func() error {
		if c.isClosing() {
			return backoff.Permanent(errors.New("channel closed"))
		}
		attempt++
		conn, err := c.dialAndAuth(context.Background(), userID)
		if err != nil {
			c.logger.Warn("reconnect attempt failed",
				"action", "ws_reconnect_failed", "attempt", attempt, "error", err.Error())
			return err
		}

		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			conn.Close()
			return backoff.Permanent(errors.New("channel closed"))
		}
		c.conn = conn
		c.connected = true
		c.mu.Unlock()

		go c.readLoop(conn)
		return nil
	}, backoff.WithMaxRetries(policy, c.cfg.ReconnectMaxAttempts-1))

	if err != nil {
		if !c.isClosing() {
			c.emit(track.Event{Type: track.EventConnectionLost, Err: track.ErrReconnectExhausted})
		}
		return
	}
	c.logger.Info("reconnected", "action", "ws_reconnected", "attempt", attempt)
	c.emit(track.Event{Type: track.EventConnected})
}

func (c *Channel) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// request sends one correlated frame and waits for its result. Domain
// rejections become *track.DomainError; transport faults are plain errors.
func (c *Channel) request(ctx context.Context, msgType string, payload any) (track.ResultPayload, error) {
	c.mu.Lock()
	if !c.connected || c.conn == nil {
		c.mu.Unlock()
		return track.ResultPayload{}, track.ErrNotConnected
	}
	conn := c.conn
	id := uuid.NewString()
	resCh := make(chan pendingResult, 1)
	c.pending[id] = resCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	env, err := track.NewEnvelope(msgType, id, payload)
	if err != nil {
		return track.ResultPayload{}, err
	}

	c.writeMu.Lock()
	err = conn.WriteJSON(env)
	c.writeMu.Unlock()
	if err != nil {
		return track.ResultPayload{}, fmt.Errorf("%w: %v", track.ErrNotConnected, err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return track.ResultPayload{}, ctx.Err()
	case <-timer.C:
		return track.ResultPayload{}, fmt.Errorf("%s: request timed out", msgType)
	case pr := <-resCh:
		if pr.err != nil {
			return track.ResultPayload{}, pr.err
		}
		res := pr.res
		if !res.Success {
			if res.Error != nil {
				return res, res.Error
			}
			return res, fmt.Errorf("%s: request failed", msgType)
		}
		return res, nil
	}
}

func (c *Channel) deliverResult(id string, res track.ResultPayload) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		ch <- pendingResult{res: res}
	}
}

// failPendingLocked resolves all in-flight requests with a transport error.
// Caller holds c.mu.
func (c *Channel) failPendingLocked(err error) {
	for id, ch := range c.pending {
		ch <- pendingResult{err: err}
		delete(c.pending, id)
	}
}

// emit pushes an event without ever blocking the read loop; if the consumer
// has fallen 128 events behind, the oldest are dropped.
func (c *Channel) emit(ev track.Event) {
	for {
		select {
		case c.events <- ev:
			return
		default:
			select {
			case <-c.events:
				c.logger.Warn("event buffer full, dropping oldest", "action", "event_dropped")
			default:
			}
		}
	}
}

// deriveWSURL converts the configured base URL to the channel endpoint.
func deriveWSURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("bad base URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("bad base URL scheme: %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + WSPath
	return u.String(), nil
}
