// Package controller ties the sampler, the channel and the statistics
// accumulator together behind a single state machine, and exposes one
// coherent state snapshot to the UI layer.
package controller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"livetrack/internal/domain/geo"
	"livetrack/internal/domain/track"
	"livetrack/internal/tracking/stats"
)

// Transport is the slice of the tracking channel the controller depends on.
// Kept as an interface so tests can drive the state machine with a fake.
type Transport interface {
	Connect(ctx context.Context, userID int64) error
	Disconnect()
	Connected() bool
	Events() <-chan track.Event
	StartTracking(ctx context.Context, entityID int64) (track.SessionInfo, error)
	StopTracking(ctx context.Context, entityID int64) error
	UpdateLocation(ctx context.Context, entityID int64, sample geo.LocationSample) error
	JoinTracking(ctx context.Context, entityID int64) (track.SessionInfo, error)
	GetCurrentLocation(ctx context.Context, entityID int64) (*geo.LocationSample, error)
}

// PositionSource is the sampler surface the controller drives.
type PositionSource interface {
	Start(onSample func(geo.LocationSample), onError func(error)) error
	Stop()
	Running() bool
}

// State is the snapshot the UI observes. Err carries the latest failure of
// any async operation; it is cleared by the next successful action.
type State struct {
	SessionState   track.SessionState
	SpectatorState track.SpectatorState

	IsTracking      bool
	IsConnected     bool
	CurrentLocation *geo.LocationSample
	SpectatorCount  int
	SessionID       string
	EntityID        int64
	Err             error
}

// Config tunes the controller.
type Config struct {
	// RequestTimeout bounds the channel calls issued by the controller.
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	return c
}

// Controller is the tracking session state machine. One instance serves one
// user in one role at a time (tracker or spectator); both roles share the
// same machinery.
type Controller struct {
	transport Transport
	sampler   PositionSource
	stats     *stats.Accumulator
	cfg       Config
	logger    *slog.Logger

	mu            sync.Mutex
	st            State
	lastLocTsMs   int64
	wasTracking   bool // tracking when the connection dropped; resume on reconnect
	wasSpectating bool // spectating when the connection dropped; re-join on reconnect
	loopCancel    context.CancelFunc
	loopDone      chan struct{}
	subscribers   []func(State)
}

// New builds an idle controller. sampler may be nil for a pure spectator.
func New(transport Transport, sampler PositionSource, acc *stats.Accumulator, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if acc == nil {
		acc = stats.New()
	}
	return &Controller{
		transport: transport,
		sampler:   sampler,
		stats:     acc,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		st: State{
			SessionState:   track.StateIdle,
			SpectatorState: track.SpectatingIdle,
		},
	}
}

// Stats exposes the trip statistics accumulator for read access.
func (c *Controller) Stats() *stats.Accumulator { return c.stats }

// State returns a copy of the current snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

// Subscribe registers fn to run after every state change. Callbacks run
// outside the controller lock, in change order.
func (c *Controller) Subscribe(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

// Connect brings the channel up. A second Connect while connecting or
// connected resolves immediately without opening another connection.
func (c *Controller) Connect(ctx context.Context, userID int64) error {
	c.mu.Lock()
	switch c.st.SessionState {
	case track.StateConnecting, track.StateConnected, track.StateTracking:
		c.mu.Unlock()
		return nil
	}
	c.st.SessionState = track.StateConnecting
	c.mu.Unlock()
	c.notify()

	if err := c.transport.Connect(ctx, userID); err != nil {
		c.mu.Lock()
		c.st.SessionState = track.StateIdle
		c.st.Err = err
		c.mu.Unlock()
		c.notify()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.st.SessionState = track.StateConnected
	c.st.IsConnected = true
	c.st.Err = nil
	c.loopCancel = cancel
	c.loopDone = done
	c.mu.Unlock()
	c.notify()

	go c.eventLoop(loopCtx, done)
	return nil
}

// StartTracking opens a session for entityID and begins sampling. Calling it
// while already tracking is rejected locally without a network round trip.
func (c *Controller) StartTracking(ctx context.Context, entityID int64) error {
	c.mu.Lock()
	if c.st.IsTracking {
		err := track.NewDomainError(track.CodeAlreadyTracking, "a tracking session is already active")
		c.st.Err = err
		c.mu.Unlock()
		c.notify()
		return err
	}
	if !c.st.IsConnected {
		c.st.Err = track.ErrNotConnected
		c.mu.Unlock()
		c.notify()
		return track.ErrNotConnected
	}
	c.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	session, err := c.transport.StartTracking(reqCtx, entityID)
	cancel()
	if err != nil {
		c.mu.Lock()
		c.st.Err = err
		c.mu.Unlock()
		c.notify()
		return err
	}

	// stale points from a previous session must never contaminate the new
	// statistics
	c.stats.Clear()

	c.mu.Lock()
	c.st.SessionState = track.StateTracking
	c.st.IsTracking = true
	c.st.SessionID = session.SessionID
	c.st.EntityID = entityID
	c.st.SpectatorCount = session.SpectatorCount
	c.st.CurrentLocation = nil
	c.st.Err = nil
	c.lastLocTsMs = 0
	c.wasTracking = false
	c.mu.Unlock()
	c.notify()

	if c.sampler != nil {
		if err := c.sampler.Start(c.onSample, c.onSampleError); err != nil {
			c.setErr(err)
			return err
		}
	}
	return nil
}

// StopTracking ends the active session: the sampler halts first so no
// further samples are produced even if the network call is slow. Stopping
// while idle is a local rejection with no network call.
func (c *Controller) StopTracking(ctx context.Context) error {
	c.mu.Lock()
	if !c.st.IsTracking {
		err := track.NewDomainError(track.CodeNotTracking, "no active tracking session")
		c.st.Err = err
		c.mu.Unlock()
		c.notify()
		return err
	}
	entityID := c.st.EntityID
	c.mu.Unlock()

	if c.sampler != nil {
		c.sampler.Stop()
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	err := c.transport.StopTracking(reqCtx, entityID)
	cancel()

	c.mu.Lock()
	c.st.SessionState = track.StateConnected
	c.st.IsTracking = false
	c.st.CurrentLocation = nil
	c.st.SessionID = ""
	c.wasTracking = false
	if err != nil {
		c.st.Err = err
	} else {
		c.st.Err = nil
	}
	c.mu.Unlock()
	c.notify()
	return err
}

// JoinTracking registers as a spectator of entityID's session and prefills
// the current location with a one-shot pull so late joiners see a position
// before the first push arrives.
func (c *Controller) JoinTracking(ctx context.Context, entityID int64) error {
	c.mu.Lock()
	if c.st.SpectatorState == track.SpectatorJoined {
		err := track.NewDomainError(track.CodeAlreadyTracking, "already spectating a session")
		c.st.Err = err
		c.mu.Unlock()
		c.notify()
		return err
	}
	if !c.st.IsConnected {
		c.st.Err = track.ErrNotConnected
		c.mu.Unlock()
		c.notify()
		return track.ErrNotConnected
	}
	c.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	session, err := c.transport.JoinTracking(reqCtx, entityID)
	cancel()
	if err != nil {
		c.setErr(err)
		return err
	}

	c.stats.Clear()

	c.mu.Lock()
	c.st.SpectatorState = track.SpectatorJoined
	c.st.SessionID = session.SessionID
	c.st.EntityID = entityID
	c.st.SpectatorCount = session.SpectatorCount
	c.st.Err = nil
	c.lastLocTsMs = 0
	c.mu.Unlock()
	c.notify()

	locCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	loc, err := c.transport.GetCurrentLocation(locCtx, entityID)
	cancel()
	if err == nil && loc != nil {
		c.applyLocation(*loc)
	}
	return nil
}

// Close runs the same cleanup as an explicit stop, then disconnects. Safe to
// call on a controller that never connected.
func (c *Controller) Close() {
	if c.sampler != nil {
		c.sampler.Stop()
	}

	c.mu.Lock()
	wasTracking := c.st.IsTracking
	entityID := c.st.EntityID
	connected := c.st.IsConnected
	cancel := c.loopCancel
	done := c.loopDone
	c.loopCancel = nil
	c.loopDone = nil
	c.mu.Unlock()

	if wasTracking && connected {
		ctx, cancelReq := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		_ = c.transport.StopTracking(ctx, entityID)
		cancelReq()
	}
	if cancel != nil {
		cancel()
		<-done
	}
	c.transport.Disconnect()

	c.mu.Lock()
	c.st = State{
		SessionState:   track.StateStopped,
		SpectatorState: track.SpectatingIdle,
	}
	c.mu.Unlock()
	c.notify()
}

// onSample forwards an accepted sample to the channel. Send failures while
// disconnected are swallowed into Err rather than interrupting the sampling
// loop; the map and statistics advance via the self-echo event.
func (c *Controller) onSample(sample geo.LocationSample) {
	c.mu.Lock()
	if !c.st.IsTracking {
		c.mu.Unlock()
		return
	}
	entityID := c.st.EntityID
	connected := c.st.IsConnected
	c.mu.Unlock()

	if !connected {
		// keep sampling through a transient disconnect; the push resumes
		// once the channel is back
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()
		if err := c.transport.UpdateLocation(ctx, entityID, sample); err != nil {
			c.setErr(err)
		}
	}()
}

func (c *Controller) onSampleError(err error) {
	// a single failed position request is not fatal to the session
	c.setErr(err)
}

func (c *Controller) setErr(err error) {
	c.mu.Lock()
	c.st.Err = err
	c.mu.Unlock()
	c.notify()
}

// eventLoop consumes the channel's inbound stream until Close.
func (c *Controller) eventLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	events := c.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			c.handleEvent(ev)
		}
	}
}

func (c *Controller) handleEvent(ev track.Event) {
	switch ev.Type {
	case track.EventLocationUpdated:
		if ev.Location != nil {
			c.applyLocation(*ev.Location)
		}

	case track.EventTrackingStartedAck:
		// the correlated start result already drove the transition; adopt
		// the session ID if the ack somehow arrives first
		c.mu.Lock()
		if ev.Session != nil && c.st.SessionID == "" {
			c.st.SessionID = ev.Session.SessionID
		}
		c.mu.Unlock()

	case track.EventTrackingStopped, track.EventTrackingStoppedBySystem:
		c.handleStopped(ev)

	case track.EventSpectatorJoined, track.EventSpectatorJoinedAck:
		c.mu.Lock()
		changed := false
		if c.st.IsTracking || c.st.SpectatorState == track.SpectatorJoined {
			if c.st.SpectatorCount != ev.Spectators {
				c.st.SpectatorCount = ev.Spectators
				changed = true
			}
		}
		c.mu.Unlock()
		if changed {
			c.notify()
		}

	case track.EventTrackingError:
		c.setErr(ev.Err)

	case track.EventDisconnected:
		c.handleDisconnected()

	case track.EventConnected:
		c.handleReconnected()

	case track.EventConnectionLost:
		c.handleConnectionLost(ev)
	}
}

// applyLocation updates CurrentLocation and the statistics, keyed by sample
// timestamp: a stale late arrival never regresses displayed state, and a
// redelivered echo with the same timestamp is not counted twice.
func (c *Controller) applyLocation(sample geo.LocationSample) {
	c.mu.Lock()
	observing := c.st.IsTracking || c.st.SpectatorState == track.SpectatorJoined
	if !observing || (c.lastLocTsMs != 0 && sample.TimestampMs <= c.lastLocTsMs) {
		c.mu.Unlock()
		return
	}
	c.lastLocTsMs = sample.TimestampMs
	s := sample
	c.st.CurrentLocation = &s
	c.mu.Unlock()

	c.stats.AddPoint(sample.Lat, sample.Lng, sample.TimestampMs)
	c.notify()
}

// handleStopped runs the stop cleanup when the session ends externally, e.g.
// an administrative stop.
func (c *Controller) handleStopped(ev track.Event) {
	c.mu.Lock()
	ours := ev.SessionID != "" && ev.SessionID == c.st.SessionID ||
		ev.EntityID != 0 && ev.EntityID == c.st.EntityID
	if !ours {
		c.mu.Unlock()
		return
	}
	wasTracking := c.st.IsTracking
	c.st.IsTracking = false
	c.st.CurrentLocation = nil
	c.st.SessionID = ""
	c.st.SpectatorCount = 0
	c.wasTracking = false
	c.wasSpectating = false
	if wasTracking {
		c.st.SessionState = track.StateConnected
	}
	c.st.SpectatorState = track.SpectatingIdle
	if ev.Type == track.EventTrackingStoppedBySystem {
		c.st.Err = track.NewDomainError(track.CodeSessionNotFound,
			"session stopped by system: "+ev.Reason)
	}
	c.mu.Unlock()

	if wasTracking && c.sampler != nil {
		c.sampler.Stop()
	}
	c.notify()
}

// handleDisconnected marks the channel down but keeps the sampler running
// and the last known location on display, so a reconnect resumes pushing
// without re-acquiring the device.
func (c *Controller) handleDisconnected() {
	c.mu.Lock()
	c.st.IsConnected = false
	if c.st.IsTracking {
		c.wasTracking = true
	}
	if c.st.SpectatorState == track.SpectatorJoined {
		c.wasSpectating = true
	}
	c.st.SessionState = track.StateConnecting
	c.mu.Unlock()
	c.notify()
}

// handleReconnected restores connectivity. The backend does not resume
// sessions across connections and vacates spectator seats when a connection
// drops, so a tracker that was mid-session re-issues start_tracking for the
// same entity and a spectator re-issues join_tracking; either way the
// session continues under a fresh server-side registration.
func (c *Controller) handleReconnected() {
	c.mu.Lock()
	alreadyConnected := c.st.IsConnected
	c.st.IsConnected = true
	if c.st.SessionState == track.StateConnecting {
		c.st.SessionState = track.StateConnected
	}
	resume := c.wasTracking
	rejoin := c.wasSpectating
	entityID := c.st.EntityID
	c.wasTracking = false
	c.wasSpectating = false
	c.mu.Unlock()
	if alreadyConnected {
		return
	}
	c.notify()

	if resume {
		go c.resumeTracking(entityID)
	}
	if rejoin {
		go c.rejoinSpectating(entityID)
	}
}

// resumeTracking re-opens the session after a reconnect. When the open
// fails the dead session's fields are cleared, so the state never claims an
// active session that can no longer receive updates.
func (c *Controller) resumeTracking(entityID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()
	session, err := c.transport.StartTracking(ctx, entityID)
	if err != nil {
		if c.sampler != nil {
			c.sampler.Stop()
		}
		c.mu.Lock()
		c.st.SessionState = track.StateConnected
		c.st.IsTracking = false
		c.st.SessionID = ""
		c.st.CurrentLocation = nil
		c.st.Err = err
		c.mu.Unlock()
		c.notify()
		return
	}
	c.mu.Lock()
	c.st.SessionState = track.StateTracking
	c.st.IsTracking = true
	c.st.SessionID = session.SessionID
	c.st.Err = nil
	c.mu.Unlock()
	c.notify()
}

// rejoinSpectating re-registers the vacated spectator seat. On failure the
// spectator falls back to idle with the error surfaced, leaving a manual
// JoinTracking free to try again.
func (c *Controller) rejoinSpectating(entityID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()
	session, err := c.transport.JoinTracking(ctx, entityID)
	if err != nil {
		c.mu.Lock()
		c.st.SpectatorState = track.SpectatingIdle
		c.st.SessionID = ""
		c.st.CurrentLocation = nil
		c.st.SpectatorCount = 0
		c.st.Err = err
		c.mu.Unlock()
		c.notify()
		return
	}
	c.mu.Lock()
	c.st.SpectatorState = track.SpectatorJoined
	c.st.SessionID = session.SessionID
	c.st.SpectatorCount = session.SpectatorCount
	c.st.Err = nil
	c.mu.Unlock()
	c.notify()
}

// handleConnectionLost is terminal: reconnection is exhausted, so the
// session is over until a fresh Connect.
func (c *Controller) handleConnectionLost(ev track.Event) {
	if c.sampler != nil {
		c.sampler.Stop()
	}
	c.mu.Lock()
	c.st.IsConnected = false
	c.st.IsTracking = false
	c.st.SessionState = track.StateIdle
	c.st.SpectatorState = track.SpectatingIdle
	c.st.SessionID = ""
	c.st.Err = ev.Err
	c.wasTracking = false
	c.wasSpectating = false
	c.mu.Unlock()
	c.notify()
}

// notify delivers the current snapshot to subscribers outside the lock.
func (c *Controller) notify() {
	c.mu.Lock()
	st := c.st
	subs := make([]func(State), len(c.subscribers))
	copy(subs, c.subscribers)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(st)
	}
}
