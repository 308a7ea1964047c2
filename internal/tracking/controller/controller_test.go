package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"livetrack/internal/domain/geo"
	"livetrack/internal/domain/track"
	"livetrack/internal/tracking/stats"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu sync.Mutex

	events chan track.Event

	connectCalls int
	connectErr   error
	connected    bool

	startCalls  int
	startErr    error
	session     track.SessionInfo
	stopCalls   int
	stopErr     error
	updateCalls []geo.LocationSample
	joinCalls   int
	joinErr     error
	currentLoc  *geo.LocationSample
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events:  make(chan track.Event, 32),
		session: track.SessionInfo{SessionID: "sess-1", EntityID: 7},
	}
}

func (f *fakeTransport) Connect(ctx context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Events() <-chan track.Event { return f.events }

func (f *fakeTransport) StartTracking(ctx context.Context, entityID int64) (track.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startErr != nil {
		return track.SessionInfo{}, f.startErr
	}
	return f.session, nil
}

func (f *fakeTransport) StopTracking(ctx context.Context, entityID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	return f.stopErr
}

func (f *fakeTransport) UpdateLocation(ctx context.Context, entityID int64, sample geo.LocationSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls = append(f.updateCalls, sample)
	return nil
}

func (f *fakeTransport) JoinTracking(ctx context.Context, entityID int64) (track.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joinCalls++
	if f.joinErr != nil {
		return track.SessionInfo{}, f.joinErr
	}
	return f.session, nil
}

func (f *fakeTransport) GetCurrentLocation(ctx context.Context, entityID int64) (*geo.LocationSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentLoc, nil
}

func (f *fakeTransport) counts() (connect, start, stop, update int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls, f.startCalls, f.stopCalls, len(f.updateCalls)
}

func (f *fakeTransport) joined() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joinCalls
}

type fakeSampler struct {
	mu       sync.Mutex
	running  bool
	starts   int
	stops    int
	onSample func(geo.LocationSample)
}

func (f *fakeSampler) Start(onSample func(geo.LocationSample), onError func(error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	f.starts++
	f.onSample = onSample
	return nil
}

func (f *fakeSampler) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.stops++
}

func (f *fakeSampler) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// emit simulates the device producing an accepted sample.
func (f *fakeSampler) emit(sample geo.LocationSample) {
	f.mu.Lock()
	fn := f.onSample
	f.mu.Unlock()
	if fn != nil {
		fn(sample)
	}
}

func newController(t *testing.T) (*Controller, *fakeTransport, *fakeSampler) {
	t.Helper()
	tr := newFakeTransport()
	sm := &fakeSampler{}
	c := New(tr, sm, stats.New(), Config{RequestTimeout: time.Second}, nil)
	t.Cleanup(func() {
		// drain any loop goroutine left behind by a failed test
		c.Close()
	})
	return c, tr, sm
}

func connect(t *testing.T, c *Controller) {
	t.Helper()
	require.NoError(t, c.Connect(context.Background(), 42))
	require.Equal(t, track.StateConnected, c.State().SessionState)
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestConnectTransitions(t *testing.T) {
	c, tr, _ := newController(t)

	assert.Equal(t, track.StateIdle, c.State().SessionState)
	connect(t, c)
	assert.True(t, c.State().IsConnected)

	// second connect is a no-op
	require.NoError(t, c.Connect(context.Background(), 42))
	conn, _, _, _ := tr.counts()
	assert.Equal(t, 1, conn)
}

func TestConnectFailureReturnsToIdle(t *testing.T) {
	c, tr, _ := newController(t)
	tr.connectErr = errors.New("dial refused")

	err := c.Connect(context.Background(), 42)
	require.Error(t, err)
	st := c.State()
	assert.Equal(t, track.StateIdle, st.SessionState)
	assert.False(t, st.IsConnected)
	assert.ErrorContains(t, st.Err, "dial refused")
}

func TestStartTrackingRequiresConnection(t *testing.T) {
	c, tr, _ := newController(t)

	err := c.StartTracking(context.Background(), 7)
	require.ErrorIs(t, err, track.ErrNotConnected)
	_, starts, _, _ := tr.counts()
	assert.Equal(t, 0, starts)
}

func TestStartTrackingHappyPath(t *testing.T) {
	c, _, sm := newController(t)
	connect(t, c)

	require.NoError(t, c.StartTracking(context.Background(), 7))
	st := c.State()
	assert.Equal(t, track.StateTracking, st.SessionState)
	assert.True(t, st.IsTracking)
	assert.Equal(t, "sess-1", st.SessionID)
	assert.Equal(t, int64(7), st.EntityID)
	assert.True(t, sm.Running())
}

func TestStartTrackingWhileTrackingRejectedLocally(t *testing.T) {
	c, tr, _ := newController(t)
	connect(t, c)
	require.NoError(t, c.StartTracking(context.Background(), 7))

	err := c.StartTracking(context.Background(), 7)
	var derr *track.DomainError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, track.CodeAlreadyTracking, derr.Code)

	// rejected before any network round trip
	_, starts, _, _ := tr.counts()
	assert.Equal(t, 1, starts)
}

func TestStopTrackingWhileIdleRejectedLocally(t *testing.T) {
	c, tr, _ := newController(t)
	connect(t, c)

	err := c.StopTracking(context.Background())
	var derr *track.DomainError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, track.CodeNotTracking, derr.Code)
	_, _, stops, _ := tr.counts()
	assert.Equal(t, 0, stops)
}

func TestStopTrackingHaltsSamplerFirst(t *testing.T) {
	c, tr, sm := newController(t)
	connect(t, c)
	require.NoError(t, c.StartTracking(context.Background(), 7))

	require.NoError(t, c.StopTracking(context.Background()))
	st := c.State()
	assert.Equal(t, track.StateConnected, st.SessionState)
	assert.False(t, st.IsTracking)
	assert.Nil(t, st.CurrentLocation)
	assert.Empty(t, st.SessionID)
	assert.False(t, sm.Running())
	_, _, stops, _ := tr.counts()
	assert.Equal(t, 1, stops)
}

func TestStartClearsPreviousStats(t *testing.T) {
	c, _, _ := newController(t)
	connect(t, c)
	require.NoError(t, c.StartTracking(context.Background(), 7))

	tsMs := time.Now().UnixMilli()
	c.Stats().AddPoint(-2.18, -79.88, tsMs)
	c.Stats().AddPoint(-2.19, -79.89, tsMs+1000)
	require.Equal(t, 2, c.Stats().PointCount())

	require.NoError(t, c.StopTracking(context.Background()))
	require.NoError(t, c.StartTracking(context.Background(), 7))
	assert.Equal(t, 0, c.Stats().PointCount())
}

func TestLocationEchoUpdatesStateAndStats(t *testing.T) {
	c, tr, _ := newController(t)
	connect(t, c)
	require.NoError(t, c.StartTracking(context.Background(), 7))

	tsMs := time.Now().UnixMilli()
	tr.events <- track.Event{
		Type:     track.EventLocationUpdated,
		EntityID: 7,
		Location: &geo.LocationSample{Lat: -2.18, Lng: -79.88, TimestampMs: tsMs},
	}
	eventually(t, func() bool { return c.State().CurrentLocation != nil }, "location applied")
	assert.Equal(t, 1, c.Stats().PointCount())

	tr.events <- track.Event{
		Type:     track.EventLocationUpdated,
		EntityID: 7,
		Location: &geo.LocationSample{Lat: -2.19, Lng: -79.89, TimestampMs: tsMs + 5000},
	}
	eventually(t, func() bool { return c.Stats().PointCount() == 2 }, "second point accumulated")
	assert.Greater(t, c.Stats().TotalDistance(), 1000.0)
}

func TestStaleLocationIgnored(t *testing.T) {
	c, tr, _ := newController(t)
	connect(t, c)
	require.NoError(t, c.StartTracking(context.Background(), 7))

	tsMs := time.Now().UnixMilli()
	tr.events <- track.Event{
		Type:     track.EventLocationUpdated,
		Location: &geo.LocationSample{Lat: -2.18, Lng: -79.88, TimestampMs: tsMs},
	}
	eventually(t, func() bool { return c.State().CurrentLocation != nil }, "first location applied")

	// an older sample arriving late must not regress the display
	tr.events <- track.Event{
		Type:     track.EventLocationUpdated,
		Location: &geo.LocationSample{Lat: 0, Lng: 0, TimestampMs: tsMs - 60_000},
	}
	time.Sleep(50 * time.Millisecond)
	st := c.State()
	assert.InDelta(t, -2.18, st.CurrentLocation.Lat, 1e-9)
	assert.Equal(t, 1, c.Stats().PointCount())
}

func TestDuplicateEchoCountedOnce(t *testing.T) {
	c, tr, _ := newController(t)
	connect(t, c)
	require.NoError(t, c.StartTracking(context.Background(), 7))

	tsMs := time.Now().UnixMilli()
	loc := geo.LocationSample{Lat: -2.18, Lng: -79.88, TimestampMs: tsMs}
	tr.events <- track.Event{Type: track.EventLocationUpdated, EntityID: 7, Location: &loc}
	eventually(t, func() bool { return c.Stats().PointCount() == 1 }, "first echo accumulated")

	// the transport may redeliver the same echo
	dup := loc
	tr.events <- track.Event{Type: track.EventLocationUpdated, EntityID: 7, Location: &dup}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, c.Stats().PointCount())
}

func TestSampleForwardedWhileConnected(t *testing.T) {
	c, tr, sm := newController(t)
	connect(t, c)
	require.NoError(t, c.StartTracking(context.Background(), 7))

	sm.emit(geo.LocationSample{Lat: -2.18, Lng: -79.88, TimestampMs: time.Now().UnixMilli()})
	eventually(t, func() bool {
		_, _, _, updates := tr.counts()
		return updates == 1
	}, "sample pushed to transport")
}

func TestSampleSkippedWhileDisconnected(t *testing.T) {
	c, tr, sm := newController(t)
	connect(t, c)
	require.NoError(t, c.StartTracking(context.Background(), 7))

	tr.events <- track.Event{Type: track.EventDisconnected}
	eventually(t, func() bool { return !c.State().IsConnected }, "disconnect observed")

	sm.emit(geo.LocationSample{Lat: -2.18, Lng: -79.88, TimestampMs: time.Now().UnixMilli()})
	time.Sleep(50 * time.Millisecond)
	_, _, _, updates := tr.counts()
	assert.Equal(t, 0, updates)
	// the device keeps sampling through the outage
	assert.True(t, sm.Running())
}

func TestReconnectResumesTracking(t *testing.T) {
	c, tr, sm := newController(t)
	connect(t, c)
	require.NoError(t, c.StartTracking(context.Background(), 7))

	tr.events <- track.Event{Type: track.EventDisconnected}
	eventually(t, func() bool {
		st := c.State()
		return !st.IsConnected && st.SessionState == track.StateConnecting
	}, "connecting while channel is down")

	tr.session = track.SessionInfo{SessionID: "sess-2", EntityID: 7}
	tr.events <- track.Event{Type: track.EventConnected}
	eventually(t, func() bool {
		st := c.State()
		return st.IsConnected && st.IsTracking && st.SessionID == "sess-2"
	}, "session re-established under a fresh ID")

	_, starts, _, _ := tr.counts()
	assert.Equal(t, 2, starts)
	assert.True(t, sm.Running())
}

func TestReconnectResumeFailureClearsSession(t *testing.T) {
	c, tr, sm := newController(t)
	connect(t, c)
	require.NoError(t, c.StartTracking(context.Background(), 7))

	tr.startErr = errors.New("backend rejected resume")
	tr.events <- track.Event{Type: track.EventDisconnected}
	eventually(t, func() bool { return !c.State().IsConnected }, "disconnect observed")

	tr.events <- track.Event{Type: track.EventConnected}
	eventually(t, func() bool { return !c.State().IsTracking }, "dead session cleared")

	st := c.State()
	assert.Equal(t, track.StateConnected, st.SessionState)
	assert.Empty(t, st.SessionID)
	assert.Nil(t, st.CurrentLocation)
	assert.ErrorContains(t, st.Err, "backend rejected resume")
	assert.False(t, sm.Running())
}

func TestReconnectRejoinsSpectator(t *testing.T) {
	tr := newFakeTransport()
	c := New(tr, nil, nil, Config{RequestTimeout: time.Second}, nil)
	t.Cleanup(c.Close)

	require.NoError(t, c.Connect(context.Background(), 42))
	require.NoError(t, c.JoinTracking(context.Background(), 7))

	tr.events <- track.Event{Type: track.EventDisconnected}
	eventually(t, func() bool { return !c.State().IsConnected }, "disconnect observed")

	// the backend vacated the seat along with the old connection
	tr.session = track.SessionInfo{SessionID: "sess-2", EntityID: 7, SpectatorCount: 1}
	tr.events <- track.Event{Type: track.EventConnected}
	eventually(t, func() bool {
		st := c.State()
		return st.IsConnected && st.SpectatorState == track.SpectatorJoined && st.SessionID == "sess-2"
	}, "seat re-registered over the fresh connection")
	assert.Equal(t, 2, tr.joined())
}

func TestReconnectRejoinFailureAllowsManualJoin(t *testing.T) {
	tr := newFakeTransport()
	c := New(tr, nil, nil, Config{RequestTimeout: time.Second}, nil)
	t.Cleanup(c.Close)

	require.NoError(t, c.Connect(context.Background(), 42))
	require.NoError(t, c.JoinTracking(context.Background(), 7))

	tr.joinErr = track.NewDomainError(track.CodeSessionNotFound, "no session for entity")
	tr.events <- track.Event{Type: track.EventDisconnected}
	eventually(t, func() bool { return !c.State().IsConnected }, "disconnect observed")

	tr.events <- track.Event{Type: track.EventConnected}
	eventually(t, func() bool {
		return c.State().SpectatorState == track.SpectatingIdle
	}, "failed re-join falls back to idle")

	st := c.State()
	var derr *track.DomainError
	require.ErrorAs(t, st.Err, &derr)
	assert.Equal(t, track.CodeSessionNotFound, derr.Code)
	assert.Empty(t, st.SessionID)

	// the guard no longer blocks a fresh join
	tr.joinErr = nil
	require.NoError(t, c.JoinTracking(context.Background(), 7))
	assert.Equal(t, track.SpectatorJoined, c.State().SpectatorState)
}

func TestConnectionLostIsTerminal(t *testing.T) {
	c, tr, sm := newController(t)
	connect(t, c)
	require.NoError(t, c.StartTracking(context.Background(), 7))

	tr.events <- track.Event{Type: track.EventConnectionLost, Err: track.ErrReconnectExhausted}
	eventually(t, func() bool {
		return c.State().SessionState == track.StateIdle
	}, "terminal idle after reconnect exhaustion")

	st := c.State()
	assert.False(t, st.IsConnected)
	assert.False(t, st.IsTracking)
	assert.ErrorIs(t, st.Err, track.ErrReconnectExhausted)
	assert.False(t, sm.Running())
}

func TestStoppedBySystem(t *testing.T) {
	c, tr, sm := newController(t)
	connect(t, c)
	require.NoError(t, c.StartTracking(context.Background(), 7))

	tr.events <- track.Event{
		Type:      track.EventTrackingStoppedBySystem,
		SessionID: "sess-1",
		Reason:    "entity reassigned",
	}
	eventually(t, func() bool { return !c.State().IsTracking }, "session torn down")

	st := c.State()
	var derr *track.DomainError
	require.ErrorAs(t, st.Err, &derr)
	assert.Equal(t, track.CodeSessionNotFound, derr.Code)
	assert.False(t, sm.Running())
}

func TestStoppedEventForOtherSessionIgnored(t *testing.T) {
	c, tr, _ := newController(t)
	connect(t, c)
	require.NoError(t, c.StartTracking(context.Background(), 7))

	tr.events <- track.Event{Type: track.EventTrackingStopped, SessionID: "other", EntityID: 99}
	time.Sleep(50 * time.Millisecond)
	assert.True(t, c.State().IsTracking)
}

func TestSpectatorJoinAndPrefill(t *testing.T) {
	tr := newFakeTransport()
	tr.currentLoc = &geo.LocationSample{Lat: -2.18, Lng: -79.88, TimestampMs: time.Now().UnixMilli()}
	c := New(tr, nil, nil, Config{RequestTimeout: time.Second}, nil)
	t.Cleanup(c.Close)

	require.NoError(t, c.Connect(context.Background(), 42))
	require.NoError(t, c.JoinTracking(context.Background(), 7))

	st := c.State()
	assert.Equal(t, track.SpectatorJoined, st.SpectatorState)
	require.NotNil(t, st.CurrentLocation)
	assert.InDelta(t, -2.18, st.CurrentLocation.Lat, 1e-9)

	// a second join is rejected locally
	err := c.JoinTracking(context.Background(), 7)
	var derr *track.DomainError
	require.ErrorAs(t, err, &derr)
}

func TestSpectatorCountFromEvents(t *testing.T) {
	c, tr, _ := newController(t)
	connect(t, c)
	require.NoError(t, c.StartTracking(context.Background(), 7))

	tr.events <- track.Event{Type: track.EventSpectatorJoined, Spectators: 3}
	eventually(t, func() bool { return c.State().SpectatorCount == 3 }, "spectator count observed")
}

func TestCloseStopsEverything(t *testing.T) {
	c, tr, sm := newController(t)
	connect(t, c)
	require.NoError(t, c.StartTracking(context.Background(), 7))

	c.Close()
	st := c.State()
	assert.Equal(t, track.StateStopped, st.SessionState)
	assert.False(t, sm.Running())
	assert.False(t, tr.Connected())
	_, _, stops, _ := tr.counts()
	assert.Equal(t, 1, stops)
}

// The end-to-end shape of one trip: connect, start, move, observe the echo,
// stop, and read the trip statistics.
func TestTripScenario(t *testing.T) {
	c, tr, sm := newController(t)
	connect(t, c)
	require.NoError(t, c.StartTracking(context.Background(), 7))

	base := time.Now().UnixMilli()
	points := []geo.LocationSample{
		{Lat: -2.1894, Lng: -79.8891, TimestampMs: base},
		{Lat: -2.1850, Lng: -79.8850, TimestampMs: base + 10_000},
		{Lat: -2.1800, Lng: -79.8800, TimestampMs: base + 20_000},
	}
	for i, p := range points {
		sm.emit(p)
		want := i + 1
		eventually(t, func() bool {
			_, _, _, updates := tr.counts()
			return updates == want
		}, "sample forwarded")
		// the server echoes the accepted update back on the event stream
		loc := p
		tr.events <- track.Event{Type: track.EventLocationUpdated, EntityID: 7, Location: &loc}
		eventually(t, func() bool { return c.Stats().PointCount() == want }, "echo accumulated")
	}

	assert.Greater(t, c.Stats().TotalDistance(), 1000.0)
	assert.Greater(t, c.Stats().AverageSpeed(), 0.0)
	assert.InDelta(t, 20.0, c.Stats().Duration(), 1e-9)

	require.NoError(t, c.StopTracking(context.Background()))
	assert.False(t, c.State().IsTracking)
}
