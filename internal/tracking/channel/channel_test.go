package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"livetrack/internal/common/auth"
	"livetrack/internal/domain/geo"
	"livetrack/internal/domain/track"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

// testServer is a scripted tracking backend: it performs the auth exchange
// and then hands the connection to the per-test session func.
type testServer struct {
	t        *testing.T
	srv      *httptest.Server
	manager  *auth.Manager
	session  func(conn *websocket.Conn)
	refuse   atomic.Bool
	upgrades atomic.Int32
}

func newTestServer(t *testing.T, session func(conn *websocket.Conn)) *testServer {
	t.Helper()
	ts := &testServer{
		t:       t,
		manager: auth.NewManager("test-secret", time.Hour),
		session: session,
	}
	ts.srv = httptest.NewServer(http.HandlerFunc(ts.handle))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != WSPath {
		http.NotFound(w, r)
		return
	}
	if ts.refuse.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ts.upgrades.Add(1)
	defer conn.Close()

	var env track.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return
	}
	if env.Type != track.TypeAuth {
		writeResult(conn, env.ID, track.ResultPayload{
			Success: false,
			Error:   track.NewDomainError(track.CodeBadRequest, "expected auth frame"),
		})
		return
	}
	var authPayload track.AuthPayload
	if err := json.Unmarshal(env.Data, &authPayload); err != nil {
		return
	}
	tok, err := auth.StripBearer(authPayload.Token)
	if err != nil {
		writeResult(conn, env.ID, track.ResultPayload{
			Success: false,
			Error:   track.NewDomainError(track.CodeNotAuthorized, err.Error()),
		})
		return
	}
	if _, err := ts.manager.ParseAndValidate(tok); err != nil {
		writeResult(conn, env.ID, track.ResultPayload{
			Success: false,
			Error:   track.NewDomainError(track.CodeNotAuthorized, "bad token"),
		})
		return
	}
	writeResult(conn, env.ID, track.ResultPayload{Success: true})

	if ts.session != nil {
		ts.session(conn)
		return
	}
	holdOpen(conn)
}

func (ts *testServer) token(t *testing.T, userID int64) auth.TokenSource {
	t.Helper()
	tok, err := ts.manager.IssueUserToken(userID, "exporter")
	require.NoError(t, err)
	return auth.StaticToken("Bearer " + tok)
}

func writeResult(conn *websocket.Conn, id string, res track.ResultPayload) {
	env, err := track.NewEnvelope(track.TypeResult, id, res)
	if err != nil {
		return
	}
	_ = conn.WriteJSON(env)
}

func fastConfig(baseURL string) Config {
	return Config{
		BaseURL:                 baseURL,
		RequestTimeout:          2 * time.Second,
		HandshakeTimeout:        2 * time.Second,
		ReconnectMaxAttempts:    3,
		ReconnectInitialBackoff: 10 * time.Millisecond,
		ReconnectMaxBackoff:     20 * time.Millisecond,
	}
}

func nextEvent(t *testing.T, ch <-chan track.Event) track.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return track.Event{}
	}
}

func waitForEvent(t *testing.T, ch <-chan track.Event, want track.EventType) track.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

// holdOpen parks the session until the peer goes away, so the handler can
// return and the test server can shut down cleanly.
func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// sessionLoop answers requests with scripted results and never initiates
// its own traffic.
func sessionLoop(results func(env track.Envelope) track.ResultPayload) func(conn *websocket.Conn) {
	return func(conn *websocket.Conn) {
		for {
			var env track.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			writeResult(conn, env.ID, results(env))
		}
	}
}

func TestConnectAndAuthenticate(t *testing.T) {
	ts := newTestServer(t, nil)
	ch := New(fastConfig(ts.srv.URL), ts.token(t, 42), nil)
	defer ch.Disconnect()

	require.NoError(t, ch.Connect(context.Background(), 42))
	assert.True(t, ch.Connected())
	ev := nextEvent(t, ch.Events())
	assert.Equal(t, track.EventConnected, ev.Type)

	// a second Connect resolves without opening another socket
	require.NoError(t, ch.Connect(context.Background(), 42))
	assert.Equal(t, int32(1), ts.upgrades.Load())
}

func TestConcurrentConnectOpensOneSocket(t *testing.T) {
	ts := newTestServer(t, nil)
	ch := New(fastConfig(ts.srv.URL), ts.token(t, 42), nil)
	defer ch.Disconnect()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = ch.Connect(context.Background(), 42)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Eventually(t, ch.Connected, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), ts.upgrades.Load())
}

func TestConnectRejectsMissingToken(t *testing.T) {
	ts := newTestServer(t, nil)
	ch := New(fastConfig(ts.srv.URL), auth.StaticToken(""), nil)

	err := ch.Connect(context.Background(), 42)
	require.ErrorIs(t, err, track.ErrNoToken)
	assert.False(t, ch.Connected())
	assert.Equal(t, int32(0), ts.upgrades.Load())
}

func TestConnectRejectsExpiredTokenWithoutDialing(t *testing.T) {
	ts := newTestServer(t, nil)
	expired := auth.NewManager("test-secret", -time.Hour)
	tok, err := expired.IssueUserToken(42, "exporter")
	require.NoError(t, err)

	ch := New(fastConfig(ts.srv.URL), auth.StaticToken(tok), nil)
	err = ch.Connect(context.Background(), 42)
	require.ErrorIs(t, err, track.ErrNoToken)
	assert.Equal(t, int32(0), ts.upgrades.Load())
}

func TestConnectAuthRefused(t *testing.T) {
	ts := newTestServer(t, nil)
	other := auth.NewManager("wrong-secret", time.Hour)
	tok, err := other.IssueUserToken(42, "exporter")
	require.NoError(t, err)

	ch := New(fastConfig(ts.srv.URL), auth.StaticToken(tok), nil)
	err = ch.Connect(context.Background(), 42)
	require.Error(t, err)
	var derr *track.DomainError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, track.CodeNotAuthorized, derr.Code)
	assert.False(t, ch.Connected())
}

func TestStartTrackingCorrelatedResult(t *testing.T) {
	ts := newTestServer(t, sessionLoop(func(env track.Envelope) track.ResultPayload {
		if env.Type != track.TypeStartTracking {
			return track.ResultPayload{
				Success: false,
				Error:   track.NewDomainError(track.CodeBadRequest, "unexpected type"),
			}
		}
		return track.ResultPayload{
			Success: true,
			Session: &track.SessionInfo{SessionID: "sess-9", EntityID: 7, SpectatorCount: 1},
		}
	}))
	ch := New(fastConfig(ts.srv.URL), ts.token(t, 42), nil)
	defer ch.Disconnect()
	require.NoError(t, ch.Connect(context.Background(), 42))

	session, err := ch.StartTracking(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "sess-9", session.SessionID)
	assert.Equal(t, int64(7), session.EntityID)
}

func TestPushBeforeResultDoesNotConfuseCorrelation(t *testing.T) {
	ts := newTestServer(t, func(conn *websocket.Conn) {
		var env track.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		// the broadcast lands before the correlated result
		push, _ := track.NewEnvelope(track.TypeLocationUpdated, "", track.LocationUpdatedPayload{
			EntityID: 7, SessionID: "sess-9", Lat: -2.18, Lng: -79.88, TimestampMs: 1000,
		})
		_ = conn.WriteJSON(push)
		writeResult(conn, env.ID, track.ResultPayload{Success: true})
	})
	ch := New(fastConfig(ts.srv.URL), ts.token(t, 42), nil)
	defer ch.Disconnect()
	require.NoError(t, ch.Connect(context.Background(), 42))

	err := ch.UpdateLocation(context.Background(), 7, geo.LocationSample{
		Lat: -2.18, Lng: -79.88, TimestampMs: 1000,
	})
	require.NoError(t, err)

	ev := waitForEvent(t, ch.Events(), track.EventLocationUpdated)
	require.NotNil(t, ev.Location)
	assert.InDelta(t, -2.18, ev.Location.Lat, 1e-9)
	assert.Equal(t, "sess-9", ev.SessionID)
}

func TestDomainRejectionTyped(t *testing.T) {
	ts := newTestServer(t, sessionLoop(func(env track.Envelope) track.ResultPayload {
		return track.ResultPayload{
			Success: false,
			Error:   track.NewDomainError(track.CodeAlreadyTracking, "session exists"),
		}
	}))
	ch := New(fastConfig(ts.srv.URL), ts.token(t, 42), nil)
	defer ch.Disconnect()
	require.NoError(t, ch.Connect(context.Background(), 42))

	_, err := ch.StartTracking(context.Background(), 7)
	var derr *track.DomainError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, track.CodeAlreadyTracking, derr.Code)
}

func TestRequestWhileDisconnected(t *testing.T) {
	ch := New(fastConfig("http://127.0.0.1:0"), auth.StaticToken("x"), nil)
	_, err := ch.StartTracking(context.Background(), 7)
	require.ErrorIs(t, err, track.ErrNotConnected)
}

func TestServerPushesDecoded(t *testing.T) {
	ts := newTestServer(t, func(conn *websocket.Conn) {
		stopped, _ := track.NewEnvelope(track.TypeTrackingStoppedBySystem, "", track.TrackingStoppedPayload{
			EntityID: 7, SessionID: "sess-9", Reason: "entity reassigned",
		})
		_ = conn.WriteJSON(stopped)
		joined, _ := track.NewEnvelope(track.TypeSpectatorJoined, "", track.SpectatorJoinedPayload{
			EntityID: 7, SessionID: "sess-9", TotalSpectators: 2,
		})
		_ = conn.WriteJSON(joined)
		holdOpen(conn)
	})
	ch := New(fastConfig(ts.srv.URL), ts.token(t, 42), nil)
	defer ch.Disconnect()
	require.NoError(t, ch.Connect(context.Background(), 42))

	ev := waitForEvent(t, ch.Events(), track.EventTrackingStoppedBySystem)
	assert.Equal(t, "entity reassigned", ev.Reason)
	ev = waitForEvent(t, ch.Events(), track.EventSpectatorJoined)
	assert.Equal(t, 2, ev.Spectators)
}

func TestDisconnectIdempotent(t *testing.T) {
	ts := newTestServer(t, nil)
	ch := New(fastConfig(ts.srv.URL), ts.token(t, 42), nil)
	require.NoError(t, ch.Connect(context.Background(), 42))

	ch.Disconnect()
	assert.False(t, ch.Connected())
	ch.Disconnect()

	// never-connected channel tolerates Disconnect too
	New(fastConfig(ts.srv.URL), ts.token(t, 42), nil).Disconnect()
}

func TestReconnectAfterDrop(t *testing.T) {
	var firstConn atomic.Pointer[websocket.Conn]
	ts := newTestServer(t, func(conn *websocket.Conn) {
		firstConn.CompareAndSwap(nil, conn)
		holdOpen(conn)
	})

	ch := New(fastConfig(ts.srv.URL), ts.token(t, 42), nil)
	defer ch.Disconnect()
	require.NoError(t, ch.Connect(context.Background(), 42))
	waitForEvent(t, ch.Events(), track.EventConnected)

	firstConn.Load().Close()

	waitForEvent(t, ch.Events(), track.EventDisconnected)
	waitForEvent(t, ch.Events(), track.EventConnected)
	assert.True(t, ch.Connected())
	assert.Equal(t, int32(2), ts.upgrades.Load())
}

func TestReconnectBoundedThenConnectionLost(t *testing.T) {
	var firstConn atomic.Pointer[websocket.Conn]
	ts := newTestServer(t, func(conn *websocket.Conn) {
		firstConn.CompareAndSwap(nil, conn)
		holdOpen(conn)
	})

	ch := New(fastConfig(ts.srv.URL), ts.token(t, 42), nil)
	defer ch.Disconnect()
	require.NoError(t, ch.Connect(context.Background(), 42))
	waitForEvent(t, ch.Events(), track.EventConnected)

	// every further dial is refused
	ts.refuse.Store(true)
	firstConn.Load().Close()

	waitForEvent(t, ch.Events(), track.EventDisconnected)
	ev := waitForEvent(t, ch.Events(), track.EventConnectionLost)
	require.ErrorIs(t, ev.Err, track.ErrReconnectExhausted)
	assert.False(t, ch.Connected())

	// the channel stays down until an explicit Connect
	_, err := ch.StartTracking(context.Background(), 7)
	require.ErrorIs(t, err, track.ErrNotConnected)

	ts.refuse.Store(false)
	require.NoError(t, ch.Connect(context.Background(), 42))
	assert.True(t, ch.Connected())
}

func TestNoReconnectAfterExplicitDisconnect(t *testing.T) {
	ts := newTestServer(t, holdOpen)
	ch := New(fastConfig(ts.srv.URL), ts.token(t, 42), nil)
	require.NoError(t, ch.Connect(context.Background(), 42))
	waitForEvent(t, ch.Events(), track.EventConnected)

	ch.Disconnect()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), ts.upgrades.Load())
	assert.False(t, ch.Connected())
}

func TestDeriveWSURL(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "http://api.example.com", want: "ws://api.example.com/ws/tracking"},
		{in: "https://api.example.com/", want: "wss://api.example.com/ws/tracking"},
		{in: "https://api.example.com/v1", want: "wss://api.example.com/v1/ws/tracking"},
		{in: "ws://api.example.com", want: "ws://api.example.com/ws/tracking"},
		{in: "ftp://api.example.com", wantErr: true},
	}
	for _, tc := range cases {
		got, err := deriveWSURL(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}
}
