package relay

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/androidremote/fleethub/internal/auth"
	"github.com/androidremote/fleethub/internal/command"
	"github.com/androidremote/fleethub/internal/config"
	"github.com/androidremote/fleethub/internal/events"
	"github.com/androidremote/fleethub/internal/metrics"
	"github.com/androidremote/fleethub/internal/store"
	"github.com/androidremote/fleethub/internal/telemetry"
	"github.com/androidremote/fleethub/pkg/protocol"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type relayFixture struct {
	relay  *Relay
	store  store.Store
	server *httptest.Server
	wsURL  string
}

func newFixture(t *testing.T) *relayFixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	logger := testLogger()
	bus := events.NewBus(logger)
	ev := events.NewService(st, bus, logger)
	as := auth.NewService(st, config.AuthConfig{JWTSecret: testSecret})
	cs := command.NewService(st, ev, logger)
	ts := telemetry.NewService(st, ev, logger)

	cfg := config.RelayConfig{
		AuthDeadline:      config.Duration{Duration: 2 * time.Second},
		HeartbeatInterval: config.Duration{Duration: time.Hour},
		SessionTimeout:    config.Duration{Duration: time.Hour},
		StaleScanInterval: config.Duration{Duration: time.Hour},
	}
	r := New(st, as, cs, ts, ev, metrics.New(), cfg, []string{"*"}, logger)
	cs.SetTransport(r)

	srv := httptest.NewServer(http.HandlerFunc(r.HandleWS))
	t.Cleanup(srv.Close)

	return &relayFixture{
		relay:  r,
		store:  st,
		server: srv,
		wsURL:  "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func seedPairedDevice(t *testing.T, st store.Store) (deviceID, token string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	d := &store.Device{ID: "dev-relay", Name: "Android Device (relay)", Platform: "android",
		Compliance: store.CompliancePending, EnrolledAt: now, LastSeen: now}
	if err := st.CreateDevice(ctx, d); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	token, err := auth.NewSessionToken()
	if err != nil {
		t.Fatalf("NewSessionToken: %v", err)
	}
	if err := st.CreateSession(ctx, &store.Session{Token: token, DeviceID: d.ID, CreatedAt: now}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return d.ID, token
}

// dialAgent connects and completes the auth handshake.
func dialAgent(t *testing.T, f *relayFixture, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		t.Fatalf("dial agent: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	authFrame, err := protocol.ControlJSON(protocol.MsgAuthRequest, 1, &protocol.AuthRequest{
		Token: token, DeviceType: "android", AgentVersion: "1.0.0", OS: "android", Arch: "arm64",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, authFrame.Encode()); err != nil {
		t.Fatalf("write auth: %v", err)
	}

	resp := readFrame(t, conn)
	if resp.Type != protocol.MsgAuthResponse {
		t.Fatalf("first frame type = %#x, want auth response", resp.Type)
	}
	var ar protocol.AuthResponse
	if err := resp.DecodeJSON(&ar); err != nil {
		t.Fatal(err)
	}
	if !ar.Success {
		t.Fatalf("auth rejected: %s", ar.Error)
	}
	// Agents persist the token from the response; it must round-trip.
	if ar.SessionToken != token {
		t.Fatalf("session_token = %q, want the authenticating token", ar.SessionToken)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var dec protocol.Decoder
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		dec.Push(msg)
		f, ok, derr := dec.Next()
		if derr != nil {
			t.Fatalf("decode frame: %v", derr)
		}
		if ok {
			return f
		}
	}
}

func TestAgentAuthAndOnlineState(t *testing.T) {
	f := newFixture(t)
	deviceID, token := seedPairedDevice(t, f.store)

	conn := dialAgent(t, f, token)

	waitFor(t, func() bool { return f.relay.Registry().Connected(deviceID) })

	d, err := f.store.GetDevice(context.Background(), deviceID)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Online {
		t.Fatal("device not marked online after auth")
	}

	_ = conn.Close()
	waitFor(t, func() bool { return !f.relay.Registry().Connected(deviceID) })
}

func TestAgentAuthRejectsBadToken(t *testing.T) {
	f := newFixture(t)
	seedPairedDevice(t, f.store)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	authFrame, _ := protocol.ControlJSON(protocol.MsgAuthRequest, 1,
		&protocol.AuthRequest{Token: "not-a-session"})
	if err := conn.WriteMessage(websocket.BinaryMessage, authFrame.Encode()); err != nil {
		t.Fatal(err)
	}

	resp := readFrame(t, conn)
	var ar protocol.AuthResponse
	if err := resp.DecodeJSON(&ar); err != nil {
		t.Fatal(err)
	}
	if ar.Success {
		t.Fatal("auth succeeded with a bogus token")
	}

	// The server closes with 4003 after the failure response.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	if ce, ok := err.(*websocket.CloseError); !ok || ce.Code != CloseAuthFailed {
		t.Fatalf("close error = %v, want code %d", err, CloseAuthFailed)
	}
}

func TestViewerRejectedWithoutAuth(t *testing.T) {
	f := newFixture(t)
	deviceID, _ := seedPairedDevice(t, f.store)

	url := f.wsURL + "?deviceId=" + deviceID + "&session=desktop&token=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("viewer dial succeeded without credentials")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("status = %v, want 401 before upgrade", resp)
	}
}

func TestViewerClosedWhenAgentNotConnected(t *testing.T) {
	f := newFixture(t)
	deviceID, token := seedPairedDevice(t, f.store)

	// Session tokens authenticate viewers too; no agent is online.
	url := f.wsURL + "?deviceId=" + deviceID + "&session=desktop&token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial viewer: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	if ce, ok := err.(*websocket.CloseError); !ok || ce.Code != CloseAgentGone {
		t.Fatalf("close error = %v, want code %d", err, CloseAgentGone)
	}
}

func TestViewerSessionOpensChannelAndRelays(t *testing.T) {
	f := newFixture(t)
	deviceID, token := seedPairedDevice(t, f.store)

	agent := dialAgent(t, f, token)
	waitFor(t, func() bool { return f.relay.Registry().Connected(deviceID) })

	url := f.wsURL + "?deviceId=" + deviceID + "&session=desktop&token=" + token
	viewer, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial viewer: %v", err)
	}
	defer viewer.Close()

	// Agent sees the open request on the allocated channel.
	open := readFrame(t, agent)
	if open.Type != protocol.MsgDesktopOpen {
		t.Fatalf("agent frame type = %#x, want desktop open", open.Type)
	}
	if open.Channel == 0 {
		t.Fatal("desktop open arrived on the control channel")
	}
	ch := open.Channel

	// Agent to viewer: a frame on the session channel is forwarded verbatim.
	data := protocol.Session(protocol.MsgDesktopFrame, ch, 0, []byte{0xFF, 0xD8})
	if err := agent.WriteMessage(websocket.BinaryMessage, data.Encode()); err != nil {
		t.Fatal(err)
	}
	got := readFrame(t, viewer)
	if got.Type != protocol.MsgDesktopFrame || got.Channel != ch {
		t.Fatalf("viewer got type=%#x ch=%d, want desktop frame on %d", got.Type, got.Channel, ch)
	}

	// Viewer to agent: the relay restamps whatever channel the viewer sent.
	input := protocol.Session(protocol.MsgDesktopInput, 999, 0, []byte(`{"t":"tap"}`))
	if err := viewer.WriteMessage(websocket.BinaryMessage, input.Encode()); err != nil {
		t.Fatal(err)
	}
	fwd := readFrame(t, agent)
	if fwd.Type != protocol.MsgDesktopInput || fwd.Channel != ch {
		t.Fatalf("agent got type=%#x ch=%d, want input on %d", fwd.Type, fwd.Channel, ch)
	}
}

func TestSecondAgentReplacesFirst(t *testing.T) {
	f := newFixture(t)
	deviceID, token := seedPairedDevice(t, f.store)

	first := dialAgent(t, f, token)
	waitFor(t, func() bool { return f.relay.Registry().Connected(deviceID) })

	_ = dialAgent(t, f, token)

	// The first socket is closed out from under us.
	_ = first.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := first.ReadMessage()
	if err == nil {
		t.Fatal("first agent connection still readable after replacement")
	}

	// The device stays online on the replacement connection.
	if !f.relay.Registry().Connected(deviceID) {
		t.Fatal("device lost its slot during replacement")
	}
}

func TestAgentAuthSilenceClosesWithTimeout(t *testing.T) {
	f := newFixture(t)
	seedPairedDevice(t, f.store)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Say nothing; only the deadline expiry closes with 4001.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	if ce, ok := err.(*websocket.CloseError); !ok || ce.Code != CloseAuthTimeout {
		t.Fatalf("close error = %v, want code %d", err, CloseAuthTimeout)
	}
}

func TestAgentAuthWrongFirstFrameClosesWithAuthFailed(t *testing.T) {
	f := newFixture(t)
	seedPairedDevice(t, f.store)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Anything but AUTH_REQUEST is an auth failure, not a timeout.
	if err := conn.WriteMessage(websocket.BinaryMessage, protocol.Heartbeat().Encode()); err != nil {
		t.Fatal(err)
	}

	resp := readFrame(t, conn)
	var ar protocol.AuthResponse
	if err := resp.DecodeJSON(&ar); err != nil {
		t.Fatal(err)
	}
	if ar.Success {
		t.Fatal("auth succeeded without an auth request")
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	if ce, ok := err.(*websocket.CloseError); !ok || ce.Code != CloseAuthFailed {
		t.Fatalf("close error = %v, want code %d", err, CloseAuthFailed)
	}
}

func TestTelemetryBroadcastToViewers(t *testing.T) {
	f := newFixture(t)
	deviceID, token := seedPairedDevice(t, f.store)

	agent := dialAgent(t, f, token)
	waitFor(t, func() bool { return f.relay.Registry().Connected(deviceID) })

	url := f.wsURL + "?deviceId=" + deviceID + "&session=desktop&token=" + token
	viewer, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial viewer: %v", err)
	}
	defer viewer.Close()

	// Drain the open request so the session is established.
	if open := readFrame(t, agent); open.Type != protocol.MsgDesktopOpen {
		t.Fatalf("agent frame type = %#x, want desktop open", open.Type)
	}

	lvl := 42
	data, err := protocol.ControlJSON(protocol.MsgTelemetryData, 0,
		&protocol.TelemetrySnapshot{BatteryLevel: &lvl, NetworkType: "wifi"})
	if err != nil {
		t.Fatal(err)
	}
	if err := agent.WriteMessage(websocket.BinaryMessage, data.Encode()); err != nil {
		t.Fatal(err)
	}

	// The snapshot is stored and fanned out to the viewer on channel 0.
	got := readFrame(t, viewer)
	if got.Type != protocol.MsgTelemetryData || got.Channel != 0 {
		t.Fatalf("viewer got type=%#x ch=%d, want telemetry on 0", got.Type, got.Channel)
	}
	var snap protocol.TelemetrySnapshot
	if err := got.DecodeJSON(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.BatteryLevel == nil || *snap.BatteryLevel != 42 {
		t.Fatalf("snapshot = %+v", snap)
	}

	waitFor(t, func() bool {
		tel, err := f.store.GetTelemetry(context.Background(), deviceID)
		return err == nil && tel.BatteryLevel != nil && *tel.BatteryLevel == 42
	})
}

func TestHeartbeatGetsAck(t *testing.T) {
	f := newFixture(t)
	_, token := seedPairedDevice(t, f.store)

	agent := dialAgent(t, f, token)
	if err := agent.WriteMessage(websocket.BinaryMessage, protocol.Heartbeat().Encode()); err != nil {
		t.Fatal(err)
	}
	ack := readFrame(t, agent)
	if ack.Type != protocol.MsgHeartbeatAck {
		t.Fatalf("frame type = %#x, want heartbeat ack", ack.Type)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
