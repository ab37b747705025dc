package signaling

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(t *testing.T) (*Switchboard, string) {
	t.Helper()
	sb := New(nil, testLogger())
	srv := httptest.NewServer(http.HandlerFunc(sb.HandleWS))
	t.Cleanup(srv.Close)
	return sb, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return m
}

func join(t *testing.T, conn *websocket.Conn, deviceID, role string) {
	t.Helper()
	send(t, conn, map[string]string{"type": "join", "deviceId": deviceID, "role": role})
}

func TestSignalingRoundTrip(t *testing.T) {
	_, url := newTestServer(t)

	device := dial(t, url)
	controller := dial(t, url)

	// First peer joins an empty room: no notification yet.
	join(t, device, "dev-1", RoleDevice)

	join(t, controller, "dev-1", RoleController)

	// Both sides learn the counterpart arrived.
	if m := recv(t, device); m["type"] != "peer-joined" || m["role"] != RoleController {
		t.Fatalf("device notification = %v", m)
	}
	if m := recv(t, controller); m["type"] != "peer-joined" || m["role"] != RoleDevice {
		t.Fatalf("controller notification = %v", m)
	}

	// Offer and answer pass through byte-for-byte, unknown fields included.
	send(t, device, map[string]any{"type": "offer", "sdp": "X", "custom": 7})
	if m := recv(t, controller); m["type"] != "offer" || m["sdp"] != "X" || m["custom"] != float64(7) {
		t.Fatalf("offer = %v", m)
	}
	send(t, controller, map[string]any{"type": "answer", "sdp": "Y"})
	if m := recv(t, device); m["type"] != "answer" || m["sdp"] != "Y" {
		t.Fatalf("answer = %v", m)
	}

	send(t, controller, map[string]any{"type": "ice-candidate", "candidate": "c0", "sdpMLineIndex": 0})
	if m := recv(t, device); m["type"] != "ice-candidate" || m["candidate"] != "c0" {
		t.Fatalf("candidate = %v", m)
	}
}

func TestJoinRoleConflict(t *testing.T) {
	_, url := newTestServer(t)

	first := dial(t, url)
	join(t, first, "dev-1", RoleDevice)

	second := dial(t, url)
	join(t, second, "dev-1", RoleDevice)
	if m := recv(t, second); m["type"] != "error" || m["error"] != "Role device already taken" {
		t.Fatalf("conflict reply = %v", m)
	}

	// The loser can still join with the free role.
	join(t, second, "dev-1", RoleController)
	if m := recv(t, second); m["type"] != "peer-joined" || m["role"] != RoleDevice {
		t.Fatalf("rejoin reply = %v", m)
	}
}

func TestRelayDroppedWithoutCounterpart(t *testing.T) {
	_, url := newTestServer(t)

	device := dial(t, url)
	join(t, device, "dev-1", RoleDevice)

	// No controller present: the offer vanishes, no error comes back.
	send(t, device, map[string]any{"type": "offer", "sdp": "X"})
	send(t, device, map[string]any{"type": "nonsense"})
	if m := recv(t, device); m["type"] != "error" {
		t.Fatalf("got %v, want error for unknown type only", m)
	}
}

func TestPeerLeftAndRoomGC(t *testing.T) {
	sb, url := newTestServer(t)

	device := dial(t, url)
	controller := dial(t, url)
	join(t, device, "dev-1", RoleDevice)
	join(t, controller, "dev-1", RoleController)
	recv(t, device)
	recv(t, controller)

	_ = device.Close()
	if m := recv(t, controller); m["type"] != "peer-left" || m["role"] != RoleDevice {
		t.Fatalf("leave notification = %v", m)
	}
	if n := sb.RoomCount(); n != 1 {
		t.Fatalf("rooms = %d, want 1 while controller remains", n)
	}

	_ = controller.Close()
	waitFor(t, func() bool { return sb.RoomCount() == 0 })
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
