package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/androidremote/fleethub/internal/store"
)

var adminUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Admin sockets authenticate with a JWT before the upgrade; the
	// browser console may live on another origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// adminMessage covers every message on the admin socket, both directions.
type adminMessage struct {
	Type       string   `json:"type"`
	DeviceIDs  []string `json:"deviceIds,omitempty"`
	EventTypes []string `json:"eventTypes,omitempty"`
	GroupIDs   []string `json:"groupIds,omitempty"`
	Timestamp  int64    `json:"timestamp,omitempty"`
	Error      string   `json:"error,omitempty"`

	Event *store.DeviceEvent `json:"event,omitempty"`
}

// adminSocket is one live admin connection with its filter sets. The
// filters are additive; an empty set matches everything.
type adminSocket struct {
	conn *websocket.Conn
	wmu  sync.Mutex // serializes writes to conn

	mu         sync.Mutex // guards the filter sets
	deviceIDs  map[string]bool
	eventTypes map[string]bool
	groupIDs   map[string]bool
}

func newAdminSocket(conn *websocket.Conn) *adminSocket {
	return &adminSocket{
		conn:       conn,
		deviceIDs:  make(map[string]bool),
		eventTypes: make(map[string]bool),
		groupIDs:   make(map[string]bool),
	}
}

func (a *adminSocket) writeJSON(v any) error {
	a.wmu.Lock()
	defer a.wmu.Unlock()
	return a.conn.WriteJSON(v)
}

// Notify implements events.Subscriber: deliver the event if it passes
// the filters. Write errors are left to the read loop to notice.
func (a *adminSocket) Notify(e store.DeviceEvent) {
	if !a.matches(e) {
		return
	}
	_ = a.writeJSON(adminMessage{Type: "event", Event: &e})
}

func (a *adminSocket) matches(e store.DeviceEvent) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.deviceIDs) > 0 && !a.deviceIDs[e.DeviceID] {
		return false
	}
	if len(a.eventTypes) > 0 && !a.eventTypes[e.EventType] {
		return false
	}
	return true
}

func (a *adminSocket) update(msg adminMessage, add bool) adminMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	applySet(a.deviceIDs, msg.DeviceIDs, add)
	applySet(a.eventTypes, msg.EventTypes, add)
	applySet(a.groupIDs, msg.GroupIDs, add)
	return adminMessage{
		Type:       "subscription",
		DeviceIDs:  setKeys(a.deviceIDs),
		EventTypes: setKeys(a.eventTypes),
		GroupIDs:   setKeys(a.groupIDs),
	}
}

func applySet(set map[string]bool, items []string, add bool) {
	for _, it := range items {
		if add {
			set[it] = true
		} else {
			delete(set, it)
		}
	}
}

func setKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// handleAdminWS serves the live event feed for the admin console.
func (s *Server) handleAdminWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	identity, err := s.auth.ValidateAdminToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := adminUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("admin websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()
	conn.SetReadLimit(64 * 1024)

	sock := newAdminSocket(conn)
	unsubscribe := s.events.Bus().Subscribe(sock)
	defer unsubscribe()

	s.logger.Info("admin socket connected", "user", identity.Username)
	defer s.logger.Info("admin socket disconnected", "user", identity.Username)

	for {
		var msg adminMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "subscribe":
			_ = sock.writeJSON(sock.update(msg, true))
		case "unsubscribe":
			_ = sock.writeJSON(sock.update(msg, false))
		case "ping":
			_ = sock.writeJSON(adminMessage{Type: "pong", Timestamp: time.Now().UnixMilli()})
		default:
			_ = sock.writeJSON(adminMessage{Type: "error", Error: "unknown message type"})
		}
	}
}
