// Package signaling is the WebRTC rendezvous for phone pairing: rooms
// keyed by device id, one device peer and one controller peer, typed
// JSON relay between them. It never inspects SDP.
package signaling

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Peer roles inside a room.
const (
	RoleDevice     = "device"
	RoleController = "controller"
)

// Message is the envelope for every switchboard message. Relay types
// (offer, answer, ice-candidate) are forwarded from Raw untouched.
type Message struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId,omitempty"`
	Role     string `json:"role,omitempty"`
	Error    string `json:"error,omitempty"`

	Raw json.RawMessage `json:"-"`
}

type peer struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes to conn
	role string
}

func (p *peer) writeJSON(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteJSON(v)
}

func (p *peer) writeRaw(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// room holds at most one peer per role.
type room struct {
	device     *peer
	controller *peer
}

func (r *room) slot(role string) **peer {
	if role == RoleDevice {
		return &r.device
	}
	return &r.controller
}

func (r *room) counterpart(p *peer) *peer {
	if r.device == p {
		return r.controller
	}
	return r.device
}

func (r *room) empty() bool { return r.device == nil && r.controller == nil }

// RoomGauge observes the live room count.
type RoomGauge interface {
	SignalingRoomOpened()
	SignalingRoomClosed()
}

// Switchboard owns all rooms.
type Switchboard struct {
	mu       sync.Mutex
	rooms    map[string]*room
	upgrader websocket.Upgrader
	gauge    RoomGauge
	logger   *slog.Logger
}

// New creates an empty switchboard. gauge may be nil.
func New(gauge RoomGauge, logger *slog.Logger) *Switchboard {
	return &Switchboard{
		rooms:  make(map[string]*room),
		gauge:  gauge,
		logger: logger.With("component", "signaling"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Phones join before they hold any credential; rooms are
			// unguessable device ids.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// RoomCount returns the number of live rooms.
func (s *Switchboard) RoomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// HandleWS serves one signaling socket for its lifetime.
func (s *Switchboard) HandleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.logger.Warn("signaling upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()
	conn.SetReadLimit(64 * 1024)

	p := &peer{conn: conn}
	var roomID string

	defer func() {
		if roomID != "" {
			s.leave(roomID, p)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = p.writeJSON(Message{Type: "error", Error: "invalid message"})
			continue
		}
		msg.Raw = data

		switch msg.Type {
		case "join":
			if roomID != "" {
				_ = p.writeJSON(Message{Type: "error", Error: "already joined"})
				continue
			}
			if err := s.join(msg.DeviceID, msg.Role, p); err != nil {
				_ = p.writeJSON(Message{Type: "error", Error: err.Error()})
				continue
			}
			roomID = msg.DeviceID

		case "offer", "answer", "ice-candidate":
			if roomID == "" {
				continue
			}
			// Verbatim relay; drop silently when the counterpart is absent.
			if other := s.counterpart(roomID, p); other != nil {
				if err := other.writeRaw(data); err != nil {
					s.logger.Debug("signaling relay failed", "room", roomID, "error", err)
				}
			}

		default:
			_ = p.writeJSON(Message{Type: "error", Error: fmt.Sprintf("unknown message type %q", msg.Type)})
		}
	}
}

// join admits a peer into a room if its role slot is free. When both
// slots fill, each side is told the other arrived.
func (s *Switchboard) join(deviceID, role string, p *peer) error {
	if deviceID == "" {
		return fmt.Errorf("deviceId required")
	}
	if role != RoleDevice && role != RoleController {
		return fmt.Errorf("invalid role %q", role)
	}

	s.mu.Lock()
	r, ok := s.rooms[deviceID]
	if !ok {
		r = &room{}
		s.rooms[deviceID] = r
		if s.gauge != nil {
			s.gauge.SignalingRoomOpened()
		}
	}
	slot := r.slot(role)
	if *slot != nil {
		s.mu.Unlock()
		return fmt.Errorf("Role %s already taken", role)
	}
	p.role = role
	*slot = p
	other := r.counterpart(p)
	s.mu.Unlock()

	s.logger.Info("peer joined", "room", deviceID, "role", role)
	if other != nil {
		// Each notification names the counterpart's role.
		_ = p.writeJSON(Message{Type: "peer-joined", Role: other.role})
		_ = other.writeJSON(Message{Type: "peer-joined", Role: role})
	}
	return nil
}

func (s *Switchboard) counterpart(deviceID string, p *peer) *peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[deviceID]
	if !ok {
		return nil
	}
	return r.counterpart(p)
}

// leave removes a peer, notifies the counterpart, and collects the room
// once both slots are empty.
func (s *Switchboard) leave(deviceID string, p *peer) {
	s.mu.Lock()
	r, ok := s.rooms[deviceID]
	if !ok {
		s.mu.Unlock()
		return
	}
	slot := r.slot(p.role)
	if *slot != p {
		// A rejoin already took the slot; nothing of ours remains.
		s.mu.Unlock()
		return
	}
	*slot = nil
	other := r.device
	if p.role == RoleDevice {
		other = r.controller
	}
	if r.empty() {
		delete(s.rooms, deviceID)
		if s.gauge != nil {
			s.gauge.SignalingRoomClosed()
		}
	}
	s.mu.Unlock()

	s.logger.Info("peer left", "room", deviceID, "role", p.role)
	if other != nil {
		_ = other.writeJSON(Message{Type: "peer-left", Role: p.role})
	}
}
