package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/androidremote/fleethub/pkg/protocol"
)

// ErrNoFreeChannel is returned when an agent's 16-bit channel counter is
// exhausted. Channel ids are never reused within one connection.
var ErrNoFreeChannel = errors.New("no free channel")

// agentConn is the live relay socket of one device.
type agentConn struct {
	deviceID string
	conn     *websocket.Conn
	mu       sync.Mutex // serializes writes to conn

	// Guarded by the registry lock.
	lastHeartbeat time.Time
	nextChannelID uint16
	viewers       map[uint16]*viewerConn
}

// viewerConn is one viewer socket bound to a channel of an agent.
type viewerConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes to conn

	channel     uint16
	sessionType string // desktop | terminal | files
	userID      string
}

// writeFrame writes one binary frame under the connection's write mutex.
func writeFrame(conn *websocket.Conn, mu *sync.Mutex, f protocol.Frame) error {
	mu.Lock()
	defer mu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, f.Encode())
}

func (a *agentConn) writeFrame(f protocol.Frame) error {
	return writeFrame(a.conn, &a.mu, f)
}

func (v *viewerConn) writeFrame(f protocol.Frame) error {
	return writeFrame(v.conn, &v.mu, f)
}

// closeWith sends a close control message and closes the socket.
func closeWith(conn *websocket.Conn, mu *sync.Mutex, code int, reason string) {
	mu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	mu.Unlock()
	_ = conn.Close()
}

// Registry maps device ids to live agent connections. It is the only
// shared mutable structure in the relay; every mutation for a device id
// goes through its lock.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*agentConn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*agentConn)}
}

// Add registers a connection for a device, returning the connection it
// replaced, if any. The caller closes the evicted connection outside the
// lock.
func (r *Registry) Add(a *agentConn) (evicted *agentConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted = r.agents[a.deviceID]
	r.agents[a.deviceID] = a
	return evicted
}

// Remove unregisters a connection, but only while it is still the active
// one for its device: a replacement may already have taken the slot.
func (r *Registry) Remove(a *agentConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.agents[a.deviceID] != a {
		return false
	}
	delete(r.agents, a.deviceID)
	return true
}

// Get returns the live connection for a device.
func (r *Registry) Get(deviceID string) (*agentConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[deviceID]
	return a, ok
}

// Connected reports whether a device has a live relay socket.
func (r *Registry) Connected(deviceID string) bool {
	_, ok := r.Get(deviceID)
	return ok
}

// Count returns the number of connected agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// AllocateChannel binds a viewer to the next channel id of an agent.
// Ids are monotonic from 1 and never reused, so late frames for a closed
// viewer stay routable (and are dropped) instead of reaching a stranger.
func (r *Registry) AllocateChannel(a *agentConn, v *viewerConn) (uint16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.nextChannelID == 0xFFFF {
		return 0, ErrNoFreeChannel
	}
	a.nextChannelID++
	ch := a.nextChannelID
	v.channel = ch
	a.viewers[ch] = v
	return ch, nil
}

// ReleaseChannel unbinds a viewer. The channel id is not recycled.
func (r *Registry) ReleaseChannel(a *agentConn, ch uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(a.viewers, ch)
}

// Viewer returns the viewer bound to a channel of an agent.
func (r *Registry) Viewer(a *agentConn, ch uint16) (*viewerConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := a.viewers[ch]
	return v, ok
}

// Viewers snapshots all viewers of an agent.
func (r *Registry) Viewers(a *agentConn) []*viewerConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*viewerConn, 0, len(a.viewers))
	for _, v := range a.viewers {
		out = append(out, v)
	}
	return out
}

// Touch records frame activity for the stale scanner.
func (r *Registry) Touch(a *agentConn, at time.Time) {
	r.mu.Lock()
	a.lastHeartbeat = at
	r.mu.Unlock()
}

// StaleSince returns agents whose last activity predates the cutoff.
func (r *Registry) StaleSince(cutoff time.Time) []*agentConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var stale []*agentConn
	for _, a := range r.agents {
		if a.lastHeartbeat.Before(cutoff) {
			stale = append(stale, a)
		}
	}
	return stale
}
