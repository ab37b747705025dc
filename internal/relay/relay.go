// Package relay terminates agent sockets, multiplexes viewer sessions
// onto per-agent channels, and fans frames out in both directions.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
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

// Close codes on the relay socket.
const (
	CloseAuthTimeout       = 4001
	CloseAuthFailed        = 4003
	CloseAgentGone         = 4004
	CloseChannelAllocation = 4005
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Relay owns the agent registry and both socket handlers.
type Relay struct {
	store     store.Store
	auth      *auth.Service
	commands  *command.Service
	telemetry *telemetry.Service
	events    *events.Service
	registry  *Registry
	metrics   *metrics.Metrics
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	authDeadline      time.Duration
	heartbeatInterval time.Duration
	sessionTimeout    time.Duration
	staleScanInterval time.Duration
}

// New creates a relay.
func New(st store.Store, as *auth.Service, cs *command.Service, ts *telemetry.Service,
	ev *events.Service, m *metrics.Metrics, cfg config.RelayConfig, allowedOrigins []string,
	logger *slog.Logger) *Relay {
	return &Relay{
		store:             st,
		auth:              as,
		commands:          cs,
		telemetry:         ts,
		events:            ev,
		registry:          NewRegistry(),
		metrics:           m,
		logger:            logger.With("component", "relay"),
		upgrader:          makeUpgrader(allowedOrigins),
		authDeadline:      cfg.AuthDeadline.Duration,
		heartbeatInterval: cfg.HeartbeatInterval.Duration,
		sessionTimeout:    cfg.SessionTimeout.Duration,
		staleScanInterval: cfg.StaleScanInterval.Duration,
	}
}

// Registry exposes the connection registry for device status reads.
func (r *Relay) Registry() *Registry { return r.registry }

// HandleWS serves the relay endpoint. The query string selects the mode:
// viewer sockets carry deviceId, session and token; anything else is an
// agent socket that must authenticate in-band.
func (r *Relay) HandleWS(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	deviceID := q.Get("deviceId")
	sessionType := q.Get("session")
	token := q.Get("token")
	if deviceID != "" && sessionType != "" && token != "" {
		r.handleViewer(w, req, deviceID, sessionType, token)
		return
	}
	r.handleAgent(w, req)
}

// --- Agent path ---

func (r *Relay) handleAgent(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("agent websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()
	conn.SetReadLimit(int64(protocol.MaxPayloadSize + protocol.HeaderSize))

	a, authReq, ok := r.authenticateAgent(conn)
	if !ok {
		return
	}

	r.registerAgent(a, authReq)
	defer r.unregisterAgent(a)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.heartbeatLoop(ctx, a)

	r.readLoop(a, conn)
}

// authenticateAgent reads the first frame under the auth deadline; it
// must be a valid AUTH_REQUEST.
func (r *Relay) authenticateAgent(conn *websocket.Conn) (*agentConn, *protocol.AuthRequest, bool) {
	var wmu sync.Mutex
	_ = conn.SetReadDeadline(time.Now().Add(r.authDeadline))

	var dec protocol.Decoder
	var frame protocol.Frame
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				r.metrics.RelayClosed("auth_timeout")
				closeWith(conn, &wmu, CloseAuthTimeout, "authentication timeout")
			} else {
				r.metrics.RelayClosed("auth_failed")
				closeWith(conn, &wmu, CloseAuthFailed, "authentication failed")
			}
			return nil, nil, false
		}
		dec.Push(msg)
		f, ok, derr := dec.Next()
		if derr != nil {
			r.metrics.RelayClosed("auth_failed")
			closeWith(conn, &wmu, CloseAuthFailed, "malformed frame")
			return nil, nil, false
		}
		if ok {
			frame = f
			break
		}
	}
	_ = conn.SetReadDeadline(time.Time{})

	fail := func(msg string) (*agentConn, *protocol.AuthRequest, bool) {
		if resp, err := protocol.ControlJSON(protocol.MsgAuthResponse, frame.RequestID,
			&protocol.AuthResponse{Success: false, Error: msg}); err == nil {
			_ = writeFrame(conn, &wmu, resp)
		}
		r.metrics.RelayClosed("auth_failed")
		closeWith(conn, &wmu, CloseAuthFailed, "authentication failed")
		return nil, nil, false
	}

	if frame.Type != protocol.MsgAuthRequest {
		return fail("expected auth request")
	}
	var authReq protocol.AuthRequest
	if err := frame.DecodeJSON(&authReq); err != nil {
		return fail("malformed auth request")
	}

	d, err := r.auth.DeviceFromSessionToken(context.Background(), authReq.Token)
	if err != nil {
		return fail("invalid session token")
	}

	a := &agentConn{
		deviceID:      d.ID,
		conn:          conn,
		lastHeartbeat: time.Now(),
		viewers:       make(map[uint16]*viewerConn),
	}
	// Agents persist the returned session token; echo the one that
	// authenticated so a saved credential is never clobbered.
	resp, err := protocol.ControlJSON(protocol.MsgAuthResponse, frame.RequestID,
		&protocol.AuthResponse{Success: true, DeviceID: d.ID, SessionToken: authReq.Token})
	if err != nil {
		return nil, nil, false
	}
	if err := a.writeFrame(resp); err != nil {
		return nil, nil, false
	}
	return a, &authReq, true
}

func (r *Relay) registerAgent(a *agentConn, authReq *protocol.AuthRequest) {
	if evicted := r.registry.Add(a); evicted != nil {
		r.logger.Info("agent replaced by new connection", "device_id", a.deviceID)
		r.metrics.RelayClosed("replaced")
		r.closeViewers(evicted, CloseAgentGone, "agent disconnected")
		closeWith(evicted.conn, &evicted.mu, websocket.CloseNormalClosure, "replaced by new connection")
	}

	ctx := context.Background()
	now := time.Now().UTC()
	if err := r.store.SetDeviceOnline(ctx, a.deviceID, true); err != nil {
		r.logger.Warn("set device online", "device_id", a.deviceID, "error", err)
	}
	if err := r.store.UpdateDeviceLastSeen(ctx, a.deviceID, now); err != nil {
		r.logger.Warn("update last seen", "device_id", a.deviceID, "error", err)
	}
	if err := r.store.UpdateDevicePlatform(ctx, a.deviceID, store.DevicePlatform{
		OS:           authReq.OS,
		Arch:         authReq.Arch,
		Hostname:     authReq.Hostname,
		AgentVersion: authReq.AgentVersion,
	}); err != nil {
		r.logger.Warn("update device platform", "device_id", a.deviceID, "error", err)
	}

	r.metrics.AgentConnected()
	r.events.Record(ctx, a.deviceID, events.TypeDeviceOnline, events.SeverityInfo, nil)
	r.logger.Info("agent connected", "device_id", a.deviceID, "agent_version", authReq.AgentVersion)
}

func (r *Relay) unregisterAgent(a *agentConn) {
	// A replacement may already own the device slot; then the new
	// connection's state stands and we only close our viewers.
	current := r.registry.Remove(a)
	r.closeViewers(a, CloseAgentGone, "agent disconnected")
	r.metrics.AgentDisconnected()
	if !current {
		return
	}

	ctx := context.Background()
	if err := r.store.SetDeviceOnline(ctx, a.deviceID, false); err != nil {
		r.logger.Warn("set device offline", "device_id", a.deviceID, "error", err)
	}
	r.events.Record(ctx, a.deviceID, events.TypeDeviceOffline, events.SeverityInfo, nil)
	r.logger.Info("agent disconnected", "device_id", a.deviceID)
}

func (r *Relay) closeViewers(a *agentConn, code int, reason string) {
	for _, v := range r.registry.Viewers(a) {
		closeWith(v.conn, &v.mu, code, reason)
	}
}

func (r *Relay) heartbeatLoop(ctx context.Context, a *agentConn) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.writeFrame(protocol.Heartbeat()); err != nil {
				return
			}
		}
	}
}

func (r *Relay) readLoop(a *agentConn, conn *websocket.Conn) {
	var dec protocol.Decoder
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			r.logger.Debug("agent read error", "device_id", a.deviceID, "error", err)
			return
		}
		r.registry.Touch(a, time.Now())

		dec.Push(msg)
		for {
			frame, ok, derr := dec.Next()
			if derr != nil {
				r.logger.Warn("agent stream corrupt", "device_id", a.deviceID, "error", derr)
				return
			}
			if !ok {
				break
			}
			r.handleAgentFrame(a, frame)
		}
	}
}

// handleAgentFrame dispatches one frame. Per-frame errors are dropped
// with a log; they never tear down the socket.
func (r *Relay) handleAgentFrame(a *agentConn, f protocol.Frame) {
	if f.Channel != 0 {
		// Session traffic: forward to the viewer bound to the channel.
		v, ok := r.registry.Viewer(a, f.Channel)
		if !ok {
			// Late frame for a closed viewer; channel ids are never
			// reused, so dropping is safe.
			return
		}
		if err := v.writeFrame(f); err != nil {
			r.logger.Debug("viewer write failed", "device_id", a.deviceID, "channel", f.Channel, "error", err)
		}
		r.metrics.FrameRelayed("agent_to_viewer")
		return
	}

	ctx := context.Background()
	switch f.Type {
	case protocol.MsgHeartbeat:
		if err := a.writeFrame(protocol.HeartbeatAck()); err != nil {
			return
		}
		if err := r.store.UpdateDeviceLastSeen(ctx, a.deviceID, time.Now().UTC()); err != nil {
			r.logger.Warn("update last seen", "device_id", a.deviceID, "error", err)
		}

	case protocol.MsgHeartbeatAck:
		// Touch already happened in the read loop.

	case protocol.MsgAgentInfo:
		var info protocol.AgentInfo
		if err := f.DecodeJSON(&info); err != nil {
			r.logger.Warn("bad agent info", "device_id", a.deviceID, "error", err)
			return
		}
		if err := r.store.UpdateDevicePlatform(ctx, a.deviceID, store.DevicePlatform{
			OS:           info.OSName,
			OSVersion:    info.OSVersion,
			Arch:         info.Arch,
			Hostname:     info.Hostname,
			AgentVersion: info.AgentVersion,
		}); err != nil {
			r.logger.Warn("update device platform", "device_id", a.deviceID, "error", err)
		}

	case protocol.MsgCommandResult:
		var res protocol.CommandResult
		if err := f.DecodeJSON(&res); err != nil {
			r.logger.Warn("bad command result", "device_id", a.deviceID, "error", err)
			return
		}
		if _, err := r.commands.Acknowledge(ctx, a.deviceID, res.CommandID, res.Status, res.Error, res.Output); err != nil {
			r.logger.Warn("command result rejected", "device_id", a.deviceID,
				"command_id", res.CommandID, "error", err)
		}
		// Channel-0 results are broadcast to every viewer of this agent.
		for _, v := range r.registry.Viewers(a) {
			if err := v.writeFrame(f); err != nil {
				r.logger.Debug("result broadcast failed", "device_id", a.deviceID, "error", err)
			}
		}

	case protocol.MsgTelemetryData:
		var snap protocol.TelemetrySnapshot
		if err := f.DecodeJSON(&snap); err != nil {
			r.logger.Warn("bad telemetry payload", "device_id", a.deviceID, "error", err)
			return
		}
		if err := r.telemetry.Ingest(ctx, a.deviceID, &snap); err != nil {
			r.logger.Warn("telemetry ingest failed", "device_id", a.deviceID, "error", err)
		}
		// Live telemetry reaches every viewer of this agent too.
		for _, v := range r.registry.Viewers(a) {
			if err := v.writeFrame(f); err != nil {
				r.logger.Debug("telemetry broadcast failed", "device_id", a.deviceID, "error", err)
			}
		}

	default:
		r.logger.Debug("unhandled control frame", "device_id", a.deviceID, "type", f.Type)
	}
}

// PushCommand implements command.Transport: a best-effort COMMAND frame
// to a connected agent.
func (r *Relay) PushCommand(deviceID string, c store.Command) bool {
	a, ok := r.registry.Get(deviceID)
	if !ok {
		return false
	}
	f, err := protocol.ControlJSON(protocol.MsgCommand, 0, &protocol.CommandPush{
		CommandID: c.ID,
		Type:      c.Type,
		Payload:   c.Payload,
	})
	if err != nil {
		return false
	}
	if err := a.writeFrame(f); err != nil {
		r.logger.Debug("command push failed", "device_id", deviceID, "error", err)
		return false
	}
	return true
}

// Disconnect force-closes a device's relay socket, e.g. on unenrollment.
// Cleanup happens through the read loop's normal exit path.
func (r *Relay) Disconnect(deviceID string) {
	a, ok := r.registry.Get(deviceID)
	if !ok {
		return
	}
	r.closeViewers(a, CloseAgentGone, "agent disconnected")
	closeWith(a.conn, &a.mu, websocket.CloseNormalClosure, "device unenrolled")
}

// RequestTelemetry asks a connected agent for a fresh snapshot.
func (r *Relay) RequestTelemetry(deviceID string) bool {
	a, ok := r.registry.Get(deviceID)
	if !ok {
		return false
	}
	return a.writeFrame(protocol.Control(protocol.MsgTelemetryReq, 0, nil)) == nil
}

// --- Viewer path ---

func (r *Relay) handleViewer(w http.ResponseWriter, req *http.Request, deviceID, sessionType, token string) {
	switch sessionType {
	case "desktop", "terminal", "files":
	default:
		http.Error(w, "invalid session type", http.StatusBadRequest)
		return
	}

	userID, err := r.auth.ResolveViewer(req.Context(), token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("viewer websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()
	conn.SetReadLimit(int64(protocol.MaxPayloadSize + protocol.HeaderSize))

	v := &viewerConn{conn: conn, sessionType: sessionType, userID: userID}

	a, ok := r.registry.Get(deviceID)
	if !ok {
		r.metrics.RelayClosed("agent_gone")
		closeWith(conn, &v.mu, CloseAgentGone, "agent not connected")
		return
	}

	ch, err := r.registry.AllocateChannel(a, v)
	if err != nil {
		r.metrics.RelayClosed("channel_alloc")
		closeWith(conn, &v.mu, CloseChannelAllocation, "channel allocation failed")
		return
	}
	defer r.registry.ReleaseChannel(a, ch)

	r.metrics.ViewerConnected()
	defer r.metrics.ViewerDisconnected()
	r.logger.Info("viewer connected", "device_id", deviceID, "session", sessionType,
		"channel", ch, "user", userID)
	defer r.logger.Info("viewer disconnected", "device_id", deviceID, "channel", ch)

	if err := r.openSession(a, ch, sessionType); err != nil {
		r.logger.Warn("session open failed", "device_id", deviceID, "channel", ch, "error", err)
		return
	}
	defer r.closeSession(a, ch, sessionType)

	var dec protocol.Decoder
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		dec.Push(msg)
		for {
			frame, ok, derr := dec.Next()
			if derr != nil {
				r.logger.Warn("viewer stream corrupt", "device_id", deviceID, "error", derr)
				return
			}
			if !ok {
				break
			}
			// Viewer frames are stamped with the allocated channel so
			// they reach the right session regardless of what the
			// viewer put in the header.
			if err := a.writeFrame(frame.WithChannel(ch)); err != nil {
				return
			}
			r.metrics.FrameRelayed("viewer_to_agent")
		}
	}
}

// openSession tells the agent to start the session on the channel.
// Files sessions are request-driven and have no open handshake.
func (r *Relay) openSession(a *agentConn, ch uint16, sessionType string) error {
	switch sessionType {
	case "desktop":
		f, err := protocol.SessionJSON(protocol.MsgDesktopOpen, ch, 0, protocol.DefaultDesktopOpen())
		if err != nil {
			return err
		}
		return a.writeFrame(f)
	case "terminal":
		f, err := protocol.SessionJSON(protocol.MsgTerminalOpen, ch, 0, protocol.DefaultTerminalOpen())
		if err != nil {
			return err
		}
		return a.writeFrame(f)
	}
	return nil
}

func (r *Relay) closeSession(a *agentConn, ch uint16, sessionType string) {
	var f protocol.Frame
	switch sessionType {
	case "desktop":
		f = protocol.Session(protocol.MsgDesktopClose, ch, 0, nil)
	case "terminal":
		f = protocol.Session(protocol.MsgTerminalClose, ch, 0, nil)
	default:
		return
	}
	if err := a.writeFrame(f); err != nil {
		r.logger.Debug("session close notify failed", "device_id", a.deviceID, "channel", ch, "error", err)
	}
}

// --- Stale scanner ---

// Run sweeps for silent agents until the context is cancelled. Closing
// the socket makes the read loop exit, which runs the normal cleanup.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.staleScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-r.sessionTimeout)
			for _, a := range r.registry.StaleSince(cutoff) {
				r.logger.Info("closing stale agent", "device_id", a.deviceID)
				r.metrics.RelayClosed("stale")
				closeWith(a.conn, &a.mu, websocket.CloseGoingAway, "heartbeat timeout")
			}
		}
	}
}
