// Package api provides the HTTP control surface and the admin event
// socket for the hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"github.com/androidremote/fleethub/internal/auth"
	"github.com/androidremote/fleethub/internal/command"
	"github.com/androidremote/fleethub/internal/config"
	"github.com/androidremote/fleethub/internal/events"
	"github.com/androidremote/fleethub/internal/metrics"
	"github.com/androidremote/fleethub/internal/pairing"
	"github.com/androidremote/fleethub/internal/relay"
	"github.com/androidremote/fleethub/internal/signaling"
	"github.com/androidremote/fleethub/internal/store"
	"github.com/androidremote/fleethub/internal/telemetry"
	"github.com/androidremote/fleethub/pkg/protocol"
)

const (
	defaultTokenTTL     = 24 * time.Hour
	defaultTokenMaxUses = 1
)

// Server is the HTTP API server.
type Server struct {
	store     store.Store
	auth      *auth.Service
	pairing   *pairing.Manager
	commands  *command.Service
	telemetry *telemetry.Service
	events    *events.Service
	relay     *relay.Relay
	metrics   *metrics.Metrics
	logger    *slog.Logger
	mux       *chi.Mux

	baseURL      string
	trustProxy   bool
	maxBodyBytes int64
	startTime    time.Time

	loginRL        *rateLimiter
	pairInitRL     *rateLimiter
	pairCompleteRL *rateLimiter
	adminRL        *rateLimiter
}

// NewServer wires the control surface over the core services.
func NewServer(st store.Store, as *auth.Service, pm *pairing.Manager, cs *command.Service,
	ts *telemetry.Service, ev *events.Service, rly *relay.Relay, sb *signaling.Switchboard,
	m *metrics.Metrics, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:          st,
		auth:           as,
		pairing:        pm,
		commands:       cs,
		telemetry:      ts,
		events:         ev,
		relay:          rly,
		metrics:        m,
		logger:         logger.With("component", "api"),
		baseURL:        cfg.Server.BaseURL,
		trustProxy:     cfg.Server.TrustProxy,
		maxBodyBytes:   cfg.Server.MaxBodyBytes,
		startTime:      time.Now(),
		loginRL:        newRateLimiter(5, 10),
		pairInitRL:     perMinuteLimiter(cfg.Pairing.InitiatePerMinute),
		pairCompleteRL: perMinuteLimiter(cfg.Pairing.CompletePerMinute),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)
	mux.Method("GET", "/metrics", m.Handler())

	mux.With(ipRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)

	// Pairing: deliberately unauthenticated, guarded by per-IP limits.
	mux.With(ipRateLimitMiddleware(srv.pairInitRL)).Post("/api/pair/initiate", srv.handlePairInitiate)
	mux.With(ipRateLimitMiddleware(srv.pairCompleteRL)).Post("/api/pair/complete", srv.handlePairComplete)
	mux.Get("/api/pair/status/{deviceId}", srv.handlePairStatus)
	mux.Get("/api/pair/qr/{deviceId}", srv.handlePairQR)

	mux.Post("/api/enroll/device", srv.handleEnrollDevice)

	// Device-session surface: agents talking to their own row.
	mux.Group(func(r chi.Router) {
		r.Use(srv.deviceSessionMiddleware)
		r.Post("/api/devices/{id}/heartbeat", srv.handleHeartbeat)
		r.Get("/api/devices/{id}/commands/pending", srv.handlePollPending)
		r.Patch("/api/devices/{id}/commands/{cid}", srv.handleAckCommand)
		r.Post("/api/devices/{id}/telemetry", srv.handleIngestTelemetry)
	})

	// Admin console surface.
	srv.adminRL = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.adminAuthMiddleware)
		r.Use(identityRateLimitMiddleware(srv.adminRL))

		r.Post("/api/enroll/tokens", srv.handleCreateEnrollToken)
		r.Get("/api/enroll/tokens", srv.handleListEnrollTokens)
		r.Delete("/api/enroll/tokens/{id}", srv.handleRevokeEnrollToken)

		r.Get("/api/devices", srv.handleListDevices)
		r.Get("/api/devices/{id}", srv.handleGetDevice)
		r.Patch("/api/devices/{id}", srv.handleUpdateDevice)
		r.Delete("/api/devices/{id}", srv.handleDeleteDevice)

		r.Get("/api/devices/{id}/commands", srv.handleCommandHistory)
		r.Post("/api/devices/{id}/commands", srv.handleQueueCommand)
		r.Post("/api/devices/{id}/commands/{cid}/cancel", srv.handleCancelCommand)

		r.Get("/api/devices/{id}/events", srv.handleListEvents)
		r.Post("/api/events/{id}/ack", srv.handleAckEvent)

		r.Get("/api/devices/{id}/telemetry", srv.handleGetTelemetry)
		r.Get("/api/devices/{id}/telemetry/history", srv.handleTelemetryHistory)
		r.Post("/api/devices/{id}/telemetry/refresh", srv.handleTelemetryRefresh)
	})

	// Sockets. Relay and admin sockets authenticate inside the handler.
	mux.Get("/ws", sb.HandleWS)
	mux.Get("/ws/relay", rly.HandleWS)
	mux.Get("/admin", srv.handleAdminWS)

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts the rate limiter janitors.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	s.pairInitRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	s.pairCompleteRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	s.adminRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Health ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Auth ---

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// --- Pairing ---

func (s *Server) handlePairInitiate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		DeviceName string `json:"deviceName"`
	}
	// An empty body is fine; the device name is optional.
	_ = json.NewDecoder(r.Body).Decode(&req)

	sess, err := s.pairing.Initiate(req.DeviceName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create pairing session")
		return
	}
	s.metrics.PairingOutcome("initiated")

	writeJSON(w, http.StatusOK, map[string]any{
		"deviceId":    sess.DeviceID,
		"pairingCode": sess.Code,
		"qrCodeData":  pairingURI(sess),
		"expiresAt":   sess.ExpiresAt.UnixMilli(),
	})
}

func (s *Server) handlePairComplete(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		PairingCode         string `json:"pairingCode"`
		ControllerPublicKey string `json:"controllerPublicKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PairingCode == "" {
		writeError(w, http.StatusBadRequest, "pairingCode is required")
		return
	}

	sess, err := s.pairing.CompleteByCode(r.Context(), req.PairingCode, req.ControllerPublicKey)
	switch {
	case errors.Is(err, pairing.ErrInvalidCode):
		s.metrics.PairingOutcome("invalid")
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	case errors.Is(err, pairing.ErrCodeExpired):
		s.metrics.PairingOutcome("expired")
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "pairing failed")
		return
	}
	s.metrics.PairingOutcome("completed")

	writeJSON(w, http.StatusOK, map[string]string{
		"sessionToken":    sess.SessionToken,
		"deviceId":        sess.DeviceID,
		"deviceName":      sess.DeviceName(),
		"devicePublicKey": sess.DevicePublicKey,
	})
}

func (s *Server) handlePairStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")
	st, err := s.pairing.StatusByDeviceID(deviceID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Device not found")
		return
	}

	resp := map[string]any{
		"status":   st.Status,
		"deviceId": deviceID,
	}
	if st.Status == pairing.StatusCompleted {
		resp["sessionToken"] = st.SessionToken
		resp["serverUrl"] = s.externalWSBaseURL(r) + "/ws"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePairQR(w http.ResponseWriter, r *http.Request) {
	sess, err := s.pairing.Get(chi.URLParam(r, "deviceId"))
	if err != nil || sess.Status != pairing.StatusPending {
		writeError(w, http.StatusNotFound, "Device not found")
		return
	}

	png, err := qrcode.Encode(pairingURI(sess), qrcode.Medium, 256)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to render QR code")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

func pairingURI(s *pairing.Session) string {
	return "android-remote://pair?code=" + s.Code + "&device=" + s.DeviceID
}

// --- Enrollment ---

func (s *Server) handleCreateEnrollToken(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		TTLSeconds int `json:"ttl_seconds"`
		MaxUses    int `json:"max_uses"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	ttl := defaultTokenTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	maxUses := defaultTokenMaxUses
	if req.MaxUses > 0 {
		maxUses = req.MaxUses
	}

	code, err := auth.NewEnrollmentCode(8)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	now := time.Now().UTC()
	tok := &store.EnrollmentToken{
		ID:        uuid.New().String(),
		Code:      code,
		ExpiresAt: now.Add(ttl),
		MaxUses:   maxUses,
		Status:    store.TokenActive,
		CreatedAt: now,
	}
	if err := s.store.CreateEnrollmentToken(r.Context(), tok); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create token")
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

func (s *Server) handleListEnrollTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.store.ListEnrollmentTokens(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tokens")
		return
	}
	// Expiry is enforced lazily; show it truthfully on read.
	now := time.Now().UTC()
	for i := range tokens {
		if tokens[i].Status == store.TokenActive && now.After(tokens[i].ExpiresAt) {
			tokens[i].Status = store.TokenExpired
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}

func (s *Server) handleRevokeEnrollToken(w http.ResponseWriter, r *http.Request) {
	err := s.store.RevokeEnrollmentToken(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "token not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to revoke token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnrollDevice(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Token    string `json:"token"`
		Name     string `json:"name"`
		Platform string `json:"platform"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	ctx := r.Context()
	tok, err := s.store.GetEnrollmentTokenByCode(ctx, strings.ToUpper(req.Token))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid enrollment token")
		return
	}
	if tok.Status != store.TokenActive {
		writeError(w, http.StatusUnauthorized, "invalid enrollment token")
		return
	}
	if time.Now().UTC().After(tok.ExpiresAt) {
		if err := s.store.SetEnrollmentTokenStatus(ctx, tok.ID, store.TokenExpired); err != nil {
			s.logger.Warn("mark token expired", "token_id", tok.ID, "error", err)
		}
		writeError(w, http.StatusUnauthorized, "enrollment token has expired")
		return
	}
	ok, err := s.store.ConsumeEnrollmentToken(ctx, tok.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enrollment failed")
		return
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid enrollment token")
		return
	}

	deviceID := "device-" + uuid.New().String()
	name := req.Name
	if name == "" {
		name = "Device (" + deviceID[len(deviceID)-6:] + ")"
	}
	platform := req.Platform
	if platform == "" {
		platform = "other"
	}
	now := time.Now().UTC()
	d := &store.Device{
		ID:         deviceID,
		Name:       name,
		Platform:   platform,
		Compliance: store.CompliancePending,
		EnrolledAt: now,
		LastSeen:   now,
	}
	if err := s.store.CreateDevice(ctx, d); err != nil {
		writeError(w, http.StatusInternalServerError, "enrollment failed")
		return
	}

	sessionToken, err := auth.NewSessionToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enrollment failed")
		return
	}
	if err := s.store.CreateSession(ctx, &store.Session{
		Token: sessionToken, DeviceID: deviceID, CreatedAt: now,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "enrollment failed")
		return
	}

	s.events.Record(ctx, deviceID, events.TypeDeviceEnrolled, events.SeverityInfo,
		map[string]string{"name": name, "platform": platform})

	writeJSON(w, http.StatusCreated, map[string]string{
		"deviceId":     deviceID,
		"sessionToken": sessionToken,
		"serverUrl":    s.externalWSBaseURL(r) + "/ws/relay",
		"baseUrl":      s.externalBaseURL(r),
	})
}

// --- Device-session handlers ---

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	d := deviceFromContext(r.Context())
	if err := s.store.UpdateDeviceLastSeen(r.Context(), d.ID, time.Now().UTC()); err != nil {
		writeError(w, http.StatusInternalServerError, "heartbeat failed")
		return
	}
	// Devices without a relay connection keep their online status
	// through HTTP heartbeats; staleness is judged against last_seen.
	if err := s.store.SetDeviceOnline(r.Context(), d.ID, true); err != nil {
		s.logger.Warn("set device online", "device_id", d.ID, "error", err)
	}
	// First heartbeat after enrollment seeds the app inventory.
	if err := s.commands.EnsureAppSync(r.Context(), d.ID); err != nil {
		s.logger.Warn("ensure app sync", "device_id", d.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePollPending(w http.ResponseWriter, r *http.Request) {
	d := deviceFromContext(r.Context())
	cmds, err := s.commands.PollPending(r.Context(), d.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "poll failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": cmds})
}

func (s *Server) handleAckCommand(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	d := deviceFromContext(r.Context())
	var req struct {
		Status string          `json:"status"`
		Error  string          `json:"error"`
		Output json.RawMessage `json:"output"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.commands.Acknowledge(r.Context(), d.ID, chi.URLParam(r, "cid"), req.Status, req.Error, req.Output)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, command.ErrWrongDevice):
		writeError(w, http.StatusNotFound, "command not found")
		return
	case errors.Is(err, command.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	case errors.Is(err, command.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid status transition")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "acknowledge failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"command": res.Command, "noop": res.NoOp})
}

func (s *Server) handleIngestTelemetry(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	d := deviceFromContext(r.Context())
	var snap protocol.TelemetrySnapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.telemetry.Ingest(r.Context(), d.ID, &snap); err != nil {
		writeError(w, http.StatusInternalServerError, "telemetry ingest failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Admin device handlers ---

// deviceView adds the computed status to a stored device.
type deviceView struct {
	store.Device
	Status string `json:"status"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	now := time.Now().UTC()
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, deviceView{Device: d, Status: d.Status(now)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": views})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.GetDevice(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load device")
		return
	}
	writeJSON(w, http.StatusOK, deviceView{Device: *d, Status: d.Status(time.Now().UTC())})
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Name       *string `json:"name"`
		PolicyID   *string `json:"policyId"`
		Compliance *string `json:"compliance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == nil && req.PolicyID == nil && req.Compliance == nil {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	id := chi.URLParam(r, "id")
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			writeError(w, http.StatusBadRequest, "name must not be empty")
			return
		}
		if err := s.store.RenameDevice(r.Context(), id, name); err != nil {
			s.deviceUpdateError(w, err, "rename failed")
			return
		}
	}
	if req.PolicyID != nil {
		if err := s.store.SetDevicePolicy(r.Context(), id, *req.PolicyID); err != nil {
			s.deviceUpdateError(w, err, "policy update failed")
			return
		}
	}
	if req.Compliance != nil {
		switch *req.Compliance {
		case store.ComplianceCompliant, store.ComplianceNonCompliant, store.CompliancePending:
		default:
			writeError(w, http.StatusBadRequest, "invalid compliance status")
			return
		}
		if err := s.store.SetDeviceCompliance(r.Context(), id, *req.Compliance); err != nil {
			s.deviceUpdateError(w, err, "compliance update failed")
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deviceUpdateError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeError(w, http.StatusInternalServerError, msg)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetDevice(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}

	// Publish before the cascade removes the event rows; live admin
	// sockets still see the deletion.
	s.events.Record(r.Context(), id, events.TypeDeviceDeleted, events.SeverityInfo, nil)
	s.relay.Disconnect(id)

	if err := s.store.DeleteDevice(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	s.logger.Info("device unenrolled", "device_id", id, "by", identityFromContext(r.Context()).Username)
	w.WriteHeader(http.StatusNoContent)
}

// --- Admin command handlers ---

func (s *Server) handleCommandHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.CommandFilter{
		Status: q.Get("status"),
		Type:   q.Get("type"),
		Limit:  intQuery(q.Get("limit"), 100),
		Offset: intQuery(q.Get("offset"), 0),
	}
	cmds, err := s.commands.History(r.Context(), chi.URLParam(r, "id"), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list commands")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": cmds})
}

func (s *Server) handleQueueCommand(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	c, err := s.commands.Queue(r.Context(), chi.URLParam(r, "id"), req.Type, req.Payload)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to queue command")
		return
	}
	s.metrics.CommandOutcome("queued")
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	c, err := s.commands.Cancel(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "cid"))
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, command.ErrWrongDevice):
		writeError(w, http.StatusNotFound, "command not found")
		return
	case errors.Is(err, command.ErrNotCancellable):
		writeError(w, http.StatusConflict, "command is no longer pending")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	s.metrics.CommandOutcome("cancelled")
	writeJSON(w, http.StatusOK, c)
}

// --- Admin event handlers ---

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.EventFilter{
		EventType: q.Get("type"),
		Severity:  q.Get("severity"),
		Limit:     intQuery(q.Get("limit"), 100),
		Offset:    intQuery(q.Get("offset"), 0),
	}
	if v := q.Get("acknowledged"); v != "" {
		acked := v == "true"
		f.Acknowledged = &acked
	}

	evs, err := s.events.List(r.Context(), chi.URLParam(r, "id"), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func (s *Server) handleAckEvent(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	err = s.events.Acknowledge(r.Context(), id, identityFromContext(r.Context()).Username)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "acknowledge failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Admin telemetry handlers ---

func (s *Server) handleGetTelemetry(w http.ResponseWriter, r *http.Request) {
	t, err := s.telemetry.Latest(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no telemetry for device")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load telemetry")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTelemetryHistory(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r.URL.Query().Get("limit"), 100)
	samples, err := s.telemetry.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"samples": samples})
}

func (s *Server) handleTelemetryRefresh(w http.ResponseWriter, r *http.Request) {
	requested := s.relay.RequestTelemetry(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]bool{"requested": requested})
}

// --- Helpers ---

func intQuery(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
