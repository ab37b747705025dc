// Package pairing implements the short-lived code exchange that binds a
// phone to a controller and issues its device session token.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/androidremote/fleethub/internal/auth"
	"github.com/androidremote/fleethub/internal/events"
	"github.com/androidremote/fleethub/internal/store"
)

// Session statuses. Completed is the serialized name for the paired state.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusExpired   = "expired"
)

var (
	// ErrInvalidCode covers both unknown codes and codes whose session
	// already completed, so the complete endpoint leaks nothing.
	ErrInvalidCode = errors.New("Invalid pairing code")
	ErrCodeExpired = errors.New("Pairing code has expired")
	ErrNotFound    = errors.New("pairing session not found")
)

// Session is one in-flight pairing exchange. Pairing state is volatile:
// an interrupted exchange is retried from scratch.
type Session struct {
	ID                  string
	DeviceID            string
	Code                string
	DevicePublicKey     string
	ControllerPublicKey string
	Status              string
	SessionToken        string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// DeviceName derives the display name given to the paired device.
func (s *Session) DeviceName() string {
	suffix := s.DeviceID
	if len(suffix) > 6 {
		suffix = suffix[len(suffix)-6:]
	}
	return fmt.Sprintf("Android Device (%s)", suffix)
}

// Status is the answer to a status poll.
type Status struct {
	Status       string
	SessionToken string
}

// Manager holds pairing sessions and the active code index. The code
// index maps only codes whose session can still complete: completion
// removes the entry, expiry keeps it so the caller sees "expired" rather
// than "invalid".
type Manager struct {
	mu       sync.Mutex
	byDevice map[string]*Session
	byCode   map[string]*Session

	store  store.Store
	events *events.Service
	ttl    time.Duration
	logger *slog.Logger

	now func() time.Time
}

// NewManager creates a pairing manager.
func NewManager(st store.Store, ev *events.Service, ttl time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		byDevice: make(map[string]*Session),
		byCode:   make(map[string]*Session),
		store:    st,
		events:   ev,
		ttl:      ttl,
		logger:   logger.With("component", "pairing"),
		now:      time.Now,
	}
}

// Initiate creates a pending session with a fresh device id and a unique
// 6-digit code.
func (m *Manager) Initiate(devicePublicKey string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	code, err := m.uniqueCodeLocked()
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	s := &Session{
		ID:              uuid.New().String(),
		DeviceID:        "device-" + uuid.New().String(),
		Code:            code,
		DevicePublicKey: devicePublicKey,
		Status:          StatusPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(m.ttl),
	}
	m.byDevice[s.DeviceID] = s
	m.byCode[code] = s

	m.logger.Info("pairing initiated", "device_id", s.DeviceID, "expires_at", s.ExpiresAt)
	return s, nil
}

// uniqueCodeLocked rejection-samples until the code is not in use.
func (m *Manager) uniqueCodeLocked() (string, error) {
	for i := 0; i < 100; i++ {
		code, err := auth.NewPairingCode()
		if err != nil {
			return "", err
		}
		if _, taken := m.byCode[code]; !taken {
			return code, nil
		}
	}
	return "", errors.New("pairing code space exhausted")
}

// CompleteByCode transitions pending -> completed, issues the session
// token, and creates the device and its auth session. A code at exactly
// its expiry instant still completes; only now > expiresAt expires it.
func (m *Manager) CompleteByCode(ctx context.Context, code, controllerPublicKey string) (*Session, error) {
	m.mu.Lock()

	s, ok := m.byCode[code]
	if !ok || s.Status == StatusCompleted {
		m.mu.Unlock()
		return nil, ErrInvalidCode
	}
	now := m.now().UTC()
	if s.Status == StatusExpired || now.After(s.ExpiresAt) {
		s.Status = StatusExpired
		m.mu.Unlock()
		return nil, ErrCodeExpired
	}

	token, err := auth.NewSessionToken()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	s.Status = StatusCompleted
	s.SessionToken = token
	s.ControllerPublicKey = controllerPublicKey
	delete(m.byCode, code)
	out := *s
	m.mu.Unlock()

	if err := m.persistDevice(ctx, &out); err != nil {
		// Roll the session back so the controller can retry.
		m.mu.Lock()
		s.Status = StatusPending
		s.SessionToken = ""
		s.ControllerPublicKey = ""
		m.byCode[code] = s
		m.mu.Unlock()
		return nil, err
	}

	m.logger.Info("pairing completed", "device_id", out.DeviceID)
	m.events.Record(ctx, out.DeviceID, events.TypePairingCompleted, events.SeverityInfo, nil)
	return &out, nil
}

// persistDevice creates the device row and its session token row.
func (m *Manager) persistDevice(ctx context.Context, s *Session) error {
	now := m.now().UTC()
	d := &store.Device{
		ID:         s.DeviceID,
		Name:       s.DeviceName(),
		Platform:   "android",
		Compliance: store.CompliancePending,
		EnrolledAt: now,
		LastSeen:   now,
	}
	if err := m.store.CreateDevice(ctx, d); err != nil {
		return fmt.Errorf("create device: %w", err)
	}
	if err := m.store.CreateSession(ctx, &store.Session{
		Token:     s.SessionToken,
		DeviceID:  s.DeviceID,
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Get returns a copy of the session for a device.
func (m *Manager) Get(deviceID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byDevice[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *s
	return &out, nil
}

// StatusByDeviceID polls a session. A pending session past its expiry is
// lazily transitioned to expired; its code stays in the index.
func (m *Manager) StatusByDeviceID(deviceID string) (*Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byDevice[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status == StatusPending && m.now().UTC().After(s.ExpiresAt) {
		s.Status = StatusExpired
	}
	return &Status{Status: s.Status, SessionToken: s.SessionToken}, nil
}
