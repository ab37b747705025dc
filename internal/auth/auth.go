// Package auth provides authentication for the hub: admin console JWTs,
// device session tokens, and enrollment code generation.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/androidremote/fleethub/internal/config"
	"github.com/androidremote/fleethub/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthorized       = errors.New("unauthorized")
)

// codeAlphabet is used for enrollment codes. 0, O, 1 and I are excluded
// because operators read these codes out loud.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Claims represents the admin JWT token claims.
type Claims struct {
	UserID   string `json:"uid"`
	Username string `json:"usr"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Identity is a validated admin principal.
type Identity struct {
	UserID   string
	Username string
	Role     string
}

// Service handles authentication operations.
type Service struct {
	store        store.Store
	jwtSecret    []byte
	jwtExpiry    time.Duration
	initialAdmin *config.InitialAdmin
}

// NewService creates a new auth service.
func NewService(s store.Store, cfg config.AuthConfig) *Service {
	return &Service{
		store:        s,
		jwtSecret:    []byte(cfg.JWTSecret),
		jwtExpiry:    cfg.JWTExpiry.Duration,
		initialAdmin: cfg.InitialAdmin,
	}
}

// Bootstrap creates the initial admin user if configured and missing.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.initialAdmin == nil {
		return nil
	}

	_, err := s.store.GetAdminUser(ctx, s.initialAdmin.Username)
	if err == nil {
		return nil // already bootstrapped
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("check existing user: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(s.initialAdmin.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	return s.store.CreateAdminUser(ctx, &store.AdminUser{
		ID:           uuid.New().String(),
		Username:     s.initialAdmin.Username,
		PasswordHash: string(hash),
		Role:         "admin",
		CreatedAt:    time.Now().UTC(),
	})
}

// Login authenticates an admin and returns a JWT token.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.store.GetAdminUser(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	return s.generateToken(user)
}

// ValidateAdminToken validates an admin bearer token.
func (s *Service) ValidateAdminToken(tokenStr string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	return &Identity{UserID: claims.UserID, Username: claims.Username, Role: claims.Role}, nil
}

// DeviceFromSessionToken resolves a device session token issued at
// pairing or enrollment time. Used by the relay AUTH_REQUEST path and by
// the device HTTP endpoints.
func (s *Service) DeviceFromSessionToken(ctx context.Context, token string) (*store.Device, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	sess, err := s.store.GetSessionByToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	d, err := s.store.GetDevice(ctx, sess.DeviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

// ResolveViewer names the principal behind a viewer socket: an admin JWT
// resolves to its username, anything else that maps to a live device
// session resolves to "agent-session".
func (s *Service) ResolveViewer(ctx context.Context, token string) (string, error) {
	if id, err := s.ValidateAdminToken(token); err == nil {
		return id.Username, nil
	}
	if _, err := s.DeviceFromSessionToken(ctx, token); err == nil {
		return "agent-session", nil
	}
	return "", ErrUnauthorized
}

func (s *Service) generateToken(user *store.AdminUser) (string, error) {
	claims := &Claims{
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// NewSessionToken returns an opaque 32-byte URL-safe bearer token.
func NewSessionToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewEnrollmentCode returns a short human-readable code.
func NewEnrollmentCode(length int) (string, error) {
	out := make([]byte, length)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate enrollment code: %w", err)
		}
		out[i] = codeAlphabet[n.Int64()]
	}
	return string(out), nil
}

// NewPairingCode returns a 6-digit numeric code.
func NewPairingCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
