package auth

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/androidremote/fleethub/internal/config"
	"github.com/androidremote/fleethub/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	svc := NewService(st, config.AuthConfig{
		JWTSecret:    testSecret,
		JWTExpiry:    config.Duration{Duration: time.Hour},
		InitialAdmin: &config.InitialAdmin{Username: "admin", Password: "hunter22"},
	})
	return svc, st
}

func TestBootstrapAndLogin(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	// Idempotent.
	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("second Bootstrap: %v", err)
	}

	token, err := svc.Login(ctx, "admin", "hunter22")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	id, err := svc.ValidateAdminToken(token)
	if err != nil {
		t.Fatalf("ValidateAdminToken: %v", err)
	}
	if id.Username != "admin" || id.Role != "admin" {
		t.Fatalf("identity = %+v", id)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Login(ctx, "admin", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("bad password: %v", err)
	}
	if _, err := svc.Login(ctx, "nobody", "hunter22"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user: %v", err)
	}
}

func TestValidateAdminTokenRejectsForgedToken(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatal(err)
	}
	token, err := svc.Login(ctx, "admin", "hunter22")
	if err != nil {
		t.Fatal(err)
	}

	other := NewService(st, config.AuthConfig{
		JWTSecret: "another-secret-that-is-32-chars!",
		JWTExpiry: config.Duration{Duration: time.Hour},
	})
	if _, err := other.ValidateAdminToken(token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("foreign-secret token accepted: %v", err)
	}
	if _, err := svc.ValidateAdminToken(token + "x"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("tampered token accepted: %v", err)
	}
}

func TestDeviceFromSessionToken(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	now := time.Now().UTC()
	d := &store.Device{ID: "dev-1", Platform: "android", Compliance: store.CompliancePending, EnrolledAt: now, LastSeen: now}
	if err := st.CreateDevice(ctx, d); err != nil {
		t.Fatal(err)
	}
	tok, err := NewSessionToken()
	if err != nil {
		t.Fatal(err)
	}
	if err := st.CreateSession(ctx, &store.Session{Token: tok, DeviceID: d.ID, CreatedAt: now}); err != nil {
		t.Fatal(err)
	}

	got, err := svc.DeviceFromSessionToken(ctx, tok)
	if err != nil {
		t.Fatalf("DeviceFromSessionToken: %v", err)
	}
	if got.ID != d.ID {
		t.Fatalf("device = %s", got.ID)
	}

	if _, err := svc.DeviceFromSessionToken(ctx, "bogus"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("bogus token: %v", err)
	}
	if _, err := svc.DeviceFromSessionToken(ctx, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("empty token: %v", err)
	}
}

func TestResolveViewer(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatal(err)
	}

	jwtToken, err := svc.Login(ctx, "admin", "hunter22")
	if err != nil {
		t.Fatal(err)
	}
	name, err := svc.ResolveViewer(ctx, jwtToken)
	if err != nil || name != "admin" {
		t.Fatalf("admin viewer = %q, %v", name, err)
	}

	now := time.Now().UTC()
	d := &store.Device{ID: "dev-1", Platform: "android", Compliance: store.CompliancePending, EnrolledAt: now, LastSeen: now}
	if err := st.CreateDevice(ctx, d); err != nil {
		t.Fatal(err)
	}
	sessTok, _ := NewSessionToken()
	if err := st.CreateSession(ctx, &store.Session{Token: sessTok, DeviceID: d.ID, CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	name, err = svc.ResolveViewer(ctx, sessTok)
	if err != nil || name != "agent-session" {
		t.Fatalf("device viewer = %q, %v", name, err)
	}

	if _, err := svc.ResolveViewer(ctx, "nope"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("unknown viewer: %v", err)
	}
}

func TestTokenAndCodeGenerators(t *testing.T) {
	tok, err := NewSessionToken()
	if err != nil {
		t.Fatal(err)
	}
	if len(tok) != 43 { // 32 bytes, unpadded base64url
		t.Fatalf("token length = %d", len(tok))
	}

	code, err := NewEnrollmentCode(8)
	if err != nil {
		t.Fatal(err)
	}
	if len(code) != 8 {
		t.Fatalf("code length = %d", len(code))
	}
	for _, r := range code {
		if strings.ContainsRune("0O1I", r) {
			t.Fatalf("ambiguous character %q in code %q", r, code)
		}
	}

	pc, err := NewPairingCode()
	if err != nil {
		t.Fatal(err)
	}
	if len(pc) != 6 {
		t.Fatalf("pairing code = %q", pc)
	}
	for _, r := range pc {
		if r < '0' || r > '9' {
			t.Fatalf("non-digit in pairing code %q", pc)
		}
	}
}
