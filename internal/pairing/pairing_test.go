package pairing

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/androidremote/fleethub/internal/events"
	"github.com/androidremote/fleethub/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestManager(t *testing.T) (*Manager, store.Store, *time.Time) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ev := events.NewService(st, events.NewBus(testLogger()), testLogger())
	m := NewManager(st, ev, 5*time.Minute, testLogger())

	now := time.Now().UTC()
	m.now = func() time.Time { return now }
	return m, st, &now
}

func TestHappyPathPairing(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Initiate("Pixel 7")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if len(s.Code) != 6 || s.DeviceID == "" {
		t.Fatalf("session = %+v", s)
	}
	if s.ExpiresAt.Sub(s.CreatedAt) != 5*time.Minute {
		t.Fatalf("ttl = %v", s.ExpiresAt.Sub(s.CreatedAt))
	}

	st1, err := m.StatusByDeviceID(s.DeviceID)
	if err != nil || st1.Status != StatusPending {
		t.Fatalf("status before complete: %+v, %v", st1, err)
	}

	done, err := m.CompleteByCode(ctx, s.Code, "controller-pk")
	if err != nil {
		t.Fatalf("CompleteByCode: %v", err)
	}
	if done.SessionToken == "" || done.Status != StatusCompleted {
		t.Fatalf("completed session = %+v", done)
	}
	if done.DevicePublicKey != "Pixel 7" {
		t.Fatalf("device public key = %q", done.DevicePublicKey)
	}

	st2, err := m.StatusByDeviceID(s.DeviceID)
	if err != nil || st2.Status != StatusCompleted || st2.SessionToken != done.SessionToken {
		t.Fatalf("status after complete: %+v, %v", st2, err)
	}

	// The device row and auth session exist.
	d, err := st.GetDevice(ctx, s.DeviceID)
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if !strings.HasPrefix(d.Name, "Android Device (") {
		t.Fatalf("device name = %q", d.Name)
	}
	sess, err := st.GetSessionByToken(ctx, done.SessionToken)
	if err != nil || sess.DeviceID != s.DeviceID {
		t.Fatalf("session row: %+v, %v", sess, err)
	}
}

func TestCompleteRemovesCodeFromIndex(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Initiate("")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.CompleteByCode(ctx, s.Code, ""); err != nil {
		t.Fatal(err)
	}

	// A second completion with the same code must look invalid, not expired.
	if _, err := m.CompleteByCode(ctx, s.Code, ""); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("reused code: %v", err)
	}
}

func TestExpiredCode(t *testing.T) {
	m, _, now := newTestManager(t)
	ctx := context.Background()

	s, err := m.Initiate("")
	if err != nil {
		t.Fatal(err)
	}

	*now = now.Add(301 * time.Second)

	if _, err := m.CompleteByCode(ctx, s.Code, ""); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("expired complete: %v", err)
	}
	st1, err := m.StatusByDeviceID(s.DeviceID)
	if err != nil || st1.Status != StatusExpired {
		t.Fatalf("status = %+v, %v", st1, err)
	}
}

func TestCompletionAtExactExpiryInstantSucceeds(t *testing.T) {
	m, _, now := newTestManager(t)
	ctx := context.Background()

	s, err := m.Initiate("")
	if err != nil {
		t.Fatal(err)
	}

	*now = s.ExpiresAt

	if _, err := m.CompleteByCode(ctx, s.Code, ""); err != nil {
		t.Fatalf("complete at expiry instant: %v", err)
	}
}

func TestLazyExpiryOnStatusRead(t *testing.T) {
	m, _, now := newTestManager(t)

	s, err := m.Initiate("")
	if err != nil {
		t.Fatal(err)
	}

	*now = now.Add(6 * time.Minute)

	st1, err := m.StatusByDeviceID(s.DeviceID)
	if err != nil || st1.Status != StatusExpired {
		t.Fatalf("status = %+v, %v", st1, err)
	}
}

func TestUnknownCodeAndUnknownDevice(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.CompleteByCode(ctx, "000000", ""); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("unknown code: %v", err)
	}
	if _, err := m.StatusByDeviceID("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown device: %v", err)
	}
}

func TestCodesAreUniqueAcrossActiveSessions(t *testing.T) {
	m, _, _ := newTestManager(t)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		s, err := m.Initiate("")
		if err != nil {
			t.Fatal(err)
		}
		if seen[s.Code] {
			t.Fatalf("duplicate active code %q", s.Code)
		}
		seen[s.Code] = true
	}
}
