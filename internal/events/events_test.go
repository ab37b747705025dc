package events

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/androidremote/fleethub/internal/store"
)

type recordingSub struct {
	mu     sync.Mutex
	events []store.DeviceEvent
}

func (r *recordingSub) Notify(e store.DeviceEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingSub) all() []store.DeviceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.DeviceEvent(nil), r.events...)
}

type panickingSub struct{}

func (panickingSub) Notify(store.DeviceEvent) { panic("boom") }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewService(st, NewBus(testLogger()), testLogger()), st
}

func seedDevice(t *testing.T, st store.Store) *store.Device {
	t.Helper()
	now := time.Now().UTC()
	d := &store.Device{ID: "dev-1", Name: "test", Platform: "android", Compliance: store.CompliancePending, EnrolledAt: now, LastSeen: now}
	if err := st.CreateDevice(context.Background(), d); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	return d
}

func TestRecordPersistsAndPublishes(t *testing.T) {
	svc, st := newTestService(t)
	d := seedDevice(t, st)

	var sub recordingSub
	unsub := svc.Bus().Subscribe(&sub)
	defer unsub()

	svc.Record(context.Background(), d.ID, TypeBatteryLow, SeverityWarning, map[string]int{"battery_level": 18})

	got := sub.all()
	if len(got) != 1 {
		t.Fatalf("delivered %d events, want 1", len(got))
	}
	if got[0].ID == 0 {
		t.Fatal("published event has no row id")
	}
	if got[0].EventType != TypeBatteryLow || got[0].Severity != SeverityWarning {
		t.Fatalf("event = %+v", got[0])
	}

	rows, err := st.ListEvents(context.Background(), d.ID, store.EventFilter{})
	if err != nil || len(rows) != 1 {
		t.Fatalf("ListEvents: %v, n=%d", err, len(rows))
	}
	if rows[0].ID != got[0].ID {
		t.Fatalf("row id %d, published id %d", rows[0].ID, got[0].ID)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	svc, st := newTestService(t)
	d := seedDevice(t, st)

	var sub recordingSub
	unsub := svc.Bus().Subscribe(&sub)

	svc.Record(context.Background(), d.ID, TypeDeviceOnline, SeverityInfo, nil)
	unsub()
	svc.Record(context.Background(), d.ID, TypeDeviceOffline, SeverityInfo, nil)

	if n := len(sub.all()); n != 1 {
		t.Fatalf("delivered %d events after unsubscribe, want 1", n)
	}
}

func TestPanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	svc, st := newTestService(t)
	d := seedDevice(t, st)

	svc.Bus().Subscribe(panickingSub{})
	var sub recordingSub
	svc.Bus().Subscribe(&sub)

	svc.Record(context.Background(), d.ID, TypeCommandFailed, SeverityWarning, nil)

	if n := len(sub.all()); n != 1 {
		t.Fatalf("healthy subscriber got %d events, want 1", n)
	}
}
