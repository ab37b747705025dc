package command

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/androidremote/fleethub/internal/events"
	"github.com/androidremote/fleethub/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeTransport struct {
	mu     sync.Mutex
	pushed []store.Command
	online bool
}

func (f *fakeTransport) PushCommand(deviceID string, c store.Command) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online {
		return false
	}
	f.pushed = append(f.pushed, c)
	return true
}

func newTestService(t *testing.T) (*Service, store.Store, *fakeTransport) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ev := events.NewService(st, events.NewBus(testLogger()), testLogger())
	svc := NewService(st, ev, testLogger())
	tr := &fakeTransport{online: true}
	svc.SetTransport(tr)
	return svc, st, tr
}

func seedDevice(t *testing.T, st store.Store) *store.Device {
	t.Helper()
	now := time.Now().UTC()
	d := &store.Device{ID: "dev-1", Platform: "android", Compliance: store.CompliancePending, EnrolledAt: now, LastSeen: now}
	if err := st.CreateDevice(context.Background(), d); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	return d
}

func TestQueueAndPoll(t *testing.T) {
	svc, st, tr := newTestService(t)
	ctx := context.Background()
	d := seedDevice(t, st)

	c, err := svc.Queue(ctx, d.ID, TypeLock, []byte(`{"message":"locked by admin"}`))
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if c.Status != store.CommandPending {
		t.Fatalf("status = %s", c.Status)
	}
	if len(tr.pushed) != 1 || tr.pushed[0].ID != c.ID {
		t.Fatalf("pushed = %+v", tr.pushed)
	}

	cmds, err := svc.PollPending(ctx, d.ID)
	if err != nil || len(cmds) != 1 {
		t.Fatalf("PollPending: %v, n=%d", err, len(cmds))
	}
	if cmds[0].Status != store.CommandDelivered {
		t.Fatalf("status = %s", cmds[0].Status)
	}
}

func TestQueueUnknownDevice(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Queue(context.Background(), "ghost", TypeLock, nil); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown device: %v", err)
	}
}

func TestAcknowledgeLifecycle(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	d := seedDevice(t, st)

	c, err := svc.Queue(ctx, d.ID, TypeReboot, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.PollPending(ctx, d.ID); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Acknowledge(ctx, d.ID, c.ID, store.CommandExecuting, "", nil)
	if err != nil || res.NoOp {
		t.Fatalf("executing ack: %+v, %v", res, err)
	}
	res, err = svc.Acknowledge(ctx, d.ID, c.ID, store.CommandCompleted, "", nil)
	if err != nil || res.NoOp {
		t.Fatalf("completed ack: %+v, %v", res, err)
	}
	if res.Command.CompletedAt == nil {
		t.Fatal("completed_at not stamped")
	}

	// Retried terminal ack is a no-op success, and the row is untouched.
	res, err = svc.Acknowledge(ctx, d.ID, c.ID, store.CommandCompleted, "", nil)
	if err != nil {
		t.Fatalf("repeated ack: %v", err)
	}
	if !res.NoOp {
		t.Fatal("repeated ack not flagged as no-op")
	}

	// Completed event was recorded exactly once.
	evs, err := st.ListEvents(ctx, d.ID, store.EventFilter{EventType: events.TypeCommandCompleted})
	if err != nil || len(evs) != 1 {
		t.Fatalf("completed events: %v, n=%d", err, len(evs))
	}
}

func TestAcknowledgeRejectsBadInput(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	d := seedDevice(t, st)

	c, err := svc.Queue(ctx, d.ID, TypeLock, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Acknowledge(ctx, d.ID, c.ID, "sideways", "", nil); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("bad status: %v", err)
	}
	if _, err := svc.Acknowledge(ctx, "other-device", c.ID, store.CommandCompleted, "", nil); !errors.Is(err, ErrWrongDevice) {
		t.Fatalf("wrong device: %v", err)
	}
	if _, err := svc.Acknowledge(ctx, d.ID, "ghost", store.CommandCompleted, "", nil); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown command: %v", err)
	}

	// Terminal states are sinks.
	if _, err := svc.Acknowledge(ctx, d.ID, c.ID, store.CommandCompleted, "", nil); err != nil {
		t.Fatalf("completed ack: %v", err)
	}
	if _, err := svc.Acknowledge(ctx, d.ID, c.ID, store.CommandExecuting, "", nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("completed -> executing: %v", err)
	}
}

func TestAcknowledgeWithoutPoll(t *testing.T) {
	svc, st, tr := newTestService(t)
	ctx := context.Background()
	d := seedDevice(t, st)

	// A relay push leaves the command pending; the agent's result must
	// still land.
	c, err := svc.Queue(ctx, d.ID, TypeReboot, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(tr.pushed) != 1 {
		t.Fatalf("pushed = %d, want 1", len(tr.pushed))
	}

	res, err := svc.Acknowledge(ctx, d.ID, c.ID, store.CommandCompleted, "", nil)
	if err != nil || res.NoOp {
		t.Fatalf("pending -> completed: %+v, %v", res, err)
	}
	if res.Command.Status != store.CommandCompleted {
		t.Fatalf("status = %s", res.Command.Status)
	}

	// And an executing progress report straight from pending.
	c2, err := svc.Queue(ctx, d.ID, TypeLock, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Acknowledge(ctx, d.ID, c2.ID, store.CommandExecuting, "", nil); err != nil {
		t.Fatalf("pending -> executing: %v", err)
	}
}

func TestFailedAckRecordsEventAndError(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	d := seedDevice(t, st)

	c, _ := svc.Queue(ctx, d.ID, TypeInstallAPK, []byte(`{"url":"https://example.com/app.apk"}`))
	if _, err := svc.PollPending(ctx, d.ID); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Acknowledge(ctx, d.ID, c.ID, store.CommandFailed, "download failed", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Command.Error != "download failed" {
		t.Fatalf("error = %q", res.Command.Error)
	}

	evs, err := st.ListEvents(ctx, d.ID, store.EventFilter{EventType: events.TypeCommandFailed})
	if err != nil || len(evs) != 1 {
		t.Fatalf("failed events: %v, n=%d", err, len(evs))
	}
}

func TestSyncAppsIngestsInventory(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	d := seedDevice(t, st)

	c, _ := svc.Queue(ctx, d.ID, TypeSyncApps, nil)
	if _, err := svc.PollPending(ctx, d.ID); err != nil {
		t.Fatal(err)
	}

	output := []byte(`{"apps":[
		{"package":"com.example.mail","name":"Mail","version":"1.0"},
		{"package":"com.example.maps","name":"Maps","version":"2.3"}]}`)
	if _, err := svc.Acknowledge(ctx, d.ID, c.ID, store.CommandCompleted, "", output); err != nil {
		t.Fatal(err)
	}

	apps, err := st.ListDeviceApps(ctx, d.ID)
	if err != nil || len(apps) != 2 {
		t.Fatalf("apps: %v, n=%d", err, len(apps))
	}
}

func TestCancelAndPurge(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	d := seedDevice(t, st)

	c, _ := svc.Queue(ctx, d.ID, TypeWipe, nil)
	got, err := svc.Cancel(ctx, d.ID, c.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != store.CommandCancelled {
		t.Fatalf("status = %s", got.Status)
	}
	// Terminal; cannot cancel again.
	if _, err := svc.Cancel(ctx, d.ID, c.ID); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("second cancel: %v", err)
	}

	c2, _ := svc.Queue(ctx, d.ID, TypeLock, nil)
	if _, err := svc.PollPending(ctx, d.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Cancel(ctx, d.ID, c2.ID); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("cancel after delivery: %v", err)
	}
	if err := svc.Purge(ctx, d.ID, c2.ID); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("purge after delivery: %v", err)
	}

	c3, _ := svc.Queue(ctx, d.ID, TypeLock, nil)
	if err := svc.Purge(ctx, d.ID, c3.ID); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if _, err := svc.Get(ctx, c3.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("purged command still present: %v", err)
	}
}

func TestEnsureAppSync(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	d := seedDevice(t, st)

	if err := svc.EnsureAppSync(ctx, d.ID); err != nil {
		t.Fatal(err)
	}
	// Second heartbeat while the sync is still undelivered: no duplicate.
	if err := svc.EnsureAppSync(ctx, d.ID); err != nil {
		t.Fatal(err)
	}
	cmds, err := svc.History(ctx, d.ID, store.CommandFilter{Type: TypeSyncApps})
	if err != nil || len(cmds) != 1 {
		t.Fatalf("sync commands: %v, n=%d", err, len(cmds))
	}

	// Once the device has apps on record, no further syncs are queued.
	if err := st.ReplaceDeviceApps(ctx, d.ID, []store.DeviceApp{{Package: "com.example.mail"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.PollPending(ctx, d.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Acknowledge(ctx, d.ID, cmds[0].ID, store.CommandCompleted, "", nil); err != nil {
		t.Fatal(err)
	}
	if err := svc.EnsureAppSync(ctx, d.ID); err != nil {
		t.Fatal(err)
	}
	cmds, _ = svc.History(ctx, d.ID, store.CommandFilter{Type: TypeSyncApps})
	if len(cmds) != 1 {
		t.Fatalf("unexpected extra sync, n=%d", len(cmds))
	}
}

func TestOfflineTransportDoesNotBlockQueueing(t *testing.T) {
	svc, st, tr := newTestService(t)
	ctx := context.Background()
	d := seedDevice(t, st)
	tr.online = false

	c, err := svc.Queue(ctx, d.ID, TypeLock, nil)
	if err != nil {
		t.Fatalf("Queue with offline transport: %v", err)
	}
	got, err := svc.Get(ctx, c.ID)
	if err != nil || got.Status != store.CommandPending {
		t.Fatalf("command: %+v, %v", got, err)
	}
}
