package relay

import (
	"testing"
	"time"
)

func newAgent(deviceID string) *agentConn {
	return &agentConn{
		deviceID:      deviceID,
		lastHeartbeat: time.Now(),
		viewers:       make(map[uint16]*viewerConn),
	}
}

func TestAddReplacesExisting(t *testing.T) {
	r := NewRegistry()

	a1 := newAgent("dev-1")
	if evicted := r.Add(a1); evicted != nil {
		t.Fatalf("evicted = %v, want nil", evicted)
	}

	a2 := newAgent("dev-1")
	if evicted := r.Add(a2); evicted != a1 {
		t.Fatalf("evicted = %v, want first connection", evicted)
	}

	got, ok := r.Get("dev-1")
	if !ok || got != a2 {
		t.Fatalf("Get = %v, want second connection", got)
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}
}

func TestRemoveOnlyWhenCurrent(t *testing.T) {
	r := NewRegistry()

	a1 := newAgent("dev-1")
	r.Add(a1)
	a2 := newAgent("dev-1")
	r.Add(a2)

	// The evicted connection must not unregister its replacement.
	if r.Remove(a1) {
		t.Fatal("Remove(evicted) = true, want false")
	}
	if !r.Connected("dev-1") {
		t.Fatal("replacement disappeared from registry")
	}

	if !r.Remove(a2) {
		t.Fatal("Remove(current) = false, want true")
	}
	if r.Connected("dev-1") {
		t.Fatal("device still registered after Remove")
	}
}

func TestChannelIDsAreMonotonicAndNotReused(t *testing.T) {
	r := NewRegistry()
	a := newAgent("dev-1")
	r.Add(a)

	v1 := &viewerConn{sessionType: "desktop"}
	ch1, err := r.AllocateChannel(a, v1)
	if err != nil {
		t.Fatal(err)
	}
	if ch1 != 1 {
		t.Fatalf("first channel = %d, want 1", ch1)
	}

	v2 := &viewerConn{sessionType: "terminal"}
	ch2, err := r.AllocateChannel(a, v2)
	if err != nil {
		t.Fatal(err)
	}
	if ch2 != 2 {
		t.Fatalf("second channel = %d, want 2", ch2)
	}

	// Releasing does not recycle the id.
	r.ReleaseChannel(a, ch1)
	v3 := &viewerConn{sessionType: "files"}
	ch3, err := r.AllocateChannel(a, v3)
	if err != nil {
		t.Fatal(err)
	}
	if ch3 != 3 {
		t.Fatalf("channel after release = %d, want 3", ch3)
	}

	if _, ok := r.Viewer(a, ch1); ok {
		t.Fatal("released channel still resolves to a viewer")
	}
	if got, ok := r.Viewer(a, ch2); !ok || got != v2 {
		t.Fatal("live channel does not resolve to its viewer")
	}
}

func TestAllocateChannelExhaustion(t *testing.T) {
	r := NewRegistry()
	a := newAgent("dev-1")
	r.Add(a)

	a.nextChannelID = 0xFFFE
	if _, err := r.AllocateChannel(a, &viewerConn{}); err != nil {
		t.Fatalf("allocation at 0xFFFF failed: %v", err)
	}
	if _, err := r.AllocateChannel(a, &viewerConn{}); err != ErrNoFreeChannel {
		t.Fatalf("err = %v, want ErrNoFreeChannel", err)
	}
}

func TestViewersSnapshot(t *testing.T) {
	r := NewRegistry()
	a := newAgent("dev-1")
	r.Add(a)

	for i := 0; i < 3; i++ {
		if _, err := r.AllocateChannel(a, &viewerConn{}); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(r.Viewers(a)); n != 3 {
		t.Fatalf("viewers = %d, want 3", n)
	}
}

func TestStaleSince(t *testing.T) {
	r := NewRegistry()
	fresh := newAgent("dev-fresh")
	stale := newAgent("dev-stale")
	r.Add(fresh)
	r.Add(stale)

	cutoff := time.Now()
	r.Touch(stale, cutoff.Add(-2*time.Minute))
	r.Touch(fresh, cutoff.Add(time.Second))

	got := r.StaleSince(cutoff)
	if len(got) != 1 || got[0] != stale {
		t.Fatalf("StaleSince = %v, want only the stale agent", got)
	}
}
