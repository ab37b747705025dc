// Package events records device lifecycle events and fans them out to
// in-process subscribers such as the admin event socket.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/androidremote/fleethub/internal/store"
)

// Well-known event types.
const (
	TypeDeviceEnrolled   = "device-enrolled"
	TypeDeviceOnline     = "device-online"
	TypeDeviceOffline    = "device-offline"
	TypeDeviceDeleted    = "device-deleted"
	TypeCommandQueued    = "command-queued"
	TypeCommandCompleted = "command-completed"
	TypeCommandFailed    = "command-failed"
	TypeBatteryLow       = "battery-low"
	TypeBatteryCritical  = "battery-critical"
	TypePolicySynced     = "policy-synced"
	TypePairingCompleted = "pairing-completed"
)

// Severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Subscriber receives every published event. Delivery is synchronous on
// the publishing goroutine; implementations must not block.
type Subscriber interface {
	Notify(e store.DeviceEvent)
}

// Bus fans out events to subscribers. The subscriber list is copied on
// write so publishing never holds the lock during delivery.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]Subscriber
	next int

	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]Subscriber),
		logger: logger.With("component", "events"),
	}
}

// Subscribe registers a subscriber and returns an unsubscribe func.
func (b *Bus) Subscribe(s Subscriber) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = s
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers the event to every subscriber. A panicking subscriber
// is logged and skipped; it never takes down the publisher.
func (b *Bus) Publish(e store.DeviceEvent) {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, e)
	}
}

func (b *Bus) deliver(s Subscriber, e store.DeviceEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked", "panic", r, "event_type", e.EventType)
		}
	}()
	s.Notify(e)
}

// Service persists events and publishes them on the bus. The row is
// written first so subscribers always see an event that already has an id.
type Service struct {
	store  store.Store
	bus    *Bus
	logger *slog.Logger
}

// NewService creates an event service.
func NewService(st store.Store, bus *Bus, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		bus:    bus,
		logger: logger.With("component", "events"),
	}
}

// Bus exposes the underlying bus for subscribers.
func (s *Service) Bus() *Bus { return s.bus }

// Record writes an event row and publishes it. Payload may be nil.
func (s *Service) Record(ctx context.Context, deviceID, eventType, severity string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			s.logger.Error("marshal event payload", "event_type", eventType, "error", err)
			return
		}
		raw = b
	}

	e := store.DeviceEvent{
		DeviceID:  deviceID,
		EventType: eventType,
		Severity:  severity,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}

	id, err := s.store.AppendEvent(ctx, &e)
	if err != nil {
		s.logger.Error("append event", "event_type", eventType, "device_id", deviceID, "error", err)
		return
	}
	e.ID = id

	s.bus.Publish(e)
}

// List returns events matching the filter, newest first.
func (s *Service) List(ctx context.Context, deviceID string, f store.EventFilter) ([]store.DeviceEvent, error) {
	return s.store.ListEvents(ctx, deviceID, f)
}

// Acknowledge marks an event as seen by an operator.
func (s *Service) Acknowledge(ctx context.Context, id int64, by string) error {
	return s.store.AcknowledgeEvent(ctx, id, by, time.Now().UTC())
}
