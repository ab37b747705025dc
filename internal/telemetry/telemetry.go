// Package telemetry ingests device health snapshots and raises battery
// alerts.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/androidremote/fleethub/internal/events"
	"github.com/androidremote/fleethub/internal/store"
	"github.com/androidremote/fleethub/pkg/protocol"
)

// Battery alert thresholds, in percent. Exactly 20 raises nothing;
// below 5 the critical event replaces the low one.
const (
	batteryLowBelow      = 20
	batteryCriticalBelow = 5
)

// Service persists telemetry and emits battery events.
type Service struct {
	store  store.Store
	events *events.Service
	logger *slog.Logger
}

// NewService creates a telemetry service.
func NewService(st store.Store, ev *events.Service, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		events: ev,
		logger: logger.With("component", "telemetry"),
	}
}

// Ingest replaces the device's latest snapshot, appends a history sample,
// and raises at most one battery event per write.
func (s *Service) Ingest(ctx context.Context, deviceID string, snap *protocol.TelemetrySnapshot) error {
	now := time.Now().UTC()

	t := &store.Telemetry{
		DeviceID:        deviceID,
		BatteryLevel:    snap.BatteryLevel,
		BatteryCharging: snap.BatteryCharging,
		CPUUsage:        snap.CPUUsage,
		MemoryUsed:      snap.MemoryUsed,
		MemoryTotal:     snap.MemoryTotal,
		DiskUsed:        snap.DiskUsed,
		DiskTotal:       snap.DiskTotal,
		NetworkType:     snap.NetworkType,
		Uptime:          snap.Uptime,
		UpdatedAt:       now,
	}
	if err := s.store.UpsertTelemetry(ctx, t); err != nil {
		return fmt.Errorf("upsert telemetry: %w", err)
	}

	if err := s.store.AppendTelemetrySample(ctx, &store.TelemetrySample{
		DeviceID:     deviceID,
		BatteryLevel: snap.BatteryLevel,
		CPUUsage:     snap.CPUUsage,
		MemoryUsed:   snap.MemoryUsed,
		CreatedAt:    now,
	}); err != nil {
		// History is best-effort; the snapshot is already saved.
		s.logger.Warn("append telemetry sample", "device_id", deviceID, "error", err)
	}

	if snap.BatteryLevel != nil {
		s.checkBattery(ctx, deviceID, *snap.BatteryLevel)
	}
	return nil
}

func (s *Service) checkBattery(ctx context.Context, deviceID string, level int) {
	payload := map[string]int{"battery_level": level}
	switch {
	case level < batteryCriticalBelow:
		s.events.Record(ctx, deviceID, events.TypeBatteryCritical, events.SeverityCritical, payload)
	case level < batteryLowBelow:
		s.events.Record(ctx, deviceID, events.TypeBatteryLow, events.SeverityWarning, payload)
	}
}

// Latest returns the current snapshot for a device.
func (s *Service) Latest(ctx context.Context, deviceID string) (*store.Telemetry, error) {
	return s.store.GetTelemetry(ctx, deviceID)
}

// History returns recent samples, newest first.
func (s *Service) History(ctx context.Context, deviceID string, limit int) ([]store.TelemetrySample, error) {
	return s.store.ListTelemetrySamples(ctx, deviceID, limit)
}
