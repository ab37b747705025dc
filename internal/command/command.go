// Package command implements the durable per-device command queue.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/androidremote/fleethub/internal/events"
	"github.com/androidremote/fleethub/internal/store"
)

// Well-known command types. The set is open: unknown types are queued
// verbatim and left to the agent to reject.
const (
	TypeInstallAPK   = "INSTALL_APK"
	TypeUninstallApp = "UNINSTALL_APP"
	TypeStartRemote  = "START_REMOTE"
	TypeSyncApps     = "SYNC_APPS"
	TypeSyncPolicy   = "SYNC_POLICY"
	TypeLock         = "LOCK"
	TypeReboot       = "REBOOT"
	TypeWipe         = "WIPE"
)

var (
	ErrNotFound          = store.ErrNotFound
	ErrWrongDevice       = errors.New("command belongs to another device")
	ErrInvalidStatus     = errors.New("invalid command status")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotCancellable    = errors.New("command already delivered")
)

// Transport pushes a queued command to a connected agent. Delivery is
// best-effort; the HTTP poll endpoint remains the durable path.
type Transport interface {
	PushCommand(deviceID string, c store.Command) bool
}

// Service owns the queue and its status machine.
type Service struct {
	store     store.Store
	events    *events.Service
	transport Transport
	logger    *slog.Logger
}

// NewService creates a command service. The relay transport is attached
// later via SetTransport because the relay itself depends on this service.
func NewService(st store.Store, ev *events.Service, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		events: ev,
		logger: logger.With("component", "command"),
	}
}

// SetTransport attaches the live-push transport. Must be called before
// the server starts accepting requests.
func (s *Service) SetTransport(t Transport) { s.transport = t }

// Queue appends a command for a device and tries a live push.
func (s *Service) Queue(ctx context.Context, deviceID, cmdType string, payload json.RawMessage) (*store.Command, error) {
	if cmdType == "" {
		return nil, fmt.Errorf("%w: empty type", ErrInvalidStatus)
	}
	if _, err := s.store.GetDevice(ctx, deviceID); err != nil {
		return nil, err
	}

	c := &store.Command{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		Type:      cmdType,
		Payload:   payload,
		Status:    store.CommandPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateCommand(ctx, c); err != nil {
		return nil, fmt.Errorf("create command: %w", err)
	}

	s.events.Record(ctx, deviceID, events.TypeCommandQueued, events.SeverityInfo,
		map[string]string{"command_id": c.ID, "type": cmdType})

	if s.transport != nil && s.transport.PushCommand(deviceID, *c) {
		s.logger.Debug("command pushed over relay", "command_id", c.ID, "device_id", deviceID)
	}
	return c, nil
}

// PollPending delivers all pending commands for a device, oldest first,
// marking them delivered in the same transaction.
func (s *Service) PollPending(ctx context.Context, deviceID string) ([]store.Command, error) {
	return s.store.PollPendingCommands(ctx, deviceID, time.Now().UTC())
}

// AckResult reports what an acknowledgment did.
type AckResult struct {
	Command *store.Command
	// NoOp is true when the command was already in the requested
	// terminal state; agents retrying an ack get success, not an error.
	NoOp bool
}

// ackEdges lists the legal predecessor states per requested status.
// Commands pushed over the relay never pass through delivered, so
// pending is a legal predecessor everywhere delivered is.
var ackEdges = map[string][]string{
	store.CommandExecuting: {store.CommandPending, store.CommandDelivered},
	store.CommandCompleted: {store.CommandPending, store.CommandDelivered, store.CommandExecuting},
	store.CommandFailed:    {store.CommandPending, store.CommandDelivered, store.CommandExecuting},
}

// Acknowledge advances a command on behalf of the agent that executed it.
func (s *Service) Acknowledge(ctx context.Context, deviceID, commandID, status, errMsg string, output json.RawMessage) (*AckResult, error) {
	from, ok := ackEdges[status]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	c, err := s.store.GetCommand(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if deviceID != "" && c.DeviceID != deviceID {
		return nil, ErrWrongDevice
	}

	advanced, err := s.store.AdvanceCommand(ctx, commandID, from, status, errMsg, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("advance command: %w", err)
	}
	if !advanced {
		// A repeated terminal ack is a no-op success.
		if c.Status == status {
			return &AckResult{Command: c, NoOp: true}, nil
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, status)
	}

	c, err = s.store.GetCommand(ctx, commandID)
	if err != nil {
		return nil, err
	}

	switch status {
	case store.CommandCompleted:
		s.events.Record(ctx, c.DeviceID, events.TypeCommandCompleted, events.SeverityInfo,
			map[string]string{"command_id": c.ID, "type": c.Type})
		s.onCompleted(ctx, c, output)
	case store.CommandFailed:
		s.events.Record(ctx, c.DeviceID, events.TypeCommandFailed, events.SeverityWarning,
			map[string]string{"command_id": c.ID, "type": c.Type, "error": errMsg})
	}

	return &AckResult{Command: c}, nil
}

// syncAppsOutput is the agent's SYNC_APPS completion payload.
type syncAppsOutput struct {
	Apps []struct {
		Package string `json:"package"`
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"apps"`
}

func (s *Service) onCompleted(ctx context.Context, c *store.Command, output json.RawMessage) {
	switch c.Type {
	case TypeSyncApps:
		if len(output) == 0 {
			return
		}
		var out syncAppsOutput
		if err := json.Unmarshal(output, &out); err != nil {
			s.logger.Warn("bad SYNC_APPS output", "command_id", c.ID, "error", err)
			return
		}
		apps := make([]store.DeviceApp, 0, len(out.Apps))
		for _, a := range out.Apps {
			apps = append(apps, store.DeviceApp{Package: a.Package, Name: a.Name, Version: a.Version})
		}
		if err := s.store.ReplaceDeviceApps(ctx, c.DeviceID, apps); err != nil {
			s.logger.Error("replace device apps", "device_id", c.DeviceID, "error", err)
		}
	case TypeSyncPolicy:
		s.events.Record(ctx, c.DeviceID, events.TypePolicySynced, events.SeverityInfo,
			map[string]string{"command_id": c.ID})
	}
}

// Cancel marks a still-pending command cancelled.
func (s *Service) Cancel(ctx context.Context, deviceID, commandID string) (*store.Command, error) {
	c, err := s.store.GetCommand(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if deviceID != "" && c.DeviceID != deviceID {
		return nil, ErrWrongDevice
	}

	advanced, err := s.store.AdvanceCommand(ctx, commandID,
		[]string{store.CommandPending}, store.CommandCancelled, "", time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if !advanced {
		return nil, ErrNotCancellable
	}
	return s.store.GetCommand(ctx, commandID)
}

// Purge deletes a command row outright while it is still pending.
func (s *Service) Purge(ctx context.Context, deviceID, commandID string) error {
	c, err := s.store.GetCommand(ctx, commandID)
	if err != nil {
		return err
	}
	if deviceID != "" && c.DeviceID != deviceID {
		return ErrWrongDevice
	}
	deleted, err := s.store.DeleteCommandIfPending(ctx, commandID)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrNotCancellable
	}
	return nil
}

// History lists a device's commands, newest first.
func (s *Service) History(ctx context.Context, deviceID string, f store.CommandFilter) ([]store.Command, error) {
	return s.store.ListCommands(ctx, deviceID, f)
}

// Get returns one command.
func (s *Service) Get(ctx context.Context, id string) (*store.Command, error) {
	return s.store.GetCommand(ctx, id)
}

// EnsureAppSync queues SYNC_APPS when the device has no recorded apps and
// no sync already in flight. Called from the heartbeat endpoint.
func (s *Service) EnsureAppSync(ctx context.Context, deviceID string) error {
	n, err := s.store.CountDeviceApps(ctx, deviceID)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	inFlight, err := s.store.HasUndeliveredCommandOfType(ctx, deviceID, TypeSyncApps)
	if err != nil {
		return err
	}
	if inFlight {
		return nil
	}
	_, err = s.Queue(ctx, deviceID, TypeSyncApps, nil)
	return err
}
