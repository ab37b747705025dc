// Package store defines the persistence interface for the hub and
// provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Command statuses. Status only advances; terminal states are sinks.
const (
	CommandPending   = "pending"
	CommandDelivered = "delivered"
	CommandExecuting = "executing"
	CommandCompleted = "completed"
	CommandFailed    = "failed"
	CommandCancelled = "cancelled"
)

// Enrollment token statuses.
const (
	TokenActive    = "active"
	TokenExhausted = "exhausted"
	TokenRevoked   = "revoked"
	TokenExpired   = "expired"
)

// Device compliance statuses.
const (
	ComplianceCompliant    = "compliant"
	ComplianceNonCompliant = "non-compliant"
	CompliancePending      = "pending"
)

// OnlineThreshold is how recently a device must have been seen to count
// as online.
const OnlineThreshold = 120 * time.Second

// Store is the persistence interface for the hub. All implementations
// are safe for concurrent use.
type Store interface {
	// Devices
	CreateDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	ListDevices(ctx context.Context) ([]Device, error)
	RenameDevice(ctx context.Context, id, name string) error
	UpdateDeviceLastSeen(ctx context.Context, id string, at time.Time) error
	UpdateDevicePlatform(ctx context.Context, id string, p DevicePlatform) error
	SetDeviceOnline(ctx context.Context, id string, online bool) error
	SetDevicePolicy(ctx context.Context, id, policyID string) error
	SetDeviceCompliance(ctx context.Context, id, compliance string) error
	DeleteDevice(ctx context.Context, id string) error

	// Enrollment tokens
	CreateEnrollmentToken(ctx context.Context, t *EnrollmentToken) error
	GetEnrollmentTokenByCode(ctx context.Context, code string) (*EnrollmentToken, error)
	ListEnrollmentTokens(ctx context.Context) ([]EnrollmentToken, error)
	RevokeEnrollmentToken(ctx context.Context, id string) error
	SetEnrollmentTokenStatus(ctx context.Context, id, status string) error
	// ConsumeEnrollmentToken atomically increments used_count and flips
	// the status to exhausted when max_uses is reached. Returns false
	// when the token has no uses left.
	ConsumeEnrollmentToken(ctx context.Context, id string) (bool, error)

	// Auth sessions (device session tokens)
	CreateSession(ctx context.Context, s *Session) error
	GetSessionByToken(ctx context.Context, token string) (*Session, error)
	DeleteSessionsByDevice(ctx context.Context, deviceID string) error

	// Commands
	CreateCommand(ctx context.Context, c *Command) error
	GetCommand(ctx context.Context, id string) (*Command, error)
	// PollPendingCommands atomically reads all pending commands for a
	// device in created_at order and marks them delivered. Runs in a
	// single transaction so a concurrent poll never returns the same
	// command twice.
	PollPendingCommands(ctx context.Context, deviceID string, at time.Time) ([]Command, error)
	// AdvanceCommand transitions a command from any of the given
	// predecessor statuses to the target status. Returns false when the
	// current status is not in from (no row is changed).
	AdvanceCommand(ctx context.Context, id string, from []string, to, errMsg string, at time.Time) (bool, error)
	// DeleteCommandIfPending removes a command only while it is still
	// pending. Returns false if the status had already advanced.
	DeleteCommandIfPending(ctx context.Context, id string) (bool, error)
	ListCommands(ctx context.Context, deviceID string, f CommandFilter) ([]Command, error)
	HasUndeliveredCommandOfType(ctx context.Context, deviceID, cmdType string) (bool, error)

	// Events
	AppendEvent(ctx context.Context, e *DeviceEvent) (int64, error)
	GetEvent(ctx context.Context, id int64) (*DeviceEvent, error)
	ListEvents(ctx context.Context, deviceID string, f EventFilter) ([]DeviceEvent, error)
	AcknowledgeEvent(ctx context.Context, id int64, by string, at time.Time) error

	// Telemetry
	UpsertTelemetry(ctx context.Context, t *Telemetry) error
	GetTelemetry(ctx context.Context, deviceID string) (*Telemetry, error)
	AppendTelemetrySample(ctx context.Context, s *TelemetrySample) error
	ListTelemetrySamples(ctx context.Context, deviceID string, limit int) ([]TelemetrySample, error)

	// App inventory
	ReplaceDeviceApps(ctx context.Context, deviceID string, apps []DeviceApp) error
	ListDeviceApps(ctx context.Context, deviceID string) ([]DeviceApp, error)
	CountDeviceApps(ctx context.Context, deviceID string) (int, error)

	// Admin users
	CreateAdminUser(ctx context.Context, u *AdminUser) error
	GetAdminUser(ctx context.Context, username string) (*AdminUser, error)

	// Data retention
	PurgeOldEvents(ctx context.Context, before time.Time) (int64, error)
	PurgeOldTelemetrySamples(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Device is the persistent identity of an endpoint.
type Device struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Model        string    `json:"model"`
	Platform     string    `json:"platform"` // android | linux | windows | other
	OS           string    `json:"os"`
	OSVersion    string    `json:"os_version"`
	Arch         string    `json:"arch"`
	Hostname     string    `json:"hostname"`
	AgentVersion string    `json:"agent_version"`
	PolicyID     string    `json:"policy_id,omitempty"`
	Compliance   string    `json:"compliance"`
	Online       bool      `json:"-"`
	EnrolledAt   time.Time `json:"enrolled_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// Status reports the computed online status: a device counts as online
// only while its relay connection is up and it has been seen within the
// threshold.
func (d *Device) Status(now time.Time) string {
	if d.Online && now.Sub(d.LastSeen) < OnlineThreshold {
		return "online"
	}
	return "offline"
}

// DevicePlatform carries the mutable platform columns refreshed from
// AUTH_REQUEST and AGENT_INFO frames.
type DevicePlatform struct {
	OS           string
	OSVersion    string
	Arch         string
	Hostname     string
	AgentVersion string
}

// EnrollmentToken admits devices into the fleet.
type EnrollmentToken struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
	MaxUses   int       `json:"max_uses"`
	UsedCount int       `json:"used_count"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is an opaque bearer token bound to a device.
type Session struct {
	Token     string    `json:"token"`
	DeviceID  string    `json:"device_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Command is one queued action for a device.
type Command struct {
	ID          string          `json:"id"`
	DeviceID    string          `json:"device_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      string          `json:"status"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// CommandFilter narrows a command history query.
type CommandFilter struct {
	Status string
	Type   string
	Limit  int
	Offset int
}

// DeviceEvent is one append-only log row.
type DeviceEvent struct {
	ID           int64           `json:"id"`
	DeviceID     string          `json:"device_id"`
	EventType    string          `json:"event_type"`
	Severity     string          `json:"severity"` // info | warning | critical
	Payload      json.RawMessage `json:"payload,omitempty"`
	Acknowledged bool            `json:"acknowledged"`
	AckedBy      string          `json:"acked_by,omitempty"`
	AckedAt      *time.Time      `json:"acked_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// EventFilter narrows an event query.
type EventFilter struct {
	EventType    string
	Severity     string
	Acknowledged *bool
	Limit        int
	Offset       int
}

// Telemetry is the latest snapshot per device.
type Telemetry struct {
	DeviceID        string    `json:"device_id"`
	BatteryLevel    *int      `json:"battery_level,omitempty"`
	BatteryCharging *bool     `json:"battery_charging,omitempty"`
	CPUUsage        *float64  `json:"cpu_usage,omitempty"`
	MemoryUsed      *int64    `json:"memory_used,omitempty"`
	MemoryTotal     *int64    `json:"memory_total,omitempty"`
	DiskUsed        *int64    `json:"disk_used,omitempty"`
	DiskTotal       *int64    `json:"disk_total,omitempty"`
	NetworkType     string    `json:"network_type,omitempty"`
	Uptime          *int64    `json:"uptime,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TelemetrySample is one coarse time-series row for history display.
type TelemetrySample struct {
	ID           int64     `json:"id"`
	DeviceID     string    `json:"device_id"`
	BatteryLevel *int      `json:"battery_level,omitempty"`
	CPUUsage     *float64  `json:"cpu_usage,omitempty"`
	MemoryUsed   *int64    `json:"memory_used,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// DeviceApp is one installed package reported by an agent.
type DeviceApp struct {
	DeviceID string `json:"device_id"`
	Package  string `json:"package"`
	Name     string `json:"name"`
	Version  string `json:"version"`
}

// AdminUser is a console account.
type AdminUser struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Config selects and configures a Store implementation.
type Config struct {
	Driver string // "sqlite" (default) or "postgres"
	DSN    string
}

// New creates a Store from config.
func New(cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "fleethub.db"
		}
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
