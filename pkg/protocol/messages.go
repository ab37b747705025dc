package protocol

import "encoding/json"

// --- Control plane payloads (JSON) ---

// AuthRequest is the first frame an agent sends on a relay socket.
type AuthRequest struct {
	Token        string `json:"token"`
	DeviceType   string `json:"type"`
	AgentVersion string `json:"agent_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	Hostname     string `json:"hostname"`
}

// AuthResponse answers an AuthRequest.
type AuthResponse struct {
	Success      bool   `json:"success"`
	DeviceID     string `json:"device_id,omitempty"`
	SessionToken string `json:"session_token,omitempty"`
	Error        string `json:"error,omitempty"`
}

// AgentInfo is a richer system snapshot the agent pushes after auth.
type AgentInfo struct {
	Hostname     string            `json:"hostname"`
	OSName       string            `json:"os_name"`
	OSVersion    string            `json:"os_version"`
	Arch         string            `json:"arch"`
	AgentVersion string            `json:"agent_version"`
	CPU          json.RawMessage   `json:"cpu,omitempty"`
	Memory       json.RawMessage   `json:"memory,omitempty"`
	Disks        []json.RawMessage `json:"disks,omitempty"`
	Network      []json.RawMessage `json:"network,omitempty"`
}

// CommandPush carries a queued command to the agent over the relay
// (MsgCommand, channel 0). The HTTP poll endpoint remains the durable
// delivery path; this is the low-latency one.
type CommandPush struct {
	CommandID string          `json:"command_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// CommandResult reports command execution progress from the agent
// (MsgCommandResult, channel 0).
type CommandResult struct {
	CommandID string          `json:"command_id"`
	Status    string          `json:"status"` // executing | completed | failed
	Error     string          `json:"error,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
}

// TelemetrySnapshot is the payload of MsgTelemetryData and of the HTTP
// telemetry ingest endpoint.
type TelemetrySnapshot struct {
	BatteryLevel    *int            `json:"battery_level,omitempty"`
	BatteryCharging *bool           `json:"battery_charging,omitempty"`
	CPUUsage        *float64        `json:"cpu_usage,omitempty"`
	MemoryUsed      *int64          `json:"memory_used,omitempty"`
	MemoryTotal     *int64          `json:"memory_total,omitempty"`
	DiskUsed        *int64          `json:"disk_used,omitempty"`
	DiskTotal       *int64          `json:"disk_total,omitempty"`
	NetworkType     string          `json:"network_type,omitempty"`
	Uptime          *int64          `json:"uptime,omitempty"`
	Extra           json.RawMessage `json:"extra,omitempty"`
}

// --- Session setup payloads (JSON) ---

// DesktopOpen starts a desktop streaming session on a channel.
type DesktopOpen struct {
	Quality  int    `json:"quality"`
	FPS      int    `json:"fps"`
	Encoding string `json:"encoding"`
}

// DefaultDesktopOpen returns the parameters used when the viewer does not
// specify any.
func DefaultDesktopOpen() DesktopOpen {
	return DesktopOpen{Quality: 70, FPS: 15, Encoding: "jpeg"}
}

// TerminalOpen starts a terminal session on a channel.
type TerminalOpen struct {
	Shell string `json:"shell,omitempty"`
	Cols  int    `json:"cols"`
	Rows  int    `json:"rows"`
}

// DefaultTerminalOpen returns the default terminal geometry.
func DefaultTerminalOpen() TerminalOpen {
	return TerminalOpen{Cols: 80, Rows: 24}
}

// FileListRequest asks the agent to list a directory.
type FileListRequest struct {
	Path string `json:"path"`
}

// FileDownloadRequest asks the agent to stream a file down.
type FileDownloadRequest struct {
	Path string `json:"path"`
}

// FileUploadStart opens an upload; data follows in MsgFileUploadData
// chunks and MsgFileUploadDone closes it.
type FileUploadStart struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum,omitempty"`
}

// FileDeleteRequest asks the agent to delete a path.
type FileDeleteRequest struct {
	Path string `json:"path"`
}

// FileResult reports the outcome of a file operation.
type FileResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
