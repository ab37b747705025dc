package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the
	// pool see the same data. Without this, each pooled connection gets a
	// separate empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			platform TEXT NOT NULL DEFAULT 'other',
			os TEXT NOT NULL DEFAULT '',
			os_version TEXT NOT NULL DEFAULT '',
			arch TEXT NOT NULL DEFAULT '',
			hostname TEXT NOT NULL DEFAULT '',
			agent_version TEXT NOT NULL DEFAULT '',
			policy_id TEXT NOT NULL DEFAULT '',
			compliance TEXT NOT NULL DEFAULT 'pending',
			online INTEGER NOT NULL DEFAULT 0,
			enrolled_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS enrollment_tokens (
			id TEXT PRIMARY KEY,
			code TEXT UNIQUE NOT NULL,
			expires_at DATETIME NOT NULL,
			max_uses INTEGER NOT NULL DEFAULT 1,
			used_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			token TEXT PRIMARY KEY,
			device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_device_id ON sessions(device_id)`,
		`CREATE TABLE IF NOT EXISTS device_commands (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending',
			error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			delivered_at DATETIME,
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_device_status ON device_commands(device_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_device_created ON device_commands(device_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS device_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL DEFAULT 'info',
			payload TEXT NOT NULL DEFAULT '{}',
			acknowledged INTEGER NOT NULL DEFAULT 0,
			acked_by TEXT NOT NULL DEFAULT '',
			acked_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_device_created ON device_events(device_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS device_telemetry (
			device_id TEXT PRIMARY KEY REFERENCES devices(id) ON DELETE CASCADE,
			battery_level INTEGER,
			battery_charging INTEGER,
			cpu_usage REAL,
			memory_used INTEGER,
			memory_total INTEGER,
			disk_used INTEGER,
			disk_total INTEGER,
			network_type TEXT NOT NULL DEFAULT '',
			uptime INTEGER,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS telemetry_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			battery_level INTEGER,
			cpu_usage REAL,
			memory_used INTEGER,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_history_device ON telemetry_history(device_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS device_apps (
			device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			package TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			version TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (device_id, package)
		)`,
		`CREATE TABLE IF NOT EXISTS admin_users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'admin',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// --- Devices ---

func (s *SQLiteStore) CreateDevice(ctx context.Context, d *Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, model, platform, os, os_version, arch, hostname, agent_version, policy_id, compliance, online, enrolled_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.Model, d.Platform, d.OS, d.OSVersion, d.Arch, d.Hostname, d.AgentVersion,
		d.PolicyID, d.Compliance, boolToInt(d.Online), d.EnrolledAt, d.LastSeen)
	return err
}

const deviceColumns = `id, name, model, platform, os, os_version, arch, hostname, agent_version, policy_id, compliance, online, enrolled_at, last_seen`

func scanDevice(row interface{ Scan(...any) error }) (*Device, error) {
	var d Device
	var online int
	err := row.Scan(&d.ID, &d.Name, &d.Model, &d.Platform, &d.OS, &d.OSVersion, &d.Arch,
		&d.Hostname, &d.AgentVersion, &d.PolicyID, &d.Compliance, &online, &d.EnrolledAt, &d.LastSeen)
	if err != nil {
		return nil, err
	}
	d.Online = online != 0
	return &d, nil
}

func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (s *SQLiteStore) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY enrolled_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

func (s *SQLiteStore) RenameDevice(ctx context.Context, id, name string) error {
	return s.execOne(ctx, `UPDATE devices SET name = ? WHERE id = ?`, name, id)
}

func (s *SQLiteStore) UpdateDeviceLastSeen(ctx context.Context, id string, at time.Time) error {
	// Monotonic: never move last_seen backwards.
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_seen = ? WHERE id = ? AND last_seen <= ?`, at, id, at)
	return err
}

func (s *SQLiteStore) UpdateDevicePlatform(ctx context.Context, id string, p DevicePlatform) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE devices SET os = ?, os_version = ?, arch = ?, hostname = ?, agent_version = ?
		WHERE id = ?`,
		p.OS, p.OSVersion, p.Arch, p.Hostname, p.AgentVersion, id)
	return err
}

func (s *SQLiteStore) SetDeviceOnline(ctx context.Context, id string, online bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE devices SET online = ? WHERE id = ?`, boolToInt(online), id)
	return err
}

func (s *SQLiteStore) SetDevicePolicy(ctx context.Context, id, policyID string) error {
	return s.execOne(ctx, `UPDATE devices SET policy_id = ? WHERE id = ?`, policyID, id)
}

func (s *SQLiteStore) SetDeviceCompliance(ctx context.Context, id, compliance string) error {
	return s.execOne(ctx, `UPDATE devices SET compliance = ? WHERE id = ?`, compliance, id)
}

func (s *SQLiteStore) DeleteDevice(ctx context.Context, id string) error {
	// Child rows cascade via foreign keys.
	return s.execOne(ctx, `DELETE FROM devices WHERE id = ?`, id)
}

// --- Enrollment tokens ---

func (s *SQLiteStore) CreateEnrollmentToken(ctx context.Context, t *EnrollmentToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO enrollment_tokens (id, code, expires_at, max_uses, used_count, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Code, t.ExpiresAt, t.MaxUses, t.UsedCount, t.Status, t.CreatedAt)
	return err
}

func (s *SQLiteStore) GetEnrollmentTokenByCode(ctx context.Context, code string) (*EnrollmentToken, error) {
	var t EnrollmentToken
	err := s.db.QueryRowContext(ctx, `
		SELECT id, code, expires_at, max_uses, used_count, status, created_at
		FROM enrollment_tokens WHERE code = ?`, code).
		Scan(&t.ID, &t.Code, &t.ExpiresAt, &t.MaxUses, &t.UsedCount, &t.Status, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) ListEnrollmentTokens(ctx context.Context) ([]EnrollmentToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, expires_at, max_uses, used_count, status, created_at
		FROM enrollment_tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tokens []EnrollmentToken
	for rows.Next() {
		var t EnrollmentToken
		if err := rows.Scan(&t.ID, &t.Code, &t.ExpiresAt, &t.MaxUses, &t.UsedCount, &t.Status, &t.CreatedAt); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (s *SQLiteStore) RevokeEnrollmentToken(ctx context.Context, id string) error {
	return s.execOne(ctx, `UPDATE enrollment_tokens SET status = ? WHERE id = ?`, TokenRevoked, id)
}

func (s *SQLiteStore) SetEnrollmentTokenStatus(ctx context.Context, id, status string) error {
	return s.execOne(ctx, `UPDATE enrollment_tokens SET status = ? WHERE id = ?`, status, id)
}

func (s *SQLiteStore) ConsumeEnrollmentToken(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE enrollment_tokens
		SET used_count = used_count + 1,
		    status = CASE WHEN used_count + 1 >= max_uses THEN ? ELSE status END
		WHERE id = ? AND status = ? AND used_count < max_uses`,
		TokenExhausted, id, TokenActive)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// --- Auth sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (token, device_id, created_at) VALUES (?, ?, ?)`,
		sess.Token, sess.DeviceID, sess.CreatedAt)
	return err
}

func (s *SQLiteStore) GetSessionByToken(ctx context.Context, token string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT token, device_id, created_at FROM sessions WHERE token = ?`, token).
		Scan(&sess.Token, &sess.DeviceID, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *SQLiteStore) DeleteSessionsByDevice(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE device_id = ?`, deviceID)
	return err
}

// --- Commands ---

func (s *SQLiteStore) CreateCommand(ctx context.Context, c *Command) error {
	payload := string(c.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_commands (id, device_id, type, payload, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.DeviceID, c.Type, payload, c.Status, c.Error, c.CreatedAt)
	return err
}

const commandColumns = `id, device_id, type, payload, status, error, created_at, delivered_at, completed_at`

func scanCommand(row interface{ Scan(...any) error }) (*Command, error) {
	var c Command
	var payload string
	var delivered, completed sql.NullTime
	err := row.Scan(&c.ID, &c.DeviceID, &c.Type, &payload, &c.Status, &c.Error,
		&c.CreatedAt, &delivered, &completed)
	if err != nil {
		return nil, err
	}
	c.Payload = []byte(payload)
	if delivered.Valid {
		c.DeliveredAt = &delivered.Time
	}
	if completed.Valid {
		c.CompletedAt = &completed.Time
	}
	return &c, nil
}

func (s *SQLiteStore) GetCommand(ctx context.Context, id string) (*Command, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM device_commands WHERE id = ?`, id)
	c, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *SQLiteStore) PollPendingCommands(ctx context.Context, deviceID string, at time.Time) ([]Command, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+commandColumns+` FROM device_commands
		WHERE device_id = ? AND status = ? ORDER BY created_at`, deviceID, CommandPending)
	if err != nil {
		return nil, err
	}

	var commands []Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		commands = append(commands, *c)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range commands {
		if _, err := tx.ExecContext(ctx, `
			UPDATE device_commands SET status = ?, delivered_at = ? WHERE id = ?`,
			CommandDelivered, at, commands[i].ID); err != nil {
			return nil, err
		}
		commands[i].Status = CommandDelivered
		t := at
		commands[i].DeliveredAt = &t
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return commands, nil
}

func (s *SQLiteStore) AdvanceCommand(ctx context.Context, id string, from []string, to, errMsg string, at time.Time) (bool, error) {
	placeholders := strings.TrimRight(strings.Repeat("?,", len(from)), ",")
	args := []any{to, errMsg}
	terminal := to == CommandCompleted || to == CommandFailed
	query := `UPDATE device_commands SET status = ?, error = ?`
	if terminal {
		query += `, completed_at = ?`
		args = append(args, at)
	}
	query += ` WHERE id = ? AND status IN (` + placeholders + `)`
	args = append(args, id)
	for _, f := range from {
		args = append(args, f)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) DeleteCommandIfPending(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM device_commands WHERE id = ? AND status = ?`, id, CommandPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) ListCommands(ctx context.Context, deviceID string, f CommandFilter) ([]Command, error) {
	query := `SELECT ` + commandColumns + ` FROM device_commands WHERE device_id = ?`
	args := []any{deviceID}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	query += ` ORDER BY created_at DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var commands []Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		commands = append(commands, *c)
	}
	return commands, rows.Err()
}

func (s *SQLiteStore) HasUndeliveredCommandOfType(ctx context.Context, deviceID, cmdType string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM device_commands
		WHERE device_id = ? AND type = ? AND status IN (?, ?)`,
		deviceID, cmdType, CommandPending, CommandDelivered).Scan(&count)
	return count > 0, err
}

// --- Events ---

func (s *SQLiteStore) AppendEvent(ctx context.Context, e *DeviceEvent) (int64, error) {
	payload := string(e.Payload)
	if payload == "" {
		payload = "{}"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO device_events (device_id, event_type, severity, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.DeviceID, e.EventType, e.Severity, payload, e.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const eventColumns = `id, device_id, event_type, severity, payload, acknowledged, acked_by, acked_at, created_at`

func scanEvent(row interface{ Scan(...any) error }) (*DeviceEvent, error) {
	var e DeviceEvent
	var payload string
	var acked int
	var ackedAt sql.NullTime
	err := row.Scan(&e.ID, &e.DeviceID, &e.EventType, &e.Severity, &payload,
		&acked, &e.AckedBy, &ackedAt, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Payload = []byte(payload)
	e.Acknowledged = acked != 0
	if ackedAt.Valid {
		e.AckedAt = &ackedAt.Time
	}
	return &e, nil
}

func (s *SQLiteStore) GetEvent(ctx context.Context, id int64) (*DeviceEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM device_events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *SQLiteStore) ListEvents(ctx context.Context, deviceID string, f EventFilter) ([]DeviceEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM device_events WHERE 1=1`
	var args []any
	if deviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, deviceID)
	}
	if f.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, f.EventType)
	}
	if f.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, f.Severity)
	}
	if f.Acknowledged != nil {
		query += ` AND acknowledged = ?`
		args = append(args, boolToInt(*f.Acknowledged))
	}
	query += ` ORDER BY created_at DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []DeviceEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) AcknowledgeEvent(ctx context.Context, id int64, by string, at time.Time) error {
	return s.execOne(ctx, `
		UPDATE device_events SET acknowledged = 1, acked_by = ?, acked_at = ? WHERE id = ?`,
		by, at, id)
}

// --- Telemetry ---

func (s *SQLiteStore) UpsertTelemetry(ctx context.Context, t *Telemetry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_telemetry (device_id, battery_level, battery_charging, cpu_usage,
			memory_used, memory_total, disk_used, disk_total, network_type, uptime, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			battery_level = excluded.battery_level,
			battery_charging = excluded.battery_charging,
			cpu_usage = excluded.cpu_usage,
			memory_used = excluded.memory_used,
			memory_total = excluded.memory_total,
			disk_used = excluded.disk_used,
			disk_total = excluded.disk_total,
			network_type = excluded.network_type,
			uptime = excluded.uptime,
			updated_at = excluded.updated_at`,
		t.DeviceID, t.BatteryLevel, nullableBool(t.BatteryCharging), t.CPUUsage,
		t.MemoryUsed, t.MemoryTotal, t.DiskUsed, t.DiskTotal, t.NetworkType, t.Uptime, t.UpdatedAt)
	return err
}

func (s *SQLiteStore) GetTelemetry(ctx context.Context, deviceID string) (*Telemetry, error) {
	var t Telemetry
	var charging sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT device_id, battery_level, battery_charging, cpu_usage, memory_used, memory_total,
			disk_used, disk_total, network_type, uptime, updated_at
		FROM device_telemetry WHERE device_id = ?`, deviceID).
		Scan(&t.DeviceID, &t.BatteryLevel, &charging, &t.CPUUsage, &t.MemoryUsed, &t.MemoryTotal,
			&t.DiskUsed, &t.DiskTotal, &t.NetworkType, &t.Uptime, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if charging.Valid {
		b := charging.Int64 != 0
		t.BatteryCharging = &b
	}
	return &t, nil
}

func (s *SQLiteStore) AppendTelemetrySample(ctx context.Context, sample *TelemetrySample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO telemetry_history (device_id, battery_level, cpu_usage, memory_used, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sample.DeviceID, sample.BatteryLevel, sample.CPUUsage, sample.MemoryUsed, sample.CreatedAt)
	return err
}

func (s *SQLiteStore) ListTelemetrySamples(ctx context.Context, deviceID string, limit int) ([]TelemetrySample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, battery_level, cpu_usage, memory_used, created_at
		FROM telemetry_history WHERE device_id = ? ORDER BY created_at DESC LIMIT ?`,
		deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var samples []TelemetrySample
	for rows.Next() {
		var sm TelemetrySample
		if err := rows.Scan(&sm.ID, &sm.DeviceID, &sm.BatteryLevel, &sm.CPUUsage, &sm.MemoryUsed, &sm.CreatedAt); err != nil {
			return nil, err
		}
		samples = append(samples, sm)
	}
	return samples, rows.Err()
}

// --- App inventory ---

func (s *SQLiteStore) ReplaceDeviceApps(ctx context.Context, deviceID string, apps []DeviceApp) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM device_apps WHERE device_id = ?`, deviceID); err != nil {
		return err
	}
	for _, a := range apps {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO device_apps (device_id, package, name, version) VALUES (?, ?, ?, ?)`,
			deviceID, a.Package, a.Name, a.Version); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListDeviceApps(ctx context.Context, deviceID string) ([]DeviceApp, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, package, name, version FROM device_apps WHERE device_id = ? ORDER BY package`,
		deviceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var apps []DeviceApp
	for rows.Next() {
		var a DeviceApp
		if err := rows.Scan(&a.DeviceID, &a.Package, &a.Name, &a.Version); err != nil {
			return nil, err
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

func (s *SQLiteStore) CountDeviceApps(ctx context.Context, deviceID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM device_apps WHERE device_id = ?`, deviceID).Scan(&count)
	return count, err
}

// --- Admin users ---

func (s *SQLiteStore) CreateAdminUser(ctx context.Context, u *AdminUser) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admin_users (id, username, password_hash, role, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.PasswordHash, u.Role, u.CreatedAt)
	return err
}

func (s *SQLiteStore) GetAdminUser(ctx context.Context, username string) (*AdminUser, error) {
	var u AdminUser
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, created_at FROM admin_users WHERE username = ?`,
		username).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// --- Retention ---

func (s *SQLiteStore) PurgeOldEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM device_events WHERE created_at < ? AND acknowledged = 1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) PurgeOldTelemetrySamples(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM telemetry_history WHERE created_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Health / lifecycle ---

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// execOne runs an UPDATE/DELETE and maps zero affected rows to ErrNotFound.
func (s *SQLiteStore) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableBool(b *bool) any {
	if b == nil {
		return nil
	}
	return boolToInt(*b)
}
