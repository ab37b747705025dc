package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
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
			online BOOLEAN NOT NULL DEFAULT FALSE,
			enrolled_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS enrollment_tokens (
			id TEXT PRIMARY KEY,
			code TEXT UNIQUE NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			max_uses INTEGER NOT NULL DEFAULT 1,
			used_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			token TEXT PRIMARY KEY,
			device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_device_id ON sessions(device_id)`,
		`CREATE TABLE IF NOT EXISTS device_commands (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending',
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			delivered_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_device_status ON device_commands(device_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_device_created ON device_commands(device_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS device_events (
			id BIGSERIAL PRIMARY KEY,
			device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL DEFAULT 'info',
			payload TEXT NOT NULL DEFAULT '{}',
			acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
			acked_by TEXT NOT NULL DEFAULT '',
			acked_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_device_created ON device_events(device_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS device_telemetry (
			device_id TEXT PRIMARY KEY REFERENCES devices(id) ON DELETE CASCADE,
			battery_level INTEGER,
			battery_charging BOOLEAN,
			cpu_usage DOUBLE PRECISION,
			memory_used BIGINT,
			memory_total BIGINT,
			disk_used BIGINT,
			disk_total BIGINT,
			network_type TEXT NOT NULL DEFAULT '',
			uptime BIGINT,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS telemetry_history (
			id BIGSERIAL PRIMARY KEY,
			device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			battery_level INTEGER,
			cpu_usage DOUBLE PRECISION,
			memory_used BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) CreateDevice(ctx context.Context, d *Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, model, platform, os, os_version, arch, hostname, agent_version, policy_id, compliance, online, enrolled_at, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		d.ID, d.Name, d.Model, d.Platform, d.OS, d.OSVersion, d.Arch, d.Hostname, d.AgentVersion,
		d.PolicyID, d.Compliance, d.Online, d.EnrolledAt, d.LastSeen)
	return err
}

func pgScanDevice(row interface{ Scan(...any) error }) (*Device, error) {
	var d Device
	err := row.Scan(&d.ID, &d.Name, &d.Model, &d.Platform, &d.OS, &d.OSVersion, &d.Arch,
		&d.Hostname, &d.AgentVersion, &d.PolicyID, &d.Compliance, &d.Online, &d.EnrolledAt, &d.LastSeen)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id)
	d, err := pgScanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (s *PostgresStore) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY enrolled_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var devices []Device
	for rows.Next() {
		d, err := pgScanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

func (s *PostgresStore) RenameDevice(ctx context.Context, id, name string) error {
	return s.execOne(ctx, `UPDATE devices SET name = $1 WHERE id = $2`, name, id)
}

func (s *PostgresStore) UpdateDeviceLastSeen(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_seen = $1 WHERE id = $2 AND last_seen <= $1`, at, id)
	return err
}

func (s *PostgresStore) UpdateDevicePlatform(ctx context.Context, id string, p DevicePlatform) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE devices SET os = $1, os_version = $2, arch = $3, hostname = $4, agent_version = $5
		WHERE id = $6`,
		p.OS, p.OSVersion, p.Arch, p.Hostname, p.AgentVersion, id)
	return err
}

func (s *PostgresStore) SetDeviceOnline(ctx context.Context, id string, online bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE devices SET online = $1 WHERE id = $2`, online, id)
	return err
}

func (s *PostgresStore) SetDevicePolicy(ctx context.Context, id, policyID string) error {
	return s.execOne(ctx, `UPDATE devices SET policy_id = $1 WHERE id = $2`, policyID, id)
}

func (s *PostgresStore) SetDeviceCompliance(ctx context.Context, id, compliance string) error {
	return s.execOne(ctx, `UPDATE devices SET compliance = $1 WHERE id = $2`, compliance, id)
}

func (s *PostgresStore) DeleteDevice(ctx context.Context, id string) error {
	return s.execOne(ctx, `DELETE FROM devices WHERE id = $1`, id)
}

// --- Enrollment tokens ---

func (s *PostgresStore) CreateEnrollmentToken(ctx context.Context, t *EnrollmentToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO enrollment_tokens (id, code, expires_at, max_uses, used_count, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.Code, t.ExpiresAt, t.MaxUses, t.UsedCount, t.Status, t.CreatedAt)
	return err
}

func (s *PostgresStore) GetEnrollmentTokenByCode(ctx context.Context, code string) (*EnrollmentToken, error) {
	var t EnrollmentToken
	err := s.db.QueryRowContext(ctx, `
		SELECT id, code, expires_at, max_uses, used_count, status, created_at
		FROM enrollment_tokens WHERE code = $1`, code).
		Scan(&t.ID, &t.Code, &t.ExpiresAt, &t.MaxUses, &t.UsedCount, &t.Status, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) ListEnrollmentTokens(ctx context.Context) ([]EnrollmentToken, error) {
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

func (s *PostgresStore) RevokeEnrollmentToken(ctx context.Context, id string) error {
	return s.execOne(ctx, `UPDATE enrollment_tokens SET status = $1 WHERE id = $2`, TokenRevoked, id)
}

func (s *PostgresStore) SetEnrollmentTokenStatus(ctx context.Context, id, status string) error {
	return s.execOne(ctx, `UPDATE enrollment_tokens SET status = $1 WHERE id = $2`, status, id)
}

func (s *PostgresStore) ConsumeEnrollmentToken(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE enrollment_tokens
		SET used_count = used_count + 1,
		    status = CASE WHEN used_count + 1 >= max_uses THEN $1 ELSE status END
		WHERE id = $2 AND status = $3 AND used_count < max_uses`,
		TokenExhausted, id, TokenActive)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// --- Auth sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (token, device_id, created_at) VALUES ($1, $2, $3)`,
		sess.Token, sess.DeviceID, sess.CreatedAt)
	return err
}

func (s *PostgresStore) GetSessionByToken(ctx context.Context, token string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT token, device_id, created_at FROM sessions WHERE token = $1`, token).
		Scan(&sess.Token, &sess.DeviceID, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *PostgresStore) DeleteSessionsByDevice(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE device_id = $1`, deviceID)
	return err
}

// --- Commands ---

func (s *PostgresStore) CreateCommand(ctx context.Context, c *Command) error {
	payload := string(c.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_commands (id, device_id, type, payload, status, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.DeviceID, c.Type, payload, c.Status, c.Error, c.CreatedAt)
	return err
}

func (s *PostgresStore) GetCommand(ctx context.Context, id string) (*Command, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM device_commands WHERE id = $1`, id)
	c, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *PostgresStore) PollPendingCommands(ctx context.Context, deviceID string, at time.Time) ([]Command, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// FOR UPDATE serializes concurrent polls on the same rows.
	rows, err := tx.QueryContext(ctx, `
		SELECT `+commandColumns+` FROM device_commands
		WHERE device_id = $1 AND status = $2 ORDER BY created_at FOR UPDATE`,
		deviceID, CommandPending)
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
			UPDATE device_commands SET status = $1, delivered_at = $2 WHERE id = $3`,
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

func (s *PostgresStore) AdvanceCommand(ctx context.Context, id string, from []string, to, errMsg string, at time.Time) (bool, error) {
	terminal := to == CommandCompleted || to == CommandFailed
	args := []any{to, errMsg}
	query := `UPDATE device_commands SET status = $1, error = $2`
	next := 3
	if terminal {
		query += fmt.Sprintf(`, completed_at = $%d`, next)
		args = append(args, at)
		next++
	}
	query += fmt.Sprintf(` WHERE id = $%d AND status IN (`, next)
	args = append(args, id)
	next++
	var ph []string
	for _, f := range from {
		ph = append(ph, fmt.Sprintf("$%d", next))
		args = append(args, f)
		next++
	}
	query += strings.Join(ph, ", ") + `)`

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) DeleteCommandIfPending(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM device_commands WHERE id = $1 AND status = $2`, id, CommandPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) ListCommands(ctx context.Context, deviceID string, f CommandFilter) ([]Command, error) {
	query := `SELECT ` + commandColumns + ` FROM device_commands WHERE device_id = $1`
	args := []any{deviceID}
	next := 2
	if f.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, next)
		args = append(args, f.Status)
		next++
	}
	if f.Type != "" {
		query += fmt.Sprintf(` AND type = $%d`, next)
		args = append(args, f.Type)
		next++
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, next, next+1)
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

func (s *PostgresStore) HasUndeliveredCommandOfType(ctx context.Context, deviceID, cmdType string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM device_commands
		WHERE device_id = $1 AND type = $2 AND status IN ($3, $4)`,
		deviceID, cmdType, CommandPending, CommandDelivered).Scan(&count)
	return count > 0, err
}

// --- Events ---

func (s *PostgresStore) AppendEvent(ctx context.Context, e *DeviceEvent) (int64, error) {
	payload := string(e.Payload)
	if payload == "" {
		payload = "{}"
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO device_events (device_id, event_type, severity, payload, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		e.DeviceID, e.EventType, e.Severity, payload, e.CreatedAt).Scan(&id)
	return id, err
}

func pgScanEvent(row interface{ Scan(...any) error }) (*DeviceEvent, error) {
	var e DeviceEvent
	var payload string
	var ackedAt sql.NullTime
	err := row.Scan(&e.ID, &e.DeviceID, &e.EventType, &e.Severity, &payload,
		&e.Acknowledged, &e.AckedBy, &ackedAt, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Payload = []byte(payload)
	if ackedAt.Valid {
		e.AckedAt = &ackedAt.Time
	}
	return &e, nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, id int64) (*DeviceEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM device_events WHERE id = $1`, id)
	e, err := pgScanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *PostgresStore) ListEvents(ctx context.Context, deviceID string, f EventFilter) ([]DeviceEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM device_events WHERE TRUE`
	var args []any
	next := 1
	if deviceID != "" {
		query += fmt.Sprintf(` AND device_id = $%d`, next)
		args = append(args, deviceID)
		next++
	}
	if f.EventType != "" {
		query += fmt.Sprintf(` AND event_type = $%d`, next)
		args = append(args, f.EventType)
		next++
	}
	if f.Severity != "" {
		query += fmt.Sprintf(` AND severity = $%d`, next)
		args = append(args, f.Severity)
		next++
	}
	if f.Acknowledged != nil {
		query += fmt.Sprintf(` AND acknowledged = $%d`, next)
		args = append(args, *f.Acknowledged)
		next++
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, next, next+1)
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []DeviceEvent
	for rows.Next() {
		e, err := pgScanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) AcknowledgeEvent(ctx context.Context, id int64, by string, at time.Time) error {
	return s.execOne(ctx, `
		UPDATE device_events SET acknowledged = TRUE, acked_by = $1, acked_at = $2 WHERE id = $3`,
		by, at, id)
}

// --- Telemetry ---

func (s *PostgresStore) UpsertTelemetry(ctx context.Context, t *Telemetry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_telemetry (device_id, battery_level, battery_charging, cpu_usage,
			memory_used, memory_total, disk_used, disk_total, network_type, uptime, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (device_id) DO UPDATE SET
			battery_level = EXCLUDED.battery_level,
			battery_charging = EXCLUDED.battery_charging,
			cpu_usage = EXCLUDED.cpu_usage,
			memory_used = EXCLUDED.memory_used,
			memory_total = EXCLUDED.memory_total,
			disk_used = EXCLUDED.disk_used,
			disk_total = EXCLUDED.disk_total,
			network_type = EXCLUDED.network_type,
			uptime = EXCLUDED.uptime,
			updated_at = EXCLUDED.updated_at`,
		t.DeviceID, t.BatteryLevel, t.BatteryCharging, t.CPUUsage,
		t.MemoryUsed, t.MemoryTotal, t.DiskUsed, t.DiskTotal, t.NetworkType, t.Uptime, t.UpdatedAt)
	return err
}

func (s *PostgresStore) GetTelemetry(ctx context.Context, deviceID string) (*Telemetry, error) {
	var t Telemetry
	err := s.db.QueryRowContext(ctx, `
		SELECT device_id, battery_level, battery_charging, cpu_usage, memory_used, memory_total,
			disk_used, disk_total, network_type, uptime, updated_at
		FROM device_telemetry WHERE device_id = $1`, deviceID).
		Scan(&t.DeviceID, &t.BatteryLevel, &t.BatteryCharging, &t.CPUUsage, &t.MemoryUsed, &t.MemoryTotal,
			&t.DiskUsed, &t.DiskTotal, &t.NetworkType, &t.Uptime, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) AppendTelemetrySample(ctx context.Context, sample *TelemetrySample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO telemetry_history (device_id, battery_level, cpu_usage, memory_used, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		sample.DeviceID, sample.BatteryLevel, sample.CPUUsage, sample.MemoryUsed, sample.CreatedAt)
	return err
}

func (s *PostgresStore) ListTelemetrySamples(ctx context.Context, deviceID string, limit int) ([]TelemetrySample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, battery_level, cpu_usage, memory_used, created_at
		FROM telemetry_history WHERE device_id = $1 ORDER BY created_at DESC LIMIT $2`,
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

func (s *PostgresStore) ReplaceDeviceApps(ctx context.Context, deviceID string, apps []DeviceApp) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM device_apps WHERE device_id = $1`, deviceID); err != nil {
		return err
	}
	for _, a := range apps {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO device_apps (device_id, package, name, version) VALUES ($1, $2, $3, $4)`,
			deviceID, a.Package, a.Name, a.Version); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) ListDeviceApps(ctx context.Context, deviceID string) ([]DeviceApp, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, package, name, version FROM device_apps WHERE device_id = $1 ORDER BY package`,
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

func (s *PostgresStore) CountDeviceApps(ctx context.Context, deviceID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM device_apps WHERE device_id = $1`, deviceID).Scan(&count)
	return count, err
}

// --- Admin users ---

func (s *PostgresStore) CreateAdminUser(ctx context.Context, u *AdminUser) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admin_users (id, username, password_hash, role, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Username, u.PasswordHash, u.Role, u.CreatedAt)
	return err
}

func (s *PostgresStore) GetAdminUser(ctx context.Context, username string) (*AdminUser, error) {
	var u AdminUser
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, created_at FROM admin_users WHERE username = $1`,
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

func (s *PostgresStore) PurgeOldEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM device_events WHERE created_at < $1 AND acknowledged = TRUE`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) PurgeOldTelemetrySamples(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM telemetry_history WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Health / lifecycle ---

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) execOne(ctx context.Context, query string, args ...any) error {
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
