package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	_ "github.com/lib/pq"

	"github.com/fleetwatch/fleetwatch/pkg/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// schema is applied on startup. Statements are idempotent so restarts against
// an initialised database are safe.
const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id              BIGSERIAL PRIMARY KEY,
	unique_id       TEXT NOT NULL UNIQUE,
	name            TEXT NOT NULL DEFAULT '',
	protocol        TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'unknown',
	last_seen       TIMESTAMPTZ,
	last_position   BIGINT NOT NULL DEFAULT 0,
	total_distance  DOUBLE PRECISION NOT NULL DEFAULT 0,
	hours           DOUBLE PRECISION NOT NULL DEFAULT 0,
	motion          BOOLEAN NOT NULL DEFAULT FALSE,
	overspeed       BOOLEAN NOT NULL DEFAULT FALSE,
	expiration_time TIMESTAMPTZ,
	group_id        BIGINT NOT NULL DEFAULT 0,
	attributes      JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS unknown_devices (
	id               BIGSERIAL PRIMARY KEY,
	unique_id        TEXT NOT NULL,
	protocol         TEXT NOT NULL,
	port             INT NOT NULL DEFAULT 0,
	first_seen       TIMESTAMPTZ NOT NULL,
	last_seen        TIMESTAMPTZ NOT NULL,
	connection_count INT NOT NULL DEFAULT 1,
	last_raw_frame   TEXT NOT NULL DEFAULT '',
	last_decoded     JSONB NOT NULL DEFAULT '{}',
	registered       BOOLEAN NOT NULL DEFAULT FALSE,
	device_id        BIGINT NOT NULL DEFAULT 0,
	UNIQUE (unique_id, protocol)
);

CREATE TABLE IF NOT EXISTS positions (
	id                BIGSERIAL PRIMARY KEY,
	device_id         BIGINT NOT NULL DEFAULT 0,
	unknown_device_id BIGINT NOT NULL DEFAULT 0,
	protocol          TEXT NOT NULL DEFAULT '',
	server_time       TIMESTAMPTZ NOT NULL,
	device_time       TIMESTAMPTZ NOT NULL,
	fix_time          TIMESTAMPTZ NOT NULL,
	valid             BOOLEAN NOT NULL,
	latitude          DOUBLE PRECISION NOT NULL,
	longitude         DOUBLE PRECISION NOT NULL,
	altitude          DOUBLE PRECISION NOT NULL DEFAULT 0,
	speed             DOUBLE PRECISION NOT NULL DEFAULT 0,
	course            DOUBLE PRECISION NOT NULL DEFAULT 0,
	accuracy          DOUBLE PRECISION NOT NULL DEFAULT 0,
	attributes        JSONB NOT NULL DEFAULT '{}',
	UNIQUE (device_id, unknown_device_id, device_time, latitude, longitude)
);
CREATE INDEX IF NOT EXISTS positions_device_time_idx ON positions (device_id, device_time DESC);
CREATE INDEX IF NOT EXISTS positions_server_time_idx ON positions (server_time);

CREATE TABLE IF NOT EXISTS events (
	id          BIGSERIAL PRIMARY KEY,
	type        TEXT NOT NULL,
	event_time  TIMESTAMPTZ NOT NULL,
	device_id   BIGINT NOT NULL DEFAULT 0,
	position_id BIGINT NOT NULL DEFAULT 0,
	geofence_id BIGINT NOT NULL DEFAULT 0,
	attributes  JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS events_time_idx ON events (event_time);

CREATE TABLE IF NOT EXISTS geofences (
	id          BIGSERIAL PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	geometry    JSONB NOT NULL,
	disabled    BOOLEAN NOT NULL DEFAULT FALSE,
	calendar_id BIGINT NOT NULL DEFAULT 0,
	version     BIGINT NOT NULL DEFAULT 0,
	attributes  JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS commands (
	id           TEXT PRIMARY KEY,
	device_id    BIGINT NOT NULL,
	operator     TEXT NOT NULL DEFAULT '',
	type         TEXT NOT NULL,
	priority     INT NOT NULL DEFAULT 1,
	status       TEXT NOT NULL,
	params       JSONB NOT NULL DEFAULT '{}',
	payload      TEXT NOT NULL DEFAULT '',
	retry_count  INT NOT NULL DEFAULT 0,
	max_retries  INT NOT NULL DEFAULT 0,
	expires_at   TIMESTAMPTZ,
	response     TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	sent_at      TIMESTAMPTZ,
	delivered_at TIMESTAMPTZ,
	executed_at  TIMESTAMPTZ,
	done_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS commands_status_idx ON commands (status);

CREATE TABLE IF NOT EXISTS command_queue (
	command_id  TEXT PRIMARY KEY REFERENCES commands (id),
	device_id   BIGINT NOT NULL,
	priority    INT NOT NULL,
	enqueued_at TIMESTAMPTZ NOT NULL,
	earliest_at TIMESTAMPTZ,
	attempts    INT NOT NULL DEFAULT 0,
	last_at     TIMESTAMPTZ,
	next_at     TIMESTAMPTZ,
	active      BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE INDEX IF NOT EXISTS command_queue_due_idx ON command_queue (active, priority DESC, enqueued_at);

CREATE TABLE IF NOT EXISTS command_templates (
	id          BIGSERIAL PRIMARY KEY,
	name        TEXT NOT NULL,
	type        TEXT NOT NULL,
	priority    INT NOT NULL DEFAULT 1,
	params      JSONB NOT NULL DEFAULT '{}',
	max_retries INT NOT NULL DEFAULT 0,
	channel     TEXT NOT NULL DEFAULT '',
	use_count   BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS scheduled_commands (
	id              BIGSERIAL PRIMARY KEY,
	device_id       BIGINT NOT NULL,
	type            TEXT NOT NULL,
	priority        INT NOT NULL DEFAULT 1,
	params          JSONB NOT NULL DEFAULT '{}',
	max_retries     INT NOT NULL DEFAULT 0,
	earliest_at     TIMESTAMPTZ NOT NULL,
	repeat_interval BIGINT NOT NULL DEFAULT 0,
	max_repeats     INT NOT NULL DEFAULT 0,
	fire_count      INT NOT NULL DEFAULT 0,
	disabled        BOOLEAN NOT NULL DEFAULT FALSE
);
`

// PostgresStore is the durable Store backend.
type PostgresStore struct {
	db     *sql.DB
	logger log.Logger
}

func NewPostgresStore(cfg PostgresConfig, logger log.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	level.Info(logger).Log("msg", "postgres store initialised")
	return &PostgresStore{db: db, logger: logger}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func fromNullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}

func (s *PostgresStore) AddDevice(ctx context.Context, d *model.Device) error {
	if d.Status == "" {
		d.Status = model.StatusUnknown
	}
	attrs, err := marshalJSON(d.Attributes)
	if err != nil {
		return err
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO devices (unique_id, name, protocol, status, last_seen, expiration_time, group_id, attributes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (unique_id) DO NOTHING
		RETURNING id`,
		d.UniqueID, d.Name, d.Protocol, string(d.Status), nullTime(d.LastSeen), nullTime(d.ExpirationTime), d.GroupID, attrs,
	).Scan(&d.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: device %q", ErrConflict, d.UniqueID)
	}
	return err
}

const deviceColumns = `id, unique_id, name, protocol, status, last_seen, last_position,
	total_distance, hours, motion, overspeed, expiration_time, group_id, attributes`

func scanDevice(row interface{ Scan(...interface{}) error }) (*model.Device, error) {
	var (
		d          model.Device
		status     string
		lastSeen   sql.NullTime
		expiration sql.NullTime
		attrs      []byte
	)
	err := row.Scan(&d.ID, &d.UniqueID, &d.Name, &d.Protocol, &status, &lastSeen, &d.LastPositionID,
		&d.TotalDistance, &d.Hours, &d.Motion, &d.Overspeed, &expiration, &d.GroupID, &attrs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Status = model.DeviceStatus(status)
	d.LastSeen = fromNullTime(lastSeen)
	d.ExpirationTime = fromNullTime(expiration)
	if err := json.Unmarshal(attrs, &d.Attributes); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) DeviceByID(ctx context.Context, id int64) (*model.Device, error) {
	return scanDevice(s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id))
}

func (s *PostgresStore) DeviceByUniqueID(ctx context.Context, uniqueID string) (*model.Device, error) {
	return scanDevice(s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE unique_id = $1`, uniqueID))
}

func (s *PostgresStore) Devices(ctx context.Context) ([]*model.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateDeviceSummary(ctx context.Context, deviceID int64, sum DeviceSummary) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET status = $2, last_position = $3, last_seen = $4,
			total_distance = $5, hours = $6, motion = $7, overspeed = $8
		WHERE id = $1`,
		deviceID, string(sum.Status), sum.LastPositionID, nullTime(sum.LastSeen),
		sum.TotalDistance, sum.Hours, sum.Motion, sum.Overspeed)
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

func (s *PostgresStore) UpsertUnknownDevice(ctx context.Context, u *model.UnknownDevice) (*model.UnknownDevice, error) {
	decoded, err := marshalJSON(u.LastDecoded)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO unknown_devices (unique_id, protocol, port, first_seen, last_seen, last_raw_frame, last_decoded)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (unique_id, protocol) DO UPDATE SET
			last_seen = EXCLUDED.last_seen,
			port = EXCLUDED.port,
			connection_count = unknown_devices.connection_count + 1,
			last_raw_frame = CASE WHEN EXCLUDED.last_raw_frame <> '' THEN EXCLUDED.last_raw_frame ELSE unknown_devices.last_raw_frame END,
			last_decoded = CASE WHEN EXCLUDED.last_decoded <> '{}'::jsonb THEN EXCLUDED.last_decoded ELSE unknown_devices.last_decoded END
		RETURNING id, connection_count, first_seen, registered, device_id`,
		u.UniqueID, u.Protocol, u.Port, u.LastSeen, u.LastSeen, u.LastRawFrame, decoded)

	out := *u
	if err := row.Scan(&out.ID, &out.ConnectionCount, &out.FirstSeen, &out.Registered, &out.DeviceID); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *PostgresStore) UnknownDevices(ctx context.Context) ([]*model.UnknownDevice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, unique_id, protocol, port, first_seen, last_seen, connection_count,
			last_raw_frame, last_decoded, registered, device_id
		FROM unknown_devices ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.UnknownDevice
	for rows.Next() {
		var (
			u       model.UnknownDevice
			decoded []byte
		)
		if err := rows.Scan(&u.ID, &u.UniqueID, &u.Protocol, &u.Port, &u.FirstSeen, &u.LastSeen,
			&u.ConnectionCount, &u.LastRawFrame, &decoded, &u.Registered, &u.DeviceID); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(decoded, &u.LastDecoded); err != nil {
			return nil, err
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AdoptUnknownDevice(ctx context.Context, uniqueID, protocol string, deviceID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE unknown_devices SET registered = TRUE, device_id = $3
		WHERE unique_id = $1 AND protocol = $2`,
		uniqueID, protocol, deviceID)
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

func (s *PostgresStore) InsertPosition(ctx context.Context, p *model.Position) (int64, error) {
	attrs, err := marshalJSON(p.Attributes)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO positions (device_id, unknown_device_id, protocol, server_time, device_time,
			fix_time, valid, latitude, longitude, altitude, speed, course, accuracy, attributes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (device_id, unknown_device_id, device_time, latitude, longitude) DO NOTHING
		RETURNING id`,
		p.DeviceID, p.UnknownDeviceID, p.Protocol, p.ServerTime, p.DeviceTime,
		p.FixTime, p.Valid, p.Latitude, p.Longitude, p.Altitude, p.Speed, p.Course, p.Accuracy, attrs,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// duplicate frame, return the id of the existing row
		err = s.db.QueryRowContext(ctx, `
			SELECT id FROM positions
			WHERE device_id = $1 AND unknown_device_id = $2 AND device_time = $3 AND latitude = $4 AND longitude = $5`,
			p.DeviceID, p.UnknownDeviceID, p.DeviceTime, p.Latitude, p.Longitude,
		).Scan(&id)
	}
	return id, err
}

const positionColumns = `id, device_id, unknown_device_id, protocol, server_time, device_time,
	fix_time, valid, latitude, longitude, altitude, speed, course, accuracy, attributes`

func scanPosition(row interface{ Scan(...interface{}) error }) (*model.Position, error) {
	var (
		p     model.Position
		attrs []byte
	)
	err := row.Scan(&p.ID, &p.DeviceID, &p.UnknownDeviceID, &p.Protocol, &p.ServerTime, &p.DeviceTime,
		&p.FixTime, &p.Valid, &p.Latitude, &p.Longitude, &p.Altitude, &p.Speed, &p.Course, &p.Accuracy, &attrs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(attrs, &p.Attributes); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) PositionByID(ctx context.Context, id int64) (*model.Position, error) {
	return scanPosition(s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id))
}

func (s *PostgresStore) LastPosition(ctx context.Context, deviceID int64) (*model.Position, error) {
	return scanPosition(s.db.QueryRowContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE device_id = $1 ORDER BY device_time DESC, id DESC LIMIT 1`, deviceID))
}

func (s *PostgresStore) InsertEvent(ctx context.Context, e *model.Event) (int64, error) {
	attrs, err := marshalJSON(e.Attributes)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO events (type, event_time, device_id, position_id, geofence_id, attributes)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		string(e.Type), e.EventTime, e.DeviceID, e.PositionID, e.GeofenceID, attrs,
	).Scan(&id)
	return id, err
}

func (s *PostgresStore) UpsertGeofence(ctx context.Context, g *model.Geofence) error {
	if err := g.Geometry.Validate(); err != nil {
		return err
	}
	geometry, err := json.Marshal(g.Geometry)
	if err != nil {
		return err
	}
	attrs, err := marshalJSON(g.Attributes)
	if err != nil {
		return err
	}

	if g.ID == 0 {
		return s.db.QueryRowContext(ctx, `
			INSERT INTO geofences (name, description, geometry, disabled, calendar_id, version, attributes)
			VALUES ($1, $2, $3, $4, $5, 1, $6) RETURNING id, version`,
			g.Name, g.Description, geometry, g.Disabled, g.CalendarID, attrs,
		).Scan(&g.ID, &g.Version)
	}

	err = s.db.QueryRowContext(ctx, `
		UPDATE geofences SET name = $2, description = $3, geometry = $4, disabled = $5,
			calendar_id = $6, version = version + 1, attributes = $7
		WHERE id = $1 RETURNING version`,
		g.ID, g.Name, g.Description, geometry, g.Disabled, g.CalendarID, attrs,
	).Scan(&g.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *PostgresStore) DeleteGeofence(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM geofences WHERE id = $1`, id)
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

func (s *PostgresStore) ActiveGeofences(ctx context.Context) ([]*model.Geofence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, geometry, disabled, calendar_id, version, attributes
		FROM geofences WHERE NOT disabled ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Geofence
	for rows.Next() {
		var (
			g        model.Geofence
			geometry []byte
			attrs    []byte
		)
		if err := rows.Scan(&g.ID, &g.Name, &g.Description, &geometry, &g.Disabled,
			&g.CalendarID, &g.Version, &attrs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(geometry, &g.Geometry); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(attrs, &g.Attributes); err != nil {
			return nil, err
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertCommand(ctx context.Context, c *model.Command) error {
	params, err := marshalJSON(c.Params)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (id, device_id, operator, type, priority, status, params, payload,
			retry_count, max_retries, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`,
		c.ID, c.DeviceID, c.Operator, c.Type, int(c.Priority), string(c.Status), params, c.Payload,
		c.RetryCount, c.MaxRetries, nullTime(c.ExpiresAt), c.CreatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: command %s", ErrConflict, c.ID)
	}
	return nil
}

const commandColumns = `id, device_id, operator, type, priority, status, params, payload,
	retry_count, max_retries, expires_at, response, error, created_at, sent_at, delivered_at, executed_at, done_at`

func scanCommand(row interface{ Scan(...interface{}) error }) (*model.Command, error) {
	var (
		c                                            model.Command
		priority                                     int
		status                                       string
		params                                       []byte
		expiresAt, sentAt, deliveredAt, execAt, done sql.NullTime
	)
	err := row.Scan(&c.ID, &c.DeviceID, &c.Operator, &c.Type, &priority, &status, &params, &c.Payload,
		&c.RetryCount, &c.MaxRetries, &expiresAt, &c.Response, &c.Error, &c.CreatedAt, &sentAt, &deliveredAt, &execAt, &done)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Priority = model.CommandPriority(priority)
	c.Status = model.CommandStatus(status)
	c.ExpiresAt = fromNullTime(expiresAt)
	c.SentAt = fromNullTime(sentAt)
	c.DeliveredAt = fromNullTime(deliveredAt)
	c.ExecutedAt = fromNullTime(execAt)
	c.DoneAt = fromNullTime(done)
	if err := json.Unmarshal(params, &c.Params); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) CommandByID(ctx context.Context, id string) (*model.Command, error) {
	return scanCommand(s.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = $1`, id))
}

func (s *PostgresStore) UpdateCommandStatus(ctx context.Context, id string, from, to model.CommandStatus, u CommandUpdate) error {
	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	// The guarded WHERE clause is the optimistic concurrency check: only one
	// of two racing transitions lands.
	res, err := s.db.ExecContext(ctx, `
		UPDATE commands SET
			status = $3,
			retry_count = COALESCE($4, retry_count),
			payload = COALESCE($5, payload),
			response = COALESCE($6, response),
			error = COALESCE($7, error),
			sent_at = CASE WHEN $3 = 'SENT' THEN $8 ELSE sent_at END,
			delivered_at = CASE WHEN $3 = 'DELIVERED' THEN $8 ELSE delivered_at END,
			executed_at = CASE WHEN $3 = 'EXECUTED' THEN $8 ELSE executed_at END,
			done_at = CASE WHEN $3 IN ('EXECUTED', 'FAILED', 'TIMEOUT', 'CANCELLED', 'EXPIRED') THEN $8 ELSE done_at END
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), u.RetryCount, u.Payload, u.Response, u.Error, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var current string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM commands WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: command %s is %s, not %s", ErrConflict, id, current, from)
	}
	return nil
}

func (s *PostgresStore) CommandsInStatus(ctx context.Context, status model.CommandStatus, olderThan time.Time) ([]*model.Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE status = $1`
	args := []interface{}{string(status)}
	if !olderThan.IsZero() {
		query += ` AND sent_at <= $2`
		args = append(args, olderThan)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertQueueEntry(ctx context.Context, e *model.QueueEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_queue (command_id, device_id, priority, enqueued_at, earliest_at, attempts, last_at, next_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (command_id) DO UPDATE SET
			attempts = EXCLUDED.attempts,
			last_at = EXCLUDED.last_at,
			next_at = EXCLUDED.next_at,
			active = EXCLUDED.active`,
		e.CommandID, e.DeviceID, int(e.Priority), e.EnqueuedAt, nullTime(e.EarliestAt),
		e.Attempts, nullTime(e.LastAt), nullTime(e.NextAt), e.Active)
	return err
}

func (s *PostgresStore) DeactivateQueueEntry(ctx context.Context, commandID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE command_queue SET active = FALSE WHERE command_id = $1`, commandID)
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

func (s *PostgresStore) NextDueCommands(ctx context.Context, now time.Time, limit int) ([]*model.QueueEntry, error) {
	query := `
		SELECT command_id, device_id, priority, enqueued_at, earliest_at, attempts, last_at, next_at, active
		FROM command_queue
		WHERE active AND (earliest_at IS NULL OR earliest_at <= $1) AND (next_at IS NULL OR next_at <= $1)
		ORDER BY priority DESC, enqueued_at`
	args := []interface{}{now}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.QueueEntry
	for rows.Next() {
		var (
			e                        model.QueueEntry
			priority                 int
			earliest, lastAt, nextAt sql.NullTime
		)
		if err := rows.Scan(&e.CommandID, &e.DeviceID, &priority, &e.EnqueuedAt, &earliest,
			&e.Attempts, &lastAt, &nextAt, &e.Active); err != nil {
			return nil, err
		}
		e.Priority = model.CommandPriority(priority)
		e.EarliestAt = fromNullTime(earliest)
		e.LastAt = fromNullTime(lastAt)
		e.NextAt = fromNullTime(nextAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertTemplate(ctx context.Context, t *model.CommandTemplate) error {
	params, err := marshalJSON(t.Params)
	if err != nil {
		return err
	}
	return s.db.QueryRowContext(ctx, `
		INSERT INTO command_templates (name, type, priority, params, max_retries, channel)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		t.Name, t.Type, int(t.Priority), params, t.MaxRetries, t.Channel,
	).Scan(&t.ID)
}

func (s *PostgresStore) TemplateByID(ctx context.Context, id int64) (*model.CommandTemplate, error) {
	var (
		t        model.CommandTemplate
		priority int
		params   []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, priority, params, max_retries, channel, use_count
		FROM command_templates WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Type, &priority, &params, &t.MaxRetries, &t.Channel, &t.UseCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Priority = model.CommandPriority(priority)
	if err := json.Unmarshal(params, &t.Params); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) IncrementTemplateUse(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE command_templates SET use_count = use_count + 1 WHERE id = $1`, id)
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

func (s *PostgresStore) InsertScheduledCommand(ctx context.Context, sc *model.ScheduledCommand) error {
	params, err := marshalJSON(sc.Params)
	if err != nil {
		return err
	}
	return s.db.QueryRowContext(ctx, `
		INSERT INTO scheduled_commands (device_id, type, priority, params, max_retries, earliest_at, repeat_interval, max_repeats, fire_count, disabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		sc.DeviceID, sc.Type, int(sc.Priority), params, sc.MaxRetries, sc.EarliestAt,
		int64(sc.RepeatInterval), sc.MaxRepeats, sc.FireCount, sc.Disabled,
	).Scan(&sc.ID)
}

func (s *PostgresStore) DueScheduledCommands(ctx context.Context, now time.Time) ([]*model.ScheduledCommand, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, type, priority, params, max_retries, earliest_at, repeat_interval, max_repeats, fire_count, disabled
		FROM scheduled_commands
		WHERE NOT disabled AND earliest_at <= $1 ORDER BY id`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.ScheduledCommand
	for rows.Next() {
		var (
			sc       model.ScheduledCommand
			priority int
			params   []byte
			interval int64
		)
		if err := rows.Scan(&sc.ID, &sc.DeviceID, &sc.Type, &priority, &params, &sc.MaxRetries,
			&sc.EarliestAt, &interval, &sc.MaxRepeats, &sc.FireCount, &sc.Disabled); err != nil {
			return nil, err
		}
		sc.Priority = model.CommandPriority(priority)
		sc.RepeatInterval = time.Duration(interval)
		if err := json.Unmarshal(params, &sc.Params); err != nil {
			return nil, err
		}
		out = append(out, &sc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateScheduledCommand(ctx context.Context, sc *model.ScheduledCommand) error {
	params, err := marshalJSON(sc.Params)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_commands SET device_id = $2, type = $3, priority = $4, params = $5,
			max_retries = $6, earliest_at = $7, repeat_interval = $8, max_repeats = $9,
			fire_count = $10, disabled = $11
		WHERE id = $1`,
		sc.ID, sc.DeviceID, sc.Type, int(sc.Priority), params, sc.MaxRetries, sc.EarliestAt,
		int64(sc.RepeatInterval), sc.MaxRepeats, sc.FireCount, sc.Disabled)
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

func (s *PostgresStore) DeletePositionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE server_time < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE event_time < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
