package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/devlease/fleet/internal/model"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PgStore implements Store backed by PostgreSQL.
type PgStore struct {
	db     *sql.DB
	dsn    string
	logger *zap.SugaredLogger
}

func NewPgStore(dsn string, logger *zap.SugaredLogger) (*PgStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("pg open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pg ping: %w", err)
	}

	s := &PgStore{db: db, dsn: dsn, logger: logger}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("pg migrate: %w", err)
	}
	return s, nil
}

func (s *PgStore) Close() {
	s.db.Close()
}

// Schema migration
func (s *PgStore) migrate(ctx context.Context) error {
	ddl := `
-- ── Devices ──────────────────────────────────────
CREATE TABLE IF NOT EXISTS devices (
    udid                TEXT PRIMARY KEY,
    platform            TEXT NOT NULL DEFAULT 'unknown',
    properties          JSONB NOT NULL DEFAULT '{}',
    sources             JSONB NOT NULL DEFAULT '{}',
    owner               TEXT NOT NULL DEFAULT '',
    in_use              BOOLEAN NOT NULL DEFAULT FALSE,
    colding             BOOLEAN NOT NULL DEFAULT FALSE,
    user_id             TEXT,
    using_began_at      TIMESTAMPTZ,
    last_activated_at   TIMESTAMPTZ,
    idle_timeout_secs   DOUBLE PRECISION NOT NULL DEFAULT 600,
    using_duration_secs DOUBLE PRECISION NOT NULL DEFAULT 0,
    department          TEXT NOT NULL DEFAULT '',
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
) WITH (fillfactor = 70);
CREATE INDEX IF NOT EXISTS idx_devices_owner ON devices(owner);
CREATE INDEX IF NOT EXISTS idx_devices_user ON devices(user_id) WHERE in_use;

-- ── Users ────────────────────────────────────────
CREATE TABLE IF NOT EXISTS users (
    email             TEXT PRIMARY KEY,
    username          TEXT NOT NULL DEFAULT '',
    admin             BOOLEAN NOT NULL DEFAULT FALSE,
    token             TEXT NOT NULL DEFAULT '',
    secret_key        TEXT NOT NULL DEFAULT '',
    settings          JSONB NOT NULL DEFAULT '{}',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_logged_in_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_users_token ON users(token) WHERE token <> '';

-- ── Groups ───────────────────────────────────────
CREATE TABLE IF NOT EXISTS groups (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL DEFAULT '',
    creator    TEXT NOT NULL DEFAULT '',
    members    JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- ── Change feed ──────────────────────────────────
CREATE TABLE IF NOT EXISTS device_changes (
    revision   BIGSERIAL PRIMARY KEY,
    udid       TEXT NOT NULL,
    old_doc    JSONB,
    new_doc    JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_device_changes_created ON device_changes(created_at);

-- device_doc renders a device row as its wire-format JSON document.
CREATE OR REPLACE FUNCTION device_doc(d devices) RETURNS jsonb AS $fn$
    SELECT jsonb_build_object(
        'udid',            d.udid,
        'platform',        d.platform,
        'properties',      d.properties,
        'sources',         d.sources,
        'present',         d.sources <> '{}'::jsonb,
        'owner',           d.owner,
        'using',           d.in_use,
        'colding',         d.colding,
        'userId',          d.user_id,
        'usingBeganAt',    d.using_began_at,
        'lastActivatedAt', d.last_activated_at,
        'idleTimeout',     d.idle_timeout_secs,
        'usingDuration',   d.using_duration_secs,
        'department',      d.department,
        'createdAt',       d.created_at,
        'updatedAt',       d.updated_at)
$fn$ LANGUAGE sql STABLE;

-- Every device mutation lands in device_changes inside the same transaction
-- and wakes watchers via NOTIFY.
CREATE OR REPLACE FUNCTION record_device_change() RETURNS trigger AS $fn$
BEGIN
    INSERT INTO device_changes (udid, old_doc, new_doc)
    VALUES (COALESCE(NEW.udid, OLD.udid),
            CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE device_doc(OLD) END,
            CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE device_doc(NEW) END);
    PERFORM pg_notify('device_changes', COALESCE(NEW.udid, OLD.udid));
    RETURN NULL;
END;
$fn$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS device_change ON devices;
CREATE TRIGGER device_change
    AFTER INSERT OR UPDATE OR DELETE ON devices
    FOR EACH ROW EXECUTE FUNCTION record_device_change();
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("pg migrate: %w", err)
	}
	return nil
}

// Devices

func scanDeviceDoc(data []byte) (*model.Device, error) {
	var d model.Device
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("unmarshal device: %w", err)
	}
	return &d, nil
}

func (s *PgStore) GetDevice(ctx context.Context, udid string) (*model.Device, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT device_doc(devices) FROM devices WHERE udid = $1`, udid).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pg get device: %w", err)
	}
	return scanDeviceDoc(data)
}

func (s *PgStore) ListDevices(ctx context.Context, q DeviceQuery) ([]model.Device, int64, error) {
	var conds []string
	var args []any
	add := func(cond string, vals ...any) {
		for _, v := range vals {
			args = append(args, v)
			cond = strings.Replace(cond, "?", fmt.Sprintf("$%d", len(args)), 1)
		}
		conds = append(conds, cond)
	}

	if q.Viewer != nil {
		add(`owner = ANY(?::text[])`, pq.Array(q.Viewer))
	}
	if q.Platform != "" {
		add(`platform = ?`, q.Platform)
	}
	if q.UsableOnly {
		add(`NOT in_use AND NOT colding AND sources <> '{}'::jsonb`)
	}
	if q.Present != nil {
		add(`(sources <> '{}'::jsonb) = ?`, *q.Present)
	}
	if q.UserID != "" {
		add(`user_id = ?`, q.UserID)
	}
	if q.UsingOnly {
		add(`in_use`)
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pg count devices: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT device_doc(devices) FROM devices`+where+` ORDER BY created_at DESC, udid`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pg list devices: %w", err)
	}
	defer rows.Close()

	var devices []model.Device
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, 0, fmt.Errorf("pg scan device: %w", err)
		}
		d, err := scanDeviceDoc(data)
		if err != nil {
			s.logger.Warnf("skipping corrupt device: %v", err)
			continue
		}
		devices = append(devices, *d)
	}
	return devices, total, rows.Err()
}

func (s *PgStore) ListLeasedDevices(ctx context.Context) ([]model.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT device_doc(devices) FROM devices WHERE in_use`)
	if err != nil {
		return nil, fmt.Errorf("pg list leased devices: %w", err)
	}
	defer rows.Close()

	var devices []model.Device
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("pg scan device: %w", err)
		}
		d, err := scanDeviceDoc(data)
		if err != nil {
			s.logger.Warnf("skipping corrupt device: %v", err)
			continue
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

func (s *PgStore) UpdateDeviceProperties(ctx context.Context, udid string, props map[string]any) error {
	data, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("marshal properties: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET properties = properties || $2::jsonb, updated_at = NOW() WHERE udid = $1`,
		udid, data)
	if err != nil {
		return fmt.Errorf("pg update device properties: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("device %q not found", udid)
	}
	return nil
}

func (s *PgStore) SetDeviceDepartment(ctx context.Context, udid, department string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET department = $2, updated_at = NOW() WHERE udid = $1`,
		udid, department)
	if err != nil {
		return fmt.Errorf("pg set device department: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("device %q not found", udid)
	}
	return nil
}

// Provider presence

func (s *PgStore) ApplyProviderUpdate(ctx context.Context, up ProviderUpdate) error {
	if up.RemoveSource {
		return s.removeDeviceSource(ctx, up.UDID, up.SourceID)
	}

	var props []byte
	if up.Properties != nil {
		var err error
		props, err = json.Marshal(up.Properties)
		if err != nil {
			return fmt.Errorf("marshal properties: %w", err)
		}
	}
	src, err := json.Marshal(up.Source)
	if err != nil {
		return fmt.Errorf("marshal source: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO devices (udid, platform, properties, sources, owner)
		VALUES ($1,
		        CASE WHEN $2 = '' THEN 'unknown' ELSE $2 END,
		        COALESCE($3::jsonb, '{}'::jsonb),
		        jsonb_build_object($4::text, $5::jsonb),
		        $6)
		ON CONFLICT (udid) DO UPDATE SET
		    platform   = CASE WHEN $2 = '' THEN devices.platform ELSE $2 END,
		    properties = devices.properties || COALESCE($3::jsonb, '{}'::jsonb),
		    sources    = devices.sources || jsonb_build_object($4::text, $5::jsonb),
		    owner      = $6,
		    updated_at = NOW()`,
		up.UDID, up.Platform, props, up.SourceID, src, up.Owner)
	if err != nil {
		return fmt.Errorf("pg apply provider update: %w", err)
	}
	return nil
}

// removeDeviceSource drops one source key. A device drained to zero sources
// also loses its lease and colding flag — no provider is left to serve it.
func (s *PgStore) removeDeviceSource(ctx context.Context, udid, sourceID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE devices SET
		    sources    = sources - $2,
		    in_use     = CASE WHEN sources - $2 = '{}'::jsonb THEN FALSE ELSE in_use END,
		    colding    = CASE WHEN sources - $2 = '{}'::jsonb THEN FALSE ELSE colding END,
		    user_id    = CASE WHEN sources - $2 = '{}'::jsonb THEN NULL ELSE user_id END,
		    updated_at = NOW()
		WHERE udid = $1 AND sources ? $2`,
		udid, sourceID)
	if err != nil {
		return fmt.Errorf("pg remove device source: %w", err)
	}
	return nil
}

func (s *PgStore) RemoveProviderSources(ctx context.Context, sourceID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET
		    sources    = sources - $1,
		    in_use     = CASE WHEN sources - $1 = '{}'::jsonb THEN FALSE ELSE in_use END,
		    colding    = CASE WHEN sources - $1 = '{}'::jsonb THEN FALSE ELSE colding END,
		    user_id    = CASE WHEN sources - $1 = '{}'::jsonb THEN NULL ELSE user_id END,
		    updated_at = NOW()
		WHERE sources ? $1`,
		sourceID)
	if err != nil {
		return 0, fmt.Errorf("pg remove provider sources: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *PgStore) ResetPresence(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE devices SET sources = '{}'::jsonb, colding = FALSE, updated_at = NOW()
		WHERE sources <> '{}'::jsonb OR colding`)
	if err != nil {
		return fmt.Errorf("pg reset presence: %w", err)
	}
	return nil
}

// Lease transitions
// Each transition is a single compare-and-set UPDATE; RowsAffected reports
// who won. Concurrent callers never observe a half-written lease.

func (s *PgStore) AcquireDevice(ctx context.Context, udid, userID string, idleTimeout time.Duration, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET
		    in_use            = TRUE,
		    user_id           = $2,
		    using_began_at    = $3,
		    last_activated_at = $3,
		    idle_timeout_secs = $4,
		    updated_at        = NOW()
		WHERE udid = $1 AND NOT in_use AND NOT colding AND sources <> '{}'::jsonb`,
		udid, userID, now, idleTimeout.Seconds())
	if err != nil {
		return false, fmt.Errorf("pg acquire device: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PgStore) ReleaseDevice(ctx context.Context, udid string, epoch *time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET
		    in_use              = FALSE,
		    user_id             = NULL,
		    colding             = TRUE,
		    using_duration_secs = using_duration_secs + EXTRACT(EPOCH FROM (NOW() - using_began_at)),
		    updated_at          = NOW()
		WHERE udid = $1 AND in_use AND ($2::timestamptz IS NULL OR using_began_at = $2::timestamptz)`,
		udid, epoch)
	if err != nil {
		return false, fmt.Errorf("pg release device: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PgStore) ActivateDevice(ctx context.Context, udid, userID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_activated_at = $3, updated_at = NOW()
		 WHERE udid = $1 AND in_use AND user_id = $2`,
		udid, userID, now)
	if err != nil {
		return false, fmt.Errorf("pg activate device: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PgStore) ClearColding(ctx context.Context, udid string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET colding = FALSE, updated_at = NOW() WHERE udid = $1 AND colding`,
		udid)
	if err != nil {
		return fmt.Errorf("pg clear colding: %w", err)
	}
	return nil
}

// Users

const userColumns = `email, username, admin, token, secret_key, settings, created_at, last_logged_in_at`

func scanUserRow(row *sql.Row) (*model.User, error) {
	var u model.User
	var settings []byte
	err := row.Scan(&u.Email, &u.Username, &u.Admin, &u.Token, &u.SecretKey, &settings, &u.CreatedAt, &u.LastLoggedInAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pg scan user: %w", err)
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &u.Settings); err != nil {
			return nil, fmt.Errorf("unmarshal user settings: %w", err)
		}
	}
	return &u, nil
}

func (s *PgStore) GetUser(ctx context.Context, email string) (*model.User, error) {
	return scanUserRow(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

func (s *PgStore) GetUserByToken(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, nil
	}
	// Token is unique per the partial index, so 0 or 1 rows match.
	return scanUserRow(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE token = $1`, token))
}

// UpsertLogin inserts on first login; the very first user of the deployment
// becomes admin. The provided credentials are only used on insert — an
// existing user keeps their token and secret key.
func (s *PgStore) UpsertLogin(ctx context.Context, email, username, token, secretKey string) (*model.User, error) {
	u, err := scanUserRow(s.db.QueryRowContext(ctx, `
		INSERT INTO users (email, username, admin, token, secret_key)
		VALUES ($1, $2, NOT EXISTS (SELECT 1 FROM users WHERE admin), $3, $4)
		ON CONFLICT (email) DO UPDATE SET
		    username          = EXCLUDED.username,
		    last_logged_in_at = NOW()
		RETURNING `+userColumns,
		email, username, token, secretKey))
	if err != nil {
		return nil, fmt.Errorf("pg upsert login: %w", err)
	}
	return u, nil
}

func (s *PgStore) ListUsers(ctx context.Context, adminOnly bool) ([]model.User, error) {
	q := `SELECT ` + userColumns + ` FROM users`
	if adminOnly {
		q += ` WHERE admin`
	}
	q += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("pg list users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		var settings []byte
		if err := rows.Scan(&u.Email, &u.Username, &u.Admin, &u.Token, &u.SecretKey, &settings, &u.CreatedAt, &u.LastLoggedInAt); err != nil {
			return nil, fmt.Errorf("pg scan user: %w", err)
		}
		if len(settings) > 0 {
			if err := json.Unmarshal(settings, &u.Settings); err != nil {
				s.logger.Warnf("skipping corrupt settings for %s: %v", u.Email, err)
			}
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PgStore) SetUserAdmin(ctx context.Context, email string, admin bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET admin = $2 WHERE email = $1`, email, admin)
	if err != nil {
		return fmt.Errorf("pg set user admin: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("user %q not found", email)
	}
	return nil
}

// Groups

func (s *PgStore) CreateGroup(ctx context.Context, g *model.Group) error {
	members, err := json.Marshal(g.Members)
	if err != nil {
		return fmt.Errorf("marshal group members: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO groups (id, name, creator, members) VALUES ($1, $2, $3, $4)`,
		g.ID, g.Name, g.Creator, members)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return fmt.Errorf("group %q: %w", g.ID, ErrConflict)
		}
		return fmt.Errorf("pg create group: %w", err)
	}
	return nil
}

func scanGroup(id, name, creator string, members []byte, createdAt time.Time) (*model.Group, error) {
	g := model.Group{ID: id, Name: name, Creator: creator, CreatedAt: createdAt}
	if len(members) > 0 {
		if err := json.Unmarshal(members, &g.Members); err != nil {
			return nil, fmt.Errorf("unmarshal group members: %w", err)
		}
	}
	if g.Members == nil {
		g.Members = map[string]model.GroupRole{}
	}
	return &g, nil
}

func (s *PgStore) GetGroup(ctx context.Context, id string) (*model.Group, error) {
	var name, creator string
	var members []byte
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT name, creator, members, created_at FROM groups WHERE id = $1`, id).
		Scan(&name, &creator, &members, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pg get group: %w", err)
	}
	return scanGroup(id, name, creator, members, createdAt)
}

func (s *PgStore) listGroups(ctx context.Context, where string, args ...any) ([]model.Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, creator, members, created_at FROM groups`+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("pg list groups: %w", err)
	}
	defer rows.Close()

	var groups []model.Group
	for rows.Next() {
		var id, name, creator string
		var members []byte
		var createdAt time.Time
		if err := rows.Scan(&id, &name, &creator, &members, &createdAt); err != nil {
			return nil, fmt.Errorf("pg scan group: %w", err)
		}
		g, err := scanGroup(id, name, creator, members, createdAt)
		if err != nil {
			s.logger.Warnf("skipping corrupt group %s: %v", id, err)
			continue
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

func (s *PgStore) ListGroups(ctx context.Context) ([]model.Group, error) {
	return s.listGroups(ctx, ``)
}

func (s *PgStore) ListGroupsByMember(ctx context.Context, email string) ([]model.Group, error) {
	return s.listGroups(ctx, ` WHERE members ? $1`, email)
}

func (s *PgStore) ListGroupMembers(ctx context.Context, id string) ([]GroupMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.email, u.username, g.members->>u.email
		FROM groups g JOIN users u ON g.members ? u.email
		WHERE g.id = $1 ORDER BY u.email`, id)
	if err != nil {
		return nil, fmt.Errorf("pg list group members: %w", err)
	}
	defer rows.Close()

	var members []GroupMember
	for rows.Next() {
		var m GroupMember
		if err := rows.Scan(&m.Email, &m.Username, &m.Role); err != nil {
			return nil, fmt.Errorf("pg scan group member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *PgStore) GroupsOf(ctx context.Context, email string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM groups WHERE members ? $1 ORDER BY id`, email)
	if err != nil {
		return nil, fmt.Errorf("pg groups of: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("pg scan group id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Change feed maintenance

func (s *PgStore) PruneChanges(ctx context.Context, keep time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM device_changes WHERE created_at < NOW() - $1::interval`,
		keep.String())
	if err != nil {
		return 0, fmt.Errorf("pg prune changes: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
