package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/froyo-acs/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

// SQLiteStore persists device tags, parameter snapshots and session history
// in SQLite. It implements engine.TagRepository, engine.ParameterRepository
// and engine.SessionRecorder.
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a distinct database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:  cfg,
		path: cfg.Path,
	}, nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.path
	if s.path != memoryPath {
		dsn += "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// GetTag returns the persisted value of a device tag.
func (s *SQLiteStore) GetTag(ctx context.Context, deviceID, name string) (engine.Value, bool, error) {
	query := `SELECT value_type, value FROM device_tags WHERE device_id = ? AND name = ?`

	var v engine.Value
	err := s.db.QueryRowContext(ctx, query, deviceID, name).Scan(&v.Type, &v.Raw)
	if err == sql.ErrNoRows {
		return engine.Value{}, false, nil
	}
	if err != nil {
		return engine.Value{}, false, fmt.Errorf("failed to get tag %s: %w", name, err)
	}

	return v, true, nil
}

// CommitTags writes every staged tag of a session in one transaction.
func (s *SQLiteStore) CommitTags(ctx context.Context, deviceID string, tags map[string]engine.Value) error {
	if len(tags) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO device_tags (device_id, name, value_type, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (device_id, name) DO UPDATE SET
			value_type = excluded.value_type,
			value = excluded.value,
			updated_at = excluded.updated_at
	`
	now := time.Now().UTC()
	for name, v := range tags {
		if _, err := tx.ExecContext(ctx, query, deviceID, name, string(v.Type), v.Raw, now); err != nil {
			return fmt.Errorf("failed to upsert tag %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tags: %w", err)
	}
	return nil
}

// ListTags lists the tags of a device ordered by name.
func (s *SQLiteStore) ListTags(ctx context.Context, deviceID string) ([]*Tag, error) {
	query := `
		SELECT device_id, name, value_type, value, updated_at
		FROM device_tags
		WHERE device_id = ?
		ORDER BY name
	`

	rows, err := s.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}
	defer rows.Close()

	tags := []*Tag{}
	for rows.Next() {
		tag := &Tag{}
		if err := rows.Scan(&tag.DeviceID, &tag.Name, &tag.Value.Type, &tag.Value.Raw, &tag.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		tags = append(tags, tag)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tags: %w", err)
	}

	return tags, nil
}

// DeleteTag deletes a device tag
func (s *SQLiteStore) DeleteTag(ctx context.Context, deviceID, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM device_tags WHERE device_id = ? AND name = ?`, deviceID, name)
	if err != nil {
		return fmt.Errorf("failed to delete tag: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return notFound("tag", deviceID+"/"+name)
	}

	return nil
}

// LoadParameters returns the last persisted snapshot of a device. A device
// never seen before yields an empty snapshot.
func (s *SQLiteStore) LoadParameters(ctx context.Context, deviceID string) (*engine.Snapshot, error) {
	snap := engine.NewSnapshot()

	rows, err := s.db.QueryContext(ctx,
		`SELECT path, value_type, value, observed_at FROM parameter_values WHERE device_id = ?`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load parameters: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			path  string
			entry engine.Entry
		)
		if err := rows.Scan(&path, &entry.Value.Type, &entry.Value.Raw, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan parameter: %w", err)
		}
		snap.Values[engine.Path(path)] = entry
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating parameters: %w", err)
	}

	irows, err := s.db.QueryContext(ctx,
		`SELECT parent, indices, discovered_at FROM parameter_instances WHERE device_id = ?`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load instances: %w", err)
	}
	defer irows.Close()

	for irows.Next() {
		var (
			parent  string
			indices string
			entry   engine.InstanceEntry
		)
		if err := irows.Scan(&parent, &indices, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan instances: %w", err)
		}
		if err := json.Unmarshal([]byte(indices), &entry.Indices); err != nil {
			return nil, fmt.Errorf("invalid instance indices for %s: %w", parent, err)
		}
		snap.Instances[engine.Path(parent)] = entry
	}
	if err := irows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}

	return snap, nil
}

// SaveParameters replaces the persisted snapshot of a device.
func (s *SQLiteStore) SaveParameters(ctx context.Context, deviceID string, snapshot *engine.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"parameter_values", "parameter_instances"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE device_id = ?", deviceID); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	if snapshot != nil {
		for path, entry := range snapshot.Values {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO parameter_values (device_id, path, value_type, value, observed_at) VALUES (?, ?, ?, ?, ?)`,
				deviceID, string(path), string(entry.Value.Type), entry.Value.Raw, entry.Timestamp.UTC())
			if err != nil {
				return fmt.Errorf("failed to save parameter %s: %w", path, err)
			}
		}
		for parent, entry := range snapshot.Instances {
			indices, err := json.Marshal(entry.Indices)
			if err != nil {
				return fmt.Errorf("failed to encode instances of %s: %w", parent, err)
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO parameter_instances (device_id, parent, indices, discovered_at) VALUES (?, ?, ?, ?)`,
				deviceID, string(parent), string(indices), entry.Timestamp.UTC())
			if err != nil {
				return fmt.Errorf("failed to save instances of %s: %w", parent, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit parameters: %w", err)
	}
	return nil
}

// RecordSession stores a finished session with its writes and log lines.
func (s *SQLiteStore) RecordSession(ctx context.Context, result *engine.SessionResult) error {
	faults, err := json.Marshal(result.Faults)
	if err != nil {
		return fmt.Errorf("failed to encode faults: %w", err)
	}
	if result.Faults == nil {
		faults = []byte("[]")
	}

	var errMsg *string
	if result.Error != "" {
		errMsg = &result.Error
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, device_id, status, passes, started_at, completed_at, duration_ms, error, faults)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		result.SessionID,
		result.Device.ID(),
		string(result.Status),
		result.Passes,
		result.StartedAt.UTC(),
		result.CompletedAt.UTC(),
		result.Duration.Milliseconds(),
		errMsg,
		string(faults),
	)
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}

	insertWrite := func(path engine.Path, v engine.Value, outcome WriteOutcome, reason *string, pass int) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO session_writes (session_id, path, value_type, value, outcome, reason, pass)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, result.SessionID, string(path), string(v.Type), v.Raw, string(outcome), reason, pass)
		if err != nil {
			return fmt.Errorf("failed to record write %s: %w", path, err)
		}
		return nil
	}

	for _, w := range result.AppliedWrites {
		if err := insertWrite(w.Path, w.Value, WriteOutcomeApplied, nil, w.Pass); err != nil {
			return err
		}
	}
	for _, w := range result.FailedWrites {
		reason := w.Reason
		if err := insertWrite(w.Path, w.Value, WriteOutcomeFailed, &reason, w.Pass); err != nil {
			return err
		}
	}
	for _, w := range result.DeniedWrites {
		reason := w.Reason
		if err := insertWrite(w.Path, w.Value, WriteOutcomeDenied, &reason, w.Pass); err != nil {
			return err
		}
	}

	for i, l := range result.Logs {
		var fields *string
		if len(l.Fields) > 0 {
			data, err := json.Marshal(l.Fields)
			if err != nil {
				return fmt.Errorf("failed to encode log fields: %w", err)
			}
			f := string(data)
			fields = &f
		}
		var rule *string
		if l.Rule != "" {
			r := l.Rule
			rule = &r
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO session_logs (session_id, seq, level, rule, message, fields, logged_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, result.SessionID, i, string(l.Level), rule, l.Message, fields, l.Time.UTC())
		if err != nil {
			return fmt.Errorf("failed to record log line: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	return nil
}

const sessionColumns = `id, device_id, status, passes, started_at, completed_at, duration_ms, error, faults`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	rec := &SessionRecord{}
	var (
		status     string
		durationMS int64
		faults     string
	)
	if err := row.Scan(&rec.ID, &rec.DeviceID, &status, &rec.Passes, &rec.StartedAt, &rec.CompletedAt,
		&durationMS, &rec.Error, &faults); err != nil {
		return nil, err
	}
	rec.Status = engine.SessionStatus(status)
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	if err := json.Unmarshal([]byte(faults), &rec.Faults); err != nil {
		return nil, fmt.Errorf("invalid faults of session %s: %w", rec.ID, err)
	}
	return rec, nil
}

// GetSession retrieves a session record by ID
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	rec, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, notFound("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return rec, nil
}

// ListSessions lists session records, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*SessionRecord, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY started_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*SessionRecord{}
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// ListSessionWrites lists the writes of a session in recording order.
func (s *SQLiteStore) ListSessionWrites(ctx context.Context, sessionID string) ([]*WriteRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, path, value_type, value, outcome, reason, pass
		FROM session_writes
		WHERE session_id = ?
		ORDER BY rowid
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session writes: %w", err)
	}
	defer rows.Close()

	writes := []*WriteRecord{}
	for rows.Next() {
		w := &WriteRecord{}
		var path, outcome string
		if err := rows.Scan(&w.SessionID, &path, &w.Value.Type, &w.Value.Raw, &outcome, &w.Reason, &w.Pass); err != nil {
			return nil, fmt.Errorf("failed to scan session write: %w", err)
		}
		w.Path = engine.Path(path)
		w.Outcome = WriteOutcome(outcome)
		writes = append(writes, w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session writes: %w", err)
	}

	return writes, nil
}

// ListSessionLogs lists the log lines of a session in order.
func (s *SQLiteStore) ListSessionLogs(ctx context.Context, sessionID string) ([]*LogRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, level, rule, message, fields, logged_at
		FROM session_logs
		WHERE session_id = ?
		ORDER BY seq
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session logs: %w", err)
	}
	defer rows.Close()

	logs := []*LogRecord{}
	for rows.Next() {
		l := &LogRecord{}
		var (
			level  string
			fields *string
		)
		if err := rows.Scan(&l.SessionID, &l.Seq, &level, &l.Rule, &l.Message, &fields, &l.LoggedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session log: %w", err)
		}
		l.Level = engine.LogLevel(level)
		if fields != nil {
			if err := json.Unmarshal([]byte(*fields), &l.Fields); err != nil {
				return nil, fmt.Errorf("invalid log fields: %w", err)
			}
		}
		logs = append(logs, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session logs: %w", err)
	}

	return logs, nil
}

// PruneSessions deletes sessions that started before cutoff, with their
// writes and log lines.
func (s *SQLiteStore) PruneSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}

	return result.RowsAffected()
}

func notFound(kind, id string) error {
	return engine.NewPermanentError(fmt.Sprintf("%s not found: %s", kind, id), nil).
		WithCode(engine.ErrCodeNotFound)
}

var (
	_ engine.TagRepository       = (*SQLiteStore)(nil)
	_ engine.ParameterRepository = (*SQLiteStore)(nil)
	_ engine.SessionRecorder     = (*SQLiteStore)(nil)
)
