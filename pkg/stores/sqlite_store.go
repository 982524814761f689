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
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/pluginhost/pkg/plugins/host"
	"github.com/openfroyo/pluginhost/pkg/telemetry"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	// Every connection to :memory: is a separate database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store in one step.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// dsn builds the modernc connection string. File databases run in WAL mode.
func (s *SQLiteStore) dsn() string {
	pragmas := []string{
		"_pragma=foreign_keys(1)",
		fmt.Sprintf("_pragma=busy_timeout(%d)", s.cfg.BusyTimeout.Milliseconds()),
	}
	if s.cfg.Path != MemoryPath {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	pragmas = append(pragmas, "_txlock=immediate")

	sep := "?"
	if strings.Contains(s.cfg.Path, "?") {
		sep = "&"
	}
	return s.cfg.Path + sep + strings.Join(pragmas, "&")
}

// Init opens the database connection pool.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
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

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// RecordInvocation stores a cli_run invocation. It satisfies host.AuditSink.
func (s *SQLiteStore) RecordInvocation(ctx context.Context, inv host.Invocation) error {
	if inv.ID == "" {
		return fmt.Errorf("invocation id is required")
	}

	args := inv.Args
	if args == nil {
		args = []string{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to encode arguments: %w", err)
	}

	var errMsg *string
	if inv.Error != "" {
		errMsg = &inv.Error
	}

	// Timestamps are stored in UTC so they compare as text.
	timestamp := inv.Timestamp.UTC()
	if inv.Timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO invocations (id, plugin, command, resolved, args, outcome, error, duration_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		inv.ID,
		inv.Plugin,
		inv.Command,
		inv.Resolved,
		string(argsJSON),
		inv.Outcome,
		errMsg,
		inv.Duration.Milliseconds(),
		timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to record invocation: %w", err)
	}

	return nil
}

// GetInvocation retrieves an invocation by ID
func (s *SQLiteStore) GetInvocation(ctx context.Context, id string) (*Invocation, error) {
	query := `
		SELECT id, plugin, command, resolved, args, outcome, error, duration_ms, timestamp
		FROM invocations
		WHERE id = ?
	`

	inv, err := scanInvocation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("invocation not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invocation: %w", err)
	}

	return inv, nil
}

// ListInvocations lists invocations newest first with optional filters and pagination
func (s *SQLiteStore) ListInvocations(ctx context.Context, filter InvocationFilter, limit, offset int) ([]*Invocation, error) {
	if limit <= 0 {
		limit = 100
	}

	where, args := filter.where()
	query := `
		SELECT id, plugin, command, resolved, args, outcome, error, duration_ms, timestamp
		FROM invocations
	` + where + `
		ORDER BY timestamp DESC, id
		LIMIT ? OFFSET ?
	`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list invocations: %w", err)
	}
	defer rows.Close()

	invocations := []*Invocation{}
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invocation: %w", err)
		}
		invocations = append(invocations, inv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating invocations: %w", err)
	}

	return invocations, nil
}

// CountInvocations counts the invocations matching filter.
func (s *SQLiteStore) CountInvocations(ctx context.Context, filter InvocationFilter) (int, error) {
	where, args := filter.where()

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM invocations "+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count invocations: %w", err)
	}

	return count, nil
}

// PruneInvocations deletes invocations recorded before the given time.
func (s *SQLiteStore) PruneInvocations(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM invocations WHERE timestamp < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune invocations: %w", err)
	}

	return result.RowsAffected()
}

// AppendEvent stores a lifecycle event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event telemetry.Event) error {
	var details *string
	if len(event.Data) > 0 {
		data, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		d := string(data)
		details = &d
	}

	query := `
		INSERT INTO plugin_events (event_id, type, plugin, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.Type,
		event.Plugin,
		event.Level,
		event.Message,
		details,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// ListEvents lists events newest first, optionally for one plugin.
func (s *SQLiteStore) ListEvents(ctx context.Context, plugin string, limit, offset int) ([]*PluginEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, event_id, type, plugin, level, message, details, timestamp
		FROM plugin_events
		WHERE (? = '' OR plugin = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, plugin, plugin, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*PluginEvent{}
	for rows.Next() {
		event := &PluginEvent{}
		err := rows.Scan(
			&event.ID,
			&event.EventID,
			&event.Type,
			&event.Plugin,
			&event.Level,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// EventSubscriber returns a subscriber that persists published events.
// Write failures are logged through logger.
func (s *SQLiteStore) EventSubscriber(logger *telemetry.Logger) telemetry.EventSubscriber {
	return func(event telemetry.Event) {
		if err := s.AppendEvent(context.Background(), event); err != nil && logger != nil {
			logger.WithError(err).Warn("failed to persist event")
		}
	}
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// where renders the filter as a WHERE clause and its arguments.
func (f InvocationFilter) where() (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if f.Plugin != "" {
		clauses = append(clauses, "plugin = ?")
		args = append(args, f.Plugin)
	}
	if f.Outcome != "" {
		clauses = append(clauses, "outcome = ?")
		args = append(args, f.Outcome)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, f.Since.UTC())
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInvocation(row rowScanner) (*Invocation, error) {
	inv := &Invocation{}
	var argsJSON string
	var durationMS int64

	err := row.Scan(
		&inv.ID,
		&inv.Plugin,
		&inv.Command,
		&inv.Resolved,
		&argsJSON,
		&inv.Outcome,
		&inv.Error,
		&durationMS,
		&inv.Timestamp,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(argsJSON), &inv.Args); err != nil {
		return nil, fmt.Errorf("failed to decode arguments: %w", err)
	}
	inv.Duration = time.Duration(durationMS) * time.Millisecond

	return inv, nil
}
