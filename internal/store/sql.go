package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/gyaneshwarpardhi/recipebus/internal/event"
)

// Supported SQL drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

//go:embed migrations
var migrationsFS embed.FS

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// SQLStore implements Store on PostgreSQL or SQLite. Queries are written
// with ? placeholders and rebound for the driver.
type SQLStore struct {
	db     *sqlx.DB
	driver string
	dsn    string
}

// OpenSQL connects to the database named by cfg and optionally migrates it.
func OpenSQL(ctx context.Context, cfg Config) (*SQLStore, error) {
	if cfg.Driver != DriverSQLite && cfg.Driver != DriverPostgres {
		return nil, fmt.Errorf("store: unsupported sql driver %q", cfg.Driver)
	}
	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.Driver == DriverSQLite {
		// One connection keeps :memory: databases shared and serializes writers.
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}
	if cfg.Driver == DriverSQLite {
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure sqlite: %w", err)
		}
	}

	s := &SQLStore{db: db, driver: cfg.Driver, dsn: cfg.DSN}
	if cfg.AutoMigrate {
		if err := s.MigrateUp(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// DB exposes the underlying handle, mainly for tests.
func (s *SQLStore) DB() *sqlx.DB { return s.db }

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }

// ---------------------------------------------------------------------------
// Migrations
// ---------------------------------------------------------------------------

// MigrateUp applies every pending migration.
func (s *SQLStore) MigrateUp(ctx context.Context) error {
	return s.withMigrate(ctx, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate up: %w", err)
		}
		return nil
	})
}

// MigrateDown rolls back every migration.
func (s *SQLStore) MigrateDown(ctx context.Context) error {
	return s.withMigrate(ctx, func(m *migrate.Migrate) error {
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate down: %w", err)
		}
		return nil
	})
}

// MigrationVersion reports the applied schema version.
func (s *SQLStore) MigrationVersion(ctx context.Context) (version uint, dirty bool, err error) {
	err = s.withMigrate(ctx, func(m *migrate.Migrate) error {
		version, dirty, err = m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			err = nil
		}
		return err
	})
	return version, dirty, err
}

func (s *SQLStore) withMigrate(ctx context.Context, fn func(*migrate.Migrate) error) error {
	src, err := iofs.New(migrationsFS, "migrations/"+s.driver)
	if err != nil {
		return fmt.Errorf("migrations source: %w", err)
	}

	var drv database.Driver
	switch s.driver {
	case DriverPostgres:
		// The postgres migrate driver pins a connection and closes its
		// handle, so it gets its own.
		raw, err := sql.Open(DriverPostgres, s.dsn)
		if err != nil {
			return fmt.Errorf("migrations db: %w", err)
		}
		drv, err = postgres.WithInstance(raw, &postgres.Config{})
		if err != nil {
			raw.Close()
			return fmt.Errorf("migrations driver: %w", err)
		}
	case DriverSQLite:
		// sqlite shares the store's single connection; closing the
		// migrate driver would close the store too.
		drv, err = sqlite.WithInstance(s.db.DB, &sqlite.Config{})
		if err != nil {
			return fmt.Errorf("migrations driver: %w", err)
		}
	}

	m, err := migrate.NewWithInstance("iofs", src, s.driver, drv)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	defer func() {
		if s.driver == DriverPostgres {
			m.Close()
			return
		}
		src.Close()
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(m)
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

func (s *SQLStore) InsertEvent(ctx context.Context, ev *event.Event) error {
	row, err := toEventRow(ev)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO events (id, event_type, source_module, payload, site_id, severity, owner_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		row.ID, row.Type, row.SourceModule, row.Payload, row.SiteID, row.Severity, row.OwnerID, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("event %s: %w", ev.ID, ErrAlreadyExists)
	}
	ev.CreatedAt = row.CreatedAt
	return nil
}

func (s *SQLStore) GetEvent(ctx context.Context, id string) (*event.Event, error) {
	var row eventRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+eventColumns+` FROM events WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	return row.toEvent()
}

func (s *SQLStore) ListEvents(ctx context.Context, f EventFilter) ([]*event.Event, error) {
	where := []string{"owner_id = ?"}
	args := []interface{}{f.OwnerID}
	if f.SiteID != "" {
		where = append(where, "site_id = ?")
		args = append(args, f.SiteID)
	}
	if f.TypePrefix != "" {
		where = append(where, "substr(event_type, 1, ?) = ?")
		args = append(args, utf8.RuneCountInString(f.TypePrefix), f.TypePrefix)
	}
	if f.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(f.Severity))
	}
	args = append(args, limitOrDefault(f.Limit), max(f.Offset, 0))

	query := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]*event.Event, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
