package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/leozw/client-counter/internal/config"
	"github.com/leozw/client-counter/internal/core"
)

//go:embed migrations
var migrations embed.FS

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Store is the durable, idempotent observation store. It assumes a single
// writer per organization.
type Store struct {
	db     *sqlx.DB
	driver string
	logger *zap.Logger
	now    func() time.Time
}

// Open connects to the configured database and applies pending migrations.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sqlx.ConnectContext(ctx, cfg.Driver, cfg.URL)
	if err != nil {
		return nil, storageErr("connect", err)
	}

	switch cfg.Driver {
	case DriverSQLite:
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
		for _, pragma := range []string{
			`PRAGMA journal_mode = WAL;`,
			`PRAGMA busy_timeout = 5000;`,
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, storageErr("configure sqlite", err)
			}
		}
	default:
		maxOpen := cfg.MaxConnections
		if maxOpen <= 0 {
			maxOpen = 25
		}
		maxIdle := cfg.MaxIdleConns
		if maxIdle <= 0 {
			maxIdle = 5
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxIdle)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	s := &Store{
		db:     db,
		driver: cfg.Driver,
		logger: logger.With(zap.String("component", "store")),
		now:    time.Now,
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	src, err := iofs.New(migrations, "migrations/"+s.driver)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	var m *migrate.Migrate
	switch s.driver {
	case DriverPostgres:
		driver, err := migratepostgres.WithInstance(s.db.DB, &migratepostgres.Config{})
		if err != nil {
			return storageErr("migrate", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, DriverPostgres, driver)
		if err != nil {
			return storageErr("migrate", err)
		}
	case DriverSQLite:
		driver, err := migratesqlite.WithInstance(s.db.DB, &migratesqlite.Config{})
		if err != nil {
			return storageErr("migrate", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, DriverSQLite, driver)
		if err != nil {
			return storageErr("migrate", err)
		}
	default:
		return fmt.Errorf("unsupported database driver %q", s.driver)
	}

	// m.Close would close the shared *sql.DB, so the instance is left to the GC.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return storageErr("migrate", err)
	}
	version, dirty, err := m.Version()
	if err == nil {
		s.logger.Debug("Schema ready", zap.Uint("version", version), zap.Bool("dirty", dirty))
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

// Driver reports which database backend the store runs on.
func (s *Store) Driver() string {
	return s.driver
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", core.ErrStorageUnavailable, op, err)
}

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}
