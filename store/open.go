package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jmcleod/gatehouse/store/migrations"
)

// Options configures Open.
type Options struct {
	// Driver is one of "pgx", "postgres" (lib/pq) or "sqlite".
	Driver       string
	DSN          string
	MaxOpenConns int
	Logger       *slog.Logger
}

// redactDSN returns a copy of the DSN with the password replaced for logging.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return "(unparsed dsn)"
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "****")
		}
	}
	return u.String()
}

type slogWriter struct{ logger *slog.Logger }

func (w slogWriter) Printf(format string, args ...any) {
	w.logger.Warn(fmt.Sprintf(format, args...))
}

func gormConfig(logger *slog.Logger) *gorm.Config {
	if logger == nil {
		logger = slog.Default()
	}
	return &gorm.Config{
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
		Logger: gormlogger.New(slogWriter{logger}, gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	}
}

// Open connects to the configured database and returns a GormStore.
func Open(ctx context.Context, opts Options) (*GormStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	var (
		dialector gorm.Dialector
		sqlDB     *sql.DB
		err       error
	)
	switch opts.Driver {
	case "pgx", "postgres":
		// "pgx" is registered by pgx/v5/stdlib, "postgres" by lib/pq.
		sqlDB, err = sql.Open(opts.Driver, opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("opening %s connection: %w", opts.Driver, err)
		}
		dialector = postgres.New(postgres.Config{Conn: sqlDB})
		logger.Info("connecting to postgres", "driver", opts.Driver, "dsn", redactDSN(opts.DSN))
	case "sqlite":
		dialector = sqlite.Open(opts.DSN)
		logger.Info("opening sqlite database", "dsn", opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}

	db, err := gorm.Open(dialector, gormConfig(logger))
	if err != nil {
		if sqlDB != nil {
			sqlDB.Close()
		}
		return nil, fmt.Errorf("opening gorm: %w", err)
	}
	if sqlDB, err = db.DB(); err != nil {
		return nil, fmt.Errorf("getting database handle: %w", err)
	}

	if opts.Driver == "sqlite" {
		// SQLite allows a single writer; serialise through one connection.
		sqlDB.SetMaxOpenConns(1)
	} else {
		maxOpen := opts.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 10
		}
		sqlDB.SetMaxOpenConns(maxOpen)
		sqlDB.SetMaxIdleConns(maxOpen / 2)
		sqlDB.SetConnMaxLifetime(time.Hour)
		sqlDB.SetConnMaxIdleTime(10 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &GormStore{db: db, driver: opts.Driver, logger: logger}, nil
}

// goose keeps its dialect and filesystem in package globals.
var gooseMu sync.Mutex

func gooseDialect(driver string) string {
	if driver == "sqlite" {
		return "sqlite3"
	}
	return "postgres"
}

func withGoose(driver string, fn func() error) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(migrations.FS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect(gooseDialect(driver)); err != nil {
		return err
	}
	return fn()
}

// Migrate applies every pending migration.
func (s *GormStore) Migrate(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	err = withGoose(s.driver, func() error {
		return goose.UpContext(ctx, sqlDB, ".")
	})
	if err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	s.logger.Info("migrations applied")
	return nil
}

// MigrateDown rolls back the most recent migration.
func (s *GormStore) MigrateDown(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return withGoose(s.driver, func() error {
		return goose.DownContext(ctx, sqlDB, ".")
	})
}

// MigrationVersion returns the current schema version.
func (s *GormStore) MigrationVersion(ctx context.Context) (int64, error) {
	sqlDB, err := s.db.DB()
	if err != nil {
		return 0, err
	}
	var version int64
	err = withGoose(s.driver, func() error {
		var err error
		version, err = goose.GetDBVersionContext(ctx, sqlDB)
		return err
	})
	return version, err
}
