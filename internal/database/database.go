package database

import (
	"context"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
	"scriptrunner/internal/config"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// New connects to the database selected by the configuration. Queries in this module are written
// with `?` placeholders and rebound through sqlx for the active driver.
func New(conf *config.SRConfig) (*sqlx.DB, error) {
	switch conf.Database.Driver {
	case DriverSQLite:
		return OpenSQLite(conf.Database.Path)
	case DriverPostgres, "":
		db, err := sqlx.Connect("pgx", conf.GetDatabaseURL())
		if err != nil {
			return nil, err
		}
		if conf.Database.MaxOpenConns > 0 {
			db.SetMaxOpenConns(conf.Database.MaxOpenConns)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", conf.Database.Driver)
	}
}

// OpenSQLite opens (creating if needed) a SQLite database file. Writers from several processes
// share the file through WAL mode and a busy timeout.
func OpenSQLite(path string) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite", path)
	db, err := sqlx.Connect(DriverSQLite, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// IsSQLite reports whether the handle talks to SQLite
func IsSQLite(db *sqlx.DB) bool {
	return db.DriverName() == DriverSQLite
}

// Migrate creates the schema when it does not exist yet
func Migrate(ctx context.Context, db *sqlx.DB) error {
	statements := postgresSchema
	if IsSQLite(db) {
		statements = sqliteSchema
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("could not apply schema: %w", err)
		}
	}
	return nil
}

var postgresSchema = []string{
	`
CREATE TABLE IF NOT EXISTS executions
(
    id               BIGSERIAL PRIMARY KEY,
    owner            TEXT        NOT NULL,
    script_path      TEXT        NOT NULL,
    status           TEXT        NOT NULL DEFAULT 'UPLOADED'
        CHECK (status IN ('UPLOADED', 'RUNNING', 'COMPLETED', 'FAILED', 'CANCELLED')),
    logs             TEXT        NOT NULL DEFAULT '',
    error_message    TEXT,
    exit_code        INTEGER,
    started_at       TIMESTAMPTZ,
    completed_at     TIMESTAMPTZ,
    execution_handle TEXT,
    worker_id        TEXT,
    heartbeat_at     TIMESTAMPTZ,
    progress         TEXT,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT completed_only_when_terminal
        CHECK ((status IN ('COMPLETED', 'FAILED', 'CANCELLED')) = (completed_at IS NOT NULL))
)`,
	`CREATE INDEX IF NOT EXISTS executions_status_idx ON executions (status)`,
	`CREATE INDEX IF NOT EXISTS executions_owner_status_idx ON executions (owner, status)`,
}

var sqliteSchema = []string{
	`
CREATE TABLE IF NOT EXISTS executions
(
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    owner            TEXT      NOT NULL,
    script_path      TEXT      NOT NULL,
    status           TEXT      NOT NULL DEFAULT 'UPLOADED'
        CHECK (status IN ('UPLOADED', 'RUNNING', 'COMPLETED', 'FAILED', 'CANCELLED')),
    logs             TEXT      NOT NULL DEFAULT '',
    error_message    TEXT,
    exit_code        INTEGER,
    started_at       TIMESTAMP,
    completed_at     TIMESTAMP,
    execution_handle TEXT,
    worker_id        TEXT,
    heartbeat_at     TIMESTAMP,
    progress         TEXT,
    created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    CONSTRAINT completed_only_when_terminal
        CHECK ((status IN ('COMPLETED', 'FAILED', 'CANCELLED')) = (completed_at IS NOT NULL))
)`,
	`CREATE INDEX IF NOT EXISTS executions_status_idx ON executions (status)`,
	`CREATE INDEX IF NOT EXISTS executions_owner_status_idx ON executions (owner, status)`,
}
