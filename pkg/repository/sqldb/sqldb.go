// Package sqldb implements the repository interfaces over database/sql for
// PostgreSQL and SQLite.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"digitalvault/pkg/repository"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// PoolConfig sizes the connection pool. Zero values keep the defaults.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DB implements the Database interface
type DB struct {
	db   *sqlx.DB
	pool PoolConfig
}

func NewDB(pool PoolConfig) *DB {
	return &DB{pool: pool}
}

// Connect opens and pings the database
func (d *DB) Connect(ctx context.Context, driver, dsn string) error {
	if driver != DriverPostgres && driver != DriverSQLite {
		return fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", driver, err)
	}

	maxOpen, maxIdle := 25, 5
	if driver == DriverSQLite {
		// SQLite serialises writers; one connection avoids SQLITE_BUSY.
		maxOpen, maxIdle = 1, 1
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return fmt.Errorf("failed to configure sqlite: %w", err)
		}
	}
	if d.pool.MaxOpenConns > 0 && driver != DriverSQLite {
		maxOpen = d.pool.MaxOpenConns
	}
	if d.pool.MaxIdleConns > 0 && driver != DriverSQLite {
		maxIdle = d.pool.MaxIdleConns
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	if d.pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(d.pool.ConnMaxLifetime)
	}

	d.db = db
	return nil
}

// Close closes the database connection
func (d *DB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// Ping checks if the database connection is alive
func (d *DB) Ping(ctx context.Context) error {
	if d.db == nil {
		return fmt.Errorf("database not connected")
	}
	return d.db.PingContext(ctx)
}

// Migrate creates the schema if it does not exist. The DDL is portable
// between PostgreSQL and SQLite.
func (d *DB) Migrate(ctx context.Context) error {
	if d.db == nil {
		return fmt.Errorf("database not connected")
	}
	for _, stmt := range schema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS capsules (
		id                  TEXT PRIMARY KEY,
		owner               TEXT NOT NULL,
		title               TEXT NOT NULL,
		description         TEXT NOT NULL DEFAULT '',
		classification      INTEGER NOT NULL,
		content_pointer     TEXT NOT NULL,
		wrapped_content_key TEXT NOT NULL,
		unlock_at           BIGINT NOT NULL,
		geo_latitude        BIGINT,
		geo_longitude       BIGINT,
		geo_radius_meters   BIGINT,
		receipt             TEXT NOT NULL,
		created_at          BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_capsules_owner ON capsules (owner, created_at)`,
}

// BeginTx starts a new transaction
func (d *DB) BeginTx(ctx context.Context) (repository.Transaction, error) {
	tx, err := d.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &Tx{
		tx:      tx,
		capsule: NewCapsuleRepository(tx),
	}, nil
}

// SQLX returns the underlying sqlx.DB instance
func (d *DB) SQLX() *sqlx.DB {
	return d.db
}

// Tx implements the Transaction interface
type Tx struct {
	tx      *sqlx.Tx
	capsule *CapsuleRepository
}

func (t *Tx) Commit() error {
	return t.tx.Commit()
}

func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

func (t *Tx) CapsuleRepository() repository.CapsuleRepository {
	return t.capsule
}

// NewRepository connects, migrates and returns a repository
func NewRepository(ctx context.Context, driver, dsn string, pool PoolConfig) (*repository.Repository, error) {
	db := NewDB(pool)

	if err := db.Connect(ctx, driver, dsn); err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	repo := repository.NewRepository(db)
	repo.Capsule = NewCapsuleRepository(db.SQLX())
	return repo, nil
}
