package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect identifies the SQL flavour spoken by the underlying driver
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ErrStatusConflict is returned when a status transition finds the row in an unexpected state
var ErrStatusConflict = errors.New("email status changed concurrently")

type DB struct {
	*sql.DB
	dialect Dialect
}

// Open opens a SQLite database at dbPath and initializes the schema
func Open(dbPath string) (*DB, error) {
	return OpenDriver(DialectSQLite, dbPath)
}

// OpenDriver opens a database for the given dialect. For SQLite dsn is a file path
// (or ":memory:"), for Postgres it is a lib/pq connection string.
func OpenDriver(dialect Dialect, dsn string) (*DB, error) {
	var (
		sqlDB *sql.DB
		err   error
	)

	switch dialect {
	case DialectSQLite, "":
		dialect = DialectSQLite
		if dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		// _time_format=sqlite makes the driver write and parse timestamps in one sortable layout
		sqlDB, err = sql.Open("sqlite", dsn+"?_time_format=sqlite&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		sqlDB.SetMaxOpenConns(1) // SQLite works best with single connection
		sqlDB.SetMaxIdleConns(1)
	case DialectPostgres:
		sqlDB, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", dialect)
	}

	db := &DB{DB: sqlDB, dialect: dialect}

	if err := db.initSchema(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Dialect reports which SQL dialect this handle speaks
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// initSchema creates all tables and indexes
func (db *DB) initSchema() error {
	ddl := sqliteSchema
	if db.dialect == DialectPostgres {
		ddl = postgresSchema
	}
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

// Tx is a transaction that rebinds placeholders the same way DB does
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

// InTx runs fn inside a transaction, committing when fn returns nil.
// fn must only use tx; with SQLite the pool holds a single connection.
func (db *DB) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&Tx{tx: sqlTx, dialect: db.dialect}); err != nil {
		sqlTx.Rollback()
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn binds a querier to a dialect. Every query in this package is written with
// '?' placeholders and goes through conn so Postgres receives $n.
type conn struct {
	q       querier
	dialect Dialect
}

func (db *DB) conn() conn { return conn{q: db.DB, dialect: db.dialect} }
func (tx *Tx) conn() conn { return conn{q: tx.tx, dialect: tx.dialect} }

func (c conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, rebind(c.dialect, query), args...)
}

func (c conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, rebind(c.dialect, query), args...)
}

func (c conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, rebind(c.dialect, query), args...)
}

// insertReturningID runs an INSERT ... RETURNING id statement
func (c conn) insertReturningID(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	if err := c.queryRow(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// rebind rewrites '?' placeholders into '$n' for Postgres, leaving quoted literals alone
func rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	inQuote := false
	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// escapeLike escapes LIKE wildcards so user text matches literally (used with ESCAPE '\')
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// containsPattern builds a lower-cased '%text%' LIKE pattern
func containsPattern(s string) string {
	return "%" + escapeLike(strings.ToLower(s)) + "%"
}
