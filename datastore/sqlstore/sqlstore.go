// Package sqlstore is a database/sql backed datastore.MutableStore. Records are stored as JSON
// documents keyed by the string form of their primary key.
//
// Postgres is reachable through either "postgres" (lib/pq) or "pgx" (jackc/pgx). "ramsql" is an
// in-process SQL engine for tests and local runs.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/proullon/ramsql/driver"

	"github.com/smartcontractkit/multisig-factory/datastore"
	"github.com/smartcontractkit/multisig-factory/pkg/logger"
)

const (
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
	DriverRamSQL   = "ramsql"
)

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

const (
	schemaRecords = `
		CREATE TABLE IF NOT EXISTS %s (
			record_key   varchar(255) not null,
			record       text not null,
			updated_at   bigint not null,

			PRIMARY KEY(record_key)
		);`

	queryRecordByKey = `SELECT record FROM %s WHERE record_key = $1`
	queryAllRecords  = `SELECT record FROM %s ORDER BY record_key`
	queryAddRecord   = `INSERT INTO %s (record_key, record, updated_at) VALUES ($1, $2, $3)`
	queryUpdate      = `UPDATE %s SET record = $2, updated_at = $3 WHERE record_key = $1`
	queryDelete      = `DELETE FROM %s WHERE record_key = $1`
)

// Config selects the database backing a Store.
type Config struct {
	// Driver is DriverPostgres, DriverPgx or DriverRamSQL.
	Driver string `mapstructure:"driver" yaml:"driver"`
	// DSN is the data source name passed to the driver. For ramsql it names the in-process
	// database; stores opened with the same name share data.
	DSN string `mapstructure:"dsn" yaml:"dsn"`
	// Table is the table holding the records.
	Table string `mapstructure:"table" yaml:"table"`
}

// Validate checks that the Config can be opened.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverPostgres, DriverPgx, DriverRamSQL:
	default:
		return fmt.Errorf("unsupported datastore driver %q", c.Driver)
	}
	if c.DSN == "" {
		return errors.New("datastore dsn is required")
	}
	if !tableName.MatchString(c.Table) {
		return fmt.Errorf("invalid datastore table %q", c.Table)
	}

	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, q string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, q string, args ...any) (sql.Result, error)
}

// Store is a MutableStore persisting records of type R in a SQL table.
type Store[K datastore.Key, R datastore.UniqueRecord[K, R]] struct {
	db    *sql.DB
	table string
	lggr  logger.Logger
	// serializes read-modify-write sequences issued by this process
	mu sync.Mutex
}

// Open opens the database described by cfg and creates the record table if needed.
func Open[K datastore.Key, R datastore.UniqueRecord[K, R]](
	ctx context.Context, cfg Config, lggr logger.Logger,
) (*Store[K, R], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s datastore: %w", cfg.Driver, err)
	}

	s := New[K, R](db, cfg.Table, lggr)
	if err = s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// New wraps an open database. Call Migrate before use unless the table already exists.
func New[K datastore.Key, R datastore.UniqueRecord[K, R]](db *sql.DB, table string, lggr logger.Logger) *Store[K, R] {
	return &Store[K, R]{
		db:    db,
		table: table,
		lggr:  lggr.Named("sqlstore").With("table", table),
	}
}

// Migrate creates the record table if it does not exist.
func (s *Store[K, R]) Migrate(ctx context.Context) error {
	if _, err := s.exec(ctx, s.db, schemaRecords); err != nil {
		return fmt.Errorf("create %s schema: %w", s.table, err)
	}

	return nil
}

// Close closes the database.
func (s *Store[K, R]) Close() error {
	return s.db.Close()
}

// Get returns the record with the given key.
func (s *Store[K, R]) Get(ctx context.Context, key K) (R, error) {
	var zero R
	records, err := s.query(ctx, s.db, queryRecordByKey, key.String())
	if err != nil {
		return zero, err
	}

	switch len(records) {
	case 0:
		return zero, fmt.Errorf("%s: %w", key, datastore.ErrRecordNotFound)
	case 1:
		return records[0], nil
	default:
		return zero, fmt.Errorf("expected a single row for %s, got %d", key, len(records))
	}
}

// Fetch returns every record ordered by key.
func (s *Store[K, R]) Fetch(ctx context.Context) ([]R, error) {
	return s.query(ctx, s.db, queryAllRecords)
}

// Filter returns the records passing every filter.
func (s *Store[K, R]) Filter(ctx context.Context, filters ...datastore.FilterFunc[K, R]) ([]R, error) {
	records, err := s.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	return datastore.ApplyFilters(records, filters...), nil
}

// Add inserts a new record.
func (s *Store[K, R]) Add(ctx context.Context, record R) error {
	return s.write(ctx, record, func(ctx context.Context, tx querier, exists bool, doc string) error {
		if exists {
			return fmt.Errorf("%s: %w", record.Key(), datastore.ErrRecordExists)
		}
		_, err := s.exec(ctx, tx, queryAddRecord, record.Key().String(), doc, time.Now().UnixNano())

		return err
	})
}

// Upsert inserts or replaces a record.
func (s *Store[K, R]) Upsert(ctx context.Context, record R) error {
	return s.write(ctx, record, func(ctx context.Context, tx querier, exists bool, doc string) error {
		q := queryAddRecord
		if exists {
			q = queryUpdate
		}
		_, err := s.exec(ctx, tx, q, record.Key().String(), doc, time.Now().UnixNano())

		return err
	})
}

// Update replaces an existing record.
func (s *Store[K, R]) Update(ctx context.Context, record R) error {
	return s.write(ctx, record, func(ctx context.Context, tx querier, exists bool, doc string) error {
		if !exists {
			return fmt.Errorf("%s: %w", record.Key(), datastore.ErrRecordNotFound)
		}
		_, err := s.exec(ctx, tx, queryUpdate, record.Key().String(), doc, time.Now().UnixNano())

		return err
	})
}

// Delete removes a record.
func (s *Store[K, R]) Delete(ctx context.Context, key K) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx querier) error {
		records, err := s.query(ctx, tx, queryRecordByKey, key.String())
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return fmt.Errorf("%s: %w", key, datastore.ErrRecordNotFound)
		}
		_, err = s.exec(ctx, tx, queryDelete, key.String())

		return err
	})
}

func (s *Store[K, R]) write(
	ctx context.Context, record R, fn func(ctx context.Context, tx querier, exists bool, doc string) error,
) error {
	doc, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", record.Key(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx querier) error {
		existing, err := s.query(ctx, tx, queryRecordByKey, record.Key().String())
		if err != nil {
			return err
		}

		return fn(ctx, tx, len(existing) > 0, string(doc))
	})
}

func (s *Store[K, R]) withTx(ctx context.Context, fn func(tx querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.lggr.Errorw("Failed to roll back transaction", "error", rbErr)
		}

		return err
	}

	return tx.Commit()
}

func (s *Store[K, R]) query(ctx context.Context, q querier, stmt string, args ...any) ([]R, error) {
	stmt = fmt.Sprintf(stmt, s.table)
	s.lggr.Debugw("Executing query", "query", stmt, "args", args)

	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []R
	for rows.Next() {
		var doc string
		if err = rows.Scan(&doc); err != nil {
			return nil, err
		}
		var record R
		if err = json.Unmarshal([]byte(doc), &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record JSON: %w", err)
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

func (s *Store[K, R]) exec(ctx context.Context, q querier, stmt string, args ...any) (sql.Result, error) {
	stmt = fmt.Sprintf(stmt, s.table)
	s.lggr.Debugw("Executing statement", "statement", stmt, "args", args)

	return q.ExecContext(ctx, stmt, args...)
}
