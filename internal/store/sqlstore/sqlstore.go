// Package sqlstore is the relational primary store. It runs on an embedded
// SQLite file on a terminal or on PostgreSQL when several terminals share one
// database.
package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"cafepos/internal/ident"
	"cafepos/internal/store"
)

type Dialect string

// maxInValues caps the values bound for one membership test. Larger sets are
// queried in parts, which keeps every statement under SQLite's host
// parameter limit.
const maxInValues = 500

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

func (d Dialect) driverName() string {
	if d == Postgres {
		return "pgx"
	}
	return "sqlite3"
}

type Store struct {
	db      *sqlx.DB
	dialect Dialect
	log     *zap.Logger
	now     func() time.Time
}

type Option func(*Store)

func WithLogger(log *zap.Logger) Option {
	return func(s *Store) { s.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open connects, applies connection settings and runs pending migrations.
func Open(ctx context.Context, dialect Dialect, dsn string, opts ...Option) (*Store, error) {
	if dialect != SQLite && dialect != Postgres {
		return nil, fmt.Errorf("unknown sql dialect %q", dialect)
	}
	db, err := sqlx.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:      db,
		dialect: dialect,
		log:     zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	switch dialect {
	case SQLite:
		// One connection serializes writers; WAL keeps readers off the writer's
		// lock.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA busy_timeout = 5000",
			"PRAGMA foreign_keys = OFF",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	case Postgres:
		db.SetMaxOpenConns(12)
		db.SetMaxIdleConns(4)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Dialect() Dialect {
	return s.dialect
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Query(ctx context.Context, table string, q store.Query) ([]store.Row, error) {
	return s.runner(s.db).Query(ctx, table, q)
}

func (s *Store) Insert(ctx context.Context, table string, values store.Row) (ident.ID, error) {
	return s.runner(s.db).Insert(ctx, table, values)
}

func (s *Store) Update(ctx context.Context, table string, values store.Row, where store.Filter) (int64, error) {
	return s.runner(s.db).Update(ctx, table, values, where)
}

func (s *Store) Delete(ctx context.Context, table string, where store.Filter) (int64, error) {
	return s.runner(s.db).Delete(ctx, table, where)
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Backend) error) error {
	opts := &sql.TxOptions{}
	if s.dialect == Postgres {
		opts.Isolation = sql.LevelSerializable
	}
	tx, err := s.db.BeginTxx(ctx, opts)
	if err != nil {
		return classify("begin", "", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(s.runner(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify("commit", "", err)
	}
	return nil
}

func (s *Store) runner(ext sqlx.ExtContext) *runner {
	return &runner{s: s, ext: ext}
}

// runner executes against either the pool or an open transaction.
type runner struct {
	s   *Store
	ext sqlx.ExtContext
}

func (r *runner) prepare(st statement) (statement, error) {
	return st.expand(sqlx.BindType(r.ext.DriverName()))
}

func (r *runner) Query(ctx context.Context, table string, q store.Query) ([]store.Row, error) {
	def, err := store.Table(table)
	if err != nil {
		return nil, err
	}
	where, err := def.NormalizeFilter(q.Where)
	if err != nil {
		return nil, err
	}
	if err := def.ValidateOrder(q.OrderBy); err != nil {
		return nil, err
	}
	q.Where = where

	parts := store.SplitIn(where, maxInValues)
	if len(parts) == 1 {
		return r.query(ctx, def, q)
	}

	out := make([]store.Row, 0)
	seen := make(map[ident.ID]bool)
	for _, part := range parts {
		rows, err := r.query(ctx, def, store.Query{Where: part, OrderBy: q.OrderBy, Limit: q.Limit})
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if seen[row.ID()] {
				continue
			}
			seen[row.ID()] = true
			out = append(out, row)
		}
	}
	store.SortRows(out, q.OrderBy)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (r *runner) query(ctx context.Context, def *store.TableDef, q store.Query) ([]store.Row, error) {
	table := def.Name
	st, err := compileSelect(def, q)
	if err != nil {
		return nil, err
	}
	if st, err = r.prepare(st); err != nil {
		return nil, err
	}

	rows, err := r.ext.QueryxContext(ctx, st.SQL, st.Args...)
	if err != nil {
		return nil, classify("query", table, err)
	}
	defer rows.Close()

	out := make([]store.Row, 0)
	for rows.Next() {
		raw := make(map[string]any)
		if err := rows.MapScan(raw); err != nil {
			return nil, classify("scan", table, err)
		}
		row, err := def.NormalizeRow(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("query", table, err)
	}
	return out, nil
}

func (r *runner) Insert(ctx context.Context, table string, values store.Row) (ident.ID, error) {
	def, err := store.Table(table)
	if err != nil {
		return nil, err
	}
	row, err := def.PrepareInsert(values, store.NowMillis(r.s.now()))
	if err != nil {
		return nil, err
	}
	st, err := compileInsert(def, row)
	if err != nil {
		return nil, err
	}
	if st, err = r.prepare(st); err != nil {
		return nil, err
	}

	var id int64
	if err := r.ext.QueryRowxContext(ctx, st.SQL, st.Args...).Scan(&id); err != nil {
		return nil, classify("insert", table, err)
	}
	return ident.LocalID(id), nil
}

func (r *runner) Update(ctx context.Context, table string, values store.Row, where store.Filter) (int64, error) {
	def, err := store.Table(table)
	if err != nil {
		return 0, err
	}
	changes, err := def.PrepareUpdate(values, store.NowMillis(r.s.now()))
	if err != nil {
		return 0, err
	}
	filter, err := def.NormalizeFilter(where)
	if err != nil {
		return 0, err
	}
	st, err := compileUpdate(def, changes, filter)
	if err != nil {
		return 0, err
	}
	return r.exec(ctx, "update", table, st)
}

func (r *runner) Delete(ctx context.Context, table string, where store.Filter) (int64, error) {
	def, err := store.Table(table)
	if err != nil {
		return 0, err
	}
	filter, err := def.NormalizeFilter(where)
	if err != nil {
		return 0, err
	}
	st, err := compileDelete(def, filter)
	if err != nil {
		return 0, err
	}
	return r.exec(ctx, "delete", table, st)
}

func (r *runner) exec(ctx context.Context, op string, table string, st statement) (int64, error) {
	st, err := r.prepare(st)
	if err != nil {
		return 0, err
	}
	res, err := r.ext.ExecContext(ctx, st.SQL, st.Args...)
	if err != nil {
		return 0, classify(op, table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(op, table, err)
	}
	return n, nil
}

// InTx inside a transaction joins it.
func (r *runner) InTx(_ context.Context, fn func(tx store.Backend) error) error {
	return fn(r)
}

func (r *runner) Close() error {
	return nil
}

func classify(op string, table string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &store.Error{Kind: store.KindNotFound, Op: op, Table: table, Err: err}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23503", "23514":
			return store.Conflict(op, table, err)
		case "40001", "40P01", "57P01", "08006", "08001":
			return store.Transient(op, table, err)
		}
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code {
		case sqlite3.ErrConstraint:
			return store.Conflict(op, table, err)
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return store.Transient(op, table, err)
		}
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return store.Transient(op, table, err)
	}
	return fmt.Errorf("%s %s: %w", op, table, err)
}
