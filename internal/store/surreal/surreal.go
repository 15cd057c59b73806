// Package surreal stores rows as SurrealDB documents. It is the remote
// replica the sync driver pushes to, and it can also serve as the active
// store of a terminal that writes straight to the document database.
//
// Document keys are remote ids. Rows written here count as already
// replicated, so they are inserted with synced set.
package surreal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	surrealdb "github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/models"
	"go.uber.org/zap"

	"cafepos/internal/ident"
	"cafepos/internal/store"
)

const (
	docKeyField = "doc_key"

	// DefaultMaxInValues caps membership tests per statement.
	DefaultMaxInValues = 500
)

type Config struct {
	URL         string
	Namespace   string
	Database    string
	Username    string
	Password    string
	MaxInValues int
}

type Store struct {
	db    *surrealdb.DB
	cfg   Config
	log   *zap.Logger
	now   func() time.Time
	newID func() ident.RemoteID
}

type Option func(*Store)

func WithLogger(log *zap.Logger) Option {
	return func(s *Store) { s.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open dials the endpoint, signs in when credentials are set and selects the
// namespace and database.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if cfg.URL == "" {
		return nil, store.Validationf("surreal: url is required")
	}
	if cfg.MaxInValues <= 0 {
		cfg.MaxInValues = DefaultMaxInValues
	}
	db, err := surrealdb.FromEndpointURLString(ctx, cfg.URL)
	if err != nil {
		return nil, classify("connect", "", err)
	}
	if cfg.Username != "" {
		if _, err := db.SignIn(ctx, surrealdb.Auth{Username: cfg.Username, Password: cfg.Password}); err != nil {
			_ = db.Close(ctx)
			return nil, classify("signin", "", err)
		}
	}
	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = db.Close(ctx)
		return nil, classify("use", "", err)
	}

	s := &Store{
		db:    db,
		cfg:   cfg,
		log:   zap.NewNop(),
		now:   func() time.Time { return time.Now().UTC() },
		newID: ident.NewRemote,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close(context.Background())
}

// Ping runs a trivial statement to prove the session is alive.
func (s *Store) Ping(ctx context.Context) error {
	_, err := surrealdb.Query[any](ctx, s.db, "RETURN true", nil)
	return classify("ping", "", err)
}

// InTx runs fn directly. Each document write is atomic on its own; there is
// no cross-statement rollback on this backend.
func (s *Store) InTx(_ context.Context, fn func(tx store.Backend) error) error {
	return fn(s)
}

func (s *Store) Query(ctx context.Context, table string, q store.Query) ([]store.Row, error) {
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

	parts := store.SplitIn(where, s.cfg.MaxInValues)
	c := newCompiler(def.Name)
	stmts := make([]string, 0, len(parts))
	for _, part := range parts {
		sub := store.Query{Where: part, OrderBy: q.OrderBy, Limit: q.Limit}
		stmt, err := c.selectStmt(def, sub)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
	}

	results, err := s.run(ctx, "query", def.Name, strings.Join(stmts, ";\n"), c.vars)
	if err != nil {
		return nil, err
	}

	out := make([]store.Row, 0)
	seen := make(map[ident.RemoteID]bool)
	for _, docs := range results {
		for _, raw := range docs {
			row, err := decodeDoc(def, raw)
			if err != nil {
				return nil, err
			}
			key := row[store.ColID].(ident.RemoteID)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, row)
		}
	}
	if len(results) > 1 {
		store.SortRows(out, q.OrderBy)
		if q.Limit > 0 && len(out) > q.Limit {
			out = out[:q.Limit]
		}
	}
	return out, nil
}

func (s *Store) Insert(ctx context.Context, table string, values store.Row) (ident.ID, error) {
	def, err := store.Table(table)
	if err != nil {
		return nil, err
	}
	if _, ok := values[store.ColID]; ok {
		return nil, store.Validationf("insert %s: id is assigned by the store", table)
	}
	_, explicitSync := values[store.ColSynced]
	row, err := def.PrepareInsert(values, store.NowMillis(s.now()))
	if err != nil {
		return nil, err
	}
	if def.Syncable && !explicitSync {
		row[store.ColSynced] = true
	}

	key := s.newID()
	if remote := row.Text(store.ColRemoteID); remote != "" {
		key = ident.RemoteID(remote)
	}
	delete(row, store.ColRemoteID)

	vars := map[string]any{"tb": def.Name, "key": string(key), "doc": encodeDoc(def, row)}
	if err := s.exec(ctx, "insert", def.Name, "CREATE type::thing($tb, $key) CONTENT $doc RETURN NONE", vars); err != nil {
		return nil, err
	}
	return key, nil
}

func (s *Store) Update(ctx context.Context, table string, values store.Row, where store.Filter) (int64, error) {
	def, err := store.Table(table)
	if err != nil {
		return 0, err
	}
	changes, err := def.PrepareUpdate(values, store.NowMillis(s.now()))
	if err != nil {
		return 0, err
	}
	delete(changes, store.ColRemoteID)
	filter, err := def.NormalizeFilter(where)
	if err != nil {
		return 0, err
	}

	c := newCompiler(def.Name)
	pred, err := c.where(def, filter)
	if err != nil {
		return 0, err
	}
	c.vars["changes"] = encodeDoc(def, changes)
	sql := "UPDATE " + def.Name + " MERGE $changes"
	if pred != "" {
		sql += " WHERE " + pred
	}
	sql += " RETURN id"
	return s.count(ctx, "update", def.Name, sql, c.vars)
}

func (s *Store) Delete(ctx context.Context, table string, where store.Filter) (int64, error) {
	def, err := store.Table(table)
	if err != nil {
		return 0, err
	}
	filter, err := def.NormalizeFilter(where)
	if err != nil {
		return 0, err
	}
	c := newCompiler(def.Name)
	pred, err := c.where(def, filter)
	if err != nil {
		return 0, err
	}
	sql := "DELETE " + def.Name
	if pred != "" {
		sql += " WHERE " + pred
	}
	sql += " RETURN BEFORE"
	return s.count(ctx, "delete", def.Name, sql, c.vars)
}

func (s *Store) count(ctx context.Context, op, table, sql string, vars map[string]any) (int64, error) {
	results, err := s.run(ctx, op, table, sql, vars)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, docs := range results {
		n += int64(len(docs))
	}
	return n, nil
}

// exec sends statements whose results are discarded.
func (s *Store) exec(ctx context.Context, op, table, sql string, vars map[string]any) error {
	res, err := surrealdb.Query[any](ctx, s.db, sql, vars)
	if err != nil {
		return classify(op, table, err)
	}
	for i, r := range *res {
		if r.Status != "OK" {
			return store.Conflict(op, table, fmt.Errorf("statement %d: status %s", i, r.Status))
		}
	}
	return nil
}

// run sends one request and returns the documents of each statement.
func (s *Store) run(ctx context.Context, op, table, sql string, vars map[string]any) ([][]map[string]any, error) {
	res, err := surrealdb.Query[[]map[string]any](ctx, s.db, sql, vars)
	if err != nil {
		return nil, classify(op, table, err)
	}
	out := make([][]map[string]any, 0, len(*res))
	for i, r := range *res {
		if r.Status != "OK" {
			return nil, store.Conflict(op, table, fmt.Errorf("statement %d: status %s", i, r.Status))
		}
		out = append(out, r.Result)
	}
	s.log.Debug("surreal query", zap.String("op", op), zap.String("table", table), zap.Int("statements", len(out)))
	return out, nil
}

func encodeDoc(def *store.TableDef, row store.Row) map[string]any {
	doc := make(map[string]any, len(row))
	for k, v := range row {
		if k == store.ColID {
			continue
		}
		col, _ := def.Column(k)
		doc[k] = encodeValue(col, v)
	}
	return doc
}

func isNone(v any) bool {
	switch v.(type) {
	case nil, models.CustomNil, *models.CustomNil:
		return true
	}
	return false
}

func decodeDoc(def *store.TableDef, raw map[string]any) (store.Row, error) {
	key, ok := raw[docKeyField]
	if !ok || isNone(key) {
		return nil, fmt.Errorf("decode %s: document without key", def.Name)
	}
	row := store.Row{store.ColID: ident.RemoteID(fmt.Sprint(key))}
	for _, col := range def.Columns {
		if col.Name == store.ColID || col.Name == store.ColRemoteID {
			continue
		}
		v, ok := raw[col.Name]
		if !ok || isNone(v) {
			continue
		}
		switch n := v.(type) {
		case uint64:
			v = int64(n)
		case float64:
			if col.Type == store.TypeInt || col.Type == store.TypeID {
				v = int64(n)
			}
		}
		nv, err := store.Normalize(col, v)
		if err != nil {
			return nil, fmt.Errorf("decode %s.%s: %w", def.Name, col.Name, err)
		}
		if nv != nil {
			row[col.Name] = nv
		}
	}
	if def.Syncable {
		row[store.ColRemoteID] = fmt.Sprint(key)
	}
	return row, nil
}

func classify(op, table string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.As(err, &netErr) {
		return store.Transient(op, table, err)
	}
	var rpcErr *connection.RPCError
	if errors.As(err, &rpcErr) {
		return store.Conflict(op, table, err)
	}
	var rpcVal connection.RPCError
	if errors.As(err, &rpcVal) {
		return store.Conflict(op, table, err)
	}
	return fmt.Errorf("surreal %s %s: %w", op, table, err)
}
