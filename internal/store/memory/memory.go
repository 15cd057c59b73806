// Package memory is an in-process Backend. It mirrors the relational store:
// rows get sequential integer ids and keep their replica key in remote_id.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"cafepos/internal/ident"
	"cafepos/internal/store"
)

type table struct {
	rows   []store.Row
	nextID int64
}

type Store struct {
	mu     sync.RWMutex
	tables map[string]*table
	now    func() time.Time
}

type Option func(*Store)

// WithClock overrides the timestamp source used for created_at/updated_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		tables: make(map[string]*table),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, def := range store.Tables() {
		s.tables[def.Name] = &table{nextID: 1}
	}
	return s
}

func (s *Store) Query(ctx context.Context, name string, q store.Query) ([]store.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (*view)(s).Query(ctx, name, q)
}

func (s *Store) Insert(ctx context.Context, name string, values store.Row) (ident.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (*view)(s).Insert(ctx, name, values)
}

func (s *Store) Update(ctx context.Context, name string, values store.Row, where store.Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (*view)(s).Update(ctx, name, values, where)
}

func (s *Store) Delete(ctx context.Context, name string, where store.Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (*view)(s).Delete(ctx, name, where)
}

// InTx holds the write lock for the whole unit of work and restores a
// snapshot if fn fails.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Backend) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.snapshot()
	if err := fn((*view)(s)); err != nil {
		s.tables = snapshot
		return err
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) snapshot() map[string]*table {
	out := make(map[string]*table, len(s.tables))
	for name, t := range s.tables {
		rows := make([]store.Row, len(t.rows))
		for i, r := range t.rows {
			rows[i] = r.Clone()
		}
		out[name] = &table{rows: rows, nextID: t.nextID}
	}
	return out
}

// view runs operations without taking the lock; the caller already holds it.
type view Store

func (v *view) table(name string) (*store.TableDef, *table, error) {
	def, err := store.Table(name)
	if err != nil {
		return nil, nil, err
	}
	return def, v.tables[name], nil
}

func (v *view) Query(ctx context.Context, name string, q store.Query) ([]store.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.Transient("query", name, err)
	}
	def, t, err := v.table(name)
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

	out := make([]store.Row, 0)
	for _, row := range t.rows {
		if store.Match(row, where) {
			out = append(out, row.Clone())
		}
	}
	store.SortRows(out, q.OrderBy)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (v *view) Insert(ctx context.Context, name string, values store.Row) (ident.ID, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.Transient("insert", name, err)
	}
	def, t, err := v.table(name)
	if err != nil {
		return nil, err
	}
	if _, ok := values[store.ColID]; ok {
		return nil, store.Validationf("insert %s: id is assigned by the store", name)
	}
	row, err := def.PrepareInsert(values, store.NowMillis(v.now()))
	if err != nil {
		return nil, err
	}
	if err := v.checkUnique(t, row, -1); err != nil {
		return nil, store.Conflict("insert", name, err)
	}
	id := ident.LocalID(t.nextID)
	t.nextID++
	row[store.ColID] = id
	t.rows = append(t.rows, row)
	return id, nil
}

func (v *view) Update(ctx context.Context, name string, values store.Row, where store.Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, store.Transient("update", name, err)
	}
	def, t, err := v.table(name)
	if err != nil {
		return 0, err
	}
	changes, err := def.PrepareUpdate(values, store.NowMillis(v.now()))
	if err != nil {
		return 0, err
	}
	filter, err := def.NormalizeFilter(where)
	if err != nil {
		return 0, err
	}

	var affected int64
	for i, row := range t.rows {
		if !store.Match(row, filter) {
			continue
		}
		next := row.Clone()
		for k, val := range changes {
			next[k] = val
		}
		if err := v.checkUnique(t, next, i); err != nil {
			return affected, store.Conflict("update", name, err)
		}
		t.rows[i] = next
		affected++
	}
	return affected, nil
}

func (v *view) Delete(ctx context.Context, name string, where store.Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, store.Transient("delete", name, err)
	}
	def, t, err := v.table(name)
	if err != nil {
		return 0, err
	}
	filter, err := def.NormalizeFilter(where)
	if err != nil {
		return 0, err
	}
	before := len(t.rows)
	t.rows = slices.DeleteFunc(t.rows, func(row store.Row) bool {
		return store.Match(row, filter)
	})
	return int64(before - len(t.rows)), nil
}

func (v *view) InTx(_ context.Context, fn func(tx store.Backend) error) error {
	return fn(v)
}

func (v *view) Close() error {
	return nil
}

// checkUnique enforces the unique remote_id constraint the SQL schema has.
func (v *view) checkUnique(t *table, row store.Row, skip int) error {
	remote := row.Text(store.ColRemoteID)
	if remote == "" {
		return nil
	}
	for i, other := range t.rows {
		if i != skip && other.Text(store.ColRemoteID) == remote {
			return fmt.Errorf("remote_id %s already used", remote)
		}
	}
	return nil
}
