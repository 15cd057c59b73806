package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"cafepos/internal/ident"
)

// Backend is the storage contract the application is written against. The
// concrete backend is chosen once at startup; business code never branches
// on which one it got.
type Backend interface {
	Query(ctx context.Context, table string, q Query) ([]Row, error)
	Insert(ctx context.Context, table string, values Row) (ident.ID, error)
	Update(ctx context.Context, table string, values Row, where Filter) (int64, error)
	Delete(ctx context.Context, table string, where Filter) (int64, error)
	// InTx runs fn against a backend bound to one atomic unit of work. Backends
	// without transactions run fn directly.
	InTx(ctx context.Context, fn func(tx Backend) error) error
	Close() error
}

// Row maps column names to canonical values (see Normalize).
type Row map[string]any

func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func (r Row) ID() ident.ID {
	id, _ := r[ColID].(ident.ID)
	return id
}

func (r Row) Int(col string) int64 {
	n, _ := r[col].(int64)
	return n
}

func (r Row) Text(col string) string {
	s, _ := r[col].(string)
	return s
}

func (r Row) Bool(col string) bool {
	b, _ := r[col].(bool)
	return b
}

func (r Row) Decimal(col string) decimal.Decimal {
	d, _ := r[col].(decimal.Decimal)
	return d
}

func (r Row) Ref(col string) ident.ID {
	id, _ := r[col].(ident.ID)
	return id
}

// Aliases lists every identifier the row is known by: its own id plus the
// other backend's key when the row has been replicated.
func (r Row) Aliases() []ident.ID {
	out := make([]ident.ID, 0, 2)
	if id := r.ID(); id != nil {
		out = append(out, id)
	}
	if remote := r.Text(ColRemoteID); remote != "" {
		if id, ok := r.ID().(ident.RemoteID); !ok || string(id) != remote {
			out = append(out, ident.RemoteID(remote))
		}
	}
	if local, ok := r[ColLocalID].(int64); ok {
		if id, isLocal := r.ID().(ident.LocalID); !isLocal || int64(id) != local {
			out = append(out, ident.LocalID(local))
		}
	}
	return out
}

// Matches reports whether id names this row under either identity.
func (r Row) Matches(id ident.ID) bool {
	for _, alias := range r.Aliases() {
		if ident.Equal(alias, id) {
			return true
		}
	}
	return false
}

func IDs(ids []ident.ID) []any {
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		if id != nil {
			out = append(out, id)
		}
	}
	return out
}

func NowMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// Get returns the row with the given id or a NotFound error. There is no
// fallback to another row.
func Get(ctx context.Context, b Backend, table string, id ident.ID) (Row, error) {
	if id == nil {
		return nil, Validationf("%s: missing identifier", table)
	}
	rows, err := b.Query(ctx, table, Query{Where: Eq(ColID, id), Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, NotFound(table, id)
	}
	return rows[0], nil
}

// ResolveAliases maps each requested id to every identifier its row is known
// by. All ids are looked up in one query; an id that matches no row is a
// NotFound error.
func ResolveAliases(ctx context.Context, b Backend, table string, ids []ident.ID) (map[ident.ID][]ident.ID, error) {
	out := make(map[ident.ID][]ident.ID, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := b.Query(ctx, table, Query{Where: In(ColID, IDs(ids)...)})
	if err != nil {
		return nil, err
	}
	byAlias := make(map[ident.ID][]ident.ID, len(rows)*2)
	for _, row := range rows {
		aliases := row.Aliases()
		for _, alias := range aliases {
			byAlias[alias] = aliases
		}
	}
	for _, id := range ids {
		if id == nil {
			return nil, Validationf("%s: missing identifier", table)
		}
		aliases, ok := byAlias[id]
		if !ok {
			return nil, NotFound(table, id)
		}
		out[id] = aliases
	}
	return out, nil
}

func Count(ctx context.Context, b Backend, table string, where Filter) (int, error) {
	rows, err := b.Query(ctx, table, Query{Where: where})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// Document is one row as it is pushed to the replica: keyed by its remote id,
// with references already translated to remote ids.
type Document struct {
	Key    ident.RemoteID
	Fields Row
}
