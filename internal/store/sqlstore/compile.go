package sqlstore

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"cafepos/internal/ident"
	"cafepos/internal/store"
)

// statement is a compiled query with '?' placeholders. IN lists are carried
// as slice arguments and expanded by sqlx.In before rebinding.
type statement struct {
	SQL  string
	Args []any
}

func (s statement) expand(bindType int) (statement, error) {
	query, args, err := sqlx.In(s.SQL, s.Args...)
	if err != nil {
		return statement{}, err
	}
	return statement{SQL: sqlx.Rebind(bindType, query), Args: args}, nil
}

func quote(name string) string {
	return `"` + name + `"`
}

// physical maps a logical column to its relational column. The relational
// store's own key is the local id.
func physical(column string) string {
	if column == store.ColLocalID {
		return store.ColID
	}
	return column
}

// columns lists the relational columns of a table in declaration order.
func columns(def *store.TableDef) []store.Column {
	out := make([]store.Column, 0, len(def.Columns))
	for _, c := range def.Columns {
		if c.Name == store.ColLocalID {
			continue
		}
		out = append(out, c)
	}
	return out
}

func encode(c store.Column, v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	case decimal.Decimal:
		return x.String()
	case ident.LocalID:
		if c.Type == store.TypeID || c.Name == store.ColLocalID {
			return int64(x)
		}
		return x.String()
	case ident.RemoteID:
		return string(x)
	}
	return v
}

type whereCompiler struct {
	def  *store.TableDef
	args []any
}

// compileWhere turns a normalized filter into a SQL predicate. An empty
// result means no predicate.
func compileWhere(def *store.TableDef, f store.Filter) (string, []any, error) {
	c := &whereCompiler{def: def}
	sql, err := c.compile(f)
	if err != nil {
		return "", nil, err
	}
	return sql, c.args, nil
}

func (c *whereCompiler) compile(f store.Filter) (string, error) {
	switch v := f.(type) {
	case nil:
		return "", nil
	case store.All:
		parts := make([]string, 0, len(v))
		for _, child := range v {
			part, err := c.compile(child)
			if err != nil {
				return "", err
			}
			if part != "" {
				parts = append(parts, part)
			}
		}
		switch len(parts) {
		case 0:
			return "", nil
		case 1:
			return parts[0], nil
		}
		return "(" + strings.Join(parts, " AND ") + ")", nil
	case store.Null:
		return quote(physical(v.Column)) + " IS NULL", nil
	case store.Cmp:
		col, _ := c.def.Column(v.Column)
		if col.Type == store.TypeID {
			return c.compileID(v)
		}
		c.args = append(c.args, encode(col, v.Value))
		return fmt.Sprintf("%s %s ?", quote(physical(v.Column)), v.Op), nil
	case store.InSet:
		if len(v.Values) == 0 {
			return "1 = 0", nil
		}
		col, _ := c.def.Column(v.Column)
		if col.Type == store.TypeID {
			return c.compileIDSet(v.Values)
		}
		vals := make([]any, 0, len(v.Values))
		for _, raw := range v.Values {
			vals = append(vals, encode(col, raw))
		}
		c.args = append(c.args, vals)
		return quote(physical(v.Column)) + " IN (?)", nil
	}
	return "", store.Validationf("unsupported filter %T", f)
}

func (c *whereCompiler) compileID(v store.Cmp) (string, error) {
	switch id := v.Value.(type) {
	case ident.LocalID:
		c.args = append(c.args, int64(id))
		return quote(store.ColID) + " = ?", nil
	case ident.RemoteID:
		c.args = append(c.args, string(id))
		return quote(store.ColRemoteID) + " = ?", nil
	}
	return "", store.Validationf("filter on id: unexpected %T", v.Value)
}

func (c *whereCompiler) compileIDSet(values []any) (string, error) {
	var locals, remotes []any
	for _, raw := range values {
		switch id := raw.(type) {
		case ident.LocalID:
			locals = append(locals, int64(id))
		case ident.RemoteID:
			remotes = append(remotes, string(id))
		default:
			return "", store.Validationf("filter on id: unexpected %T", raw)
		}
	}
	var parts []string
	if len(locals) > 0 {
		c.args = append(c.args, locals)
		parts = append(parts, quote(store.ColID)+" IN (?)")
	}
	if len(remotes) > 0 {
		c.args = append(c.args, remotes)
		parts = append(parts, quote(store.ColRemoteID)+" IN (?)")
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return "(" + strings.Join(parts, " OR ") + ")", nil
}

func compileSelect(def *store.TableDef, q store.Query) (statement, error) {
	cols := columns(def)
	names := make([]string, len(cols))
	for i, col := range cols {
		names[i] = quote(col.Name)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(names, ", "), quote(def.Name))

	where, args, err := compileWhere(def, q.Where)
	if err != nil {
		return statement{}, err
	}
	if where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}

	b.WriteString(" ORDER BY ")
	for _, o := range q.OrderBy {
		if o.Desc {
			fmt.Fprintf(&b, "%s DESC NULLS LAST, ", quote(physical(o.Column)))
		} else {
			fmt.Fprintf(&b, "%s ASC NULLS FIRST, ", quote(physical(o.Column)))
		}
	}
	b.WriteString(quote(store.ColID) + " ASC")
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	return statement{SQL: b.String(), Args: args}, nil
}

func sortedKeys(row store.Row) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func compileInsert(def *store.TableDef, row store.Row) (statement, error) {
	keys := sortedKeys(row)
	cols := make([]string, 0, len(keys))
	marks := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		if k == store.ColID || k == store.ColLocalID {
			return statement{}, store.Validationf("insert %s: %s is assigned by the store", def.Name, k)
		}
		col, _ := def.Column(k)
		cols = append(cols, quote(k))
		marks = append(marks, "?")
		args = append(args, encode(col, row[k]))
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		quote(def.Name), strings.Join(cols, ", "), strings.Join(marks, ", "), quote(store.ColID))
	return statement{SQL: sql, Args: args}, nil
}

func compileUpdate(def *store.TableDef, row store.Row, where store.Filter) (statement, error) {
	keys := sortedKeys(row)
	sets := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		if k == store.ColLocalID {
			return statement{}, store.Validationf("update %s: local_id is the row key", def.Name)
		}
		col, _ := def.Column(k)
		sets = append(sets, quote(k)+" = ?")
		args = append(args, encode(col, row[k]))
	}
	sql := fmt.Sprintf("UPDATE %s SET %s", quote(def.Name), strings.Join(sets, ", "))
	pred, whereArgs, err := compileWhere(def, where)
	if err != nil {
		return statement{}, err
	}
	if pred != "" {
		sql += " WHERE " + pred
	}
	return statement{SQL: sql, Args: append(args, whereArgs...)}, nil
}

func compileDelete(def *store.TableDef, where store.Filter) (statement, error) {
	sql := "DELETE FROM " + quote(def.Name)
	pred, args, err := compileWhere(def, where)
	if err != nil {
		return statement{}, err
	}
	if pred != "" {
		sql += " WHERE " + pred
	}
	return statement{SQL: sql, Args: args}, nil
}
