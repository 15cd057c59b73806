package surreal

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/surrealdb/surrealdb.go/pkg/models"

	"cafepos/internal/ident"
	"cafepos/internal/store"
)

// compiler builds SurrealQL with named parameters. One compiler can emit
// several statements into the same request; parameter names never collide.
type compiler struct {
	table string
	vars  map[string]any
	n     int
}

func newCompiler(table string) *compiler {
	return &compiler{table: table, vars: map[string]any{"tb": table}}
}

func (c *compiler) bind(v any) string {
	name := fmt.Sprintf("p%d", c.n)
	c.n++
	c.vars[name] = v
	return "$" + name
}

func encodeValue(col store.Column, v any) any {
	switch x := v.(type) {
	case decimal.Decimal:
		return x.String()
	case ident.LocalID:
		if col.Type == store.TypeID || col.Name == store.ColLocalID {
			return int64(x)
		}
		return x.String()
	case ident.RemoteID:
		return string(x)
	}
	return v
}

func (c *compiler) where(def *store.TableDef, f store.Filter) (string, error) {
	switch v := f.(type) {
	case nil:
		return "", nil
	case store.All:
		parts := make([]string, 0, len(v))
		for _, child := range v {
			part, err := c.where(def, child)
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
		return fmt.Sprintf("(%s IS NONE OR %s IS NULL)", v.Column, v.Column), nil
	case store.Cmp:
		col, _ := def.Column(v.Column)
		if col.Type == store.TypeID {
			return c.idEquals(v.Value)
		}
		if col.Type == store.TypeDecimal && v.Op != store.OpEq {
			return fmt.Sprintf("<decimal> %s %s <decimal> %s", v.Column, v.Op, c.bind(encodeValue(col, v.Value))), nil
		}
		return fmt.Sprintf("%s %s %s", v.Column, v.Op, c.bind(encodeValue(col, v.Value))), nil
	case store.InSet:
		if len(v.Values) == 0 {
			return "false", nil
		}
		col, _ := def.Column(v.Column)
		if col.Type == store.TypeID {
			return c.idIn(v.Values)
		}
		vals := make([]any, 0, len(v.Values))
		for _, raw := range v.Values {
			vals = append(vals, encodeValue(col, raw))
		}
		return fmt.Sprintf("%s IN %s", v.Column, c.bind(vals)), nil
	}
	return "", store.Validationf("unsupported filter %T", f)
}

func (c *compiler) idEquals(v any) (string, error) {
	switch id := v.(type) {
	case ident.RemoteID:
		return "id = type::thing($tb, " + c.bind(string(id)) + ")", nil
	case ident.LocalID:
		return store.ColLocalID + " = " + c.bind(int64(id)), nil
	}
	return "", store.Validationf("filter on id: unexpected %T", v)
}

func (c *compiler) idIn(values []any) (string, error) {
	var keys []models.RecordID
	var locals []int64
	for _, raw := range values {
		switch id := raw.(type) {
		case ident.RemoteID:
			keys = append(keys, models.NewRecordID(c.table, string(id)))
		case ident.LocalID:
			locals = append(locals, int64(id))
		default:
			return "", store.Validationf("filter on id: unexpected %T", raw)
		}
	}
	var parts []string
	if len(keys) > 0 {
		parts = append(parts, "id IN "+c.bind(keys))
	}
	if len(locals) > 0 {
		parts = append(parts, store.ColLocalID+" IN "+c.bind(locals))
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return "(" + strings.Join(parts, " OR ") + ")", nil
}

func (c *compiler) selectStmt(def *store.TableDef, q store.Query) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT *, record::id(id) AS %s FROM %s", docKeyField, def.Name)
	where, err := c.where(def, q.Where)
	if err != nil {
		return "", err
	}
	if where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}
	b.WriteString(" ORDER BY ")
	for _, o := range q.OrderBy {
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		col := o.Column
		if col == store.ColID {
			col = "id"
		}
		fmt.Fprintf(&b, "%s %s, ", col, dir)
	}
	b.WriteString("id ASC")
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	return b.String(), nil
}
