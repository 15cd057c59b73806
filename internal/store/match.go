package store

import (
	"cmp"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"cafepos/internal/ident"
)

// Match evaluates a normalized filter against a row in memory. It is the
// reference semantics the SQL and SurrealQL compilers must agree with.
func Match(row Row, f Filter) bool {
	switch v := f.(type) {
	case nil:
		return true
	case All:
		for _, child := range v {
			if !Match(row, child) {
				return false
			}
		}
		return true
	case Null:
		return row[v.Column] == nil
	case Cmp:
		if v.Column == ColID {
			id, ok := v.Value.(ident.ID)
			return ok && row.Matches(id)
		}
		got := row[v.Column]
		if got == nil {
			return false
		}
		c, ok := compareValues(got, v.Value)
		if !ok {
			return false
		}
		switch v.Op {
		case OpEq:
			return c == 0
		case OpGt:
			return c > 0
		case OpGte:
			return c >= 0
		case OpLt:
			return c < 0
		case OpLte:
			return c <= 0
		}
		return false
	case InSet:
		for _, want := range v.Values {
			if Match(row, Cmp{Column: v.Column, Op: OpEq, Value: want}) {
				return true
			}
		}
		return false
	}
	return false
}

// SortRows orders rows by the given columns with nulls first on ascending
// columns, then by id.
func SortRows(rows []Row, orders []Order) {
	slices.SortStableFunc(rows, func(a, b Row) int {
		for _, o := range orders {
			c := compareNullable(a[o.Column], b[o.Column])
			if o.Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return CompareIDs(a.ID(), b.ID())
	})
}

// CompareIDs orders local ids numerically before remote ids, which order
// lexically.
func CompareIDs(a, b ident.ID) int {
	switch x := a.(type) {
	case ident.LocalID:
		if y, ok := b.(ident.LocalID); ok {
			return cmp.Compare(x, y)
		}
		return -1
	case ident.RemoteID:
		if y, ok := b.(ident.RemoteID); ok {
			return strings.Compare(string(x), string(y))
		}
		return 1
	}
	if b == nil {
		return 0
	}
	return -1
}

func compareNullable(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	c, _ := compareValues(a, b)
	return c
}

func compareValues(a, b any) (int, bool) {
	switch x := a.(type) {
	case int64:
		y, ok := b.(int64)
		return cmp.Compare(x, y), ok
	case string:
		y, ok := b.(string)
		return strings.Compare(x, y), ok
	case decimal.Decimal:
		y, ok := b.(decimal.Decimal)
		if !ok {
			return 0, false
		}
		return x.Cmp(y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		default:
			return 1, true
		}
	case ident.ID:
		y, ok := b.(ident.ID)
		if !ok {
			return 0, false
		}
		return CompareIDs(x, y), true
	}
	return 0, false
}
