package store

// Filter is a predicate over the columns of one table. The set of filter
// nodes is closed: every backend compiles exactly these shapes, which keeps
// their semantics identical.
type Filter interface {
	filterNode()
}

type Op int

const (
	OpEq Op = iota
	OpGt
	OpGte
	OpLt
	OpLte
)

func (o Op) String() string {
	switch o {
	case OpGt:
		return ">"
	case OpGte:
		return ">="
	case OpLt:
		return "<"
	case OpLte:
		return "<="
	default:
		return "="
	}
}

// Cmp compares a column with a single value.
type Cmp struct {
	Column string
	Op     Op
	Value  any
}

// InSet matches rows whose column equals any of Values. An empty set matches
// nothing.
type InSet struct {
	Column string
	Values []any
}

// Null matches rows whose column is unset.
type Null struct {
	Column string
}

// All is the conjunction of its filters. An empty All matches everything.
type All []Filter

func (Cmp) filterNode()   {}
func (InSet) filterNode() {}
func (Null) filterNode()  {}
func (All) filterNode()   {}

func Eq(column string, value any) Filter  { return Cmp{Column: column, Op: OpEq, Value: value} }
func Gt(column string, value any) Filter  { return Cmp{Column: column, Op: OpGt, Value: value} }
func Gte(column string, value any) Filter { return Cmp{Column: column, Op: OpGte, Value: value} }
func Lt(column string, value any) Filter  { return Cmp{Column: column, Op: OpLt, Value: value} }
func Lte(column string, value any) Filter { return Cmp{Column: column, Op: OpLte, Value: value} }

func IsNull(column string) Filter { return Null{Column: column} }

func In(column string, values ...any) Filter {
	return InSet{Column: column, Values: values}
}

// Between is the half-open range [from, to), the shape used for timestamp
// windows.
func Between(column string, from, to int64) Filter {
	return All{Gte(column, from), Lt(column, to)}
}

// And flattens nested conjunctions and drops nil filters.
func And(filters ...Filter) Filter {
	out := make(All, 0, len(filters))
	for _, f := range filters {
		switch v := f.(type) {
		case nil:
		case All:
			if flat, ok := And(v...).(All); ok {
				out = append(out, flat...)
			}
		default:
			out = append(out, v)
		}
	}
	return out
}

// Order sorts by one column. Backends append an identifier tiebreak so the
// final order is deterministic.
type Order struct {
	Column string
	Desc   bool
}

func Asc(column string) Order  { return Order{Column: column} }
func Desc(column string) Order { return Order{Column: column, Desc: true} }

type Query struct {
	Where   Filter
	OrderBy []Order
	Limit   int
}

// SplitIn breaks oversized membership sets into filters of at most max values
// each. The parts select disjoint slices of the set, so the union of their
// results equals the result of f. A max of zero or less returns f unchanged.
func SplitIn(f Filter, max int) []Filter {
	if max <= 0 {
		return []Filter{f}
	}
	switch v := f.(type) {
	case InSet:
		if len(v.Values) <= max {
			return []Filter{v}
		}
		out := make([]Filter, 0, len(v.Values)/max+1)
		for i := 0; i < len(v.Values); i += max {
			end := min(i+max, len(v.Values))
			out = append(out, InSet{Column: v.Column, Values: v.Values[i:end]})
		}
		return out
	case All:
		for i, child := range v {
			in, ok := child.(InSet)
			if !ok || len(in.Values) <= max {
				continue
			}
			var out []Filter
			for _, part := range SplitIn(in, max) {
				next := make(All, len(v))
				copy(next, v)
				next[i] = part
				out = append(out, SplitIn(next, max)...)
			}
			return out
		}
	}
	return []Filter{f}
}
