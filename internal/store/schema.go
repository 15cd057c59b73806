package store

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"cafepos/internal/ident"
)

type ColumnType int

const (
	TypeInt ColumnType = iota + 1
	TypeText
	TypeBool
	TypeDecimal
	TypeRef
	TypeID
)

// System columns shared by every table. remote_id is the replica key of a
// primary-store row; local_id is the primary key of a replica document.
const (
	ColID        = "id"
	ColRemoteID  = "remote_id"
	ColLocalID   = "local_id"
	ColSynced    = "synced"
	ColCreatedAt = "created_at"
	ColUpdatedAt = "updated_at"
)

type Column struct {
	Name string
	Type ColumnType
	// Parent names the referenced table for TypeRef columns that point at a
	// syncable row.
	Parent string
}

type TableDef struct {
	Name     string
	Syncable bool
	Columns  []Column
	index    map[string]int
}

func (t *TableDef) Column(name string) (Column, bool) {
	i, ok := t.index[name]
	if !ok {
		return Column{}, false
	}
	return t.Columns[i], true
}

// References lists the ref columns that point at another syncable table.
func (t *TableDef) References() []Column {
	var refs []Column
	for _, c := range t.Columns {
		if c.Type == TypeRef && c.Parent != "" {
			refs = append(refs, c)
		}
	}
	return refs
}

func defineTable(name string, syncable bool, cols ...Column) *TableDef {
	all := []Column{{Name: ColID, Type: TypeID}}
	if syncable {
		all = append(all,
			Column{Name: ColRemoteID, Type: TypeText},
			Column{Name: ColLocalID, Type: TypeInt},
			Column{Name: ColSynced, Type: TypeBool},
		)
	}
	all = append(all, cols...)
	all = append(all,
		Column{Name: ColCreatedAt, Type: TypeInt},
		Column{Name: ColUpdatedAt, Type: TypeInt},
	)
	def := &TableDef{Name: name, Syncable: syncable, Columns: all, index: make(map[string]int, len(all))}
	for i, c := range all {
		def.index[c.Name] = i
	}
	return def
}

func col(name string, typ ColumnType) Column { return Column{Name: name, Type: typ} }
func ref(name string, parent string) Column  { return Column{Name: name, Type: TypeRef, Parent: parent} }

const (
	TableCategories         = "categories"
	TableProducts           = "products"
	TableSuppliers          = "suppliers"
	TableTables             = "tables"
	TableCustomers          = "customers"
	TableDaySessions        = "day_sessions"
	TableOrders             = "orders"
	TableOrderItems         = "order_items"
	TablePayments           = "payments"
	TableCreditTransactions = "credit_transactions"
	TableInventoryLedger    = "inventory_ledger"
	TablePurchases          = "purchases"
	TablePurchaseItems      = "purchase_items"
	TableUsers              = "users"
	TableAuditLogs          = "audit_logs"
)

var tableDefs = []*TableDef{
	defineTable(TableCategories, true,
		col("name", TypeText), col("sort_order", TypeInt), col("is_active", TypeBool)),
	defineTable(TableProducts, true,
		ref("category_id", TableCategories), col("name", TypeText), col("unit", TypeText),
		col("price_cents", TypeInt), col("cost_cents", TypeInt),
		col("is_veg", TypeBool), col("is_active", TypeBool),
		col("is_purchasable", TypeBool), col("is_sellable", TypeBool),
		col("reorder_level", TypeDecimal)),
	defineTable(TableSuppliers, true,
		col("name", TypeText), col("phone", TypeText), col("address", TypeText)),
	defineTable(TableTables, true,
		col("name", TypeText), col("capacity", TypeInt), col("status", TypeText)),
	defineTable(TableCustomers, true,
		col("name", TypeText), col("phone", TypeText), col("credit_balance_cents", TypeInt)),
	defineTable(TableDaySessions, true,
		col("status", TypeText), col("opened_by", TypeText), col("closed_by", TypeText),
		col("opening_cash_cents", TypeInt), col("closing_cash_cents", TypeInt),
		col("expected_cash_cents", TypeInt), col("opened_at", TypeInt), col("closed_at", TypeInt)),
	defineTable(TableOrders, true,
		col("order_no", TypeText), ref("table_id", TableTables), ref("customer_id", TableCustomers),
		ref("day_session_id", TableDaySessions), col("order_type", TypeText), col("status", TypeText),
		col("subtotal_cents", TypeInt), col("discount_cents", TypeInt), col("tax_cents", TypeInt),
		col("total_cents", TypeInt), col("note", TypeText), col("created_by", TypeText),
		col("paid_at", TypeInt)),
	defineTable(TableOrderItems, true,
		ref("order_id", TableOrders), ref("product_id", TableProducts),
		col("product_name", TypeText), col("quantity", TypeDecimal),
		col("unit_price_cents", TypeInt), col("line_total_cents", TypeInt), col("note", TypeText)),
	defineTable(TablePayments, true,
		ref("order_id", TableOrders), col("method", TypeText), col("amount_cents", TypeInt),
		col("reference", TypeText), col("created_by", TypeText)),
	defineTable(TableCreditTransactions, true,
		ref("customer_id", TableCustomers), ref("order_id", TableOrders), col("seq", TypeInt),
		col("type", TypeText), col("amount_cents", TypeInt),
		col("balance_before_cents", TypeInt), col("balance_after_cents", TypeInt),
		col("note", TypeText), col("created_by", TypeText)),
	defineTable(TablePurchases, true,
		ref("supplier_id", TableSuppliers), col("invoice_no", TypeText), col("status", TypeText),
		col("total_cents", TypeInt), col("note", TypeText), col("created_by", TypeText),
		col("received_at", TypeInt)),
	defineTable(TablePurchaseItems, true,
		ref("purchase_id", TablePurchases), ref("product_id", TableProducts),
		col("quantity", TypeDecimal), col("unit_cost_cents", TypeInt), col("line_total_cents", TypeInt)),
	// The ledger comes after every table its reference_type can name, so those
	// rows already carry remote ids when its entries are pushed.
	defineTable(TableInventoryLedger, true,
		ref("product_id", TableProducts), col("quantity_in", TypeDecimal), col("quantity_out", TypeDecimal),
		col("unit_price_cents", TypeInt), col("transaction_type", TypeText),
		col("reference_type", TypeText), col("reference_id", TypeText),
		col("note", TypeText), col("created_by", TypeText)),
	defineTable(TableUsers, false,
		col("username", TypeText), col("password_hash", TypeText), col("role", TypeText),
		col("is_active", TypeBool)),
	defineTable(TableAuditLogs, false,
		col("actor", TypeText), col("role", TypeText), col("action", TypeText),
		col("entity_type", TypeText), col("entity_id", TypeText), col("detail", TypeText)),
}

var tablesByName = func() map[string]*TableDef {
	m := make(map[string]*TableDef, len(tableDefs))
	for _, d := range tableDefs {
		m[d.Name] = d
	}
	return m
}()

// Tables returns every table definition in dependency order: a table appears
// after every table it references.
func Tables() []*TableDef {
	out := make([]*TableDef, len(tableDefs))
	copy(out, tableDefs)
	return out
}

// SyncableTables returns the replicated tables, parents first.
func SyncableTables() []*TableDef {
	var out []*TableDef
	for _, d := range tableDefs {
		if d.Syncable {
			out = append(out, d)
		}
	}
	return out
}

func Table(name string) (*TableDef, error) {
	def, ok := tablesByName[name]
	if !ok {
		return nil, Validationf("unknown table %q", name)
	}
	return def, nil
}

// Normalize converts a raw value into the canonical Go type for a column:
// int64, string, bool, decimal.Decimal or ident.ID. nil stays nil.
func Normalize(c Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch c.Type {
	case TypeInt:
		n, err := toInt64(v)
		if err != nil {
			return nil, Validationf("column %s: %v", c.Name, err)
		}
		return n, nil
	case TypeText:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		case fmt.Stringer:
			return s.String(), nil
		}
		return nil, Validationf("column %s: expected text, got %T", c.Name, v)
	case TypeBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return nil, Validationf("column %s: %v", c.Name, err)
			}
			return parsed, nil
		}
		n, err := toInt64(v)
		if err != nil {
			return nil, Validationf("column %s: expected bool, got %T", c.Name, v)
		}
		return n != 0, nil
	case TypeDecimal:
		d, err := toDecimal(v)
		if err != nil {
			return nil, Validationf("column %s: %v", c.Name, err)
		}
		return d, nil
	case TypeRef, TypeID:
		id, err := ident.ParseOptional(v)
		if err != nil {
			return nil, Validationf("column %s: %v", c.Name, err)
		}
		if id == nil {
			return nil, nil
		}
		return id, nil
	}
	return nil, Validationf("column %s: unknown type", c.Name)
}

// NormalizeRow checks every key against the table and normalizes its value.
func (t *TableDef) NormalizeRow(row Row) (Row, error) {
	out := make(Row, len(row))
	for k, v := range row {
		c, ok := t.Column(k)
		if !ok {
			return nil, Validationf("table %s has no column %q", t.Name, k)
		}
		nv, err := Normalize(c, v)
		if err != nil {
			return nil, err
		}
		out[k] = nv
	}
	return out, nil
}

// PrepareInsert normalizes values and fills timestamps. Rows written to a
// syncable table start unsynced unless the caller says otherwise.
func (t *TableDef) PrepareInsert(row Row, nowMillis int64) (Row, error) {
	out, err := t.NormalizeRow(row)
	if err != nil {
		return nil, err
	}
	if out[ColCreatedAt] == nil {
		out[ColCreatedAt] = nowMillis
	}
	if out[ColUpdatedAt] == nil {
		out[ColUpdatedAt] = out[ColCreatedAt]
	}
	if t.Syncable {
		if _, ok := out[ColSynced]; !ok || out[ColSynced] == nil {
			out[ColSynced] = false
		}
	}
	return out, nil
}

// PrepareUpdate normalizes values. A business update stamps updated_at and
// marks the row unsynced; an update that sets synced itself is bookkeeping and
// leaves updated_at alone.
func (t *TableDef) PrepareUpdate(row Row, nowMillis int64) (Row, error) {
	if len(row) == 0 {
		return nil, Validationf("update %s: no values", t.Name)
	}
	if _, ok := row[ColID]; ok {
		return nil, Validationf("update %s: id is immutable", t.Name)
	}
	out, err := t.NormalizeRow(row)
	if err != nil {
		return nil, err
	}
	if _, bookkeeping := out[ColSynced]; !bookkeeping {
		if out[ColUpdatedAt] == nil {
			out[ColUpdatedAt] = nowMillis
		}
		if t.Syncable {
			out[ColSynced] = false
		}
	}
	return out, nil
}

// NormalizeFilter validates column names and converts comparison values to
// the canonical type of their column.
func (t *TableDef) NormalizeFilter(f Filter) (Filter, error) {
	switch v := f.(type) {
	case nil:
		return nil, nil
	case Cmp:
		c, ok := t.Column(v.Column)
		if !ok {
			return nil, Validationf("table %s has no column %q", t.Name, v.Column)
		}
		if v.Value == nil {
			return nil, Validationf("filter on %s: nil value, use IsNull", v.Column)
		}
		if v.Op != OpEq && (c.Type == TypeID || c.Type == TypeRef || c.Type == TypeBool) {
			return nil, Validationf("filter on %s: range comparison on non-ordered column", v.Column)
		}
		nv, err := Normalize(c, v.Value)
		if err != nil {
			return nil, err
		}
		return Cmp{Column: v.Column, Op: v.Op, Value: nv}, nil
	case InSet:
		c, ok := t.Column(v.Column)
		if !ok {
			return nil, Validationf("table %s has no column %q", t.Name, v.Column)
		}
		values := make([]any, 0, len(v.Values))
		seen := make(map[any]struct{}, len(v.Values))
		for _, raw := range v.Values {
			nv, err := Normalize(c, raw)
			if err != nil {
				return nil, err
			}
			if nv == nil {
				return nil, Validationf("filter on %s: nil value in set", v.Column)
			}
			key := nv
			if d, isDec := nv.(decimal.Decimal); isDec {
				key = d.String()
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			values = append(values, nv)
		}
		return InSet{Column: v.Column, Values: values}, nil
	case Null:
		if _, ok := t.Column(v.Column); !ok {
			return nil, Validationf("table %s has no column %q", t.Name, v.Column)
		}
		return v, nil
	case All:
		out := make(All, 0, len(v))
		for _, child := range v {
			nf, err := t.NormalizeFilter(child)
			if err != nil {
				return nil, err
			}
			if nf != nil {
				out = append(out, nf)
			}
		}
		return out, nil
	}
	return nil, Validationf("unsupported filter %T", f)
}

func (t *TableDef) ValidateOrder(orders []Order) error {
	for _, o := range orders {
		if _, ok := t.Column(o.Column); !ok {
			return Validationf("table %s has no column %q", t.Name, o.Column)
		}
	}
	return nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("%d out of range", n)
		}
		return int64(n), nil
	case float32:
		return toInt64(float64(n))
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case json.Number:
		return n.Int64()
	case ident.LocalID:
		return int64(n), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(n), 10, 64)
	case []byte:
		return strconv.ParseInt(strings.TrimSpace(string(n)), 10, 64)
	}
	return 0, fmt.Errorf("expected integer, got %T", v)
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch d := v.(type) {
	case decimal.Decimal:
		return d, nil
	case *decimal.Decimal:
		if d == nil {
			return decimal.Zero, nil
		}
		return *d, nil
	case string:
		return decimal.NewFromString(strings.TrimSpace(d))
	case []byte:
		return decimal.NewFromString(strings.TrimSpace(string(d)))
	case float64:
		return decimal.NewFromFloat(d), nil
	case float32:
		return decimal.NewFromFloat32(d), nil
	case json.Number:
		return decimal.NewFromString(d.String())
	}
	n, err := toInt64(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("expected decimal, got %T", v)
	}
	return decimal.NewFromInt(n), nil
}
