package surreal

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/sebdah/goldie/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealdb.go/pkg/models"

	"cafepos/internal/ident"
	"cafepos/internal/store"
	"cafepos/internal/store/storetest"
)

func integrationConfig(t *testing.T) Config {
	t.Helper()
	url := os.Getenv("CAFEPOS_TEST_SURREAL_URL")
	if url == "" {
		t.Skip("set CAFEPOS_TEST_SURREAL_URL to run surrealdb integration tests")
	}
	return Config{
		URL:         url,
		Namespace:   "cafepos_test",
		Database:    "t" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Username:    os.Getenv("CAFEPOS_TEST_SURREAL_USER"),
		Password:    os.Getenv("CAFEPOS_TEST_SURREAL_PASS"),
		MaxInValues: 2,
	}
}

func TestSurrealConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		s, err := Open(context.Background(), integrationConfig(t))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}, storetest.Options{Document: true, NoRollback: true})
}

func TestReplicaUpsertIsIdempotent(t *testing.T) {
	cfg := integrationConfig(t)
	ctx := context.Background()
	r := NewReplica(cfg)
	defer r.Close()
	require.NoError(t, r.Ping(ctx))

	docs := []store.Document{
		{Key: "cat-1", Fields: store.Row{"name": "Coffee", store.ColLocalID: int64(1), store.ColSynced: true}},
		{Key: "cat-2", Fields: store.Row{"name": "Tea", store.ColLocalID: int64(2), store.ColSynced: true}},
	}
	require.NoError(t, r.Upsert(ctx, store.TableCategories, docs))
	docs[1].Fields["name"] = "Herbal tea"
	require.NoError(t, r.Upsert(ctx, store.TableCategories, docs))

	s, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer s.Close()
	rows, err := s.Query(ctx, store.TableCategories, store.Query{OrderBy: []store.Order{store.Asc("name")}})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Coffee", rows[0].Text("name"))
	assert.Equal(t, "Herbal tea", rows[1].Text("name"))

	byLocal, err := store.Get(ctx, s, store.TableCategories, ident.LocalID(2))
	require.NoError(t, err)
	assert.Equal(t, ident.RemoteID("cat-2"), byLocal.ID())
}

func normalized(t *testing.T, table string, f store.Filter) (*store.TableDef, store.Filter) {
	t.Helper()
	def, err := store.Table(table)
	require.NoError(t, err)
	nf, err := def.NormalizeFilter(f)
	require.NoError(t, err)
	return def, nf
}

func TestCompileGolden(t *testing.T) {
	g := goldie.New(t)

	t.Run("select_ledger_history", func(t *testing.T) {
		def, where := normalized(t, store.TableInventoryLedger, store.And(
			store.Eq("product_id", ident.LocalID(1)),
			store.Gte(store.ColCreatedAt, 100),
			store.Gt("quantity_in", decimal.NewFromInt(0)),
		))
		c := newCompiler(def.Name)
		sql, err := c.selectStmt(def, store.Query{Where: where, OrderBy: []store.Order{store.Desc(store.ColCreatedAt)}, Limit: 20})
		require.NoError(t, err)
		g.Assert(t, "select_ledger_history", []byte(sql+"\n"))
		assert.Equal(t, map[string]any{"tb": "inventory_ledger", "p0": "1", "p1": int64(100), "p2": "0"}, c.vars)
	})

	t.Run("select_pending", func(t *testing.T) {
		def, where := normalized(t, store.TableOrders, store.And(
			store.Eq(store.ColSynced, false),
			store.IsNull("paid_at"),
		))
		c := newCompiler(def.Name)
		sql, err := c.selectStmt(def, store.Query{Where: where, OrderBy: []store.Order{store.Asc(store.ColUpdatedAt)}, Limit: 50})
		require.NoError(t, err)
		g.Assert(t, "select_pending", []byte(sql+"\n"))
	})
}

func TestCompileMixedIDs(t *testing.T) {
	def, where := normalized(t, store.TableSuppliers, store.In(store.ColID, ident.LocalID(3), ident.RemoteID("abc")))
	c := newCompiler(def.Name)
	sql, err := c.where(def, where)
	require.NoError(t, err)
	assert.Equal(t, "(id IN $p0 OR local_id IN $p1)", sql)
	assert.Equal(t, []models.RecordID{models.NewRecordID("suppliers", "abc")}, c.vars["p0"])
	assert.Equal(t, []int64{3}, c.vars["p1"])

	sql, err = c.where(def, store.Cmp{Column: store.ColID, Op: store.OpEq, Value: ident.RemoteID("abc")})
	require.NoError(t, err)
	assert.Equal(t, "id = type::thing($tb, $p2)", sql)
}

func TestEmptyInCompilesToFalse(t *testing.T) {
	def, where := normalized(t, store.TableProducts, store.In("name"))
	sql, err := newCompiler(def.Name).where(def, where)
	require.NoError(t, err)
	assert.Equal(t, "false", sql)
}

func TestDecodeDoc(t *testing.T) {
	def, err := store.Table(store.TableOrderItems)
	require.NoError(t, err)

	row, err := decodeDoc(def, map[string]any{
		docKeyField:         "item-1",
		"id":                models.NewRecordID("order_items", "item-1"),
		"order_id":          "ord-1",
		"product_id":        "5",
		"quantity":          "1.5",
		"unit_price_cents":  uint64(2000),
		"line_total_cents":  float64(3000),
		"note":              models.CustomNil{},
		store.ColLocalID:    uint64(9),
		store.ColSynced:     true,
		store.ColCreatedAt:  uint64(10),
		store.ColUpdatedAt:  uint64(11),
		"unknown_extension": "ignored",
	})
	require.NoError(t, err)

	assert.Equal(t, ident.RemoteID("item-1"), row.ID())
	assert.Equal(t, ident.RemoteID("ord-1"), row.Ref("order_id"))
	assert.Equal(t, ident.LocalID(5), row.Ref("product_id"))
	assert.True(t, decimal.RequireFromString("1.5").Equal(row.Decimal("quantity")))
	assert.Equal(t, int64(3000), row.Int("line_total_cents"))
	assert.NotContains(t, row, "note")
	assert.ElementsMatch(t, []ident.ID{ident.RemoteID("item-1"), ident.LocalID(9)}, row.Aliases())

	_, err = decodeDoc(def, map[string]any{"order_id": "x"})
	assert.Error(t, err)
}

func TestUpsertBatch(t *testing.T) {
	def, err := store.Table(store.TableCustomers)
	require.NoError(t, err)
	sql, vars := upsertBatch(def, []store.Document{
		{Key: "c-1", Fields: store.Row{"name": "Ana", store.ColRemoteID: "c-1", store.ColLocalID: ident.LocalID(4)}},
		{Key: "c-2", Fields: store.Row{"name": "Budi", "credit_balance_cents": int64(500)}},
	})

	assert.Equal(t, "UPSERT type::thing($tb, $k0) CONTENT $d0 RETURN NONE;\nUPSERT type::thing($tb, $k1) CONTENT $d1 RETURN NONE", sql)
	assert.Equal(t, "customers", vars["tb"])
	assert.Equal(t, "c-2", vars["k1"])
	assert.Equal(t, map[string]any{"name": "Ana", store.ColLocalID: int64(4)}, vars["d0"])
	assert.Equal(t, map[string]any{"name": "Budi", "credit_balance_cents": int64(500)}, vars["d1"])
}
