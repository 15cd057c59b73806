// Package storetest holds the behaviour every store.Backend must share. Each
// backend package runs Run against a fresh instance.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cafepos/internal/ident"
	"cafepos/internal/store"
)

type Options struct {
	// Document is set for backends whose own keys are RemoteIDs. Rows written
	// there are already remote, so they start synced.
	Document bool
	// NoRollback is set for backends whose InTx cannot undo writes.
	NoRollback bool
}

// Run executes the conformance suite. newBackend must return an empty backend.
func Run(t *testing.T, newBackend func(t *testing.T) store.Backend, opts Options) {
	t.Run("InsertStampsRow", func(t *testing.T) { testInsertStampsRow(t, newBackend(t), opts) })
	t.Run("LookupByEitherIdentity", func(t *testing.T) { testLookupByEitherIdentity(t, newBackend(t), opts) })
	t.Run("FilterSemantics", func(t *testing.T) { testFilterSemantics(t, newBackend(t)) })
	t.Run("OrderAndLimit", func(t *testing.T) { testOrderAndLimit(t, newBackend(t)) })
	t.Run("UpdateMarksUnsynced", func(t *testing.T) { testUpdateMarksUnsynced(t, newBackend(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newBackend(t)) })
	t.Run("TransactionRollback", func(t *testing.T) {
		if opts.NoRollback {
			t.Skip("backend has no transactions")
		}
		testTransactionRollback(t, newBackend(t))
	})
	t.Run("Validation", func(t *testing.T) { testValidation(t, newBackend(t)) })
	t.Run("ResolveAliasesNotFound", func(t *testing.T) { testResolveAliasesNotFound(t, newBackend(t)) })
	t.Run("DecimalRoundTrip", func(t *testing.T) { testDecimalRoundTrip(t, newBackend(t)) })
}

func insertProduct(t *testing.T, b store.Backend, name string, price int64) ident.ID {
	t.Helper()
	id, err := b.Insert(context.Background(), store.TableProducts, store.Row{
		"name":           name,
		"price_cents":    price,
		"is_active":      true,
		"is_sellable":    true,
		"is_purchasable": false,
	})
	require.NoError(t, err)
	require.NotNil(t, id)
	return id
}

func testInsertStampsRow(t *testing.T, b store.Backend, opts Options) {
	ctx := context.Background()
	id := insertProduct(t, b, "Espresso", 2500)

	row, err := store.Get(ctx, b, store.TableProducts, id)
	require.NoError(t, err)
	assert.Equal(t, "Espresso", row.Text("name"))
	assert.Equal(t, int64(2500), row.Int("price_cents"))
	assert.True(t, row.Bool("is_sellable"))
	assert.False(t, row.Bool("is_purchasable"))
	assert.Equal(t, opts.Document, row.Bool(store.ColSynced), "synced flag after insert")
	assert.Positive(t, row.Int(store.ColCreatedAt))
	assert.Equal(t, row.Int(store.ColCreatedAt), row.Int(store.ColUpdatedAt))

	if opts.Document {
		_, ok := id.(ident.RemoteID)
		assert.True(t, ok, "document backends assign remote ids")
	} else {
		_, ok := id.(ident.LocalID)
		assert.True(t, ok, "relational backends assign local ids")
	}
}

func testLookupByEitherIdentity(t *testing.T, b store.Backend, opts Options) {
	ctx := context.Background()
	id := insertProduct(t, b, "Latte", 3200)

	var alias ident.ID
	var aliasRow store.Row
	if opts.Document {
		alias = ident.LocalID(77)
		aliasRow = store.Row{store.ColLocalID: int64(77)}
	} else {
		alias = ident.RemoteID("0190f3c4-6b1e-7c3a-9d2f-000000000001")
		aliasRow = store.Row{store.ColRemoteID: string(alias.(ident.RemoteID)), store.ColSynced: false}
	}
	n, err := b.Update(ctx, store.TableProducts, aliasRow, store.Eq(store.ColID, id))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	byAlias, err := store.Get(ctx, b, store.TableProducts, alias)
	require.NoError(t, err)
	assert.Equal(t, id, byAlias.ID())
	assert.ElementsMatch(t, []ident.ID{id, alias}, byAlias.Aliases())

	aliases, err := store.ResolveAliases(ctx, b, store.TableProducts, []ident.ID{id, alias})
	require.NoError(t, err)
	assert.ElementsMatch(t, []ident.ID{id, alias}, aliases[id])
	assert.ElementsMatch(t, []ident.ID{id, alias}, aliases[alias])
}

func testFilterSemantics(t *testing.T, b store.Backend) {
	ctx := context.Background()
	a := insertProduct(t, b, "Americano", 2000)
	c := insertProduct(t, b, "Cappuccino", 3000)
	m := insertProduct(t, b, "Mocha", 3500)

	names := func(rows []store.Row) []string {
		out := make([]string, 0, len(rows))
		for _, r := range rows {
			out = append(out, r.Text("name"))
		}
		return out
	}

	rows, err := b.Query(ctx, store.TableProducts, store.Query{Where: store.Eq("name", "Mocha")})
	require.NoError(t, err)
	assert.Equal(t, []string{"Mocha"}, names(rows))

	rows, err = b.Query(ctx, store.TableProducts, store.Query{Where: store.In(store.ColID, a, m)})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Americano", "Mocha"}, names(rows))

	rows, err = b.Query(ctx, store.TableProducts, store.Query{Where: store.In(store.ColID)})
	require.NoError(t, err)
	assert.Empty(t, rows, "empty IN matches nothing")

	rows, err = b.Query(ctx, store.TableProducts, store.Query{Where: store.And(
		store.Gte("price_cents", int64(2500)),
		store.Lt("price_cents", int64(3500)),
	)})
	require.NoError(t, err)
	assert.Equal(t, []string{"Cappuccino"}, names(rows))

	rows, err = b.Query(ctx, store.TableProducts, store.Query{Where: store.And(
		store.In("name", "Americano", "Cappuccino", "Tea"),
		store.Gt("price_cents", 2000),
	)})
	require.NoError(t, err)
	assert.Equal(t, []string{"Cappuccino"}, names(rows))

	rows, err = b.Query(ctx, store.TableProducts, store.Query{Where: store.IsNull("category_id")})
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	rows, err = b.Query(ctx, store.TableProducts, store.Query{Where: store.Eq(store.ColID, c)})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, c, rows[0].ID())
}

func testOrderAndLimit(t *testing.T, b store.Backend) {
	ctx := context.Background()
	for _, p := range []struct {
		name  string
		price int64
	}{{"b", 300}, {"a", 100}, {"c", 300}, {"d", 200}} {
		insertProduct(t, b, p.name, p.price)
	}

	rows, err := b.Query(ctx, store.TableProducts, store.Query{
		OrderBy: []store.Order{store.Desc("price_cents"), store.Asc("name")},
		Limit:   3,
	})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "b", rows[0].Text("name"))
	assert.Equal(t, "c", rows[1].Text("name"))
	assert.Equal(t, "d", rows[2].Text("name"))
}

func testUpdateMarksUnsynced(t *testing.T, b store.Backend) {
	ctx := context.Background()
	id := insertProduct(t, b, "Flat White", 3300)

	n, err := b.Update(ctx, store.TableProducts, store.Row{store.ColSynced: true}, store.Eq(store.ColID, id))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	row, err := store.Get(ctx, b, store.TableProducts, id)
	require.NoError(t, err)
	require.True(t, row.Bool(store.ColSynced))
	stamped := row.Int(store.ColUpdatedAt)

	n, err = b.Update(ctx, store.TableProducts, store.Row{"price_cents": int64(3400)}, store.Eq(store.ColID, id))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	row, err = store.Get(ctx, b, store.TableProducts, id)
	require.NoError(t, err)
	assert.False(t, row.Bool(store.ColSynced), "business update re-queues the row")
	assert.Equal(t, int64(3400), row.Int("price_cents"))
	assert.GreaterOrEqual(t, row.Int(store.ColUpdatedAt), stamped)

	n, err = b.Update(ctx, store.TableProducts, store.Row{"price_cents": int64(1)}, store.Eq("name", "missing"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testDelete(t *testing.T, b store.Backend) {
	ctx := context.Background()
	keep := insertProduct(t, b, "keep", 1)
	drop := insertProduct(t, b, "drop", 1)

	n, err := b.Delete(ctx, store.TableProducts, store.Eq(store.ColID, drop))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.Get(ctx, b, store.TableProducts, drop)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = store.Get(ctx, b, store.TableProducts, keep)
	assert.NoError(t, err)
}

func testTransactionRollback(t *testing.T, b store.Backend) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := b.InTx(ctx, func(tx store.Backend) error {
		if _, err := tx.Insert(ctx, store.TableSuppliers, store.Row{"name": "rolled back"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	n, err := store.Count(ctx, b, store.TableSuppliers, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	err = b.InTx(ctx, func(tx store.Backend) error {
		_, err := tx.Insert(ctx, store.TableSuppliers, store.Row{"name": "kept"})
		return err
	})
	require.NoError(t, err)
	n, err = store.Count(ctx, b, store.TableSuppliers, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testValidation(t *testing.T, b store.Backend) {
	ctx := context.Background()

	_, err := b.Insert(ctx, store.TableProducts, store.Row{"no_such_column": 1})
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = b.Query(ctx, "no_such_table", store.Query{})
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = b.Query(ctx, store.TableProducts, store.Query{Where: store.Gt(store.ColID, 1)})
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = b.Query(ctx, store.TableProducts, store.Query{Where: store.Eq("price_cents", "not a number")})
	assert.ErrorIs(t, err, store.ErrValidation)
}

func testResolveAliasesNotFound(t *testing.T, b store.Backend) {
	ctx := context.Background()
	id := insertProduct(t, b, "only", 1)

	_, err := store.ResolveAliases(ctx, b, store.TableProducts, []ident.ID{id, ident.RemoteID("missing-key")})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = store.Get(ctx, b, store.TableProducts, ident.LocalID(987654))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testDecimalRoundTrip(t *testing.T, b store.Backend) {
	ctx := context.Background()
	product := insertProduct(t, b, "Milk", 0)

	id, err := b.Insert(ctx, store.TableInventoryLedger, store.Row{
		"product_id":       product,
		"quantity_in":      decimal.RequireFromString("12.750"),
		"quantity_out":     decimal.Zero,
		"transaction_type": "purchase",
		"reference_id":     ident.RemoteID("po-1"),
	})
	require.NoError(t, err)

	row, err := store.Get(ctx, b, store.TableInventoryLedger, id)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("12.75").Equal(row.Decimal("quantity_in")))
	assert.True(t, row.Decimal("quantity_out").IsZero())
	assert.Equal(t, product, row.Ref("product_id"))
	assert.Equal(t, "po-1", row.Text("reference_id"))
}
