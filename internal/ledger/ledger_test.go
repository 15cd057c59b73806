package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cafepos/internal/domain"
	"cafepos/internal/ident"
	"cafepos/internal/store"
	"cafepos/internal/store/memory"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newEngine(t *testing.T) (*Engine, store.Backend) {
	t.Helper()
	b := memory.New()
	return New(b), b
}

func addProduct(t *testing.T, b store.Backend, name string, reorder string) ident.ID {
	t.Helper()
	id, err := b.Insert(context.Background(), store.TableProducts, store.Row{
		"name":          name,
		"unit":          "pcs",
		"is_active":     true,
		"reorder_level": dec(reorder),
	})
	require.NoError(t, err)
	return id
}

func movement(product ident.ID, typ string, in, out string) domain.LedgerEntry {
	return domain.LedgerEntry{ProductID: product, TransactionType: typ, QuantityIn: dec(in), QuantityOut: dec(out)}
}

func TestPurchaseThenSaleLeavesDifference(t *testing.T) {
	e, b := newEngine(t)
	ctx := context.Background()
	x := addProduct(t, b, "Milk", "0")

	_, err := e.Append(ctx, movement(x, domain.LedgerPurchase, "50", "0"))
	require.NoError(t, err)
	_, err = e.Append(ctx, movement(x, domain.LedgerSale, "0", "12"))
	require.NoError(t, err)

	stock, err := e.CurrentStock(ctx, x)
	require.NoError(t, err)
	assert.True(t, dec("38").Equal(stock), "stock = %s", stock)
}

func TestStockEqualsSumOfMovements(t *testing.T) {
	e, b := newEngine(t)
	ctx := context.Background()
	beans := addProduct(t, b, "Beans", "0")
	syrup := addProduct(t, b, "Syrup", "0")

	moves := []domain.LedgerEntry{
		movement(beans, domain.LedgerPurchase, "2.5", "0"),
		movement(beans, domain.LedgerSale, "0", "0.018"),
		movement(syrup, domain.LedgerPurchase, "3", "0"),
		movement(beans, domain.LedgerSale, "0", "0.018"),
		movement(syrup, domain.LedgerReturn, "0.5", "0"),
		movement(beans, domain.LedgerAdjustment, "0", "0.1"),
	}
	want := map[ident.ID]decimal.Decimal{}
	for _, m := range moves {
		_, err := e.Append(ctx, m)
		require.NoError(t, err)
		want[m.ProductID] = want[m.ProductID].Add(m.QuantityIn).Sub(m.QuantityOut)
	}

	got, err := e.CurrentStockBatch(ctx, []ident.ID{beans, syrup})
	require.NoError(t, err)
	for id, qty := range want {
		assert.True(t, qty.Equal(got[id]), "%s: want %s got %s", id, qty, got[id])
	}
	assert.True(t, dec("2.364").Equal(got[beans]))
}

func TestAppendRejectsMalformedEntries(t *testing.T) {
	e, b := newEngine(t)
	ctx := context.Background()
	x := addProduct(t, b, "Sugar", "0")

	cases := map[string]domain.LedgerEntry{
		"both sides":      movement(x, domain.LedgerPurchase, "1", "1"),
		"neither side":    movement(x, domain.LedgerPurchase, "0", "0"),
		"negative in":     movement(x, domain.LedgerPurchase, "-1", "0"),
		"unknown type":    movement(x, "gift", "1", "0"),
		"missing product": movement(nil, domain.LedgerPurchase, "1", "0"),
	}
	for name, entry := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.Append(ctx, entry)
			assert.ErrorIs(t, err, store.ErrValidation)
		})
	}

	n, err := store.Count(ctx, b, store.TableInventoryLedger, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAppendAllowsNegativeStock(t *testing.T) {
	e, b := newEngine(t)
	ctx := context.Background()
	x := addProduct(t, b, "Ice", "5")

	_, err := e.Append(ctx, movement(x, domain.LedgerSale, "0", "3"))
	require.NoError(t, err)

	levels, err := e.Levels(ctx, []ident.ID{x})
	require.NoError(t, err)
	require.Len(t, levels, 1)
	assert.Equal(t, domain.StockNegative, levels[0].Status)
	assert.True(t, dec("-3").Equal(levels[0].Quantity))
}

func TestAppendStampsActorAndTime(t *testing.T) {
	b := memory.New()
	at := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
	e := New(b, WithClock(func() time.Time { return at }))
	x := addProduct(t, b, "Cups", "0")
	ctx := domain.WithActor(context.Background(), domain.Actor{Username: "sari", Role: domain.RoleCashier})

	entry, err := e.Append(ctx, movement(x, domain.LedgerPurchase, "100", "0"))
	require.NoError(t, err)
	assert.Equal(t, "sari", entry.CreatedBy)
	assert.Equal(t, at.UnixMilli(), entry.CreatedAt)

	stored, err := e.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry, stored)
}

func TestAdjustAppendsDifference(t *testing.T) {
	e, b := newEngine(t)
	ctx := context.Background()
	x := addProduct(t, b, "Oat milk", "0")
	_, err := e.Append(ctx, movement(x, domain.LedgerPurchase, "10", "0"))
	require.NoError(t, err)

	entry, err := e.Adjust(ctx, Adjustment{ProductID: x, Desired: dec("7.5"), Note: "spill"})
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, dec("2.5").Equal(entry.QuantityOut))
	assert.True(t, entry.QuantityIn.IsZero())
	assert.Equal(t, domain.LedgerAdjustment, entry.TransactionType)

	entry, err = e.Adjust(ctx, Adjustment{ProductID: x, Desired: dec("9")})
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, dec("1.5").Equal(entry.QuantityIn))

	stock, err := e.CurrentStock(ctx, x)
	require.NoError(t, err)
	assert.True(t, dec("9").Equal(stock))
}

func TestAdjustToCurrentStockIsNoop(t *testing.T) {
	e, b := newEngine(t)
	ctx := context.Background()
	x := addProduct(t, b, "Tea leaves", "0")
	_, err := e.Append(ctx, movement(x, domain.LedgerPurchase, "4", "0"))
	require.NoError(t, err)

	entry, err := e.Adjust(ctx, Adjustment{ProductID: x, Desired: dec("4.000")})
	require.NoError(t, err)
	assert.Nil(t, entry)

	n, err := store.Count(ctx, b, store.TableInventoryLedger, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStockFollowsEitherIdentity(t *testing.T) {
	e, b := newEngine(t)
	ctx := context.Background()
	x := addProduct(t, b, "Croissant", "0")
	remote := ident.RemoteID("0190f3c4-6b1e-7c3a-9d2f-00000000beef")
	_, err := b.Update(ctx, store.TableProducts, store.Row{store.ColRemoteID: string(remote), store.ColSynced: false}, store.Eq(store.ColID, x))
	require.NoError(t, err)

	_, err = e.Append(ctx, movement(x, domain.LedgerPurchase, "12", "0"))
	require.NoError(t, err)
	_, err = e.Append(ctx, movement(remote, domain.LedgerSale, "0", "5"))
	require.NoError(t, err)

	for _, id := range []ident.ID{x, remote} {
		stock, err := e.CurrentStock(ctx, id)
		require.NoError(t, err)
		assert.True(t, dec("7").Equal(stock), "by %s", id)
	}

	history, err := e.History(ctx, remote, 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestStockOfUnknownProductIsNotFound(t *testing.T) {
	e, _ := newEngine(t)
	_, err := e.CurrentStock(context.Background(), ident.LocalID(404))
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = e.Levels(context.Background(), []ident.ID{ident.LocalID(404)})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHistoryIsMostRecentFirst(t *testing.T) {
	b := memory.New()
	clock := int64(1000)
	e := New(b, WithClock(func() time.Time { clock += 10; return time.UnixMilli(clock) }))
	ctx := context.Background()
	x := addProduct(t, b, "Bagel", "0")

	for _, qty := range []string{"1", "2", "3"} {
		_, err := e.Append(ctx, movement(x, domain.LedgerPurchase, qty, "0"))
		require.NoError(t, err)
	}

	history, err := e.History(ctx, x, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, dec("3").Equal(history[0].QuantityIn))
	assert.True(t, dec("2").Equal(history[1].QuantityIn))
}

func TestReverseAppendsMirrorEntry(t *testing.T) {
	e, b := newEngine(t)
	ctx := context.Background()
	x := addProduct(t, b, "Matcha", "0")
	_, err := e.Append(ctx, movement(x, domain.LedgerPurchase, "5", "0"))
	require.NoError(t, err)
	wrong, err := e.Append(ctx, movement(x, domain.LedgerSale, "0", "2"))
	require.NoError(t, err)

	fix, err := e.Reverse(ctx, wrong.ID, "keyed twice")
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerCorrection, fix.TransactionType)
	assert.True(t, dec("2").Equal(fix.QuantityIn))
	assert.Equal(t, wrong.ID.String(), fix.ReferenceID)

	original, err := e.Get(ctx, wrong.ID)
	require.NoError(t, err)
	assert.Equal(t, wrong, original)

	stock, err := e.CurrentStock(ctx, x)
	require.NoError(t, err)
	assert.True(t, dec("5").Equal(stock))

	_, err = e.Reverse(ctx, fix.ID, "again")
	assert.ErrorIs(t, err, store.ErrValidation)
	_, err = e.Reverse(ctx, ident.LocalID(999), "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEntryIsReversedOnlyOnce(t *testing.T) {
	e, b := newEngine(t)
	ctx := context.Background()
	x := addProduct(t, b, "Oat milk", "0")
	_, err := e.Append(ctx, movement(x, domain.LedgerPurchase, "50", "0"))
	require.NoError(t, err)
	sale, err := e.Append(ctx, movement(x, domain.LedgerSale, "0", "10"))
	require.NoError(t, err)

	_, err = e.Reverse(ctx, sale.ID, "void")
	require.NoError(t, err)
	_, err = e.Reverse(ctx, sale.ID, "void again")
	assert.ErrorIs(t, err, ErrAlreadyReversed)
	assert.ErrorIs(t, err, store.ErrValidation)

	stock, err := e.CurrentStock(ctx, x)
	require.NoError(t, err)
	assert.True(t, dec("50").Equal(stock), "stock %s", stock)

	history, err := e.History(ctx, x, 0)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestReversalFollowsEitherIdentity(t *testing.T) {
	e, b := newEngine(t)
	ctx := context.Background()
	x := addProduct(t, b, "Ice", "0")
	sale, err := e.Append(ctx, movement(x, domain.LedgerSale, "0", "4"))
	require.NoError(t, err)

	_, err = b.Update(ctx, store.TableInventoryLedger, store.Row{store.ColRemoteID: "led-1", store.ColSynced: true}, store.Eq(store.ColID, sale.ID))
	require.NoError(t, err)

	_, err = e.Reverse(ctx, sale.ID, "")
	require.NoError(t, err)
	_, err = e.Reverse(ctx, ident.RemoteID("led-1"), "")
	assert.ErrorIs(t, err, ErrAlreadyReversed)
}

func TestLevelsReportLowStock(t *testing.T) {
	e, b := newEngine(t)
	ctx := context.Background()
	low := addProduct(t, b, "Almond milk", "2")
	ok := addProduct(t, b, "Water", "2")
	_, err := e.Append(ctx, movement(low, domain.LedgerPurchase, "2", "0"))
	require.NoError(t, err)
	_, err = e.Append(ctx, movement(ok, domain.LedgerPurchase, "24", "0"))
	require.NoError(t, err)

	levels, err := e.Levels(ctx, nil)
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Equal(t, "Almond milk", levels[0].Name)
	assert.Equal(t, domain.StockLow, levels[0].Status)
	assert.Equal(t, domain.StockOK, levels[1].Status)
}

func TestFoldIsPure(t *testing.T) {
	a, c := ident.LocalID(1), ident.RemoteID("c")
	entries := []domain.LedgerEntry{
		movement(a, domain.LedgerPurchase, "3", "0"),
		movement(c, domain.LedgerPurchase, "1", "0"),
		movement(a, domain.LedgerSale, "0", "1"),
	}
	first := Fold(entries)
	second := Fold(entries)
	assert.Equal(t, first, second)
	assert.True(t, dec("2").Equal(first[a]))
	assert.True(t, dec("1").Equal(first[c]))
	assert.Empty(t, Fold(nil))
}
