package syncq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"cafepos/internal/ident"
	"cafepos/internal/store"
	"cafepos/internal/store/memory"
)

// fakeReplica keeps documents in memory and can be told to fail.
type fakeReplica struct {
	mu      sync.Mutex
	docs    map[string]map[ident.RemoteID]store.Row
	calls   int
	pingErr error
	failAll error
	reject  map[ident.RemoteID]bool
	onPush  func()
}

func newFakeReplica() *fakeReplica {
	return &fakeReplica{docs: map[string]map[ident.RemoteID]store.Row{}, reject: map[ident.RemoteID]bool{}}
}

func (f *fakeReplica) Ping(context.Context) error { return f.pingErr }

func (f *fakeReplica) Close() error { return nil }

func (f *fakeReplica) Upsert(_ context.Context, table string, docs []store.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.onPush != nil {
		f.onPush()
	}
	if f.failAll != nil {
		return f.failAll
	}
	for _, doc := range docs {
		if f.reject[doc.Key] {
			return store.Conflict("upsert", table, fmt.Errorf("rejected %s", doc.Key))
		}
	}
	if f.docs[table] == nil {
		f.docs[table] = map[ident.RemoteID]store.Row{}
	}
	for _, doc := range docs {
		f.docs[table][doc.Key] = doc.Fields.Clone()
	}
	return nil
}

func (f *fakeReplica) count(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs[table])
}

func sequentialIDs() func() ident.RemoteID {
	n := 0
	return func() ident.RemoteID {
		n++
		return ident.RemoteID(fmt.Sprintf("r-%03d", n))
	}
}

func tickingClock() func() time.Time {
	var mu sync.Mutex
	at := time.Date(2026, 1, 1, 7, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		at = at.Add(time.Millisecond)
		return at
	}
}

func newDriver(t *testing.T, replica Replica) (*Driver, *memory.Store) {
	t.Helper()
	primary := memory.New(memory.WithClock(tickingClock()))
	d := New(primary, replica, Config{BatchSize: 50}, WithLogger(zaptest.NewLogger(t)), WithIDGenerator(sequentialIDs()))
	return d, primary
}

func synced(t *testing.T, b store.Backend, table string, id ident.ID) bool {
	t.Helper()
	row, err := store.Get(context.Background(), b, table, id)
	require.NoError(t, err)
	return row.Bool(store.ColSynced)
}

func TestOfflineRowIsPushedWhenReplicaReturns(t *testing.T) {
	replica := newFakeReplica()
	d, primary := newDriver(t, replica)
	ctx := context.Background()

	id, err := primary.Insert(ctx, store.TableOrders, store.Row{"order_no": "A-001", "status": "paid", "total_cents": int64(4500)})
	require.NoError(t, err)
	assert.False(t, synced(t, primary, store.TableOrders, id))

	replica.failAll = store.Transient("upsert", store.TableOrders, errors.New("connection reset"))
	_, err = d.PushOnce(ctx)
	require.Error(t, err)
	assert.True(t, store.IsTransient(err))
	assert.False(t, synced(t, primary, store.TableOrders, id), "failed push leaves the row pending")

	replica.failAll = nil
	report, err := d.PushOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pushed[store.TableOrders])
	assert.True(t, synced(t, primary, store.TableOrders, id))

	row, err := store.Get(ctx, primary, store.TableOrders, id)
	require.NoError(t, err)
	doc := replica.docs[store.TableOrders][ident.RemoteID(row.Text(store.ColRemoteID))]
	require.NotNil(t, doc)
	assert.Equal(t, "A-001", doc.Text("order_no"))
}

func TestSecondPushIsNoop(t *testing.T) {
	replica := newFakeReplica()
	d, primary := newDriver(t, replica)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := primary.Insert(ctx, store.TableCategories, store.Row{"name": fmt.Sprintf("cat-%d", i)})
		require.NoError(t, err)
	}
	_, err := d.PushOnce(ctx)
	require.NoError(t, err)
	calls := replica.calls

	report, err := d.PushOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.TotalPushed())
	assert.Equal(t, calls, replica.calls, "synced rows are not sent again")
	assert.Equal(t, 3, replica.count(store.TableCategories))
}

func TestRemoteIDIsStableAcrossRetries(t *testing.T) {
	replica := newFakeReplica()
	d, primary := newDriver(t, replica)
	ctx := context.Background()

	id, err := primary.Insert(ctx, store.TableSuppliers, store.Row{"name": "Roastery"})
	require.NoError(t, err)

	replica.failAll = store.Transient("upsert", store.TableSuppliers, errors.New("timeout"))
	_, err = d.PushOnce(ctx)
	require.Error(t, err)
	first, err := store.Get(ctx, primary, store.TableSuppliers, id)
	require.NoError(t, err)
	remote := first.Text(store.ColRemoteID)
	require.NotEmpty(t, remote)

	replica.failAll = nil
	_, err = d.PushOnce(ctx)
	require.NoError(t, err)
	again, err := store.Get(ctx, primary, store.TableSuppliers, id)
	require.NoError(t, err)
	assert.Equal(t, remote, again.Text(store.ColRemoteID))
	assert.Equal(t, first.Int(store.ColUpdatedAt), again.Int(store.ColUpdatedAt), "bookkeeping leaves updated_at alone")
	assert.Equal(t, 1, replica.count(store.TableSuppliers))
}

func TestReferencesAreTranslated(t *testing.T) {
	replica := newFakeReplica()
	d, primary := newDriver(t, replica)
	ctx := context.Background()

	order, err := primary.Insert(ctx, store.TableOrders, store.Row{"order_no": "A-002", "status": "pending"})
	require.NoError(t, err)
	product, err := primary.Insert(ctx, store.TableProducts, store.Row{"name": "Latte"})
	require.NoError(t, err)
	item, err := primary.Insert(ctx, store.TableOrderItems, store.Row{"order_id": order, "product_id": product, "quantity": "2"})
	require.NoError(t, err)

	_, err = d.PushOnce(ctx)
	require.NoError(t, err)

	orderRow, err := store.Get(ctx, primary, store.TableOrders, order)
	require.NoError(t, err)
	productRow, err := store.Get(ctx, primary, store.TableProducts, product)
	require.NoError(t, err)
	itemRow, err := store.Get(ctx, primary, store.TableOrderItems, item)
	require.NoError(t, err)

	doc := replica.docs[store.TableOrderItems][ident.RemoteID(itemRow.Text(store.ColRemoteID))]
	require.NotNil(t, doc)
	assert.Equal(t, ident.RemoteID(orderRow.Text(store.ColRemoteID)), doc["order_id"])
	assert.Equal(t, ident.RemoteID(productRow.Text(store.ColRemoteID)), doc["product_id"])
	assert.Equal(t, item, doc[store.ColLocalID])
}

func TestLedgerReferenceIDIsTranslated(t *testing.T) {
	replica := newFakeReplica()
	d, primary := newDriver(t, replica)
	ctx := context.Background()

	product, err := primary.Insert(ctx, store.TableProducts, store.Row{"name": "Beans"})
	require.NoError(t, err)
	purchase, err := primary.Insert(ctx, store.TablePurchases, store.Row{"invoice_no": "PO-1", "status": "received"})
	require.NoError(t, err)
	entry := func(refType, refID string) ident.ID {
		id, err := primary.Insert(ctx, store.TableInventoryLedger, store.Row{
			"product_id":       product,
			"quantity_in":      "5",
			"quantity_out":     "0",
			"transaction_type": "purchase",
			"reference_type":   refType,
			"reference_id":     refID,
		})
		require.NoError(t, err)
		return id
	}
	received := entry(store.TablePurchases, purchase.String())
	reversal := entry(store.TableInventoryLedger, received.String())
	manual := entry("stock_count", "7")

	_, err = d.PushOnce(ctx)
	require.NoError(t, err)

	remoteOf := func(table string, id ident.ID) string {
		row, err := store.Get(ctx, primary, table, id)
		require.NoError(t, err)
		return row.Text(store.ColRemoteID)
	}
	docs := replica.docs[store.TableInventoryLedger]
	assert.Equal(t, remoteOf(store.TablePurchases, purchase), docs[ident.RemoteID(remoteOf(store.TableInventoryLedger, received))]["reference_id"])
	assert.Equal(t, remoteOf(store.TableInventoryLedger, received), docs[ident.RemoteID(remoteOf(store.TableInventoryLedger, reversal))]["reference_id"])
	assert.Equal(t, "7", docs[ident.RemoteID(remoteOf(store.TableInventoryLedger, manual))]["reference_id"])
}

func TestPushedDocumentKeepsLogicalFields(t *testing.T) {
	replica := newFakeReplica()
	d, primary := newDriver(t, replica)
	ctx := context.Background()

	customer, err := primary.Insert(ctx, store.TableCustomers, store.Row{"name": "Rina", "phone": "0812", "credit_balance_cents": int64(300)})
	require.NoError(t, err)
	_, err = d.PushOnce(ctx)
	require.NoError(t, err)

	row, err := store.Get(ctx, primary, store.TableCustomers, customer)
	require.NoError(t, err)
	doc := replica.docs[store.TableCustomers][ident.RemoteID(row.Text(store.ColRemoteID))]
	require.NotNil(t, doc)

	for _, col := range []string{"name", "phone", "credit_balance_cents", store.ColCreatedAt, store.ColUpdatedAt} {
		assert.Equal(t, row[col], doc[col], col)
	}
	assert.Equal(t, true, doc[store.ColSynced])
	assert.NotContains(t, doc, store.ColID)
}

func TestRejectedRowDoesNotBlockOthers(t *testing.T) {
	replica := newFakeReplica()
	d, primary := newDriver(t, replica)
	ctx := context.Background()

	good, err := primary.Insert(ctx, store.TableTables, store.Row{"name": "T1", "status": "free"})
	require.NoError(t, err)
	bad, err := primary.Insert(ctx, store.TableTables, store.Row{"name": "T2", "status": "free", store.ColRemoteID: "poison"})
	require.NoError(t, err)
	replica.reject["poison"] = true

	report, err := d.PushOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pushed[store.TableTables])
	assert.Equal(t, 1, report.Conflicts[store.TableTables])
	assert.True(t, synced(t, primary, store.TableTables, good))
	assert.False(t, synced(t, primary, store.TableTables, bad), "rejected rows stay pending")
}

func TestRowEditedDuringPushStaysPending(t *testing.T) {
	replica := newFakeReplica()
	d, primary := newDriver(t, replica)
	ctx := context.Background()

	id, err := primary.Insert(ctx, store.TableProducts, store.Row{"name": "Flat white", "price_cents": int64(3000)})
	require.NoError(t, err)
	replica.onPush = func() {
		replica.onPush = nil
		_, err := primary.Update(ctx, store.TableProducts, store.Row{"price_cents": int64(3200)}, store.Eq(store.ColID, id))
		require.NoError(t, err)
	}

	_, err = d.PushOnce(ctx)
	require.NoError(t, err)
	assert.False(t, synced(t, primary, store.TableProducts, id), "local edit wins over the in-flight push")

	_, err = d.PushOnce(ctx)
	require.NoError(t, err)
	assert.True(t, synced(t, primary, store.TableProducts, id))
	row, err := store.Get(ctx, primary, store.TableProducts, id)
	require.NoError(t, err)
	assert.Equal(t, int64(3200), replica.docs[store.TableProducts][ident.RemoteID(row.Text(store.ColRemoteID))].Int("price_cents"))
}

func TestNonSyncableTablesStayLocal(t *testing.T) {
	replica := newFakeReplica()
	d, primary := newDriver(t, replica)
	ctx := context.Background()

	_, err := primary.Insert(ctx, store.TableAuditLogs, store.Row{"actor": "admin", "action": "login"})
	require.NoError(t, err)
	_, err = d.PushOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, replica.calls)
}

type busyLease struct{}

func (busyLease) Acquire(context.Context, string, time.Duration) (string, bool, error) {
	return "", false, nil
}

func (busyLease) Release(context.Context, string, string) error { return nil }

func TestHeldLeaseSkipsCycle(t *testing.T) {
	replica := newFakeReplica()
	primary := memory.New()
	d := New(primary, replica, Config{}, WithLease(busyLease{}))
	ctx := context.Background()
	_, err := primary.Insert(ctx, store.TableCategories, store.Row{"name": "Tea"})
	require.NoError(t, err)

	report, err := d.PushOnce(ctx)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Zero(t, replica.calls)
}

func TestStatusCountsPending(t *testing.T) {
	replica := newFakeReplica()
	d, primary := newDriver(t, replica)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := primary.Insert(ctx, store.TablePayments, store.Row{"method": "cash", "amount_cents": int64(100)})
		require.NoError(t, err)
	}
	status, err := d.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, status.TotalPending)

	_, err = d.PushOnce(ctx)
	require.NoError(t, err)
	status, err = d.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.TotalPending)
	assert.Len(t, status.Tables, len(store.SyncableTables()))
}

func TestRunPushesUntilCancelled(t *testing.T) {
	replica := newFakeReplica()
	primary := memory.New()
	d := New(primary, replica, Config{Interval: 10 * time.Millisecond, InitialBackoff: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := primary.Insert(ctx, store.TableDaySessions, store.Row{"status": "open", "opened_by": "admin"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	assert.Eventually(t, func() bool {
		row, err := store.Get(ctx, primary, store.TableDaySessions, id)
		return err == nil && row.Bool(store.ColSynced)
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRunSkipsWhileOffline(t *testing.T) {
	replica := newFakeReplica()
	replica.pingErr = errors.New("no route to host")
	primary := memory.New()
	d := New(primary, replica, Config{Interval: 5 * time.Millisecond, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := primary.Insert(ctx, store.TableCategories, store.Row{"name": "Offline"})
	require.NoError(t, err)
	require.NoError(t, d.Run(ctx))
	assert.Zero(t, replica.calls)
}
