package credit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cafepos/internal/domain"
	"cafepos/internal/ident"
	"cafepos/internal/store"
	"cafepos/internal/store/memory"
)

func setup(t *testing.T) (*Engine, store.Backend, ident.ID) {
	t.Helper()
	b := memory.New()
	id, err := b.Insert(context.Background(), store.TableCustomers, store.Row{"name": "Dewi", "credit_balance_cents": int64(0)})
	require.NoError(t, err)
	return New(b), b, id
}

func projection(t *testing.T, b store.Backend, id ident.ID) int64 {
	t.Helper()
	row, err := store.Get(context.Background(), b, store.TableCustomers, id)
	require.NoError(t, err)
	return row.Int("credit_balance_cents")
}

func TestCreditThenPaymentsWithOverpaymentRejected(t *testing.T) {
	e, b, customer := setup(t)
	ctx := context.Background()

	txn, err := e.Append(ctx, Request{CustomerID: customer, Type: domain.CreditTypeCredit, AmountCents: 500})
	require.NoError(t, err)
	assert.Equal(t, int64(0), txn.BalanceBeforeCents)
	assert.Equal(t, int64(500), txn.BalanceAfterCents)

	txn, err = e.Append(ctx, Request{CustomerID: customer, Type: domain.CreditTypePayment, AmountCents: 200})
	require.NoError(t, err)
	assert.Equal(t, int64(500), txn.BalanceBeforeCents)
	assert.Equal(t, int64(300), txn.BalanceAfterCents)

	_, err = e.Append(ctx, Request{CustomerID: customer, Type: domain.CreditTypePayment, AmountCents: 400})
	require.ErrorIs(t, err, store.ErrValidation)
	assert.ErrorIs(t, err, ErrOverpayment)

	balance, err := e.Balance(ctx, customer)
	require.NoError(t, err)
	assert.Equal(t, int64(300), balance)
	assert.Equal(t, int64(300), projection(t, b, customer))

	n, err := store.Count(ctx, b, store.TableCreditTransactions, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "rejected payment must not write a transaction")
}

func TestTransactionsChain(t *testing.T) {
	e, b, customer := setup(t)
	ctx := domain.WithActor(context.Background(), domain.Actor{Username: "budi", Role: domain.RoleCashier})

	steps := []Request{
		{Type: domain.CreditTypeCredit, AmountCents: 1200},
		{Type: domain.CreditTypeCredit, AmountCents: 800},
		{Type: domain.CreditTypePayment, AmountCents: 2000},
		{Type: domain.CreditTypeCredit, AmountCents: 50},
	}
	for _, step := range steps {
		step.CustomerID = customer
		_, err := e.Append(ctx, step)
		require.NoError(t, err)
	}

	statement, err := e.Statement(ctx, customer, 0)
	require.NoError(t, err)
	require.Len(t, statement, len(steps))
	assert.Equal(t, int64(4), statement[0].Seq, "newest first")

	var prevAfter int64
	for i := len(statement) - 1; i >= 0; i-- {
		txn := statement[i]
		assert.Equal(t, prevAfter, txn.BalanceBeforeCents, "seq %d", txn.Seq)
		assert.Equal(t, "budi", txn.CreatedBy)
		prevAfter = txn.BalanceAfterCents
	}
	assert.Equal(t, prevAfter, projection(t, b, customer))
	assert.NoError(t, e.Verify(ctx, customer))
}

func TestPaymentOfExactBalanceClearsAccount(t *testing.T) {
	e, b, customer := setup(t)
	ctx := context.Background()

	_, err := e.Append(ctx, Request{CustomerID: customer, Type: domain.CreditTypeCredit, AmountCents: 750})
	require.NoError(t, err)
	txn, err := e.Append(ctx, Request{CustomerID: customer, Type: domain.CreditTypePayment, AmountCents: 750})
	require.NoError(t, err)
	assert.Zero(t, txn.BalanceAfterCents)
	assert.Zero(t, projection(t, b, customer))
}

func TestAppendValidation(t *testing.T) {
	e, _, customer := setup(t)
	ctx := context.Background()

	cases := map[string]Request{
		"zero amount":     {CustomerID: customer, Type: domain.CreditTypeCredit},
		"negative amount": {CustomerID: customer, Type: domain.CreditTypeCredit, AmountCents: -5},
		"unknown type":    {CustomerID: customer, Type: "gift", AmountCents: 5},
		"no customer":     {Type: domain.CreditTypeCredit, AmountCents: 5},
		"payment on zero": {CustomerID: customer, Type: domain.CreditTypePayment, AmountCents: 1},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.Append(ctx, req)
			assert.ErrorIs(t, err, store.ErrValidation)
		})
	}

	_, err := e.Append(ctx, Request{CustomerID: ident.LocalID(404), Type: domain.CreditTypeCredit, AmountCents: 5})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLogFollowsEitherIdentity(t *testing.T) {
	e, b, customer := setup(t)
	ctx := context.Background()
	remote := ident.RemoteID("0190f3c4-6b1e-7c3a-9d2f-0000000000c1")
	_, err := b.Update(ctx, store.TableCustomers, store.Row{store.ColRemoteID: string(remote), store.ColSynced: false}, store.Eq(store.ColID, customer))
	require.NoError(t, err)

	_, err = e.Append(ctx, Request{CustomerID: customer, Type: domain.CreditTypeCredit, AmountCents: 300})
	require.NoError(t, err)
	txn, err := e.Append(ctx, Request{CustomerID: remote, Type: domain.CreditTypePayment, AmountCents: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(2), txn.Seq)
	assert.Equal(t, customer, txn.CustomerID)

	balance, err := e.Balance(ctx, remote)
	require.NoError(t, err)
	assert.Equal(t, int64(200), balance)
}

func TestVerifyDetectsDriftAndRebuildRepairs(t *testing.T) {
	e, b, customer := setup(t)
	ctx := context.Background()
	_, err := e.Append(ctx, Request{CustomerID: customer, Type: domain.CreditTypeCredit, AmountCents: 900})
	require.NoError(t, err)

	_, err = b.Update(ctx, store.TableCustomers, store.Row{"credit_balance_cents": int64(1)}, store.Eq(store.ColID, customer))
	require.NoError(t, err)
	assert.ErrorIs(t, e.Verify(ctx, customer), store.ErrConflict)

	balance, err := e.Rebuild(ctx, customer)
	require.NoError(t, err)
	assert.Equal(t, int64(900), balance)
	assert.NoError(t, e.Verify(ctx, customer))
}

func TestOrderReferenceIsKept(t *testing.T) {
	e, _, customer := setup(t)
	ctx := context.Background()
	order := ident.LocalID(42)

	txn, err := e.Append(ctx, Request{CustomerID: customer, Type: domain.CreditTypeCredit, AmountCents: 4500, OrderID: order, Note: "tab"})
	require.NoError(t, err)

	statement, err := e.Statement(ctx, customer, 1)
	require.NoError(t, err)
	require.Len(t, statement, 1)
	assert.Equal(t, txn, statement[0])
	assert.Equal(t, order, statement[0].OrderID)
}
