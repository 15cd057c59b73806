// Package credit tracks what customers owe as an append-only transaction
// log. Every transaction records the balance before and after it, and the
// customer row carries the latest balance as a projection of the log.
package credit

import (
	"context"
	"fmt"
	"time"

	"cafepos/internal/domain"
	"cafepos/internal/ident"
	"cafepos/internal/store"
)

var (
	ErrOverpayment   = fmt.Errorf("%w: payment exceeds outstanding balance", store.ErrValidation)
	ErrInvalidAmount = fmt.Errorf("%w: amount must be positive", store.ErrValidation)
	ErrUnknownType   = fmt.Errorf("%w: unknown credit transaction type", store.ErrValidation)
)

// Request describes one movement on a customer's account. Credit increases
// what the customer owes, payment reduces it.
type Request struct {
	CustomerID  ident.ID
	Type        string
	AmountCents int64
	OrderID     ident.ID
	Note        string
}

type Engine struct {
	b   store.Backend
	now func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(b store.Backend, opts ...Option) *Engine {
	e := &Engine{b: b, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) WithBackend(b store.Backend) *Engine {
	return &Engine{b: b, now: e.now}
}

// Append writes one transaction and moves the customer's projection to its
// balance_after, both in one transaction. A payment larger than the
// outstanding balance is refused and nothing is written.
func (e *Engine) Append(ctx context.Context, req Request) (domain.CreditTransaction, error) {
	if req.CustomerID == nil {
		return domain.CreditTransaction{}, store.Validationf("credit: customer id is required")
	}
	if req.Type != domain.CreditTypeCredit && req.Type != domain.CreditTypePayment {
		return domain.CreditTransaction{}, ErrUnknownType
	}
	if req.AmountCents <= 0 {
		return domain.CreditTransaction{}, ErrInvalidAmount
	}

	var out domain.CreditTransaction
	err := e.b.InTx(ctx, func(tx store.Backend) error {
		customer, err := store.Get(ctx, tx, store.TableCustomers, req.CustomerID)
		if err != nil {
			return err
		}
		last, err := latest(ctx, tx, customer.Aliases())
		if err != nil {
			return err
		}

		before := last.BalanceAfterCents
		after := before + req.AmountCents
		if req.Type == domain.CreditTypePayment {
			if req.AmountCents > before {
				return ErrOverpayment
			}
			after = before - req.AmountCents
		}

		out = domain.CreditTransaction{
			CustomerID:         customer.ID(),
			OrderID:            req.OrderID,
			Seq:                last.Seq + 1,
			Type:               req.Type,
			AmountCents:        req.AmountCents,
			BalanceBeforeCents: before,
			BalanceAfterCents:  after,
			Note:               req.Note,
			CreatedBy:          domain.ActorName(ctx),
			CreatedAt:          store.NowMillis(e.now()),
		}
		id, err := tx.Insert(ctx, store.TableCreditTransactions, transactionRow(out))
		if err != nil {
			return err
		}
		out.ID = id

		_, err = tx.Update(ctx, store.TableCustomers, store.Row{"credit_balance_cents": after}, store.Eq(store.ColID, customer.ID()))
		return err
	})
	if err != nil {
		return domain.CreditTransaction{}, err
	}
	return out, nil
}

// Balance is the balance_after of the customer's latest transaction, or zero
// when there is none.
func (e *Engine) Balance(ctx context.Context, customerID ident.ID) (int64, error) {
	customer, err := store.Get(ctx, e.b, store.TableCustomers, customerID)
	if err != nil {
		return 0, err
	}
	last, err := latest(ctx, e.b, customer.Aliases())
	if err != nil {
		return 0, err
	}
	return last.BalanceAfterCents, nil
}

// Statement lists the customer's transactions, newest first.
func (e *Engine) Statement(ctx context.Context, customerID ident.ID, limit int) ([]domain.CreditTransaction, error) {
	customer, err := store.Get(ctx, e.b, store.TableCustomers, customerID)
	if err != nil {
		return nil, err
	}
	return list(ctx, e.b, customer.Aliases(), true, limit)
}

// Verify walks the log oldest first and checks that it chains and that the
// projection on the customer matches its end.
func (e *Engine) Verify(ctx context.Context, customerID ident.ID) error {
	customer, err := store.Get(ctx, e.b, store.TableCustomers, customerID)
	if err != nil {
		return err
	}
	txns, err := list(ctx, e.b, customer.Aliases(), false, 0)
	if err != nil {
		return err
	}

	var balance, seq int64
	for _, t := range txns {
		seq++
		if t.Seq != seq {
			return inconsistent("seq %d found where %d expected", t.Seq, seq)
		}
		if t.BalanceBeforeCents != balance {
			return inconsistent("seq %d: balance_before %d, previous balance_after %d", t.Seq, t.BalanceBeforeCents, balance)
		}
		want := balance + t.AmountCents
		if t.Type == domain.CreditTypePayment {
			want = balance - t.AmountCents
		}
		if t.BalanceAfterCents != want {
			return inconsistent("seq %d: balance_after %d, want %d", t.Seq, t.BalanceAfterCents, want)
		}
		balance = t.BalanceAfterCents
	}
	if got := customer.Int("credit_balance_cents"); got != balance {
		return inconsistent("customer balance %d, log ends at %d", got, balance)
	}
	return nil
}

// Rebuild resets the customer's projection from the log and returns it.
func (e *Engine) Rebuild(ctx context.Context, customerID ident.ID) (int64, error) {
	var balance int64
	err := e.b.InTx(ctx, func(tx store.Backend) error {
		customer, err := store.Get(ctx, tx, store.TableCustomers, customerID)
		if err != nil {
			return err
		}
		last, err := latest(ctx, tx, customer.Aliases())
		if err != nil {
			return err
		}
		balance = last.BalanceAfterCents
		if customer.Int("credit_balance_cents") == balance {
			return nil
		}
		_, err = tx.Update(ctx, store.TableCustomers, store.Row{"credit_balance_cents": balance}, store.Eq(store.ColID, customer.ID()))
		return err
	})
	return balance, err
}

func inconsistent(format string, args ...any) error {
	return store.Conflict("verify", store.TableCreditTransactions, fmt.Errorf(format, args...))
}

func latest(ctx context.Context, b store.Backend, customer []ident.ID) (domain.CreditTransaction, error) {
	txns, err := list(ctx, b, customer, true, 1)
	if err != nil || len(txns) == 0 {
		return domain.CreditTransaction{}, err
	}
	return txns[0], nil
}

func list(ctx context.Context, b store.Backend, customer []ident.ID, newestFirst bool, limit int) ([]domain.CreditTransaction, error) {
	order := store.Asc("seq")
	if newestFirst {
		order = store.Desc("seq")
	}
	rows, err := b.Query(ctx, store.TableCreditTransactions, store.Query{
		Where:   store.In("customer_id", store.IDs(customer)...),
		OrderBy: []store.Order{order},
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.CreditTransaction, 0, len(rows))
	for _, row := range rows {
		out = append(out, transactionFromRow(row))
	}
	return out, nil
}

func transactionRow(t domain.CreditTransaction) store.Row {
	row := store.Row{
		"customer_id":          t.CustomerID,
		"seq":                  t.Seq,
		"type":                 t.Type,
		"amount_cents":         t.AmountCents,
		"balance_before_cents": t.BalanceBeforeCents,
		"balance_after_cents":  t.BalanceAfterCents,
		"note":                 t.Note,
		"created_by":           t.CreatedBy,
		store.ColCreatedAt:     t.CreatedAt,
	}
	if t.OrderID != nil {
		row["order_id"] = t.OrderID
	}
	return row
}

func transactionFromRow(row store.Row) domain.CreditTransaction {
	return domain.CreditTransaction{
		ID:                 row.ID(),
		CustomerID:         row.Ref("customer_id"),
		OrderID:            row.Ref("order_id"),
		Seq:                row.Int("seq"),
		Type:               row.Text("type"),
		AmountCents:        row.Int("amount_cents"),
		BalanceBeforeCents: row.Int("balance_before_cents"),
		BalanceAfterCents:  row.Int("balance_after_cents"),
		Note:               row.Text("note"),
		CreatedBy:          row.Text("created_by"),
		CreatedAt:          row.Int(store.ColCreatedAt),
	}
}
