package service

import (
	"context"
	"fmt"

	"cafepos/internal/domain"
	"cafepos/internal/ident"
	"cafepos/internal/store"
)

// OpenDay starts a business day with the cash counted into the drawer. Only
// one day may be open at a time.
func (s *Service) OpenDay(ctx context.Context, req domain.DayOpenRequest) (domain.DaySession, error) {
	if req.OpeningCashCents < 0 {
		return domain.DaySession{}, store.Validationf("opening cash must not be negative")
	}
	var id ident.ID
	err := s.db.InTx(ctx, func(tx store.Backend) error {
		current, err := openDay(ctx, tx)
		if err != nil {
			return err
		}
		if current != nil {
			return ErrDayAlreadyOpen
		}
		id, err = tx.Insert(ctx, store.TableDaySessions, store.Row{
			"status":             domain.DayOpen,
			"opened_by":          domain.ActorName(ctx),
			"opening_cash_cents": req.OpeningCashCents,
			"opened_at":          s.nowMillis(),
		})
		return err
	})
	if err != nil {
		return domain.DaySession{}, err
	}
	s.logAudit(ctx, "day_open", "day_session", id, fmt.Sprintf("opening_cash=%d", req.OpeningCashCents))
	row, err := store.Get(ctx, s.db, store.TableDaySessions, id)
	if err != nil {
		return domain.DaySession{}, err
	}
	return daySessionFromRow(row), nil
}

// CloseDay closes the open day. Expected cash is the opening float plus every
// cash payment taken on orders of the day.
func (s *Service) CloseDay(ctx context.Context, req domain.DayCloseRequest) (domain.DaySession, error) {
	if req.ClosingCashCents < 0 {
		return domain.DaySession{}, store.Validationf("closing cash must not be negative")
	}
	var id ident.ID
	var expected int64
	err := s.db.InTx(ctx, func(tx store.Backend) error {
		day, err := openDay(ctx, tx)
		if err != nil {
			return err
		}
		if day == nil {
			return ErrDayNotOpen
		}
		id = day.ID()

		cash, err := cashTaken(ctx, tx, day.Aliases())
		if err != nil {
			return err
		}
		expected = day.Int("opening_cash_cents") + cash

		n, err := tx.Update(ctx, store.TableDaySessions, store.Row{
			"status":              domain.DayClosed,
			"closed_by":           domain.ActorName(ctx),
			"closing_cash_cents":  req.ClosingCashCents,
			"expected_cash_cents": expected,
			"closed_at":           s.nowMillis(),
		}, store.And(store.Eq(store.ColID, id), store.Eq("status", domain.DayOpen)))
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrDayNotOpen
		}
		return nil
	})
	if err != nil {
		return domain.DaySession{}, err
	}
	s.logAudit(ctx, "day_close", "day_session", id,
		fmt.Sprintf("closing_cash=%d,expected=%d,variance=%d", req.ClosingCashCents, expected, req.ClosingCashCents-expected))
	row, err := store.Get(ctx, s.db, store.TableDaySessions, id)
	if err != nil {
		return domain.DaySession{}, err
	}
	return daySessionFromRow(row), nil
}

// CurrentDay returns the open day session or ErrDayNotOpen.
func (s *Service) CurrentDay(ctx context.Context) (domain.DaySession, error) {
	day, err := openDay(ctx, s.db)
	if err != nil {
		return domain.DaySession{}, err
	}
	if day == nil {
		return domain.DaySession{}, ErrDayNotOpen
	}
	return daySessionFromRow(day), nil
}

func openDay(ctx context.Context, b store.Backend) (store.Row, error) {
	rows, err := b.Query(ctx, store.TableDaySessions, store.Query{
		Where:   store.Eq("status", domain.DayOpen),
		OrderBy: []store.Order{store.Desc("opened_at")},
		Limit:   1,
	})
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

func cashTaken(ctx context.Context, b store.Backend, day []ident.ID) (int64, error) {
	orders, err := b.Query(ctx, store.TableOrders, store.Query{
		Where: store.And(store.In("day_session_id", store.IDs(day)...), store.Eq("status", domain.OrderPaid)),
	})
	if err != nil || len(orders) == 0 {
		return 0, err
	}
	var refs []ident.ID
	for _, o := range orders {
		refs = append(refs, o.Aliases()...)
	}
	payments, err := b.Query(ctx, store.TablePayments, store.Query{
		Where: store.And(store.In("order_id", store.IDs(refs)...), store.Eq("method", domain.PaymentCash)),
	})
	if err != nil {
		return 0, err
	}
	var total int64
	for _, p := range payments {
		total += p.Int("amount_cents")
	}
	return total, nil
}

func daySessionFromRow(row store.Row) domain.DaySession {
	return domain.DaySession{
		ID:                row.ID(),
		Status:            row.Text("status"),
		OpenedBy:          row.Text("opened_by"),
		ClosedBy:          row.Text("closed_by"),
		OpeningCashCents:  row.Int("opening_cash_cents"),
		ClosingCashCents:  row.Int("closing_cash_cents"),
		ExpectedCashCents: row.Int("expected_cash_cents"),
		OpenedAt:          row.Int("opened_at"),
		ClosedAt:          row.Int("closed_at"),
	}
}
