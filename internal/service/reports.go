package service

import (
	"context"

	"cafepos/internal/domain"
	"cafepos/internal/ident"
	"cafepos/internal/store"
)

var reportMethods = []string{domain.PaymentCash, domain.PaymentCard, domain.PaymentQRIS, domain.PaymentCredit}

// DailySales totals the orders paid on one UTC day, with takings per payment
// method.
func (s *Service) DailySales(ctx context.Context, date string) (domain.DailyReport, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.DailyReport{}, err
	}
	from, to, err := s.dayRange(date)
	if err != nil {
		return domain.DailyReport{}, err
	}
	report := domain.DailyReport{From: from, To: to, Payments: []domain.DailyReportPayment{}}

	orders, err := s.db.Query(ctx, store.TableOrders, store.Query{
		Where: store.And(store.Eq("status", domain.OrderPaid), store.Between("paid_at", from, to)),
	})
	if err != nil {
		return domain.DailyReport{}, err
	}
	if len(orders) == 0 {
		return report, nil
	}

	var refs []ident.ID
	for _, o := range orders {
		report.Orders++
		report.SubtotalCents += o.Int("subtotal_cents")
		report.DiscountCents += o.Int("discount_cents")
		report.TaxCents += o.Int("tax_cents")
		report.TotalCents += o.Int("total_cents")
		refs = append(refs, o.Aliases()...)
	}

	payments, err := s.db.Query(ctx, store.TablePayments, store.Query{Where: store.In("order_id", store.IDs(refs)...)})
	if err != nil {
		return domain.DailyReport{}, err
	}
	byMethod := make(map[string]*domain.DailyReportPayment)
	for _, p := range payments {
		method := p.Text("method")
		agg, ok := byMethod[method]
		if !ok {
			agg = &domain.DailyReportPayment{Method: method}
			byMethod[method] = agg
		}
		agg.Count++
		agg.AmountCents += p.Int("amount_cents")
	}
	for _, method := range reportMethods {
		if agg, ok := byMethod[method]; ok {
			report.Payments = append(report.Payments, *agg)
		}
	}
	return report, nil
}
