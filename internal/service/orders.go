package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cafepos/internal/credit"
	"cafepos/internal/domain"
	"cafepos/internal/ident"
	"cafepos/internal/store"
	"cafepos/internal/xid"
)

func (s *Service) CreateOrder(ctx context.Context, req domain.OrderCreateRequest) (domain.Order, error) {
	req.OrderType = strings.ToLower(strings.TrimSpace(req.OrderType))
	if req.OrderType == "" {
		req.OrderType = domain.OrderTakeaway
	}
	if req.OrderType != domain.OrderDineIn && req.OrderType != domain.OrderTakeaway {
		return domain.Order{}, store.Validationf("order_type must be %s or %s", domain.OrderDineIn, domain.OrderTakeaway)
	}
	tableID, err := parseOptionalID(req.TableID, "table_id")
	if err != nil {
		return domain.Order{}, err
	}
	if req.OrderType == domain.OrderDineIn && tableID == nil {
		return domain.Order{}, store.Validationf("a dine-in order needs a table")
	}
	if req.OrderType == domain.OrderTakeaway && tableID != nil {
		return domain.Order{}, store.Validationf("a takeaway order has no table")
	}
	customerID, err := parseOptionalID(req.CustomerID, "customer_id")
	if err != nil {
		return domain.Order{}, err
	}

	now := s.now()
	row := store.Row{
		"order_no":         xid.New("ORD", now),
		"order_type":       req.OrderType,
		"status":           domain.OrderPending,
		"subtotal_cents":   int64(0),
		"discount_cents":   int64(0),
		"tax_cents":        int64(0),
		"total_cents":      int64(0),
		"note":             strings.TrimSpace(req.Note),
		"created_by":       domain.ActorName(ctx),
		store.ColCreatedAt: store.NowMillis(now),
	}

	var id ident.ID
	err = s.db.InTx(ctx, func(tx store.Backend) error {
		if customerID != nil {
			customer, err := store.Get(ctx, tx, store.TableCustomers, customerID)
			if err != nil {
				return err
			}
			row["customer_id"] = customer.ID()
		}
		day, err := openDay(ctx, tx)
		if err != nil {
			return err
		}
		if day != nil {
			row["day_session_id"] = day.ID()
		}
		if tableID != nil {
			table, err := store.Get(ctx, tx, store.TableTables, tableID)
			if err != nil {
				return err
			}
			n, err := tx.Update(ctx, store.TableTables,
				store.Row{"status": domain.TableOccupied},
				store.And(store.Eq(store.ColID, table.ID()), store.Eq("status", domain.TableFree)))
			if err != nil {
				return err
			}
			if n == 0 {
				return ErrTableOccupied
			}
			row["table_id"] = table.ID()
		}
		id, err = tx.Insert(ctx, store.TableOrders, row)
		return err
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.logAudit(ctx, "order_create", "order", id, fmt.Sprintf("order_no=%s,type=%s", row["order_no"], req.OrderType))
	return s.getOrder(ctx, s.db, id)
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	id, err := parseID(orderID, "order_id")
	if err != nil {
		return domain.Order{}, err
	}
	return s.getOrder(ctx, s.db, id)
}

// ListOrders returns order headers, newest first. Items and payments are
// loaded by GetOrder.
func (s *Service) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	var where []store.Filter
	if status := strings.TrimSpace(filter.Status); status != "" {
		where = append(where, store.Eq("status", status))
	}
	if filter.From > 0 {
		where = append(where, store.Gte(store.ColCreatedAt, filter.From))
	}
	if filter.To > 0 {
		where = append(where, store.Lt(store.ColCreatedAt, filter.To))
	}
	limit := filter.Limit
	if limit < 1 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, store.TableOrders, store.Query{
		Where:   store.And(where...),
		OrderBy: []store.Order{store.Desc(store.ColCreatedAt)},
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Order, 0, len(rows))
	for _, row := range rows {
		out = append(out, orderFromRow(row))
	}
	return out, nil
}

func (s *Service) AddOrderItem(ctx context.Context, orderID string, req domain.OrderItemRequest) (domain.Order, error) {
	id, err := parseID(orderID, "order_id")
	if err != nil {
		return domain.Order{}, err
	}
	productID, err := parseID(req.ProductID, "product_id")
	if err != nil {
		return domain.Order{}, err
	}
	if !req.Quantity.IsPositive() {
		return domain.Order{}, store.Validationf("quantity must be positive")
	}

	err = s.db.InTx(ctx, func(tx store.Backend) error {
		order, err := pendingOrder(ctx, tx, id)
		if err != nil {
			return err
		}
		product, err := store.Get(ctx, tx, store.TableProducts, productID)
		if err != nil {
			return err
		}
		if !product.Bool("is_active") || !product.Bool("is_sellable") {
			return store.Validationf("product %s is not for sale", product.Text("name"))
		}
		price := product.Int("price_cents")
		if _, err := tx.Insert(ctx, store.TableOrderItems, store.Row{
			"order_id":         order.ID(),
			"product_id":       product.ID(),
			"product_name":     product.Text("name"),
			"quantity":         req.Quantity,
			"unit_price_cents": price,
			"line_total_cents": lineTotal(price, req.Quantity),
			"note":             strings.TrimSpace(req.Note),
		}); err != nil {
			return err
		}
		return s.recomputeTotals(ctx, tx, order, nil)
	})
	if err != nil {
		return domain.Order{}, err
	}
	return s.getOrder(ctx, s.db, id)
}

func (s *Service) RemoveOrderItem(ctx context.Context, orderID string, itemID string) (domain.Order, error) {
	id, err := parseID(orderID, "order_id")
	if err != nil {
		return domain.Order{}, err
	}
	item, err := parseID(itemID, "item_id")
	if err != nil {
		return domain.Order{}, err
	}

	err = s.db.InTx(ctx, func(tx store.Backend) error {
		order, err := pendingOrder(ctx, tx, id)
		if err != nil {
			return err
		}
		n, err := tx.Delete(ctx, store.TableOrderItems, store.And(
			store.Eq(store.ColID, item),
			store.In("order_id", store.IDs(order.Aliases())...),
		))
		if err != nil {
			return err
		}
		if n == 0 {
			return store.NotFound(store.TableOrderItems, item)
		}
		return s.recomputeTotals(ctx, tx, order, nil)
	})
	if err != nil {
		return domain.Order{}, err
	}
	return s.getOrder(ctx, s.db, id)
}

func (s *Service) SetOrderDiscount(ctx context.Context, orderID string, req domain.OrderDiscountRequest) (domain.Order, error) {
	id, err := parseID(orderID, "order_id")
	if err != nil {
		return domain.Order{}, err
	}
	if req.DiscountCents < 0 {
		return domain.Order{}, store.Validationf("discount must not be negative")
	}

	err = s.db.InTx(ctx, func(tx store.Backend) error {
		order, err := store.Get(ctx, tx, store.TableOrders, id)
		if err != nil {
			return err
		}
		if order.Text("status") == domain.OrderPaid {
			return ErrOrderPaid
		}
		if req.DiscountCents > order.Int("subtotal_cents") {
			return store.Validationf("discount exceeds subtotal")
		}
		return s.recomputeTotals(ctx, tx, order, &req.DiscountCents)
	})
	if err != nil {
		return domain.Order{}, err
	}
	s.logAudit(ctx, "order_discount", "order", id, fmt.Sprintf("discount=%d", req.DiscountCents))
	return s.getOrder(ctx, s.db, id)
}

// ConfirmOrder sends a pending order with items to the kitchen. A confirmed
// order keeps its items and can only be paid.
func (s *Service) ConfirmOrder(ctx context.Context, orderID string) (domain.Order, error) {
	id, err := parseID(orderID, "order_id")
	if err != nil {
		return domain.Order{}, err
	}
	err = s.db.InTx(ctx, func(tx store.Backend) error {
		order, err := pendingOrder(ctx, tx, id)
		if err != nil {
			return err
		}
		items, err := store.Count(ctx, tx, store.TableOrderItems, store.In("order_id", store.IDs(order.Aliases())...))
		if err != nil {
			return err
		}
		if items == 0 {
			return ErrOrderEmpty
		}
		n, err := tx.Update(ctx, store.TableOrders, store.Row{"status": domain.OrderConfirmed},
			store.And(store.Eq(store.ColID, order.ID()), store.Eq("status", domain.OrderPending)))
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrOrderNotPending
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return s.getOrder(ctx, s.db, id)
}

// PayOrder settles an order in one transaction: the payment row, one sale
// ledger entry per item, the paid status and the freed table commit together.
// A credit payment also charges the customer's account.
func (s *Service) PayOrder(ctx context.Context, orderID string, req domain.PayRequest) (domain.PayResponse, error) {
	id, err := parseID(orderID, "order_id")
	if err != nil {
		return domain.PayResponse{}, err
	}
	req.Method = strings.ToLower(strings.TrimSpace(req.Method))
	if !isSupportedPaymentMethod(req.Method) {
		return domain.PayResponse{}, ErrUnknownPayment
	}
	if req.AmountCents < 0 {
		return domain.PayResponse{}, store.Validationf("amount must not be negative")
	}
	customerID, err := parseOptionalID(req.CustomerID, "customer_id")
	if err != nil {
		return domain.PayResponse{}, err
	}

	var resp domain.PayResponse
	err = s.db.InTx(ctx, func(tx store.Backend) error {
		order, err := store.Get(ctx, tx, store.TableOrders, id)
		if err != nil {
			return err
		}
		switch order.Text("status") {
		case domain.OrderPending, domain.OrderConfirmed:
		case domain.OrderPaid:
			return ErrOrderPaid
		default:
			return ErrOrderNotPending
		}
		items, err := orderItems(ctx, tx, order.Aliases())
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return ErrOrderEmpty
		}

		total := order.Int("total_cents")
		amount := req.AmountCents
		switch {
		case req.Method == domain.PaymentCash:
			if amount < total {
				return ErrInsufficientPayment
			}
			resp.ChangeCents = amount - total
		case amount != 0 && amount != total:
			return ErrInsufficientPayment
		}

		now := s.nowMillis()
		orderChanges := store.Row{"status": domain.OrderPaid, "paid_at": now}
		if req.Method == domain.PaymentCredit {
			if customerID == nil {
				customerID = order.Ref("customer_id")
			}
			if customerID == nil {
				return store.Validationf("a credit payment needs a customer")
			}
			txn, err := s.credit.WithBackend(tx).Append(ctx, credit.Request{
				CustomerID:  customerID,
				Type:        domain.CreditTypeCredit,
				AmountCents: total,
				OrderID:     order.ID(),
				Note:        "order " + order.Text("order_no"),
			})
			if err != nil {
				return err
			}
			resp.Credit = &txn
			orderChanges["customer_id"] = txn.CustomerID
		}

		payment := domain.Payment{
			OrderID:     order.ID(),
			Method:      req.Method,
			AmountCents: total,
			Reference:   strings.TrimSpace(req.Reference),
			CreatedBy:   domain.ActorName(ctx),
			CreatedAt:   now,
		}
		payment.ID, err = tx.Insert(ctx, store.TablePayments, store.Row{
			"order_id":         payment.OrderID,
			"method":           payment.Method,
			"amount_cents":     payment.AmountCents,
			"reference":        payment.Reference,
			"created_by":       payment.CreatedBy,
			store.ColCreatedAt: payment.CreatedAt,
		})
		if err != nil {
			return err
		}
		resp.Payment = payment

		stock := s.ledger.WithBackend(tx)
		for _, item := range items {
			if _, err := stock.Append(ctx, domain.LedgerEntry{
				ProductID:       item.ProductID,
				QuantityOut:     item.Quantity,
				UnitPriceCents:  item.UnitPriceCents,
				TransactionType: domain.LedgerSale,
				ReferenceType:   store.TableOrders,
				ReferenceID:     order.ID().String(),
				CreatedAt:       now,
			}); err != nil {
				return err
			}
		}

		n, err := tx.Update(ctx, store.TableOrders, orderChanges, store.And(
			store.Eq(store.ColID, order.ID()),
			store.In("status", domain.OrderPending, domain.OrderConfirmed),
		))
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrOrderPaid
		}
		if table := order.Ref("table_id"); table != nil {
			if _, err := tx.Update(ctx, store.TableTables, store.Row{"status": domain.TableFree}, store.Eq(store.ColID, table)); err != nil {
				return err
			}
		}

		resp.Order, err = s.getOrder(ctx, tx, order.ID())
		return err
	})
	if err != nil {
		return domain.PayResponse{}, err
	}

	s.logAudit(ctx, "order_pay", "order", resp.Order.ID,
		fmt.Sprintf("method=%s,total=%d,change=%d", req.Method, resp.Payment.AmountCents, resp.ChangeCents))
	s.log.Info("order paid",
		zap.String("order_no", resp.Order.OrderNo),
		zap.String("method", req.Method),
		zap.Int64("total_cents", resp.Payment.AmountCents))
	return resp, nil
}

// CancelOrder deletes an order that is still pending with no items and no
// payments. The delete itself is guarded on the pending status, so a payment
// that commits first wins.
func (s *Service) CancelOrder(ctx context.Context, orderID string) error {
	id, err := parseID(orderID, "order_id")
	if err != nil {
		return err
	}

	var order store.Row
	err = s.db.InTx(ctx, func(tx store.Backend) error {
		order, err = store.Get(ctx, tx, store.TableOrders, id)
		if err != nil {
			return err
		}
		if order.Text("status") != domain.OrderPending {
			return ErrOrderNotCancellable
		}
		refs := store.In("order_id", store.IDs(order.Aliases())...)
		for _, table := range []string{store.TableOrderItems, store.TablePayments} {
			n, err := store.Count(ctx, tx, table, refs)
			if err != nil {
				return err
			}
			if n > 0 {
				return ErrOrderNotCancellable
			}
		}

		n, err := tx.Delete(ctx, store.TableOrders, store.And(
			store.Eq(store.ColID, order.ID()),
			store.Eq("status", domain.OrderPending),
		))
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrOrderNotCancellable
		}
		if table := order.Ref("table_id"); table != nil {
			_, err := tx.Update(ctx, store.TableTables, store.Row{"status": domain.TableFree}, store.Eq(store.ColID, table))
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logAudit(ctx, "order_cancel", "order", order.ID(), "order_no="+order.Text("order_no"))
	return nil
}

func pendingOrder(ctx context.Context, b store.Backend, id ident.ID) (store.Row, error) {
	order, err := store.Get(ctx, b, store.TableOrders, id)
	if err != nil {
		return nil, err
	}
	switch order.Text("status") {
	case domain.OrderPending:
		return order, nil
	case domain.OrderPaid:
		return nil, ErrOrderPaid
	}
	return nil, ErrOrderNotPending
}

// recomputeTotals derives the order's money fields from its items. discount
// replaces the stored discount when set; otherwise the stored one is kept,
// capped at the new subtotal.
func (s *Service) recomputeTotals(ctx context.Context, tx store.Backend, order store.Row, discount *int64) error {
	items, err := orderItems(ctx, tx, order.Aliases())
	if err != nil {
		return err
	}
	var subtotal int64
	for _, item := range items {
		subtotal += item.LineTotalCents
	}
	disc := order.Int("discount_cents")
	if discount != nil {
		disc = *discount
	}
	if disc > subtotal {
		disc = subtotal
	}
	tax := taxOn(subtotal-disc, s.taxBasisPoints)

	_, err = tx.Update(ctx, store.TableOrders, store.Row{
		"subtotal_cents": subtotal,
		"discount_cents": disc,
		"tax_cents":      tax,
		"total_cents":    subtotal - disc + tax,
	}, store.Eq(store.ColID, order.ID()))
	return err
}

func (s *Service) getOrder(ctx context.Context, b store.Backend, id ident.ID) (domain.Order, error) {
	row, err := store.Get(ctx, b, store.TableOrders, id)
	if err != nil {
		return domain.Order{}, err
	}
	order := orderFromRow(row)
	order.Items, err = orderItems(ctx, b, row.Aliases())
	if err != nil {
		return domain.Order{}, err
	}
	order.Payments, err = orderPayments(ctx, b, row.Aliases())
	if err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func orderItems(ctx context.Context, b store.Backend, order []ident.ID) ([]domain.OrderItem, error) {
	rows, err := b.Query(ctx, store.TableOrderItems, store.Query{
		Where:   store.In("order_id", store.IDs(order)...),
		OrderBy: []store.Order{store.Asc(store.ColCreatedAt)},
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.OrderItem, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.OrderItem{
			ID:             row.ID(),
			OrderID:        row.Ref("order_id"),
			ProductID:      row.Ref("product_id"),
			ProductName:    row.Text("product_name"),
			Quantity:       row.Decimal("quantity"),
			UnitPriceCents: row.Int("unit_price_cents"),
			LineTotalCents: row.Int("line_total_cents"),
			Note:           row.Text("note"),
		})
	}
	return out, nil
}

func orderPayments(ctx context.Context, b store.Backend, order []ident.ID) ([]domain.Payment, error) {
	rows, err := b.Query(ctx, store.TablePayments, store.Query{
		Where:   store.In("order_id", store.IDs(order)...),
		OrderBy: []store.Order{store.Asc(store.ColCreatedAt)},
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Payment, 0, len(rows))
	for _, row := range rows {
		out = append(out, paymentFromRow(row))
	}
	return out, nil
}

func orderFromRow(row store.Row) domain.Order {
	return domain.Order{
		ID:            row.ID(),
		OrderNo:       row.Text("order_no"),
		TableID:       row.Ref("table_id"),
		CustomerID:    row.Ref("customer_id"),
		DaySessionID:  row.Ref("day_session_id"),
		OrderType:     row.Text("order_type"),
		Status:        row.Text("status"),
		SubtotalCents: row.Int("subtotal_cents"),
		DiscountCents: row.Int("discount_cents"),
		TaxCents:      row.Int("tax_cents"),
		TotalCents:    row.Int("total_cents"),
		Note:          row.Text("note"),
		CreatedBy:     row.Text("created_by"),
		PaidAt:        row.Int("paid_at"),
		Items:         []domain.OrderItem{},
		Payments:      []domain.Payment{},
		Synced:        row.Bool(store.ColSynced),
		CreatedAt:     row.Int(store.ColCreatedAt),
		UpdatedAt:     row.Int(store.ColUpdatedAt),
	}
}

func paymentFromRow(row store.Row) domain.Payment {
	return domain.Payment{
		ID:          row.ID(),
		OrderID:     row.Ref("order_id"),
		Method:      row.Text("method"),
		AmountCents: row.Int("amount_cents"),
		Reference:   row.Text("reference"),
		CreatedBy:   row.Text("created_by"),
		CreatedAt:   row.Int(store.ColCreatedAt),
	}
}

// lineTotal is price × quantity rounded to whole cents, half away from zero.
func lineTotal(priceCents int64, qty decimal.Decimal) int64 {
	return decimal.NewFromInt(priceCents).Mul(qty).Round(0).IntPart()
}

func taxOn(taxableCents int64, basisPoints int64) int64 {
	if taxableCents <= 0 || basisPoints <= 0 {
		return 0
	}
	return decimal.NewFromInt(taxableCents).Mul(decimal.NewFromInt(basisPoints)).Div(decimal.NewFromInt(10000)).Round(0).IntPart()
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentQRIS, domain.PaymentCredit:
		return true
	default:
		return false
	}
}
