package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"cafepos/internal/domain"
	"cafepos/internal/ident"
	"cafepos/internal/store"
	"cafepos/internal/xid"
)

// CreatePurchase records a draft purchase from a supplier. Nothing reaches
// the ledger until the purchase is received.
func (s *Service) CreatePurchase(ctx context.Context, req domain.PurchaseCreateRequest) (domain.Purchase, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Purchase{}, err
	}
	if len(req.Items) == 0 {
		return domain.Purchase{}, store.Validationf("purchase needs at least one item")
	}
	supplierID, err := parseOptionalID(req.SupplierID, "supplier_id")
	if err != nil {
		return domain.Purchase{}, err
	}
	type line struct {
		product ident.ID
		qty     decimal.Decimal
		cost    int64
	}
	lines := make([]line, 0, len(req.Items))
	for _, item := range req.Items {
		product, err := parseID(item.ProductID, "product_id")
		if err != nil {
			return domain.Purchase{}, err
		}
		if !item.Quantity.IsPositive() || item.UnitCostCents < 0 {
			return domain.Purchase{}, store.Validationf("item quantity must be positive and cost not negative")
		}
		lines = append(lines, line{product: product, qty: item.Quantity, cost: item.UnitCostCents})
	}

	invoice := strings.TrimSpace(req.InvoiceNo)
	if invoice == "" {
		invoice = xid.New("PO", s.now())
	}

	var id ident.ID
	err = s.db.InTx(ctx, func(tx store.Backend) error {
		row := store.Row{
			"invoice_no": invoice,
			"status":     domain.PurchaseDraft,
			"note":       strings.TrimSpace(req.Note),
			"created_by": domain.ActorName(ctx),
		}
		if supplierID != nil {
			supplier, err := store.Get(ctx, tx, store.TableSuppliers, supplierID)
			if err != nil {
				return err
			}
			row["supplier_id"] = supplier.ID()
		}
		products := make([]ident.ID, 0, len(lines))
		for _, l := range lines {
			products = append(products, l.product)
		}
		aliases, err := store.ResolveAliases(ctx, tx, store.TableProducts, products)
		if err != nil {
			return err
		}

		var total int64
		for _, l := range lines {
			total += lineTotal(l.cost, l.qty)
		}
		row["total_cents"] = total
		id, err = tx.Insert(ctx, store.TablePurchases, row)
		if err != nil {
			return err
		}
		for _, l := range lines {
			if _, err := tx.Insert(ctx, store.TablePurchaseItems, store.Row{
				"purchase_id":      id,
				"product_id":       aliases[l.product][0],
				"quantity":         l.qty,
				"unit_cost_cents":  l.cost,
				"line_total_cents": lineTotal(l.cost, l.qty),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Purchase{}, err
	}

	s.logAudit(ctx, "purchase_create", "purchase", id, fmt.Sprintf("invoice=%s,items=%d", invoice, len(lines)))
	return s.getPurchase(ctx, s.db, id)
}

// ReceivePurchase books every line of a draft purchase into the ledger and
// records each unit cost as the product's last cost.
func (s *Service) ReceivePurchase(ctx context.Context, purchaseID string) (domain.Purchase, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Purchase{}, err
	}
	id, err := parseID(purchaseID, "purchase_id")
	if err != nil {
		return domain.Purchase{}, err
	}

	err = s.db.InTx(ctx, func(tx store.Backend) error {
		purchase, err := s.getPurchase(ctx, tx, id)
		if err != nil {
			return err
		}
		if purchase.Status != domain.PurchaseDraft {
			return ErrPurchaseNotDraft
		}

		now := s.nowMillis()
		stock := s.ledger.WithBackend(tx)
		for _, item := range purchase.Items {
			if _, err := stock.Append(ctx, domain.LedgerEntry{
				ProductID:       item.ProductID,
				QuantityIn:      item.Quantity,
				UnitPriceCents:  item.UnitCostCents,
				TransactionType: domain.LedgerPurchase,
				ReferenceType:   store.TablePurchases,
				ReferenceID:     purchase.ID.String(),
				Note:            purchase.InvoiceNo,
				CreatedAt:       now,
			}); err != nil {
				return err
			}
			if _, err := tx.Update(ctx, store.TableProducts, store.Row{"cost_cents": item.UnitCostCents}, store.Eq(store.ColID, item.ProductID)); err != nil {
				return err
			}
		}

		n, err := tx.Update(ctx, store.TablePurchases,
			store.Row{"status": domain.PurchaseReceived, "received_at": now},
			store.And(store.Eq(store.ColID, purchase.ID), store.Eq("status", domain.PurchaseDraft)))
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrPurchaseNotDraft
		}
		return nil
	})
	if err != nil {
		return domain.Purchase{}, err
	}

	s.logAudit(ctx, "purchase_receive", "purchase", id, "")
	return s.getPurchase(ctx, s.db, id)
}

func (s *Service) GetPurchase(ctx context.Context, purchaseID string) (domain.Purchase, error) {
	id, err := parseID(purchaseID, "purchase_id")
	if err != nil {
		return domain.Purchase{}, err
	}
	return s.getPurchase(ctx, s.db, id)
}

func (s *Service) ListPurchases(ctx context.Context, status string) ([]domain.Purchase, error) {
	var where store.Filter
	if status = strings.ToLower(strings.TrimSpace(status)); status != "" {
		where = store.Eq("status", status)
	}
	rows, err := s.db.Query(ctx, store.TablePurchases, store.Query{
		Where:   where,
		OrderBy: []store.Order{store.Desc(store.ColCreatedAt)},
		Limit:   200,
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Purchase, 0, len(rows))
	for _, row := range rows {
		out = append(out, purchaseFromRow(row))
	}
	return out, nil
}

func (s *Service) getPurchase(ctx context.Context, b store.Backend, id ident.ID) (domain.Purchase, error) {
	row, err := store.Get(ctx, b, store.TablePurchases, id)
	if err != nil {
		return domain.Purchase{}, err
	}
	purchase := purchaseFromRow(row)
	items, err := b.Query(ctx, store.TablePurchaseItems, store.Query{
		Where:   store.In("purchase_id", store.IDs(row.Aliases())...),
		OrderBy: []store.Order{store.Asc(store.ColCreatedAt)},
	})
	if err != nil {
		return domain.Purchase{}, err
	}
	for _, item := range items {
		purchase.Items = append(purchase.Items, domain.PurchaseItem{
			ID:             item.ID(),
			PurchaseID:     item.Ref("purchase_id"),
			ProductID:      item.Ref("product_id"),
			Quantity:       item.Decimal("quantity"),
			UnitCostCents:  item.Int("unit_cost_cents"),
			LineTotalCents: item.Int("line_total_cents"),
		})
	}
	return purchase, nil
}

func purchaseFromRow(row store.Row) domain.Purchase {
	return domain.Purchase{
		ID:         row.ID(),
		SupplierID: row.Ref("supplier_id"),
		InvoiceNo:  row.Text("invoice_no"),
		Status:     row.Text("status"),
		TotalCents: row.Int("total_cents"),
		Note:       row.Text("note"),
		CreatedBy:  row.Text("created_by"),
		ReceivedAt: row.Int("received_at"),
		Items:      []domain.PurchaseItem{},
		CreatedAt:  row.Int(store.ColCreatedAt),
	}
}
