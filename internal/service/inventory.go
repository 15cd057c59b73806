package service

import (
	"context"
	"fmt"
	"strings"

	"cafepos/internal/domain"
	"cafepos/internal/ident"
	"cafepos/internal/ledger"
	"cafepos/internal/store"
)

// StockLevels reports derived stock for the given products, or for every
// active product when productIDs is empty.
func (s *Service) StockLevels(ctx context.Context, productIDs []string) ([]domain.StockLevel, error) {
	ids := make([]ident.ID, 0, len(productIDs))
	for _, raw := range productIDs {
		id, err := parseID(raw, "product_id")
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return s.ledger.Levels(ctx, ids)
}

func (s *Service) StockHistory(ctx context.Context, productID string, limit int) ([]domain.LedgerEntry, error) {
	id, err := parseID(productID, "product_id")
	if err != nil {
		return nil, err
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.ledger.History(ctx, id, limit)
}

// AdjustStock records a stock count. The ledger gets the difference between
// the counted and the derived quantity; a count that matches writes nothing
// and returns a nil entry.
func (s *Service) AdjustStock(ctx context.Context, req domain.StockAdjustRequest) (*domain.LedgerEntry, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	id, err := parseID(req.ProductID, "product_id")
	if err != nil {
		return nil, err
	}
	if req.Desired.IsNegative() {
		return nil, store.Validationf("counted quantity must not be negative")
	}
	entry, err := s.ledger.Adjust(ctx, ledger.Adjustment{ProductID: id, Desired: req.Desired, Note: strings.TrimSpace(req.Note)})
	if err != nil {
		return nil, err
	}
	if entry != nil {
		s.logAudit(ctx, "stock_adjust", "product", id,
			fmt.Sprintf("counted=%s,in=%s,out=%s", req.Desired, entry.QuantityIn, entry.QuantityOut))
	}
	return entry, nil
}

// ReverseLedgerEntry cancels a mistaken movement with a correction entry.
func (s *Service) ReverseLedgerEntry(ctx context.Context, entryID string, note string) (domain.LedgerEntry, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.LedgerEntry{}, err
	}
	id, err := parseID(entryID, "entry_id")
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	entry, err := s.ledger.Reverse(ctx, id, strings.TrimSpace(note))
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	s.logAudit(ctx, "ledger_reverse", "inventory_ledger", id, "correction="+entry.ID.String())
	return entry, nil
}

// RecordReturn puts returned goods back into stock. When an order is given
// it must exist and be paid.
func (s *Service) RecordReturn(ctx context.Context, req domain.StockReturnRequest) (domain.LedgerEntry, error) {
	id, err := parseID(req.ProductID, "product_id")
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	orderID, err := parseOptionalID(req.OrderID, "order_id")
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if !req.Quantity.IsPositive() {
		return domain.LedgerEntry{}, store.Validationf("returned quantity must be positive")
	}

	var entry domain.LedgerEntry
	err = s.db.InTx(ctx, func(tx store.Backend) error {
		product, err := store.Get(ctx, tx, store.TableProducts, id)
		if err != nil {
			return err
		}
		candidate := domain.LedgerEntry{
			ProductID:       product.ID(),
			QuantityIn:      req.Quantity,
			UnitPriceCents:  product.Int("price_cents"),
			TransactionType: domain.LedgerReturn,
			Note:            strings.TrimSpace(req.Note),
		}
		if orderID != nil {
			order, err := store.Get(ctx, tx, store.TableOrders, orderID)
			if err != nil {
				return err
			}
			if order.Text("status") != domain.OrderPaid {
				return store.Validationf("only items of a paid order can be returned")
			}
			candidate.ReferenceType = store.TableOrders
			candidate.ReferenceID = order.ID().String()
		}
		entry, err = s.ledger.WithBackend(tx).Append(ctx, candidate)
		return err
	})
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	s.logAudit(ctx, "stock_return", "product", id, "qty="+req.Quantity.String())
	return entry, nil
}
