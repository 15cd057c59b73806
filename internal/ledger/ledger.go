// Package ledger keeps stock as an append-only log of movements. Stock on
// hand is never stored; it is folded from the entries each time it is read.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"cafepos/internal/domain"
	"cafepos/internal/ident"
	"cafepos/internal/store"
)

var (
	ErrInvalidQuantity = fmt.Errorf("%w: exactly one of quantity_in and quantity_out must be positive", store.ErrValidation)
	ErrUnknownType     = fmt.Errorf("%w: unknown ledger transaction type", store.ErrValidation)
	ErrMissingProduct  = fmt.Errorf("%w: ledger entry needs a product", store.ErrValidation)
	ErrAlreadyReversed = fmt.Errorf("%w: ledger entry has already been reversed", store.ErrValidation)
)

var knownTypes = map[string]bool{
	domain.LedgerPurchase:   true,
	domain.LedgerSale:       true,
	domain.LedgerAdjustment: true,
	domain.LedgerReturn:     true,
	domain.LedgerCorrection: true,
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

// WithBackend returns an engine bound to b, typically an open transaction.
func (e *Engine) WithBackend(b store.Backend) *Engine {
	return &Engine{b: b, now: e.now}
}

// Append validates and writes one entry. The resulting stock may go
// negative; that is reported by Levels, not refused here.
func (e *Engine) Append(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	if entry.ProductID == nil {
		return domain.LedgerEntry{}, ErrMissingProduct
	}
	if !knownTypes[entry.TransactionType] {
		return domain.LedgerEntry{}, ErrUnknownType
	}
	in, out := entry.QuantityIn, entry.QuantityOut
	if in.IsNegative() || out.IsNegative() || in.IsPositive() == out.IsPositive() {
		return domain.LedgerEntry{}, ErrInvalidQuantity
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = store.NowMillis(e.now())
	}
	if entry.CreatedBy == "" {
		entry.CreatedBy = domain.ActorName(ctx)
	}

	id, err := e.b.Insert(ctx, store.TableInventoryLedger, entryRow(entry))
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	entry.ID = id
	return entry, nil
}

// Fold sums movements per product reference exactly as the entries carry it.
func Fold(entries []domain.LedgerEntry) map[ident.ID]decimal.Decimal {
	out := make(map[ident.ID]decimal.Decimal)
	for _, entry := range entries {
		out[entry.ProductID] = out[entry.ProductID].Add(entry.QuantityIn).Sub(entry.QuantityOut)
	}
	return out
}

func (e *Engine) CurrentStock(ctx context.Context, productID ident.ID) (decimal.Decimal, error) {
	stock, err := e.CurrentStockBatch(ctx, []ident.ID{productID})
	if err != nil {
		return decimal.Zero, err
	}
	return stock[productID], nil
}

// CurrentStockBatch computes stock for many products with one alias lookup
// and one ledger read. Entries may reference a product by either identity.
func (e *Engine) CurrentStockBatch(ctx context.Context, productIDs []ident.ID) (map[ident.ID]decimal.Decimal, error) {
	out := make(map[ident.ID]decimal.Decimal, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}
	aliases, err := store.ResolveAliases(ctx, e.b, store.TableProducts, productIDs)
	if err != nil {
		return nil, err
	}
	var all []ident.ID
	for _, id := range productIDs {
		all = append(all, aliases[id]...)
	}
	entries, err := e.query(ctx, store.Query{Where: store.In("product_id", store.IDs(all)...)})
	if err != nil {
		return nil, err
	}

	folded := Fold(entries)
	for _, id := range productIDs {
		total := decimal.Zero
		for _, alias := range aliases[id] {
			total = total.Add(folded[alias])
		}
		out[id] = total
	}
	return out, nil
}

// History lists a product's entries, most recent first.
func (e *Engine) History(ctx context.Context, productID ident.ID, limit int) ([]domain.LedgerEntry, error) {
	aliases, err := store.ResolveAliases(ctx, e.b, store.TableProducts, []ident.ID{productID})
	if err != nil {
		return nil, err
	}
	return e.query(ctx, store.Query{
		Where:   store.In("product_id", store.IDs(aliases[productID])...),
		OrderBy: []store.Order{store.Desc(store.ColCreatedAt), store.Desc(store.ColID)},
		Limit:   limit,
	})
}

// Get returns one entry by id.
func (e *Engine) Get(ctx context.Context, id ident.ID) (domain.LedgerEntry, error) {
	row, err := store.Get(ctx, e.b, store.TableInventoryLedger, id)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	return entryFromRow(row), nil
}

type Adjustment struct {
	ProductID ident.ID
	Desired   decimal.Decimal
	Note      string
}

// Adjust records the difference between the counted and the derived stock.
// When they already agree nothing is written and the returned entry is nil.
func (e *Engine) Adjust(ctx context.Context, adj Adjustment) (*domain.LedgerEntry, error) {
	if adj.ProductID == nil {
		return nil, ErrMissingProduct
	}
	var appended *domain.LedgerEntry
	err := e.b.InTx(ctx, func(tx store.Backend) error {
		inTx := e.WithBackend(tx)
		current, err := inTx.CurrentStock(ctx, adj.ProductID)
		if err != nil {
			return err
		}
		diff := adj.Desired.Sub(current)
		if diff.IsZero() {
			return nil
		}
		entry := domain.LedgerEntry{
			ProductID:       adj.ProductID,
			TransactionType: domain.LedgerAdjustment,
			ReferenceType:   "stock_count",
			Note:            adj.Note,
		}
		if diff.IsPositive() {
			entry.QuantityIn = diff
		} else {
			entry.QuantityOut = diff.Neg()
		}
		written, err := inTx.Append(ctx, entry)
		if err != nil {
			return err
		}
		appended = &written
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appended, nil
}

// Reverse cancels an entry by appending its mirror image. The original row
// is left as it was. An entry can be reversed once; the check and the append
// share one transaction.
func (e *Engine) Reverse(ctx context.Context, entryID ident.ID, note string) (domain.LedgerEntry, error) {
	var fix domain.LedgerEntry
	err := e.b.InTx(ctx, func(tx store.Backend) error {
		row, err := store.Get(ctx, tx, store.TableInventoryLedger, entryID)
		if err != nil {
			return err
		}
		original := entryFromRow(row)
		if original.TransactionType == domain.LedgerCorrection {
			return store.Validationf("entry %s is already a correction", entryID)
		}

		refs := make([]any, 0, 2)
		for _, alias := range row.Aliases() {
			refs = append(refs, alias.String())
		}
		n, err := store.Count(ctx, tx, store.TableInventoryLedger, store.And(
			store.Eq("transaction_type", domain.LedgerCorrection),
			store.Eq("reference_type", store.TableInventoryLedger),
			store.In("reference_id", refs...),
		))
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrAlreadyReversed
		}

		fix, err = e.WithBackend(tx).Append(ctx, domain.LedgerEntry{
			ProductID:       original.ProductID,
			QuantityIn:      original.QuantityOut,
			QuantityOut:     original.QuantityIn,
			UnitPriceCents:  original.UnitPriceCents,
			TransactionType: domain.LedgerCorrection,
			ReferenceType:   store.TableInventoryLedger,
			ReferenceID:     original.ID.String(),
			Note:            note,
		})
		return err
	})
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	return fix, nil
}

// Levels reports stock against each product's reorder level. An empty
// productIDs means every active product.
func (e *Engine) Levels(ctx context.Context, productIDs []ident.ID) ([]domain.StockLevel, error) {
	where := store.Filter(store.Eq("is_active", true))
	if len(productIDs) > 0 {
		where = store.In(store.ColID, store.IDs(productIDs)...)
	}
	products, err := e.b.Query(ctx, store.TableProducts, store.Query{Where: where, OrderBy: []store.Order{store.Asc("name")}})
	if err != nil {
		return nil, err
	}
	if len(productIDs) > 0 && len(products) < len(productIDs) {
		found := make([]ident.ID, 0, len(products))
		for _, p := range products {
			found = append(found, p.Aliases()...)
		}
		for _, id := range productIDs {
			if !containsID(found, id) {
				return nil, store.NotFound(store.TableProducts, id)
			}
		}
	}

	ids := make([]ident.ID, 0, len(products))
	for _, p := range products {
		ids = append(ids, p.ID())
	}
	stock, err := e.CurrentStockBatch(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]domain.StockLevel, 0, len(products))
	for _, p := range products {
		qty := stock[p.ID()]
		reorder := p.Decimal("reorder_level")
		out = append(out, domain.StockLevel{
			ProductID:    p.ID(),
			Name:         p.Text("name"),
			Unit:         p.Text("unit"),
			Quantity:     qty,
			ReorderLevel: reorder,
			Status:       levelStatus(qty, reorder),
		})
	}
	return out, nil
}

func levelStatus(qty, reorder decimal.Decimal) string {
	switch {
	case qty.IsNegative():
		return domain.StockNegative
	case reorder.IsPositive() && qty.LessThanOrEqual(reorder):
		return domain.StockLow
	}
	return domain.StockOK
}

func containsID(ids []ident.ID, id ident.ID) bool {
	for _, candidate := range ids {
		if ident.Equal(candidate, id) {
			return true
		}
	}
	return false
}

func (e *Engine) query(ctx context.Context, q store.Query) ([]domain.LedgerEntry, error) {
	rows, err := e.b.Query(ctx, store.TableInventoryLedger, q)
	if err != nil {
		return nil, err
	}
	out := make([]domain.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, entryFromRow(row))
	}
	return out, nil
}

func entryRow(entry domain.LedgerEntry) store.Row {
	row := store.Row{
		"product_id":       entry.ProductID,
		"quantity_in":      entry.QuantityIn,
		"quantity_out":     entry.QuantityOut,
		"unit_price_cents": entry.UnitPriceCents,
		"transaction_type": entry.TransactionType,
		"note":             entry.Note,
		"created_by":       entry.CreatedBy,
		store.ColCreatedAt: entry.CreatedAt,
	}
	if entry.ReferenceType != "" {
		row["reference_type"] = entry.ReferenceType
	}
	if entry.ReferenceID != "" {
		row["reference_id"] = entry.ReferenceID
	}
	return row
}

func entryFromRow(row store.Row) domain.LedgerEntry {
	return domain.LedgerEntry{
		ID:              row.ID(),
		ProductID:       row.Ref("product_id"),
		QuantityIn:      row.Decimal("quantity_in"),
		QuantityOut:     row.Decimal("quantity_out"),
		UnitPriceCents:  row.Int("unit_price_cents"),
		TransactionType: row.Text("transaction_type"),
		ReferenceType:   row.Text("reference_type"),
		ReferenceID:     row.Text("reference_id"),
		Note:            row.Text("note"),
		CreatedBy:       row.Text("created_by"),
		CreatedAt:       row.Int(store.ColCreatedAt),
	}
}
