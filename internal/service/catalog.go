package service

import (
	"context"
	"fmt"
	"strings"

	"cafepos/internal/domain"
	"cafepos/internal/ident"
	"cafepos/internal/store"
)

func (s *Service) CreateCategory(ctx context.Context, req domain.CategoryCreateRequest) (domain.Category, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Category{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Category{}, store.Validationf("category name is required")
	}

	id, err := s.db.Insert(ctx, store.TableCategories, store.Row{
		"name":       req.Name,
		"sort_order": req.SortOrder,
		"is_active":  true,
	})
	if err != nil {
		return domain.Category{}, err
	}
	s.logAudit(ctx, "category_create", "category", id, "name="+req.Name)

	row, err := store.Get(ctx, s.db, store.TableCategories, id)
	if err != nil {
		return domain.Category{}, err
	}
	return categoryFromRow(row), nil
}

func (s *Service) ListCategories(ctx context.Context) ([]domain.Category, error) {
	rows, err := s.db.Query(ctx, store.TableCategories, store.Query{
		Where:   store.Eq("is_active", true),
		OrderBy: []store.Order{store.Asc("sort_order"), store.Asc("name")},
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Category, 0, len(rows))
	for _, row := range rows {
		out = append(out, categoryFromRow(row))
	}
	return out, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Unit = strings.TrimSpace(req.Unit)
	if req.Name == "" {
		return domain.Product{}, store.Validationf("product name is required")
	}
	if req.Unit == "" {
		req.Unit = "pcs"
	}
	if req.PriceCents < 0 || req.CostCents < 0 || req.ReorderLevel.IsNegative() {
		return domain.Product{}, store.Validationf("price, cost and reorder level must not be negative")
	}
	if !req.Sellable && !req.Purchasable {
		return domain.Product{}, store.Validationf("product must be sellable, purchasable or both")
	}
	if req.Sellable && req.PriceCents < 1 {
		return domain.Product{}, store.Validationf("a sellable product needs a price")
	}

	categoryID, err := parseOptionalID(req.CategoryID, "category_id")
	if err != nil {
		return domain.Product{}, err
	}
	row := store.Row{
		"name":           req.Name,
		"unit":           req.Unit,
		"price_cents":    req.PriceCents,
		"cost_cents":     req.CostCents,
		"is_veg":         req.Veg,
		"is_active":      true,
		"is_purchasable": req.Purchasable,
		"is_sellable":    req.Sellable,
		"reorder_level":  req.ReorderLevel,
	}
	if categoryID != nil {
		category, err := store.Get(ctx, s.db, store.TableCategories, categoryID)
		if err != nil {
			return domain.Product{}, err
		}
		row["category_id"] = category.ID()
	}

	id, err := s.db.Insert(ctx, store.TableProducts, row)
	if err != nil {
		return domain.Product{}, err
	}
	s.logAudit(ctx, "product_create", "product", id, fmt.Sprintf("name=%s,price=%d", req.Name, req.PriceCents))
	return s.getProduct(ctx, s.db, id)
}

func (s *Service) UpdateProduct(ctx context.Context, productID string, req domain.ProductUpdateRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}
	id, err := parseID(productID, "product_id")
	if err != nil {
		return domain.Product{}, err
	}
	existing, err := store.Get(ctx, s.db, store.TableProducts, id)
	if err != nil {
		return domain.Product{}, err
	}

	changes := store.Row{}
	var notes []string
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, store.Validationf("product name is required")
		}
		changes["name"] = name
	}
	if req.Unit != nil {
		unit := strings.TrimSpace(*req.Unit)
		if unit == "" {
			return domain.Product{}, store.Validationf("unit is required")
		}
		changes["unit"] = unit
	}
	if req.CategoryID != nil {
		categoryID, err := parseOptionalID(*req.CategoryID, "category_id")
		if err != nil {
			return domain.Product{}, err
		}
		if categoryID == nil {
			changes["category_id"] = nil
		} else {
			category, err := store.Get(ctx, s.db, store.TableCategories, categoryID)
			if err != nil {
				return domain.Product{}, err
			}
			changes["category_id"] = category.ID()
		}
	}
	if req.PriceCents != nil {
		if *req.PriceCents < 0 {
			return domain.Product{}, store.Validationf("price must not be negative")
		}
		changes["price_cents"] = *req.PriceCents
		notes = append(notes, fmt.Sprintf("price=%d->%d", existing.Int("price_cents"), *req.PriceCents))
	}
	if req.CostCents != nil {
		if *req.CostCents < 0 {
			return domain.Product{}, store.Validationf("cost must not be negative")
		}
		changes["cost_cents"] = *req.CostCents
	}
	if req.Active != nil {
		changes["is_active"] = *req.Active
		notes = append(notes, fmt.Sprintf("active=%t", *req.Active))
	}
	if req.Purchasable != nil {
		changes["is_purchasable"] = *req.Purchasable
	}
	if req.Sellable != nil {
		changes["is_sellable"] = *req.Sellable
	}
	if req.ReorderLevel != nil {
		if req.ReorderLevel.IsNegative() {
			return domain.Product{}, store.Validationf("reorder level must not be negative")
		}
		changes["reorder_level"] = *req.ReorderLevel
	}
	if len(changes) == 0 {
		return productFromRow(existing), nil
	}

	if _, err := s.db.Update(ctx, store.TableProducts, changes, store.Eq(store.ColID, existing.ID())); err != nil {
		return domain.Product{}, err
	}
	s.logAudit(ctx, "product_update", "product", existing.ID(), strings.Join(notes, ","))
	return s.getProduct(ctx, s.db, existing.ID())
}

func (s *Service) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	id, err := parseID(productID, "product_id")
	if err != nil {
		return domain.Product{}, err
	}
	return s.getProduct(ctx, s.db, id)
}

func (s *Service) ListProducts(ctx context.Context, filter domain.ProductFilter) ([]domain.Product, error) {
	var where []store.Filter
	if filter.ActiveOnly {
		where = append(where, store.Eq("is_active", true))
	}
	if filter.Sellable {
		where = append(where, store.Eq("is_sellable", true))
	}
	if filter.Purchasable {
		where = append(where, store.Eq("is_purchasable", true))
	}
	rows, err := s.db.Query(ctx, store.TableProducts, store.Query{
		Where:   store.And(where...),
		OrderBy: []store.Order{store.Asc("name")},
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Product, 0, len(rows))
	for _, row := range rows {
		out = append(out, productFromRow(row))
	}
	return out, nil
}

func (s *Service) getProduct(ctx context.Context, b store.Backend, id ident.ID) (domain.Product, error) {
	row, err := store.Get(ctx, b, store.TableProducts, id)
	if err != nil {
		return domain.Product{}, err
	}
	return productFromRow(row), nil
}

func (s *Service) CreateSupplier(ctx context.Context, req domain.SupplierCreateRequest) (domain.Supplier, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Supplier{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Phone = strings.TrimSpace(req.Phone)
	if req.Name == "" {
		return domain.Supplier{}, store.Validationf("supplier name is required")
	}

	id, err := s.db.Insert(ctx, store.TableSuppliers, store.Row{
		"name":    req.Name,
		"phone":   req.Phone,
		"address": strings.TrimSpace(req.Address),
	})
	if err != nil {
		return domain.Supplier{}, err
	}
	s.logAudit(ctx, "supplier_create", "supplier", id, "name="+req.Name)

	row, err := store.Get(ctx, s.db, store.TableSuppliers, id)
	if err != nil {
		return domain.Supplier{}, err
	}
	return supplierFromRow(row), nil
}

func (s *Service) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	rows, err := s.db.Query(ctx, store.TableSuppliers, store.Query{OrderBy: []store.Order{store.Asc("name")}})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Supplier, 0, len(rows))
	for _, row := range rows {
		out = append(out, supplierFromRow(row))
	}
	return out, nil
}

func (s *Service) CreateTable(ctx context.Context, req domain.TableCreateRequest) (domain.Table, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Table{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Table{}, store.Validationf("table name is required")
	}
	if req.Capacity < 1 {
		return domain.Table{}, store.Validationf("capacity must be at least 1")
	}
	existing, err := store.Count(ctx, s.db, store.TableTables, store.Eq("name", req.Name))
	if err != nil {
		return domain.Table{}, err
	}
	if existing > 0 {
		return domain.Table{}, store.Validationf("table %q already exists", req.Name)
	}

	id, err := s.db.Insert(ctx, store.TableTables, store.Row{
		"name":     req.Name,
		"capacity": req.Capacity,
		"status":   domain.TableFree,
	})
	if err != nil {
		return domain.Table{}, err
	}
	s.logAudit(ctx, "table_create", "table", id, "name="+req.Name)
	row, err := store.Get(ctx, s.db, store.TableTables, id)
	if err != nil {
		return domain.Table{}, err
	}
	return tableFromRow(row), nil
}

func (s *Service) ListTables(ctx context.Context) ([]domain.Table, error) {
	rows, err := s.db.Query(ctx, store.TableTables, store.Query{OrderBy: []store.Order{store.Asc("name")}})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Table, 0, len(rows))
	for _, row := range rows {
		out = append(out, tableFromRow(row))
	}
	return out, nil
}

func categoryFromRow(row store.Row) domain.Category {
	return domain.Category{
		ID:        row.ID(),
		Name:      row.Text("name"),
		SortOrder: row.Int("sort_order"),
		Active:    row.Bool("is_active"),
		Synced:    row.Bool(store.ColSynced),
		CreatedAt: row.Int(store.ColCreatedAt),
		UpdatedAt: row.Int(store.ColUpdatedAt),
	}
}

func productFromRow(row store.Row) domain.Product {
	return domain.Product{
		ID:           row.ID(),
		CategoryID:   row.Ref("category_id"),
		Name:         row.Text("name"),
		Unit:         row.Text("unit"),
		PriceCents:   row.Int("price_cents"),
		CostCents:    row.Int("cost_cents"),
		Veg:          row.Bool("is_veg"),
		Active:       row.Bool("is_active"),
		Purchasable:  row.Bool("is_purchasable"),
		Sellable:     row.Bool("is_sellable"),
		ReorderLevel: row.Decimal("reorder_level"),
		Synced:       row.Bool(store.ColSynced),
		CreatedAt:    row.Int(store.ColCreatedAt),
		UpdatedAt:    row.Int(store.ColUpdatedAt),
	}
}

func supplierFromRow(row store.Row) domain.Supplier {
	return domain.Supplier{
		ID:        row.ID(),
		Name:      row.Text("name"),
		Phone:     row.Text("phone"),
		Address:   row.Text("address"),
		CreatedAt: row.Int(store.ColCreatedAt),
	}
}

func tableFromRow(row store.Row) domain.Table {
	return domain.Table{
		ID:       row.ID(),
		Name:     row.Text("name"),
		Capacity: row.Int("capacity"),
		Status:   row.Text("status"),
	}
}
