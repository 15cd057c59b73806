package service

import (
	"context"
	"fmt"
	"strings"

	"cafepos/internal/credit"
	"cafepos/internal/domain"
	"cafepos/internal/ident"
	"cafepos/internal/store"
)

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Phone = strings.TrimSpace(req.Phone)
	if req.Name == "" {
		return domain.Customer{}, store.Validationf("customer name is required")
	}
	if req.Phone != "" {
		n, err := store.Count(ctx, s.db, store.TableCustomers, store.Eq("phone", req.Phone))
		if err != nil {
			return domain.Customer{}, err
		}
		if n > 0 {
			return domain.Customer{}, store.Validationf("a customer with phone %s already exists", req.Phone)
		}
	}

	id, err := s.db.Insert(ctx, store.TableCustomers, store.Row{
		"name":                 req.Name,
		"phone":                req.Phone,
		"credit_balance_cents": int64(0),
	})
	if err != nil {
		return domain.Customer{}, err
	}
	s.logAudit(ctx, "customer_create", "customer", id, "name="+req.Name)
	return s.getCustomer(ctx, id)
}

// GetCustomer looks a customer up by either identity. An id that matches no
// row is NotFound.
func (s *Service) GetCustomer(ctx context.Context, customerID string) (domain.Customer, error) {
	id, err := parseID(customerID, "customer_id")
	if err != nil {
		return domain.Customer{}, err
	}
	return s.getCustomer(ctx, id)
}

func (s *Service) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	rows, err := s.db.Query(ctx, store.TableCustomers, store.Query{OrderBy: []store.Order{store.Asc("name")}})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Customer, 0, len(rows))
	for _, row := range rows {
		out = append(out, customerFromRow(row))
	}
	return out, nil
}

// AddCredit lets a customer take goods on account.
func (s *Service) AddCredit(ctx context.Context, customerID string, req domain.CreditRequest) (domain.CreditTransaction, error) {
	return s.creditMovement(ctx, customerID, domain.CreditTypeCredit, req)
}

// ReceiveCreditPayment settles part or all of what a customer owes. Paying
// more than the balance is rejected.
func (s *Service) ReceiveCreditPayment(ctx context.Context, customerID string, req domain.CreditRequest) (domain.CreditTransaction, error) {
	return s.creditMovement(ctx, customerID, domain.CreditTypePayment, req)
}

func (s *Service) CreditStatement(ctx context.Context, customerID string, limit int) ([]domain.CreditTransaction, error) {
	id, err := parseID(customerID, "customer_id")
	if err != nil {
		return nil, err
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.credit.Statement(ctx, id, limit)
}

func (s *Service) creditMovement(ctx context.Context, customerID string, kind string, req domain.CreditRequest) (domain.CreditTransaction, error) {
	id, err := parseID(customerID, "customer_id")
	if err != nil {
		return domain.CreditTransaction{}, err
	}
	txn, err := s.credit.Append(ctx, credit.Request{
		CustomerID:  id,
		Type:        kind,
		AmountCents: req.AmountCents,
		Note:        strings.TrimSpace(req.Note),
	})
	if err != nil {
		return domain.CreditTransaction{}, err
	}
	s.logAudit(ctx, "credit_"+kind, "customer", txn.CustomerID,
		fmt.Sprintf("amount=%d,balance=%d", txn.AmountCents, txn.BalanceAfterCents))
	return txn, nil
}

func (s *Service) getCustomer(ctx context.Context, id ident.ID) (domain.Customer, error) {
	row, err := store.Get(ctx, s.db, store.TableCustomers, id)
	if err != nil {
		return domain.Customer{}, err
	}
	return customerFromRow(row), nil
}

func customerFromRow(row store.Row) domain.Customer {
	return domain.Customer{
		ID:                 row.ID(),
		Name:               row.Text("name"),
		Phone:              row.Text("phone"),
		CreditBalanceCents: row.Int("credit_balance_cents"),
		Synced:             row.Bool(store.ColSynced),
		CreatedAt:          row.Int(store.ColCreatedAt),
		UpdatedAt:          row.Int(store.ColUpdatedAt),
	}
}
