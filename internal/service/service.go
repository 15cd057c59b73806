package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"cafepos/internal/credit"
	"cafepos/internal/domain"
	"cafepos/internal/ident"
	"cafepos/internal/ledger"
	"cafepos/internal/store"
)

var (
	ErrForbidden = errors.New("admin role required")

	ErrOrderNotPending     = fmt.Errorf("%w: order is not pending", store.ErrValidation)
	ErrOrderNotCancellable = fmt.Errorf("%w: only an empty pending order can be cancelled", store.ErrValidation)
	ErrOrderPaid           = fmt.Errorf("%w: order is already paid", store.ErrValidation)
	ErrOrderEmpty          = fmt.Errorf("%w: order has no items", store.ErrValidation)
	ErrTableOccupied       = fmt.Errorf("%w: table is occupied", store.ErrValidation)
	ErrInsufficientPayment = fmt.Errorf("%w: payment does not cover the order total", store.ErrValidation)
	ErrUnknownPayment      = fmt.Errorf("%w: unsupported payment method", store.ErrValidation)
	ErrDayAlreadyOpen      = fmt.Errorf("%w: a day session is already open", store.ErrValidation)
	ErrDayNotOpen          = fmt.Errorf("%w: no day session is open", store.ErrValidation)
	ErrPurchaseNotDraft    = fmt.Errorf("%w: purchase is not a draft", store.ErrValidation)
)

type Service struct {
	db             store.Backend
	ledger         *ledger.Engine
	credit         *credit.Engine
	log            *zap.Logger
	taxBasisPoints int64
	now            func() time.Time
}

type Option func(*Service)

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) { s.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTaxRate sets the tax applied after discount, in basis points
// (1000 = 10%).
func WithTaxRate(basisPoints int64) Option {
	return func(s *Service) { s.taxBasisPoints = basisPoints }
}

func New(db store.Backend, opts ...Option) *Service {
	s := &Service{
		db:  db,
		log: zap.NewNop(),
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ledger = ledger.New(db, ledger.WithClock(s.now))
	s.credit = credit.New(db, credit.WithClock(s.now))
	return s
}

func (s *Service) Ledger() *ledger.Engine { return s.ledger }

func (s *Service) Credit() *credit.Engine { return s.credit }

func requireAdmin(ctx context.Context) error {
	actor, ok := domain.ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return ErrForbidden
	}
	return nil
}

func parseID(raw string, field string) (ident.ID, error) {
	id, err := ident.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, store.Validationf("%s: %v", field, err)
	}
	return id, nil
}

func parseOptionalID(raw string, field string) (ident.ID, error) {
	id, err := ident.ParseOptional(strings.TrimSpace(raw))
	if err != nil {
		return nil, store.Validationf("%s: %v", field, err)
	}
	return id, nil
}

func (s *Service) nowMillis() int64 {
	return store.NowMillis(s.now())
}

// dayRange parses YYYY-MM-DD (today when blank) into a [from, to) window in
// epoch milliseconds.
func (s *Service) dayRange(date string) (int64, int64, error) {
	var day time.Time
	if strings.TrimSpace(date) == "" {
		now := s.now().UTC()
		day = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	} else {
		parsed, err := time.Parse("2006-01-02", strings.TrimSpace(date))
		if err != nil {
			return 0, 0, store.Validationf("date must be YYYY-MM-DD")
		}
		day = parsed.UTC()
	}
	return day.UnixMilli(), day.Add(24 * time.Hour).UnixMilli(), nil
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID ident.ID, detail string) {
	actor, ok := domain.ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}
	id := ""
	if entityID != nil {
		id = entityID.String()
	}
	_, err := s.db.Insert(ctx, store.TableAuditLogs, store.Row{
		"actor":            actor.Username,
		"role":             actor.Role,
		"action":           action,
		"entity_type":      entityType,
		"entity_id":        id,
		"detail":           detail,
		store.ColCreatedAt: s.nowMillis(),
	})
	if err != nil {
		s.log.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+id),
			zap.Error(err))
	}
}

// ListAuditLogs returns audit rows for one UTC day, newest first.
func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}
	from, to, err := s.dayRange(date)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, store.TableAuditLogs, store.Query{
		Where:   store.Between(store.ColCreatedAt, from, to),
		OrderBy: []store.Order{store.Desc(store.ColCreatedAt), store.Desc(store.ColID)},
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.AuditLog, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.AuditLog{
			ID:         row.ID(),
			Actor:      row.Text("actor"),
			Role:       row.Text("role"),
			Action:     row.Text("action"),
			EntityType: row.Text("entity_type"),
			EntityID:   row.Text("entity_id"),
			Detail:     row.Text("detail"),
			CreatedAt:  row.Int(store.ColCreatedAt),
		})
	}
	return out, nil
}
