package service

import (
	"context"
	"fmt"
	"strings"

	"cafepos/internal/domain"
	"cafepos/internal/store"
)

// The methods below make Service the user store behind authentication.
// Passwords arrive already hashed.

func (s *Service) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || user.PasswordHash == "" {
		return store.Validationf("username and password are required")
	}
	if user.Role != domain.RoleAdmin && user.Role != domain.RoleCashier {
		return store.Validationf("role must be %s or %s", domain.RoleAdmin, domain.RoleCashier)
	}
	return s.db.InTx(ctx, func(tx store.Backend) error {
		n, err := store.Count(ctx, tx, store.TableUsers, store.Eq("username", username))
		if err != nil {
			return err
		}
		if n > 0 {
			return store.Conflict("create", store.TableUsers, fmt.Errorf("username %q already exists", username))
		}
		_, err = tx.Insert(ctx, store.TableUsers, store.Row{
			"username":      username,
			"password_hash": user.PasswordHash,
			"role":          user.Role,
			"is_active":     user.Active,
		})
		return err
	})
}

func (s *Service) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.Query(ctx, store.TableUsers, store.Query{OrderBy: []store.Order{store.Asc("username")}})
	if err != nil {
		return nil, err
	}
	out := make([]domain.UserAccount, 0, len(rows))
	for _, row := range rows {
		out = append(out, userFromRow(row))
	}
	return out, nil
}

func (s *Service) GetUser(ctx context.Context, username string) (domain.UserAccount, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	rows, err := s.db.Query(ctx, store.TableUsers, store.Query{Where: store.Eq("username", username), Limit: 1})
	if err != nil {
		return domain.UserAccount{}, err
	}
	if len(rows) == 0 {
		return domain.UserAccount{}, &store.Error{Kind: store.KindNotFound, Op: "lookup", Table: store.TableUsers, Msg: "user not found"}
	}
	return userFromRow(rows[0]), nil
}

func (s *Service) UpdateUserPassword(ctx context.Context, username string, passwordHash string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	n, err := s.db.Update(ctx, store.TableUsers, store.Row{"password_hash": passwordHash}, store.Eq("username", username))
	if err != nil {
		return err
	}
	if n == 0 {
		return &store.Error{Kind: store.KindNotFound, Op: "update", Table: store.TableUsers, Msg: "user not found"}
	}
	return nil
}

func userFromRow(row store.Row) domain.UserAccount {
	return domain.UserAccount{
		Username:     row.Text("username"),
		Role:         row.Text("role"),
		Active:       row.Bool("is_active"),
		PasswordHash: row.Text("password_hash"),
	}
}
