package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"cafepos/internal/domain"
	"cafepos/internal/store"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.PasswordHash = password
	s.users[username] = user
	s.updates++
	return nil
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	users := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {Username: "admin", PasswordHash: "admin-pass-123", Role: domain.RoleAdmin, Active: true},
		},
	}
	auth := NewAuthManager("test-secret", time.Hour, users, nil)

	resp, err := auth.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin-pass-123"})
	if err != nil {
		t.Fatalf("expected login to succeed, got %v", err)
	}
	if resp.Token == "" || resp.Role != domain.RoleAdmin {
		t.Fatalf("unexpected login response: %+v", resp)
	}
	if users.updates == 0 {
		t.Fatalf("expected plain password to be written back hashed")
	}
	if !strings.HasPrefix(users.users["admin"].PasswordHash, "$2") {
		t.Fatalf("expected bcrypt hash in store, got %q", users.users["admin"].PasswordHash)
	}
}

func TestAuthManagerRejectsInactiveAccount(t *testing.T) {
	users := &userStoreStub{}
	auth := NewAuthManager("test-secret", time.Hour, users, nil)
	if _, err := auth.CreateUser(context.Background(), domain.UserCreateRequest{Username: "kasir1", Password: "kasir-pass-1"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	user := users.users["kasir1"]
	user.Active = false
	users.users["kasir1"] = user

	_, err := auth.Login(context.Background(), domain.LoginRequest{Username: "kasir1", Password: "kasir-pass-1"})
	if !errors.Is(err, ErrInactiveAccount) {
		t.Fatalf("expected inactive account error, got %v", err)
	}
}

func TestAuthManagerCreateUserValidation(t *testing.T) {
	auth := NewAuthManager("test-secret", time.Hour, &userStoreStub{}, nil)
	ctx := context.Background()

	cases := []domain.UserCreateRequest{
		{Username: "abc", Password: "long-enough-1"},
		{Username: "with space", Password: "long-enough-1"},
		{Username: "kasir2", Password: "short"},
	}
	for _, req := range cases {
		if _, err := auth.CreateUser(ctx, req); !errors.Is(err, store.ErrValidation) {
			t.Fatalf("%+v: expected validation error, got %v", req, err)
		}
	}

	user, err := auth.CreateUser(ctx, domain.UserCreateRequest{Username: " Kasir2 ", Password: "long-enough-1"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if user.Username != "kasir2" || user.Role != domain.RoleCashier || user.PasswordHash != "" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if _, err := auth.CreateUser(ctx, domain.UserCreateRequest{Username: "kasir2", Password: "long-enough-1"}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected duplicate to conflict, got %v", err)
	}
}

func TestAuthManagerResetPassword(t *testing.T) {
	users := &userStoreStub{}
	auth := NewAuthManager("test-secret", time.Hour, users, nil)
	ctx := context.Background()
	if _, err := auth.CreateUser(ctx, domain.UserCreateRequest{Username: "kasir3", Password: "first-pass-1"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := auth.ResetPassword(ctx, "kasir3", "second-pass-2"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := auth.Login(ctx, domain.LoginRequest{Username: "kasir3", Password: "first-pass-1"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password should fail, got %v", err)
	}
	if _, err := auth.Login(ctx, domain.LoginRequest{Username: "kasir3", Password: "second-pass-2"}); err != nil {
		t.Fatalf("new password should work, got %v", err)
	}
	if err := auth.ResetPassword(ctx, "ghost", "second-pass-2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSeedAdminRunsOnce(t *testing.T) {
	users := &userStoreStub{}
	auth := NewAuthManager("test-secret", time.Hour, users, nil)
	ctx := context.Background()

	if err := auth.SeedAdmin(ctx, ""); err != nil || len(users.users) != 0 {
		t.Fatalf("blank password must not seed: %v %v", users.users, err)
	}
	if err := auth.SeedAdmin(ctx, "admin-pass-123"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := auth.SeedAdmin(ctx, "another-pass-456"); err != nil {
		t.Fatalf("second seed: %v", err)
	}
	if _, err := auth.Login(ctx, domain.LoginRequest{Username: "admin", Password: "admin-pass-123"}); err != nil {
		t.Fatalf("seeded admin should keep the first password, got %v", err)
	}
}

func TestParseTokenRejectsExpiredAndForeignTokens(t *testing.T) {
	users := &userStoreStub{}
	auth := NewAuthManager("test-secret", time.Minute, users, nil)
	ctx := context.Background()
	if _, err := auth.CreateUser(ctx, domain.UserCreateRequest{Username: "kasir4", Password: "kasir-pass-4"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	resp, err := auth.Login(ctx, domain.LoginRequest{Username: "kasir4", Password: "kasir-pass-4"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	actor, err := auth.ParseToken(resp.Token)
	if err != nil || actor.Username != "kasir4" || actor.Role != domain.RoleCashier {
		t.Fatalf("unexpected actor %+v, err %v", actor, err)
	}

	other := NewAuthManager("other-secret", time.Minute, users, nil)
	if _, err := other.ParseToken(resp.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected token signed elsewhere to fail, got %v", err)
	}

	auth.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	if _, err := auth.ParseToken(resp.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}
}
