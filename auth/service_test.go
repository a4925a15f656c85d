package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "rita@example.com",
		Password: "supersafe",
		FullName: "Rita Reviewer",
	}

	ctx := context.Background()
	op, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}
	if op.Email != req.Email {
		t.Fatalf("expected email %q got %q", req.Email, op.Email)
	}
	if op.Role != RoleReviewer {
		t.Fatalf("register: expected default role %s got %s", RoleReviewer, op.Role)
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: "RITA@example.com", Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.Operator.ID != op.ID {
		t.Fatalf("login: expected operator id %q got %q", op.ID, resp.Operator.ID)
	}

	claims, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if claims.OperatorID != op.ID {
		t.Fatalf("verify token: expected %q got %q", op.ID, claims.OperatorID)
	}
	if claims.Role != RoleReviewer {
		t.Fatalf("verify token: expected role %s got %s", RoleReviewer, claims.Role)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	svc := NewService(newFakeRepository(), "test-secret")

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "rita@example.com",
		Password: "short",
		FullName: "Rita Reviewer",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "",
		Password: "strongpassword",
		FullName: "",
	}); err == nil {
		t.Fatal("expected validation error for missing fields")
	}

	_, err = svc.Register(context.Background(), RegisterRequest{
		Email:    "rita@example.com",
		Password: "strongpassword",
		FullName: "Rita Reviewer",
		Role:     "owner",
	})
	if !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
}

func TestService_DuplicateEmail(t *testing.T) {
	svc := NewService(newFakeRepository(), "test-secret")

	req := RegisterRequest{
		Email:    "rita@example.com",
		Password: "strongpassword",
		FullName: "Rita Reviewer",
	}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "unknown@example.com",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email: "ada@example.com", Password: "strongpassword", FullName: "Ada Admin", Role: RoleAdmin,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err = svc.Login(context.Background(), LoginRequest{Email: "ada@example.com", Password: "wrongpassword"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", err)
	}
}

func TestService_VerifyTokenRejects(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(newFakeRepository(), "test-secret").
		WithTokenTTL(time.Hour).
		WithClock(func() time.Time { return now })

	op := Operator{ID: "op-1", Role: RoleAdmin}
	token, expires, err := svc.IssueToken(op)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !expires.Equal(now.Add(time.Hour)) {
		t.Fatalf("expires = %v", expires)
	}

	if _, err := svc.VerifyToken(token); err != nil {
		t.Fatalf("fresh token rejected: %v", err)
	}

	other := NewService(newFakeRepository(), "another-secret").WithClock(func() time.Time { return now })
	if _, err := other.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign secret: expected ErrInvalidToken, got %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := svc.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token: expected ErrInvalidToken, got %v", err)
	}

	if _, err := svc.VerifyToken("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("garbage: expected ErrInvalidToken, got %v", err)
	}
}

type fakeRepository struct {
	byEmail map[string]Operator
	byID    map[string]Operator
	nextID  int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		byEmail: make(map[string]Operator),
		byID:    make(map[string]Operator),
		nextID:  1,
	}
}

func (f *fakeRepository) CreateOperator(ctx context.Context, params CreateOperatorParams) (Operator, error) {
	if _, exists := f.byEmail[strings.ToLower(params.Email)]; exists {
		return Operator{}, ErrDuplicateEmail
	}

	op := Operator{
		ID:           fmt.Sprintf("op-%d", f.nextID),
		Email:        params.Email,
		FullName:     params.FullName,
		PasswordHash: params.PasswordHash,
		Role:         params.Role,
		CreatedAt:    time.Now().UTC(),
	}
	f.nextID++

	f.byEmail[strings.ToLower(op.Email)] = op
	f.byID[op.ID] = op
	return op, nil
}

func (f *fakeRepository) GetOperatorByEmail(ctx context.Context, email string) (Operator, error) {
	op, ok := f.byEmail[strings.ToLower(email)]
	if !ok {
		return Operator{}, ErrOperatorNotFound
	}
	return op, nil
}

func (f *fakeRepository) GetOperatorByID(ctx context.Context, operatorID string) (Operator, error) {
	op, ok := f.byID[operatorID]
	if !ok {
		return Operator{}, ErrOperatorNotFound
	}
	return op, nil
}
