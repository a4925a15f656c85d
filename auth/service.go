package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrInvalidToken signals a bearer token that failed verification.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrInvalidRole signals a role outside admin and reviewer.
	ErrInvalidRole = errors.New("auth: invalid role")
)

// DefaultTokenTTL is how long an issued bearer token stays valid.
const DefaultTokenTTL = 24 * time.Hour

// Service handles authentication business logic.
type Service struct {
	repo      Repository
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
}

// LoginResult bundles the token and operator returned after a successful login.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	Operator  Operator
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  DefaultTokenTTL,
		now:       time.Now,
	}
}

func (s *Service) WithTokenTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.tokenTTL = ttl
	}
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register creates a new operator account. The role defaults to reviewer.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Operator, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}
	if strings.TrimSpace(req.Email) == "" || strings.TrimSpace(req.FullName) == "" {
		return nil, fmt.Errorf("auth: email and full_name are required")
	}

	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleReviewer
	}
	if !isValidRole(role) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	op, err := s.repo.CreateOperator(ctx, CreateOperatorParams{
		Email:        req.Email,
		FullName:     req.FullName,
		PasswordHash: string(passwordHash),
		Role:         role,
	})
	if err != nil {
		return nil, err
	}

	return &op, nil
}

// Login authenticates an operator and returns a bearer token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	op, err := s.repo.GetOperatorByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, ErrOperatorNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, expires, err := s.IssueToken(op)
	if err != nil {
		return LoginResult{}, err
	}

	return LoginResult{Token: token, ExpiresAt: expires, Operator: op}, nil
}

// GetOperatorByID retrieves operator information by ID.
func (s *Service) GetOperatorByID(ctx context.Context, operatorID string) (*Operator, error) {
	op, err := s.repo.GetOperatorByID(ctx, operatorID)
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// IssueToken signs an HS256 token carrying operator_id, role and exp.
func (s *Service) IssueToken(op Operator) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(s.tokenTTL)
	claims := jwt.MapClaims{
		"operator_id": op.ID,
		"role":        op.Role,
		"exp":         expires.Unix(),
		"iat":         now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, expires, nil
}

// VerifyToken validates a bearer token and returns its claims.
func (s *Service) VerifyToken(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	operatorID, ok := claims["operator_id"].(string)
	if !ok || operatorID == "" {
		return Claims{}, fmt.Errorf("%w: missing operator_id", ErrInvalidToken)
	}
	roleStr, ok := claims["role"].(string)
	if !ok || !isValidRole(Role(roleStr)) {
		return Claims{}, fmt.Errorf("%w: role %v", ErrInvalidToken, claims["role"])
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return Claims{}, fmt.Errorf("%w: missing exp", ErrInvalidToken)
	}

	return Claims{OperatorID: operatorID, Role: Role(roleStr), ExpiresAt: exp.Time}, nil
}

func isValidRole(role Role) bool {
	switch role {
	case RoleAdmin, RoleReviewer:
		return true
	default:
		return false
	}
}
