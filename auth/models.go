package auth

import "time"

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleReviewer Role = "reviewer"
)

// Operator is a human allowed to decide approvals and manage campaigns.
// It mirrors the operators table and carries no JSON annotations so each
// presentation layer can shape it.
type Operator struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
}

// RegisterRequest contains operator registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains operator login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Claims is what a verified bearer token says about its holder.
type Claims struct {
	OperatorID string
	Role       Role
	ExpiresAt  time.Time
}
