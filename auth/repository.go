package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"campaignflow/db"
)

var (
	// ErrOperatorNotFound signals that the operator does not exist.
	ErrOperatorNotFound = errors.New("auth: operator not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = errors.New("auth: email already exists")
)

// Repository handles data access for authentication.
type Repository interface {
	CreateOperator(ctx context.Context, params CreateOperatorParams) (Operator, error)
	GetOperatorByEmail(ctx context.Context, email string) (Operator, error)
	GetOperatorByID(ctx context.Context, operatorID string) (Operator, error)
}

// CreateOperatorParams contains write parameters for creating operators.
type CreateOperatorParams struct {
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool db.DBTX
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool db.DBTX) *PGRepository {
	return &PGRepository{pool: pool}
}

const operatorColumns = `id::text, email, full_name, password_hash, role, created_at`

// CreateOperator inserts a new operator with a hashed password.
func (r *PGRepository) CreateOperator(ctx context.Context, params CreateOperatorParams) (Operator, error) {
	const insertSQL = `
		INSERT INTO operators (email, full_name, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + operatorColumns

	op, err := scanOperator(r.pool.QueryRow(ctx, insertSQL, normalizeEmail(params.Email), params.FullName, params.PasswordHash, params.Role))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Operator{}, ErrDuplicateEmail
		}
		return Operator{}, fmt.Errorf("auth: create operator: %w", err)
	}

	return op, nil
}

// GetOperatorByEmail retrieves an operator by email address.
func (r *PGRepository) GetOperatorByEmail(ctx context.Context, email string) (Operator, error) {
	const selectSQL = `SELECT ` + operatorColumns + ` FROM operators WHERE email = $1`

	op, err := scanOperator(r.pool.QueryRow(ctx, selectSQL, normalizeEmail(email)))
	if err != nil {
		if db.IsNoRows(err) {
			return Operator{}, ErrOperatorNotFound
		}
		return Operator{}, fmt.Errorf("auth: get operator by email: %w", err)
	}

	return op, nil
}

// GetOperatorByID retrieves an operator by ID.
func (r *PGRepository) GetOperatorByID(ctx context.Context, operatorID string) (Operator, error) {
	const selectSQL = `SELECT ` + operatorColumns + ` FROM operators WHERE id::text = $1`

	op, err := scanOperator(r.pool.QueryRow(ctx, selectSQL, operatorID))
	if err != nil {
		if db.IsNoRows(err) {
			return Operator{}, ErrOperatorNotFound
		}
		return Operator{}, fmt.Errorf("auth: get operator by id: %w", err)
	}

	return op, nil
}

func scanOperator(row pgx.Row) (Operator, error) {
	var op Operator
	err := row.Scan(
		&op.ID,
		&op.Email,
		&op.FullName,
		&op.PasswordHash,
		&op.Role,
		&op.CreatedAt,
	)
	if err != nil {
		return Operator{}, err
	}
	return op, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
