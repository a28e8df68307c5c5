package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/SigNoz/nexus-checkout/internal/db"
	"github.com/SigNoz/nexus-checkout/internal/metrics"
	"github.com/SigNoz/nexus-checkout/internal/models"
)

const selectUserQuery = "SELECT id, email, first_name, last_name, is_staff, created_at FROM users WHERE id = ?"

// UserService reads accounts owned by the accounts service. Checkout never
// writes to the users table.
type UserService struct {
	db      *db.DB
	metrics *metrics.AppMetrics
}

// NewUserService creates a new user service
func NewUserService(db *db.DB, metrics *metrics.AppMetrics) *UserService {
	return &UserService{
		db:      db,
		metrics: metrics,
	}
}

// GetUser returns a user by ID
func (s *UserService) GetUser(ctx context.Context, id int64) (*models.User, error) {
	start := time.Now()

	var user models.User
	err := s.db.QueryRowContext(ctx, selectUserQuery, id).Scan(
		&user.ID, &user.Email, &user.FirstName, &user.LastName, &user.IsStaff, &user.CreatedAt,
	)
	s.metrics.RecordDBQuery(ctx, "SELECT", "users", selectUserQuery, start, err == nil || errors.Is(err, sql.ErrNoRows))

	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "user", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &user, nil
}
