package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"payrecon/internal/types"
)

// UserRepository provides data access for the users table. Billing may only
// write stripe_customer_id; the rest of the row belongs to identity.
type UserRepository struct {
	db DBTX
}

// NewUserRepository creates a new UserRepository backed by the given
// database connection (pool or transaction).
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, email, name, stripe_customer_id`

func scanUser(row pgx.Row) (*types.User, error) {
	var u types.User
	var customerID *string
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &customerID); err != nil {
		return nil, err
	}
	if customerID != nil {
		u.CustomerID = *customerID
	}
	return &u, nil
}

// GetByID retrieves a user by ID.
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*types.User, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`,
		id,
	)
	return r.scanOne(row, "failed to retrieve user", map[string]any{"user_id": id})
}

// GetByCustomerID resolves the user owning a provider customer.
func (r *UserRepository) GetByCustomerID(ctx context.Context, customerID string) (*types.User, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE stripe_customer_id = $1`,
		customerID,
	)
	return r.scanOne(row, "failed to retrieve user by customer", map[string]any{"customer_id": customerID})
}

func (r *UserRepository) scanOne(row pgx.Row, msg string, details map[string]any) (*types.User, error) {
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeNotFoundUser, "user not found", nil, details)
		}
		return nil, storageError(msg, err)
	}
	return u, nil
}

// UpdateCustomerID persists the provider customer identifier on the user.
func (r *UserRepository) UpdateCustomerID(ctx context.Context, userID int64, customerID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET stripe_customer_id = $2, updated_at = NOW() WHERE id = $1`,
		userID, customerID,
	)
	if err != nil {
		return storageError("failed to update customer id", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppErrorWithDetails(types.ErrCodeNotFoundUser, "user not found", nil,
			map[string]any{"user_id": userID})
	}
	return nil
}

// LockForUpdate takes a row-level lock on the user. Concurrent subscription
// transitions for the same user serialize on this lock until commit.
func (r *UserRepository) LockForUpdate(ctx context.Context, userID int64) error {
	var id int64
	err := r.db.QueryRow(ctx,
		`SELECT id FROM users WHERE id = $1 FOR UPDATE`,
		userID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.NewAppErrorWithDetails(types.ErrCodeNotFoundUser, "user not found", nil,
				map[string]any{"user_id": userID})
		}
		return storageError("failed to lock user", err)
	}
	return nil
}
