package billing

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"payrecon/internal/external"
	"payrecon/internal/types"
)

// idempotencyNamespace scopes the deterministic keys sent with customer
// creation requests.
var idempotencyNamespace = uuid.MustParse("4d1f6c0e-7b52-4f0a-9f3e-2a8c5d9b7e61")

// CustomerResolver maps an internal user to a provider customer, creating
// the customer on first use.
type CustomerResolver struct {
	provider external.PaymentProvider
	users    types.UserRepository
	logger   *slog.Logger
	group    singleflight.Group
}

// NewCustomerResolver creates a CustomerResolver.
func NewCustomerResolver(provider external.PaymentProvider, users types.UserRepository, logger *slog.Logger) *CustomerResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &CustomerResolver{
		provider: provider,
		users:    users,
		logger:   logger,
	}
}

// Resolve returns the provider customer id for user and records it on user.
//
// A stored identifier that the provider no longer knows is replaced. A
// freshly created customer is persisted before returning; if that write
// fails the provider customer is orphaned and the storage error is returned.
// Concurrent calls for the same user share one resolution.
func (r *CustomerResolver) Resolve(ctx context.Context, user *types.User) (string, error) {
	if user == nil {
		return "", types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}

	snapshot := *user
	ch := r.group.DoChan(strconv.FormatInt(user.ID, 10), func() (any, error) {
		// Shared by every waiting caller; one of them leaving must not cancel it.
		return r.resolve(context.WithoutCancel(ctx), &snapshot)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		customerID := res.Val.(string)
		user.CustomerID = customerID
		return customerID, nil
	case <-ctx.Done():
		return "", types.NewAppError(types.ErrCodeUpstreamStripe, "customer resolution interrupted", ctx.Err())
	}
}

func (r *CustomerResolver) resolve(ctx context.Context, user *types.User) (string, error) {
	if user.CustomerID != "" {
		customer, err := r.provider.GetCustomer(ctx, user.CustomerID)
		switch {
		case err == nil:
			return customer.ID, nil
		case types.IsCode(err, types.ErrCodeNotFoundCustomer):
			r.logger.WarnContext(ctx, "stored provider customer no longer exists, recreating",
				"user_id", user.ID,
				"customer_id", user.CustomerID,
			)
		default:
			return "", err
		}
	}

	customer, err := r.provider.CreateCustomer(ctx, external.CustomerParams{
		Email:          user.Email,
		Name:           user.Name,
		Metadata:       map[string]string{"user_id": strconv.FormatInt(user.ID, 10)},
		IdempotencyKey: customerIdempotencyKey(user),
	})
	if err != nil {
		return "", err
	}
	if customer.ID == "" {
		return "", types.NewAppError(types.ErrCodeUpstreamRejected, "provider returned a customer without an id", nil)
	}

	if err := r.users.UpdateCustomerID(ctx, user.ID, customer.ID); err != nil {
		r.logger.ErrorContext(ctx, "provider customer created but not persisted",
			"user_id", user.ID,
			"customer_id", customer.ID,
			"error", err,
		)
		return "", err
	}

	r.logger.InfoContext(ctx, "provider customer created",
		"user_id", user.ID,
		"customer_id", customer.ID,
	)
	return customer.ID, nil
}

// customerIdempotencyKey is stable for one user and one stale identifier,
// so a retried create returns the customer made by the first attempt while
// a later stale-reference recovery still gets a fresh customer.
func customerIdempotencyKey(user *types.User) string {
	name := fmt.Sprintf("customer:%d:%s", user.ID, user.CustomerID)
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}
