package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"payrecon/internal/core"
	"payrecon/internal/types"
)

// ProductCatalog lists what can be purchased.
type ProductCatalog interface {
	ListProducts(ctx context.Context) ([]types.Product, error)
}

// SubscriptionReader reads a user's subscription state.
type SubscriptionReader interface {
	GetActive(ctx context.Context, userID int64) (*types.Subscription, error)
}

// PaymentHistory reads a user's recorded payments.
type PaymentHistory interface {
	ListForUser(ctx context.Context, userID int64) ([]*types.Payment, error)
}

// AccountHandler serves the read endpoints: the product catalog (public) and
// the caller's subscription and payments (authenticated).
type AccountHandler struct {
	catalog       ProductCatalog
	subscriptions SubscriptionReader
	payments      PaymentHistory
	logger        *slog.Logger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(catalog ProductCatalog, subs SubscriptionReader, payments PaymentHistory, logger *slog.Logger) *AccountHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountHandler{catalog: catalog, subscriptions: subs, payments: payments, logger: logger}
}

// RegisterRoutes mounts the catalog publicly and the per-user reads behind
// requireUser.
func (h *AccountHandler) RegisterRoutes(r chi.Router, requireUser func(http.Handler) http.Handler) {
	r.Get("/products", h.ListProducts)
	r.Group(func(r chi.Router) {
		r.Use(requireUser)
		r.Get("/subscription", h.GetSubscription)
		r.Get("/payments", h.ListPayments)
	})
}

// ListProducts handles GET /v1/products.
func (h *AccountHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.catalog.ListProducts(r.Context())
	if err != nil {
		logFailure(r, h.logger, "list products failed", err)
		core.Error(w, r, err)
		return
	}
	if products == nil {
		products = []types.Product{}
	}
	core.Data(w, r, http.StatusOK, products)
}

// GetSubscription handles GET /v1/subscription. A user without an active
// subscription gets not_found_subscription.
func (h *AccountHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	principal, ok := types.GetPrincipal(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	sub, err := h.subscriptions.GetActive(r.Context(), principal.UserID)
	if err != nil {
		logFailure(r, h.logger, "get subscription failed", err, slog.Int64("user_id", principal.UserID))
		core.Error(w, r, err)
		return
	}
	if sub == nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeNotFoundSubscription, "no active subscription", nil))
		return
	}
	core.Data(w, r, http.StatusOK, sub)
}

// ListPayments handles GET /v1/payments.
func (h *AccountHandler) ListPayments(w http.ResponseWriter, r *http.Request) {
	principal, ok := types.GetPrincipal(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	payments, err := h.payments.ListForUser(r.Context(), principal.UserID)
	if err != nil {
		logFailure(r, h.logger, "list payments failed", err, slog.Int64("user_id", principal.UserID))
		core.Error(w, r, err)
		return
	}
	if payments == nil {
		payments = []*types.Payment{}
	}
	core.Data(w, r, http.StatusOK, payments)
}
