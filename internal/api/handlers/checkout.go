package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"payrecon/internal/core"
	"payrecon/internal/types"
)

// CheckoutCreator starts a hosted checkout for one product.
type CheckoutCreator interface {
	CreateCheckout(ctx context.Context, userID int64, productID string) (string, error)
}

// CreateCheckoutRequest is the body of POST /v1/checkout.
type CreateCheckoutRequest struct {
	ProductID string `json:"product_id" validate:"required,provider_id=prod"`
}

// CheckoutResponse is returned on success.
type CheckoutResponse struct {
	CheckoutURL string `json:"checkout_url"`
}

// CheckoutHandler serves the authenticated checkout endpoint.
type CheckoutHandler struct {
	checkout  CheckoutCreator
	validator *core.Validator
	logger    *slog.Logger
}

// NewCheckoutHandler creates a CheckoutHandler.
func NewCheckoutHandler(checkout CheckoutCreator, v *core.Validator, logger *slog.Logger) *CheckoutHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if v == nil {
		v = core.NewValidator()
	}
	return &CheckoutHandler{checkout: checkout, validator: v, logger: logger}
}

// RegisterRoutes mounts POST /checkout behind requireUser.
func (h *CheckoutHandler) RegisterRoutes(r chi.Router, requireUser func(http.Handler) http.Handler) {
	r.With(requireUser).Post("/checkout", h.Create)
}

// Create handles POST /v1/checkout.
func (h *CheckoutHandler) Create(w http.ResponseWriter, r *http.Request) {
	principal, ok := types.GetPrincipal(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
		return
	}

	var req CreateCheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	url, err := h.checkout.CreateCheckout(r.Context(), principal.UserID, req.ProductID)
	if err != nil {
		logFailure(r, h.logger, "checkout failed", err,
			slog.Int64("user_id", principal.UserID),
			slog.String("product_id", req.ProductID),
		)
		core.Error(w, r, err)
		return
	}

	core.Data(w, r, http.StatusOK, CheckoutResponse{CheckoutURL: url})
}

// logFailure logs server-side and transient failures at error level and
// caller mistakes at warn level.
func logFailure(r *http.Request, fallback *slog.Logger, msg string, err error, attrs ...any) {
	logger := types.LoggerFromContext(r.Context(), fallback)
	args := append([]any{slog.String("error_code", string(types.ErrorCodeOf(err))), slog.Any("error", err)}, attrs...)
	if types.ErrorCodeOf(err).HTTPStatus() >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), msg, args...)
		return
	}
	logger.WarnContext(r.Context(), msg, args...)
}
