package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"payrecon/internal/core"
	"payrecon/internal/types"
)

// PaymentStatusUpdater changes the status of a recorded payment.
type PaymentStatusUpdater interface {
	UpdateStatus(ctx context.Context, paymentID string, status types.PaymentStatus) error
	Get(ctx context.Context, paymentID string) (*types.Payment, error)
}

// UpdatePaymentStatusRequest is the body of the admin status update.
type UpdatePaymentStatusRequest struct {
	Status string `json:"status" validate:"required,payment_status"`
}

// AdminHandler serves operator endpoints.
type AdminHandler struct {
	payments  PaymentStatusUpdater
	validator *core.Validator
	logger    *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(payments PaymentStatusUpdater, v *core.Validator, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if v == nil {
		v = core.NewValidator()
	}
	return &AdminHandler{payments: payments, validator: v, logger: logger}
}

// RegisterRoutes mounts the admin group behind requireAdmin.
func (h *AdminHandler) RegisterRoutes(r chi.Router, requireAdmin func(http.Handler) http.Handler) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(requireAdmin)
		r.Put("/payments/{paymentID}/status", h.UpdatePaymentStatus)
	})
}

// UpdatePaymentStatus handles PUT /v1/admin/payments/{paymentID}/status and
// returns the updated payment.
func (h *AdminHandler) UpdatePaymentStatus(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentID")

	var req UpdatePaymentStatusRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	status := types.PaymentStatus(req.Status)
	if err := h.payments.UpdateStatus(r.Context(), paymentID, status); err != nil {
		logFailure(r, h.logger, "payment status update failed", err, slog.String("payment_id", paymentID))
		core.Error(w, r, err)
		return
	}

	payment, err := h.payments.Get(r.Context(), paymentID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, payment)
}
