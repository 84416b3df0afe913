package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"payrecon/internal/billing"
	"payrecon/internal/core"
	"payrecon/internal/types"
)

// maxWebhookBodySize bounds provider deliveries. Checkout events are a few
// kilobytes.
const maxWebhookBodySize = 64 * 1024

// SignatureHeader is the provider's signature header.
const SignatureHeader = "Stripe-Signature"

// WebhookProcessor verifies and reconciles one delivery.
type WebhookProcessor interface {
	Process(ctx context.Context, payload []byte, signatureHeader string) (billing.Outcome, error)
}

// WebhookResponse acknowledges an accepted delivery.
type WebhookResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
}

// WebhookHandler serves the unauthenticated provider callback. The
// signature is the authentication.
type WebhookHandler struct {
	processor WebhookProcessor
	logger    *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(processor WebhookProcessor, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{processor: processor, logger: logger}
}

// RegisterRoutes mounts POST /webhook.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhook", h.Handle)
}

// Handle reads the raw body (the signature covers the exact bytes) and
// hands it to the processor. Accepted deliveries, including duplicates and
// ignored types, answer 200. Retryable failures answer 5xx so the provider
// redelivers; permanent ones answer 4xx.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationPayloadTooLarge,
				"webhook payload exceeds 64KB", err))
			return
		}
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidBody,
			"failed to read request body", err))
		return
	}

	outcome, err := h.processor.Process(r.Context(), payload, r.Header.Get(SignatureHeader))
	if err != nil {
		logFailure(r, h.logger, "webhook rejected", err,
			slog.Bool("retryable", types.ErrorCodeOf(err).Retryable()),
			slog.Int("payload_bytes", len(payload)),
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, WebhookResponse{Received: true, Outcome: string(outcome)})
}
