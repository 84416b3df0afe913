// Package main is the entrypoint for the subscription audit Lambda.
//
// The audit consumes the subscription-changed queue fed by the webhook
// processor and checks each event against the database: the subscription
// the event announces must be the user's active one, unless a later
// purchase has already superseded it. Drift is logged at warn level so it
// surfaces in log-based alarms.
//
// Messages that cannot be decoded are acknowledged and dropped. Storage
// failures are reported as partial batch failures so SQS redelivers only
// those messages.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/kelseyhightower/envconfig"

	"payrecon/internal/config"
	"payrecon/internal/db"
	"payrecon/internal/types"
)

// ActiveSubscriptionReader loads a user's active subscription, or nil.
type ActiveSubscriptionReader interface {
	GetActive(ctx context.Context, userID int64) (*types.Subscription, error)
}

// Verdict classifies an audited event.
type Verdict string

const (
	VerdictConsistent Verdict = "consistent"
	VerdictSuperseded Verdict = "superseded"
	VerdictDrift      Verdict = "drift"
)

// Handler audits batches of subscription-changed events.
type Handler struct {
	subs   ActiveSubscriptionReader
	logger *slog.Logger
}

func NewHandler(subs ActiveSubscriptionReader, logger *slog.Logger) *Handler {
	return &Handler{subs: subs, logger: logger}
}

// Handle processes every record independently.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "failed to audit SQS message",
				"message_id", record.MessageId,
				"error", err,
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	var evt types.SubscriptionChangedEvent
	if err := json.Unmarshal([]byte(record.Body), &evt); err != nil || evt.UserID <= 0 {
		// Permanent: redelivery cannot fix the body.
		h.logger.WarnContext(ctx, "dropping malformed subscription event",
			"message_id", record.MessageId,
			"error", err,
		)
		return nil
	}

	logger := h.logger.With(
		"message_id", record.MessageId,
		"user_id", evt.UserID,
		"subscription_id", evt.SubscriptionID,
		"payment_id", evt.PaymentID,
	)

	active, err := h.subs.GetActive(ctx, evt.UserID)
	if err != nil {
		return err
	}

	verdict := Audit(evt, active)
	switch verdict {
	case VerdictDrift:
		attrs := []any{"verdict", verdict, "expected_product_id", evt.ProductID}
		if active != nil {
			attrs = append(attrs, "active_subscription_id", active.ID, "active_product_id", active.ProductID)
		}
		logger.WarnContext(ctx, "subscription drift detected", attrs...)
	default:
		logger.InfoContext(ctx, "subscription event audited", "verdict", verdict)
	}
	return nil
}

// Audit compares an event with the user's current active subscription.
// A different active subscription activated after the event is a later
// purchase, not drift.
func Audit(evt types.SubscriptionChangedEvent, active *types.Subscription) Verdict {
	switch {
	case active == nil:
		return VerdictDrift
	case active.ID == evt.SubscriptionID && active.ProductID == evt.ProductID:
		return VerdictConsistent
	case active.ID != evt.SubscriptionID && active.ActivatedAt.After(evt.OccurredAt):
		return VerdictSuperseded
	default:
		return VerdictDrift
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("subscription audit initializing (cold start)")

	var dbCfg config.DatabaseConfig
	if err := envconfig.Process("", &dbCfg); err != nil {
		logger.Error("failed to read database configuration", "error", err)
		os.Exit(1)
	}
	// One Lambda instance handles one batch at a time.
	dbCfg.MaxConns, dbCfg.MinConns = 2, 0

	pool, err := db.NewPool(context.Background(), dbCfg)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	handler := NewHandler(db.NewSubscriptionRepository(pool), logger)
	logger.Info("subscription audit initialized")

	lambda.Start(handler.Handle)
}
