// Package queue provides the SQS producer that announces committed
// subscription changes to downstream consumers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"payrecon/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// EventTypeSubscriptionChanged is carried in the "event_type" message attribute.
const EventTypeSubscriptionChanged = "subscription.changed"

// SubscriptionPublisher implements types.SubscriptionEventPublisher on SQS.
//
// On a FIFO queue (URL ending in ".fifo") messages are grouped by user so a
// consumer sees each user's changes in commit order, and deduplicated by
// payment id so a redelivered webhook cannot announce the same change twice.
type SubscriptionPublisher struct {
	client   SQSSender
	queueURL string
	fifo     bool
	logger   *slog.Logger
}

var _ types.SubscriptionEventPublisher = (*SubscriptionPublisher)(nil)

// NewSubscriptionPublisher creates a publisher for queueURL.
func NewSubscriptionPublisher(client SQSSender, queueURL string, logger *slog.Logger) *SubscriptionPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionPublisher{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
		logger:   logger,
	}
}

// PublishSubscriptionChanged serializes evt to JSON and sends it.
func (p *SubscriptionPublisher) PublishSubscriptionChanged(ctx context.Context, evt types.SubscriptionChangedEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal SubscriptionChangedEvent: %w", err)
	}

	userID := strconv.FormatInt(evt.UserID, 10)
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(EventTypeSubscriptionChanged),
			},
			"user_id": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(userID),
			},
		},
	}
	if p.fifo {
		input.MessageGroupId = aws.String("user-" + userID)
		input.MessageDeduplicationId = aws.String(evt.PaymentID)
	}

	out, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("queue: failed to send SubscriptionChangedEvent to %s: %w", p.queueURL, err)
	}

	p.logger.InfoContext(ctx, "subscription change published",
		"queue_url", p.queueURL,
		"message_id", aws.ToString(out.MessageId),
		"user_id", evt.UserID,
		"payment_id", evt.PaymentID,
		"subscription_id", evt.SubscriptionID,
	)
	return nil
}

// NopPublisher drops events. Used when no queue is configured.
type NopPublisher struct{}

var _ types.SubscriptionEventPublisher = NopPublisher{}

func (NopPublisher) PublishSubscriptionChanged(context.Context, types.SubscriptionChangedEvent) error {
	return nil
}
