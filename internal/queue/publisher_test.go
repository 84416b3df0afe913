package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"payrecon/internal/types"
)

// --- Mock SQS Client ---

// mockSQSSender captures SendMessage calls for test assertions.
type mockSQSSender struct {
	calls []*sqs.SendMessageInput
	err   error
}

func (m *mockSQSSender) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil
}

const (
	testStandardURL = "https://sqs.us-east-1.amazonaws.com/123456789/subscription-events"
	testFIFOURL     = "https://sqs.us-east-1.amazonaws.com/123456789/subscription-events.fifo"
)

func testEvent() types.SubscriptionChangedEvent {
	return types.SubscriptionChangedEvent{
		UserID:                 42,
		ProductID:              "prod_pro",
		PaymentID:              "pi_2",
		SubscriptionID:         7,
		PreviousProductID:      "prod_basic",
		PreviousSubscriptionID: 6,
		OccurredAt:             time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestPublish_StandardQueue(t *testing.T) {
	mock := &mockSQSSender{}
	pub := NewSubscriptionPublisher(mock, testStandardURL, slog.Default())

	if err := pub.PublishSubscriptionChanged(context.Background(), testEvent()); err != nil {
		t.Fatalf("PublishSubscriptionChanged returned unexpected error: %v", err)
	}
	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 SQS call, got %d", len(mock.calls))
	}

	call := mock.calls[0]
	if *call.QueueUrl != testStandardURL {
		t.Errorf("expected queue URL %q, got %q", testStandardURL, *call.QueueUrl)
	}
	if call.MessageGroupId != nil || call.MessageDeduplicationId != nil {
		t.Error("standard queue must not carry FIFO attributes")
	}
	if got := *call.MessageAttributes["event_type"].StringValue; got != EventTypeSubscriptionChanged {
		t.Errorf("event_type = %q", got)
	}
	if got := *call.MessageAttributes["user_id"].StringValue; got != "42" {
		t.Errorf("user_id = %q", got)
	}

	var decoded types.SubscriptionChangedEvent
	if err := json.Unmarshal([]byte(*call.MessageBody), &decoded); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	want := testEvent()
	if decoded.PaymentID != want.PaymentID || decoded.PreviousSubscriptionID != want.PreviousSubscriptionID ||
		!decoded.OccurredAt.Equal(want.OccurredAt) {
		t.Errorf("decoded = %+v, want %+v", decoded, want)
	}
}

func TestPublish_FIFOQueueGroupsByUser(t *testing.T) {
	mock := &mockSQSSender{}
	pub := NewSubscriptionPublisher(mock, testFIFOURL, nil)

	if err := pub.PublishSubscriptionChanged(context.Background(), testEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	call := mock.calls[0]
	if call.MessageGroupId == nil || *call.MessageGroupId != "user-42" {
		t.Errorf("MessageGroupId = %v, want user-42", call.MessageGroupId)
	}
	if call.MessageDeduplicationId == nil || *call.MessageDeduplicationId != "pi_2" {
		t.Errorf("MessageDeduplicationId = %v, want pi_2", call.MessageDeduplicationId)
	}
}

func TestPublish_SendError(t *testing.T) {
	mock := &mockSQSSender{err: errors.New("throttled")}
	pub := NewSubscriptionPublisher(mock, testStandardURL, nil)

	err := pub.PublishSubscriptionChanged(context.Background(), testEvent())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), testStandardURL) {
		t.Errorf("error should name the queue: %v", err)
	}
}

func TestNopPublisher(t *testing.T) {
	if err := (NopPublisher{}).PublishSubscriptionChanged(context.Background(), testEvent()); err != nil {
		t.Errorf("NopPublisher returned %v", err)
	}
}
