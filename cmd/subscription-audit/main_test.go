package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payrecon/internal/types"
)

type stubReader struct {
	active map[int64]*types.Subscription
	err    error
}

func (s *stubReader) GetActive(_ context.Context, userID int64) (*types.Subscription, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.active[userID], nil
}

var occurred = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func event() types.SubscriptionChangedEvent {
	return types.SubscriptionChangedEvent{
		UserID:         7,
		ProductID:      "prod_pro",
		PaymentID:      "pi_1",
		SubscriptionID: 11,
		OccurredAt:     occurred,
	}
}

func record(t *testing.T, id string, body any) events.SQSMessage {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return events.SQSMessage{MessageId: id, Body: string(raw)}
}

func TestAudit(t *testing.T) {
	tests := []struct {
		name   string
		active *types.Subscription
		want   Verdict
	}{
		{"no active subscription", nil, VerdictDrift},
		{"matches", &types.Subscription{ID: 11, ProductID: "prod_pro", ActivatedAt: occurred}, VerdictConsistent},
		{"later purchase", &types.Subscription{ID: 12, ProductID: "prod_max", ActivatedAt: occurred.Add(time.Hour)}, VerdictSuperseded},
		{"older subscription still active", &types.Subscription{ID: 9, ProductID: "prod_basic", ActivatedAt: occurred.Add(-time.Hour)}, VerdictDrift},
		{"same id other product", &types.Subscription{ID: 11, ProductID: "prod_basic", ActivatedAt: occurred}, VerdictDrift},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Audit(event(), tt.active))
		})
	}
}

func TestHandle_LogsDrift(t *testing.T) {
	var buf bytes.Buffer
	h := NewHandler(&stubReader{}, slog.New(slog.NewJSONHandler(&buf, nil)))

	resp, err := h.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{record(t, "m1", event())}})
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
	assert.Contains(t, buf.String(), "subscription drift detected")
}

func TestHandle_ConsistentEvent(t *testing.T) {
	var buf bytes.Buffer
	reader := &stubReader{active: map[int64]*types.Subscription{
		7: {ID: 11, UserID: 7, ProductID: "prod_pro", ActivatedAt: occurred, IsActive: true},
	}}
	h := NewHandler(reader, slog.New(slog.NewJSONHandler(&buf, nil)))

	resp, err := h.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{record(t, "m1", event())}})
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
	assert.Contains(t, buf.String(), `"verdict":"consistent"`)
	assert.NotContains(t, buf.String(), "drift")
}

func TestHandle_MalformedMessageAcknowledged(t *testing.T) {
	h := NewHandler(&stubReader{err: errors.New("must not be called")}, slog.New(slog.DiscardHandler))

	resp, err := h.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "bad-json", Body: "{"},
		record(t, "no-user", map[string]any{"product_id": "prod_pro"}),
	}})
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
}

func TestHandle_StorageFailureIsPartial(t *testing.T) {
	reader := &stubReader{err: types.NewAppError(types.ErrCodeUnavailableStorage, "db down", nil)}
	h := NewHandler(reader, slog.New(slog.DiscardHandler))

	resp, err := h.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		record(t, "m1", event()),
		{MessageId: "m2", Body: "not json"},
	}})
	require.NoError(t, err)
	require.Len(t, resp.BatchItemFailures, 1)
	assert.Equal(t, "m1", resp.BatchItemFailures[0].ItemIdentifier)
}
