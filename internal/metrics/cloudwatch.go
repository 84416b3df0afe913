package metrics

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"payrecon/internal/billing"
	"payrecon/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

const (
	// cloudWatchBatchSize stays well under the PutMetricData datum limit.
	cloudWatchBatchSize     = 500
	cloudWatchBufferSize    = 4096
	cloudWatchFlushInterval = 15 * time.Second
	cloudWatchPutTimeout    = 10 * time.Second
)

// CloudWatch buffers datums and publishes them in batches from a background
// goroutine so request paths never wait on the AWS API. When the buffer is
// full new datums are dropped and counted.
type CloudWatch struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
	interval  time.Duration

	ch      chan cwtypes.MetricDatum
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	dropped int
}

var _ Recorder = (*CloudWatch)(nil)

// NewCloudWatch creates a publisher for namespace. Call Run to start
// flushing and Close to drain on shutdown.
func NewCloudWatch(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatch {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatch{
		client:    client,
		namespace: namespace,
		logger:    logger,
		interval:  cloudWatchFlushInterval,
		ch:        make(chan cwtypes.MetricDatum, cloudWatchBufferSize),
		done:      make(chan struct{}),
	}
}

// Run flushes buffered datums every interval until ctx is cancelled or
// Close is called, then flushes what remains.
func (c *CloudWatch) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	batch := make([]cwtypes.MetricDatum, 0, cloudWatchBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		c.put(batch)
		batch = batch[:0]
	}

	for {
		select {
		case d := <-c.ch:
			batch = append(batch, d)
			if len(batch) == cloudWatchBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			c.drain(&batch)
			flush()
			return
		case <-c.done:
			c.drain(&batch)
			flush()
			return
		}
	}
}

// Close stops Run after a final flush.
func (c *CloudWatch) Close() {
	c.once.Do(func() { close(c.done) })
}

// Dropped reports how many datums were discarded on a full buffer.
func (c *CloudWatch) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *CloudWatch) drain(batch *[]cwtypes.MetricDatum) {
	for {
		select {
		case d := <-c.ch:
			*batch = append(*batch, d)
			if len(*batch) == cloudWatchBatchSize {
				c.put(*batch)
				*batch = (*batch)[:0]
			}
		default:
			return
		}
	}
}

func (c *CloudWatch) put(batch []cwtypes.MetricDatum) {
	ctx, cancel := context.WithTimeout(context.Background(), cloudWatchPutTimeout)
	defer cancel()

	data := make([]cwtypes.MetricDatum, len(batch))
	copy(data, batch)
	_, err := c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(c.namespace),
		MetricData: data,
	})
	if err != nil {
		c.logger.Error("failed to publish metrics",
			"error", err,
			"datums", len(data),
		)
	}
}

func (c *CloudWatch) emit(name string, value float64, unit cwtypes.StandardUnit, dims ...string) {
	d := cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       unit,
		Timestamp:  aws.Time(time.Now().UTC()),
	}
	for i := 0; i+1 < len(dims); i += 2 {
		d.Dimensions = append(d.Dimensions, cwtypes.Dimension{
			Name:  aws.String(dims[i]),
			Value: aws.String(dims[i+1]),
		})
	}

	select {
	case c.ch <- d:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
	}
}

func (c *CloudWatch) RecordRequest(method, endpoint, status string, duration time.Duration) {
	c.emit(MetricHTTPRequests, 1, cwtypes.StandardUnitCount,
		DimMethod, method, DimEndpoint, endpoint, DimStatus, status)
	c.emit(MetricHTTPLatency, float64(duration.Milliseconds()), cwtypes.StandardUnitMilliseconds,
		DimMethod, method, DimEndpoint, endpoint)
}

func (c *CloudWatch) CheckoutCreated(productID string) {
	c.emit(MetricCheckoutCreated, 1, cwtypes.StandardUnitCount, DimProduct, productID)
}

func (c *CloudWatch) CheckoutFailed(code types.ErrorCode) {
	c.emit(MetricCheckoutFailed, 1, cwtypes.StandardUnitCount, DimErrorCode, codeLabel(code))
}

func (c *CloudWatch) WebhookProcessed(eventType string, outcome billing.Outcome) {
	c.emit(MetricWebhookProcessed, 1, cwtypes.StandardUnitCount,
		DimEventType, eventTypeLabel(eventType), DimOutcome, string(outcome))
}

func (c *CloudWatch) WebhookFailed(eventType string, code types.ErrorCode) {
	c.emit(MetricWebhookFailed, 1, cwtypes.StandardUnitCount,
		DimEventType, eventTypeLabel(eventType), DimErrorCode, codeLabel(code),
		"Retryable", strconv.FormatBool(code.Retryable()))
}

func (c *CloudWatch) SubscriptionTransitioned(kind billing.TransitionKind) {
	c.emit(MetricSubscriptionTransition, 1, cwtypes.StandardUnitCount, DimTransition, string(kind))
}
