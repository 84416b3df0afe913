package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"payrecon/internal/types"
)

// stripeAPIBase is the default Stripe API base URL.
const stripeAPIBase = "https://api.stripe.com"

// productPageSize bounds a single /v1/products page.
const productPageSize = 100

// checkoutSessionExpansions are required to reconcile a completed session.
var checkoutSessionExpansions = []string{
	"payment_intent",
	"line_items",
	"line_items.data.price.product",
}

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string // defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient implements PaymentProvider with direct calls to the Stripe
// REST API through BaseClient, so every request shares the same breaker,
// retry and error mapping.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
}

var _ PaymentProvider = (*StripeClient)(nil)

// NewStripeClient creates a StripeClient with the default retry policy.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig, opts ...BaseClientOption) *StripeClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]BaseClientOption{WithLogger(logger)}, opts...)
	base := NewBaseClient(httpClient, "stripe", DefaultRetryPolicy(), "payrecon/1.0", opts...)
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured BaseClient.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// ---------------------------------------------------------------------------
// PaymentProvider Implementation
// ---------------------------------------------------------------------------

// GetCustomer retrieves a customer. Stripe answers 200 with deleted=true for
// removed customers; both that and a 404 map to not_found_customer.
func (s *StripeClient) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	const op = "GetCustomer"

	resp, err := s.doGet(ctx, "/v1/customers/"+url.PathEscape(customerID), nil)
	if err != nil {
		return nil, s.wrapStripeError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, op, types.ErrCodeNotFoundCustomer)
	}

	var sc stripeCustomer
	if err := json.NewDecoder(resp.Body).Decode(&sc); err != nil {
		return nil, s.decodeError(op, err)
	}
	if sc.Deleted {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeNotFoundCustomer,
			"customer has been deleted", nil, map[string]any{"customer_id": customerID})
	}

	return sc.toDomain(), nil
}

// CreateCustomer creates a customer. The idempotency key, when set, lets
// Stripe return the original customer for a replayed create.
func (s *StripeClient) CreateCustomer(ctx context.Context, params CustomerParams) (*Customer, error) {
	const op = "CreateCustomer"

	form := url.Values{}
	if params.Email != "" {
		form.Set("email", params.Email)
	}
	if params.Name != "" {
		form.Set("name", params.Name)
	}
	setMetadata(form, params.Metadata)

	var headers http.Header
	if params.IdempotencyKey != "" {
		headers = http.Header{"Idempotency-Key": []string{params.IdempotencyKey}}
	}

	resp, err := s.doPost(ctx, "/v1/customers", form, headers)
	if err != nil {
		return nil, s.wrapStripeError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, op, types.ErrCodeNotFoundCustomer)
	}

	var sc stripeCustomer
	if err := json.NewDecoder(resp.Body).Decode(&sc); err != nil {
		return nil, s.decodeError(op, err)
	}

	s.logger.InfoContext(ctx, "stripe customer created", "customer_id", sc.ID)
	return sc.toDomain(), nil
}

// FindActivePrice returns the first active one-time price for the product in
// the given currency.
func (s *StripeClient) FindActivePrice(ctx context.Context, productID, currency string) (*Price, error) {
	const op = "FindActivePrice"

	params := url.Values{}
	params.Set("product", productID)
	params.Set("currency", currency)
	params.Set("active", "true")
	params.Set("type", "one_time")
	params.Set("limit", "1")

	resp, err := s.doGet(ctx, "/v1/prices", params)
	if err != nil {
		return nil, s.wrapStripeError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, op, types.ErrCodeNotFoundPrice)
	}

	var list stripeList[stripePrice]
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, s.decodeError(op, err)
	}
	if len(list.Data) == 0 {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeNotFoundPrice,
			"no active price for product", nil,
			map[string]any{"product_id": productID, "currency": currency})
	}

	p := list.Data[0]
	return &Price{
		ID:         p.ID,
		ProductID:  string(p.Product),
		Currency:   p.Currency,
		UnitAmount: p.UnitAmount,
	}, nil
}

// CreateCheckoutSession opens a payment-mode session for a single line item.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error) {
	const op = "CreateCheckoutSession"

	quantity := params.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("customer", params.CustomerID)
	form.Set("line_items[0][price]", params.PriceID)
	form.Set("line_items[0][quantity]", strconv.FormatInt(quantity, 10))
	form.Set("success_url", params.SuccessURL)
	form.Set("cancel_url", params.CancelURL)
	if params.ClientReferenceID != "" {
		form.Set("client_reference_id", params.ClientReferenceID)
	}
	setMetadata(form, params.Metadata)

	var headers http.Header
	if params.IdempotencyKey != "" {
		headers = http.Header{"Idempotency-Key": []string{params.IdempotencyKey}}
	}

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", form, headers)
	if err != nil {
		return nil, s.wrapStripeError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, op, types.ErrCodeNotFoundPrice)
	}

	var sess stripeCheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return nil, s.decodeError(op, err)
	}
	return sess.toDomain(), nil
}

// GetCheckoutSession retrieves a session with the payment intent, line items
// and line item products expanded.
func (s *StripeClient) GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	const op = "GetCheckoutSession"

	params := url.Values{}
	for _, e := range checkoutSessionExpansions {
		params.Add("expand[]", e)
	}

	resp, err := s.doGet(ctx, "/v1/checkout/sessions/"+url.PathEscape(sessionID), params)
	if err != nil {
		return nil, s.wrapStripeError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, op, types.ErrCodeNotFoundCheckoutSession)
	}

	var sess stripeCheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return nil, s.decodeError(op, err)
	}
	return sess.toDomain(), nil
}

// ListProducts pages through all active products.
func (s *StripeClient) ListProducts(ctx context.Context) ([]types.Product, error) {
	const op = "ListProducts"

	var products []types.Product
	startingAfter := ""
	for {
		params := url.Values{}
		params.Set("active", "true")
		params.Set("limit", strconv.Itoa(productPageSize))
		if startingAfter != "" {
			params.Set("starting_after", startingAfter)
		}

		page, err := s.listProductsPage(ctx, op, params)
		if err != nil {
			return nil, err
		}
		for _, p := range page.Data {
			products = append(products, types.Product{
				ID:          p.ID,
				Name:        p.Name,
				Description: p.Description,
				Active:      p.Active,
			})
		}
		if !page.HasMore || len(page.Data) == 0 {
			break
		}
		startingAfter = page.Data[len(page.Data)-1].ID
	}

	return products, nil
}

func (s *StripeClient) listProductsPage(ctx context.Context, op string, params url.Values) (*stripeList[stripeProduct], error) {
	resp, err := s.doGet(ctx, "/v1/products", params)
	if err != nil {
		return nil, s.wrapStripeError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, op, types.ErrCodeNotFoundProduct)
	}

	var page stripeList[stripeProduct]
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, s.decodeError(op, err)
	}
	return &page, nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

func (s *StripeClient) doPost(ctx context.Context, path string, form url.Values, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

func setMetadata(form url.Values, metadata map[string]string) {
	for k, v := range metadata {
		form.Set("metadata["+k+"]", v)
	}
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

// handleErrorResponse maps a non-200 Stripe response. notFoundCode is the
// error code used for a 404 on the resource the operation targets.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string, notFoundCode types.ErrorCode) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr)
	}

	return s.mapStripeError(operation, resp.StatusCode, &stripeErr.Error, notFoundCode)
}

func (s *StripeClient) mapStripeError(operation string, statusCode int, body *stripeErrorBody, notFoundCode types.ErrorCode) error {
	details := map[string]any{"stripe_type": body.Type, "stripe_code": body.Code}
	if body.Param != "" {
		details["param"] = body.Param
	}

	switch {
	case statusCode == http.StatusNotFound || body.Code == "resource_missing":
		return types.NewAppErrorWithDetails(notFoundCode,
			fmt.Sprintf("%s: Stripe resource not found: %s", operation, body.Message), nil, details)
	case statusCode == http.StatusTooManyRequests:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation), nil)
	case statusCode >= 500:
		return types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Stripe server error: %s", operation, body.Message), nil)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		// A bad API key is an operator problem, not a caller one.
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe rejected credentials", operation), nil, details)
	default:
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamRejected,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, statusCode, body.Message), nil, details)
	}
}

// wrapStripeError passes BaseClient AppErrors through and wraps anything else.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return types.NewAppError(types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err), err)
}

func (s *StripeClient) decodeError(operation string, err error) error {
	return types.NewAppError(types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: failed to decode Stripe response", operation), err)
}

// ---------------------------------------------------------------------------
// Stripe Response Types
// ---------------------------------------------------------------------------

// expandableID decodes a reference Stripe returns as an id string, or as the
// full object when expanded.
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*e = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var id string
		if err := json.Unmarshal(b, &id); err != nil {
			return err
		}
		*e = expandableID(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type stripeList[T any] struct {
	Data    []T  `json:"data"`
	HasMore bool `json:"has_more"`
}

type stripeCustomer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Name     string            `json:"name"`
	Deleted  bool              `json:"deleted"`
	Metadata map[string]string `json:"metadata"`
}

func (c *stripeCustomer) toDomain() *Customer {
	return &Customer{ID: c.ID, Email: c.Email, Name: c.Name, Metadata: c.Metadata}
}

type stripePrice struct {
	ID         string       `json:"id"`
	Product    expandableID `json:"product"`
	Currency   string       `json:"currency"`
	UnitAmount int64        `json:"unit_amount"`
}

type stripeProduct struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Active      bool   `json:"active"`
}

type stripeLineItem struct {
	Quantity int64        `json:"quantity"`
	Price    *stripePrice `json:"price"`
}

type stripeCheckoutSession struct {
	ID                string                      `json:"id"`
	URL               string                      `json:"url"`
	Status            string                      `json:"status"`
	PaymentStatus     string                      `json:"payment_status"`
	Customer          expandableID                `json:"customer"`
	PaymentIntent     expandableID                `json:"payment_intent"`
	ClientReferenceID string                      `json:"client_reference_id"`
	LineItems         *stripeList[stripeLineItem] `json:"line_items"`
}

func (s *stripeCheckoutSession) toDomain() *CheckoutSession {
	out := &CheckoutSession{
		ID:                s.ID,
		URL:               s.URL,
		Status:            s.Status,
		PaymentStatus:     s.PaymentStatus,
		CustomerID:        string(s.Customer),
		PaymentIntentID:   string(s.PaymentIntent),
		ClientReferenceID: s.ClientReferenceID,
	}
	if s.LineItems != nil {
		for _, li := range s.LineItems.Data {
			item := LineItem{Quantity: li.Quantity}
			if li.Price != nil {
				item.PriceID = li.Price.ID
				item.ProductID = string(li.Price.Product)
			}
			out.LineItems = append(out.LineItems, item)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Webhook Verification
// ---------------------------------------------------------------------------

// StripeVerifier implements WebhookVerifier with stripe-go's HMAC-SHA256
// signature check and default timestamp tolerance.
type StripeVerifier struct {
	secret string
}

var _ WebhookVerifier = (*StripeVerifier)(nil)

// NewStripeVerifier creates a verifier bound to the endpoint signing secret.
func NewStripeVerifier(secret string) *StripeVerifier {
	return &StripeVerifier{secret: secret}
}

// ConstructEvent verifies the signature and decodes the event envelope.
// Events signed for a different API version are accepted because only the
// envelope and the session id are read from the payload.
func (v *StripeVerifier) ConstructEvent(payload []byte, signatureHeader string) (*Event, error) {
	if strings.TrimSpace(signatureHeader) == "" {
		return nil, types.NewAppError(types.ErrCodeAuthSignatureMissing, "missing Stripe-Signature header", nil)
	}

	evt, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if errors.Is(err, webhook.ErrNotSigned) || errors.Is(err, webhook.ErrInvalidHeader) ||
			errors.Is(err, webhook.ErrNoValidSignature) || errors.Is(err, webhook.ErrTooOld) {
			return nil, types.NewAppError(types.ErrCodeAuthSignatureInvalid, "invalid webhook signature", err)
		}
		return nil, types.NewAppError(types.ErrCodeValidationMalformedEvent, "failed to parse webhook event", err)
	}

	out := &Event{
		ID:      evt.ID,
		Type:    string(evt.Type),
		Created: time.Unix(evt.Created, 0).UTC(),
	}
	if evt.Data != nil {
		out.Object = evt.Data.Raw
	}
	return out, nil
}
