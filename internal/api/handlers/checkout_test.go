package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"

	"payrecon/internal/types"
)

type fakeCheckout struct {
	url    string
	err    error
	calls  int
	userID int64
	prod   string
}

func (f *fakeCheckout) CreateCheckout(_ context.Context, userID int64, productID string) (string, error) {
	f.calls++
	f.userID, f.prod = userID, productID
	return f.url, f.err
}

func checkoutRouter(f *fakeCheckout) http.Handler {
	h := NewCheckoutHandler(f, nil, testLogger())
	return newRouter(func(r chi.Router) { h.RegisterRoutes(r, fakeAuth) })
}

func TestCheckout_Success(t *testing.T) {
	f := &fakeCheckout{url: "https://checkout.stripe.com/c/pay/cs_test_1"}

	rec := do(t, checkoutRouter(f), http.MethodPost, "/v1/checkout", []byte(`{"product_id":"prod_pro"}`), userAuth)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp CheckoutResponse
	decodeData(t, rec, &resp)
	if resp.CheckoutURL != f.url {
		t.Errorf("checkout_url = %q", resp.CheckoutURL)
	}
	if f.userID != 42 || f.prod != "prod_pro" {
		t.Errorf("service called with user=%d product=%q", f.userID, f.prod)
	}
}

func TestCheckout_RequestRejectedBeforeService(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		headers map[string]string
		status  int
		code    types.ErrorCode
	}{
		{"unauthenticated", `{"product_id":"prod_pro"}`, nil, http.StatusUnauthorized, types.ErrCodeAuthTokenMissing},
		{"missing product", `{}`, userAuth, http.StatusBadRequest, types.ErrCodeValidationMissingField},
		{"price id instead of product", `{"product_id":"price_123"}`, userAuth, http.StatusBadRequest, types.ErrCodeValidationInvalidBody},
		{"malformed json", `{"product_id":`, userAuth, http.StatusBadRequest, types.ErrCodeValidationInvalidBody},
		{"unknown field", `{"product_id":"prod_pro","quantity":3}`, userAuth, http.StatusBadRequest, types.ErrCodeValidationInvalidBody},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeCheckout{url: "https://example.com"}
			rec := do(t, checkoutRouter(f), http.MethodPost, "/v1/checkout", []byte(tt.body), tt.headers)

			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if got := errorCode(t, rec); got != string(tt.code) {
				t.Errorf("code = %q, want %q", got, tt.code)
			}
			if f.calls != 0 {
				t.Errorf("service called %d times", f.calls)
			}
		})
	}
}

func TestCheckout_ServiceErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{types.NewAppError(types.ErrCodeConflictAlreadyOwnsProduct, "user already owns this product", nil), http.StatusConflict},
		{types.NewAppError(types.ErrCodeNotFoundPrice, "no active price", nil), http.StatusNotFound},
		{types.NewAppError(types.ErrCodeUpstreamStripe, "provider unavailable", nil), http.StatusBadGateway},
		{types.NewAppError(types.ErrCodeInternalCheckoutURLMissing, "checkout url missing", nil), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		appErr := tt.err.(*types.AppError)
		t.Run(string(appErr.Code), func(t *testing.T) {
			rec := do(t, checkoutRouter(&fakeCheckout{err: tt.err}), http.MethodPost, "/v1/checkout",
				[]byte(`{"product_id":"prod_pro"}`), userAuth)

			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if got := errorCode(t, rec); got != string(appErr.Code) {
				t.Errorf("code = %q", got)
			}
		})
	}
}
