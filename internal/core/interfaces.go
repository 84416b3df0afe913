package core

import (
	"context"
	"time"

	"payrecon/internal/types"
)

// Authenticator resolves a bearer token to the calling user.
// It returns auth_token_expired for expired tokens and auth_token_invalid
// for everything else.
type Authenticator interface {
	ResolveToken(ctx context.Context, token string) (*types.Principal, error)
}

// AdminVerifier checks the operator key presented on admin routes.
type AdminVerifier interface {
	Verify(key string) error
}

// MetricsCollector records request telemetry.
type MetricsCollector interface {
	RecordRequest(method, endpoint, status string, duration time.Duration)
}
