package core

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"payrecon/internal/config"
	"payrecon/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := NewServer(&config.Config{Environment: "local"}, testLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

type mockMetricsCollector struct {
	mu    sync.Mutex
	calls []metricsCall
}

type metricsCall struct {
	method, endpoint, status string
	duration                 time.Duration
}

func (m *mockMetricsCollector) RecordRequest(method, endpoint, status string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, metricsCall{method, endpoint, status, duration})
}

type mockAuthenticator struct {
	principal *types.Principal
	err       error
	gotToken  string
}

func (m *mockAuthenticator) ResolveToken(_ context.Context, token string) (*types.Principal, error) {
	m.gotToken = token
	return m.principal, m.err
}

type mockAdminVerifier struct {
	key string
}

func (m *mockAdminVerifier) Verify(key string) error {
	if key == "" {
		return types.NewAppError(types.ErrCodeAuthTokenMissing, "admin key is required", nil)
	}
	if key != m.key {
		return types.NewAppError(types.ErrCodeAuthAdminKeyInvalid, "invalid admin key", nil)
	}
	return nil
}

func TestNewServer_Success(t *testing.T) {
	cfg := &config.Config{Environment: "local"}
	logger := testLogger()

	srv, err := NewServer(cfg, logger)
	if err != nil {
		t.Fatalf("NewServer returned unexpected error: %v", err)
	}
	if srv.Config != cfg || srv.Logger != logger {
		t.Error("constructor did not keep its arguments")
	}
	if srv.Validator == nil {
		t.Error("Validator should be initialized by constructor")
	}
	if srv.Handler() == nil || srv.Router() == nil {
		t.Error("router should be initialized by constructor")
	}
}

func TestNewServer_RejectsNilDependencies(t *testing.T) {
	if _, err := NewServer(nil, testLogger()); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := NewServer(&config.Config{}, nil); err == nil {
		t.Error("expected error for nil logger")
	}
}
