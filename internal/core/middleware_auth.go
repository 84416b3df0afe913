package core

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"payrecon/internal/types"
)

// AdminKeyHeader carries the operator key on admin routes.
const AdminKeyHeader = "X-Admin-Key"

// RequireUser authenticates the Bearer token and stores the Principal in
// the request context. Failures are 401 with auth_token_missing,
// auth_token_invalid or auth_token_expired.
func (s *Server) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Authenticator == nil {
			s.Logger.Error("authenticated route mounted without an authenticator",
				slog.String("path", r.URL.Path))
			Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected, "authentication unavailable", nil))
			return
		}

		token := extractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "Bearer token is required", nil))
			return
		}

		principal, err := s.Authenticator.ResolveToken(r.Context(), token)
		if err != nil {
			s.handleAuthError(w, r, err)
			return
		}
		if principal == nil {
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "Invalid authentication token", nil))
			return
		}

		next.ServeHTTP(w, r.WithContext(types.WithPrincipal(r.Context(), *principal)))
	})
}

// RequireAdmin checks the X-Admin-Key header against the configured hash.
func (s *Server) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.AdminVerifier == nil {
			Error(w, r, types.NewAppError(types.ErrCodeAuthAdminKeyInvalid, "admin access is not configured", nil))
			return
		}
		if err := s.AdminVerifier.Verify(r.Header.Get(AdminKeyHeader)); err != nil {
			s.Logger.Warn("admin authentication failed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			)
			s.handleAuthError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractBearerToken returns the token from "Bearer <token>", matching the
// scheme case-insensitively (RFC 7235), or "" when the header is malformed.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

// handleAuthError writes auth AppErrors as-is and hides anything else
// behind auth_token_invalid.
func (s *Server) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	if errors.As(err, &appErr) && appErr.HTTPStatus() == http.StatusUnauthorized {
		s.Logger.Warn("authentication failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error_code", string(appErr.Code)),
		)
		Error(w, r, appErr)
		return
	}

	s.Logger.Error("authentication failed: unexpected error",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "Authentication failed", nil))
}
