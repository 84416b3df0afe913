package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"

	"payrecon/internal/types"
)

// AdminKeyVerifier checks operator keys against a configured bcrypt hash.
type AdminKeyVerifier struct {
	hash []byte
}

// NewAdminKeyVerifier creates a verifier. The hash format is checked up
// front so a bad deployment fails at startup rather than on first use.
func NewAdminKeyVerifier(hash types.SecretString) (*AdminKeyVerifier, error) {
	h := []byte(hash.Unmask())
	if _, err := bcrypt.Cost(h); err != nil {
		return nil, err
	}
	return &AdminKeyVerifier{hash: h}, nil
}

// Verify returns auth_token_missing for an empty key and
// auth_admin_key_invalid for a mismatch.
func (v *AdminKeyVerifier) Verify(key string) error {
	if key == "" {
		return types.NewAppError(types.ErrCodeAuthTokenMissing, "admin key is required", nil)
	}
	err := bcrypt.CompareHashAndPassword(v.hash, []byte(key))
	if err == nil {
		return nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return types.NewAppError(types.ErrCodeAuthAdminKeyInvalid, "invalid admin key", nil)
	}
	return types.NewAppError(types.ErrCodeAuthAdminKeyInvalid, "invalid admin key", err)
}

// HashAdminKey produces the value to configure as ADMIN_API_KEY_HASH.
func HashAdminKey(key string, cost int) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
