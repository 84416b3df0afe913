package config

import "context"

// SecretProvider resolves secret pointers (SSM parameter paths or plain env
// var names) into plaintext values. Missing keys are omitted from the result.
type SecretProvider interface {
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
