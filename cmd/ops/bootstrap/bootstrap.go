package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"payrecon/internal/auth"
)

// tokenByteLength gives 256 bits of entropy, hex-encoded to 64 characters.
const tokenByteLength = 32

// Source describes where a parameter value comes from.
type Source int

const (
	// SourceEnv copies the value from the operator's environment.
	SourceEnv Source = iota
	// SourceGenerated creates the value with crypto/rand.
	SourceGenerated
	// SourceAdminKey generates an admin key and stores only its bcrypt hash.
	SourceAdminKey
)

// Step is one parameter the API expects to resolve through an _SSM_PARAM pointer.
type Step struct {
	EnvVar string
	Key    string
	Source Source
}

// Inventory lists every secret the API loads from SSM.
func Inventory() []Step {
	return []Step{
		{EnvVar: "DATABASE_URL", Key: "database/url", Source: SourceEnv},
		{EnvVar: "STRIPE_SECRET_KEY", Key: "stripe/secret_key", Source: SourceEnv},
		{EnvVar: "STRIPE_WEBHOOK_SECRET", Key: "stripe/webhook_secret", Source: SourceEnv},
		{EnvVar: "JWT_SECRET", Key: "auth/jwt_secret", Source: SourceGenerated},
		{EnvVar: "ADMIN_API_KEY_HASH", Key: "auth/admin_api_key_hash", Source: SourceAdminKey},
	}
}

// Result reports what happened to one step.
type Result struct {
	Step   Step
	Path   string
	Action string // "written", "skipped"
}

// Runner writes the inventory to SSM.
type Runner struct {
	SSM        *SSMManager
	Getenv     func(string) string
	Overwrite  bool
	BcryptCost int
	Logger     *slog.Logger

	// AdminKey is set when a new admin key was generated during Run.
	AdminKey string
}

// Run processes each step in order and stops at the first failure.
// Existing parameters are left alone unless Overwrite is set.
func (r *Runner) Run(ctx context.Context) ([]Result, error) {
	results := make([]Result, 0, len(Inventory()))
	for _, step := range Inventory() {
		res, err := r.processStep(ctx, step)
		if err != nil {
			return results, fmt.Errorf("%s: %w", step.EnvVar, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *Runner) processStep(ctx context.Context, step Step) (Result, error) {
	path := r.SSM.Path(step.Key)
	res := Result{Step: step, Path: path, Action: "skipped"}

	if !r.Overwrite {
		exists, err := r.SSM.Exists(ctx, path)
		if err != nil {
			return res, err
		}
		if exists {
			r.Logger.Info("parameter already present", "path", path)
			return res, nil
		}
	}

	value, err := r.valueFor(step)
	if err != nil {
		return res, err
	}
	if err := r.SSM.PutSecret(ctx, path, value, r.Overwrite); err != nil {
		return res, err
	}
	res.Action = "written"
	return res, nil
}

func (r *Runner) valueFor(step Step) (string, error) {
	switch step.Source {
	case SourceEnv:
		v := r.Getenv(step.EnvVar)
		if v == "" {
			return "", fmt.Errorf("environment variable %s is not set", step.EnvVar)
		}
		return v, nil
	case SourceGenerated:
		return GenerateSecureToken()
	case SourceAdminKey:
		key, err := GenerateSecureToken()
		if err != nil {
			return "", err
		}
		cost := r.BcryptCost
		if cost == 0 {
			cost = bcrypt.DefaultCost
		}
		hash, err := auth.HashAdminKey(key, cost)
		if err != nil {
			return "", err
		}
		r.AdminKey = key
		return hash, nil
	default:
		return "", fmt.Errorf("unknown source %d", step.Source)
	}
}

// GenerateSecureToken returns 32 random bytes as lowercase hex.
func GenerateSecureToken() (string, error) {
	buf := make([]byte, tokenByteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secure token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// PrintPointers writes the _SSM_PARAM lines a deployment needs so the API
// resolves every secret from SSM.
func PrintPointers(w io.Writer, results []Result) {
	for _, res := range results {
		fmt.Fprintf(w, "%s_SSM_PARAM=%s\n", res.Step.EnvVar, res.Path)
	}
}
