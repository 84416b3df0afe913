// Command bootstrap seeds the SSM parameters the payrecon API resolves at
// startup and prints the matching _SSM_PARAM pointers.
//
// External secrets (DATABASE_URL, STRIPE_SECRET_KEY, STRIPE_WEBHOOK_SECRET)
// are read from the environment. JWT_SECRET is generated. A fresh admin key
// is generated, only its bcrypt hash is stored, and the plaintext is printed
// once.
//
// Usage:
//
//	bootstrap -env dev [-region us-east-1] [-profile name] [-endpoint url] [-overwrite]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

var validEnvironments = map[string]bool{"local": true, "dev": true, "staging": true, "prod": true}

func main() {
	env := flag.String("env", "", "target environment: local, dev, staging, prod (required)")
	profile := flag.String("profile", "", "AWS shared config profile")
	region := flag.String("region", "us-east-1", "AWS region")
	endpoint := flag.String("endpoint", "", "SSM endpoint override, e.g. LocalStack")
	overwrite := flag.Bool("overwrite", false, "replace parameters that already exist")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if !validEnvironments[*env] {
		fmt.Fprintf(os.Stderr, "invalid -env %q\n", *env)
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadAWSConfig(ctx, *profile, *region, *endpoint, logger)
	if err != nil {
		logger.Error("initialization failed", "error", err)
		os.Exit(1)
	}

	client := ssm.NewFromConfig(cfg, func(o *ssm.Options) {
		if *endpoint != "" {
			o.BaseEndpoint = aws.String(*endpoint)
		}
	})
	runner := &Runner{
		SSM:       NewSSMManager(client, *env, logger),
		Getenv:    os.Getenv,
		Overwrite: *overwrite,
		Logger:    logger,
	}

	results, err := runner.Run(ctx)
	if err != nil {
		logger.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	report(os.Stdout, runner, results)
	logger.Info("bootstrap completed", "env", *env, "region", *region)
}

// loadAWSConfig resolves credentials and confirms the caller identity. The
// identity check is skipped when an endpoint override points at an emulator.
func loadAWSConfig(ctx context.Context, profile, region, endpoint string, logger *slog.Logger) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	if endpoint != "" {
		return cfg, nil
	}

	idCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	identity, err := sts.NewFromConfig(cfg).GetCallerIdentity(idCtx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return aws.Config{}, fmt.Errorf("verifying AWS identity: %w", err)
	}
	logger.Info("AWS identity verified",
		"account_id", aws.ToString(identity.Account),
		"arn", aws.ToString(identity.Arn),
	)
	return cfg, nil
}

func report(w io.Writer, r *Runner, results []Result) {
	for _, res := range results {
		fmt.Fprintf(w, "# %-8s %s\n", res.Action, res.Path)
	}
	fmt.Fprintln(w)
	PrintPointers(w, results)
	if r.AdminKey != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "# Admin key (shown once, only its hash is stored):")
		fmt.Fprintf(w, "# %s\n", r.AdminKey)
	}
}
