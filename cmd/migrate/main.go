// Command migrate applies or rolls back the embedded schema migrations
// against DATABASE_URL.
//
//	migrate up      apply all pending migrations
//	migrate down    roll back the latest migration
//	migrate status  print the applied version
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"payrecon/internal/db"
)

// migrator is the subset of *db.Migrator the commands use.
type migrator interface {
	Up() error
	Down() error
	Version() (version uint, dirty bool, ok bool, err error)
	Close() error
}

func main() {
	_ = godotenv.Load()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	m, err := db.NewMigrator(databaseURL)
	if err != nil {
		logger.Error("initializing migrations", "error", err)
		os.Exit(1)
	}

	runErr := runCommand(os.Args[1], m, os.Stdout)
	if err := m.Close(); err != nil {
		logger.Warn("closing migration resources", "error", err)
	}
	if runErr != nil {
		if errors.Is(runErr, errUnknownCommand) {
			printUsage(os.Stderr)
			os.Exit(2)
		}
		logger.Error("migration failed", "command", os.Args[1], "error", runErr)
		os.Exit(1)
	}
}

var errUnknownCommand = errors.New("unknown command")

func runCommand(command string, m migrator, out io.Writer) error {
	switch command {
	case "up":
		if err := m.Up(); err != nil {
			return err
		}
		return printVersion(m, out)

	case "down":
		if err := m.Down(); err != nil {
			return err
		}
		return printVersion(m, out)

	case "status":
		return printVersion(m, out)

	default:
		return fmt.Errorf("%w: %q", errUnknownCommand, command)
	}
}

func printVersion(m migrator, out io.Writer) error {
	version, dirty, ok, err := m.Version()
	if err != nil {
		return err
	}
	switch {
	case !ok:
		fmt.Fprintln(out, "no migrations applied")
	case dirty:
		fmt.Fprintf(out, "version %d (dirty)\n", version)
	default:
		fmt.Fprintf(out, "version %d\n", version)
	}
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: migrate <up|down|status>")
}
