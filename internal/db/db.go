// Package db provides PostgreSQL-backed repository implementations. All
// repositories accept a DBTX so the same code runs on the pool or inside a
// transaction opened by Store.RunInTx.
package db

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"payrecon/internal/config"
	"payrecon/internal/types"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner is a DBTX that can open transactions. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	DBTX
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// NewPool opens a pgx pool tuned from configuration and verifies connectivity.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, err
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Store bundles the repositories over one connection source and implements
// types.TransactionManager.
type Store struct {
	db TxBeginner
	*registry
}

var (
	_ types.TransactionManager = (*Store)(nil)
	_ types.RepositoryRegistry = (*Store)(nil)
)

// NewStore creates a Store over the pool.
func NewStore(db TxBeginner) *Store {
	return &Store{db: db, registry: newRegistry(db)}
}

// RunInTx runs fn inside a read-committed transaction. Repositories handed
// to fn share the transaction; any error from fn rolls everything back.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, repos types.RepositoryRegistry) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return storageError("failed to begin transaction", err)
	}
	// Rollback after a successful Commit is a no-op returning ErrTxClosed.
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := fn(ctx, newRegistry(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storageError("failed to commit transaction", err)
	}
	return nil
}

type registry struct {
	users         *UserRepository
	payments      *PaymentRepository
	subscriptions *SubscriptionRepository
}

func newRegistry(db DBTX) *registry {
	return &registry{
		users:         NewUserRepository(db),
		payments:      NewPaymentRepository(db),
		subscriptions: NewSubscriptionRepository(db),
	}
}

func (r *registry) Users() types.UserRepository                 { return r.users }
func (r *registry) Payments() types.PaymentRepository           { return r.payments }
func (r *registry) Subscriptions() types.SubscriptionRepository { return r.subscriptions }

// storageError classifies a driver error. Connectivity and contention
// failures become unavailable_storage (503, retryable); server-side data
// errors stay internal_database_error.
func storageError(msg string, err error) *types.AppError {
	if isTransient(err) {
		return types.NewAppError(types.ErrCodeUnavailableStorage, msg, err)
	}
	return types.NewAppError(types.ErrCodeInternalDB, msg, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 08 connection, 40 rollback/deadlock, 53 resources, 57 operator intervention.
		for _, class := range []string{"08", "40", "53", "57"} {
			if strings.HasPrefix(pgErr.Code, class) {
				return true
			}
		}
		return false
	}

	var connErr *pgconn.ConnectError
	var netErr net.Error
	return errors.As(err, &connErr) || errors.As(err, &netErr)
}

// isUniqueViolation reports a 23505 on the named constraint (any if empty).
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
