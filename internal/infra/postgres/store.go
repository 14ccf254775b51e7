// Package postgres implements the ledger ports on PostgreSQL through gorm.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/school-ledger-go/internal/domain"
	"github.com/boddenberg/school-ledger-go/internal/infra/resilience"
	"github.com/boddenberg/school-ledger-go/internal/port"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// SQLSTATE codes the store reacts to.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// Config tunes the connection pool and the retry of conflicting transactions.
type Config struct {
	DSN          string
	MaxOpenConns int
	Retry        resilience.Config
}

// Open connects to PostgreSQL and applies the schema.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(gormpg.Open(cfg.DSN), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	}
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := db.WithContext(ctx).AutoMigrate(allModels...); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	logger.Info("postgres connected", zap.Int("max_open_conns", cfg.MaxOpenConns))
	return db, nil
}

// Store implements port.LedgerStore.
type Store struct {
	db     *gorm.DB
	retry  resilience.Config
	logger *zap.Logger
}

var _ port.LedgerStore = (*Store)(nil)

// NewStore wraps an opened database.
func NewStore(db *gorm.DB, retry resilience.Config, logger *zap.Logger) *Store {
	return &Store{db: db, retry: retry, logger: logger}
}

// Transact runs fn in a READ COMMITTED transaction. Row locks taken through
// GetInvoice(forUpdate) serialise writers of the same invoice. Serialization
// failures and deadlocks roll back and rerun fn.
func (s *Store) Transact(ctx context.Context, fn func(ctx context.Context, tx port.LedgerTx) error) error {
	return s.withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
			return fn(ctx, &tx{db: gtx})
		})
	})
}

// SnapshotTransact runs fn in a REPEATABLE READ transaction while holding a
// session advisory lock on key. The lock is taken before the transaction
// begins so the snapshot already sees the work of the previous holder.
func (s *Store) SnapshotTransact(ctx context.Context, key string, fn func(ctx context.Context, tx port.LedgerTx) error) error {
	return s.withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
			if err := conn.Exec("SELECT pg_advisory_lock(hashtext(?))", key).Error; err != nil {
				return fmt.Errorf("advisory lock %s: %w", key, err)
			}
			defer func() {
				if err := conn.Exec("SELECT pg_advisory_unlock(hashtext(?))", key).Error; err != nil {
					s.logger.Warn("advisory unlock failed", zap.String("key", key), zap.Error(err))
				}
			}()

			return conn.Transaction(func(gtx *gorm.DB) error {
				return fn(ctx, &tx{db: gtx})
			}, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
		})
	})
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	attempt := 0
	return resilience.RetryIf(ctx, s.retry, isRetryable, func() error {
		attempt++
		err := fn()
		if err != nil && isRetryable(err) {
			s.logger.Warn("transaction conflict, retrying",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return err
	})
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

// tx implements port.LedgerTx on a gorm transaction handle.
type tx struct {
	db *gorm.DB
}

func notFound(err error, resource, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &domain.ErrNotFound{Resource: resource, ID: id}
	}
	return fmt.Errorf("load %s %s: %w", resource, id, err)
}

// scopeClause restricts a query on a table with a student_id column.
func scopeClause(db *gorm.DB, scope domain.Scope, column string) *gorm.DB {
	if scope.All {
		return db
	}
	if len(scope.StudentIDs) == 0 {
		return db.Where("1 = 0")
	}
	return db.Where(column+" IN ?", scope.StudentIDs)
}
