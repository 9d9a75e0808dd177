package circuitbreaker

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"
)

// DatabaseWrapper wraps *sql.DB with circuit breaker protection. Reads and
// writes share one breaker: the entity store is a single dependency and a
// down primary fails both paths together.
type DatabaseWrapper struct {
	db      *sql.DB
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewDatabaseWrapper creates a circuit-breaker protected database handle.
func NewDatabaseWrapper(db *sql.DB, logger *zap.Logger) *DatabaseWrapper {
	cfg := DefaultConfig()
	cfg.Timeout = 5 * time.Second
	return &DatabaseWrapper{
		db:      db,
		breaker: New("postgres", cfg, logger),
		logger:  logger,
	}
}

func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.breaker.Execute(ctx, func() error {
		return dw.db.PingContext(ctx)
	})
}

func (dw *DatabaseWrapper) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	var rows *sql.Rows
	err := dw.breaker.Execute(ctx, func() error {
		var qerr error
		rows, qerr = dw.db.QueryContext(ctx, query, args...)
		return qerr
	})
	return rows, err
}

// QueryRowContext bypasses the breaker for the call itself because *sql.Row
// defers errors until Scan; the breaker observes connectivity via the other
// paths.
func (dw *DatabaseWrapper) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return dw.db.QueryRowContext(ctx, query, args...)
}

func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var res sql.Result
	err := dw.breaker.Execute(ctx, func() error {
		var xerr error
		res, xerr = dw.db.ExecContext(ctx, query, args...)
		return xerr
	})
	return res, err
}

// BeginTx starts a transaction under breaker admission. Statements inside the
// transaction run unguarded; a broken connection surfaces at Commit.
func (dw *DatabaseWrapper) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	var tx *sql.Tx
	err := dw.breaker.Execute(ctx, func() error {
		var berr error
		tx, berr = dw.db.BeginTx(ctx, opts)
		return berr
	})
	return tx, err
}

func (dw *DatabaseWrapper) Stats() sql.DBStats {
	return dw.db.Stats()
}

func (dw *DatabaseWrapper) Close() error {
	return dw.db.Close()
}

// GetDB returns the raw handle for integrations that need *sql.DB directly.
func (dw *DatabaseWrapper) GetDB() *sql.DB {
	return dw.db
}

func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool {
	return dw.breaker.State() == StateOpen
}
