package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/arbor-research/arbor/internal/circuitbreaker"
)

// Config holds database configuration
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
	SSLMode         string
}

// Client manages database connections and operations for the entity store.
// Event-log appends are queued and written asynchronously; entity mutations
// are synchronous because workflow steps depend on their outcome.
type Client struct {
	db     *circuitbreaker.DatabaseWrapper
	dbx    *sqlx.DB
	logger *zap.Logger
	config *Config

	eventQueue chan *EventLog
	workers    int
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
}

// NewClient creates a new database client with connection pool
func NewClient(config *Config, logger *zap.Logger) (*Client, error) {
	if config.MaxConnections == 0 {
		config.MaxConnections = 25
	}
	if config.IdleConnections == 0 {
		config.IdleConnections = 5
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}
	if config.SSLMode == "" {
		config.SSLMode = "require"
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.Database, config.SSLMode,
	)

	rawDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	rawDB.SetMaxOpenConns(config.MaxConnections)
	rawDB.SetMaxIdleConns(config.IdleConnections)
	rawDB.SetConnMaxLifetime(config.MaxLifetime)

	wrapped := circuitbreaker.NewDatabaseWrapper(rawDB, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := wrapped.PingContext(ctx); err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	client := &Client{
		db:         wrapped,
		dbx:        sqlx.NewDb(rawDB, "postgres"),
		logger:     logger,
		config:     config,
		eventQueue: make(chan *EventLog, 1000),
		workers:    4,
		stopCh:     make(chan struct{}),
	}

	client.startWorkers()
	go client.healthCheck()

	logger.Info("Database client initialized",
		zap.String("host", config.Host),
		zap.Int("max_connections", config.MaxConnections),
		zap.Int("event_workers", client.workers),
	)

	return client, nil
}

// NewClientFromDB wraps an existing database handle. Tests in other packages
// use this with sqlmock; production code goes through NewClient.
func NewClientFromDB(rawDB *sql.DB, logger *zap.Logger) *Client {
	return newClientForTest(rawDB, logger)
}

// newClientForTest wraps an existing handle; used by sqlmock tests.
func newClientForTest(rawDB *sql.DB, logger *zap.Logger) *Client {
	return &Client{
		db:         circuitbreaker.NewDatabaseWrapper(rawDB, logger),
		dbx:        sqlx.NewDb(rawDB, "postgres"),
		logger:     logger,
		config:     &Config{},
		eventQueue: make(chan *EventLog, 16),
		stopCh:     make(chan struct{}),
	}
}

func (c *Client) startWorkers() {
	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.eventWorker(i)
	}
}

// eventWorker drains queued event-log rows. Ordering across workers is not
// guaranteed; consumers order by timestamp.
func (c *Client) eventWorker(id int) {
	defer c.workerWg.Done()
	c.logger.Debug("Event writer started", zap.Int("worker_id", id))

	for {
		select {
		case <-c.stopCh:
			c.drainQueue()
			c.logger.Debug("Event writer stopped", zap.Int("worker_id", id))
			return
		case e := <-c.eventQueue:
			if err := c.SaveEventLog(context.Background(), e); err != nil {
				c.logger.Error("Failed to persist event log entry",
					zap.String("kind", e.Kind),
					zap.Error(err),
				)
			}
		}
	}
}

func (c *Client) drainQueue() {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case e := <-c.eventQueue:
			if err := c.SaveEventLog(context.Background(), e); err != nil {
				c.logger.Error("Failed to persist event log entry during drain", zap.Error(err))
			}
		case <-timeout:
			c.logger.Warn("Timeout draining event queue")
			return
		default:
			return
		}
	}
}

// QueueEvent enqueues an event-log append. Falls back to a synchronous write
// when the queue is full so no event is ever dropped.
func (c *Client) QueueEvent(e *EventLog) {
	select {
	case c.eventQueue <- e:
	default:
		c.logger.Warn("Event queue full, writing synchronously", zap.String("kind", e.Kind))
		if err := c.SaveEventLog(context.Background(), e); err != nil {
			c.logger.Error("Failed to persist event log entry", zap.Error(err))
		}
	}
}

// healthCheck periodically checks database connectivity
func (c *Client) healthCheck() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.db.PingContext(ctx); err != nil {
				c.logger.Error("Database health check failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Close gracefully shuts down the database client, draining queued events.
func (c *Client) Close() error {
	c.logger.Info("Shutting down database client")

	close(c.stopCh)
	c.workerWg.Wait()

	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	c.logger.Info("Database client closed")
	return nil
}

// GetDB returns the underlying database connection for direct queries
func (c *Client) GetDB() *sql.DB {
	return c.db.GetDB()
}

// Wrapper returns the circuit-breaker wrapper for health checks.
func (c *Client) Wrapper() *circuitbreaker.DatabaseWrapper {
	return c.db
}

// WithTransaction runs fn inside a transaction, rolling back on error.
func (c *Client) WithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}

	return nil
}
