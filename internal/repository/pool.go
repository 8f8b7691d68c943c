package repository

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/puddle/v2"
	"go.uber.org/zap"

	internalerrors "github.com/Schera-ole/logmetrics/internal/errors"
	models "github.com/Schera-ole/logmetrics/internal/model"
)

const connCloseTimeout = 5 * time.Second

// Conn is the part of a database connection the collector needs.
// *pgx.Conn satisfies it.
type Conn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
	IsClosed() bool
}

// Connector opens a new connection.
type Connector func(ctx context.Context) (Conn, error)

// PgxConnector returns a Connector that dials PostgreSQL with pgx.
func PgxConnector(dsn string) (Connector, error) {
	connConfig, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database dsn: %w", err)
	}
	return func(ctx context.Context) (Conn, error) {
		conn, err := pgx.ConnectConfig(ctx, connConfig)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}, nil
}

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	// MinConns connections are opened by NewConnectionPool
	MinConns int32

	// MaxConns is the hard limit of open connections
	MaxConns int32

	// AcquireTimeout bounds the wait for a free connection
	AcquireTimeout time.Duration
}

// ConnectionPool is a bounded pool of reusable database connections.
type ConnectionPool struct {
	pool           *puddle.Pool[Conn]
	acquireTimeout time.Duration
	logger         *zap.SugaredLogger
	exhausted      atomic.Int64
}

// NewConnectionPool creates the pool and opens MinConns connections. If any of
// them cannot be opened the pool is closed and an error wrapping ErrPoolInit is
// returned.
func NewConnectionPool(ctx context.Context, connect Connector, config PoolConfig, logger *zap.SugaredLogger) (*ConnectionPool, error) {
	if config.MaxConns < 1 || config.MinConns < 0 || config.MinConns > config.MaxConns {
		return nil, fmt.Errorf("%w: min %d, max %d connections", internalerrors.ErrPoolInit, config.MinConns, config.MaxConns)
	}
	if config.AcquireTimeout <= 0 {
		return nil, fmt.Errorf("%w: acquire timeout must be positive", internalerrors.ErrPoolInit)
	}

	pool, err := puddle.NewPool(&puddle.Config[Conn]{
		Constructor: func(ctx context.Context) (Conn, error) {
			conn, err := connect(ctx)
			if err != nil {
				return nil, classify(err, internalerrors.ErrDatabaseConnection)
			}
			logger.Debug("database connection opened")
			return conn, nil
		},
		Destructor: func(conn Conn) {
			ctx, cancel := context.WithTimeout(context.Background(), connCloseTimeout)
			defer cancel()
			if err := conn.Close(ctx); err != nil {
				logger.Debugf("closing database connection: %v", err)
			}
		},
		MaxSize: config.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", internalerrors.ErrPoolInit, err)
	}

	for i := int32(0); i < config.MinConns; i++ {
		if err := pool.CreateResource(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("%w: %w", internalerrors.ErrPoolInit, err)
		}
	}

	logger.Infow("connection pool ready",
		"min_conns", config.MinConns,
		"max_conns", config.MaxConns,
		"acquire_timeout", config.AcquireTimeout,
	)

	return &ConnectionPool{
		pool:           pool,
		acquireTimeout: config.AcquireTimeout,
		logger:         logger,
	}, nil
}

func (p *ConnectionPool) acquire(ctx context.Context) (*puddle.Resource[Conn], error) {
	acquireCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	res, err := p.pool.Acquire(acquireCtx)
	if err == nil {
		return res, nil
	}

	switch {
	case errors.Is(err, puddle.ErrClosedPool):
		return nil, internalerrors.ErrPoolClosed
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		stat := p.pool.Stat()
		if stat.AcquiredResources() < stat.MaxResources() {
			// A slot was free but the new connection never came up.
			return nil, fmt.Errorf("%w: no connection established within %s", internalerrors.ErrStorageUnavailable, p.acquireTimeout)
		}
		p.exhausted.Add(1)
		p.logger.Warnw("connection pool exhausted",
			"max_conns", stat.MaxResources(),
			"acquire_timeout", p.acquireTimeout,
		)
		return nil, fmt.Errorf("%w: all %d connections busy for %s", internalerrors.ErrPoolExhausted, stat.MaxResources(), p.acquireTimeout)
	default:
		return nil, err
	}
}

// WithConn runs fn with a pooled connection. The connection goes back to the
// pool when fn returns or panics; a connection closed while in use is
// destroyed instead.
func (p *ConnectionPool) WithConn(ctx context.Context, fn func(conn Conn) error) error {
	res, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if res.Value().IsClosed() {
			res.Destroy()
			return
		}
		res.Release()
	}()

	return fn(res.Value())
}

// Ping checks that a connection can be acquired and answers.
func (p *ConnectionPool) Ping(ctx context.Context) error {
	return p.WithConn(ctx, func(conn Conn) error {
		if err := conn.Ping(ctx); err != nil {
			return classify(err, internalerrors.ErrDatabaseConnection)
		}
		return nil
	})
}

// Stat returns a snapshot of the pool counters.
func (p *ConnectionPool) Stat() models.PoolStats {
	stat := p.pool.Stat()
	return models.PoolStats{
		TotalConns:     stat.TotalResources(),
		IdleConns:      stat.IdleResources(),
		AcquiredConns:  stat.AcquiredResources(),
		MaxConns:       stat.MaxResources(),
		AcquireCount:   stat.AcquireCount(),
		ExhaustedCount: p.exhausted.Load(),
	}
}

// Close closes every idle connection and waits for acquired ones to be released.
func (p *ConnectionPool) Close() error {
	p.pool.Close()
	return nil
}
