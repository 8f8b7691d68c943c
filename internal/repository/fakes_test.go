package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
)

type fakeConn struct {
	tx      *fakeTx
	beginFn func() error
	pingErr error
	closed  atomic.Bool
}

func (c *fakeConn) Begin(ctx context.Context) (pgx.Tx, error) {
	if c.beginFn != nil {
		if err := c.beginFn(); err != nil {
			return nil, err
		}
	}
	if c.tx == nil {
		c.tx = &fakeTx{}
	}
	c.tx.reset()
	return c.tx, nil
}

func (c *fakeConn) Ping(ctx context.Context) error { return c.pingErr }

func (c *fakeConn) Close(ctx context.Context) error {
	c.closed.Store(true)
	return nil
}

func (c *fakeConn) IsClosed() bool { return c.closed.Load() }

// fakeTx records COPY rows. Unused pgx.Tx methods panic through the nil embed.
type fakeTx struct {
	pgx.Tx

	mu         sync.Mutex
	table      pgx.Identifier
	columns    []string
	rows       [][]any
	copyErr    error
	shortCopy  bool
	commitErr  error
	committed  bool
	rolledBack bool
}

func (t *fakeTx) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = nil
	t.committed = false
	t.rolledBack = false
}

func (t *fakeTx) CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.copyErr != nil {
		return 0, t.copyErr
	}
	t.table = table
	t.columns = columns
	for src.Next() {
		values, err := src.Values()
		if err != nil {
			return 0, err
		}
		t.rows = append(t.rows, values)
	}
	if err := src.Err(); err != nil {
		return 0, err
	}
	n := int64(len(t.rows))
	if t.shortCopy {
		n--
	}
	return n, nil
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed {
		return pgx.ErrTxClosed
	}
	t.rolledBack = true
	return nil
}

func connectorFor(conns ...*fakeConn) Connector {
	var mu sync.Mutex
	return func(ctx context.Context) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(conns) == 0 {
			return &fakeConn{}, nil
		}
		c := conns[0]
		conns = conns[1:]
		return c, nil
	}
}

var errDial = errors.New("dial refused")

func failingConnector() Connector {
	return func(ctx context.Context) (Conn, error) {
		return nil, errDial
	}
}
