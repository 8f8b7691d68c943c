package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	internalerrors "github.com/Schera-ole/logmetrics/internal/errors"
	models "github.com/Schera-ole/logmetrics/internal/model"
)

// MetricsTable is the table batches are copied into.
const MetricsTable = "metrics"

var metricColumns = []string{
	"name",
	"value",
	"metric_type",
	"timestamp",
	"tags",
	"level",
	"description",
	"source",
	"unit",
	"metadata",
}

// ConnSource hands out connections for the duration of a callback.
type ConnSource interface {
	WithConn(ctx context.Context, fn func(conn Conn) error) error
	Ping(ctx context.Context) error
	Stat() models.PoolStats
}

// BulkPersister writes whole batches with COPY inside one transaction.
type BulkPersister struct {
	conns  ConnSource
	logger *zap.SugaredLogger
}

func NewBulkPersister(conns ConnSource, logger *zap.SugaredLogger) *BulkPersister {
	return &BulkPersister{conns: conns, logger: logger}
}

// Persist stores batch atomically and returns the number of rows written.
// On error nothing from the batch is committed.
func (p *BulkPersister) Persist(ctx context.Context, batch []models.Metric) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	var written int
	err := p.conns.WithConn(ctx, func(conn Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return classify(err, internalerrors.ErrTransactionFailed)
		}
		defer func() {
			// No-op after a successful commit.
			_ = tx.Rollback(ctx)
		}()

		rows, err := encodeRows(batch)
		if err != nil {
			return fmt.Errorf("%w: %w", internalerrors.ErrQueryExecution, err)
		}

		n, err := tx.CopyFrom(ctx, pgx.Identifier{MetricsTable}, metricColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return classify(err, internalerrors.ErrTransactionFailed)
		}
		if n != int64(len(batch)) {
			return fmt.Errorf("%w: copied %d of %d rows", internalerrors.ErrTransactionFailed, n, len(batch))
		}

		if err := tx.Commit(ctx); err != nil {
			return classify(err, internalerrors.ErrTransactionFailed)
		}
		written = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}

	p.logger.Debugf("persisted %d metrics", written)
	return written, nil
}

// Ping checks database reachability through the pool.
func (p *BulkPersister) Ping(ctx context.Context) error {
	return p.conns.Ping(ctx)
}

// PoolStats exposes the pool counters for health reporting.
func (p *BulkPersister) PoolStats() models.PoolStats {
	return p.conns.Stat()
}

func encodeRows(batch []models.Metric) ([][]any, error) {
	rows := make([][]any, 0, len(batch))
	for _, m := range batch {
		tags, err := encodeTags(m.Tags)
		if err != nil {
			return nil, fmt.Errorf("metric %q tags: %w", m.Name, err)
		}
		metadata, err := encodeTags(m.Metadata)
		if err != nil {
			return nil, fmt.Errorf("metric %q metadata: %w", m.Name, err)
		}
		rows = append(rows, []any{
			m.Name,
			m.Value,
			string(m.Type),
			m.Timestamp.UTC(),
			tags,
			string(m.Level),
			nullable(m.Description),
			nullable(m.Source),
			nullable(m.Unit),
			metadata,
		})
	}
	return rows, nil
}

func encodeTags(tags models.Tags) (string, error) {
	if len(tags) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
