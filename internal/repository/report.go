package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	internalerrors "github.com/Schera-ole/logmetrics/internal/errors"
	models "github.com/Schera-ole/logmetrics/internal/model"
)

// DailyAggregatesTable holds the per-day rollup of MetricsTable.
const DailyAggregatesTable = "metrics_daily_aggregates"

// Reporter answers queries over persisted metrics and maintains retention.
type Reporter interface {
	Summary(ctx context.Context, filter models.SummaryFilter) (models.MetricsSummary, error)
	Cleanup(ctx context.Context, retentionDays int) (int64, error)
	RollupDaily(ctx context.Context, day time.Time) (int64, error)
}

// SQLReporter runs reporting queries through database/sql.
type SQLReporter struct {
	db     *sqlx.DB
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewSQLReporter opens a database/sql handle over the pgx driver.
func NewSQLReporter(dsn string, maxConns int, logger *zap.SugaredLogger) (*SQLReporter, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", internalerrors.ErrDatabaseConnection, err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewSQLReporterWithDB(db, logger), nil
}

func NewSQLReporterWithDB(db *sqlx.DB, logger *zap.SugaredLogger) *SQLReporter {
	return &SQLReporter{db: db, logger: logger, now: time.Now}
}

type summaryRow struct {
	Name         string    `db:"name"`
	Type         string    `db:"metric_type"`
	Count        int64     `db:"count"`
	Avg          float64   `db:"avg_value"`
	Min          float64   `db:"min_value"`
	Max          float64   `db:"max_value"`
	P95          float64   `db:"p95_value"`
	P99          float64   `db:"p99_value"`
	ErrorCount   int64     `db:"error_count"`
	WarningCount int64     `db:"warning_count"`
	FirstSeen    time.Time `db:"first_seen"`
	LastSeen     time.Time `db:"last_seen"`
	LatestTags   []byte    `db:"latest_tags"`
}

type totalsRow struct {
	Total    int64 `db:"total"`
	Unique   int64 `db:"unique_metrics"`
	Errors   int64 `db:"error_metrics"`
	Warnings int64 `db:"warning_metrics"`
}

// summaryWhere builds the shared WHERE clause and its arguments.
func summaryWhere(filter models.SummaryFilter) (string, []any) {
	args := []any{filter.Hours}
	conds := []string{"m.timestamp >= NOW() - make_interval(hours => $1)"}

	if filter.Name != "" {
		args = append(args, "%"+filter.Name+"%")
		conds = append(conds, fmt.Sprintf("m.name LIKE $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		conds = append(conds, fmt.Sprintf("m.metric_type = $%d", len(args)))
	}
	if filter.Level != "" {
		args = append(args, string(filter.Level))
		conds = append(conds, fmt.Sprintf("m.level = $%d", len(args)))
	}
	return strings.Join(conds, " AND "), args
}

func buildSummaryQuery(filter models.SummaryFilter) (string, []any) {
	where, args := summaryWhere(filter)
	args = append(args, filter.Limit)

	query := `
		SELECT
			m.name,
			m.metric_type,
			COUNT(*) AS count,
			AVG(m.value) AS avg_value,
			MIN(m.value) AS min_value,
			MAX(m.value) AS max_value,
			PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY m.value) AS p95_value,
			PERCENTILE_CONT(0.99) WITHIN GROUP (ORDER BY m.value) AS p99_value,
			COUNT(*) FILTER (WHERE m.level IN ('error', 'critical')) AS error_count,
			COUNT(*) FILTER (WHERE m.level = 'warning') AS warning_count,
			MIN(m.timestamp) AS first_seen,
			MAX(m.timestamp) AS last_seen,
			(
				SELECT l.tags FROM metrics l
				WHERE l.name = m.name AND l.metric_type = m.metric_type
				ORDER BY l.timestamp DESC
				LIMIT 1
			) AS latest_tags
		FROM metrics m
		WHERE ` + where + `
		GROUP BY m.name, m.metric_type
		ORDER BY count DESC
		LIMIT $` + fmt.Sprint(len(args))
	return query, args
}

func buildTotalsQuery(filter models.SummaryFilter) (string, []any) {
	where, args := summaryWhere(filter)
	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(DISTINCT (m.name, m.metric_type)) AS unique_metrics,
			COUNT(*) FILTER (WHERE m.level IN ('error', 'critical')) AS error_metrics,
			COUNT(*) FILTER (WHERE m.level = 'warning') AS warning_metrics
		FROM metrics m
		WHERE ` + where
	return query, args
}

// Summary groups persisted metrics of the last filter.Hours hours by name and type.
func (r *SQLReporter) Summary(ctx context.Context, filter models.SummaryFilter) (models.MetricsSummary, error) {
	filter = filter.Normalize()

	var totals totalsRow
	query, args := buildTotalsQuery(filter)
	if err := r.db.GetContext(ctx, &totals, query, args...); err != nil {
		return models.MetricsSummary{}, classify(err, internalerrors.ErrQueryExecution)
	}

	var rows []summaryRow
	query, args = buildSummaryQuery(filter)
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return models.MetricsSummary{}, classify(err, internalerrors.ErrQueryExecution)
	}

	summary := models.MetricsSummary{
		PeriodHours:    filter.Hours,
		TotalMetrics:   totals.Total,
		UniqueMetrics:  totals.Unique,
		ErrorMetrics:   totals.Errors,
		WarningMetrics: totals.Warnings,
		GeneratedAt:    r.now().UTC(),
		Metrics:        make([]models.MetricSummary, 0, len(rows)),
	}
	for _, row := range rows {
		ms := models.MetricSummary{
			Name:         row.Name,
			Type:         models.MetricType(row.Type),
			Count:        row.Count,
			Avg:          row.Avg,
			Min:          row.Min,
			Max:          row.Max,
			P95:          row.P95,
			P99:          row.P99,
			ErrorCount:   row.ErrorCount,
			WarningCount: row.WarningCount,
			FirstSeen:    row.FirstSeen,
			LastSeen:     row.LastSeen,
		}
		if len(row.LatestTags) > 0 {
			if err := json.Unmarshal(row.LatestTags, &ms.LatestTags); err != nil {
				r.logger.Warnf("decoding latest tags of %s: %v", row.Name, err)
			}
		}
		summary.Metrics = append(summary.Metrics, ms)
	}
	return summary, nil
}

// Cleanup deletes metrics and daily aggregates older than retentionDays and
// returns the number of metric rows removed.
func (r *SQLReporter) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("%w: retention days must be positive, got %d", internalerrors.ErrInvalidConfig, retentionDays)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, classify(err, internalerrors.ErrTransactionFailed)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM metrics WHERE timestamp < NOW() - make_interval(days => $1)`, retentionDays)
	if err != nil {
		return 0, classify(err, internalerrors.ErrQueryExecution)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err, internalerrors.ErrQueryExecution)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM metrics_daily_aggregates WHERE date < CURRENT_DATE - $1::int`, retentionDays); err != nil {
		return 0, classify(err, internalerrors.ErrQueryExecution)
	}

	if err := tx.Commit(); err != nil {
		return 0, classify(err, internalerrors.ErrTransactionFailed)
	}

	r.logger.Infow("retention cleanup finished", "retention_days", retentionDays, "deleted", deleted)
	return deleted, nil
}

const rollupQuery = `
	INSERT INTO metrics_daily_aggregates (date, name, metric_type, count, sum, avg, min, max, p95, p99)
	SELECT
		$1::date,
		name,
		metric_type,
		COUNT(*),
		SUM(value),
		AVG(value),
		MIN(value),
		MAX(value),
		PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY value),
		PERCENTILE_CONT(0.99) WITHIN GROUP (ORDER BY value)
	FROM metrics
	WHERE timestamp >= ($1::date)::timestamp AT TIME ZONE 'UTC'
		AND timestamp < ($1::date + 1)::timestamp AT TIME ZONE 'UTC'
	GROUP BY name, metric_type
	ON CONFLICT (date, name, metric_type) DO UPDATE SET
		count = EXCLUDED.count,
		sum = EXCLUDED.sum,
		avg = EXCLUDED.avg,
		min = EXCLUDED.min,
		max = EXCLUDED.max,
		p95 = EXCLUDED.p95,
		p99 = EXCLUDED.p99`

// RollupDaily recomputes the daily aggregates of the UTC day containing day.
func (r *SQLReporter) RollupDaily(ctx context.Context, day time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, rollupQuery, day.UTC().Format(time.DateOnly))
	if err != nil {
		return 0, classify(err, internalerrors.ErrQueryExecution)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err, internalerrors.ErrQueryExecution)
	}
	r.logger.Infow("daily rollup finished", "day", day.UTC().Format(time.DateOnly), "rows", n)
	return n, nil
}

// Ping checks the reporting connection.
func (r *SQLReporter) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return classify(err, internalerrors.ErrDatabaseConnection)
	}
	return nil
}

func (r *SQLReporter) Close() error {
	return r.db.Close()
}
