package audit

import (
	"context"
	"fmt"
	"time"

	"NetSentry/internal/config"
	"NetSentry/internal/logger"
	"NetSentry/internal/model"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const createActionTable = `
CREATE TABLE IF NOT EXISTS action_records (
    RecordID    String,
    RequestID   String,
    TargetKey   String,
    TargetKind  LowCardinality(String),
    TargetValue String,
    ActionKind  LowCardinality(String),
    RequestedBy String,
    RequestedAt DateTime64(3),
    Reason      String,
    Origin      LowCardinality(String),
    CallerIP    String,
    FlowID      UInt64,
    Outcome     LowCardinality(String),
    AppliedAt   Nullable(DateTime64(3)),
    RecordedAt  DateTime64(3),
    ErrorDetail String
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(RecordedAt)
ORDER BY (TargetKey, RecordedAt);
`

const selectActionColumns = `
SELECT RecordID, RequestID, TargetKind, TargetValue, ActionKind, RequestedBy, RequestedAt,
       Reason, Origin, CallerIP, FlowID, Outcome, AppliedAt, RecordedAt, ErrorDetail
FROM action_records`

// ClickHouseSink writes records to a MergeTree table. Each Append is a
// synchronous single-row batch so the write is acknowledged before returning.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink connects and ensures the table exists.
func NewClickHouseSink(cfg config.ClickHouseConfig) (*ClickHouseSink, error) {
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	return newClickHouseSink(conn)
}

// newClickHouseSink takes ownership of conn and closes it if the table
// cannot be created.
func newClickHouseSink(conn driver.Conn) (*ClickHouseSink, error) {
	if err := conn.Exec(context.Background(), createActionTable); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	logger.WithComponent("audit").Info("Connected to ClickHouse and ensured action_records exists")
	return &ClickHouseSink{conn: conn}, nil
}

func connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// Append inserts rec. A batch that fails to fill or send is aborted so its
// connection goes back to the pool.
func (s *ClickHouseSink) Append(ctx context.Context, rec model.ActionRecord) (err error) {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO action_records")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	defer func() {
		if err != nil {
			_ = batch.Abort()
		}
	}()
	var appliedAt *time.Time
	if !rec.AppliedAt.IsZero() {
		at := rec.AppliedAt
		appliedAt = &at
	}
	err = batch.Append(
		rec.ID,
		rec.Request.ID,
		rec.Request.Target.Key(),
		string(rec.Request.Target.Kind),
		rec.Request.Target.Value,
		string(rec.Request.Kind),
		rec.Request.RequestedBy,
		rec.Request.RequestedAt,
		rec.Request.Reason,
		string(rec.Request.Origin),
		rec.Request.CallerIP,
		rec.Request.FlowID,
		string(rec.Outcome),
		appliedAt,
		rec.RecordedAt,
		rec.ErrorDetail,
	)
	if err != nil {
		return fmt.Errorf("failed to append record to batch: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) query(ctx context.Context, where string, limit int, args ...any) ([]model.ActionRecord, error) {
	q := selectActionColumns + " WHERE " + where + " ORDER BY RecordedAt DESC"
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.conn.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var out []model.ActionRecord
	for rows.Next() {
		var (
			rec                                   model.ActionRecord
			targetKind, actionKind, origin, outcm string
			appliedAt                             *time.Time
		)
		if err := rows.Scan(
			&rec.ID, &rec.Request.ID, &targetKind, &rec.Request.Target.Value, &actionKind,
			&rec.Request.RequestedBy, &rec.Request.RequestedAt, &rec.Request.Reason, &origin,
			&rec.Request.CallerIP, &rec.Request.FlowID, &outcm, &appliedAt, &rec.RecordedAt, &rec.ErrorDetail,
		); err != nil {
			return nil, fmt.Errorf("failed to scan action record: %w", err)
		}
		rec.Request.Target.Kind = model.TargetKind(targetKind)
		rec.Request.Kind = model.ActionKind(actionKind)
		rec.Request.Origin = model.Origin(origin)
		rec.Outcome = model.Outcome(outcm)
		if appliedAt != nil {
			rec.AppliedAt = *appliedAt
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// QueryByTarget returns the newest records for target.
func (s *ClickHouseSink) QueryByTarget(ctx context.Context, target model.Target, limit int) ([]model.ActionRecord, error) {
	return s.query(ctx, "TargetKey = ?", limit, target.Key())
}

// QueryByTimeRange returns the newest records recorded within [from, to].
func (s *ClickHouseSink) QueryByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]model.ActionRecord, error) {
	return s.query(ctx, "RecordedAt >= ? AND RecordedAt <= ?", limit, from, to)
}

// Summary counts records per outcome within [from, to].
func (s *ClickHouseSink) Summary(ctx context.Context, from, to time.Time) (model.OutcomeSummary, error) {
	rows, err := s.conn.Query(ctx,
		"SELECT Outcome, count() FROM action_records WHERE RecordedAt >= ? AND RecordedAt <= ? GROUP BY Outcome",
		from, to)
	if err != nil {
		return model.OutcomeSummary{}, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	sum := newSummary(from, to)
	for rows.Next() {
		var outcome string
		var count uint64
		if err := rows.Scan(&outcome, &count); err != nil {
			return model.OutcomeSummary{}, fmt.Errorf("failed to scan summary: %w", err)
		}
		sum.Counts[model.Outcome(outcome)] = int64(count)
		sum.Total += int64(count)
	}
	return sum, rows.Err()
}

// Close closes the connection.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
