package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"NetSentry/internal/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// actionEntry is the row layout of an ActionRecord.
type actionEntry struct {
	ID          uint   `gorm:"primaryKey"`
	RecordID    string `gorm:"uniqueIndex;size:36"`
	RequestID   string `gorm:"size:36"`
	TargetKey   string `gorm:"index"`
	TargetKind  string `gorm:"size:16"`
	TargetValue string
	ActionKind  string `gorm:"size:32"`
	RequestedBy string
	RequestedAt time.Time
	Reason      string `gorm:"type:text"`
	Origin      string `gorm:"size:16"`
	CallerIP    string
	FlowID      uint64
	Outcome     string `gorm:"index;size:32"`
	AppliedAt   *time.Time
	RecordedAt  time.Time `gorm:"index"`
	ErrorDetail string    `gorm:"type:text"`
}

func (actionEntry) TableName() string { return "action_records" }

func toEntry(rec model.ActionRecord) actionEntry {
	e := actionEntry{
		RecordID:    rec.ID,
		RequestID:   rec.Request.ID,
		TargetKey:   rec.Request.Target.Key(),
		TargetKind:  string(rec.Request.Target.Kind),
		TargetValue: rec.Request.Target.Value,
		ActionKind:  string(rec.Request.Kind),
		RequestedBy: rec.Request.RequestedBy,
		RequestedAt: rec.Request.RequestedAt.UTC(),
		Reason:      rec.Request.Reason,
		Origin:      string(rec.Request.Origin),
		CallerIP:    rec.Request.CallerIP,
		FlowID:      rec.Request.FlowID,
		Outcome:     string(rec.Outcome),
		RecordedAt:  rec.RecordedAt.UTC(),
		ErrorDetail: rec.ErrorDetail,
	}
	if !rec.AppliedAt.IsZero() {
		at := rec.AppliedAt.UTC()
		e.AppliedAt = &at
	}
	return e
}

func (e actionEntry) record() model.ActionRecord {
	rec := model.ActionRecord{
		ID: e.RecordID,
		Request: model.ActionRequest{
			ID:          e.RequestID,
			Target:      model.Target{Kind: model.TargetKind(e.TargetKind), Value: e.TargetValue},
			Kind:        model.ActionKind(e.ActionKind),
			RequestedBy: e.RequestedBy,
			RequestedAt: e.RequestedAt,
			Reason:      e.Reason,
			Origin:      model.Origin(e.Origin),
			CallerIP:    e.CallerIP,
			FlowID:      e.FlowID,
		},
		Outcome:     model.Outcome(e.Outcome),
		RecordedAt:  e.RecordedAt,
		ErrorDetail: e.ErrorDetail,
	}
	if e.AppliedAt != nil {
		rec.AppliedAt = *e.AppliedAt
	}
	return rec
}

// SQLSink stores records in SQLite through gorm.
type SQLSink struct {
	db *gorm.DB
}

// NewSQLSink opens (or creates) the database at path and migrates the schema.
func NewSQLSink(path string) (*SQLSink, error) {
	if path == "" {
		return nil, os.ErrInvalid
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	return NewSQLSinkWithDB(db)
}

// NewSQLSinkWithDB uses an existing gorm handle.
func NewSQLSinkWithDB(db *gorm.DB) (*SQLSink, error) {
	if err := db.AutoMigrate(&actionEntry{}); err != nil {
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	return &SQLSink{db: db}, nil
}

// Append inserts rec in its own transaction.
func (s *SQLSink) Append(ctx context.Context, rec model.ActionRecord) error {
	e := toEntry(rec)
	return s.db.WithContext(ctx).Create(&e).Error
}

func (s *SQLSink) find(ctx context.Context, limit int, where string, args ...any) ([]model.ActionRecord, error) {
	q := s.db.WithContext(ctx).Where(where, args...).Order("recorded_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []actionEntry
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.ActionRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

// QueryByTarget returns the newest records for target.
func (s *SQLSink) QueryByTarget(ctx context.Context, target model.Target, limit int) ([]model.ActionRecord, error) {
	return s.find(ctx, limit, "target_key = ?", target.Key())
}

// QueryByTimeRange returns the newest records recorded within [from, to].
func (s *SQLSink) QueryByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]model.ActionRecord, error) {
	// times are stored as UTC text, so bounds must be UTC as well
	return s.find(ctx, limit, "recorded_at >= ? AND recorded_at <= ?", from.UTC(), to.UTC())
}

// Summary counts records per outcome within [from, to].
func (s *SQLSink) Summary(ctx context.Context, from, to time.Time) (model.OutcomeSummary, error) {
	var rows []struct {
		Outcome string
		Count   int64
	}
	err := s.db.WithContext(ctx).Model(&actionEntry{}).
		Select("outcome, COUNT(*) AS count").
		Where("recorded_at >= ? AND recorded_at <= ?", from.UTC(), to.UTC()).
		Group("outcome").
		Scan(&rows).Error
	if err != nil {
		return model.OutcomeSummary{}, err
	}

	sum := newSummary(from, to)
	for _, r := range rows {
		sum.Counts[model.Outcome(r.Outcome)] = r.Count
		sum.Total += r.Count
	}
	return sum, nil
}

// Close closes the database handle.
func (s *SQLSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
