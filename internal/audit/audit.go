// Package audit persists ActionRecords and serves the read path for the log
// surface. Every backend is append-only.
package audit

import (
	"fmt"
	"sort"
	"time"

	"NetSentry/internal/config"
	"NetSentry/internal/model"
)

// Open creates the configured backend.
func Open(cfg config.AuditConfig) (model.AuditStore, error) {
	switch cfg.Backend {
	case "", "jsonl":
		return NewJSONLSink(cfg.Path)
	case "sqlite":
		return NewSQLSink(cfg.Path)
	case "clickhouse":
		return NewClickHouseSink(cfg.ClickHouse)
	default:
		return nil, fmt.Errorf("unknown audit backend %q", cfg.Backend)
	}
}

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && !t.After(to)
}

// newestFirst sorts by RecordedAt descending and applies limit (0 = no limit).
func newestFirst(records []model.ActionRecord, limit int) []model.ActionRecord {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].RecordedAt.After(records[j].RecordedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}

func newSummary(from, to time.Time) model.OutcomeSummary {
	s := model.OutcomeSummary{From: from, To: to, Counts: make(map[model.Outcome]int64, len(model.Outcomes))}
	for _, o := range model.Outcomes {
		s.Counts[o] = 0
	}
	return s
}
