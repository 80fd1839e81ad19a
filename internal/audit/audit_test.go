package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"NetSentry/internal/config"
	"NetSentry/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func record(id string, target model.Target, outcome model.Outcome, offset time.Duration) model.ActionRecord {
	rec := model.ActionRecord{
		ID: id,
		Request: model.ActionRequest{
			ID:          "req-" + id,
			Target:      target,
			Kind:        model.ActionBlockIP,
			RequestedBy: "policy-engine",
			RequestedAt: base.Add(offset),
			Reason:      "malicious verdict",
			Origin:      model.OriginAutomatic,
			FlowID:      42,
		},
		Outcome:    outcome,
		RecordedAt: base.Add(offset),
	}
	if outcome == model.OutcomeApplied {
		rec.AppliedAt = base.Add(offset)
	}
	if outcome == model.OutcomeFailed {
		rec.ErrorDetail = "agent unreachable"
	}
	return rec
}

func openers(t *testing.T) map[string]func() model.AuditStore {
	return map[string]func() model.AuditStore{
		"jsonl": func() model.AuditStore {
			s, err := NewJSONLSink(filepath.Join(t.TempDir(), "logs", "audit.jsonl"))
			require.NoError(t, err)
			return s
		},
		"sqlite": func() model.AuditStore {
			s, err := NewSQLSink(filepath.Join(t.TempDir(), "audit.db"))
			require.NoError(t, err)
			return s
		},
	}
}

func TestStores_AppendAndQuery(t *testing.T) {
	a := model.Target{Kind: model.TargetIP, Value: "10.0.0.5"}
	b := model.Target{Kind: model.TargetIP, Value: "10.0.0.6"}

	for name, open := range openers(t) {
		t.Run(name, func(t *testing.T) {
			store := open()
			defer store.Close()
			ctx := context.Background()

			recs := []model.ActionRecord{
				record("r1", a, model.OutcomeApplied, 0),
				record("r2", a, model.OutcomeRejectedCooldown, time.Second),
				record("r3", b, model.OutcomeFailed, 2*time.Second),
				record("r4", a, model.OutcomeRejectedRateLimited, time.Hour),
			}
			for _, r := range recs {
				require.NoError(t, store.Append(ctx, r))
			}

			byTarget, err := store.QueryByTarget(ctx, a, 0)
			require.NoError(t, err)
			require.Len(t, byTarget, 3)
			assert.Equal(t, "r4", byTarget[0].ID, "newest first")
			assert.Equal(t, "r1", byTarget[2].ID)
			assert.True(t, byTarget[2].AppliedAt.Equal(base))
			assert.Equal(t, a, byTarget[2].Request.Target)
			assert.Equal(t, model.OriginAutomatic, byTarget[2].Request.Origin)
			assert.Equal(t, uint64(42), byTarget[2].Request.FlowID)
			assert.True(t, byTarget[1].AppliedAt.IsZero())

			limited, err := store.QueryByTarget(ctx, a, 2)
			require.NoError(t, err)
			assert.Len(t, limited, 2)

			inRange, err := store.QueryByTimeRange(ctx, base, base.Add(2*time.Second), 0)
			require.NoError(t, err)
			require.Len(t, inRange, 3)
			assert.Equal(t, "r3", inRange[0].ID)
			assert.Equal(t, "agent unreachable", inRange[0].ErrorDetail)

			sum, err := store.Summary(ctx, base, base.Add(2*time.Hour))
			require.NoError(t, err)
			assert.Equal(t, int64(4), sum.Total)
			assert.Equal(t, int64(1), sum.Counts[model.OutcomeApplied])
			assert.Equal(t, int64(1), sum.Counts[model.OutcomeRejectedCooldown])
			assert.Equal(t, int64(1), sum.Counts[model.OutcomeRejectedRateLimited])
			assert.Equal(t, int64(1), sum.Counts[model.OutcomeFailed])

			empty, err := store.Summary(ctx, base.Add(-2*time.Hour), base.Add(-time.Hour))
			require.NoError(t, err)
			assert.Zero(t, empty.Total)
			assert.Contains(t, empty.Counts, model.OutcomeApplied)
		})
	}
}

func TestJSONLSink_SurvivesReopenAndSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	target := model.Target{Kind: model.TargetIP, Value: "10.0.0.5"}

	s, err := NewJSONLSink(path)
	require.NoError(t, err)
	require.NoError(t, s.Append(context.Background(), record("r1", target, model.OutcomeApplied, 0)))
	require.NoError(t, s.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err = NewJSONLSink(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Append(context.Background(), record("r2", target, model.OutcomeRejectedCooldown, time.Second)))

	recs, err := s.QueryByTarget(context.Background(), target, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestJSONLSink_AppendAfterCloseFails(t *testing.T) {
	s, err := NewJSONLSink(filepath.Join(t.TempDir(), "audit.jsonl"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.Error(t, s.Append(context.Background(), record("r1", model.DeviceTarget("d"), model.OutcomeApplied, 0)))
}

func TestJSONLSink_EmptyPath(t *testing.T) {
	_, err := NewJSONLSink("")
	assert.ErrorIs(t, err, os.ErrInvalid)
}

type recordingPublisher struct {
	published []model.ActionRecord
	err       error
}

func (p *recordingPublisher) PublishAction(rec model.ActionRecord) error {
	p.published = append(p.published, rec)
	return p.err
}

func TestMirror(t *testing.T) {
	store, err := NewJSONLSink(filepath.Join(t.TempDir(), "audit.jsonl"))
	require.NoError(t, err)
	pub := &recordingPublisher{err: errors.New("nats down")}
	m := NewMirror(store, pub)
	defer m.Close()

	rec := record("r1", model.DeviceTarget("cam-1"), model.OutcomeApplied, 0)
	require.NoError(t, m.Append(context.Background(), rec), "publish failures are not audit failures")
	assert.Len(t, pub.published, 1)

	got, err := m.QueryByTarget(context.Background(), model.DeviceTarget("cam-1"), 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	require.NoError(t, store.Close())
	pub.published = nil
	assert.Error(t, m.Append(context.Background(), rec))
	assert.Empty(t, pub.published, "nothing is mirrored before it is durable")
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(config.AuditConfig{Backend: "jsonl", Path: filepath.Join(dir, "a.jsonl")})
	require.NoError(t, err)
	assert.IsType(t, &JSONLSink{}, s)
	require.NoError(t, s.Close())

	s, err = Open(config.AuditConfig{Backend: "sqlite", Path: filepath.Join(dir, "a.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLSink{}, s)
	require.NoError(t, s.Close())

	_, err = Open(config.AuditConfig{Backend: "tape"})
	assert.Error(t, err)
}
