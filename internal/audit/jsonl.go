package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"NetSentry/internal/logger"
	"NetSentry/internal/model"
)

// JSONLSink appends one JSON line per record and fsyncs before returning.
// Queries scan the file.
type JSONLSink struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

// NewJSONLSink creates or opens the file at path; missing directories are created.
func NewJSONLSink(path string) (*JSONLSink, error) {
	if path == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONLSink{path: path, f: f}, nil
}

// Append writes rec durably.
func (s *JSONLSink) Append(ctx context.Context, rec model.ActionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("audit log %s is closed", s.path)
	}
	if _, err := s.f.Write(data); err != nil {
		return err
	}
	return s.f.Sync()
}

func (s *JSONLSink) scan(ctx context.Context, keep func(model.ActionRecord) bool) ([]model.ActionRecord, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []model.ActionRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if line%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec model.ActionRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			logger.WithComponent("audit").WithField("line", line).Warn("Skipping corrupt audit line")
			continue
		}
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out, sc.Err()
}

// QueryByTarget returns the newest records for target.
func (s *JSONLSink) QueryByTarget(ctx context.Context, target model.Target, limit int) ([]model.ActionRecord, error) {
	key := target.Key()
	recs, err := s.scan(ctx, func(r model.ActionRecord) bool { return r.Request.Target.Key() == key })
	if err != nil {
		return nil, err
	}
	return newestFirst(recs, limit), nil
}

// QueryByTimeRange returns the newest records recorded within [from, to].
func (s *JSONLSink) QueryByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]model.ActionRecord, error) {
	recs, err := s.scan(ctx, func(r model.ActionRecord) bool { return inRange(r.RecordedAt, from, to) })
	if err != nil {
		return nil, err
	}
	return newestFirst(recs, limit), nil
}

// Summary counts records per outcome within [from, to].
func (s *JSONLSink) Summary(ctx context.Context, from, to time.Time) (model.OutcomeSummary, error) {
	sum := newSummary(from, to)
	_, err := s.scan(ctx, func(r model.ActionRecord) bool {
		if inRange(r.RecordedAt, from, to) {
			sum.Counts[r.Outcome]++
			sum.Total++
		}
		return false
	})
	return sum, err
}

// Close closes the underlying file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
