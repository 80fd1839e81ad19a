// Package classifier enriches flows with a verdict from the analysis
// collaborator, degrading to an unknown verdict instead of stalling.
package classifier

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	nserrors "NetSentry/internal/errors"
	"NetSentry/internal/logger"
	"NetSentry/internal/metrics"
	"NetSentry/internal/model"
)

// Stats counts gate results.
type Stats struct {
	Classified uint64 `json:"classified"`
	TimedOut   uint64 `json:"timedOut"`
	Failed     uint64 `json:"failed"`
}

// Gate bounds every analysis call by a timeout and a worker ceiling.
type Gate struct {
	analyzer  model.Analyzer
	timeout   time.Duration
	workers   int
	queueSize int

	classified atomic.Uint64
	timedOut   atomic.Uint64
	failed     atomic.Uint64
}

// NewGate creates a gate in front of analyzer.
func NewGate(analyzer model.Analyzer, workers int, timeout time.Duration, queueSize int) (*Gate, error) {
	if analyzer == nil {
		return nil, fmt.Errorf("classifier requires an analyzer")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("classifier timeout must be positive")
	}
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Gate{analyzer: analyzer, timeout: timeout, workers: workers, queueSize: queueSize}, nil
}

type result struct {
	verdict model.Verdict
	err     error
}

// Classify always returns within the configured timeout. Cancelling ctx does not
// abort a call already in flight; it still finishes or times out.
func (g *Gate) Classify(ctx context.Context, flow model.FlowRecord) model.ClassifiedRecord {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		v, err := g.analyzer.Classify(callCtx, flow)
		done <- result{verdict: v, err: err}
	}()

	var verdict model.Verdict
	var err error
	select {
	case r := <-done:
		verdict, err = r.verdict, r.err
		if err == nil {
			err = validate(verdict)
		}
		if err != nil && callCtx.Err() != nil {
			err = nserrors.Wrapf(err, nserrors.KindClassificationTimeout, "classification timed out after %s", g.timeout)
		} else if err != nil && nserrors.GetKind(err) != nserrors.KindClassificationTimeout {
			err = nserrors.Wrap(err, nserrors.KindClassificationFailure, "classification failed")
		}
	case <-callCtx.Done():
		err = nserrors.Errorf(nserrors.KindClassificationTimeout, "classification timed out after %s", g.timeout)
	}

	if err != nil {
		verdict = g.degrade(flow, err)
	} else {
		verdict.Confidence = clamp(verdict.Confidence)
		g.classified.Add(1)
	}
	metrics.IncClassification(string(verdict.Label))
	return model.ClassifiedRecord{FlowRecord: flow, Verdict: verdict}
}

func (g *Gate) degrade(flow model.FlowRecord, err error) model.Verdict {
	reason := "failure"
	if nserrors.GetKind(err) == nserrors.KindClassificationTimeout {
		reason = "timeout"
		g.timedOut.Add(1)
	} else {
		g.failed.Add(1)
	}
	metrics.IncClassificationDegraded(reason)
	logger.WithComponent("classifier").WithError(err).WithField("flow_id", flow.ID).Debug("Degraded to unknown verdict")
	return model.UnknownVerdict(err.Error())
}

// Run classifies flows from in with a bounded worker pool. The output closes
// once in is closed (or ctx is cancelled) and every in-flight call has returned.
func (g *Gate) Run(ctx context.Context, in <-chan *model.FlowRecord) <-chan model.ClassifiedRecord {
	out := make(chan model.ClassifiedRecord, g.queueSize)

	var wg sync.WaitGroup
	wg.Add(g.workers)
	for i := 0; i < g.workers; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case flow, ok := <-in:
					if !ok {
						return
					}
					if flow == nil {
						continue
					}
					rec := g.Classify(ctx, *flow)
					select {
					case out <- rec:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// Stats returns a snapshot of the counters.
func (g *Gate) Stats() Stats {
	return Stats{
		Classified: g.classified.Load(),
		TimedOut:   g.timedOut.Load(),
		Failed:     g.failed.Load(),
	}
}

func validate(v model.Verdict) error {
	switch v.Label {
	case model.VerdictBenign, model.VerdictSuspicious, model.VerdictMalicious, model.VerdictUnknown:
		return nil
	}
	return fmt.Errorf("analyzer returned unrecognized verdict %q", v.Label)
}

func clamp(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
