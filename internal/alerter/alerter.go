package alerter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"NetSentry/internal/config"
	"NetSentry/internal/logger"
	"NetSentry/internal/model"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const analysisTimeout = 60 * time.Second

// Alerter collects flagged flows between runs and, on its schedule, asks the
// analysis collaborator to assess them as one incident and notifies operators.
type Alerter struct {
	analyzer model.Analyzer
	notifier model.Notifier
	minFlows int
	maxFlows int
	schedule string
	cron     *cron.Cron
	log      *logrus.Entry

	mu      sync.Mutex
	pending []model.ClassifiedRecord
}

// NewAlerter creates a new Alerter instance.
func NewAlerter(cfg config.AlerterConfig, analyzer model.Analyzer, notifier model.Notifier) (*Alerter, error) {
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid schedule for alerter: %w", err)
	}
	if cfg.MaxFlows <= 0 {
		return nil, fmt.Errorf("alerter max_flows must be positive, got %d", cfg.MaxFlows)
	}
	if cfg.MaxFlows < cfg.MinFlows {
		return nil, fmt.Errorf("alerter max_flows (%d) is below min_flows (%d)", cfg.MaxFlows, cfg.MinFlows)
	}
	return &Alerter{
		analyzer: analyzer,
		notifier: notifier,
		minFlows: cfg.MinFlows,
		maxFlows: cfg.MaxFlows,
		schedule: cfg.Schedule,
		cron:     cron.New(),
		log:      logger.WithComponent("alerter"),
	}, nil
}

// Observe queues a classified flow if it was flagged. When the queue is
// full the oldest flow is dropped.
func (a *Alerter) Observe(rec model.ClassifiedRecord) {
	if rec.Label != model.VerdictSuspicious && rec.Label != model.VerdictMalicious {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) >= a.maxFlows {
		a.pending = a.pending[1:]
	}
	a.pending = append(a.pending, rec)
}

// Pending reports how many flows wait for the next run.
func (a *Alerter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Start begins the periodic evaluation.
func (a *Alerter) Start() error {
	if _, err := a.cron.AddFunc(a.schedule, func() { a.Evaluate(context.Background()) }); err != nil {
		return err
	}
	a.cron.Start()
	a.log.Infof("Alerter started with schedule %q", a.schedule)
	return nil
}

// Stop waits for a running evaluation and flushes what is left.
func (a *Alerter) Stop() {
	a.log.Info("Stopping Alerter...")
	<-a.cron.Stop().Done()
	a.Evaluate(context.Background())
}

// Evaluate analyzes the queued flows as one incident and notifies operators.
// It returns the incident verdict, or nil when too few flows were queued or
// the analysis failed.
func (a *Alerter) Evaluate(ctx context.Context) *model.Verdict {
	a.mu.Lock()
	if len(a.pending) < a.minFlows {
		a.mu.Unlock()
		return nil
	}
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()

	flows := make([]model.FlowRecord, len(batch))
	for i, rec := range batch {
		flows[i] = rec.FlowRecord
	}

	ctx, cancel := context.WithTimeout(ctx, analysisTimeout)
	defer cancel()
	verdict, err := a.analyzer.AnalyzeIncident(ctx, flows)
	if err != nil {
		a.log.WithError(err).Warnf("Failed to analyze incident of %d flows", len(flows))
		return nil
	}
	a.log.WithFields(logrus.Fields{
		"flows":      len(flows),
		"verdict":    verdict.Label,
		"confidence": verdict.Confidence,
	}).Info("Incident analyzed")

	if a.notifier != nil && verdict.Label != model.VerdictBenign {
		subject := fmt.Sprintf("NetSentry incident: %s (%d flows)", verdict.Label, len(flows))
		if err := a.notifier.Send(subject, incidentBody(verdict, batch)); err != nil {
			a.log.WithError(err).Error("Failed to send incident notification")
		}
	}
	return &verdict
}

func incidentBody(v model.Verdict, batch []model.ClassifiedRecord) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Verdict: %s (confidence %.2f, severity %s)\n", v.Label, v.Confidence, v.Severity)
	if v.Rationale != "" {
		fmt.Fprintf(&sb, "Analysis: %s\n", v.Rationale)
	}
	if len(v.SuggestedActions) > 0 {
		sb.WriteString("Suggested actions:\n")
		for _, s := range v.SuggestedActions {
			fmt.Fprintf(&sb, "  - %s\n", s)
		}
	}
	sb.WriteString("\nFlows:\n")
	for _, rec := range batch {
		fmt.Fprintf(&sb, "  %s  %s  [%s %.2f]\n",
			rec.Timestamp.Format(time.RFC3339), rec.Summary, rec.Label, rec.Confidence)
	}
	return sb.String()
}
