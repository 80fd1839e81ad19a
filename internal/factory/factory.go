package factory

import (
	"fmt"
	"sort"
	"time"

	"NetSentry/internal/ai"
	"NetSentry/internal/alerter"
	"NetSentry/internal/audit"
	"NetSentry/internal/classifier"
	"NetSentry/internal/config"
	"NetSentry/internal/dispatch"
	"NetSentry/internal/enforcement"
	"NetSentry/internal/logger"
	"NetSentry/internal/metrics"
	"NetSentry/internal/model"
	"NetSentry/internal/notification"
	"NetSentry/internal/pipeline"
	"NetSentry/internal/policy"
	"NetSentry/internal/probe"
	"NetSentry/internal/ratelimit"
	"NetSentry/internal/rpc"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// AnalyzerFactory builds an analysis collaborator. The returned close func may be nil.
type AnalyzerFactory func(cfg config.AnalysisConfig) (model.Analyzer, func() error, error)

// analyzers maps analysis.mode to its factory.
var analyzers = map[string]AnalyzerFactory{
	"heuristic": func(config.AnalysisConfig) (model.Analyzer, func() error, error) {
		return ai.NewHeuristicAnalyzer(), nil, nil
	},
	"openai": func(cfg config.AnalysisConfig) (model.Analyzer, func() error, error) {
		a, err := ai.NewLLMAnalyzer(cfg.OpenAI)
		return a, nil, err
	},
	"grpc": func(cfg config.AnalysisConfig) (model.Analyzer, func() error, error) {
		if cfg.ServiceAddr == "" {
			return nil, nil, fmt.Errorf("analysis.service_addr is required in grpc mode")
		}
		c, err := rpc.Dial(cfg.ServiceAddr)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	},
}

// AnalyzerModes lists the registered analysis modes.
func AnalyzerModes() []string {
	modes := make([]string, 0, len(analyzers))
	for m := range analyzers {
		modes = append(modes, m)
	}
	sort.Strings(modes)
	return modes
}

// NewAnalyzer builds the analyzer selected by cfg.Mode.
func NewAnalyzer(cfg config.AnalysisConfig) (model.Analyzer, func() error, error) {
	f, ok := analyzers[cfg.Mode]
	if !ok {
		return nil, nil, fmt.Errorf("unknown analysis mode: '%s'", cfg.Mode)
	}
	return f(cfg)
}

// NewLimiter builds the per-caller limiter for manual requests on the
// backend selected by cfg.Backend.
func NewLimiter(cfg *config.Config) (ratelimit.Limiter, error) {
	return newLimiter(cfg.RateLimit, cfg.RateLimit.RedisPrefix, cfg.RateWindow(), cfg.RateLimit.MaxRequests)
}

// NewEnforcementLimiter builds the limiter shared by every enforcement call.
// It keeps its own window and Redis keys so caller traffic cannot exhaust it.
func NewEnforcementLimiter(cfg *config.Config) (ratelimit.Limiter, error) {
	return newLimiter(cfg.RateLimit, cfg.RateLimit.RedisPrefix+"enforcement:", cfg.EnforcementRateWindow(), cfg.RateLimit.EnforcementMax)
}

func newLimiter(cfg config.RateLimitConfig, prefix string, window time.Duration, max int) (ratelimit.Limiter, error) {
	switch cfg.Backend {
	case "memory":
		return ratelimit.NewSlidingWindow(window, max), nil
	case "redis":
		return ratelimit.NewRedisLimiter(cfg.RedisAddr, prefix, window, max)
	}
	return nil, fmt.Errorf("unknown ratelimit backend: '%s'", cfg.Backend)
}

// Components is every long-lived collaborator of a sentry process.
type Components struct {
	Config             *config.Config
	Registry           *prometheus.Registry
	Analyzer           model.Analyzer
	Limiter            ratelimit.Limiter
	EnforcementLimiter ratelimit.Limiter
	Audit              model.AuditStore
	Enforcer           model.Enforcer
	Dispatcher         *dispatch.Dispatcher
	Engine             *policy.Engine
	Gate               *classifier.Gate
	Notifier           model.Notifier
	Publisher          *probe.Publisher
	Alerter            *alerter.Alerter

	closers []func() error
}

// Build creates the components described by cfg. On error everything
// already opened is closed.
func Build(cfg *config.Config) (*Components, error) {
	c := &Components{Config: cfg, Registry: prometheus.NewRegistry()}
	if err := c.build(cfg); err != nil {
		c.Close()
		return nil, err
	}
	logger.WithComponent("factory").WithFields(logrus.Fields{
		"analysis": cfg.Analysis.Mode,
		"audit":    cfg.Audit.Backend,
		"enforcer": c.Enforcer.Name(),
	}).Info("Components created")
	return c, nil
}

func (c *Components) build(cfg *config.Config) error {
	metrics.Register(c.Registry)

	analyzer, closeAnalyzer, err := NewAnalyzer(cfg.Analysis)
	if err != nil {
		return fmt.Errorf("failed to create analyzer: %w", err)
	}
	c.Analyzer = analyzer
	c.onClose(closeAnalyzer)

	if c.Limiter, err = NewLimiter(cfg); err != nil {
		return fmt.Errorf("failed to create rate limiter: %w", err)
	}
	if r, ok := c.Limiter.(*ratelimit.RedisLimiter); ok {
		c.onClose(r.Close)
	}
	if c.EnforcementLimiter, err = NewEnforcementLimiter(cfg); err != nil {
		return fmt.Errorf("failed to create enforcement rate limiter: %w", err)
	}
	if r, ok := c.EnforcementLimiter.(*ratelimit.RedisLimiter); ok {
		c.onClose(r.Close)
	}

	if c.Notifier, err = notification.New(cfg.Notification.URLs); err != nil {
		return err
	}

	store, err := audit.Open(cfg.Audit)
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	c.Audit = store
	c.onClose(store.Close)

	if cfg.NATS.Enabled {
		if c.Publisher, err = probe.NewPublisher(cfg.NATS); err != nil {
			return err
		}
		c.onClose(func() error { c.Publisher.Close(); return nil })
		c.Audit = audit.NewMirror(store, c.Publisher)
	}

	if c.Enforcer, err = enforcement.New(cfg.Enforcement); err != nil {
		return fmt.Errorf("failed to create enforcer: %w", err)
	}
	if c.Dispatcher, err = dispatch.New(c.Enforcer, c.Audit, c.EnforcementLimiter, cfg.DispatchTimeout(), cfg.RetryBackoff()); err != nil {
		return err
	}
	c.Engine, err = policy.NewEngine(policy.Options{
		Threshold:      cfg.Policy.Threshold,
		Cooldown:       cfg.CooldownWindow(),
		VerdictActions: cfg.Policy.VerdictActions,
		Workers:        cfg.Policy.Workers,
		QueueSize:      cfg.Policy.QueueSize,
	}, c.Dispatcher, c.Limiter)
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	c.Engine.SetNotifier(c.Notifier)

	if c.Gate, err = classifier.NewGate(c.Analyzer, cfg.Classifier.Workers, cfg.ClassifierTimeout(), cfg.Classifier.QueueSize); err != nil {
		return err
	}

	if cfg.Alerter.Enabled {
		if c.Alerter, err = alerter.NewAlerter(cfg.Alerter, c.Analyzer, c.Notifier); err != nil {
			return fmt.Errorf("failed to create alerter: %w", err)
		}
	}

	return nil
}

// NewPipeline wires src into the classifier gate and the policy engine.
func (c *Components) NewPipeline(src pipeline.PacketSource) (*pipeline.Pipeline, error) {
	opts := pipeline.Options{
		ParseWorkers:  c.Config.Capture.ParseWorkers,
		QueueSize:     c.Config.Capture.QueueSize,
		PruneSchedule: c.Config.Policy.PruneSchedule,

		TalkerThreshold: c.Config.Capture.TalkerThreshold,
		TopTalkers:      c.Config.Capture.TopTalkers,
	}
	if c.Config.Policy.RestoreFromAudit {
		opts.RestoreFrom = c.Audit
	}
	p, err := pipeline.New(src, c.Gate, c.Engine, opts)
	if err != nil {
		return nil, err
	}
	for _, l := range []ratelimit.Limiter{c.Limiter, c.EnforcementLimiter} {
		if pr, ok := l.(pipeline.Pruner); ok {
			p.AddPruner(pr)
		}
	}
	if c.Publisher != nil {
		p.SetPublisher(c.Publisher)
	}
	if c.Alerter != nil {
		p.Observe(c.Alerter.Observe)
	}
	return p, nil
}

func (c *Components) onClose(fn func() error) {
	if fn != nil {
		c.closers = append(c.closers, fn)
	}
}

// Close releases everything in reverse order of creation.
func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			logger.WithComponent("factory").WithError(err).Warn("Error during close")
		}
	}
	c.closers = nil
}
