package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"NetSentry/internal/classifier"
	"NetSentry/internal/engine/protocol"
	"NetSentry/internal/engine/sketch"
	"NetSentry/internal/logger"
	"NetSentry/internal/metrics"
	"NetSentry/internal/model"
	"NetSentry/internal/policy"
	"NetSentry/internal/probe"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// PacketSource is the capture stage.
type PacketSource interface {
	Start(ctx context.Context) (<-chan model.RawPacket, error)
	Stop()
	Stats() probe.Stats
	Err() error
}

// FlowPublisher mirrors classified flows to an event bus.
type FlowPublisher interface {
	PublishFlow(rec model.ClassifiedRecord) error
}

// Pruner drops expired state. Implemented by the in-memory rate limiter.
type Pruner interface {
	Prune() int
}

// Options tunes the stages owned by the pipeline.
type Options struct {
	ParseWorkers  int
	QueueSize     int
	PruneSchedule string
	// Sources with at least TalkerThreshold packets in the current window are
	// reported in Status, at most TopTalkers of them.
	TalkerThreshold uint32
	TopTalkers      int
	// RestoreFrom, when set, is read on Start to rebuild cooldowns.
	RestoreFrom model.AuditQuerier
}

// Status is a point-in-time view of the pipeline counters.
type Status struct {
	Running      bool   `json:"running"`
	Captured     uint64 `json:"captured"`
	Dropped      uint64 `json:"dropped"`
	Delivered    uint64 `json:"delivered"`
	ParseErrors  uint64 `json:"parseErrors"`
	Parsed       uint64 `json:"parsed"`
	Classified   uint64 `json:"classified"`
	TimedOut     uint64 `json:"classificationTimeouts"`
	Failed       uint64 `json:"classificationFailures"`
	Actions      uint64 `json:"actions"`
	Cooldowns    int    `json:"cooldowns"`
	CaptureError string `json:"captureError,omitempty"`

	TopTalkers []sketch.Talker `json:"topTalkers,omitempty"`
}

// Pipeline wires capture, parsing, classification and the policy engine
// together with bounded channels and runs periodic housekeeping.
type Pipeline struct {
	source  PacketSource
	parser  *protocol.Parser
	talkers *sketch.TopTalkers
	gate    *classifier.Gate
	engine  *policy.Engine
	opts    Options

	publisher FlowPublisher
	pruners   []Pruner
	observers []func(model.ClassifiedRecord)

	cron    *cron.Cron
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
	running atomic.Bool
	stop    sync.Once

	parsed      atomic.Uint64
	parseErrors atomic.Uint64
	actions     atomic.Uint64

	log *logrus.Entry
}

// New creates a pipeline over the given stages.
func New(source PacketSource, gate *classifier.Gate, engine *policy.Engine, opts Options) (*Pipeline, error) {
	if source == nil || gate == nil || engine == nil {
		return nil, fmt.Errorf("pipeline requires a source, a classifier gate and a policy engine")
	}
	if opts.ParseWorkers <= 0 {
		opts.ParseWorkers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.PruneSchedule == "" {
		opts.PruneSchedule = "@every 1m"
	}
	if opts.TalkerThreshold == 0 {
		opts.TalkerThreshold = 100
	}
	if opts.TopTalkers <= 0 {
		opts.TopTalkers = 10
	}
	if _, err := cron.ParseStandard(opts.PruneSchedule); err != nil {
		return nil, fmt.Errorf("invalid prune schedule: %w", err)
	}
	return &Pipeline{
		source:  source,
		parser:  protocol.NewParser(),
		talkers: sketch.NewTopTalkers(0, 0),
		gate:    gate,
		engine:  engine,
		opts:    opts,
		cron:    cron.New(),
		done:    make(chan struct{}),
		log:     logger.WithComponent("pipeline"),
	}, nil
}

// SetPublisher mirrors every classified flow to pub.
func (p *Pipeline) SetPublisher(pub FlowPublisher) { p.publisher = pub }

// AddPruner registers state to be pruned by housekeeping.
func (p *Pipeline) AddPruner(pr Pruner) { p.pruners = append(p.pruners, pr) }

// Observe registers fn to see every classified flow, e.g. the incident alerter.
func (p *Pipeline) Observe(fn func(model.ClassifiedRecord)) { p.observers = append(p.observers, fn) }

// Start launches every stage. A pipeline runs once.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline already started")
	}

	if p.opts.RestoreFrom != nil {
		if _, err := p.engine.RestoreCooldowns(ctx, p.opts.RestoreFrom); err != nil {
			p.log.WithError(err).Warn("Starting without restored cooldowns")
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	if _, err := p.cron.AddFunc(p.opts.PruneSchedule, func() {
		p.housekeeping()
		p.talkers.Decay()
	}); err != nil {
		cancel()
		close(p.done)
		return fmt.Errorf("failed to schedule housekeeping: %w", err)
	}
	packets, err := p.source.Start(runCtx)
	if err != nil {
		cancel()
		close(p.done)
		return err
	}

	flows := p.parseStage(runCtx, packets)
	classified := p.gate.Run(runCtx, flows)
	actions := p.engine.Run(runCtx, p.teeStage(runCtx, classified))

	p.cron.Start()
	p.running.Store(true)

	go func() {
		defer close(p.done)
		for rec := range actions {
			p.actions.Add(1)
			p.log.WithFields(logrus.Fields{
				"record_id": rec.ID,
				"target":    rec.Request.Target.String(),
				"outcome":   rec.Outcome,
			}).Debug("Action recorded")
		}
		p.running.Store(false)
		p.housekeeping()
	}()

	p.log.Infof("Pipeline started with %d parse workers", p.opts.ParseWorkers)
	return nil
}

// Wait blocks until every stage has drained and returns the capture error, if any.
func (p *Pipeline) Wait() error {
	<-p.done
	return p.source.Err()
}

// Stop ends capture, lets in-flight work finish, then tears everything down.
func (p *Pipeline) Stop() {
	p.stop.Do(func() {
		p.log.Info("Pipeline stopping...")
		if !p.started.Load() {
			return
		}
		p.source.Stop()
		<-p.done
		<-p.cron.Stop().Done()
		p.cancel()
		p.log.Info("Pipeline stopped.")
	})
}

// Status returns a snapshot of every stage's counters.
func (p *Pipeline) Status() Status {
	src := p.source.Stats()
	gs := p.gate.Stats()
	st := Status{
		Running:     p.running.Load(),
		Captured:    src.Captured,
		Dropped:     src.Dropped,
		Delivered:   src.Delivered,
		ParseErrors: p.parseErrors.Load(),
		Parsed:      p.parsed.Load(),
		Classified:  gs.Classified,
		TimedOut:    gs.TimedOut,
		Failed:      gs.Failed,
		Actions:     p.actions.Load(),
		Cooldowns:   p.engine.Cooldowns().Len(),
		TopTalkers:  p.talkers.Top(p.opts.TalkerThreshold, p.opts.TopTalkers),
	}
	if err := p.source.Err(); err != nil {
		st.CaptureError = err.Error()
	}
	return st
}

func (p *Pipeline) parseStage(ctx context.Context, in <-chan model.RawPacket) <-chan *model.FlowRecord {
	out := make(chan *model.FlowRecord, p.opts.QueueSize)
	var wg sync.WaitGroup
	wg.Add(p.opts.ParseWorkers)
	for i := 0; i < p.opts.ParseWorkers; i++ {
		go func() {
			defer wg.Done()
			for raw := range in {
				flow, err := p.parser.Parse(raw)
				if err != nil {
					p.parseErrors.Add(1)
					metrics.IncParseError()
					p.log.WithError(err).Debug("Skipping unparseable packet")
					continue
				}
				p.parsed.Add(1)
				if flow.SourceIP != nil {
					p.talkers.Insert(flow.SourceIP.String())
				}
				select {
				case out <- flow:
				case <-ctx.Done():
					return
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

// teeStage hands classified flows to the publisher and observers before the policy engine.
func (p *Pipeline) teeStage(ctx context.Context, in <-chan model.ClassifiedRecord) <-chan model.ClassifiedRecord {
	out := make(chan model.ClassifiedRecord, p.opts.QueueSize)
	go func() {
		defer close(out)
		for rec := range in {
			if p.publisher != nil {
				if err := p.publisher.PublishFlow(rec); err != nil {
					p.log.WithError(err).Warn("Failed to publish classified flow")
				}
			}
			for _, fn := range p.observers {
				fn(rec)
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (p *Pipeline) housekeeping() {
	start := time.Now()
	cooldowns := p.engine.Prune()
	keys := 0
	for _, pr := range p.pruners {
		keys += pr.Prune()
	}
	st := p.source.Stats()
	metrics.SetCaptureStats(st.Captured, st.Dropped)
	p.log.WithFields(logrus.Fields{
		"cooldowns_pruned": cooldowns,
		"keys_pruned":      keys,
		"took":             time.Since(start),
	}).Debug("Housekeeping done")
}
