// Package policy decides whether a classified flow or an operator request
// becomes an enforcement call.
package policy

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"NetSentry/internal/dispatch"
	nserrors "NetSentry/internal/errors"
	"NetSentry/internal/logger"
	"NetSentry/internal/model"
	"NetSentry/internal/ratelimit"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AutomaticRequester is the requestedBy value of policy-generated requests.
const AutomaticRequester = "policy-engine"

// Dispatcher executes or records decisions.
type Dispatcher interface {
	Execute(ctx context.Context, req model.ActionRequest, res dispatch.Reservation) (model.ActionRecord, error)
	Reject(ctx context.Context, req model.ActionRequest, outcome model.Outcome, detail string) (model.ActionRecord, error)
}

// Options configures an Engine.
type Options struct {
	Threshold      float64
	Cooldown       time.Duration
	VerdictActions map[string]string
	Workers        int
	QueueSize      int
}

// Engine applies the trigger rule, cooldowns and the caller rate limit.
type Engine struct {
	threshold  float64
	actions    map[model.VerdictLabel]model.ActionKind
	cooldown   *CooldownTable
	limiter    ratelimit.Limiter
	dispatcher Dispatcher
	notifier   model.Notifier
	locks      *keyLock
	workers    int
	queueSize  int
	now        func() time.Time
}

// NewEngine validates opts and creates an engine. limiter guards manual
// requests and may be nil.
func NewEngine(opts Options, dispatcher Dispatcher, limiter ratelimit.Limiter) (*Engine, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("policy engine requires a dispatcher")
	}
	if opts.Threshold < 0 || opts.Threshold > 1 {
		return nil, fmt.Errorf("threshold must be within [0,1], got %v", opts.Threshold)
	}
	if opts.Cooldown <= 0 {
		return nil, fmt.Errorf("cooldown must be positive")
	}

	actions := make(map[model.VerdictLabel]model.ActionKind, len(opts.VerdictActions))
	for label, name := range opts.VerdictActions {
		kind, err := model.ParseActionKind(name)
		if err != nil {
			return nil, fmt.Errorf("verdict %q: %w", label, err)
		}
		switch l := model.VerdictLabel(label); l {
		case model.VerdictSuspicious, model.VerdictMalicious:
			actions[l] = kind
		default:
			return nil, fmt.Errorf("verdict %q cannot trigger an action", label)
		}
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Engine{
		threshold:  opts.Threshold,
		actions:    actions,
		cooldown:   NewCooldownTable(opts.Cooldown),
		limiter:    limiter,
		dispatcher: dispatcher,
		locks:      newKeyLock(),
		workers:    workers,
		queueSize:  opts.QueueSize,
		now:        time.Now,
	}, nil
}

// SetNotifier sets where failures of the automatic path are reported.
func (e *Engine) SetNotifier(n model.Notifier) {
	e.notifier = n
}

// Cooldowns exposes the table for inspection.
func (e *Engine) Cooldowns() *CooldownTable {
	return e.cooldown
}

// Trigger returns the request the rule derives from rec, if any.
func (e *Engine) Trigger(rec model.ClassifiedRecord) (model.ActionRequest, bool) {
	kind, ok := e.actions[rec.Label]
	if !ok || rec.Confidence < e.threshold || rec.SourceIP == nil {
		return model.ActionRequest{}, false
	}

	target := model.IPTarget(rec.SourceIP)
	if kind.TargetKind() == model.TargetDevice {
		// flows carry no device id; the agent resolves devices by address
		target = model.DeviceTarget(rec.SourceIP.String())
	}

	reason := fmt.Sprintf("%s verdict (confidence %.2f) for flow %d: %s", rec.Label, rec.Confidence, rec.ID, rec.Summary)
	if rec.Rationale != "" {
		reason += "; " + rec.Rationale
	}
	return model.ActionRequest{
		ID:          uuid.NewString(),
		Target:      target,
		Kind:        kind,
		RequestedBy: AutomaticRequester,
		RequestedAt: e.now(),
		Reason:      reason,
		Origin:      model.OriginAutomatic,
		FlowID:      rec.ID,
	}, true
}

// HandleClassified runs the automatic path. It returns nil when the record
// does not trigger an action.
func (e *Engine) HandleClassified(ctx context.Context, rec model.ClassifiedRecord) (*model.ActionRecord, error) {
	req, ok := e.Trigger(rec)
	if !ok {
		return nil, nil
	}
	out, err := e.process(ctx, req)
	return &out, err
}

// Submit runs the manual path for an operator request.
func (e *Engine) Submit(ctx context.Context, req model.ActionRequest) (model.ActionRecord, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = e.now()
	}
	req.Origin = model.OriginManual
	if req.Target.Kind == model.TargetIP {
		if ip := net.ParseIP(req.Target.Value); ip != nil {
			req.Target = model.IPTarget(ip)
		}
	}
	if err := req.Validate(); err != nil {
		return model.ActionRecord{}, nserrors.Wrap(err, nserrors.KindValidation, "invalid action request")
	}
	return e.process(ctx, req)
}

func (e *Engine) process(ctx context.Context, req model.ActionRequest) (model.ActionRecord, error) {
	unlock := e.locks.Lock(req.Target.Key())
	defer unlock()

	res, last, ok := e.cooldown.Reserve(req.Target, req.Kind, e.now())
	if !ok {
		detail := fmt.Sprintf("%s on %s is cooling down (window %s)", req.Kind, req.Target, e.cooldown.Window())
		if !last.IsZero() {
			detail = fmt.Sprintf("%s on %s last applied at %s (window %s)", req.Kind, req.Target, last.Format(time.RFC3339), e.cooldown.Window())
		}
		return e.dispatcher.Reject(ctx, req, model.OutcomeRejectedCooldown, detail)
	}

	if req.Origin == model.OriginManual && e.limiter != nil {
		key := req.CallerIP
		if key == "" {
			key = req.RequestedBy
		}
		if !e.limiter.Allow(key) {
			res.Rollback()
			return e.dispatcher.Reject(ctx, req, model.OutcomeRejectedRateLimited, "too many requests from "+key)
		}
	}

	return e.dispatcher.Execute(ctx, req, res)
}

// Run consumes classified records with a worker pool and emits every audit
// record produced. The output closes when in is drained or ctx is cancelled.
func (e *Engine) Run(ctx context.Context, in <-chan model.ClassifiedRecord) <-chan model.ActionRecord {
	out := make(chan model.ActionRecord, e.queueSize)
	log := logger.WithComponent("policy")

	var wg sync.WaitGroup
	wg.Add(e.workers)
	for i := 0; i < e.workers; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case rec, ok := <-in:
					if !ok {
						return
					}
					ar, err := e.HandleClassified(ctx, rec)
					if err != nil {
						e.reportFailure(rec, ar, err)
					}
					if ar == nil {
						continue
					}
					select {
					case out <- *ar:
					case <-ctx.Done():
						log.Debug("Action record not forwarded, shutting down")
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

func (e *Engine) reportFailure(rec model.ClassifiedRecord, ar *model.ActionRecord, err error) {
	fields := logrus.Fields{"flow_id": rec.ID, "kind": nserrors.GetKind(err).String()}
	if ar != nil {
		fields["record_id"] = ar.ID
		fields["target"] = ar.Request.Target.String()
	}
	logger.WithComponent("policy").WithFields(fields).WithError(err).Error("Automatic action failed")

	if e.notifier == nil {
		return
	}
	subject := "NetSentry: automatic action failed"
	if nserrors.HasKind(err, nserrors.KindAuditWrite) {
		subject = "NetSentry: action could not be audited"
	}
	body := fmt.Sprintf("flow %d (%s)\nerror: %v", rec.ID, rec.Summary, err)
	if nerr := e.notifier.Send(subject, body); nerr != nil {
		logger.WithComponent("policy").WithError(nerr).Warn("Failed to notify operators")
	}
}

// Prune drops expired cooldowns.
func (e *Engine) Prune() int {
	return e.cooldown.Prune(e.now())
}

// RestoreCooldowns rebuilds cooldowns from applied records still inside the window.
func (e *Engine) RestoreCooldowns(ctx context.Context, q model.AuditQuerier) (int, error) {
	now := e.now()
	records, err := q.QueryByTimeRange(ctx, now.Add(-e.cooldown.Window()), now, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to read recent audit records: %w", err)
	}
	n := e.cooldown.Restore(records)
	logger.WithComponent("policy").Infof("Restored %d cooldown entries from %d audit records", n, len(records))
	return n, nil
}
