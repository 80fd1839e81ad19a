// Package dispatch executes accepted action requests against the enforcement
// collaborator and writes an audit record for every outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	nserrors "NetSentry/internal/errors"
	"NetSentry/internal/logger"
	"NetSentry/internal/metrics"
	"NetSentry/internal/model"
	"NetSentry/internal/ratelimit"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Reservation is a cooldown slot held while the enforcement call runs.
type Reservation interface {
	Commit(appliedAt time.Time)
	Rollback()
}

type noReservation struct{}

func (noReservation) Commit(time.Time) {}
func (noReservation) Rollback()        {}

// NoReservation is used when the caller keeps no cooldown state.
var NoReservation Reservation = noReservation{}

// Dispatcher is the only path from a decision to the enforcement collaborator.
type Dispatcher struct {
	enforcer model.Enforcer
	sink     model.AuditSink
	limiter  ratelimit.Limiter
	timeout  time.Duration
	backoff  time.Duration
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a dispatcher. limiter may be nil to disable the global enforcement limit.
func New(enforcer model.Enforcer, sink model.AuditSink, limiter ratelimit.Limiter, timeout, backoff time.Duration) (*Dispatcher, error) {
	if enforcer == nil {
		return nil, fmt.Errorf("dispatcher requires an enforcer")
	}
	if sink == nil {
		return nil, fmt.Errorf("dispatcher requires an audit sink")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("dispatch timeout must be positive")
	}
	return &Dispatcher{
		enforcer: enforcer,
		sink:     sink,
		limiter:  limiter,
		timeout:  timeout,
		backoff:  backoff,
		now:      time.Now,
		sleep:    sleepCtx,
	}, nil
}

// Execute applies req. The reservation is committed with the applied time on
// success and rolled back otherwise. The returned record has already been
// audited; a non-nil error means the action failed or could not be audited.
func (d *Dispatcher) Execute(ctx context.Context, req model.ActionRequest, res Reservation) (model.ActionRecord, error) {
	if res == nil {
		res = NoReservation
	}
	// A started dispatch runs to completion and is always audited.
	ctx = context.WithoutCancel(ctx)

	if d.limiter != nil && !d.limiter.Allow(ratelimit.GlobalEnforcementKey) {
		res.Rollback()
		return d.record(ctx, req, model.OutcomeRejectedRateLimited, time.Time{}, "global enforcement rate limit exceeded", nil)
	}

	appliedAt, err := d.apply(ctx, req)
	if err != nil {
		res.Rollback()
		return d.record(ctx, req, model.OutcomeFailed, time.Time{}, err.Error(), err)
	}

	res.Commit(appliedAt)
	return d.record(ctx, req, model.OutcomeApplied, appliedAt, "", nil)
}

// Reject audits a request the policy engine refused.
func (d *Dispatcher) Reject(ctx context.Context, req model.ActionRequest, outcome model.Outcome, detail string) (model.ActionRecord, error) {
	if outcome != model.OutcomeRejectedCooldown && outcome != model.OutcomeRejectedRateLimited {
		return model.ActionRecord{}, nserrors.Errorf(nserrors.KindInternal, "%s is not a rejection outcome", outcome)
	}
	return d.record(context.WithoutCancel(ctx), req, outcome, time.Time{}, detail, nil)
}

// apply makes at most two attempts; the second only after a transient failure.
func (d *Dispatcher) apply(ctx context.Context, req model.ActionRequest) (time.Time, error) {
	log := logger.WithComponent("dispatch").WithFields(logrus.Fields{
		"request_id": req.ID,
		"action":     req.Kind,
		"target":     req.Target.String(),
	})

	appliedAt, err := d.attempt(ctx, req)
	if err == nil {
		return appliedAt, nil
	}
	if !nserrors.IsTransient(err) {
		return time.Time{}, err
	}

	log.WithError(err).Warnf("Enforcement failed, retrying once in %s", d.backoff)
	if serr := d.sleep(ctx, d.backoff); serr != nil {
		return time.Time{}, nserrors.Wrap(err, nserrors.KindEnforcement, "retry abandoned")
	}
	appliedAt, err = d.attempt(ctx, req)
	if err != nil {
		return time.Time{}, nserrors.Wrap(err, nserrors.KindEnforcement, "enforcement failed after retry")
	}
	return appliedAt, nil
}

func (d *Dispatcher) attempt(ctx context.Context, req model.ActionRequest) (time.Time, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	appliedAt, err := d.enforcer.Apply(callCtx, req)
	metrics.ObserveEnforcement(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil {
			return time.Time{}, nserrors.Wrapf(err, nserrors.KindTimeout, "%s timed out after %s", d.enforcer.Name(), d.timeout)
		}
		if nserrors.GetKind(err) == nserrors.KindUnknown {
			err = nserrors.Wrapf(err, nserrors.KindEnforcement, "%s rejected %s", d.enforcer.Name(), req.Kind)
		}
		return time.Time{}, err
	}
	if appliedAt.IsZero() {
		appliedAt = d.now()
	}
	return appliedAt, nil
}

// record writes the audit entry. The audit error takes precedence over the
// action error since an unaudited outcome is the worse condition.
func (d *Dispatcher) record(ctx context.Context, req model.ActionRequest, outcome model.Outcome, appliedAt time.Time, detail string, actionErr error) (model.ActionRecord, error) {
	rec := model.ActionRecord{
		ID:          uuid.NewString(),
		Request:     req,
		Outcome:     outcome,
		AppliedAt:   appliedAt,
		RecordedAt:  d.now(),
		ErrorDetail: detail,
	}

	log := logger.WithComponent("dispatch").WithFields(logrus.Fields{
		"record_id":  rec.ID,
		"request_id": req.ID,
		"action":     req.Kind,
		"target":     req.Target.String(),
		"origin":     req.Origin,
		"outcome":    outcome,
	})

	auditCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.sink.Append(auditCtx, rec); err != nil {
		metrics.IncAuditWriteFailure()
		log.WithError(err).Error("Audit write failed")
		return rec, nserrors.Attr(nserrors.Wrap(err, nserrors.KindAuditWrite, "action record not persisted"), "record_id", rec.ID)
	}
	metrics.IncActionOutcome(string(req.Kind), string(outcome))

	switch outcome {
	case model.OutcomeApplied:
		log.Info("Action applied")
	case model.OutcomeFailed:
		log.WithField("error", detail).Error("Action failed")
	default:
		log.Info("Action rejected")
	}
	return rec, actionErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
