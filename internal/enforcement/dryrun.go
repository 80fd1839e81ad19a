package enforcement

import (
	"context"
	"sync"
	"time"

	"NetSentry/internal/logger"
	"NetSentry/internal/model"

	"github.com/sirupsen/logrus"
)

// DryRun logs actions instead of applying them. Repeated requests are no-ops.
type DryRun struct {
	mu      sync.Mutex
	applied map[string]time.Time
	now     func() time.Time
}

// NewDryRun creates a dry-run enforcer.
func NewDryRun() *DryRun {
	return &DryRun{applied: make(map[string]time.Time), now: time.Now}
}

func (d *DryRun) Name() string { return "dryrun" }

// Apply records the action and returns the time it was first applied.
func (d *DryRun) Apply(ctx context.Context, req model.ActionRequest) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	key := string(req.Kind) + "|" + req.Target.Key()

	d.mu.Lock()
	defer d.mu.Unlock()
	if at, ok := d.applied[key]; ok {
		return at, nil
	}
	at := d.now()
	d.applied[key] = at
	logger.WithComponent("enforcement").WithFields(logrus.Fields{
		"action": req.Kind,
		"target": req.Target.String(),
		"reason": req.Reason,
	}).Warn("DRY RUN: action not applied")
	return at, nil
}

// Applied reports whether (kind, target) has been applied.
func (d *DryRun) Applied(kind model.ActionKind, target model.Target) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.applied[string(kind)+"|"+target.Key()]
	return ok
}
