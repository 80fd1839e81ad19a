// Package enforcement contains the collaborators that physically apply
// response actions.
package enforcement

import (
	"context"
	"fmt"
	"time"

	"NetSentry/internal/config"
	nserrors "NetSentry/internal/errors"
	"NetSentry/internal/model"
)

// Router sends IP actions and device actions to different enforcers.
type Router struct {
	ip     model.Enforcer
	device model.Enforcer
}

// NewRouter creates a router; either side may be nil.
func NewRouter(ip, device model.Enforcer) *Router {
	return &Router{ip: ip, device: device}
}

// Name lists the wired enforcers.
func (r *Router) Name() string {
	name := func(e model.Enforcer) string {
		if e == nil {
			return "none"
		}
		return e.Name()
	}
	return fmt.Sprintf("router(ip=%s,device=%s)", name(r.ip), name(r.device))
}

// Apply forwards req by target kind.
func (r *Router) Apply(ctx context.Context, req model.ActionRequest) (time.Time, error) {
	var e model.Enforcer
	switch req.Target.Kind {
	case model.TargetIP:
		e = r.ip
	case model.TargetDevice:
		e = r.device
	}
	if e == nil {
		return time.Time{}, nserrors.Errorf(nserrors.KindEnforcement, "no enforcer configured for %s targets", req.Target.Kind)
	}
	return e.Apply(ctx, req)
}

// New builds the enforcer described by cfg.
func New(cfg config.EnforcementConfig) (model.Enforcer, error) {
	var ip model.Enforcer
	switch cfg.Firewall {
	case "", "dryrun":
		ip = NewDryRun()
	case "nftables":
		nft, err := NewNFTablesEnforcer(cfg)
		if err != nil {
			return nil, err
		}
		ip = nft
	default:
		return nil, fmt.Errorf("unknown firewall backend %q", cfg.Firewall)
	}

	device := model.Enforcer(NewDryRun())
	if cfg.DeviceAgentURL != "" {
		agent, err := NewDeviceAgent(cfg.DeviceAgentURL, cfg.DeviceAgentToken)
		if err != nil {
			return nil, err
		}
		device = agent
	}
	return NewRouter(ip, device), nil
}
