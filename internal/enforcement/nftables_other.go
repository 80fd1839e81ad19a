//go:build !linux

package enforcement

import (
	"context"
	"time"

	"NetSentry/internal/config"
	nserrors "NetSentry/internal/errors"
	"NetSentry/internal/model"
)

// NFTablesEnforcer is only available on linux.
type NFTablesEnforcer struct{}

// NewNFTablesEnforcer always fails on this platform.
func NewNFTablesEnforcer(cfg config.EnforcementConfig) (*NFTablesEnforcer, error) {
	return nil, nserrors.New(nserrors.KindEnforcement, "nftables enforcement requires linux")
}

func (n *NFTablesEnforcer) Name() string { return "nftables" }

func (n *NFTablesEnforcer) Apply(ctx context.Context, req model.ActionRequest) (time.Time, error) {
	return time.Time{}, nserrors.New(nserrors.KindEnforcement, "nftables enforcement requires linux")
}
