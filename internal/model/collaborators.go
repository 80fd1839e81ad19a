package model

import (
	"context"
	"time"
)

// Enforcer applies a response action. Implementations must tolerate repeated
// calls for the same request without amplifying the effect.
type Enforcer interface {
	Name() string
	Apply(ctx context.Context, req ActionRequest) (time.Time, error)
}

// AuditSink is the append-only record of every decision and action.
type AuditSink interface {
	Append(ctx context.Context, rec ActionRecord) error
}

// AuditQuerier is the read path used by the log-viewing surface.
type AuditQuerier interface {
	QueryByTarget(ctx context.Context, target Target, limit int) ([]ActionRecord, error)
	QueryByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]ActionRecord, error)
	Summary(ctx context.Context, from, to time.Time) (OutcomeSummary, error)
}

// AuditStore is a sink with its query surface.
type AuditStore interface {
	AuditSink
	AuditQuerier
	Close() error
}

// IdentityVerifier validates an operator's bearer credential.
type IdentityVerifier interface {
	Verify(ctx context.Context, bearer string) (Identity, error)
}
