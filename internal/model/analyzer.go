package model

import (
	"context"
)

// Analyzer defines the standard interface for the analysis collaborator.
type Analyzer interface {
	// Classify scores a single flow.
	Classify(ctx context.Context, flow FlowRecord) (Verdict, error)

	// AnalyzeIncident scores an aggregate of related flows.
	AnalyzeIncident(ctx context.Context, flows []FlowRecord) (Verdict, error)
}
