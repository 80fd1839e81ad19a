package ai

import (
	"context"
	"fmt"

	nserrors "NetSentry/internal/errors"
	"NetSentry/internal/model"
)

// portScanThreshold is the number of distinct destination ports from one
// source that turns an incident into a scan.
const portScanThreshold = 10

type rule struct {
	name    string
	match   func(f model.FlowRecord) bool
	verdict model.Verdict
}

func destPort(ports ...uint16) func(model.FlowRecord) bool {
	return func(f model.FlowRecord) bool {
		for _, p := range ports {
			if f.DestPort == p {
				return true
			}
		}
		return false
	}
}

// rules are evaluated in order; the first match wins.
var rules = []rule{
	{
		name:  "backdoor port",
		match: destPort(1337, 4444, 5555, 6667, 12345, 31337),
		verdict: model.Verdict{
			Label: model.VerdictMalicious, Confidence: 0.9, Severity: model.SeverityHigh,
			SuggestedActions: []string{"block the source address", "inspect the destination host for implants"},
		},
	},
	{
		name: "oversized DNS",
		match: func(f model.FlowRecord) bool {
			return f.DestPort == 53 && f.Protocol == model.ProtoUDP && f.ByteSize > 512
		},
		verdict: model.Verdict{
			Label: model.VerdictSuspicious, Confidence: 0.65, Severity: model.SeverityMedium,
			SuggestedActions: []string{"review queried names for tunneling"},
		},
	},
	{
		name:  "cleartext remote access",
		match: destPort(23, 2323),
		verdict: model.Verdict{
			Label: model.VerdictSuspicious, Confidence: 0.7, Severity: model.SeverityMedium,
			SuggestedActions: []string{"disable telnet on the destination", "check for default credentials"},
		},
	},
	{
		name:  "exposed remote desktop or file sharing",
		match: destPort(445, 3389),
		verdict: model.Verdict{
			Label: model.VerdictSuspicious, Confidence: 0.6, Severity: model.SeverityLow,
			SuggestedActions: []string{"confirm the source is an allowed administrator"},
		},
	},
	{
		name: "oversized ICMP",
		match: func(f model.FlowRecord) bool {
			return (f.Protocol == model.ProtoICMP || f.Protocol == model.ProtoICMPv6) && f.ByteSize > 1024
		},
		verdict: model.Verdict{
			Label: model.VerdictSuspicious, Confidence: 0.6, Severity: model.SeverityLow,
			SuggestedActions: []string{"check for ICMP tunneling"},
		},
	},
}

var benign = model.Verdict{Label: model.VerdictBenign, Confidence: 0.6, Severity: model.SeverityInformational}

// HeuristicAnalyzer classifies flows with static port and protocol rules.
// It needs no external service and answers immediately.
type HeuristicAnalyzer struct{}

func NewHeuristicAnalyzer() *HeuristicAnalyzer {
	return &HeuristicAnalyzer{}
}

func (h *HeuristicAnalyzer) Classify(ctx context.Context, flow model.FlowRecord) (model.Verdict, error) {
	if err := ctx.Err(); err != nil {
		return model.Verdict{}, err
	}
	for _, r := range rules {
		if r.match(flow) {
			v := r.verdict
			v.Rationale = fmt.Sprintf("%s: %s", r.name, flow.Summary)
			return v, nil
		}
	}
	v := benign
	v.Rationale = "no rule matched"
	return v, nil
}

// AnalyzeIncident returns the most severe per-flow verdict, escalated to
// malicious when one source touched many destination ports.
func (h *HeuristicAnalyzer) AnalyzeIncident(ctx context.Context, flows []model.FlowRecord) (model.Verdict, error) {
	if len(flows) == 0 {
		return model.Verdict{}, nserrors.New(nserrors.KindValidation, "incident has no flows")
	}

	worst := model.Verdict{Label: model.VerdictBenign, Severity: model.SeverityInformational}
	seen := make(map[string]bool)
	var actions []string
	for _, f := range flows {
		v, err := h.Classify(ctx, f)
		if err != nil {
			return model.Verdict{}, err
		}
		if rank(v) > rank(worst) || (rank(v) == rank(worst) && v.Confidence > worst.Confidence) {
			worst = v
		}
		for _, a := range v.SuggestedActions {
			if !seen[a] {
				seen[a] = true
				actions = append(actions, a)
			}
		}
	}

	ports := make(map[string]map[uint16]struct{})
	for _, f := range flows {
		if f.SourceIP == nil {
			continue
		}
		src := f.SourceIP.String()
		if ports[src] == nil {
			ports[src] = make(map[uint16]struct{})
		}
		ports[src][f.DestPort] = struct{}{}
	}
	for src, p := range ports {
		if len(p) >= portScanThreshold {
			return model.Verdict{
				Label:            model.VerdictMalicious,
				Confidence:       0.85,
				Severity:         model.SeverityHigh,
				Rationale:        fmt.Sprintf("port scan: %s contacted %d destination ports", src, len(p)),
				SuggestedActions: append([]string{"block " + src}, actions...),
			}, nil
		}
	}

	worst.Rationale = fmt.Sprintf("%d flows, worst finding: %s", len(flows), worst.Rationale)
	worst.SuggestedActions = actions
	return worst, nil
}

func rank(v model.Verdict) int {
	switch v.Label {
	case model.VerdictMalicious:
		return 3
	case model.VerdictSuspicious:
		return 2
	case model.VerdictBenign:
		return 1
	}
	return 0
}
