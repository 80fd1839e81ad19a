package model

import (
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket/layers"
)

// RawPacket is a captured frame as handed from the probe to the parser.
// It is not retained after parsing.
type RawPacket struct {
	Data      []byte
	Timestamp time.Time
	Interface string
	LinkType  layers.LinkType
}

// FlowRecord holds the metadata extracted from a single packet.
type FlowRecord struct {
	ID         uint64    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Protocol   string    `json:"protocol"`
	SourceIP   net.IP    `json:"sourceIp"`
	SourcePort uint16    `json:"sourcePort"`
	DestIP     net.IP    `json:"destIp"`
	DestPort   uint16    `json:"destPort"`
	ByteSize   int       `json:"byteSize"`
	Summary    string    `json:"summary"`
}

// Protocol names used in FlowRecord.Protocol.
const (
	ProtoTCP     = "TCP"
	ProtoUDP     = "UDP"
	ProtoICMP    = "ICMP"
	ProtoICMPv6  = "ICMPv6"
	ProtoUnknown = "unknown"
)

// VerdictLabel is the classification outcome attached to a flow.
type VerdictLabel string

const (
	VerdictBenign     VerdictLabel = "benign"
	VerdictSuspicious VerdictLabel = "suspicious"
	VerdictMalicious  VerdictLabel = "malicious"
	VerdictUnknown    VerdictLabel = "unknown"
)

// Severity levels reported by the analysis collaborator.
const (
	SeverityInformational = "informational"
	SeverityLow           = "low"
	SeverityMedium        = "medium"
	SeverityHigh          = "high"
	SeverityCritical      = "critical"
)

// Verdict is the analysis collaborator's assessment of a flow or an incident.
type Verdict struct {
	Label            VerdictLabel `json:"verdict"`
	Confidence       float64      `json:"confidence"`
	Rationale        string       `json:"rationale,omitempty"`
	Severity         string       `json:"severity,omitempty"`
	SuggestedActions []string     `json:"suggestedActions,omitempty"`
}

// UnknownVerdict is the degraded verdict used when classification fails or times out.
func UnknownVerdict(reason string) Verdict {
	return Verdict{Label: VerdictUnknown, Confidence: 0, Rationale: reason, Severity: SeverityInformational}
}

// ClassifiedRecord is a FlowRecord enriched with its verdict.
type ClassifiedRecord struct {
	FlowRecord
	Verdict
}

// TargetKind distinguishes addresses from managed devices.
type TargetKind string

const (
	TargetIP     TargetKind = "ip"
	TargetDevice TargetKind = "device"
)

// Target is the entity an action applies to.
type Target struct {
	Kind  TargetKind `json:"kind"`
	Value string     `json:"value"`
}

// IPTarget builds a normalized address target.
func IPTarget(ip net.IP) Target {
	return Target{Kind: TargetIP, Value: ip.String()}
}

// DeviceTarget builds a device target.
func DeviceTarget(id string) Target {
	return Target{Kind: TargetDevice, Value: id}
}

// Key is used for cooldown and lock bookkeeping.
func (t Target) Key() string {
	return string(t.Kind) + ":" + t.Value
}

func (t Target) String() string {
	return t.Key()
}

// ActionKind enumerates the automated responses.
type ActionKind string

const (
	ActionBlockIP        ActionKind = "block-ip"
	ActionIsolateDevice  ActionKind = "isolate-device"
	ActionShutdownDevice ActionKind = "shutdown-device"
)

// ParseActionKind validates an action name.
func ParseActionKind(s string) (ActionKind, error) {
	switch k := ActionKind(s); k {
	case ActionBlockIP, ActionIsolateDevice, ActionShutdownDevice:
		return k, nil
	}
	return "", fmt.Errorf("unknown action kind %q", s)
}

// TargetKind reports which kind of target the action applies to.
func (k ActionKind) TargetKind() TargetKind {
	if k == ActionBlockIP {
		return TargetIP
	}
	return TargetDevice
}

// Origin records whether a request came from the policy loop or an operator.
type Origin string

const (
	OriginAutomatic Origin = "automatic"
	OriginManual    Origin = "manual"
)

// ActionRequest asks for one response action against one target.
type ActionRequest struct {
	ID          string     `json:"id"`
	Target      Target     `json:"target"`
	Kind        ActionKind `json:"actionKind"`
	RequestedBy string     `json:"requestedBy"`
	RequestedAt time.Time  `json:"requestedAt"`
	Reason      string     `json:"reason"`
	Origin      Origin     `json:"origin"`
	CallerIP    string     `json:"callerIp,omitempty"`
	FlowID      uint64     `json:"flowId,omitempty"`
}

// Validate checks the request is well formed before it enters the policy engine.
func (r ActionRequest) Validate() error {
	if _, err := ParseActionKind(string(r.Kind)); err != nil {
		return err
	}
	if r.Target.Value == "" {
		return fmt.Errorf("empty target")
	}
	if r.Target.Kind != r.Kind.TargetKind() {
		return fmt.Errorf("action %s cannot target %s", r.Kind, r.Target.Kind)
	}
	if r.Target.Kind == TargetIP && net.ParseIP(r.Target.Value) == nil {
		return fmt.Errorf("invalid ip address %q", r.Target.Value)
	}
	if r.RequestedBy == "" {
		return fmt.Errorf("requestedBy is required")
	}
	return nil
}

// Outcome is the terminal state of an ActionRequest.
type Outcome string

const (
	OutcomeApplied             Outcome = "applied"
	OutcomeRejectedRateLimited Outcome = "rejected-rate-limited"
	OutcomeRejectedCooldown    Outcome = "rejected-cooldown"
	OutcomeFailed              Outcome = "failed"
)

// Outcomes lists every terminal state, in reporting order.
var Outcomes = []Outcome{OutcomeApplied, OutcomeRejectedCooldown, OutcomeRejectedRateLimited, OutcomeFailed}

// ActionRecord is one audit entry. It is never mutated after creation.
type ActionRecord struct {
	ID          string        `json:"id"`
	Request     ActionRequest `json:"request"`
	Outcome     Outcome       `json:"outcome"`
	AppliedAt   time.Time     `json:"appliedAt,omitempty"`
	RecordedAt  time.Time     `json:"recordedAt"`
	ErrorDetail string        `json:"errorDetail,omitempty"`
}

// OutcomeSummary counts audit records per outcome over a time range.
type OutcomeSummary struct {
	From   time.Time         `json:"from"`
	To     time.Time         `json:"to"`
	Counts map[Outcome]int64 `json:"counts"`
	Total  int64             `json:"total"`
}

// Identity is a verified operator.
type Identity struct {
	Subject string         `json:"subject"`
	Claims  map[string]any `json:"claims,omitempty"`
}
