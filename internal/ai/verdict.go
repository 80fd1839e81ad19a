package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	nserrors "NetSentry/internal/errors"
	"NetSentry/internal/model"
)

// assessment is the JSON object the model is asked to return.
type assessment struct {
	Verdict          string   `json:"verdict"`
	IsSuspicious     bool     `json:"isSuspicious"`
	SuspicionReason  string   `json:"suspicionReason"`
	Severity         string   `json:"severity"`
	SuggestedActions []string `json:"suggestedActions"`
	ConfidenceScore  float64  `json:"confidenceScore"`
}

// parseAssessment decodes a model reply into a Verdict. Replies wrapped in a
// markdown code fence are accepted.
func parseAssessment(content string) (model.Verdict, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	}

	var a assessment
	if err := json.Unmarshal([]byte(content), &a); err != nil {
		return model.Verdict{}, nserrors.Wrap(err, nserrors.KindClassificationFailure, "model reply is not a JSON assessment")
	}
	if a.ConfidenceScore < 0 || a.ConfidenceScore > 1 {
		return model.Verdict{}, nserrors.Errorf(nserrors.KindClassificationFailure, "confidence %v out of range", a.ConfidenceScore)
	}

	severity := strings.ToLower(a.Severity)
	switch severity {
	case model.SeverityInformational, model.SeverityLow, model.SeverityMedium, model.SeverityHigh, model.SeverityCritical:
	case "":
		severity = model.SeverityInformational
	default:
		return model.Verdict{}, nserrors.Errorf(nserrors.KindClassificationFailure, "unknown severity %q", a.Severity)
	}

	label := model.VerdictLabel(strings.ToLower(a.Verdict))
	switch label {
	case model.VerdictBenign, model.VerdictSuspicious, model.VerdictMalicious:
	case "":
		label = labelFor(a.IsSuspicious, severity)
	default:
		return model.Verdict{}, nserrors.Errorf(nserrors.KindClassificationFailure, "unknown verdict %q", a.Verdict)
	}

	return model.Verdict{
		Label:            label,
		Confidence:       a.ConfidenceScore,
		Rationale:        a.SuspicionReason,
		Severity:         severity,
		SuggestedActions: a.SuggestedActions,
	}, nil
}

// labelFor derives a label when the model only answered isSuspicious.
// High and critical findings count as malicious.
func labelFor(suspicious bool, severity string) model.VerdictLabel {
	if !suspicious {
		return model.VerdictBenign
	}
	if severity == model.SeverityHigh || severity == model.SeverityCritical {
		return model.VerdictMalicious
	}
	return model.VerdictSuspicious
}

func describeFlow(f model.FlowRecord) string {
	return fmt.Sprintf("Protocol: %s\nSource: %s:%d\nDestination: %s:%d\nBytes: %d\nSummary: %s",
		f.Protocol, f.SourceIP, f.SourcePort, f.DestIP, f.DestPort, f.ByteSize, f.Summary)
}
