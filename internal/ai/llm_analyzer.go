package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"NetSentry/internal/config"
	nserrors "NetSentry/internal/errors"
	"NetSentry/internal/logger"
	"NetSentry/internal/model"

	"github.com/sashabaranov/go-openai"
)

const answerFormat = `Answer with a single JSON object and nothing else:
{"verdict": "benign|suspicious|malicious", "isSuspicious": bool, "suspicionReason": string,
 "severity": "informational|low|medium|high|critical", "suggestedActions": [string],
 "confidenceScore": number between 0 and 1}`

// LLMAnalyzer implements model.Analyzer on top of an OpenAI-compatible chat API.
type LLMAnalyzer struct {
	model  string
	client *openai.Client
}

// NewLLMAnalyzer creates a new instance of LLMAnalyzer.
func NewLLMAnalyzer(cfg config.OpenAIConfig) (*LLMAnalyzer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("AI API key is not configured")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &LLMAnalyzer{
		model:  cfg.Model,
		client: openai.NewClientWithConfig(clientConfig),
	}, nil
}

// Classify asks the model to assess a single flow.
func (a *LLMAnalyzer) Classify(ctx context.Context, flow model.FlowRecord) (model.Verdict, error) {
	prompt := "You are an expert network security analyst. Analyze the following network traffic packet:\n\n" +
		describeFlow(flow) + "\n\n" +
		"Determine whether it is suspicious, give the reason, a severity (informational if not suspicious), " +
		"2-3 suggested actions and your confidence. Look for common attack patterns, unexpected protocols " +
		"on standard ports and indicators of compromise.\n\n" + answerFormat

	return a.ask(ctx, prompt)
}

// AnalyzeIncident asks the model to assess a group of related flows as one incident.
func (a *LLMAnalyzer) AnalyzeIncident(ctx context.Context, flows []model.FlowRecord) (model.Verdict, error) {
	if len(flows) == 0 {
		return model.Verdict{}, nserrors.New(nserrors.KindValidation, "incident has no flows")
	}
	var sb strings.Builder
	for i, f := range flows {
		fmt.Fprintf(&sb, "--- Flow %d ---\n%s\n", i+1, describeFlow(f))
	}
	prompt := "You are a senior network security analyst. The following flows were flagged by the " +
		"NetSentry monitoring system within a short window. Assess them together as a single incident, " +
		"its severity and the recommended response.\n\n" + sb.String() + "\n" + answerFormat

	return a.ask(ctx, prompt)
}

func (a *LLMAnalyzer) ask(ctx context.Context, prompt string) (model.Verdict, error) {
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       a.model,
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return model.Verdict{}, nserrors.Wrap(err, nserrors.KindTimeout, "AI request interrupted")
		}
		return model.Verdict{}, nserrors.Wrap(err, nserrors.KindUnavailable, "OpenAI API error")
	}
	if len(resp.Choices) == 0 {
		return model.Verdict{}, nserrors.New(nserrors.KindClassificationFailure, "OpenAI API returned no choices")
	}

	v, err := parseAssessment(resp.Choices[0].Message.Content)
	if err != nil {
		logger.WithComponent("ai").WithError(err).Debug("discarding unparseable model reply")
		return model.Verdict{}, err
	}
	return v, nil
}
