package enforcement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	nserrors "NetSentry/internal/errors"
	"NetSentry/internal/model"
)

// DeviceAgent asks a device management agent to isolate or shut down a device.
// The agent exposes POST {base}/api/v1/devices/{id}/{isolate|shutdown}.
type DeviceAgent struct {
	base   *url.URL
	token  string
	client *http.Client
}

// NewDeviceAgent creates a client for the agent at baseURL.
func NewDeviceAgent(baseURL, token string) (*DeviceAgent, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid device agent url %q", baseURL)
	}
	return &DeviceAgent{base: u, token: token, client: &http.Client{}}, nil
}

func (a *DeviceAgent) Name() string { return "device-agent" }

type agentRequest struct {
	RequestID   string `json:"requestId"`
	Reason      string `json:"reason"`
	RequestedBy string `json:"requestedBy"`
}

type agentResponse struct {
	AppliedAt time.Time `json:"appliedAt"`
}

// Apply calls the agent. Connection errors and 5xx answers are reported as
// unavailable so the dispatcher may retry.
func (a *DeviceAgent) Apply(ctx context.Context, req model.ActionRequest) (time.Time, error) {
	var op string
	switch req.Kind {
	case model.ActionIsolateDevice:
		op = "isolate"
	case model.ActionShutdownDevice:
		op = "shutdown"
	default:
		return time.Time{}, nserrors.Errorf(nserrors.KindEnforcement, "device agent cannot apply %s", req.Kind)
	}

	body, err := json.Marshal(agentRequest{RequestID: req.ID, Reason: req.Reason, RequestedBy: req.RequestedBy})
	if err != nil {
		return time.Time{}, err
	}
	endpoint := a.base.JoinPath("api", "v1", "devices", req.Target.Value, op)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return time.Time{}, nserrors.Wrap(err, nserrors.KindEnforcement, "build device agent request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.ID)
	if a.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return time.Time{}, nserrors.Wrap(err, nserrors.KindTimeout, "device agent call timed out")
		}
		return time.Time{}, nserrors.Wrap(err, nserrors.KindUnavailable, "device agent unreachable")
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode >= 500:
		return time.Time{}, nserrors.Errorf(nserrors.KindUnavailable, "device agent returned %s", resp.Status)
	case resp.StatusCode >= 300:
		return time.Time{}, nserrors.Errorf(nserrors.KindEnforcement, "device agent refused %s on %s: %s %s",
			op, req.Target.Value, resp.Status, strings.TrimSpace(string(data)))
	}

	var out agentResponse
	if len(data) > 0 && json.Unmarshal(data, &out) == nil && !out.AppliedAt.IsZero() {
		return out.AppliedAt, nil
	}
	return time.Now(), nil
}
