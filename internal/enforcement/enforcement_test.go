package enforcement

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"NetSentry/internal/config"
	nserrors "NetSentry/internal/errors"
	"NetSentry/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(device string) model.ActionRequest {
	return model.ActionRequest{
		ID: "req-9", Target: model.DeviceTarget(device), Kind: model.ActionIsolateDevice,
		RequestedBy: "alice", Reason: "beaconing",
	}
}

func TestDryRun_Idempotent(t *testing.T) {
	d := NewDryRun()
	req := model.ActionRequest{Target: model.Target{Kind: model.TargetIP, Value: "10.0.0.5"}, Kind: model.ActionBlockIP}

	first, err := d.Apply(context.Background(), req)
	require.NoError(t, err)
	second, err := d.Apply(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.True(t, d.Applied(model.ActionBlockIP, req.Target))
	assert.False(t, d.Applied(model.ActionIsolateDevice, req.Target))
}

func TestRouter(t *testing.T) {
	ip, dev := NewDryRun(), NewDryRun()
	r := NewRouter(ip, dev)

	_, err := r.Apply(context.Background(), model.ActionRequest{Target: model.Target{Kind: model.TargetIP, Value: "10.0.0.5"}, Kind: model.ActionBlockIP})
	require.NoError(t, err)
	_, err = r.Apply(context.Background(), isolate("cam-1"))
	require.NoError(t, err)

	assert.True(t, ip.Applied(model.ActionBlockIP, model.Target{Kind: model.TargetIP, Value: "10.0.0.5"}))
	assert.True(t, dev.Applied(model.ActionIsolateDevice, model.DeviceTarget("cam-1")))
	assert.Contains(t, r.Name(), "dryrun")

	_, err = NewRouter(ip, nil).Apply(context.Background(), isolate("cam-1"))
	require.Error(t, err)
	assert.Equal(t, nserrors.KindEnforcement, nserrors.GetKind(err))
}

func TestDeviceAgent_Success(t *testing.T) {
	applied := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/devices/cam-1/isolate", r.URL.Path)
		assert.Equal(t, "Bearer agent-token", r.Header.Get("Authorization"))
		assert.Equal(t, "req-9", r.Header.Get("Idempotency-Key"))

		var body agentRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "alice", body.RequestedBy)

		_ = json.NewEncoder(w).Encode(agentResponse{AppliedAt: applied})
	}))
	defer srv.Close()

	a, err := NewDeviceAgent(srv.URL+"/", "agent-token")
	require.NoError(t, err)
	at, err := a.Apply(context.Background(), isolate("cam-1"))
	require.NoError(t, err)
	assert.True(t, at.Equal(applied))
}

func TestDeviceAgent_ErrorKinds(t *testing.T) {
	var status atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	a, err := NewDeviceAgent(srv.URL, "")
	require.NoError(t, err)

	status.Store(http.StatusServiceUnavailable)
	_, err = a.Apply(context.Background(), isolate("cam-1"))
	assert.True(t, nserrors.IsTransient(err))

	status.Store(http.StatusNotFound)
	_, err = a.Apply(context.Background(), isolate("cam-1"))
	assert.Equal(t, nserrors.KindEnforcement, nserrors.GetKind(err))
	assert.False(t, nserrors.IsTransient(err))

	_, err = a.Apply(context.Background(), model.ActionRequest{Target: model.DeviceTarget("x"), Kind: model.ActionBlockIP})
	assert.Equal(t, nserrors.KindEnforcement, nserrors.GetKind(err))
}

func TestDeviceAgent_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	a, err := NewDeviceAgent(url, "")
	require.NoError(t, err)
	_, err = a.Apply(context.Background(), isolate("cam-1"))
	assert.Equal(t, nserrors.KindUnavailable, nserrors.GetKind(err))
}

func TestNewDeviceAgent_InvalidURL(t *testing.T) {
	_, err := NewDeviceAgent("not a url", "")
	assert.Error(t, err)
}

func TestNew_DryRunDefault(t *testing.T) {
	e, err := New(config.EnforcementConfig{Firewall: "dryrun"})
	require.NoError(t, err)
	assert.Equal(t, "router(ip=dryrun,device=dryrun)", e.Name())

	e, err = New(config.EnforcementConfig{Firewall: "dryrun", DeviceAgentURL: "http://agent.local:9000"})
	require.NoError(t, err)
	assert.Equal(t, "router(ip=dryrun,device=device-agent)", e.Name())

	_, err = New(config.EnforcementConfig{Firewall: "iptables"})
	assert.Error(t, err)
}
