package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_ShippedFile(t *testing.T) {
	cfg, err := LoadConfig("../../configs/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.RateWindow())
	assert.Equal(t, 5, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 10*time.Second, cfg.EnforcementRateWindow())
	assert.Equal(t, 60, cfg.RateLimit.EnforcementMax)
	assert.Equal(t, 60*time.Second, cfg.CooldownWindow())
	assert.Equal(t, "block-ip", cfg.Policy.VerdictActions["malicious"])
	assert.InDelta(t, 0.8, cfg.Policy.Threshold, 1e-9)
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("capture:\n  interface: lo\n"))
	require.NoError(t, err)

	assert.Equal(t, "lo", cfg.Capture.Interface)
	assert.Equal(t, int32(1600), cfg.Capture.SnapshotLen)
	assert.Equal(t, uint32(100), cfg.Capture.TalkerThreshold)
	assert.Equal(t, 10, cfg.Capture.TopTalkers)
	assert.Equal(t, 5, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 10*time.Second, cfg.EnforcementRateWindow())
	assert.Equal(t, 60, cfg.RateLimit.EnforcementMax)
	assert.Equal(t, 2*time.Second, cfg.ClassifierTimeout())
	assert.Equal(t, 5*time.Second, cfg.DispatchTimeout())
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBackoff())
	assert.Equal(t, "heuristic", cfg.Analysis.Mode)
	assert.Equal(t, "dryrun", cfg.Enforcement.Firewall)
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad duration":           "policy:\n  cooldown: soon\n",
		"bad threshold":          "policy:\n  threshold: 1.5\n",
		"bad backend":            "audit:\n  backend: postgres\n",
		"bad mode":               "analysis:\n  mode: oracle\n",
		"bad enforcement window": "ratelimit:\n  enforcement_window: -5s\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestParse_EnvOverride(t *testing.T) {
	t.Setenv("NS_JWT_SECRET", "from-env")
	cfg, err := Parse([]byte("identity:\n  secret: from-file\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Identity.Secret)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
