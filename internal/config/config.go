package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LogConfig controls logrus output and file rotation.
type LogConfig struct {
	Debug      bool   `yaml:"debug"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// CaptureConfig holds the live capture settings for the probe.
type CaptureConfig struct {
	Interface    string `yaml:"interface"`
	PcapFile     string `yaml:"pcap_file"`
	SnapshotLen  int32  `yaml:"snapshot_len"`
	Promiscuous  bool   `yaml:"promiscuous"`
	BPFFilter    string `yaml:"bpf_filter"`
	QueueSize    int    `yaml:"queue_size"`
	ParseWorkers int    `yaml:"parse_workers"`
	// Sources above TalkerThreshold packets per housekeeping window are listed
	// in the capture status.
	TalkerThreshold uint32 `yaml:"talker_threshold"`
	TopTalkers      int    `yaml:"top_talkers"`
}

// ClassifierConfig bounds the classification stage.
type ClassifierConfig struct {
	Workers   int    `yaml:"workers"`
	Timeout   string `yaml:"timeout"`
	QueueSize int    `yaml:"queue_size"`
}

// OpenAIConfig configures the LLM-backed analyzer.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// AnalysisConfig selects the analysis collaborator.
// Mode is one of "heuristic", "grpc" or "openai".
type AnalysisConfig struct {
	Mode           string       `yaml:"mode"`
	ServiceAddr    string       `yaml:"service_addr"`
	GRPCListenAddr string       `yaml:"grpc_listen_addr"`
	OpenAI         OpenAIConfig `yaml:"openai"`
}

// PolicyConfig drives automatic triggering and cooldowns.
type PolicyConfig struct {
	Threshold        float64           `yaml:"threshold"`
	Cooldown         string            `yaml:"cooldown"`
	VerdictActions   map[string]string `yaml:"verdict_actions"`
	RestoreFromAudit bool              `yaml:"restore_from_audit"`
	Workers          int               `yaml:"workers"`
	QueueSize        int               `yaml:"queue_size"`
	PruneSchedule    string            `yaml:"prune_schedule"`
}

// RateLimitConfig defines two sliding windows: Window/MaxRequests per manual
// caller, and EnforcementWindow/EnforcementMax across every enforcement call.
// Backend is "memory" or "redis".
type RateLimitConfig struct {
	Backend           string `yaml:"backend"`
	Window            string `yaml:"window"`
	MaxRequests       int    `yaml:"max_requests"`
	EnforcementWindow string `yaml:"enforcement_window"`
	EnforcementMax    int    `yaml:"enforcement_max"`
	RedisAddr         string `yaml:"redis_addr"`
	RedisPrefix       string `yaml:"redis_prefix"`
}

// DispatchConfig tunes enforcement calls.
type DispatchConfig struct {
	Timeout      string `yaml:"timeout"`
	RetryBackoff string `yaml:"retry_backoff"`
}

// EnforcementConfig selects the enforcement collaborator.
// Firewall is "nftables" or "dryrun".
type EnforcementConfig struct {
	Firewall         string `yaml:"firewall"`
	NFTTable         string `yaml:"nft_table"`
	NFTSet           string `yaml:"nft_set"`
	NFTSet6          string `yaml:"nft_set6"`
	DeviceAgentURL   string `yaml:"device_agent_url"`
	DeviceAgentToken string `yaml:"device_agent_token"`
}

// ClickHouseConfig holds the connection details for ClickHouse.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// AuditConfig selects the durable audit backend: "jsonl", "sqlite" or "clickhouse".
type AuditConfig struct {
	Backend    string           `yaml:"backend"`
	Path       string           `yaml:"path"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// NATSConfig configures the optional event mirror.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	FlowSubject   string `yaml:"flow_subject"`
	ActionSubject string `yaml:"action_subject"`
}

// IdentityConfig configures JWT verification for operators.
type IdentityConfig struct {
	Secret        string   `yaml:"secret"`
	Issuer        string   `yaml:"issuer"`
	Audience      string   `yaml:"audience"`
	RevokedTokens []string `yaml:"revoked_tokens"`
}

// APIConfig holds the HTTP control surface address.
type APIConfig struct {
	HTTPListenAddr string `yaml:"http_listen_addr"`
}

// NotificationConfig lists shoutrrr service URLs for operator alerts.
type NotificationConfig struct {
	URLs []string `yaml:"urls"`
}

// AlerterConfig drives periodic incident-level analysis.
type AlerterConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
	MinFlows int    `yaml:"min_flows"`
	MaxFlows int    `yaml:"max_flows"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Log          LogConfig          `yaml:"log"`
	Capture      CaptureConfig      `yaml:"capture"`
	Classifier   ClassifierConfig   `yaml:"classifier"`
	Analysis     AnalysisConfig     `yaml:"analysis"`
	Policy       PolicyConfig       `yaml:"policy"`
	RateLimit    RateLimitConfig    `yaml:"ratelimit"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Enforcement  EnforcementConfig  `yaml:"enforcement"`
	Audit        AuditConfig        `yaml:"audit"`
	NATS         NATSConfig         `yaml:"nats"`
	Identity     IdentityConfig     `yaml:"identity"`
	API          APIConfig          `yaml:"api"`
	Notification NotificationConfig `yaml:"notification"`
	Alerter      AlerterConfig      `yaml:"alerter"`
}

// LoadConfig reads the configuration from a YAML file and returns a Config struct.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and environment overrides, and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration that runs without any external services.
func Default() *Config {
	cfg := &Config{}
	cfg.Capture.Promiscuous = true
	cfg.Policy.RestoreFromAudit = true
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Capture.SnapshotLen <= 0 {
		c.Capture.SnapshotLen = 1600
	}
	if c.Capture.QueueSize <= 0 {
		c.Capture.QueueSize = 4096
	}
	if c.Capture.ParseWorkers <= 0 {
		c.Capture.ParseWorkers = 2
	}
	if c.Capture.TalkerThreshold == 0 {
		c.Capture.TalkerThreshold = 100
	}
	if c.Capture.TopTalkers <= 0 {
		c.Capture.TopTalkers = 10
	}
	if c.Classifier.Workers <= 0 {
		c.Classifier.Workers = 8
	}
	if c.Classifier.Timeout == "" {
		c.Classifier.Timeout = "2s"
	}
	if c.Classifier.QueueSize <= 0 {
		c.Classifier.QueueSize = 1024
	}
	if c.Analysis.Mode == "" {
		c.Analysis.Mode = "heuristic"
	}
	if c.Analysis.GRPCListenAddr == "" {
		c.Analysis.GRPCListenAddr = ":50061"
	}
	if c.Analysis.OpenAI.Model == "" {
		c.Analysis.OpenAI.Model = "gpt-4o-mini"
	}
	if c.Policy.Threshold == 0 {
		c.Policy.Threshold = 0.8
	}
	if c.Policy.Cooldown == "" {
		c.Policy.Cooldown = "60s"
	}
	if len(c.Policy.VerdictActions) == 0 {
		c.Policy.VerdictActions = map[string]string{"malicious": "block-ip"}
	}
	if c.Policy.Workers <= 0 {
		c.Policy.Workers = 4
	}
	if c.Policy.QueueSize <= 0 {
		c.Policy.QueueSize = 256
	}
	if c.Policy.PruneSchedule == "" {
		c.Policy.PruneSchedule = "@every 1m"
	}
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = "memory"
	}
	if c.RateLimit.Window == "" {
		c.RateLimit.Window = "10s"
	}
	if c.RateLimit.MaxRequests <= 0 {
		c.RateLimit.MaxRequests = 5
	}
	if c.RateLimit.EnforcementWindow == "" {
		c.RateLimit.EnforcementWindow = "10s"
	}
	if c.RateLimit.EnforcementMax <= 0 {
		c.RateLimit.EnforcementMax = 60
	}
	if c.RateLimit.RedisPrefix == "" {
		c.RateLimit.RedisPrefix = "netsentry:rate:"
	}
	if c.Dispatch.Timeout == "" {
		c.Dispatch.Timeout = "5s"
	}
	if c.Dispatch.RetryBackoff == "" {
		c.Dispatch.RetryBackoff = "250ms"
	}
	if c.Enforcement.Firewall == "" {
		c.Enforcement.Firewall = "dryrun"
	}
	if c.Enforcement.NFTTable == "" {
		c.Enforcement.NFTTable = "netsentry"
	}
	if c.Enforcement.NFTSet == "" {
		c.Enforcement.NFTSet = "blocked_v4"
	}
	if c.Enforcement.NFTSet6 == "" {
		c.Enforcement.NFTSet6 = "blocked_v6"
	}
	if c.Audit.Backend == "" {
		c.Audit.Backend = "jsonl"
	}
	if c.Audit.Path == "" {
		c.Audit.Path = "data/audit.jsonl"
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.NATS.FlowSubject == "" {
		c.NATS.FlowSubject = "netsentry.flows.classified"
	}
	if c.NATS.ActionSubject == "" {
		c.NATS.ActionSubject = "netsentry.actions"
	}
	if c.API.HTTPListenAddr == "" {
		c.API.HTTPListenAddr = ":8088"
	}
	if c.Alerter.Schedule == "" {
		c.Alerter.Schedule = "@every 5m"
	}
	if c.Alerter.MinFlows <= 0 {
		c.Alerter.MinFlows = 3
	}
	if c.Alerter.MaxFlows <= 0 {
		c.Alerter.MaxFlows = 50
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("NS_OPENAI_API_KEY"); v != "" {
		c.Analysis.OpenAI.APIKey = v
	}
	if v := os.Getenv("NS_JWT_SECRET"); v != "" {
		c.Identity.Secret = v
	}
	if v := os.Getenv("NS_CAPTURE_INTERFACE"); v != "" {
		c.Capture.Interface = v
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	for name, d := range map[string]string{
		"classifier.timeout":           c.Classifier.Timeout,
		"policy.cooldown":              c.Policy.Cooldown,
		"ratelimit.window":             c.RateLimit.Window,
		"ratelimit.enforcement_window": c.RateLimit.EnforcementWindow,
		"dispatch.timeout":             c.Dispatch.Timeout,
		"dispatch.retry_backoff":       c.Dispatch.RetryBackoff,
	} {
		v, err := time.ParseDuration(d)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be a positive duration", name)
		}
	}
	if c.Policy.Threshold < 0 || c.Policy.Threshold > 1 {
		return fmt.Errorf("policy.threshold must be within [0,1], got %v", c.Policy.Threshold)
	}
	switch c.Analysis.Mode {
	case "heuristic", "grpc", "openai":
	default:
		return fmt.Errorf("unknown analysis mode %q", c.Analysis.Mode)
	}
	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown ratelimit backend %q", c.RateLimit.Backend)
	}
	switch c.Audit.Backend {
	case "jsonl", "sqlite", "clickhouse":
	default:
		return fmt.Errorf("unknown audit backend %q", c.Audit.Backend)
	}
	switch c.Enforcement.Firewall {
	case "nftables", "dryrun":
	default:
		return fmt.Errorf("unknown enforcement firewall %q", c.Enforcement.Firewall)
	}
	return nil
}

// Durations are validated in Validate, so parse errors cannot occur past that point.
func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// ClassifierTimeout returns the per-call classification bound.
func (c *Config) ClassifierTimeout() time.Duration { return mustDuration(c.Classifier.Timeout) }

// CooldownWindow returns the per-target cooldown.
func (c *Config) CooldownWindow() time.Duration { return mustDuration(c.Policy.Cooldown) }

// RateWindow returns the sliding window length.
func (c *Config) RateWindow() time.Duration { return mustDuration(c.RateLimit.Window) }

// EnforcementRateWindow returns the window of the global enforcement limit.
func (c *Config) EnforcementRateWindow() time.Duration {
	return mustDuration(c.RateLimit.EnforcementWindow)
}

// DispatchTimeout returns the per-call enforcement bound.
func (c *Config) DispatchTimeout() time.Duration { return mustDuration(c.Dispatch.Timeout) }

// RetryBackoff returns the pause before the single enforcement retry.
func (c *Config) RetryBackoff() time.Duration { return mustDuration(c.Dispatch.RetryBackoff) }
