// Package config loads process-wide configuration for the anti-truncation
// proxy: upstream base URLs, engine tuning knobs, and trusted-proxy CIDRs.
//
// Configuration is layered the familiar way: an optional YAML file supplies
// a base, and environment variables override individual fields on top of
// it. Most fields have sensible defaults, so a YAML file is optional — a
// bare environment is enough to run.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the immutable, process-wide configuration snapshot. It is
// constructed once at startup and passed by value (as a pointer to an
// otherwise-unmodified struct) to every component that needs it.
type Config struct {
	Upstreams      Upstreams      `yaml:"upstreams"`
	AntiTruncation AntiTruncation `yaml:"anti_truncation"`
	TrustedProxy   TrustedProxy   `yaml:"trusted_proxy"`
	HTTP           HTTP           `yaml:"http"`
}

// Upstreams holds the base URL for each supported dialect's upstream API.
type Upstreams struct {
	OpenAIBaseURL string `yaml:"openai_base_url"`
	GeminiBaseURL string `yaml:"gemini_base_url"`
	ClaudeBaseURL string `yaml:"claude_base_url"`
}

// AntiTruncation holds the knobs that govern engine activation and behavior.
type AntiTruncation struct {
	ModelPrefix                string  `yaml:"model_prefix"`
	DoneMarker                 string  `yaml:"done_marker"`
	MaxAttempts                int     `yaml:"max_attempts"`
	KeepaliveIntervalSeconds   float64 `yaml:"keepalive_interval_seconds"`
	UpstreamIdleTimeoutSeconds float64 `yaml:"upstream_idle_timeout_seconds"`
}

// KeepaliveInterval returns the configured keepalive cadence as a Duration.
// A non-positive value disables keepalive comments.
func (a AntiTruncation) KeepaliveInterval() time.Duration {
	return durationFromSeconds(a.KeepaliveIntervalSeconds)
}

// UpstreamIdleTimeout returns the configured idle-stall threshold as a
// Duration. A non-positive value disables idle-timeout retries.
func (a AntiTruncation) UpstreamIdleTimeout() time.Duration {
	return durationFromSeconds(a.UpstreamIdleTimeoutSeconds)
}

func durationFromSeconds(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

// TrustedProxy governs whether Forwarded/X-Forwarded-* headers from the
// immediate peer are trusted and rewritten for the upstream request.
type TrustedProxy struct {
	TrustProxyHeaders bool     `yaml:"trust_proxy_headers"`
	TrustedCIDRs      []string `yaml:"trusted_cidrs"`
}

// HTTP holds transport-level timeouts and limits for upstream calls.
type HTTP struct {
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
	ReadTimeoutSeconds    int `yaml:"read_timeout_seconds"`
	MaxBodySizeMB         int `yaml:"max_body_size_mb"`
}

func (h HTTP) ConnectTimeout() time.Duration {
	return time.Duration(h.ConnectTimeoutSeconds) * time.Second
}

// ReadTimeout returns the non-streaming read timeout. Streaming requests
// never use this value — read timeout stays disabled for them so a slow
// upstream isn't mistaken for a dead one.
func (h HTTP) ReadTimeout() time.Duration {
	return time.Duration(h.ReadTimeoutSeconds) * time.Second
}

// Default returns the built-in defaults, matching the original
// implementation's environment-variable defaults one for one.
func Default() *Config {
	return &Config{
		Upstreams: Upstreams{
			OpenAIBaseURL: "https://api.openai.com",
			GeminiBaseURL: "https://generativelanguage.googleapis.com",
			ClaudeBaseURL: "https://api.anthropic.com",
		},
		AntiTruncation: AntiTruncation{
			ModelPrefix:                "antitrunc/",
			DoneMarker:                 "[done]",
			MaxAttempts:                3,
			KeepaliveIntervalSeconds:   15,
			UpstreamIdleTimeoutSeconds: 45,
		},
		TrustedProxy: TrustedProxy{
			TrustProxyHeaders: true,
			TrustedCIDRs: []string{
				"127.0.0.0/8", "::1/128", "10.0.0.0/8",
				"172.16.0.0/12", "192.168.0.0/16",
			},
		},
		HTTP: HTTP{
			ConnectTimeoutSeconds: 10,
			ReadTimeoutSeconds:    60,
			MaxBodySizeMB:         50,
		},
	}
}

// Load builds a Config by starting from Default(), optionally layering a
// YAML file from path (if it exists), then applying environment variable
// overrides. path may be empty, in which case only defaults and the
// environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadYAML(path, cfg); err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides mutates cfg in place, applying an
// os.Getenv(key)-if-set override field by field.
func applyEnvOverrides(cfg *Config) {
	strVar(&cfg.Upstreams.OpenAIBaseURL, "UPSTREAM_OPENAI_BASE_URL")
	strVar(&cfg.Upstreams.GeminiBaseURL, "UPSTREAM_GEMINI_BASE_URL")
	strVar(&cfg.Upstreams.ClaudeBaseURL, "UPSTREAM_CLAUDE_BASE_URL")

	strVar(&cfg.AntiTruncation.ModelPrefix, "ANTI_TRUNCATION_MODEL_PREFIX")
	strVar(&cfg.AntiTruncation.DoneMarker, "ANTI_TRUNCATION_DONE_MARKER")
	intVar(&cfg.AntiTruncation.MaxAttempts, "ANTI_TRUNCATION_MAX_ATTEMPTS")
	floatVar(&cfg.AntiTruncation.KeepaliveIntervalSeconds, "ANTI_TRUNCATION_KEEPALIVE_INTERVAL_SECONDS")
	floatVar(&cfg.AntiTruncation.UpstreamIdleTimeoutSeconds, "ANTI_TRUNCATION_UPSTREAM_IDLE_TIMEOUT_SECONDS")

	boolVar(&cfg.TrustedProxy.TrustProxyHeaders, "TRUST_PROXY_HEADERS")
	if v := os.Getenv("TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxy.TrustedCIDRs = splitCSV(v)
	}

	intVar(&cfg.HTTP.ConnectTimeoutSeconds, "UPSTREAM_CONNECT_TIMEOUT_SECONDS")
	intVar(&cfg.HTTP.ReadTimeoutSeconds, "UPSTREAM_TIMEOUT_SECONDS")
	intVar(&cfg.HTTP.MaxBodySizeMB, "MAX_BODY_SIZE_MB")
}

func strVar(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func intVar(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func floatVar(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func boolVar(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.EqualFold(v, "true")
	}
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
