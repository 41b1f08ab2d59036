package config

import (
	"os"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.Upstreams.OpenAIBaseURL == "" {
		t.Error("expected a default OpenAI base URL")
	}
	if cfg.AntiTruncation.MaxAttempts != 3 {
		t.Errorf("expected default max attempts 3, got %d", cfg.AntiTruncation.MaxAttempts)
	}
	if cfg.AntiTruncation.DoneMarker != "[done]" {
		t.Errorf("expected default done marker [done], got %q", cfg.AntiTruncation.DoneMarker)
	}
	if !cfg.TrustedProxy.TrustProxyHeaders {
		t.Error("expected trust_proxy_headers to default true")
	}
	if len(cfg.TrustedProxy.TrustedCIDRs) == 0 {
		t.Error("expected default trusted CIDRs to be non-empty")
	}
}

func TestLoadWithMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("Load with missing file should not error, got %v", err)
	}
	if cfg.AntiTruncation.MaxAttempts != 3 {
		t.Errorf("expected defaults to apply when file is missing, got %d", cfg.AntiTruncation.MaxAttempts)
	}
}

func TestLoadWithYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	content := `
upstreams:
  openai_base_url: https://example.internal
anti_truncation:
  max_attempts: 5
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Upstreams.OpenAIBaseURL != "https://example.internal" {
		t.Errorf("expected YAML override for OpenAIBaseURL, got %q", cfg.Upstreams.OpenAIBaseURL)
	}
	if cfg.AntiTruncation.MaxAttempts != 5 {
		t.Errorf("expected YAML override for MaxAttempts, got %d", cfg.AntiTruncation.MaxAttempts)
	}
	if cfg.Upstreams.ClaudeBaseURL == "" {
		t.Error("expected unset fields to keep their defaults")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ANTI_TRUNCATION_MAX_ATTEMPTS", "7")
	t.Setenv("ANTI_TRUNCATION_DONE_MARKER", "[complete]")
	t.Setenv("TRUST_PROXY_HEADERS", "false")
	t.Setenv("TRUSTED_PROXY_CIDRS", "10.1.0.0/16, 10.2.0.0/16")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.AntiTruncation.MaxAttempts != 7 {
		t.Errorf("expected env override MaxAttempts=7, got %d", cfg.AntiTruncation.MaxAttempts)
	}
	if cfg.AntiTruncation.DoneMarker != "[complete]" {
		t.Errorf("expected env override DoneMarker, got %q", cfg.AntiTruncation.DoneMarker)
	}
	if cfg.TrustedProxy.TrustProxyHeaders {
		t.Error("expected env override to disable trust_proxy_headers")
	}
	if len(cfg.TrustedProxy.TrustedCIDRs) != 2 || cfg.TrustedProxy.TrustedCIDRs[0] != "10.1.0.0/16" {
		t.Errorf("expected parsed CIDR list from env, got %v", cfg.TrustedProxy.TrustedCIDRs)
	}
}

func TestKeepaliveAndIdleTimeoutDurations(t *testing.T) {
	a := AntiTruncation{KeepaliveIntervalSeconds: 15, UpstreamIdleTimeoutSeconds: 0}
	if a.KeepaliveInterval().Seconds() != 15 {
		t.Errorf("expected 15s keepalive interval, got %v", a.KeepaliveInterval())
	}
	if a.UpstreamIdleTimeout() != 0 {
		t.Errorf("expected zero idle timeout to disable the feature, got %v", a.UpstreamIdleTimeout())
	}
}
