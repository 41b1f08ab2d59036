package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/jbctechsolutions/sr-antiproxy/config"
	"github.com/jbctechsolutions/sr-antiproxy/telemetry"
)

// makeRequest builds a CallToolRequest with the given string arguments.
func makeRequest(args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Arguments: args,
		},
	}
}

func TestHandleConfigSummary(t *testing.T) {
	cfg := config.Default()
	srv := NewServer(cfg, nil)

	result, err := srv.handleConfigSummary(context.Background(), makeRequest(nil))
	if err != nil {
		t.Fatalf("handleConfigSummary returned error: %v", err)
	}
	if result.IsError {
		t.Fatalf("handleConfigSummary returned tool error: %+v", result.Content)
	}

	var summary configSummaryResult
	text := result.Content[0].(mcpgo.TextContent).Text
	if err := json.Unmarshal([]byte(text), &summary); err != nil {
		t.Fatalf("failed to unmarshal config summary: %v", err)
	}

	if summary.ModelPrefix != cfg.AntiTruncation.ModelPrefix {
		t.Errorf("expected model_prefix %q, got %q", cfg.AntiTruncation.ModelPrefix, summary.ModelPrefix)
	}
	if summary.MaxAttempts != cfg.AntiTruncation.MaxAttempts {
		t.Errorf("expected max_attempts %d, got %d", cfg.AntiTruncation.MaxAttempts, summary.MaxAttempts)
	}
	if summary.Upstreams.OpenAIBaseURL != cfg.Upstreams.OpenAIBaseURL {
		t.Errorf("expected openai base url %q, got %q", cfg.Upstreams.OpenAIBaseURL, summary.Upstreams.OpenAIBaseURL)
	}
}

func TestHandleRecentAttemptsNilTelemetry(t *testing.T) {
	srv := NewServer(config.Default(), nil)

	result, err := srv.handleRecentAttempts(context.Background(), makeRequest(nil))
	if err != nil {
		t.Fatalf("handleRecentAttempts returned Go error: %v", err)
	}
	if !result.IsError {
		t.Error("expected tool error when telemetry collector is nil")
	}
}

func TestHandleRecentAttemptsWithTelemetry(t *testing.T) {
	tel, err := telemetry.NewCollector(":memory:")
	if err != nil {
		t.Fatalf("failed to create telemetry collector: %v", err)
	}
	defer tel.Close()

	tel.RecordAttempt("req-1", "openai", 1, false, 20)
	tel.RecordAttempt("req-1", "openai", 2, true, 80)

	srv := NewServer(config.Default(), tel)

	result, toolErr := srv.handleRecentAttempts(context.Background(), makeRequest(map[string]any{}))
	if toolErr != nil {
		t.Fatalf("handleRecentAttempts returned error: %v", toolErr)
	}
	if result.IsError {
		t.Fatalf("handleRecentAttempts returned tool error: %+v", result.Content)
	}

	var attempts []telemetry.AttemptEvent
	text := result.Content[0].(mcpgo.TextContent).Text
	if err := json.Unmarshal([]byte(text), &attempts); err != nil {
		t.Fatalf("failed to unmarshal attempts: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	if attempts[0].Attempt != 2 {
		t.Errorf("expected the most recent attempt first, got attempt=%d", attempts[0].Attempt)
	}
}

func TestHandleRecentAttemptsRespectsLimit(t *testing.T) {
	tel, err := telemetry.NewCollector(":memory:")
	if err != nil {
		t.Fatalf("failed to create telemetry collector: %v", err)
	}
	defer tel.Close()

	for i := 1; i <= 5; i++ {
		tel.RecordAttempt("req-a", "gemini", i, i == 5, i*10)
	}

	srv := NewServer(config.Default(), tel)

	result, toolErr := srv.handleRecentAttempts(context.Background(), makeRequest(map[string]any{
		"limit": "2",
	}))
	if toolErr != nil {
		t.Fatalf("handleRecentAttempts returned error: %v", toolErr)
	}

	var attempts []telemetry.AttemptEvent
	text := result.Content[0].(mcpgo.TextContent).Text
	if err := json.Unmarshal([]byte(text), &attempts); err != nil {
		t.Fatalf("failed to unmarshal attempts: %v", err)
	}
	if len(attempts) != 2 {
		t.Errorf("expected the limit to be honored, got %d rows", len(attempts))
	}
}
