package edge

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jbctechsolutions/sr-antiproxy/config"
)

func testServer(upstreamURL string) *Server {
	cfg := config.Default()
	cfg.Upstreams.OpenAIBaseURL = upstreamURL
	cfg.Upstreams.ClaudeBaseURL = upstreamURL
	cfg.Upstreams.GeminiBaseURL = upstreamURL
	cfg.AntiTruncation.KeepaliveIntervalSeconds = 0
	cfg.AntiTruncation.UpstreamIdleTimeoutSeconds = 0
	cfg.HTTP.ConnectTimeoutSeconds = 2

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewServer(cfg, logger, nil)
}

func TestHandleHealth(t *testing.T) {
	s := testServer("http://unused")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if payload["status"] != "ok" {
		t.Errorf("expected status ok, got %v", payload["status"])
	}
}

func TestHandleOpenAINonStreamingPassesThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.Copy(w, r.Body)
	}))
	defer upstream.Close()

	s := testServer(upstream.URL)
	body := strings.NewReader(`{"model":"gpt-4","stream":false,"messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"model":"gpt-4"`) {
		t.Errorf("expected the original body echoed back, got %s", rec.Body.String())
	}
}

func TestHandleOpenAIStreamingActivatesAntiTruncation(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var decoded map[string]interface{}
		json.NewDecoder(r.Body).Decode(&decoded)
		if decoded["model"] != "gpt-4" {
			t.Errorf("expected the antitrunc/ prefix stripped, got model=%v", decoded["model"])
		}

		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"choices":[{"delta":{"content":"hi[done]"}}]}`+"\n\n")
		flusher.Flush()
		io.WriteString(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer upstream.Close()

	s := testServer(upstream.URL)
	body := strings.NewReader(`{"model":"antitrunc/gpt-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.Routes().ServeHTTP(rec, req)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("request did not complete in time")
	}

	if rec.Header().Get("X-Anti-Truncation") != "enabled" {
		t.Error("expected X-Anti-Truncation: enabled header")
	}
	if !strings.Contains(rec.Body.String(), "hi") {
		t.Errorf("expected streamed text in body, got %s", rec.Body.String())
	}
}
