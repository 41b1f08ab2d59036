package edge

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jbctechsolutions/sr-antiproxy/antitrunc"
	"github.com/jbctechsolutions/sr-antiproxy/config"
	"github.com/jbctechsolutions/sr-antiproxy/dialect"
	"github.com/jbctechsolutions/sr-antiproxy/upstream"
)

// AttemptRecorder is satisfied by telemetry.Collector; kept as an
// interface here so edge does not import telemetry directly.
type AttemptRecorder interface {
	RecordAttempt(requestID, dialectName string, attempt int, doneMarkerFound bool, collectedChars int)
}

// Server is the HTTP-facing entry point. It decides activation, builds
// upstream headers, and drives the anti-truncation engine for each of the
// three supported dialects.
type Server struct {
	Config    *config.Config
	Registry  *dialect.Registry
	Client    *upstream.Client
	Logger    *logrus.Logger
	Telemetry AttemptRecorder
}

// NewServer builds a Server from cfg.
func NewServer(cfg *config.Config, logger *logrus.Logger, telemetry AttemptRecorder) *Server {
	return &Server{
		Config:    cfg,
		Registry:  dialect.NewRegistry(),
		Client:    upstream.NewClient(cfg.HTTP.ConnectTimeout()),
		Logger:    logger,
		Telemetry: telemetry,
	}
}

// Routes registers every externally-facing endpoint on mux using an
// http.NewServeMux + per-route handler method convention.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", s.handleOpenAI)
	mux.HandleFunc("/v1/messages", s.handleClaude)
	mux.HandleFunc("/v1/models/", s.handleGemini)
	mux.HandleFunc("/v1beta/models/", s.handleGemini)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			s.handleHealth(w, r)
			return
		}
		http.NotFound(w, r)
	})
	return loggingMiddleware(s.Logger, mux)
}

func loggingMiddleware(logger *logrus.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"remote": r.RemoteAddr,
		}).Info("request received")
		next.ServeHTTP(w, r)
	})
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

func (s *Server) sendInvalidJSON(w http.ResponseWriter, reqID string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":      "invalid_request",
		"message":    fmt.Sprintf("could not parse JSON body: %v", err),
		"request_id": reqID,
	})
}

func readJSONBody(r *http.Request, maxBodyMB int) (dialect.Body, error) {
	limited := io.LimitReader(r.Body, int64(maxBodyMB)*1024*1024)
	var body dialect.Body
	if err := json.NewDecoder(limited).Decode(&body); err != nil {
		return nil, err
	}
	return body, nil
}

func isStreaming(body dialect.Body) bool {
	v, ok := body["stream"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func modelOf(body dialect.Body) string {
	v, _ := body["model"].(string)
	return v
}

// streamHeaders sets the response headers required for every activated
// streaming response.
func streamHeaders(w http.ResponseWriter, reqID string) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("X-Request-Id", reqID)
	h.Set("X-Anti-Truncation", "enabled")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
}

func (s *Server) runEngine(w http.ResponseWriter, r *http.Request, reqID string, d dialect.Dialect, method, url string, headers http.Header, body dialect.Body) {
	streamHeaders(w, reqID)
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)

	log := s.Logger.WithFields(logrus.Fields{"request_id": reqID, "dialect": d.Name()})

	eng := &antitrunc.Engine{
		Dialect:   d,
		Upstream:  s.Client,
		Method:    method,
		URL:       url,
		Headers:   headers,
		Body:      d.InjectCompletionInstruction(body, s.Config.AntiTruncation.DoneMarker),
		RequestID: reqID,
		Logger:    log,
		Config: antitrunc.Config{
			MaxAttempts:       s.Config.AntiTruncation.MaxAttempts,
			DoneMarker:        s.Config.AntiTruncation.DoneMarker,
			KeepaliveInterval: s.Config.AntiTruncation.KeepaliveInterval(),
			IdleTimeout:       s.Config.AntiTruncation.UpstreamIdleTimeout(),
		},
	}
	if s.Telemetry != nil {
		eng.OnAttempt = func(attempt int, found bool, chars int) {
			s.Telemetry.RecordAttempt(reqID, d.Name(), attempt, found, chars)
		}
	}

	if err := eng.Run(r.Context(), w, flusher.Flush); err != nil {
		log.WithError(err).Warn("stream ended due to client disconnect or cancellation")
	}
}

// simpleProxy handles requests where anti-truncation does not apply
// (non-streaming, or streaming without activation): the body is
// forwarded unmodified and the upstream response relayed byte for byte.
func (s *Server) simpleProxy(w http.ResponseWriter, r *http.Request, method, url string, headers http.Header, body dialect.Body, streaming bool) {
	payload, err := json.Marshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if streaming {
		stream, err := s.Client.StreamRequest(r.Context(), method, url, headers, payload)
		if err != nil {
			s.relayUpstreamError(w, err)
			return
		}
		defer stream.Close()
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for {
			record, err := stream.Next()
			if len(record) > 0 {
				w.Write(record)
				if flusher != nil {
					flusher.Flush()
				}
			}
			if err != nil {
				return
			}
		}
	}

	respBody, status, respHeaders, err := s.Client.Request(r.Context(), method, url, headers, payload, s.Config.HTTP.ReadTimeout())
	if err != nil {
		s.relayUpstreamError(w, err)
		return
	}
	for k, vs := range respHeaders {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(status)
	w.Write(respBody)
}

func (s *Server) relayUpstreamError(w http.ResponseWriter, err error) {
	if statusErr, ok := err.(*upstream.StatusError); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusErr.StatusCode)
		w.Write(statusErr.Body)
		return
	}
	http.Error(w, err.Error(), http.StatusBadGateway)
}

func (s *Server) handleOpenAI(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	body, err := readJSONBody(r, s.Config.HTTP.MaxBodySizeMB)
	if err != nil {
		s.sendInvalidJSON(w, reqID, err)
		return
	}

	streaming := isStreaming(body)
	d, _ := s.Registry.Get(dialect.OpenAIName)
	originalModel := modelOf(body)
	activated := ShouldActivate(r, originalModel, s.Config.AntiTruncation.ModelPrefix, streaming)

	if activated {
		if stripped, ok := StripModelPrefix(originalModel, s.Config.AntiTruncation.ModelPrefix); ok {
			body["model"] = stripped
		}
	}

	headers := BuildUpstreamHeaders(r, upstream.ExtractHost(s.Config.Upstreams.OpenAIBaseURL), s.Config.TrustedProxy.TrustProxyHeaders, s.Config.TrustedProxy.TrustedCIDRs)
	headers.Set("Content-Type", "application/json")
	url := upstream.BuildURL(s.Config.Upstreams.OpenAIBaseURL, "/v1/chat/completions")
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}

	if streaming && activated {
		s.runEngine(w, r, reqID, d, http.MethodPost, url, headers, body)
		return
	}
	if !streaming && ShouldActivate(r, originalModel, s.Config.AntiTruncation.ModelPrefix, true) {
		w.Header().Set("X-Anti-Truncation-Ignored", "non-streaming")
	}
	s.simpleProxy(w, r, http.MethodPost, url, headers, body, streaming)
}

func (s *Server) handleClaude(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	body, err := readJSONBody(r, s.Config.HTTP.MaxBodySizeMB)
	if err != nil {
		s.sendInvalidJSON(w, reqID, err)
		return
	}

	streaming := isStreaming(body)
	d, _ := s.Registry.Get(dialect.ClaudeName)
	originalModel := modelOf(body)
	activated := ShouldActivate(r, originalModel, s.Config.AntiTruncation.ModelPrefix, streaming)

	if activated {
		if stripped, ok := StripModelPrefix(originalModel, s.Config.AntiTruncation.ModelPrefix); ok {
			body["model"] = stripped
		}
	}

	headers := BuildUpstreamHeaders(r, upstream.ExtractHost(s.Config.Upstreams.ClaudeBaseURL), s.Config.TrustedProxy.TrustProxyHeaders, s.Config.TrustedProxy.TrustedCIDRs)
	headers.Set("Content-Type", "application/json")
	url := upstream.BuildURL(s.Config.Upstreams.ClaudeBaseURL, "/v1/messages")
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}

	if streaming && activated {
		s.runEngine(w, r, reqID, d, http.MethodPost, url, headers, body)
		return
	}
	if !streaming && ShouldActivate(r, originalModel, s.Config.AntiTruncation.ModelPrefix, true) {
		w.Header().Set("X-Anti-Truncation-Ignored", "non-streaming")
	}
	s.simpleProxy(w, r, http.MethodPost, url, headers, body, streaming)
}

// handleGemini serves both /v1/models/{model}:{action} and
// /v1beta/models/{model}:{action}, where action is generateContent or
// streamGenerateContent — Gemini encodes both the model and the
// streaming decision in the path rather than the body.
func (s *Server) handleGemini(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)

	isBeta := strings.HasPrefix(r.URL.Path, "/v1beta/")
	model, action, err := parseGeminiPath(r.URL.Path)
	if err != nil {
		s.sendInvalidJSON(w, reqID, err)
		return
	}
	streaming := action == "streamGenerateContent"

	body, err := readJSONBody(r, s.Config.HTTP.MaxBodySizeMB)
	if err != nil {
		s.sendInvalidJSON(w, reqID, err)
		return
	}

	d, _ := s.Registry.Get(dialect.GeminiName)
	activated := ShouldActivate(r, model, s.Config.AntiTruncation.ModelPrefix, streaming)

	if activated {
		model, _ = StripModelPrefix(model, s.Config.AntiTruncation.ModelPrefix)
	}

	version := "v1"
	if isBeta {
		version = "v1beta"
	}
	path := fmt.Sprintf("/%s/models/%s:%s", version, model, action)

	headers := BuildUpstreamHeaders(r, upstream.ExtractHost(s.Config.Upstreams.GeminiBaseURL), s.Config.TrustedProxy.TrustProxyHeaders, s.Config.TrustedProxy.TrustedCIDRs)
	headers.Set("Content-Type", "application/json")
	url := upstream.BuildURL(s.Config.Upstreams.GeminiBaseURL, path)
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}

	if streaming && activated {
		s.runEngine(w, r, reqID, d, http.MethodPost, url, headers, body)
		return
	}
	if !streaming && ShouldActivate(r, model, s.Config.AntiTruncation.ModelPrefix, true) {
		w.Header().Set("X-Anti-Truncation-Ignored", "non-streaming")
	}
	s.simpleProxy(w, r, http.MethodPost, url, headers, body, streaming)
}

func parseGeminiPath(path string) (model string, action string, err error) {
	// path is "/v1/models/{model}:{action}" or "/v1beta/models/{model}:{action}"
	idx := strings.Index(path, "/models/")
	if idx < 0 {
		return "", "", fmt.Errorf("edge: unrecognized gemini path %q", path)
	}
	rest := path[idx+len("/models/"):]
	colon := strings.LastIndex(rest, ":")
	if colon < 0 {
		return "", "", fmt.Errorf("edge: gemini path missing action %q", path)
	}
	return rest[:colon], rest[colon+1:], nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"service":  "sr-antiproxy",
		"features": []string{"openai", "gemini", "claude", "anti-truncation"},
	})
}
