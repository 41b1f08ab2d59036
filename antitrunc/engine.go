// Package antitrunc implements the anti-truncation engine: the attempt
// loop that detects premature upstream stream truncation and transparently
// continues it so the downstream client sees one logically complete SSE
// stream.
//
// A single in-flight next-chunk read is raced against a keepalive timer;
// the timer either emits a keepalive comment downstream or, once the
// stream has gone quiet for too long, abandons the attempt and retries.
package antitrunc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/jbctechsolutions/sr-antiproxy/dialect"
	"github.com/jbctechsolutions/sr-antiproxy/upstream"
)

// retryableUpstreamStatusCodes are the upstream statuses worth another
// attempt; anything else is surfaced to the client as an in-band SSE
// error event carrying the status code.
var retryableUpstreamStatusCodes = map[int]bool{
	http.StatusRequestTimeout:       true, // 408
	425:                             true, // Too Early
	http.StatusTooManyRequests:      true, // 429
	http.StatusInternalServerError:  true, // 500
	http.StatusBadGateway:           true, // 502
	http.StatusServiceUnavailable:   true, // 503
	http.StatusGatewayTimeout:       true, // 504
}

// AttemptRecorder observes each completed attempt, for telemetry.
type AttemptRecorder func(attempt int, doneMarkerFound bool, collectedChars int)

// Config holds the per-request tuning knobs the engine needs. These
// mirror config.AntiTruncation, copied in rather than referenced so the
// engine package has no dependency on config.
type Config struct {
	MaxAttempts       int
	DoneMarker        string
	KeepaliveInterval time.Duration
	IdleTimeout       time.Duration
}

// Engine runs the attempt loop for one request.
type Engine struct {
	Dialect   dialect.Dialect
	Upstream  *upstream.Client
	Method    string
	URL       string
	Headers   http.Header
	Body      dialect.Body
	Config    Config
	RequestID string
	Logger    *logrus.Entry
	OnAttempt AttemptRecorder

	collectedText   string
	doneMarkerTail  string
	doneMarkerFound bool
	attempt         int
}

type chunkResult struct {
	record []byte
	err    error
}

// errIdleTimeoutRetry marks an attempt cut short by the idle timeout,
// unwinding to the attempt loop so the next attempt starts.
var errIdleTimeoutRetry = errors.New("antitrunc: upstream idle timeout, retrying")

// Run drives the attempt loop, writing SSE records to w and flushing
// after each write. It returns nil when the stream concluded normally
// (marker found, attempts exhausted, or a terminal error already
// surfaced in-band to the client) and a non-nil error only when ctx was
// cancelled — the caller must not write anything further in that case.
func (e *Engine) Run(ctx context.Context, w io.Writer, flush func()) error {
	emit := func(b []byte) {
		w.Write(b)
		flush()
	}

	for e.attempt < e.Config.MaxAttempts && !e.doneMarkerFound {
		e.attempt++
		log := e.Logger.WithField("attempt", e.attempt)
		log.Info("anti-truncation attempt starting")

		body := e.Body
		if e.attempt > 1 {
			prompt := continuationPrompt(e.collectedText, e.attempt, e.Config.DoneMarker)
			body = e.Dialect.InjectContinuation(e.Body, e.collectedText, prompt)
		}

		outcome, err := e.runAttempt(ctx, emit, body, log)

		switch outcome {
		case outcomeDoneMarkerFound:
			if e.OnAttempt != nil {
				e.OnAttempt(e.attempt, true, utf8.RuneCountInString(e.collectedText))
			}
			if e.Dialect.Name() == dialect.OpenAIName {
				emit([]byte("data: [DONE]\n\n"))
			}
			log.Info("anti-truncation complete")
			return nil

		case outcomeExhausted:
			if e.OnAttempt != nil {
				e.OnAttempt(e.attempt, false, utf8.RuneCountInString(e.collectedText))
			}
			log.Warn("max attempts reached without detecting the done marker")
			emit([]byte(": X-Anti-Truncation-Max-Attempts-Reached\n\n"))
			if e.Dialect.Name() == dialect.OpenAIName {
				emit([]byte("data: [DONE]\n\n"))
			}
			return nil

		case outcomeContinue:
			if e.OnAttempt != nil {
				e.OnAttempt(e.attempt, false, utf8.RuneCountInString(e.collectedText))
			}
			log.Info("done marker not detected, preparing continuation")
			continue

		case outcomeClientGone:
			return ctx.Err()

		case outcomeNonRetryableStatus, outcomeNonRetryableRequest, outcomeGenericError:
			e.emitErrorEvent(emit, outcome, err)
			return nil
		}
	}

	e.Logger.Debug("anti-truncation processing finished")
	return nil
}

type attemptOutcome int

const (
	outcomeDoneMarkerFound attemptOutcome = iota
	outcomeExhausted
	outcomeContinue
	outcomeClientGone
	outcomeNonRetryableStatus
	outcomeNonRetryableRequest
	outcomeGenericError
)

// runAttempt executes a single upstream connection attempt, streaming
// records to emit until the connection ends, the done marker is found,
// the client disconnects, or an idle timeout fires.
func (e *Engine) runAttempt(ctx context.Context, emit func([]byte), body dialect.Body, log *logrus.Entry) (attemptOutcome, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return outcomeGenericError, err
	}

	stream, err := e.Upstream.StreamRequest(ctx, e.Method, e.URL, e.Headers, payload)
	if err != nil {
		if ctx.Err() != nil {
			return outcomeClientGone, ctx.Err()
		}
		return e.classifyOpenError(err, log)
	}
	defer stream.Close()

	chunkCount := 0
	lastChunkAt := time.Now()

	var resultCh chan chunkResult
	pending := false

	for {
		if ctx.Err() != nil {
			return outcomeClientGone, ctx.Err()
		}

		if !pending {
			resultCh = make(chan chunkResult, 1)
			pending = true
			go func(s *upstream.Stream, ch chan chunkResult) {
				rec, err := s.Next()
				ch <- chunkResult{record: rec, err: err}
			}(stream, resultCh)
		}

		// Poll at the keepalive cadence; with keepalive disabled the
		// idle timeout itself paces the poll so a stall is still caught.
		poll := e.Config.KeepaliveInterval
		if poll <= 0 {
			poll = e.Config.IdleTimeout
		}
		var timerCh <-chan time.Time
		var timer *time.Timer
		if poll > 0 {
			timer = time.NewTimer(poll)
			timerCh = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return outcomeClientGone, ctx.Err()

		case res := <-resultCh:
			pending = false
			if timer != nil {
				timer.Stop()
			}

			if res.err != nil {
				if res.err == io.EOF {
					return e.finishAttempt(chunkCount, log)
				}
				if ctx.Err() != nil {
					return outcomeClientGone, ctx.Err()
				}
				return e.classifyMidStreamError(res.err, log)
			}

			chunk := res.record
			lastChunkAt = time.Now()

			if e.Dialect.Name() == dialect.OpenAIName && e.Dialect.IsDoneSentinel(chunk) {
				return e.finishAttempt(chunkCount, log)
			}

			chunkCount++
			text, ok := e.Dialect.ParseChunk(chunk)
			if ok {
				e.collectedText += text
				if e.updateDoneMarkerState(text) {
					log.Info("done marker detected")
				}
			}

			cleaned := e.Dialect.StripMarker(chunk, e.Config.DoneMarker)
			emit(cleaned)

			if e.doneMarkerFound {
				return outcomeDoneMarkerFound, nil
			}

		case <-timerCh:
			if e.Config.KeepaliveInterval > 0 {
				emit([]byte(": keepalive\n\n"))
			}

			if chunkCount > 0 &&
				e.Config.IdleTimeout > 0 &&
				time.Since(lastChunkAt) >= e.Config.IdleTimeout &&
				!e.doneMarkerFound {
				if e.attempt >= e.Config.MaxAttempts {
					log.Warnf("upstream idle for %s on the final attempt, giving up", e.Config.IdleTimeout)
					return outcomeExhausted, nil
				}
				log.Warnf("upstream idle for %s, retrying", e.Config.IdleTimeout)
				return outcomeContinue, errIdleTimeoutRetry
			}
		}
	}
}

// finishAttempt is reached when the upstream connection ends (EOF or a
// suppressed OpenAI [DONE] sentinel) without the done marker having been
// found mid-stream. It decides whether this was the final permitted
// attempt.
func (e *Engine) finishAttempt(chunkCount int, log *logrus.Entry) (attemptOutcome, error) {
	if e.doneMarkerFound {
		return outcomeDoneMarkerFound, nil
	}
	log.Debugf("attempt ended after %d chunks without the done marker", chunkCount)
	if e.attempt >= e.Config.MaxAttempts {
		return outcomeExhausted, nil
	}
	return outcomeContinue, nil
}

func (e *Engine) classifyOpenError(err error, log *logrus.Entry) (attemptOutcome, error) {
	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) {
		if retryableUpstreamStatusCodes[statusErr.StatusCode] && e.attempt < e.Config.MaxAttempts && !e.doneMarkerFound {
			log.Warnf("upstream returned %d, retrying", statusErr.StatusCode)
			return outcomeContinue, nil
		}
		log.Errorf("upstream returned %d, no retries remaining", statusErr.StatusCode)
		return outcomeNonRetryableStatus, statusErr
	}

	var reqErr *upstream.RequestError
	if errors.As(err, &reqErr) {
		if e.attempt < e.Config.MaxAttempts && !e.doneMarkerFound {
			log.Warnf("upstream request error, retrying: %v", reqErr)
			return outcomeContinue, nil
		}
		log.Errorf("upstream request error, no retries remaining: %v", reqErr)
		return outcomeNonRetryableRequest, reqErr
	}

	log.Errorf("unclassified streaming error: %v", err)
	return outcomeGenericError, err
}

func (e *Engine) classifyMidStreamError(err error, log *logrus.Entry) (attemptOutcome, error) {
	if e.attempt < e.Config.MaxAttempts && !e.doneMarkerFound {
		log.Warnf("transport error mid-stream, retrying: %v", err)
		return outcomeContinue, nil
	}
	log.Errorf("transport error mid-stream, no retries remaining: %v", err)
	return outcomeNonRetryableRequest, &upstream.RequestError{Err: err}
}

func (e *Engine) emitErrorEvent(emit func([]byte), outcome attemptOutcome, err error) {
	kind := "streaming_error"
	switch outcome {
	case outcomeNonRetryableStatus:
		kind = "upstream_error"
	case outcomeNonRetryableRequest:
		kind = "upstream_request_error"
	}

	event := map[string]interface{}{
		"error":      kind,
		"message":    err.Error(),
		"attempt":    e.attempt,
		"request_id": e.RequestID,
	}
	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) {
		event["status_code"] = statusErr.StatusCode
	}

	data, marshalErr := json.Marshal(event)
	if marshalErr != nil {
		data = []byte(fmt.Sprintf(`{"error":%q,"attempt":%d,"request_id":%q}`, kind, e.attempt, e.RequestID))
	}
	emit([]byte("data: " + string(data) + "\n\n"))
	if e.Dialect.Name() == dialect.OpenAIName {
		emit([]byte("data: [DONE]\n\n"))
	}
}

// updateDoneMarkerState runs cross-chunk tail-buffer detection: the
// marker may be split across two delta chunks, so a bounded suffix of
// previously-seen text is kept and prefixed onto each new delta before
// testing for containment.
func (e *Engine) updateDoneMarkerState(deltaText string) bool {
	if deltaText == "" {
		return false
	}
	combined := e.doneMarkerTail + deltaText
	marker := e.Config.DoneMarker
	if containsMarker(combined, marker) {
		e.doneMarkerFound = true
		return true
	}
	keep := len(marker) - 1
	if keep <= 0 {
		e.doneMarkerTail = ""
		return false
	}
	if len(combined) > keep {
		e.doneMarkerTail = combined[len(combined)-keep:]
	} else {
		e.doneMarkerTail = combined
	}
	return false
}

func containsMarker(haystack, marker string) bool {
	if marker == "" {
		return false
	}
	for i := 0; i+len(marker) <= len(haystack); i++ {
		if haystack[i:i+len(marker)] == marker {
			return true
		}
	}
	return false
}

// continuationPrompt builds the instruction asking the model to resume
// from where it left off. It restates the last 100 characters of output
// already collected so the model has local context to avoid repeating
// itself.
func continuationPrompt(collected string, attempt int, marker string) string {
	runes := []rune(collected)
	tail := collected
	if len(runes) > 100 {
		tail = string(runes[len(runes)-100:])
	}
	return fmt.Sprintf(
		"Continue exactly from where your answer was cut off, without repeating anything you already said. "+
			"You have written %d characters so far, ending with:\n%s\n\n"+
			"Once you are finished, output %s alone on its own final line, with no other characters.",
		len(runes), tail, marker,
	)
}
