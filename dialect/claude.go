package dialect

import (
	"encoding/json"
	"strings"
)

type claudeDialect struct{}

// NewClaude returns the Claude Messages API dialect: two-line "event: " /
// "data: " SSE records. Only content_block_delta events carry text; the
// message_stop/done terminator is forwarded to the client exactly as
// received, not suppressed or resynthesized the way OpenAI's [DONE] is.
func NewClaude() Dialect { return claudeDialect{} }

func (claudeDialect) Name() string { return ClaudeName }

// IsDoneSentinel always returns false: Claude has no synthetic terminator
// the engine must suppress and reinsert. Its terminal event is forwarded
// like any other record.
func (claudeDialect) IsDoneSentinel([]byte) bool { return false }

func claudeEventAndData(record []byte) (event string, data string) {
	for _, line := range strings.Split(strings.TrimSpace(string(record)), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimSpace(line[len("event: "):])
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimSpace(line[len("data: "):])
		}
	}
	return event, data
}

func (claudeDialect) ParseChunk(record []byte) (string, bool) {
	text := strings.TrimSpace(string(record))
	if text == "" || strings.HasPrefix(text, ":") {
		return "", false
	}
	if strings.Contains(text, "event: message_stop") || strings.Contains(text, "event: done") {
		return "", false
	}

	event, data := claudeEventAndData(record)
	if event != "content_block_delta" || data == "" {
		return "", false
	}

	var payload struct {
		Delta struct {
			Text string `json:"text"`
		} `json:"delta"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return "", false
	}
	if payload.Delta.Text == "" {
		return "", false
	}
	return payload.Delta.Text, true
}

func (claudeDialect) StripMarker(record []byte, marker string) []byte {
	text := string(record)
	if !strings.Contains(text, marker) {
		return record
	}

	lines := strings.Split(strings.TrimSpace(text), "\n")
	event := ""
	dataIdx := -1
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "event: "):
			event = strings.TrimSpace(trimmed[len("event: "):])
		case strings.HasPrefix(trimmed, "data: "):
			dataIdx = i
		}
	}
	if event != "content_block_delta" || dataIdx < 0 {
		return record
	}

	dataJSON := strings.TrimSpace(lines[dataIdx][len("data: "):])
	var data map[string]json.RawMessage
	if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
		return record
	}
	rawDelta, ok := data["delta"]
	if !ok {
		return record
	}
	var delta map[string]json.RawMessage
	if err := json.Unmarshal(rawDelta, &delta); err != nil {
		return record
	}
	rawText, ok := delta["text"]
	if !ok {
		return record
	}
	var t string
	if err := json.Unmarshal(rawText, &t); err != nil {
		return record
	}
	if !strings.Contains(t, marker) {
		return record
	}
	t = strings.ReplaceAll(t, marker, "")
	newText, _ := json.Marshal(t)
	delta["text"] = newText
	newDelta, _ := json.Marshal(delta)
	data["delta"] = newDelta
	newJSON, err := json.Marshal(data)
	if err != nil {
		return record
	}
	lines[dataIdx] = "data: " + string(newJSON)
	return []byte(strings.Join(lines, "\n") + "\n\n")
}

func (claudeDialect) InjectCompletionInstruction(body Body, marker string) Body {
	out := deepCopyBody(body)
	instruction := completionInstruction(marker)

	existing, ok := out["system"]
	switch v := existing.(type) {
	case string:
		if v != "" {
			out["system"] = instruction + "\n\n" + v
		} else {
			out["system"] = instruction
		}
	case []interface{}:
		block := map[string]interface{}{"type": "text", "text": instruction}
		out["system"] = append([]interface{}{block}, v...)
	default:
		if !ok {
			out["system"] = instruction
		}
	}
	return out
}

func (claudeDialect) InjectContinuation(body Body, collected string, prompt string) Body {
	out := deepCopyBody(body)
	messages := asSlice(out, "messages")
	messages = append(messages,
		map[string]interface{}{"role": "assistant", "content": collected},
		map[string]interface{}{"role": "user", "content": prompt},
	)
	out["messages"] = messages
	return out
}
