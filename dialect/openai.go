package dialect

import (
	"bytes"
	"encoding/json"
	"strings"
)

type openAIDialect struct{}

// NewOpenAI returns the OpenAI chat-completions dialect: SSE "data: "
// records carrying choices[].delta.content, terminated by a literal
// "data: [DONE]" sentinel record.
func NewOpenAI() Dialect { return openAIDialect{} }

func (openAIDialect) Name() string { return OpenAIName }

func (openAIDialect) IsDoneSentinel(record []byte) bool {
	return bytes.Contains(record, []byte("data: [DONE]"))
}

func (d openAIDialect) ParseChunk(record []byte) (string, bool) {
	text := strings.TrimSpace(string(record))
	if text == "" || strings.HasPrefix(text, ":") {
		return "", false
	}
	if d.IsDoneSentinel(record) {
		return "", false
	}
	if !strings.HasPrefix(text, "data: ") {
		return "", false
	}
	jsonStr := strings.TrimSpace(text[len("data: "):])
	if jsonStr == "" {
		return "", false
	}
	var payload struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &payload); err != nil {
		return "", false
	}
	for _, choice := range payload.Choices {
		if choice.Delta.Content != "" {
			return choice.Delta.Content, true
		}
	}
	return "", false
}

func (openAIDialect) StripMarker(record []byte, marker string) []byte {
	text := string(record)
	if !strings.Contains(text, marker) {
		return record
	}
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "data: ") {
		return record
	}
	jsonStr := strings.TrimSpace(trimmed[len("data: "):])

	var data map[string]json.RawMessage
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		return record
	}
	rawChoices, ok := data["choices"]
	if !ok {
		return record
	}
	var choices []map[string]json.RawMessage
	if err := json.Unmarshal(rawChoices, &choices); err != nil {
		return record
	}

	modified := false
	for _, choice := range choices {
		rawDelta, ok := choice["delta"]
		if !ok {
			continue
		}
		var delta map[string]json.RawMessage
		if err := json.Unmarshal(rawDelta, &delta); err != nil {
			continue
		}
		rawContent, ok := delta["content"]
		if !ok {
			continue
		}
		var content string
		if err := json.Unmarshal(rawContent, &content); err != nil {
			continue
		}
		if !strings.Contains(content, marker) {
			continue
		}
		content = strings.ReplaceAll(content, marker, "")
		newContent, _ := json.Marshal(content)
		delta["content"] = newContent
		newDelta, _ := json.Marshal(delta)
		choice["delta"] = newDelta
		modified = true
	}
	if !modified {
		return record
	}
	newChoices, _ := json.Marshal(choices)
	data["choices"] = newChoices
	newJSON, err := json.Marshal(data)
	if err != nil {
		return record
	}
	return []byte("data: " + string(newJSON) + "\n\n")
}

func (openAIDialect) InjectCompletionInstruction(body Body, marker string) Body {
	out := deepCopyBody(body)
	instruction := completionInstruction(marker)

	messages := asSlice(out, "messages")
	if len(messages) > 0 {
		if first, ok := messages[0].(map[string]interface{}); ok && first["role"] == "system" {
			existing, _ := first["content"].(string)
			first["content"] = instruction + "\n\n" + existing
			out["messages"] = messages
			return out
		}
	}
	system := map[string]interface{}{"role": "system", "content": instruction}
	out["messages"] = append([]interface{}{system}, messages...)
	return out
}

func (openAIDialect) InjectContinuation(body Body, collected string, prompt string) Body {
	out := deepCopyBody(body)
	messages := asSlice(out, "messages")
	messages = append(messages,
		map[string]interface{}{"role": "assistant", "content": collected},
		map[string]interface{}{"role": "user", "content": prompt},
	)
	out["messages"] = messages
	return out
}

func completionInstruction(marker string) string {
	return "Important: once you have finished your answer, output " + marker +
		" alone on its own final line, with no other characters. " +
		"This marker confirms your response is complete."
}
