package dialect

import (
	"encoding/json"
	"strings"
)

type geminiDialect struct{}

// NewGemini returns the Gemini generateContent/streamGenerateContent
// dialect: SSE "data: " records carrying candidates[].content.parts[].text,
// with no end-of-stream sentinel — the connection simply closes.
func NewGemini() Dialect { return geminiDialect{} }

func (geminiDialect) Name() string { return GeminiName }

// IsDoneSentinel always returns false: Gemini ends a stream by closing
// the connection, not with a sentinel record.
func (geminiDialect) IsDoneSentinel([]byte) bool { return false }

func (d geminiDialect) ParseChunk(record []byte) (string, bool) {
	text := strings.TrimSpace(string(record))
	if text == "" || strings.HasPrefix(text, ":") {
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
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &payload); err != nil {
		return "", false
	}
	for _, c := range payload.Candidates {
		for _, p := range c.Content.Parts {
			if p.Text != "" {
				return p.Text, true
			}
		}
	}
	return "", false
}

func (geminiDialect) StripMarker(record []byte, marker string) []byte {
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
	rawCandidates, ok := data["candidates"]
	if !ok {
		return record
	}
	var candidates []map[string]json.RawMessage
	if err := json.Unmarshal(rawCandidates, &candidates); err != nil {
		return record
	}

	modified := false
	for _, candidate := range candidates {
		rawContent, ok := candidate["content"]
		if !ok {
			continue
		}
		var content map[string]json.RawMessage
		if err := json.Unmarshal(rawContent, &content); err != nil {
			continue
		}
		rawParts, ok := content["parts"]
		if !ok {
			continue
		}
		var parts []map[string]json.RawMessage
		if err := json.Unmarshal(rawParts, &parts); err != nil {
			continue
		}
		for _, part := range parts {
			rawText, ok := part["text"]
			if !ok {
				continue
			}
			var t string
			if err := json.Unmarshal(rawText, &t); err != nil {
				continue
			}
			if !strings.Contains(t, marker) {
				continue
			}
			t = strings.ReplaceAll(t, marker, "")
			newText, _ := json.Marshal(t)
			part["text"] = newText
			modified = true
		}
		if modified {
			newParts, _ := json.Marshal(parts)
			content["parts"] = newParts
			newContent, _ := json.Marshal(content)
			candidate["content"] = newContent
		}
	}
	if !modified {
		return record
	}
	newCandidates, _ := json.Marshal(candidates)
	data["candidates"] = newCandidates
	newJSON, err := json.Marshal(data)
	if err != nil {
		return record
	}
	return []byte("data: " + string(newJSON) + "\n\n")
}

func (geminiDialect) InjectCompletionInstruction(body Body, marker string) Body {
	out := deepCopyBody(body)
	instruction := completionInstruction(marker)

	sysInstr := asMap(out, "systemInstruction")
	parts := asSlice(sysInstr, "parts")
	parts = append([]interface{}{map[string]interface{}{"text": instruction}}, parts...)
	sysInstr["parts"] = parts
	out["systemInstruction"] = sysInstr
	return out
}

func (geminiDialect) InjectContinuation(body Body, collected string, prompt string) Body {
	out := deepCopyBody(body)
	contents := asSlice(out, "contents")
	contents = append(contents,
		map[string]interface{}{"role": "model", "parts": []interface{}{map[string]interface{}{"text": collected}}},
		map[string]interface{}{"role": "user", "parts": []interface{}{map[string]interface{}{"text": prompt}}},
	)
	out["contents"] = contents
	return out
}
