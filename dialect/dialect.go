// Package dialect implements the per-upstream SSE parsing and prompt
// injection contracts: one file per supported wire format (OpenAI,
// Gemini, Claude), dispatched through a small interface registry rather
// than an open-ended switch.
//
// Request and response bodies are represented as map[string]interface{}
// trees rather than typed DTOs — the shape of a request varies enough
// across dialects and callers that a typed struct would need as many
// escape hatches as the map does already.
package dialect

import "fmt"

// Body is a JSON object tree, used for both request and response bodies.
type Body = map[string]interface{}

// Dialect describes the parsing and injection behavior for one upstream
// wire format (OpenAI, Gemini, or Claude).
type Dialect interface {
	// Name identifies the dialect for logging and telemetry.
	Name() string

	// ParseChunk extracts incremental text from a single SSE record. It
	// returns ("", false) when the record carries no text delta (comments,
	// empty lines, non-delta events).
	ParseChunk(record []byte) (text string, ok bool)

	// IsDoneSentinel reports whether record is the dialect's end-of-stream
	// sentinel (OpenAI's "data: [DONE]"; Gemini and Claude have none and
	// always return false — their end-of-stream is connection close or a
	// terminal event forwarded as-is).
	IsDoneSentinel(record []byte) bool

	// StripMarker removes every occurrence of marker from the text-bearing
	// field of record and re-serializes it. If marker does not appear, the
	// original record is returned unchanged (same slice, no allocation).
	StripMarker(record []byte, marker string) []byte

	// InjectCompletionInstruction returns a copy of body with a system-level
	// instruction asking the model to emit marker on its own line once done.
	InjectCompletionInstruction(body Body, marker string) Body

	// InjectContinuation returns a copy of body extended with the
	// collected-so-far assistant/model turn and a user turn asking the
	// model to continue from where it left off, using prompt as the
	// continuation instruction text.
	InjectContinuation(body Body, collected string, prompt string) Body
}

// Registry maps a dialect name to its implementation.
type Registry struct {
	dialects map[string]Dialect
}

// NewRegistry builds a Registry pre-populated with the OpenAI, Gemini, and
// Claude dialects.
func NewRegistry() *Registry {
	r := &Registry{dialects: make(map[string]Dialect, 3)}
	r.register(NewOpenAI())
	r.register(NewGemini())
	r.register(NewClaude())
	return r
}

func (r *Registry) register(d Dialect) {
	r.dialects[d.Name()] = d
}

// Get looks up a dialect by name.
func (r *Registry) Get(name string) (Dialect, error) {
	d, ok := r.dialects[name]
	if !ok {
		return nil, fmt.Errorf("dialect: unknown dialect %q", name)
	}
	return d, nil
}

const (
	OpenAIName = "openai"
	GeminiName = "gemini"
	ClaudeName = "claude"
)
