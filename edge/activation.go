package edge

import (
	"net/http"
	"strings"
)

// ShouldActivate reports whether anti-truncation should engage for this
// request. Activation requires streaming and any one of: a model-prefix
// match, the X-Anti-Truncation: true header, or the anti_truncation=1
// query parameter.
func ShouldActivate(r *http.Request, model string, modelPrefix string, isStreaming bool) bool {
	if !isStreaming {
		return false
	}
	if modelPrefix != "" && strings.HasPrefix(model, modelPrefix) {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Anti-Truncation"), "true") {
		return true
	}
	if r.URL.Query().Get("anti_truncation") == "1" {
		return true
	}
	return false
}

// StripModelPrefix removes modelPrefix from model if present, returning
// the stripped name and whether a prefix was actually removed.
func StripModelPrefix(model string, modelPrefix string) (string, bool) {
	if modelPrefix != "" && strings.HasPrefix(model, modelPrefix) {
		return strings.TrimPrefix(model, modelPrefix), true
	}
	return model, false
}
