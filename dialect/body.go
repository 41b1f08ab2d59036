package dialect

// deepCopyBody returns a structural copy of body so that injection
// functions never mutate the caller's original request tree. Only the
// JSON-decodable shapes that appear in request bodies are handled: map,
// slice, and scalar values.
func deepCopyBody(body Body) Body {
	out := make(Body, len(body))
	for k, v := range body {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = deepCopyValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = deepCopyValue(val)
		}
		return out
	default:
		return v
	}
}

// asSlice returns body[key] as a []interface{}, treating an absent or
// wrongly-typed key as an empty slice.
func asSlice(body Body, key string) []interface{} {
	v, ok := body[key]
	if !ok {
		return nil
	}
	s, ok := v.([]interface{})
	if !ok {
		return nil
	}
	return s
}

// asMap returns body[key] as a map[string]interface{}, treating an absent
// or wrongly-typed key as an empty map.
func asMap(body Body, key string) map[string]interface{} {
	v, ok := body[key]
	if !ok {
		return map[string]interface{}{}
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return map[string]interface{}{}
	}
	return m
}
