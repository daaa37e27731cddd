package convert

import (
	"bytes"
	"encoding/json"
)

// StableJSON serializes v with sorted map keys and no HTML escaping, for
// tool-response payloads that must embed as a string in a vendor wire
// format. encoding/json already sorts map[string]any keys; this wrapper
// exists to keep that behavior explicit and disable HTML escaping, since
// Go's default escapes '<', '>', '&' which would corrupt tool output.
func StableJSON(v any) (string, error) {
	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(v); err != nil {
		return "", err
	}

	// json.Encoder.Encode appends a trailing newline; trim it so callers
	// get exactly the serialized value.
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] == '\n' {
		out = out[:len(out)-1]
	}

	return string(out), nil
}
