package dispatch

import "bytes"

// sseDataPayload extracts the JSON payload of one SSE line, following the
// teacher's jsonPayload helper (internal/runtime/executor/usage_helpers.go):
// blank lines, "event:" lines, and the "[DONE]" sentinel carry no payload; a
// "data:" prefix is stripped; anything that does not start a JSON object
// after that is not a data line at all.
func sseDataPayload(line []byte) []byte {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil
	}
	if bytes.Equal(trimmed, []byte("[DONE]")) {
		return nil
	}
	if bytes.HasPrefix(trimmed, []byte("event:")) {
		return nil
	}
	if bytes.HasPrefix(trimmed, []byte("data:")) {
		trimmed = bytes.TrimSpace(trimmed[len("data:"):])
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	return trimmed
}
