// Package ratelimit extracts a reset duration from an upstream HTTP 429
// response, trying the most structured source first and falling back to
// looser heuristics. The teacher's antigravity executor calls an equivalent
// parseRetryDelay helper, but that helper's body was not present in the
// retrieved pack; this is authored fresh, following the priority order the
// specification lays out explicitly (§4.5).
package ratelimit

import (
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// durationPattern matches a bare duration string like "32s" or "1.5s"
// appearing anywhere in a response body, as a last-resort fallback when
// neither the structured field nor the header is present.
var durationPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*s\b`)

// ParseResetDelay returns the delay to wait before retrying, or (-1, false)
// if none of the three sources yielded a usable value.
func ParseResetDelay(header http.Header, body []byte) (time.Duration, bool) {
	if d, ok := fromRetryInfo(body); ok {
		return d, true
	}
	if d, ok := fromRetryAfterHeader(header); ok {
		return d, true
	}
	if d, ok := fromBodyPattern(body); ok {
		return d, true
	}
	return -1, false
}

// fromRetryInfo looks for a structured retryInfo.retryDelay field, e.g.
// {"error":{"details":[{"@type":".../RetryInfo","retryDelay":"32s"}]}} or a
// flattened "retryInfo.retryDelay" at the top level — the upstream has been
// observed to emit both shapes.
func fromRetryInfo(body []byte) (time.Duration, bool) {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return 0, false
	}
	if v := gjson.GetBytes(body, "retryInfo.retryDelay"); v.Exists() {
		if d, ok := parseGoogleDuration(v.String()); ok {
			return d, true
		}
	}
	details := gjson.GetBytes(body, "error.details")
	if details.IsArray() {
		for _, d := range details.Array() {
			t := d.Get("@type").String()
			if !regexp.MustCompile(`RetryInfo$`).MatchString(t) {
				continue
			}
			if delay := d.Get("retryDelay"); delay.Exists() {
				if dur, ok := parseGoogleDuration(delay.String()); ok {
					return dur, true
				}
			}
		}
	}
	return 0, false
}

// parseGoogleDuration parses a protobuf-style duration string ("32s", "1.5s").
func parseGoogleDuration(s string) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return d, true
}

func fromRetryAfterHeader(header http.Header) (time.Duration, bool) {
	if header == nil {
		return 0, false
	}
	v := header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func fromBodyPattern(body []byte) (time.Duration, bool) {
	m := durationPattern.FindStringSubmatch(string(body))
	if m == nil {
		return 0, false
	}
	secs, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}
