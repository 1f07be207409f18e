package tracing

import (
	"errors"

	"go.opentelemetry.io/otel/attribute"
)

const maxErrorLength = 256

var allowedSpanKeys = map[attribute.Key]struct{}{
	"http.method":             {},
	"http.route":              {},
	"http.status_code":        {},
	"http.server_duration_ms": {},
	"request_id":              {},
	"run_id":                  {},
	"strategy":                {},
	"outcome":                 {},
	"mode":                    {},
	"tld":                     {},
	"reason":                  {},
	"cursor_type":             {},
}

// SafeAttributes strips span attributes that are not on the allowlist. Spans
// leave the process, so free-form values (names, payloads) never ride along.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedSpanKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}

// SafeError caps the recorded error message so oversized driver errors do not
// bloat span payloads.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength]
	}
	return errors.New(msg)
}
