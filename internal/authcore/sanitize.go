package authcore

import (
	"bytes"
	"encoding/json"
	"regexp"
	"unicode/utf8"
)

// reservedKeys are dropped during sanitization to defend against prototype
// pollution in any downstream JavaScript-based consumer of the forwarded
// payload (spec.md §9).
var reservedKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

var keyCharRe = regexp.MustCompile(`[^A-Za-z0-9 ._-]`)

var (
	scriptTagRe  = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	jsSchemeRe   = regexp.MustCompile(`(?i)javascript:`)
	onAttrRe     = regexp.MustCompile(`(?i)\bon\w+\s*=`)
)

// ValidateResult is the outcome of Validate.
type ValidateResult struct {
	Sanitized []byte
	Invalid   bool
	Reason    string
}

// Validate implements the AuthCore.validate contract from spec.md §4.1.
func (a *AuthCore) Validate(data []byte) ValidateResult {
	if len(data) > a.cfg.MaxMessageBytes {
		return ValidateResult{Invalid: true, Reason: "Input too large"}
	}
	if !utf8.Valid(data) {
		return ValidateResult{Invalid: true, Reason: "Input is not valid UTF-8"}
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return ValidateResult{Sanitized: data}
	}

	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		// Not valid JSON at all: still accepted as opaque text per
		// spec.md §4.1 ("If not JSON, the raw bytes are accepted").
		return ValidateResult{Sanitized: data}
	}

	// Sanitization applies to any well-formed JSON value, not just top-level
	// objects (spec.md §4.1): a bare array or string can still carry script
	// tags or prototype-pollution keys nested inside it.
	if obj, isObject := value.(map[string]any); isObject {
		if raw, present := obj["jsonrpc"]; present {
			version, isString := raw.(string)
			if !isString || version != "2.0" {
				return ValidateResult{Invalid: true, Reason: "jsonrpc version must be \"2.0\""}
			}
			_, hasMethod := obj["method"]
			_, hasID := obj["id"]
			if !hasMethod && !hasID {
				return ValidateResult{Invalid: true, Reason: "jsonrpc message must carry method or id"}
			}
		}
	}

	sanitizedValue := sanitizeValue(value)
	sanitizedBytes, err := json.Marshal(sanitizedValue)
	if err != nil {
		return ValidateResult{Invalid: true, Reason: "failed to re-encode sanitized payload"}
	}
	return ValidateResult{Sanitized: sanitizedBytes}
}

// sanitizeValue recursively sanitizes a decoded JSON value: reserved keys
// are dropped, key characters outside the allowed set are stripped, and
// string values have script/javascript/on-attribute patterns removed. It
// never panics regardless of input shape.
func sanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if reservedKeys[k] {
				continue
			}
			cleanKey := keyCharRe.ReplaceAllString(k, "")
			if cleanKey == "" {
				continue
			}
			out[cleanKey] = sanitizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = sanitizeValue(val)
		}
		return out
	case string:
		return sanitizeString(t)
	default:
		return v
	}
}

func sanitizeString(s string) string {
	s = scriptTagRe.ReplaceAllString(s, "")
	s = jsSchemeRe.ReplaceAllString(s, "")
	s = onAttrRe.ReplaceAllString(s, "")
	return s
}
