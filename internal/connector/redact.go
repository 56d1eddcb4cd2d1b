package connector

import "strings"

// RedactedValue — замена значений секретных полей.
const RedactedValue = "***redacted***"

// secretMarkers — подстроки имён полей, значения которых маскируются.
var secretMarkers = []string{
	"password",
	"secret",
	"token",
	"authorization",
	"api_key",
	"apikey",
	"private_key",
	"cookie",
}

// Redact возвращает копию m с замаскированными секретами.
// Вложенные map и срезы обходятся рекурсивно.
func Redact(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSecretKey(k) {
			out[k] = RedactedValue
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return Redact(val)
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, s := range val {
			if isSecretKey(k) {
				out[k] = RedactedValue
			} else {
				out[k] = s
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item)
		}
		return out
	default:
		return v
	}
}

func isSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, marker := range secretMarkers {
		if strings.Contains(k, marker) {
			return true
		}
	}
	return false
}
