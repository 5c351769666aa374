package logger

import "strings"

var sensitiveKeys = []string{
	"password",
	"secret",
	"token",
	"api_key",
	"authorization",
	"phone",
}

// MaskPhone masks a customer phone number, preserving only the last 4 digits.
// Call campaign logs carry contact data on almost every line; nothing beyond
// the suffix needed to correlate with provider logs may be written out.
func MaskPhone(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	digits := 0
	for _, r := range value {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits <= 4 {
		return "****"
	}
	return "****" + value[len(value)-4:]
}

// MaskSecret masks tokens and API keys, preserving the last 4 characters.
func MaskSecret(value string) string {
	return maskLast4(value)
}

// MaskFields returns a deep-copied map with sensitive fields masked.
func MaskFields(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		if isSensitiveKey(key) {
			out[key] = maskValue(value)
			continue
		}
		out[key] = maskNestedValue(value)
	}
	return out
}

func maskNestedValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return MaskFields(typed)
	case []any:
		items := make([]any, 0, len(typed))
		for _, entry := range typed {
			items = append(items, maskNestedValue(entry))
		}
		return items
	default:
		return value
	}
}

func maskValue(value any) any {
	switch typed := value.(type) {
	case string:
		return maskLast4(typed)
	case []byte:
		return maskLast4(string(typed))
	default:
		return "****"
	}
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	for _, needle := range sensitiveKeys {
		if strings.Contains(key, needle) {
			return true
		}
	}
	return false
}

func maskLast4(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if len(value) <= 4 {
		return "****" + value
	}
	return "****" + value[len(value)-4:]
}
