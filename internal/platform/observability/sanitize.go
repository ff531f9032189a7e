package observability

import (
	"strings"
	"unicode"
)

// clip drops control characters and truncates to limit runes.
func clip(value string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	var b strings.Builder
	n := 0
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		if n == limit {
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// SanitizeRoute cleans a route pattern for logging.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return clip(route, 180)
}

func SanitizeMethod(method string) string {
	return clip(method, 10)
}
