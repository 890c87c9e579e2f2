package mission

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var strict = bluemonday.StrictPolicy()

// sanitizeText strips all markup from user text that is displayed to other
// users. The result is HTML-escaped and is stored as is.
func sanitizeText(s string) string {
	return strings.TrimSpace(strict.Sanitize(s))
}

func sanitizeAll(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if clean := sanitizeText(v); clean != "" {
			out = append(out, clean)
		}
	}
	return out
}
