package merge

import (
	"strings"

	"github.com/leighmacdonald/magmerge/store"
)

// cleanText replaces invalid UTF-8 sequences and strips NUL characters, which embedded
// engines store happily and postgres text refuses
func cleanText(s string) string {
	return strings.ReplaceAll(strings.ToValidUTF8(s, "\uFFFD"), "\x00", "")
}

func sanitizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return cleanText(t)
	case []byte:
		return cleanText(string(t))
	default:
		return v
	}
}

// sanitizeValues cleans the values of the text columns in place, values is aligned with cols
func sanitizeValues(cols []store.Column, values []interface{}) {
	for i, c := range cols {
		if i < len(values) && c.IsText() {
			values[i] = sanitizeValue(values[i])
		}
	}
}
