package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatValue formats a forecast value consistently as a plain decimal
// string. This prevents scientific notation display in logs and API
// responses for very small or very large model outputs.
func FormatValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		if isScientificNotation(v) {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return trimZeros(strconv.FormatFloat(parsed, 'f', -1, 64))
			}
		}
		return v
	case float64:
		return trimZeros(strconv.FormatFloat(v, 'f', -1, 64))
	case float32:
		return trimZeros(strconv.FormatFloat(float64(v), 'f', -1, 64))
	case int, int32, int64:
		return fmt.Sprintf("%d", v)
	case uint, uint32, uint64:
		return fmt.Sprintf("%d", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// isScientificNotation checks if a string carries an exponent marker
func isScientificNotation(s string) bool {
	return strings.ContainsAny(s, "eE")
}

func trimZeros(s string) string {
	if !strings.Contains(s, ".") {
		return s
	}
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}
