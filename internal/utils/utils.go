package utils

import (
	"strconv"
	"strings"
)

// ParseFloat64 parses a device value. Both "." and "," are accepted as decimal separator.
func ParseFloat64(value string) (float64, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	result, err := strconv.ParseFloat(strings.Replace(value, ",", ".", 1), 64)
	if err != nil {
		return 0, false
	}
	return result, true
}
