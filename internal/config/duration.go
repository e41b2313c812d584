package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration extends time.ParseDuration with a "d" (day) unit, matching
// the ns/us/ms/s/m/h/d grammar accepted throughout configuration.
func ParseDuration(s string) (time.Duration, error) {
	if !strings.HasSuffix(s, "d") {
		return time.ParseDuration(s)
	}
	numeric := strings.TrimSuffix(s, "d")
	days, err := strconv.ParseFloat(numeric, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return time.Duration(days * float64(24*time.Hour)), nil
}
