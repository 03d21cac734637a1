package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/xhit/go-str2duration/v2"

	"github.com/life-stream-dev/mqtt-session-core/internal/logger"
)

// ParseDuration parses strings such as "500ms", "10s", "20M", "48h", "2d" or "1w".
// The unit is case-insensitive. An empty string is a zero duration.
func ParseDuration(timeString string) (time.Duration, error) {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	if timeString == "" {
		return 0, nil
	}
	d, err := str2duration.ParseDuration(timeString)
	if err != nil {
		return 0, fmt.Errorf("invalid time format %q: %w", timeString, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", timeString)
	}
	return d, nil
}

// ParseStringTime is ParseDuration for callers that already validated the value;
// a bad value is logged and read as zero.
func ParseStringTime(timeString string) time.Duration {
	d, err := ParseDuration(timeString)
	if err != nil {
		logger.ErrorF("Error parsing time string: %v", err)
		return 0
	}
	return d
}
