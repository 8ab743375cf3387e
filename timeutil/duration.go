// Package timeutil formats durations for chat and notification text.
package timeutil

import (
	"fmt"
	"strings"
	"time"
)

var units = []struct {
	size time.Duration
	name string
}{
	{24 * time.Hour, "d"},
	{time.Hour, "h"},
	{time.Minute, "m"},
	{time.Second, "s"},
}

// NiceDuration renders d as a short human-readable string like "2d, 3h" or
// "45s". precision is how many units to include after the largest non-zero
// one; 0 keeps only the largest. Negative durations are rendered by their
// magnitude (callers append "ago"/"from now" as needed).
func NiceDuration(d time.Duration, precision int) string {
	if d < 0 {
		d = -d
	}
	if d < time.Second {
		return "0s"
	}
	parts := make([]string, 0, len(units))
	for _, u := range units {
		n := d / u.size
		if n == 0 {
			continue
		}
		d -= n * u.size
		parts = append(parts, fmt.Sprintf("%d%s", n, u.name))
		if len(parts) > precision {
			break
		}
	}
	return strings.Join(parts, ", ")
}
