package models

import (
	"fmt"
	"strings"
)

// Window selects how much daily history to fetch upstream.
type Window string

const (
	WindowCompact Window = "compact"
	WindowFull    Window = "full"
)

// ParseWindow accepts the provider names and the period aliases used by
// clients ("1y" for compact, "2y" for full).
func ParseWindow(s string) (Window, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "compact", "1y":
		return WindowCompact, nil
	case "full", "2y":
		return WindowFull, nil
	default:
		return "", fmt.Errorf("unknown history window %q", s)
	}
}
