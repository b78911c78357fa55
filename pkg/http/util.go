package http

import (
	"time"

	xutil "CoherencePulse/pkg/util"
)

// ParseWindow parses a lookback such as "15m" or "24h", falling back to def.
func ParseWindow(s string, def time.Duration) time.Duration { return xutil.ParseWindow(s, def) }
