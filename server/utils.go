package server

import (
	"fmt"
	"strings"

	"github.com/decred/slog"
)

func GetDebugLevel(debugStr string) (slog.Level, error) {
	// Convert debugStr to slog.Level
	var debugLevel slog.Level
	switch strings.ToLower(strings.TrimSpace(debugStr)) {
	case "trace":
		debugLevel = slog.LevelTrace
	case "debug":
		debugLevel = slog.LevelDebug
	case "info", "":
		debugLevel = slog.LevelInfo
	case "warn":
		debugLevel = slog.LevelWarn
	case "error":
		debugLevel = slog.LevelError
	case "critical":
		debugLevel = slog.LevelCritical
	case "off":
		debugLevel = slog.LevelOff
	default:
		return 0, fmt.Errorf("unknown debug level: %s", debugStr)
	}

	return debugLevel, nil
}
