package logparse

import "strings"

// NormalizeLevel converts the level tokens found in Apache and Nginx error
// logs to a consistent upper-case short form.
func NormalizeLevel(level string) string {
	normalized := strings.ToUpper(strings.TrimSpace(level))

	switch normalized {
	case "TRACE", "TRACE1", "TRACE2", "TRACE3", "TRACE4", "TRACE5", "TRACE6", "TRACE7", "TRACE8":
		return "TRACE"
	case "DEBUG", "DBG":
		return "DEBUG"
	case "INFO", "NOTICE":
		return "INFO"
	case "WARN", "WARNING":
		return "WARN"
	case "ERROR", "ERR":
		return "ERROR"
	case "CRIT", "CRITICAL", "ALERT", "EMERG", "FATAL":
		return "FATAL"
	default:
		if strings.HasPrefix(normalized, "TRACE") {
			return "TRACE"
		}
		return "INFO"
	}
}

// LevelRank orders normalized levels so callers can compare urgency.
func LevelRank(level string) int {
	switch NormalizeLevel(level) {
	case "TRACE":
		return 10
	case "DEBUG":
		return 20
	case "INFO":
		return 30
	case "WARN":
		return 40
	case "ERROR":
		return 50
	default:
		return 60
	}
}
