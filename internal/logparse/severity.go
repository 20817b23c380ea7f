// Package logparse extracts log levels from raw automation log lines.
package logparse

import (
	"regexp"
	"strings"
)

// levelFieldRegex matches structured level fields such as level=error or "level":"warn".
var levelFieldRegex = regexp.MustCompile(`(?i)"?(?:level|lvl|severity)"?\s*[:=]\s*"?([a-z]+)"?`)

// levelWordRegex matches bare level words in free text.
var levelWordRegex = regexp.MustCompile(`(?i)\b(TRACE|DEBUG|INFO|WARN|WARNING|ERROR|ERR|FATAL|CRITICAL|PANIC)\b`)

// Normalize folds level spellings into TRACE, DEBUG, INFO, WARN, ERROR or FATAL.
// Unknown input is INFO.
func Normalize(level string) string {
	l := strings.ToUpper(strings.TrimSpace(level))

	switch l {
	case "TRACE", "TRC":
		return "TRACE"
	case "DEBUG", "DBG":
		return "DEBUG"
	case "INFO", "INFORMATION", "INF":
		return "INFO"
	case "WARN", "WARNING", "WRN":
		return "WARN"
	case "ERROR", "ERR":
		return "ERROR"
	case "FATAL", "FTL", "CRITICAL", "CRIT", "PANIC":
		return "FATAL"
	}
	if len(l) >= 4 {
		switch l[:4] {
		case "WARN":
			return "WARN"
		case "ERRO":
			return "ERROR"
		case "FATA", "CRIT":
			return "FATAL"
		case "DEBU":
			return "DEBUG"
		case "TRAC":
			return "TRACE"
		}
	}
	return "INFO"
}

// Level returns the normalized level of line. A structured level field wins
// over level words appearing elsewhere in the message.
func Level(line string) string {
	if m := levelFieldRegex.FindStringSubmatch(line); len(m) > 1 {
		return Normalize(m[1])
	}
	if m := levelWordRegex.FindStringSubmatch(line); len(m) > 1 {
		return Normalize(m[1])
	}
	return "INFO"
}
