// Package logparse recognizes access-log and error-log lines and turns
// them into normalized events.
package logparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/logamizer/logamizer/internal/model"
)

// Combined log format shared by Nginx and Apache:
//
//	IP - USER [02/Jan/2006:15:04:05 -0700] "METHOD PATH PROTO" STATUS BYTES "REFERER" "UA"
//
// Status must be numeric and bytes numeric or "-"; anything else fails the
// line. Referer and user agent are optional trailing fields.
var combinedPattern = regexp.MustCompile(
	`^(?P<ip>\S+)\s+` +
		`(?P<ident>\S+)\s+` +
		`(?P<user>\S+)\s+` +
		`\[(?P<time>[^\]]+)\]\s+` +
		`"(?P<request>[^"]*)"\s+` +
		`(?P<status>\d+)\s+` +
		`(?P<bytes>\d+|-)(?:\s+|$)` +
		`(?:"(?P<referer>[^"]*)"\s*)?` +
		`(?:"(?P<ua>[^"]*)")?` +
		`.*$`)

const combinedTimeLayout = "02/Jan/2006:15:04:05 -0700"

// AccessParser recognizes one access-log format, or tries all known
// formats in a fixed order when constructed with FormatAuto.
type AccessParser struct {
	format model.LogFormat
}

// NewAccessParser returns a parser for the given format. Unknown formats
// fall back to auto detection.
func NewAccessParser(format model.LogFormat) *AccessParser {
	switch format {
	case model.FormatNginxCombined, model.FormatApacheCombined:
	default:
		format = model.FormatAuto
	}
	return &AccessParser{format: format}
}

// Format returns the configured log format.
func (p *AccessParser) Format() model.LogFormat { return p.format }

// ParseLine parses a single access-log line into a normalized event.
// The Nginx and Apache combined layouts share one recognizer; auto mode
// tries nginx first, then apache, and the first match claims the line.
func (p *AccessParser) ParseLine(line string, lineNumber int) (*model.Event, error) {
	m := combinedPattern.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("line %d does not match combined format", lineNumber)
	}

	groups := make(map[string]string, len(m))
	for i, name := range combinedPattern.SubexpNames() {
		if name != "" {
			groups[name] = m[i]
		}
	}

	ts, err := time.Parse(combinedTimeLayout, groups["time"])
	if err != nil {
		return nil, fmt.Errorf("line %d: invalid timestamp %q", lineNumber, groups["time"])
	}

	status, err := strconv.Atoi(groups["status"])
	if err != nil {
		return nil, fmt.Errorf("line %d: invalid status %q", lineNumber, groups["status"])
	}

	var bytesSent int64
	if b := groups["bytes"]; b != "-" {
		bytesSent, err = strconv.ParseInt(b, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid bytes %q", lineNumber, b)
		}
	}

	method, path, protocol := splitRequestLine(groups["request"])

	event := &model.Event{
		Timestamp:  ts.UTC(),
		IP:         groups["ip"],
		Method:     method,
		Path:       path,
		Status:     status,
		BytesSent:  bytesSent,
		Referer:    dashToEmpty(groups["referer"]),
		UserAgent:  dashToEmpty(groups["ua"]),
		User:       dashToEmpty(groups["user"]),
		Protocol:   protocol,
		RawLine:    line,
		LineNumber: lineNumber,
	}
	return event, nil
}

// splitRequestLine breaks the quoted request into method, path and
// protocol. A request that is not exactly three tokens keeps the raw
// text as the path with empty method and protocol.
func splitRequestLine(request string) (method, path, protocol string) {
	fields := strings.Fields(request)
	if len(fields) == 3 {
		return fields[0], fields[1], fields[2]
	}
	return "", request, ""
}

func dashToEmpty(s string) string {
	if s == "-" {
		return ""
	}
	return s
}

// FormatEvent renders an event back into a combined log line. It is the
// inverse of ParseLine for lines that match the recognizer.
func FormatEvent(e *model.Event) string {
	request := e.Path
	if e.Method != "" {
		request = e.Method + " " + e.Path + " " + e.Protocol
	}
	return fmt.Sprintf(`%s - %s [%s] "%s" %d %d "%s" "%s"`,
		e.IP,
		emptyToDash(e.User),
		e.Timestamp.UTC().Format(combinedTimeLayout),
		request,
		e.Status,
		e.BytesSent,
		emptyToDash(e.Referer),
		emptyToDash(e.UserAgent),
	)
}

func emptyToDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
