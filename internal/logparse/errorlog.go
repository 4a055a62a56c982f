package logparse

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/logamizer/logamizer/internal/model"
)

// Apache error line:
//
//	[Mon Jan 19 01:07:36.582398 2026] [core:error] [pid 1234:tid 5678] [client 10.0.0.1:51234] message, referer: http://x/
var apacheErrorPattern = regexp.MustCompile(
	`^\[(?P<time>[A-Z][a-z]{2} [A-Z][a-z]{2} [ \d]\d \d{2}:\d{2}:\d{2}(?:\.\d+)? \d{4})\]` +
		`\s+\[(?:(?P<module>[\w-]+):)?(?P<level>\w+)\]` +
		`(?:\s+\[pid (?P<pid>\d+)(?::tid (?P<tid>\d+))?\])?` +
		`(?:\s+\[client (?P<client>[^\]]+)\])?` +
		`\s*(?P<message>.*)$`)

// Nginx error line:
//
//	2026/01/19 01:07:36 [error] 1234#5678: *42 message
var nginxErrorPattern = regexp.MustCompile(
	`^(?P<time>\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2})` +
		`\s+\[(?P<level>\w+)\]` +
		`\s+(?P<pid>\d+)#(?P<tid>\d+):` +
		`(?:\s+\*(?P<cid>\d+))?` +
		`\s*(?P<message>.*)$`)

// Application exception line with an optional leading ISO timestamp:
//
//	2026-01-19T01:07:36Z ... ValueError: something broke
var appErrorPattern = regexp.MustCompile(
	`^(?:(?P<time>\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2})?).*?\s)?` +
		`(?P<type>[\w.]+(?:Error|Exception)):\s+(?P<message>.*)$`)

var (
	tracebackHeaderPattern = regexp.MustCompile(`^Traceback \(most recent call last\):`)
	pythonFramePattern     = regexp.MustCompile(`^\s+File "(?P<file>[^"]+)", line (?P<line>\d+), in (?P<function>\w+)`)
	jvmFramePattern        = regexp.MustCompile(`^\s+(?:at\s+(?P<function>[\w.$<>]+)\s*\((?P<file>[\w./-]+):(?P<line>\d+)(?::\d+)?\)|Caused by:.*|\.\.\. \d+ more)`)

	modsecFieldPattern = regexp.MustCompile(`\[(?P<key>\w+) "(?P<value>[^"]*)"\]`)
	refererTailPattern = regexp.MustCompile(`,\s+referer:\s+(\S+)\s*$`)
	nginxClientPattern = regexp.MustCompile(`,\s+client:\s+([^,\s]+)`)
)

const (
	apacheErrorTimeLayout      = "Mon Jan _2 15:04:05 2006"
	apacheErrorTimeMicroLayout = "Mon Jan _2 15:04:05.000000 2006"
	nginxErrorTimeLayout       = "2006/01/02 15:04:05"
)

var isoTimeLayouts = []string{
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ErrorParser recognizes Apache error lines, Nginx error lines,
// ModSecurity audit records, and application exception lines with stack
// traces. It is stateful across lines: stack frames before (Python) or
// after (Java, JavaScript) an exception line attach to that exception, so
// events are emitted with a one-line delay. Call Flush at end of stream.
type ErrorParser struct {
	// pending is an emitted-but-unreturned exception waiting for
	// trailing stack frames.
	pending *model.ErrorEvent
	// frames buffered from a traceback preceding its exception line.
	frames    []string
	frameFile string
	frameLine int
	frameFunc string
}

// NewErrorParser returns a fresh error-log parser.
func NewErrorParser() *ErrorParser {
	return &ErrorParser{}
}

// ParseLine feeds one line. It returns any events completed by this line
// and whether the line was recognized (consumed). An unrecognized line
// still flushes a pending exception.
func (p *ErrorParser) ParseLine(line string, lineNumber int) ([]*model.ErrorEvent, bool) {
	// Trailing stack frames extend the pending exception.
	if p.pending != nil {
		if jvmFramePattern.MatchString(line) {
			p.attachTrailingFrame(line)
			return nil, true
		}
	}

	// A traceback header or Python frame buffers until the exception line.
	if tracebackHeaderPattern.MatchString(line) {
		p.frames = append(p.frames[:0], line)
		return p.takePending(), true
	}
	if m := pythonFramePattern.FindStringSubmatch(line); m != nil {
		p.frames = append(p.frames, strings.TrimRight(line, " \t"))
		p.frameFile = m[1]
		p.frameLine = atoi(m[2])
		p.frameFunc = m[3]
		return p.takePending(), true
	}

	if ev, ok := p.parseApacheError(line, lineNumber); ok {
		out := append(p.takePending(), ev)
		return out, true
	}
	if ev, ok := p.parseNginxError(line, lineNumber); ok {
		out := append(p.takePending(), ev)
		return out, true
	}
	if ev, ok := p.parseAppError(line, lineNumber); ok {
		// Hold the event back one line so trailing frames can attach.
		out := p.takePending()
		p.pending = ev
		return out, true
	}

	return p.takePending(), false
}

// Flush returns the event still held back at end of stream, if any.
func (p *ErrorParser) Flush() []*model.ErrorEvent {
	return p.takePending()
}

func (p *ErrorParser) takePending() []*model.ErrorEvent {
	if p.pending == nil {
		return nil
	}
	ev := p.pending
	p.pending = nil
	return []*model.ErrorEvent{ev}
}

func (p *ErrorParser) attachTrailingFrame(line string) {
	trimmed := strings.TrimSpace(line)
	if p.pending.StackTrace == "" {
		p.pending.StackTrace = trimmed
	} else {
		p.pending.StackTrace += "\n" + trimmed
	}
	if m := jvmFramePattern.FindStringSubmatch(line); m != nil {
		names := jvmFramePattern.SubexpNames()
		var file, fn, ln string
		for i, name := range names {
			switch name {
			case "file":
				file = m[i]
			case "function":
				fn = m[i]
			case "line":
				ln = m[i]
			}
		}
		// First frame wins: it names the throw site.
		if p.pending.FilePath == "" && file != "" {
			p.pending.FilePath = file
			p.pending.FunctionName = fn
			p.pending.LineInFile = atoi(ln)
		}
	}
}

func (p *ErrorParser) parseApacheError(line string, lineNumber int) (*model.ErrorEvent, bool) {
	m := matchGroups(apacheErrorPattern, line)
	if m == nil {
		return nil, false
	}

	ts := parseApacheErrorTime(m["time"])
	message := m["message"]

	referer := ""
	if rm := refererTailPattern.FindStringSubmatch(message); rm != nil {
		referer = rm[1]
		message = strings.TrimSuffix(message, rm[0])
	}

	ip := m["client"]
	if host, _, ok := strings.Cut(ip, ":"); ok {
		ip = host
	}

	ctx := map[string]string{}
	if m["module"] != "" {
		ctx["module"] = m["module"]
	}
	if m["level"] != "" {
		ctx["level"] = NormalizeLevel(m["level"])
	}
	if m["pid"] != "" {
		ctx["pid"] = m["pid"]
	}
	if referer != "" {
		ctx["referer"] = referer
	}

	if strings.Contains(message, "ModSecurity:") {
		return parseModSecurity(message, ts, ip, ctx, line, lineNumber), true
	}

	errType := "ApacheError"
	if denied, ok := strings.CutPrefix(message, "client denied by server configuration: "); ok {
		message = denied
		errType = "AccessDenied"
	}

	return &model.ErrorEvent{
		Timestamp:  ts,
		ErrorType:  errType,
		Message:    message,
		IP:         ip,
		Context:    ctx,
		RawLine:    line,
		LineNumber: lineNumber,
	}, true
}

// parseModSecurity extracts the audit fields ModSecurity appends to an
// Apache error line: rule id, severity, attack message, and target URI.
func parseModSecurity(message string, ts time.Time, ip string, ctx map[string]string, raw string, lineNumber int) *model.ErrorEvent {
	fields := map[string]string{}
	for _, m := range modsecFieldPattern.FindAllStringSubmatch(message, -1) {
		if _, exists := fields[m[1]]; !exists {
			fields[m[1]] = m[2]
		}
	}

	msg := fields["msg"]
	if msg == "" {
		msg = message
	}
	if fields["id"] != "" {
		ctx["rule_id"] = fields["id"]
	}
	if fields["severity"] != "" {
		ctx["severity"] = fields["severity"]
	}

	return &model.ErrorEvent{
		Timestamp:  ts,
		ErrorType:  "ModSecurity",
		Message:    msg,
		RequestURL: fields["uri"],
		IP:         ip,
		Context:    ctx,
		RawLine:    raw,
		LineNumber: lineNumber,
	}
}

func (p *ErrorParser) parseNginxError(line string, lineNumber int) (*model.ErrorEvent, bool) {
	m := matchGroups(nginxErrorPattern, line)
	if m == nil {
		return nil, false
	}

	ts, err := time.Parse(nginxErrorTimeLayout, m["time"])
	if err != nil {
		return nil, false
	}

	ctx := map[string]string{
		"level": NormalizeLevel(m["level"]),
		"pid":   m["pid"],
		"tid":   m["tid"],
	}
	if m["cid"] != "" {
		ctx["connection"] = m["cid"]
	}

	message := m["message"]
	ip := ""
	// Nginx appends request context: "..., client: 10.0.0.1, server: x, request: ..."
	if cm := nginxClientPattern.FindStringSubmatch(message); cm != nil {
		ip = cm[1]
	}

	return &model.ErrorEvent{
		Timestamp:  ts.UTC(),
		ErrorType:  "NginxError",
		Message:    message,
		IP:         ip,
		Context:    ctx,
		RawLine:    line,
		LineNumber: lineNumber,
	}, true
}

func (p *ErrorParser) parseAppError(line string, lineNumber int) (*model.ErrorEvent, bool) {
	m := matchGroups(appErrorPattern, line)
	if m == nil {
		return nil, false
	}

	ts := time.Time{}
	if m["time"] != "" {
		ts = parseISOTime(m["time"])
	}

	ev := &model.ErrorEvent{
		Timestamp:  ts,
		ErrorType:  m["type"],
		Message:    strings.TrimSpace(m["message"]),
		RawLine:    line,
		LineNumber: lineNumber,
	}

	// A Python traceback buffered before this line belongs to it.
	if len(p.frames) > 0 {
		ev.StackTrace = strings.Join(p.frames, "\n")
		ev.FilePath = p.frameFile
		ev.LineInFile = p.frameLine
		ev.FunctionName = p.frameFunc
		p.frames = nil
		p.frameFile = ""
		p.frameLine = 0
		p.frameFunc = ""
	}
	return ev, true
}

func parseApacheErrorTime(s string) time.Time {
	if t, err := time.Parse(apacheErrorTimeMicroLayout, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(apacheErrorTimeLayout, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func parseISOTime(s string) time.Time {
	for _, layout := range isoTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func matchGroups(re *regexp.Regexp, line string) map[string]string {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	groups := make(map[string]string, len(m))
	for i, name := range re.SubexpNames() {
		if name != "" {
			groups[name] = m[i]
		}
	}
	return groups
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// Basename strips directories from a file path; used by error grouping so
// fingerprints survive deploys to different roots.
func Basename(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Base(path)
}
