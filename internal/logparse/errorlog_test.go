package logparse

import (
	"testing"
	"time"
)

func feedLines(t *testing.T, p *ErrorParser, lines []string) []string {
	t.Helper()
	var types []string
	for i, line := range lines {
		events, _ := p.ParseLine(line, i+1)
		for _, ev := range events {
			types = append(types, ev.ErrorType)
		}
	}
	for _, ev := range p.Flush() {
		types = append(types, ev.ErrorType)
	}
	return types
}

func TestApacheErrorLine(t *testing.T) {
	p := NewErrorParser()

	line := `[Mon Jan 19 01:07:36.582398 2026] [core:error] [pid 1234:tid 5678] [client 10.0.0.1:51234] File does not exist: /var/www/favicon.ico, referer: http://example.com/`
	events, ok := p.ParseLine(line, 1)
	if !ok || len(events) != 1 {
		t.Fatalf("ParseLine: ok=%v events=%d", ok, len(events))
	}
	ev := events[0]
	if ev.ErrorType != "ApacheError" {
		t.Fatalf("type = %q", ev.ErrorType)
	}
	want := time.Date(2026, 1, 19, 1, 7, 36, 582398000, time.UTC)
	if !ev.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", ev.Timestamp, want)
	}
	if ev.IP != "10.0.0.1" {
		t.Fatalf("ip = %q", ev.IP)
	}
	if ev.Message != "File does not exist: /var/www/favicon.ico" {
		t.Fatalf("message = %q", ev.Message)
	}
	if ev.Context["module"] != "core" || ev.Context["level"] != "ERROR" {
		t.Fatalf("context = %v", ev.Context)
	}
	if ev.Context["referer"] != "http://example.com/" {
		t.Fatalf("referer = %q", ev.Context["referer"])
	}
}

func TestNginxErrorLine(t *testing.T) {
	p := NewErrorParser()

	line := `2026/01/19 01:07:36 [error] 1234#5678: *42 open() "/srv/missing" failed (2: No such file or directory), client: 192.0.2.9, server: example.com`
	events, ok := p.ParseLine(line, 1)
	if !ok || len(events) != 1 {
		t.Fatalf("ParseLine: ok=%v events=%d", ok, len(events))
	}
	ev := events[0]
	if ev.ErrorType != "NginxError" {
		t.Fatalf("type = %q", ev.ErrorType)
	}
	if !ev.Timestamp.Equal(time.Date(2026, 1, 19, 1, 7, 36, 0, time.UTC)) {
		t.Fatalf("timestamp = %v", ev.Timestamp)
	}
	if ev.IP != "192.0.2.9" {
		t.Fatalf("ip = %q", ev.IP)
	}
	if ev.Context["pid"] != "1234" || ev.Context["connection"] != "42" {
		t.Fatalf("context = %v", ev.Context)
	}
}

func TestModSecurityRecord(t *testing.T) {
	p := NewErrorParser()

	line := `[Mon Jan 19 02:00:00 2026] [security2:error] [pid 99] [client 198.51.100.7:4444] ModSecurity: Access denied with code 403 (phase 2). Pattern match detected. [id "950901"] [msg "SQL Injection Attack"] [severity "CRITICAL"] [uri "/index.php"]`
	events, ok := p.ParseLine(line, 1)
	if !ok || len(events) != 1 {
		t.Fatalf("ParseLine: ok=%v events=%d", ok, len(events))
	}
	ev := events[0]
	if ev.ErrorType != "ModSecurity" {
		t.Fatalf("type = %q", ev.ErrorType)
	}
	if ev.Message != "SQL Injection Attack" {
		t.Fatalf("message = %q", ev.Message)
	}
	if ev.RequestURL != "/index.php" {
		t.Fatalf("uri = %q", ev.RequestURL)
	}
	if ev.Context["rule_id"] != "950901" || ev.Context["severity"] != "CRITICAL" {
		t.Fatalf("context = %v", ev.Context)
	}
	if ev.IP != "198.51.100.7" {
		t.Fatalf("ip = %q", ev.IP)
	}
}

func TestPythonTracebackAttachesToException(t *testing.T) {
	p := NewErrorParser()

	lines := []string{
		"Traceback (most recent call last):",
		`  File "/srv/app/db/pool.py", line 42, in acquire`,
		"ValueError: pool exhausted",
	}
	var got []string
	var fn string
	var fileLine int
	for i, line := range lines {
		events, ok := p.ParseLine(line, i+1)
		if !ok {
			t.Fatalf("line %d not consumed", i+1)
		}
		for _, ev := range events {
			got = append(got, ev.ErrorType)
		}
	}
	final := p.Flush()
	if len(final) != 1 {
		t.Fatalf("Flush: %d events", len(final))
	}
	ev := final[0]
	got = append(got, ev.ErrorType)
	fn = ev.FunctionName
	fileLine = ev.LineInFile

	if len(got) != 1 || got[0] != "ValueError" {
		t.Fatalf("types = %v", got)
	}
	if ev.FilePath != "/srv/app/db/pool.py" || fileLine != 42 || fn != "acquire" {
		t.Fatalf("frame = %q:%d in %q", ev.FilePath, fileLine, fn)
	}
	if ev.StackTrace == "" {
		t.Fatal("stack trace missing")
	}
}

func TestJavaFramesAttachAfterException(t *testing.T) {
	p := NewErrorParser()

	types := feedLines(t, p, []string{
		"2026-01-19T03:00:00Z worker java.lang.NullPointerException: oops",
		"    at com.example.Handler.handle(Handler.java:77)",
		"    at com.example.Server.run(Server.java:12)",
		"unrelated line",
	})
	if len(types) != 1 || types[0] != "java.lang.NullPointerException" {
		t.Fatalf("types = %v", types)
	}
}

func TestJavaFirstFrameWins(t *testing.T) {
	p := NewErrorParser()

	p.ParseLine("2026-01-19T03:00:00Z java.lang.IllegalStateException: boom", 1)
	p.ParseLine("    at com.example.Handler.handle(Handler.java:77)", 2)
	p.ParseLine("    at com.example.Server.run(Server.java:12)", 3)
	events := p.Flush()
	if len(events) != 1 {
		t.Fatalf("events = %d", len(events))
	}
	ev := events[0]
	if ev.FilePath != "Handler.java" || ev.LineInFile != 77 || ev.FunctionName != "com.example.Handler.handle" {
		t.Fatalf("frame = %q:%d in %q", ev.FilePath, ev.LineInFile, ev.FunctionName)
	}
}

func TestUnrecognizedLine(t *testing.T) {
	p := NewErrorParser()
	events, ok := p.ParseLine("completely ordinary text", 1)
	if ok || len(events) != 0 {
		t.Fatalf("ok=%v events=%d, want unmatched", ok, len(events))
	}
}

func TestNormalizeLevel(t *testing.T) {
	cases := map[string]string{
		"error":  "ERROR",
		"crit":   "FATAL",
		"emerg":  "FATAL",
		"notice": "INFO",
		"warn":   "WARN",
		"trace3": "TRACE",
	}
	for in, want := range cases {
		if got := NormalizeLevel(in); got != want {
			t.Fatalf("NormalizeLevel(%q) = %q, want %q", in, got, want)
		}
	}
}
