package rules

import (
	"fmt"
	"testing"
	"time"

	"github.com/logamizer/logamizer/internal/model"
)

func findByType(fs []model.Finding, findingType string) []model.Finding {
	var out []model.Finding
	for _, f := range fs {
		if f.FindingType == findingType {
			out = append(out, f)
		}
	}
	return out
}

func TestScannerProbing(t *testing.T) {
	eng := NewEngine("site-1", nil)
	start := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		eng.Step(&model.Event{
			Timestamp:  start.Add(time.Duration(i) * 10 * time.Second),
			IP:         "198.51.100.7",
			Method:     "GET",
			Path:       fmt.Sprintf("/wp-admin/page-%d", i),
			Status:     404,
			RawLine:    fmt.Sprintf("raw line %d", i),
			LineNumber: i + 1,
		})
	}

	findings := findByType(eng.Finish(), "scanner.probing")
	if len(findings) != 1 {
		t.Fatalf("scanner findings = %d, want 1", len(findings))
	}
	f := findings[0]
	if f.Severity != model.SeverityHigh {
		t.Fatalf("severity = %s, want high", f.Severity)
	}
	if f.Meta.SourceIP != "198.51.100.7" || f.Meta.Count != 25 {
		t.Fatalf("meta = %+v", f.Meta)
	}
	if len(f.Evidence) != model.MaxEvidenceSamples {
		t.Fatalf("evidence = %d, want %d", len(f.Evidence), model.MaxEvidenceSamples)
	}
	if f.Fingerprint == "" || f.SiteID != "site-1" {
		t.Fatalf("finding = %+v", f)
	}
}

func TestScannerEscalatesToCritical(t *testing.T) {
	eng := NewEngine("site-1", nil)
	start := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	for i := 0; i < 60; i++ {
		eng.Step(&model.Event{
			Timestamp: start.Add(time.Duration(i) * time.Second),
			IP:        "203.0.113.9",
			Path:      "/missing",
			Status:    404,
		})
	}

	findings := findByType(eng.Finish(), "scanner.probing")
	if len(findings) != 1 || findings[0].Severity != model.SeverityCritical {
		t.Fatalf("findings = %+v", findings)
	}
}

func TestScannerWindowSlides(t *testing.T) {
	eng := NewEngine("site-1", nil)
	start := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	// 30 404s spread one per 2 minutes: any 10-minute window holds at
	// most 6, below the threshold.
	for i := 0; i < 30; i++ {
		eng.Step(&model.Event{
			Timestamp: start.Add(time.Duration(i) * 2 * time.Minute),
			IP:        "203.0.113.9",
			Path:      "/missing",
			Status:    404,
		})
	}

	if findings := findByType(eng.Finish(), "scanner.probing"); len(findings) != 0 {
		t.Fatalf("findings = %+v, want none", findings)
	}
}

func TestWindowToleratesDisorder(t *testing.T) {
	eng := NewEngine("site-1", nil)
	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	// 19 in order, then one arriving 3 minutes behind the newest; it
	// still lands inside the same 10-minute window.
	for i := 0; i < 19; i++ {
		eng.Step(&model.Event{Timestamp: base.Add(time.Duration(i) * 20 * time.Second), IP: "10.0.0.1", Path: "/x", Status: 404})
	}
	eng.Step(&model.Event{Timestamp: base.Add(3 * time.Minute), IP: "10.0.0.1", Path: "/late", Status: 404})

	findings := findByType(eng.Finish(), "scanner.probing")
	if len(findings) != 1 || findings[0].Meta.Count != 20 {
		t.Fatalf("findings = %+v", findings)
	}
}

func TestBruteForce(t *testing.T) {
	eng := NewEngine("site-1", nil)
	start := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	for i := 0; i < 12; i++ {
		eng.Step(&model.Event{
			Timestamp: start.Add(time.Duration(i) * 10 * time.Second),
			IP:        "198.51.100.8",
			Method:    "POST",
			Path:      "/login",
			Status:    401,
		})
	}

	findings := findByType(eng.Finish(), "auth.bruteforce")
	if len(findings) != 1 {
		t.Fatalf("findings = %+v", findings)
	}
	if findings[0].Severity != model.SeverityMedium {
		t.Fatalf("severity = %s, want medium", findings[0].Severity)
	}
}

func TestBruteForceEscalates(t *testing.T) {
	eng := NewEngine("site-1", nil)
	start := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	for i := 0; i < 30; i++ {
		eng.Step(&model.Event{
			Timestamp: start.Add(time.Duration(i) * time.Second),
			IP:        "198.51.100.8",
			Path:      "/wp-login.php",
			Status:    403,
		})
	}

	findings := findByType(eng.Finish(), "auth.bruteforce")
	if len(findings) != 1 || findings[0].Severity != model.SeverityHigh {
		t.Fatalf("findings = %+v", findings)
	}
}

func TestServerErrorBurst(t *testing.T) {
	eng := NewEngine("site-1", nil)
	start := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	for i := 0; i < 22; i++ {
		eng.Step(&model.Event{
			Timestamp: start.Add(time.Duration(i) * 5 * time.Second),
			IP:        "203.0.113.77",
			Path:      "/api/orders",
			Status:    502,
		})
	}

	findings := findByType(eng.Finish(), "server.error.burst")
	if len(findings) != 1 || findings[0].Severity != model.SeverityHigh {
		t.Fatalf("findings = %+v", findings)
	}
}

func TestInjectionSignatures(t *testing.T) {
	eng := NewEngine("site-1", nil)
	ts := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	eng.Step(&model.Event{Timestamp: ts, IP: "10.0.0.5", Path: "/products?id=1%20UNION%20SELECT%20password%20FROM%20users", Status: 200})
	eng.Step(&model.Event{Timestamp: ts, IP: "10.0.0.5", Path: "/search?q=<script>alert(1)</script>", Status: 200})

	findings := findByType(eng.Finish(), "injection.signature")
	if len(findings) != 2 {
		t.Fatalf("findings = %d, want 2 (sqli and xss subjects)", len(findings))
	}
	for _, f := range findings {
		if f.Severity != model.SeverityHigh {
			t.Fatalf("severity = %s", f.Severity)
		}
	}
}

func TestSuspiciousUserAgent(t *testing.T) {
	eng := NewEngine("site-1", nil)
	ts := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	eng.Step(&model.Event{Timestamp: ts, IP: "10.0.0.6", Path: "/", Status: 200, UserAgent: "sqlmap/1.7.2#stable"})
	eng.Step(&model.Event{Timestamp: ts, IP: "10.0.0.7", Path: "/", Status: 200, UserAgent: "Mozilla/5.0"})

	findings := findByType(eng.Finish(), "ua.suspicious")
	if len(findings) != 1 || findings[0].Meta.Count != 1 {
		t.Fatalf("findings = %+v", findings)
	}
}

func TestSensitiveFileExposureRequiresSuccess(t *testing.T) {
	eng := NewEngine("site-1", nil)
	ts := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	eng.Step(&model.Event{Timestamp: ts, IP: "10.0.0.8", Path: "/.env", Status: 200})
	eng.Step(&model.Event{Timestamp: ts, IP: "10.0.0.8", Path: "/backup/site.sql", Status: 404})

	findings := findByType(eng.Finish(), "sensitive.file.exposure")
	if len(findings) != 1 {
		t.Fatalf("findings = %+v", findings)
	}
	if findings[0].Severity != model.SeverityCritical {
		t.Fatalf("severity = %s", findings[0].Severity)
	}
}

func TestTraversalDecodesBeforeMatching(t *testing.T) {
	eng := NewEngine("site-1", nil)
	ts := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	eng.Step(&model.Event{Timestamp: ts, IP: "10.0.0.9", Path: "/files/%2e%2e/%2e%2e/etc/passwd", Status: 403})
	eng.Step(&model.Event{Timestamp: ts, IP: "10.0.0.9", Path: "/files/normal.txt", Status: 200})

	findings := findByType(eng.Finish(), "path.traversal")
	if len(findings) != 1 {
		t.Fatalf("findings = %+v", findings)
	}
}

func TestFingerprintStability(t *testing.T) {
	first := time.Date(2026, 3, 10, 14, 12, 9, 0, time.UTC)
	a := Fingerprint("scanner.probing", "site-1", "198.51.100.7", first)
	b := Fingerprint("scanner.probing", "site-1", "198.51.100.7", first.Add(30*time.Minute))
	if a != b {
		t.Fatalf("fingerprints differ within one hour window: %s vs %s", a, b)
	}
	c := Fingerprint("scanner.probing", "site-1", "198.51.100.7", first.Add(2*time.Hour))
	if a == c {
		t.Fatal("fingerprints equal across hour windows")
	}
	d := Fingerprint("scanner.probing", "site-2", "198.51.100.7", first)
	if a == d {
		t.Fatal("fingerprints equal across sites")
	}
}

type panickyRule struct{}

func (panickyRule) ID() string                    { return "test.panic" }
func (panickyRule) Step(*model.Event)             { panic("boom") }
func (panickyRule) Finish(string) []model.Finding { return nil }

func TestEngineIsolatesRulePanics(t *testing.T) {
	eng := NewEngine("site-1", append([]Rule{panickyRule{}}, BuiltinRules()...))
	ts := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	eng.Step(&model.Event{Timestamp: ts, IP: "10.0.0.1", Path: "/.env", Status: 200})

	findings := findByType(eng.Finish(), "sensitive.file.exposure")
	if len(findings) != 1 {
		t.Fatalf("findings = %+v, want the healthy rule to still fire", findings)
	}
}
