// Package rules runs per-event security detectors over normalized access
// events and emits findings with stable fingerprints.
package rules

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/logamizer/logamizer/internal/model"
)

var adminPathPrefixes = []string{
	"/wp-admin",
	"/wp-login",
	"/administrator",
	"/phpmyadmin",
	"/admin",
	"/manager/html",
	"/xmlrpc.php",
	"/.env",
	"/.git",
	"/config.php",
}

var authPathPrefixes = []string{
	"/login",
	"/signin",
	"/wp-login",
	"/auth",
	"/api/login",
	"/api/auth",
	"/user/login",
	"/account/login",
}

var sensitivePatterns = []string{
	".env",
	".git/",
	".htaccess",
	".htpasswd",
	"/etc/passwd",
	"wp-config.php",
	"id_rsa",
	".aws/credentials",
	".ssh/",
	".sql",
	".bak",
	".pem",
}

var suspiciousAgents = []string{
	"sqlmap",
	"nikto",
	"masscan",
	"nmap",
	"dirbuster",
	"gobuster",
	"wpscan",
	"hydra",
	"zgrab",
	"netsparker",
	"acunetix",
	"wfuzz",
	"ffuf",
}

var sqliPattern = regexp.MustCompile(`(?i)(union[\s+]+select|'\s*or\s+'?1'?\s*=\s*'?1|sleep\(|benchmark\(|information_schema|load_file\(|into\s+outfile)`)

var xssPattern = regexp.MustCompile(`(?i)(<script|onerror\s*=|onload\s*=|javascript:|document\.cookie|alert\()`)

// BuiltinRules returns fresh instances of every access-log detector.
// Each call returns independent state so concurrent jobs never share.
func BuiltinRules() []Rule {
	return []Rule{
		newWindowRule(windowSpec{
			id:           "scanner.probing",
			title:        "Scanner probing",
			window:       10 * time.Minute,
			threshold:    20,
			baseSeverity: model.SeverityHigh,
			escalateAt:   50,
			escalateTo:   model.SeverityCritical,
			match:        func(e *model.Event) bool { return e.Status == 404 },
			describe: func(ip string, n int) string {
				return fmt.Sprintf("%d requests for missing resources from %s within a 10-minute window", n, ip)
			},
			action: "Review the source IP and consider rate limiting or blocking it at the edge.",
		}),
		newWindowRule(windowSpec{
			id:           "auth.bruteforce",
			title:        "Authentication brute force",
			window:       5 * time.Minute,
			threshold:    10,
			baseSeverity: model.SeverityMedium,
			escalateAt:   25,
			escalateTo:   model.SeverityHigh,
			match: func(e *model.Event) bool {
				return e.Status >= 400 && e.Status < 500 && matchesPrefix(e.Path, authPathPrefixes)
			},
			describe: func(ip string, n int) string {
				return fmt.Sprintf("%d failed authentication attempts from %s within 5 minutes", n, ip)
			},
			action: "Enable account lockout or CAPTCHA on the login endpoint and block the source IP.",
		}),
		newWindowRule(windowSpec{
			id:           "server.error.burst",
			title:        "High 5xx rate from a single client",
			window:       5 * time.Minute,
			threshold:    10,
			baseSeverity: model.SeverityMedium,
			escalateAt:   20,
			escalateTo:   model.SeverityHigh,
			match:        func(e *model.Event) bool { return e.Status >= 500 && e.Status < 600 },
			describe: func(ip string, n int) string {
				return fmt.Sprintf("%d server errors triggered by %s within 5 minutes", n, ip)
			},
			action: "Inspect application logs for the failing endpoint; throttle the client if it is a broken scraper.",
		}),
		newPatternRule(patternSpec{
			id:       "admin.path.probe",
			title:    "Admin path probing",
			severity: model.SeverityMedium,
			match: func(e *model.Event) (string, bool) {
				for _, p := range adminPathPrefixes {
					if strings.HasPrefix(e.Path, p) {
						return e.IP + "|" + p, true
					}
				}
				return "", false
			},
			describe: func(subject string, n int) string {
				ip, pattern := splitSubject(subject)
				return fmt.Sprintf("%d requests from %s targeting the %s admin surface", n, ip, pattern)
			},
			action: "Restrict administrative paths to trusted networks or put them behind authentication.",
		}),
		newPatternRule(patternSpec{
			id:       "injection.signature",
			title:    "Injection signature in query string",
			severity: model.SeverityHigh,
			match: func(e *model.Event) (string, bool) {
				target := e.Path
				if decoded, err := url.QueryUnescape(target); err == nil {
					target = decoded
				}
				if sqliPattern.MatchString(target) {
					return e.IP + "|sqli", true
				}
				if xssPattern.MatchString(target) {
					return e.IP + "|xss", true
				}
				return "", false
			},
			describe: func(subject string, n int) string {
				ip, family := splitSubject(subject)
				return fmt.Sprintf("%d requests from %s carrying %s payload signatures", n, ip, family)
			},
			action: "Verify the application sanitizes these parameters and block the source IP.",
		}),
		newPatternRule(patternSpec{
			id:       "ua.suspicious",
			title:    "Known attack tool user agent",
			severity: model.SeverityMedium,
			match: func(e *model.Event) (string, bool) {
				ua := strings.ToLower(e.UserAgent)
				for _, bad := range suspiciousAgents {
					if strings.Contains(ua, bad) {
						return e.UserAgent, true
					}
				}
				return "", false
			},
			describe: func(subject string, n int) string {
				return fmt.Sprintf("%d requests identified as %q, a known scanning tool", n, subject)
			},
			action: "Block the tool's user agent at the edge and review what it enumerated.",
		}),
		newPatternRule(patternSpec{
			id:       "sensitive.file.exposure",
			title:    "Sensitive file served successfully",
			severity: model.SeverityCritical,
			match: func(e *model.Event) (string, bool) {
				if e.Status < 200 || e.Status >= 300 {
					return "", false
				}
				lower := strings.ToLower(e.Path)
				for _, p := range sensitivePatterns {
					if strings.Contains(lower, p) {
						return e.Path, true
					}
				}
				return "", false
			},
			describe: func(subject string, n int) string {
				return fmt.Sprintf("%s was served with a success status %d time(s); it matches a sensitive-file pattern", subject, n)
			},
			action: "Remove or deny access to the exposed file immediately and rotate any credentials it contains.",
		}),
		newPatternRule(patternSpec{
			id:       "path.traversal",
			title:    "Directory traversal attempt",
			severity: model.SeverityHigh,
			match: func(e *model.Event) (string, bool) {
				decoded := e.Path
				if d, err := url.PathUnescape(decoded); err == nil {
					decoded = d
				}
				if !hasTraversal(decoded) {
					return "", false
				}
				return e.IP + "|" + decoded, true
			},
			describe: func(subject string, n int) string {
				ip, path := splitSubject(subject)
				return fmt.Sprintf("%d traversal attempts from %s against %s", n, ip, path)
			},
			action: "Confirm the web server rejects traversal sequences and block the source IP.",
		}),
	}
}

func matchesPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func hasTraversal(path string) bool {
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

func splitSubject(subject string) (string, string) {
	if i := strings.Index(subject, "|"); i >= 0 {
		return subject[:i], subject[i+1:]
	}
	return subject, ""
}
