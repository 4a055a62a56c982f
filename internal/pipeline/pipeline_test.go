package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/logamizer/logamizer/internal/analytics"
	"github.com/logamizer/logamizer/internal/blob"
	"github.com/logamizer/logamizer/internal/journal"
	"github.com/logamizer/logamizer/internal/model"
	"github.com/logamizer/logamizer/internal/store"
)

type env struct {
	meta  *store.Store
	an    *analytics.Store
	blobs *blob.Store
	d     *Driver
}

func newEnv(t *testing.T) *env {
	t.Helper()

	meta, err := store.Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	an, err := analytics.NewStore("")
	if err != nil {
		t.Fatalf("analytics.NewStore: %v", err)
	}
	t.Cleanup(func() { an.Close() })

	blobs, err := blob.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("blob.NewStore: %v", err)
	}

	return &env{meta: meta, an: an, blobs: blobs, d: NewDriver(meta, an, blobs)}
}

func (e *env) addSite(t *testing.T, site model.Site) {
	t.Helper()
	if site.Anomaly == (model.AnomalyParams{}) {
		site.Anomaly = model.DefaultAnomalyParams()
	}
	if err := e.meta.UpsertSite(context.Background(), site); err != nil {
		t.Fatalf("UpsertSite: %v", err)
	}
}

func (e *env) upload(t *testing.T, siteID, filename, content string) model.LogFile {
	t.Helper()
	key, sha, size, err := e.blobs.Put(strings.NewReader(content))
	if err != nil {
		t.Fatalf("blob Put: %v", err)
	}
	lf, _, err := e.meta.RegisterLogFile(context.Background(), model.LogFile{
		SiteID:     siteID,
		Filename:   filename,
		SHA256:     sha,
		SizeBytes:  size,
		StorageKey: key,
	})
	if err != nil {
		t.Fatalf("RegisterLogFile: %v", err)
	}
	return lf
}

func (e *env) runJob(t *testing.T, req journal.Request) {
	t.Helper()
	job, err := e.meta.CreateJob(context.Background(), req.LogFileID, req.SiteID)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	req.JobID = job.ID
	if err := e.d.Run(context.Background(), req); err != nil {
		t.Fatalf("Run %s: %v", req.Kind, err)
	}
	if err := e.meta.FinishJob(context.Background(), job.ID, model.JobCompleted, "done"); err != nil {
		t.Fatalf("FinishJob: %v", err)
	}
}

func accessLine(ip string, ts time.Time, method, path string, status, bytes int) string {
	return fmt.Sprintf(`%s - - [%s] "%s %s HTTP/1.1" %d %d "-" "Mozilla/5.0"`,
		ip, ts.Format("02/Jan/2006:15:04:05 -0700"), method, path, status, bytes)
}

func TestIngestComputesAggregatesAndQuality(t *testing.T) {
	e := newEnv(t)
	e.addSite(t, model.Site{ID: "site-1", Name: "Example", LogFormat: model.FormatNginxCombined})

	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	content := strings.Join([]string{
		accessLine("203.0.113.5", base, "GET", "/index.html", 200, 512),
		accessLine("203.0.113.5", base.Add(time.Minute), "GET", "/about", 200, 256),
		accessLine("198.51.100.7", base.Add(2*time.Minute), "GET", "/index.html", 200, 512),
		accessLine("198.51.100.7", base.Add(3*time.Minute), "GET", "/missing", 404, 0),
		"this is not an access log line",
	}, "\n") + "\n"

	lf := e.upload(t, "site-1", "access.log", content)
	e.runJob(t, journal.Request{Kind: journal.KindIngest, SiteID: "site-1", LogFileID: lf.ID})

	got, err := e.meta.GetLogFile(context.Background(), lf.ID)
	if err != nil {
		t.Fatalf("GetLogFile: %v", err)
	}
	if got.Status != model.FileCompleted {
		t.Fatalf("file status = %s, want completed", got.Status)
	}

	report, err := e.meta.QualityReport(context.Background(), lf.ID)
	if err != nil {
		t.Fatalf("QualityReport: %v", err)
	}
	if report.TotalLines != 5 || report.ParsedLines != 4 || report.FailedLines != 1 {
		t.Fatalf("report = %+v", report)
	}

	rows, err := e.an.HourlyRange(context.Background(), "site-1", base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("HourlyRange: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	row := rows[0]
	if row.RequestsCount != 4 || row.Status2xx != 3 || row.Status4xx != 1 {
		t.Fatalf("row = %+v", row)
	}
	if row.UniqueIPs != 2 || row.TotalBytes != 1280 {
		t.Fatalf("unique_ips=%d total_bytes=%d", row.UniqueIPs, row.TotalBytes)
	}
}

func TestIngestDropsHiddenIPs(t *testing.T) {
	e := newEnv(t)
	e.addSite(t, model.Site{
		ID:        "site-1",
		LogFormat: model.FormatNginxCombined,
		HiddenIPs: []string{"10.0.0.1"},
	})

	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	content := strings.Join([]string{
		accessLine("10.0.0.1", base, "GET", "/health", 200, 2),
		accessLine("203.0.113.5", base.Add(time.Minute), "GET", "/index.html", 200, 512),
	}, "\n") + "\n"

	lf := e.upload(t, "site-1", "access.log", content)
	e.runJob(t, journal.Request{Kind: journal.KindIngest, SiteID: "site-1", LogFileID: lf.ID})

	rows, err := e.an.HourlyRange(context.Background(), "site-1", base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("HourlyRange: %v", err)
	}
	if len(rows) != 1 || rows[0].RequestsCount != 1 || rows[0].UniqueIPs != 1 {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestIngestEmitsScannerFinding(t *testing.T) {
	e := newEnv(t)
	e.addSite(t, model.Site{ID: "site-1", LogFormat: model.FormatNginxCombined})

	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	var lines []string
	for i := 0; i < 25; i++ {
		lines = append(lines, accessLine("198.51.100.7", base.Add(time.Duration(i)*10*time.Second),
			"GET", fmt.Sprintf("/wp-content/page-%d", i), 404, 0))
	}
	lf := e.upload(t, "site-1", "access.log", strings.Join(lines, "\n")+"\n")
	e.runJob(t, journal.Request{Kind: journal.KindIngest, SiteID: "site-1", LogFileID: lf.ID})

	findings, err := e.meta.ListFindings(context.Background(), "site-1", store.FindingQuery{Type: "scanner.probing"})
	if err != nil {
		t.Fatalf("ListFindings: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("findings = %d, want 1", len(findings))
	}
	f := findings[0]
	if f.Severity != model.SeverityHigh || f.Meta.Count != 25 || f.Meta.SourceIP != "198.51.100.7" {
		t.Fatalf("finding = %+v", f)
	}

	// Re-ingesting identical content must not duplicate the finding or
	// inflate its count past what one pass over the file produces.
	e.runJob(t, journal.Request{Kind: journal.KindIngest, SiteID: "site-1", LogFileID: lf.ID})
	findings, err = e.meta.ListFindings(context.Background(), "site-1", store.FindingQuery{Type: "scanner.probing"})
	if err != nil {
		t.Fatalf("ListFindings again: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("findings after re-ingest = %d, want 1", len(findings))
	}
	if f := findings[0]; f.Meta.Count != 25 || f.Severity != model.SeverityHigh {
		t.Fatalf("finding after re-ingest = count %d severity %s, want 25 high", f.Meta.Count, f.Severity)
	}
}

func TestIngestMissingBlobFailsFile(t *testing.T) {
	e := newEnv(t)
	e.addSite(t, model.Site{ID: "site-1", LogFormat: model.FormatNginxCombined})

	lf, _, err := e.meta.RegisterLogFile(context.Background(), model.LogFile{
		SiteID:     "site-1",
		Filename:   "gone.log",
		SHA256:     "deadbeef",
		StorageKey: "de/deadbeef",
	})
	if err != nil {
		t.Fatalf("RegisterLogFile: %v", err)
	}
	job, err := e.meta.CreateJob(context.Background(), lf.ID, "site-1")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	err = e.d.Run(context.Background(), journal.Request{
		Kind: journal.KindIngest, SiteID: "site-1", LogFileID: lf.ID, JobID: job.ID,
	})
	var derr *model.DecodeError
	if !errors.As(err, &derr) {
		t.Fatalf("Run = %v, want DecodeError", err)
	}

	got, err := e.meta.GetLogFile(context.Background(), lf.ID)
	if err != nil {
		t.Fatalf("GetLogFile: %v", err)
	}
	if got.Status != model.FileFailed || got.Error == "" {
		t.Fatalf("file = %+v, want failed with reason", got)
	}
}

func TestAnalyzeErrorsGroupsOccurrences(t *testing.T) {
	e := newEnv(t)
	e.addSite(t, model.Site{ID: "site-1", LogFormat: model.FormatAuto})

	content := strings.Join([]string{
		"2026-03-10T09:00:00Z app[123]: KeyError: 'user_id'",
		"2026-03-10T09:05:00Z app[124]: KeyError: 'user_id'",
		"2026-03-10T10:00:00Z worker: ValueError: bad input near line 7",
	}, "\n") + "\n"

	lf := e.upload(t, "site-1", "app-errors.log", content)
	e.runJob(t, journal.Request{Kind: journal.KindAnalyzeErrors, SiteID: "site-1", LogFileID: lf.ID})

	groups, err := e.meta.ListErrorGroups(context.Background(), "site-1", 0)
	if err != nil {
		t.Fatalf("ListErrorGroups: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}

	var keyErr *model.ErrorGroup
	for i := range groups {
		if groups[i].ErrorType == "KeyError" {
			keyErr = &groups[i]
		}
	}
	if keyErr == nil || keyErr.OccurrenceCount != 2 {
		t.Fatalf("KeyError group = %+v", keyErr)
	}

	got, err := e.meta.GetLogFile(context.Background(), lf.ID)
	if err != nil {
		t.Fatalf("GetLogFile: %v", err)
	}
	if got.Status != model.FileCompleted {
		t.Fatalf("file status = %s", got.Status)
	}
}

func TestReanalyzeRestoresExactCounts(t *testing.T) {
	e := newEnv(t)
	e.addSite(t, model.Site{ID: "site-1", LogFormat: model.FormatNginxCombined})

	// Two files sharing the same two client IPs in the same hour: the
	// incremental path counts the IPs once per file.
	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	for i, name := range []string{"access-a.log", "access-b.log"} {
		content := strings.Join([]string{
			accessLine("203.0.113.5", base.Add(time.Duration(i)*time.Minute), "GET", "/index.html", 200, 512),
			accessLine("198.51.100.7", base.Add(time.Duration(i)*time.Minute+30*time.Second), "GET", "/about", 200, 256),
		}, "\n") + "\n"
		lf := e.upload(t, "site-1", name, content)
		e.runJob(t, journal.Request{Kind: journal.KindIngest, SiteID: "site-1", LogFileID: lf.ID})
	}

	rows, err := e.an.HourlyRange(context.Background(), "site-1", base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("HourlyRange: %v", err)
	}
	if len(rows) != 1 || rows[0].RequestsCount != 4 || rows[0].UniqueIPs != 4 {
		t.Fatalf("after incremental ingest rows = %+v", rows)
	}

	e.runJob(t, journal.Request{Kind: journal.KindReanalyze, SiteID: "site-1"})

	rows, err = e.an.HourlyRange(context.Background(), "site-1", base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("HourlyRange after reanalyze: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].RequestsCount != 4 || rows[0].UniqueIPs != 2 {
		t.Fatalf("reanalyzed row = %+v", rows[0])
	}
}

func TestReanalyzeKeepsFindingCounts(t *testing.T) {
	e := newEnv(t)
	e.addSite(t, model.Site{ID: "site-1", LogFormat: model.FormatNginxCombined})

	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	var lines []string
	for i := 0; i < 30; i++ {
		lines = append(lines, accessLine("198.51.100.7", base.Add(time.Duration(i)*10*time.Second),
			"GET", fmt.Sprintf("/wp-content/page-%d", i), 404, 0))
	}
	lf := e.upload(t, "site-1", "access.log", strings.Join(lines, "\n")+"\n")
	e.runJob(t, journal.Request{Kind: journal.KindIngest, SiteID: "site-1", LogFileID: lf.ID})

	// Reprocessing regenerates the same fingerprints; the rebuild must
	// replace the window's findings, not merge into them.
	e.runJob(t, journal.Request{Kind: journal.KindReanalyze, SiteID: "site-1"})

	findings, err := e.meta.ListFindings(context.Background(), "site-1", store.FindingQuery{Type: "scanner.probing"})
	if err != nil {
		t.Fatalf("ListFindings: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("findings = %d, want 1", len(findings))
	}
	f := findings[0]
	if f.Meta.Count != 30 || f.Severity != model.SeverityHigh {
		t.Fatalf("finding after reanalyze = count %d severity %s, want 30 high", f.Meta.Count, f.Severity)
	}
}

func TestRetryAfterFailureReconciles(t *testing.T) {
	e := newEnv(t)
	e.addSite(t, model.Site{ID: "site-1", LogFormat: model.FormatNginxCombined})

	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	content := strings.Join([]string{
		accessLine("203.0.113.5", base, "GET", "/index.html", 200, 512),
		accessLine("198.51.100.7", base.Add(time.Minute), "GET", "/about", 200, 256),
	}, "\n") + "\n"

	lf := e.upload(t, "site-1", "access.log", content)
	e.runJob(t, journal.Request{Kind: journal.KindIngest, SiteID: "site-1", LogFileID: lf.ID})

	// Simulate a run that flushed its hours and then got canceled.
	if err := e.meta.SetLogFileStatus(context.Background(), lf.ID, model.FileFailed, "canceled before end of file"); err != nil {
		t.Fatalf("SetLogFileStatus: %v", err)
	}

	e.runJob(t, journal.Request{Kind: journal.KindIngest, SiteID: "site-1", LogFileID: lf.ID})

	got, err := e.meta.GetLogFile(context.Background(), lf.ID)
	if err != nil {
		t.Fatalf("GetLogFile: %v", err)
	}
	if got.Status != model.FileCompleted {
		t.Fatalf("file status = %s, want completed", got.Status)
	}

	rows, err := e.an.HourlyRange(context.Background(), "site-1", base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("HourlyRange: %v", err)
	}
	if len(rows) != 1 || rows[0].RequestsCount != 2 || rows[0].UniqueIPs != 2 {
		t.Fatalf("rows after retry = %+v, want one reconciled hour", rows)
	}
}
