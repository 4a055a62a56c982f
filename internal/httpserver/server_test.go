package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/logamizer/logamizer/internal/analytics"
	"github.com/logamizer/logamizer/internal/blob"
	"github.com/logamizer/logamizer/internal/journal"
	"github.com/logamizer/logamizer/internal/model"
	"github.com/logamizer/logamizer/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeQueue struct {
	mu   sync.Mutex
	reqs []journal.Request
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, req journal.Request) (model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return model.Job{}, q.err
	}
	q.reqs = append(q.reqs, req)
	return model.Job{ID: "job-1", SiteID: req.SiteID, Status: model.JobPending}, nil
}

func (q *fakeQueue) snapshot() []journal.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]journal.Request, len(q.reqs))
	copy(out, q.reqs)
	return out
}

type testEnv struct {
	meta   *store.Store
	an     *analytics.Store
	blobs  *blob.Store
	queue  *fakeQueue
	router *gin.Engine
}

func newTestEnv(t *testing.T) *testEnv {
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

	queue := &fakeQueue{}
	s := NewServer("", meta, an, blobs, queue)
	return &testEnv{meta: meta, an: an, blobs: blobs, queue: queue, router: s.router()}
}

func (e *testEnv) addSite(t *testing.T, id string) model.Site {
	t.Helper()
	site := model.Site{
		ID:        id,
		Name:      id,
		Domain:    id + ".example.com",
		LogFormat: model.FormatNginxCombined,
		Anomaly:   model.DefaultAnomalyParams(),
	}
	if err := e.meta.UpsertSite(context.Background(), site); err != nil {
		t.Fatalf("UpsertSite: %v", err)
	}
	return site
}

func (e *testEnv) do(t *testing.T, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
	return out
}

func multipartUpload(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatalf("writing multipart content: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("closing multipart writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	e.addSite(t, "site-1")

	w := e.do(t, http.MethodGet, "/api/health", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "ok" || body["sites"].(float64) != 1 {
		t.Errorf("body = %v", body)
	}
}

func TestIngestUploadQueuesJob(t *testing.T) {
	e := newTestEnv(t)
	e.addSite(t, "site-1")

	buf, ct := multipartUpload(t, "access.log", "203.0.113.5 - - [10/Mar/2026:14:05:12 +0000] \"GET / HTTP/1.1\" 200 512 \"-\" \"curl/8\"\n")
	w := e.do(t, http.MethodPost, "/api/sites/site-1/ingest", buf, ct)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	reqs := e.queue.snapshot()
	if len(reqs) != 1 || reqs[0].Kind != journal.KindIngest || reqs[0].SiteID != "site-1" {
		t.Fatalf("queued = %+v", reqs)
	}
	files, err := e.meta.ListLogFiles(context.Background(), "site-1")
	if err != nil {
		t.Fatalf("ListLogFiles: %v", err)
	}
	if len(files) != 1 || files[0].Filename != "access.log" || files[0].ID != reqs[0].LogFileID {
		t.Fatalf("files = %+v", files)
	}
}

func TestIngestUnknownSite(t *testing.T) {
	e := newTestEnv(t)

	buf, ct := multipartUpload(t, "access.log", "x\n")
	w := e.do(t, http.MethodPost, "/api/sites/nope/ingest", buf, ct)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestIngestDuplicateCompletedFileSkipsQueue(t *testing.T) {
	e := newTestEnv(t)
	e.addSite(t, "site-1")

	content := "198.51.100.1 - - [10/Mar/2026:15:00:00 +0000] \"GET /a HTTP/1.1\" 200 10 \"-\" \"curl/8\"\n"
	buf, ct := multipartUpload(t, "access.log", content)
	if w := e.do(t, http.MethodPost, "/api/sites/site-1/ingest", buf, ct); w.Code != http.StatusAccepted {
		t.Fatalf("first upload status = %d", w.Code)
	}
	files, err := e.meta.ListLogFiles(context.Background(), "site-1")
	if err != nil || len(files) != 1 {
		t.Fatalf("ListLogFiles: %v (%d files)", err, len(files))
	}
	if err := e.meta.SetLogFileStatus(context.Background(), files[0].ID, model.FileCompleted, ""); err != nil {
		t.Fatalf("SetLogFileStatus: %v", err)
	}

	buf, ct = multipartUpload(t, "access-copy.log", content)
	w := e.do(t, http.MethodPost, "/api/sites/site-1/ingest", buf, ct)
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d, body %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["status"] != "already_ingested" {
		t.Errorf("body = %v", body)
	}
	if got := len(e.queue.snapshot()); got != 1 {
		t.Errorf("queued %d requests, want 1", got)
	}
}

func TestReanalyzeQueuesWindow(t *testing.T) {
	e := newTestEnv(t)
	e.addSite(t, "site-1")

	body := bytes.NewBufferString(`{"from":"2026-03-10T00:00:00Z","to":"2026-03-11T00:00:00Z"}`)
	w := e.do(t, http.MethodPost, "/api/sites/site-1/reanalyze", body, "application/json")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	reqs := e.queue.snapshot()
	if len(reqs) != 1 || reqs[0].Kind != journal.KindReanalyze || reqs[0].From != "2026-03-10T00:00:00Z" {
		t.Fatalf("queued = %+v", reqs)
	}
}

func TestReanalyzeEmptyBodyAndBadTimestamp(t *testing.T) {
	e := newTestEnv(t)
	e.addSite(t, "site-1")

	if w := e.do(t, http.MethodPost, "/api/sites/site-1/reanalyze", nil, "application/json"); w.Code != http.StatusAccepted {
		t.Fatalf("empty body status = %d, body %s", w.Code, w.Body.String())
	}
	bad := bytes.NewBufferString(`{"from":"yesterday"}`)
	if w := e.do(t, http.MethodPost, "/api/sites/site-1/reanalyze", bad, "application/json"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad timestamp status = %d", w.Code)
	}
}

func TestAnalyzeErrorsQueuesRegisteredFile(t *testing.T) {
	e := newTestEnv(t)
	e.addSite(t, "site-1")

	key, sha, size, err := e.blobs.Put(strings.NewReader("2026-03-10T09:00:00Z KeyError: 'x'\n"))
	if err != nil {
		t.Fatalf("blobs.Put: %v", err)
	}
	lf, _, err := e.meta.RegisterLogFile(context.Background(), model.LogFile{
		SiteID: "site-1", Filename: "error.log", SHA256: sha, SizeBytes: size, StorageKey: key,
	})
	if err != nil {
		t.Fatalf("RegisterLogFile: %v", err)
	}

	w := e.do(t, http.MethodPost, "/api/files/"+lf.ID+"/analyze-errors", nil, "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	reqs := e.queue.snapshot()
	if len(reqs) != 1 || reqs[0].Kind != journal.KindAnalyzeErrors || reqs[0].LogFileID != lf.ID {
		t.Fatalf("queued = %+v", reqs)
	}
}

func TestGetJob(t *testing.T) {
	e := newTestEnv(t)
	e.addSite(t, "site-1")

	job, err := e.meta.CreateJob(context.Background(), "", "site-1")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	w := e.do(t, http.MethodGet, "/api/jobs/"+job.ID, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["id"] != job.ID || body["status"] != string(model.JobPending) {
		t.Errorf("body = %v", body)
	}

	if w := e.do(t, http.MethodGet, "/api/jobs/missing", nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("missing job status = %d, want 404", w.Code)
	}
}

func TestAggregatesWindow(t *testing.T) {
	e := newTestEnv(t)
	e.addSite(t, "site-1")

	hour := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	err := e.an.UpsertHourly(context.Background(), []model.HourlyAggregate{{
		SiteID:        "site-1",
		HourBucket:    hour,
		RequestsCount: 7,
		Status2xx:     7,
		UniqueIPs:     3,
		TotalBytes:    700,
		TopPaths:      []model.KeyCount{{Key: "/", Count: 7}},
	}})
	if err != nil {
		t.Fatalf("UpsertHourly: %v", err)
	}

	w := e.do(t, http.MethodGet, "/api/sites/site-1/aggregates?from=2026-03-10T14:00:00Z&to=2026-03-10T15:00:00Z", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	hours := body["hours"].([]any)
	if len(hours) != 1 {
		t.Fatalf("hours = %v", hours)
	}
	row := hours[0].(map[string]any)
	if row["requests_count"].(float64) != 7 || row["unique_ips"].(float64) != 3 {
		t.Errorf("row = %v", row)
	}

	if w := e.do(t, http.MethodGet, "/api/sites/site-1/aggregates?from=notatime", nil, ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad from status = %d, want 400", w.Code)
	}
}

func TestFindingsFilterBySeverity(t *testing.T) {
	e := newTestEnv(t)
	e.addSite(t, "site-1")

	seen := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	err := e.meta.UpsertFindings(context.Background(), []model.Finding{
		{
			SiteID: "site-1", Fingerprint: "fp-1", FindingType: "scanner.probing",
			Severity: model.SeverityHigh, Title: "Scanner probing",
			Meta: model.FindingMeta{Count: 25, FirstSeen: seen, LastSeen: seen},
		},
		{
			SiteID: "site-1", Fingerprint: "fp-2", FindingType: "errors.burst",
			Severity: model.SeverityMedium, Title: "5xx burst",
			Meta: model.FindingMeta{Count: 12, FirstSeen: seen, LastSeen: seen},
		},
	})
	if err != nil {
		t.Fatalf("UpsertFindings: %v", err)
	}

	w := e.do(t, http.MethodGet, "/api/sites/site-1/findings?severity=high", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	findings := body["findings"].([]any)
	if len(findings) != 1 {
		t.Fatalf("findings = %v", findings)
	}
	if f := findings[0].(map[string]any); f["fingerprint"] != "fp-1" {
		t.Errorf("finding = %v", f)
	}
}

func TestErrorGroupsListed(t *testing.T) {
	e := newTestEnv(t)
	e.addSite(t, "site-1")

	seen := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	err := e.meta.MergeErrorGroups(context.Background(), []model.ErrorGroup{{
		SiteID: "site-1", Fingerprint: "eg-1", ErrorType: "KeyError",
		Message: "KeyError: 'user_id'", FirstSeen: seen, LastSeen: seen,
		OccurrenceCount: 2, Status: model.GroupUnresolved,
	}})
	if err != nil {
		t.Fatalf("MergeErrorGroups: %v", err)
	}

	w := e.do(t, http.MethodGet, "/api/sites/site-1/errors", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	groups := body["groups"].([]any)
	if len(groups) != 1 {
		t.Fatalf("groups = %v", groups)
	}
	g := groups[0].(map[string]any)
	if g["error_type"] != "KeyError" || g["occurrence_count"].(float64) != 2 {
		t.Errorf("group = %v", g)
	}
}

func TestEnqueueConflictMapsTo409(t *testing.T) {
	e := newTestEnv(t)
	e.addSite(t, "site-1")
	e.queue.err = model.ErrJobInFlight

	w := e.do(t, http.MethodPost, "/api/sites/site-1/reanalyze", nil, "application/json")
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}
