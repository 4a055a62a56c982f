package httpserver

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/logamizer/logamizer/internal/jobs"
	"github.com/logamizer/logamizer/internal/journal"
	"github.com/logamizer/logamizer/internal/model"
	"github.com/logamizer/logamizer/internal/store"
)

// handleIngest accepts a multipart access-log upload for a site, stores
// it and queues its ingestion. Re-uploading bytes already processed
// returns the existing file instead of a new job.
func (s *Server) handleIngest(c *gin.Context) {
	site, err := s.meta.GetSite(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreErr(c, err)
		return
	}

	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing multipart file field"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable upload"})
		return
	}
	defer f.Close()

	key, sha, size, err := s.blobs.Put(f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store upload"})
		return
	}

	lf, created, err := s.meta.RegisterLogFile(c.Request.Context(), model.LogFile{
		SiteID:     site.ID,
		Filename:   fh.Filename,
		SHA256:     sha,
		SizeBytes:  size,
		StorageKey: key,
	})
	if err != nil {
		respondStoreErr(c, err)
		return
	}
	if !created && lf.Status == model.FileCompleted {
		c.JSON(http.StatusOK, gin.H{
			"file_id": lf.ID,
			"status":  "already_ingested",
		})
		return
	}

	job, err := s.queue.Enqueue(c.Request.Context(), journal.Request{
		Kind:      journal.KindIngest,
		SiteID:    site.ID,
		LogFileID: lf.ID,
	})
	if err != nil {
		respondEnqueueErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"file_id": lf.ID,
		"job":     jobJSON(job),
	})
}

// handleReanalyze queues a full rebuild of a site's aggregates. An
// optional JSON body narrows the hour window.
func (s *Server) handleReanalyze(c *gin.Context) {
	site, err := s.meta.GetSite(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreErr(c, err)
		return
	}

	var req struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	for _, raw := range []string{req.From, req.To} {
		if raw == "" {
			continue
		}
		if _, err := time.Parse(time.RFC3339, raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "timestamps must be RFC 3339"})
			return
		}
	}

	job, err := s.queue.Enqueue(c.Request.Context(), journal.Request{
		Kind:   journal.KindReanalyze,
		SiteID: site.ID,
		From:   req.From,
		To:     req.To,
	})
	if err != nil {
		respondEnqueueErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": jobJSON(job)})
}

// handleAnalyzeErrors queues the error grouper over a registered file.
func (s *Server) handleAnalyzeErrors(c *gin.Context) {
	lf, err := s.meta.GetLogFile(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreErr(c, err)
		return
	}

	job, err := s.queue.Enqueue(c.Request.Context(), journal.Request{
		Kind:      journal.KindAnalyzeErrors,
		SiteID:    lf.SiteID,
		LogFileID: lf.ID,
	})
	if err != nil {
		respondEnqueueErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": jobJSON(job)})
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.meta.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, jobJSON(job))
}

// handleAggregates returns a site's hourly rows over a half-open hour
// window, defaulting to the last 24 hours.
func (s *Server) handleAggregates(c *gin.Context) {
	site, err := s.meta.GetSite(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreErr(c, err)
		return
	}

	to := time.Now().UTC().Truncate(time.Hour).Add(time.Hour)
	from := to.Add(-24 * time.Hour)
	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
			return
		}
		from = t.UTC().Truncate(time.Hour)
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC 3339"})
			return
		}
		to = t.UTC().Truncate(time.Hour)
	}

	rows, err := s.analytics.HourlyRange(c.Request.Context(), site.ID, from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read aggregates"})
		return
	}

	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, gin.H{
			"hour":            row.HourBucket.Format(time.RFC3339),
			"requests_count":  row.RequestsCount,
			"status_2xx":      row.Status2xx,
			"status_3xx":      row.Status3xx,
			"status_4xx":      row.Status4xx,
			"status_5xx":      row.Status5xx,
			"unique_ips":      row.UniqueIPs,
			"total_bytes":     row.TotalBytes,
			"top_paths":       row.TopPaths,
			"top_ips":         row.TopIPs,
			"top_user_agents": row.TopUserAgents,
			"top_status":      row.TopStatus,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"from":  from.Format(time.RFC3339),
		"to":    to.Format(time.RFC3339),
		"hours": out,
	})
}

func (s *Server) handleFindings(c *gin.Context) {
	site, err := s.meta.GetSite(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreErr(c, err)
		return
	}

	q := store.FindingQuery{
		Severity: model.Severity(c.Query("severity")),
		Type:     c.Query("type"),
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		q.Limit = n
	}

	findings, err := s.meta.ListFindings(c.Request.Context(), site.ID, q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read findings"})
		return
	}

	out := make([]gin.H, 0, len(findings))
	for _, f := range findings {
		out = append(out, gin.H{
			"fingerprint":      f.Fingerprint,
			"type":             f.FindingType,
			"severity":         f.Severity,
			"title":            f.Title,
			"description":      f.Description,
			"suggested_action": f.SuggestedAction,
			"evidence":         f.Evidence,
			"meta":             f.Meta,
		})
	}
	c.JSON(http.StatusOK, gin.H{"findings": out})
}

func (s *Server) handleErrorGroups(c *gin.Context) {
	site, err := s.meta.GetSite(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreErr(c, err)
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	groups, err := s.meta.ListErrorGroups(c.Request.Context(), site.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read error groups"})
		return
	}

	out := make([]gin.H, 0, len(groups))
	for _, g := range groups {
		out = append(out, gin.H{
			"fingerprint":      g.Fingerprint,
			"error_type":       g.ErrorType,
			"message":          g.Message,
			"first_seen":       g.FirstSeen.Format(time.RFC3339),
			"last_seen":        g.LastSeen.Format(time.RFC3339),
			"occurrence_count": g.OccurrenceCount,
			"status":           g.Status,
		})
	}
	c.JSON(http.StatusOK, gin.H{"groups": out})
}

func jobJSON(job model.Job) gin.H {
	out := gin.H{
		"id":       job.ID,
		"site_id":  job.SiteID,
		"status":   job.Status,
		"progress": job.Progress,
		"message":  job.Message,
	}
	if job.LogFileID != "" {
		out["log_file_id"] = job.LogFileID
	}
	if !job.CreatedAt.IsZero() {
		out["created_at"] = job.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !job.CompletedAt.IsZero() {
		out["completed_at"] = job.CompletedAt.UTC().Format(time.RFC3339)
	}
	return out
}

func respondStoreErr(c *gin.Context, err error) {
	if errors.Is(err, model.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
}

func respondEnqueueErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrJobInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "a job for this target is already in flight"})
	case errors.Is(err, jobs.ErrQueueFull):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "work queue is full, retry later"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to queue work"})
	}
}
