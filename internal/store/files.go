package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/logamizer/logamizer/internal/model"
)

// RegisterLogFile records an uploaded file, deduplicating on
// (site, sha256). If the same content was seen before, the existing
// record is returned with created false.
func (s *Store) RegisterLogFile(ctx context.Context, lf model.LogFile) (model.LogFile, bool, error) {
	if lf.ID == "" {
		lf.ID = uuid.NewString()
	}
	if lf.Status == "" {
		lf.Status = model.FilePending
	}

	var existing logFileRecord
	err := s.db.WithContext(ctx).
		First(&existing, "site_id = ? AND sha256 = ?", lf.SiteID, lf.SHA256).Error
	if err == nil {
		return fromLogFileRecord(existing), false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return model.LogFile{}, false, wrap("store.register_log_file", err)
	}

	rec := toLogFileRecord(lf)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return model.LogFile{}, false, wrap("store.register_log_file", err)
	}
	return fromLogFileRecord(rec), true, nil
}

// GetLogFile loads one file record.
func (s *Store) GetLogFile(ctx context.Context, id string) (model.LogFile, error) {
	var rec logFileRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return model.LogFile{}, wrap("store.get_log_file", err)
	}
	return fromLogFileRecord(rec), nil
}

// ListLogFiles returns a site's files, newest first.
func (s *Store) ListLogFiles(ctx context.Context, siteID string) ([]model.LogFile, error) {
	var recs []logFileRecord
	err := s.db.WithContext(ctx).
		Where("site_id = ?", siteID).
		Order("created_at DESC").
		Find(&recs).Error
	if err != nil {
		return nil, wrap("store.list_log_files", err)
	}
	out := make([]model.LogFile, 0, len(recs))
	for _, rec := range recs {
		out = append(out, fromLogFileRecord(rec))
	}
	return out, nil
}

// SetLogFileStatus transitions a file's lifecycle state. The error
// message is stored only for failed transitions.
func (s *Store) SetLogFileStatus(ctx context.Context, id string, status model.LogFileStatus, errMsg string) error {
	updates := map[string]interface{}{"status": string(status), "error": ""}
	if status == model.FileFailed {
		updates["error"] = errMsg
	}
	res := s.db.WithContext(ctx).Model(&logFileRecord{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return wrap("store.set_log_file_status", res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

// SaveQualityReport persists the parse quality summary for a file.
func (s *Store) SaveQualityReport(ctx context.Context, id string, report model.QualityReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return &model.PersistenceError{Op: "store.save_quality_report", Err: fmt.Errorf("encoding quality report: %w", err)}
	}
	res := s.db.WithContext(ctx).Model(&logFileRecord{}).Where("id = ?", id).Update("quality", string(data))
	if res.Error != nil {
		return wrap("store.save_quality_report", res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

// QualityReport loads the stored parse quality summary for a file.
func (s *Store) QualityReport(ctx context.Context, id string) (model.QualityReport, error) {
	var rec logFileRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return model.QualityReport{}, wrap("store.quality_report", err)
	}
	var report model.QualityReport
	if rec.Quality == "" {
		return report, nil
	}
	if err := json.Unmarshal([]byte(rec.Quality), &report); err != nil {
		return model.QualityReport{}, &model.PersistenceError{Op: "store.quality_report", Err: fmt.Errorf("decoding quality report: %w", err)}
	}
	return report, nil
}

func toLogFileRecord(lf model.LogFile) logFileRecord {
	return logFileRecord{
		ID:         lf.ID,
		SiteID:     lf.SiteID,
		SHA256:     lf.SHA256,
		Filename:   lf.Filename,
		SizeBytes:  lf.SizeBytes,
		StorageKey: lf.StorageKey,
		Status:     string(lf.Status),
		Error:      lf.Error,
	}
}

func fromLogFileRecord(rec logFileRecord) model.LogFile {
	return model.LogFile{
		ID:         rec.ID,
		SiteID:     rec.SiteID,
		SHA256:     rec.SHA256,
		Filename:   rec.Filename,
		SizeBytes:  rec.SizeBytes,
		StorageKey: rec.StorageKey,
		Status:     model.LogFileStatus(rec.Status),
		Error:      rec.Error,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
}

// CreateJob enqueues a job record in pending state, enforcing at most
// one live job per (site, log file) pair. Site-level jobs pass an empty
// log file id and are serialized per site the same way.
func (s *Store) CreateJob(ctx context.Context, logFileID, siteID string) (model.Job, error) {
	job := model.Job{
		ID:        uuid.NewString(),
		LogFileID: logFileID,
		SiteID:    siteID,
		Status:    model.JobPending,
		CreatedAt: time.Now().UTC(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var live int64
		err := tx.Model(&jobRecord{}).
			Where("log_file_id = ? AND site_id = ? AND status IN ?", logFileID, siteID, []string{string(model.JobPending), string(model.JobProcessing)}).
			Count(&live).Error
		if err != nil {
			return err
		}
		if live > 0 {
			return model.ErrJobInFlight
		}
		return tx.Create(toJobRecord(job)).Error
	})
	if err != nil {
		if errors.Is(err, model.ErrJobInFlight) {
			return model.Job{}, err
		}
		return model.Job{}, wrap("store.create_job", err)
	}
	return job, nil
}

// GetJob loads one job.
func (s *Store) GetJob(ctx context.Context, id string) (model.Job, error) {
	var rec jobRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return model.Job{}, wrap("store.get_job", err)
	}
	return fromJobRecord(rec), nil
}

// StartJob marks a job as processing.
func (s *Store) StartJob(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&jobRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":     string(model.JobProcessing),
		"started_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return wrap("store.start_job", res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

// ReportProgress updates a running job's progress percentage and
// message. Progress is clamped to [0, 100].
func (s *Store) ReportProgress(ctx context.Context, id string, percent int, message string) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	res := s.db.WithContext(ctx).Model(&jobRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
		"progress": percent,
		"message":  message,
	})
	return wrap("store.report_progress", res.Error)
}

// FinishJob records a job's terminal state.
func (s *Store) FinishJob(ctx context.Context, id string, status model.JobStatus, message string) error {
	progress := 100
	if status != model.JobCompleted {
		// Leave the last reported progress in place on failure.
		res := s.db.WithContext(ctx).Model(&jobRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":       string(status),
			"message":      message,
			"completed_at": time.Now().UTC(),
		})
		return wrap("store.finish_job", res.Error)
	}
	res := s.db.WithContext(ctx).Model(&jobRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":       string(status),
		"progress":     progress,
		"message":      message,
		"completed_at": time.Now().UTC(),
	})
	return wrap("store.finish_job", res.Error)
}

func toJobRecord(job model.Job) *jobRecord {
	return &jobRecord{
		ID:          job.ID,
		LogFileID:   job.LogFileID,
		SiteID:      job.SiteID,
		Status:      string(job.Status),
		Progress:    job.Progress,
		Message:     job.Message,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
}

func fromJobRecord(rec jobRecord) model.Job {
	return model.Job{
		ID:          rec.ID,
		LogFileID:   rec.LogFileID,
		SiteID:      rec.SiteID,
		Status:      model.JobStatus(rec.Status),
		Progress:    rec.Progress,
		Message:     rec.Message,
		CreatedAt:   rec.CreatedAt,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
	}
}
