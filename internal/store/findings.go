package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/logamizer/logamizer/internal/model"
)

var severityRank = map[model.Severity]int{
	model.SeverityInfo:     0,
	model.SeverityLow:      1,
	model.SeverityMedium:   2,
	model.SeverityHigh:     3,
	model.SeverityCritical: 4,
}

// UpsertFindings inserts findings keyed by fingerprint. A fingerprint
// collision merges: counts add, the seen range widens, evidence grows
// up to the sample bound, and severity only ever escalates.
func (s *Store) UpsertFindings(ctx context.Context, findings []model.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, f := range findings {
			if err := upsertFinding(tx, f); err != nil {
				return err
			}
		}
		return nil
	})
	return wrap("store.upsert_findings", err)
}

func upsertFinding(tx *gorm.DB, f model.Finding) error {
	var existing findingRecord
	err := tx.First(&existing, "fingerprint = ?", f.Fingerprint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		rec, err := toFindingRecord(f)
		if err != nil {
			return err
		}
		return tx.Create(&rec).Error
	}
	if err != nil {
		return err
	}

	var evidence []model.Evidence
	if existing.Evidence != "" {
		if err := json.Unmarshal([]byte(existing.Evidence), &evidence); err != nil {
			return fmt.Errorf("decoding evidence for %s: %w", f.Fingerprint, err)
		}
	}
	for _, ev := range f.Evidence {
		if len(evidence) >= model.MaxEvidenceSamples {
			break
		}
		evidence = append(evidence, ev)
	}
	encoded, err := json.Marshal(evidence)
	if err != nil {
		return fmt.Errorf("encoding evidence for %s: %w", f.Fingerprint, err)
	}

	updates := map[string]interface{}{
		"evidence":    string(encoded),
		"count":       existing.Count + f.Meta.Count,
		"description": f.Description,
	}
	if f.Meta.FirstSeen.Before(existing.FirstSeen) {
		updates["first_seen"] = f.Meta.FirstSeen
	}
	if f.Meta.LastSeen.After(existing.LastSeen) {
		updates["last_seen"] = f.Meta.LastSeen
	}
	if severityRank[f.Severity] > severityRank[model.Severity(existing.Severity)] {
		updates["severity"] = string(f.Severity)
	}
	return tx.Model(&findingRecord{}).Where("fingerprint = ?", f.Fingerprint).Updates(updates).Error
}

// DeleteFindingsInWindow removes a site's findings, anomaly signals
// included, whose first occurrence falls inside [from, to). Window
// rebuilds delete before reprocessing so merged counts reflect one pass
// over the raw files instead of accumulating across runs.
func (s *Store) DeleteFindingsInWindow(ctx context.Context, siteID string, from, to time.Time) error {
	err := s.db.WithContext(ctx).
		Where("site_id = ? AND first_seen >= ? AND first_seen < ?", siteID, from, to).
		Delete(&findingRecord{}).Error
	return wrap("store.delete_findings_window", err)
}

// FindingQuery narrows ListFindings. Zero values match everything.
type FindingQuery struct {
	Severity model.Severity
	Type     string
	Limit    int
}

// ListFindings returns a site's findings, most recently seen first.
func (s *Store) ListFindings(ctx context.Context, siteID string, q FindingQuery) ([]model.Finding, error) {
	db := s.db.WithContext(ctx).Where("site_id = ?", siteID)
	if q.Severity != "" {
		db = db.Where("severity = ?", string(q.Severity))
	}
	if q.Type != "" {
		db = db.Where("finding_type = ?", q.Type)
	}
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}

	var recs []findingRecord
	if err := db.Order("last_seen DESC").Find(&recs).Error; err != nil {
		return nil, wrap("store.list_findings", err)
	}
	out := make([]model.Finding, 0, len(recs))
	for _, rec := range recs {
		f, err := fromFindingRecord(rec)
		if err != nil {
			return nil, wrap("store.list_findings", err)
		}
		out = append(out, f)
	}
	return out, nil
}

func toFindingRecord(f model.Finding) (findingRecord, error) {
	evidence, err := json.Marshal(f.Evidence)
	if err != nil {
		return findingRecord{}, fmt.Errorf("encoding evidence: %w", err)
	}
	return findingRecord{
		Fingerprint:     f.Fingerprint,
		SiteID:          f.SiteID,
		FindingType:     f.FindingType,
		Severity:        string(f.Severity),
		Title:           f.Title,
		Description:     f.Description,
		SuggestedAction: f.SuggestedAction,
		Evidence:        string(evidence),
		SourceIP:        f.Meta.SourceIP,
		Count:           f.Meta.Count,
		FirstSeen:       f.Meta.FirstSeen,
		LastSeen:        f.Meta.LastSeen,
	}, nil
}

func fromFindingRecord(rec findingRecord) (model.Finding, error) {
	f := model.Finding{
		SiteID:          rec.SiteID,
		Fingerprint:     rec.Fingerprint,
		FindingType:     rec.FindingType,
		Severity:        model.Severity(rec.Severity),
		Title:           rec.Title,
		Description:     rec.Description,
		SuggestedAction: rec.SuggestedAction,
		Meta: model.FindingMeta{
			SourceIP:  rec.SourceIP,
			Count:     rec.Count,
			FirstSeen: rec.FirstSeen,
			LastSeen:  rec.LastSeen,
		},
	}
	if rec.Evidence != "" {
		if err := json.Unmarshal([]byte(rec.Evidence), &f.Evidence); err != nil {
			return model.Finding{}, fmt.Errorf("decoding evidence for %s: %w", rec.Fingerprint, err)
		}
	}
	return f, nil
}
