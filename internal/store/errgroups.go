package store

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/logamizer/logamizer/internal/errtrack"
	"github.com/logamizer/logamizer/internal/model"
)

// MergeErrorGroups upserts pre-folded groups by (site, fingerprint).
// Counts add, the seen range widens, and a resolved group reopens when
// it recurs. The conflict clause keeps concurrent merges correct.
func (s *Store) MergeErrorGroups(ctx context.Context, groups []model.ErrorGroup) error {
	if len(groups) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, g := range groups {
			rec := errorGroupRecord{
				SiteID:          g.SiteID,
				Fingerprint:     g.Fingerprint,
				ErrorType:       g.ErrorType,
				Message:         g.Message,
				FirstSeen:       g.FirstSeen,
				LastSeen:        g.LastSeen,
				OccurrenceCount: g.OccurrenceCount,
				Status:          string(model.GroupUnresolved),
			}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "site_id"}, {Name: "fingerprint"}},
				DoUpdates: clause.Assignments(map[string]interface{}{
					"occurrence_count": gorm.Expr("error_groups.occurrence_count + ?", g.OccurrenceCount),
					"first_seen":       gorm.Expr("MIN(error_groups.first_seen, ?)", g.FirstSeen),
					"last_seen":        gorm.Expr("MAX(error_groups.last_seen, ?)", g.LastSeen),
					"status":           string(model.GroupUnresolved),
				}),
			}).Create(&rec).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	return wrap("store.merge_error_groups", err)
}

// InsertOccurrences persists occurrence rows pointing at their groups.
func (s *Store) InsertOccurrences(ctx context.Context, siteID, logFileID string, occs []errtrack.Occurrence) error {
	if len(occs) == 0 {
		return nil
	}
	recs := make([]errorOccurrenceRecord, 0, len(occs))
	for _, occ := range occs {
		e := occ.Event
		recs = append(recs, errorOccurrenceRecord{
			ID:            uuid.NewString(),
			SiteID:        siteID,
			Fingerprint:   occ.Fingerprint,
			LogFileID:     logFileID,
			Timestamp:     e.Timestamp,
			ErrorType:     e.ErrorType,
			Message:       e.Message,
			StackTrace:    e.StackTrace,
			FilePath:      e.FilePath,
			LineInFile:    e.LineInFile,
			FunctionName:  e.FunctionName,
			RequestURL:    e.RequestURL,
			RequestMethod: e.RequestMethod,
			IP:            e.IP,
			UserAgent:     e.UserAgent,
			RawLine:       e.RawLine,
			LineNumber:    e.LineNumber,
		})
	}
	err := s.db.WithContext(ctx).CreateInBatches(recs, 200).Error
	return wrap("store.insert_occurrences", err)
}

// ListErrorGroups returns a site's groups ordered by recency.
func (s *Store) ListErrorGroups(ctx context.Context, siteID string, limit int) ([]model.ErrorGroup, error) {
	db := s.db.WithContext(ctx).Where("site_id = ?", siteID).Order("last_seen DESC")
	if limit > 0 {
		db = db.Limit(limit)
	}
	var recs []errorGroupRecord
	if err := db.Find(&recs).Error; err != nil {
		return nil, wrap("store.list_error_groups", err)
	}
	out := make([]model.ErrorGroup, 0, len(recs))
	for _, rec := range recs {
		out = append(out, model.ErrorGroup{
			SiteID:          rec.SiteID,
			Fingerprint:     rec.Fingerprint,
			ErrorType:       rec.ErrorType,
			Message:         rec.Message,
			FirstSeen:       rec.FirstSeen,
			LastSeen:        rec.LastSeen,
			OccurrenceCount: rec.OccurrenceCount,
			Status:          model.GroupStatus(rec.Status),
		})
	}
	return out, nil
}

// SetGroupStatus marks a group resolved or ignored.
func (s *Store) SetGroupStatus(ctx context.Context, siteID, fingerprint string, status model.GroupStatus) error {
	res := s.db.WithContext(ctx).Model(&errorGroupRecord{}).
		Where("site_id = ? AND fingerprint = ?", siteID, fingerprint).
		Update("status", string(status))
	if res.Error != nil {
		return wrap("store.set_group_status", res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}
