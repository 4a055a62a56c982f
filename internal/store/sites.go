package store

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm/clause"

	"github.com/logamizer/logamizer/internal/model"
)

// UpsertSite creates or replaces a site's settings.
func (s *Store) UpsertSite(ctx context.Context, site model.Site) error {
	rec, err := toSiteRecord(site)
	if err != nil {
		return &model.PersistenceError{Op: "store.upsert_site", Err: err}
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&rec).Error
	return wrap("store.upsert_site", err)
}

// GetSite loads one site's settings.
func (s *Store) GetSite(ctx context.Context, id string) (model.Site, error) {
	var rec siteRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return model.Site{}, wrap("store.get_site", err)
	}
	return fromSiteRecord(rec)
}

// ListSites returns all registered sites ordered by id.
func (s *Store) ListSites(ctx context.Context) ([]model.Site, error) {
	var recs []siteRecord
	if err := s.db.WithContext(ctx).Order("id").Find(&recs).Error; err != nil {
		return nil, wrap("store.list_sites", err)
	}
	sites := make([]model.Site, 0, len(recs))
	for _, rec := range recs {
		site, err := fromSiteRecord(rec)
		if err != nil {
			return nil, err
		}
		sites = append(sites, site)
	}
	return sites, nil
}

func toSiteRecord(site model.Site) (siteRecord, error) {
	anomaly, err := json.Marshal(site.Anomaly)
	if err != nil {
		return siteRecord{}, fmt.Errorf("encoding anomaly params: %w", err)
	}
	hidden, err := json.Marshal(site.HiddenIPs)
	if err != nil {
		return siteRecord{}, fmt.Errorf("encoding hidden ips: %w", err)
	}
	return siteRecord{
		ID:        site.ID,
		Name:      site.Name,
		Domain:    site.Domain,
		LogFormat: string(site.LogFormat),
		Anomaly:   string(anomaly),
		HiddenIPs: string(hidden),
	}, nil
}

func fromSiteRecord(rec siteRecord) (model.Site, error) {
	site := model.Site{
		ID:        rec.ID,
		Name:      rec.Name,
		Domain:    rec.Domain,
		LogFormat: model.LogFormat(rec.LogFormat),
	}
	if rec.Anomaly != "" {
		if err := json.Unmarshal([]byte(rec.Anomaly), &site.Anomaly); err != nil {
			return model.Site{}, &model.PersistenceError{Op: "store.get_site", Err: fmt.Errorf("decoding anomaly params: %w", err)}
		}
	}
	if rec.HiddenIPs != "" {
		if err := json.Unmarshal([]byte(rec.HiddenIPs), &site.HiddenIPs); err != nil {
			return model.Site{}, &model.PersistenceError{Op: "store.get_site", Err: fmt.Errorf("decoding hidden ips: %w", err)}
		}
	}
	return site, nil
}
