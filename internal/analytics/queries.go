package analytics

import (
	"context"
	"log"
	"time"

	"github.com/logamizer/logamizer/internal/model"
)

// HourlyRange returns a site's aggregate rows with hour buckets in
// [from, to), ordered by hour ascending.
func (s *Store) HourlyRange(ctx context.Context, siteID string, from, to time.Time) ([]model.HourlyAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(qctx, `
		SELECT hour_bucket, requests_count,
		       status_2xx, status_3xx, status_4xx, status_5xx,
		       unique_ips, total_bytes,
		       top_paths, top_ips, top_user_agents, top_status
		FROM hourly_aggregates
		WHERE site_id = ? AND hour_bucket >= ? AND hour_bucket < ?
		ORDER BY hour_bucket`,
		siteID, from, to)
	if err != nil {
		return nil, transientErr("analytics.hourly_range", err)
	}
	defer rows.Close()

	var out []model.HourlyAggregate
	for rows.Next() {
		agg := model.HourlyAggregate{SiteID: siteID}
		var paths, ips, uas, status string
		if err := rows.Scan(
			&agg.HourBucket, &agg.RequestsCount,
			&agg.Status2xx, &agg.Status3xx, &agg.Status4xx, &agg.Status5xx,
			&agg.UniqueIPs, &agg.TotalBytes,
			&paths, &ips, &uas, &status); err != nil {
			log.Printf("analytics: scan error (HourlyRange): %v", err)
			continue
		}
		agg.HourBucket = agg.HourBucket.UTC()
		if agg.TopPaths, err = decodeKeyCounts(paths); err != nil {
			return nil, permanentErr("analytics.hourly_range", err)
		}
		if agg.TopIPs, err = decodeKeyCounts(ips); err != nil {
			return nil, permanentErr("analytics.hourly_range", err)
		}
		if agg.TopUserAgents, err = decodeKeyCounts(uas); err != nil {
			return nil, permanentErr("analytics.hourly_range", err)
		}
		if agg.TopStatus, err = decodeKeyCounts(status); err != nil {
			return nil, permanentErr("analytics.hourly_range", err)
		}
		out = append(out, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, transientErr("analytics.hourly_range", err)
	}
	return out, nil
}

// Baseline returns the rows scoring hour H draws on: the window
// [H - days, H), excluding H itself.
func (s *Store) Baseline(ctx context.Context, siteID string, hour time.Time, days int) ([]model.HourlyAggregate, error) {
	return s.HourlyRange(ctx, siteID, hour.AddDate(0, 0, -days), hour)
}

// DeleteSiteWindow removes a site's rows with hour buckets in
// [from, to). Reanalysis clears the window first so recomputed rows
// land exact instead of additive.
func (s *Store) DeleteSiteWindow(ctx context.Context, siteID string, from, to time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(qctx, `
		DELETE FROM hourly_aggregates
		WHERE site_id = ? AND hour_bucket >= ? AND hour_bucket < ?`,
		siteID, from, to)
	if err != nil {
		return transientErr("analytics.delete_site_window", err)
	}
	return nil
}
