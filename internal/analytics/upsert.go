package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/logamizer/logamizer/internal/aggregate"
	"github.com/logamizer/logamizer/internal/model"
)

// UpsertHourly merges freshly aggregated rows into the table. Counters
// add; top-K summaries merge commutatively; unique_ips accumulates as
// an upper bound until a reanalyze recomputes the window exactly.
func (s *Store) UpsertHourly(ctx context.Context, rows []model.HourlyAggregate) error {
	if len(rows) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(qctx, nil)
	if err != nil {
		return transientErr("analytics.upsert_hourly", err)
	}
	defer tx.Rollback()

	for _, row := range rows {
		if err := upsertRow(qctx, tx, row); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return transientErr("analytics.upsert_hourly", err)
	}
	return nil
}

func upsertRow(ctx context.Context, tx *sql.Tx, row model.HourlyAggregate) error {
	var existing model.HourlyAggregate
	var paths, ips, uas, status string
	err := tx.QueryRowContext(ctx, `
		SELECT requests_count, status_2xx, status_3xx, status_4xx, status_5xx,
		       unique_ips, total_bytes, top_paths, top_ips, top_user_agents, top_status
		FROM hourly_aggregates
		WHERE site_id = ? AND hour_bucket = ?`,
		row.SiteID, row.HourBucket).Scan(
		&existing.RequestsCount, &existing.Status2xx, &existing.Status3xx,
		&existing.Status4xx, &existing.Status5xx, &existing.UniqueIPs,
		&existing.TotalBytes, &paths, &ips, &uas, &status)

	if errors.Is(err, sql.ErrNoRows) {
		return insertRow(ctx, tx, row)
	}
	if err != nil {
		return transientErr("analytics.upsert_hourly", err)
	}

	merged := [4]string{}
	for i, pair := range []struct {
		old   string
		fresh []model.KeyCount
	}{
		{paths, row.TopPaths},
		{ips, row.TopIPs},
		{uas, row.TopUserAgents},
		{status, row.TopStatus},
	} {
		old, err := decodeKeyCounts(pair.old)
		if err != nil {
			return permanentErr("analytics.upsert_hourly", err)
		}
		merged[i], err = encodeKeyCounts(aggregate.MergeTopK(old, pair.fresh, model.TopK))
		if err != nil {
			return permanentErr("analytics.upsert_hourly", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE hourly_aggregates SET
			requests_count = requests_count + ?,
			status_2xx = status_2xx + ?,
			status_3xx = status_3xx + ?,
			status_4xx = status_4xx + ?,
			status_5xx = status_5xx + ?,
			unique_ips = unique_ips + ?,
			total_bytes = total_bytes + ?,
			top_paths = ?, top_ips = ?, top_user_agents = ?, top_status = ?,
			updated_at = current_timestamp
		WHERE site_id = ? AND hour_bucket = ?`,
		row.RequestsCount, row.Status2xx, row.Status3xx, row.Status4xx, row.Status5xx,
		row.UniqueIPs, row.TotalBytes,
		merged[0], merged[1], merged[2], merged[3],
		row.SiteID, row.HourBucket)
	if err != nil {
		return transientErr("analytics.upsert_hourly", err)
	}
	return nil
}

func insertRow(ctx context.Context, tx *sql.Tx, row model.HourlyAggregate) error {
	encoded := [4]string{}
	for i, kcs := range [][]model.KeyCount{row.TopPaths, row.TopIPs, row.TopUserAgents, row.TopStatus} {
		var err error
		encoded[i], err = encodeKeyCounts(kcs)
		if err != nil {
			return permanentErr("analytics.upsert_hourly", err)
		}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO hourly_aggregates (
			site_id, hour_bucket, requests_count,
			status_2xx, status_3xx, status_4xx, status_5xx,
			unique_ips, total_bytes,
			top_paths, top_ips, top_user_agents, top_status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.SiteID, row.HourBucket, row.RequestsCount,
		row.Status2xx, row.Status3xx, row.Status4xx, row.Status5xx,
		row.UniqueIPs, row.TotalBytes,
		encoded[0], encoded[1], encoded[2], encoded[3])
	if err != nil {
		return transientErr("analytics.upsert_hourly", err)
	}
	return nil
}

func encodeKeyCounts(kcs []model.KeyCount) (string, error) {
	if len(kcs) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(kcs)
	if err != nil {
		return "", fmt.Errorf("encoding top-k summary: %w", err)
	}
	return string(data), nil
}

func decodeKeyCounts(raw string) ([]model.KeyCount, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var kcs []model.KeyCount
	if err := json.Unmarshal([]byte(raw), &kcs); err != nil {
		return nil, fmt.Errorf("decoding top-k summary: %w", err)
	}
	return kcs, nil
}

func transientErr(op string, err error) error {
	return &model.PersistenceError{Op: op, Transient: true, Err: err}
}

func permanentErr(op string, err error) error {
	return &model.PersistenceError{Op: op, Transient: false, Err: err}
}
