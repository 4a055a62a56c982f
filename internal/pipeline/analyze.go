package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/logamizer/logamizer/internal/decoder"
	"github.com/logamizer/logamizer/internal/errtrack"
	"github.com/logamizer/logamizer/internal/journal"
	"github.com/logamizer/logamizer/internal/logparse"
	"github.com/logamizer/logamizer/internal/model"
)

// runAnalyzeErrors runs only the error grouper over one log file.
func (d *Driver) runAnalyzeErrors(ctx context.Context, req journal.Request) error {
	reporter := newProgressReporter(d.meta, req.JobID)
	defer reporter.close()

	lf, err := d.meta.GetLogFile(ctx, req.LogFileID)
	if err != nil {
		return fmt.Errorf("pipeline: load log file %s: %w", req.LogFileID, err)
	}
	site, err := d.meta.GetSite(ctx, lf.SiteID)
	if err != nil {
		return fmt.Errorf("pipeline: load site %s: %w", lf.SiteID, err)
	}
	if err := d.meta.SetLogFileStatus(ctx, lf.ID, model.FileProcessing, ""); err != nil {
		return err
	}
	reporter.report(5, "reading "+lf.Filename)

	rc, err := d.blobs.Open(lf.StorageKey)
	if err != nil {
		derr := &model.DecodeError{Key: lf.StorageKey, Err: err}
		d.failFile(lf.ID, derr.Error())
		return derr
	}
	defer rc.Close()

	counting := &countingReader{r: rc}
	lr, err := decoder.Open(counting, lf.Filename)
	if err != nil {
		d.failFile(lf.ID, err.Error())
		return err
	}
	defer lr.Close()

	parser := logparse.NewErrorParser()
	grouper := errtrack.NewGrouper(site.ID)
	var quality logparse.QualityBuilder

	lines := 0
	for {
		if lines%cancelCheckEvery == 0 {
			if cerr := ctx.Err(); cerr != nil {
				d.failFile(lf.ID, "canceled before end of file")
				return cerr
			}
		}
		line, ok := lr.Next()
		if !ok {
			break
		}
		lines++

		events, recognized := parser.ParseLine(line.Text, line.Number)
		if recognized {
			quality.RecordParsed()
		} else {
			quality.RecordFailed(fmt.Errorf("line %d not recognized as an error log line", line.Number))
		}
		for _, ev := range events {
			grouper.Add(ev)
		}
		if lines%10_000 == 0 {
			reporter.report(scanPercent(counting.n, lf.SizeBytes), fmt.Sprintf("parsed %d lines", lines))
		}
	}
	if serr := lr.Err(); serr != nil {
		derr := &model.DecodeError{Key: lf.StorageKey, Err: serr}
		d.failFile(lf.ID, derr.Error())
		return derr
	}
	for _, ev := range parser.Flush() {
		grouper.Add(ev)
	}

	reporter.report(80, "storing error groups")
	if err := retryPersist(ctx, func() error {
		return d.meta.MergeErrorGroups(ctx, grouper.Groups())
	}); err != nil {
		d.failFile(lf.ID, err.Error())
		return err
	}
	if err := retryPersist(ctx, func() error {
		return d.meta.InsertOccurrences(ctx, site.ID, lf.ID, grouper.Occurrences())
	}); err != nil {
		d.failFile(lf.ID, err.Error())
		return err
	}

	counters := lr.Counters()
	report := quality.Report(counters.TotalLines, counters.EmptyLines)
	if err := d.meta.SaveQualityReport(ctx, lf.ID, report); err != nil {
		d.failFile(lf.ID, err.Error())
		return err
	}
	if err := d.meta.SetLogFileStatus(ctx, lf.ID, model.FileCompleted, ""); err != nil {
		return err
	}
	reporter.report(99, "finished")
	return nil
}

// runReanalyze rebuilds a site's aggregates and findings over an hour
// window from the stored raw files, restoring exact unique-IP counts
// and single-pass finding counts, then rescores the window's hours.
func (d *Driver) runReanalyze(ctx context.Context, req journal.Request) error {
	reporter := newProgressReporter(d.meta, req.JobID)
	defer reporter.close()

	site, err := d.meta.GetSite(ctx, req.SiteID)
	if err != nil {
		return fmt.Errorf("pipeline: load site %s: %w", req.SiteID, err)
	}
	from, to, err := reanalyzeWindow(req)
	if err != nil {
		return err
	}

	touched, err := d.rebuildWindow(ctx, site, from, to, "", reporter)
	if err != nil {
		return err
	}

	hours := make([]time.Time, 0, len(touched))
	for h := range touched {
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i].Before(hours[j]) })

	reporter.report(90, "scoring anomalies")
	if err := d.scoreHours(ctx, site, hours); err != nil {
		return err
	}
	reporter.report(99, "finished")
	return nil
}

// rebuildWindow clears a site's derived state over [from, to), both the
// aggregate rows and the findings anchored in those hours, then
// reprocesses every completed file restricted to the window. Deleting
// the findings first keeps the merge-on-conflict upserts from doubling
// counts when the reprocess regenerates the same fingerprints.
// skipFileID excludes a file whose fresh scan the caller persists
// itself.
func (d *Driver) rebuildWindow(ctx context.Context, site model.Site, from, to time.Time, skipFileID string, reporter *progressReporter) (map[time.Time]struct{}, error) {
	reporter.report(5, "clearing window")
	if err := retryPersist(ctx, func() error {
		return d.analytics.DeleteSiteWindow(ctx, site.ID, from, to)
	}); err != nil {
		return nil, err
	}
	if err := retryPersist(ctx, func() error {
		return d.meta.DeleteFindingsInWindow(ctx, site.ID, from, to)
	}); err != nil {
		return nil, err
	}

	files, err := d.meta.ListLogFiles(ctx, site.ID)
	if err != nil {
		return nil, err
	}
	keep := func(hour time.Time) bool {
		return !hour.Before(from) && hour.Before(to)
	}

	touched := make(map[time.Time]struct{})
	processed := 0
	for _, lf := range files {
		if lf.ID == skipFileID || lf.Status != model.FileCompleted || lf.StorageKey == "" {
			continue
		}
		processed++
		reporter.report(10+min(60, processed*5), "reprocessing "+lf.Filename)

		res, scanErr := d.scanAccessLog(ctx, lf, site, keep, reporter)
		if scanErr != nil {
			// A partially rebuilt window reconciles on the next run.
			return nil, scanErr
		}
		if err := d.persistScan(ctx, lf.ID, site, res, reporter, false); err != nil {
			return nil, err
		}
		for _, row := range res.rows {
			touched[row.HourBucket] = struct{}{}
		}
	}
	return touched, nil
}

// reanalyzeWindow resolves the optional hour range of a reanalyze
// request. An open start reaches back to the epoch; an open end covers
// through the current hour.
func reanalyzeWindow(req journal.Request) (time.Time, time.Time, error) {
	from := time.Unix(0, 0).UTC()
	to := time.Now().UTC().Truncate(time.Hour).Add(time.Hour)

	if req.From != "" {
		t, err := time.Parse(time.RFC3339, req.From)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("pipeline: invalid reanalyze start %q: %w", req.From, err)
		}
		from = t.UTC().Truncate(time.Hour)
	}
	if req.To != "" {
		t, err := time.Parse(time.RFC3339, req.To)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("pipeline: invalid reanalyze end %q: %w", req.To, err)
		}
		to = t.UTC().Truncate(time.Hour)
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("pipeline: reanalyze window %v..%v is empty", from, to)
	}
	return from, to, nil
}
