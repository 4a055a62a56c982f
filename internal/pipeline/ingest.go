package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/logamizer/logamizer/internal/aggregate"
	"github.com/logamizer/logamizer/internal/anomaly"
	"github.com/logamizer/logamizer/internal/decoder"
	"github.com/logamizer/logamizer/internal/ipfilter"
	"github.com/logamizer/logamizer/internal/journal"
	"github.com/logamizer/logamizer/internal/logparse"
	"github.com/logamizer/logamizer/internal/model"
	"github.com/logamizer/logamizer/internal/rules"
)

// scanResult is everything one pass over an access log produces.
type scanResult struct {
	rows     []model.HourlyAggregate
	findings []model.Finding
	quality  model.QualityReport
}

// runIngest processes one access-log file: decode, parse, filter, then
// fan out to the aggregator and the rule engine in a single pass, flush
// both, and score freshly-touched hours against their baselines.
func (d *Driver) runIngest(ctx context.Context, req journal.Request) error {
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

	// Anything past pending means an earlier run may already have
	// flushed whole-hour rows and findings for this file.
	retried := lf.Status != model.FilePending

	if err := d.meta.SetLogFileStatus(ctx, lf.ID, model.FileProcessing, ""); err != nil {
		return err
	}
	reporter.report(5, "reading "+lf.Filename)

	res, scanErr := d.scanAccessLog(ctx, lf, site, nil, reporter)
	if scanErr != nil && !isCancellation(scanErr) {
		d.failFile(lf.ID, scanErr.Error())
		return scanErr
	}

	if scanErr != nil && retried {
		// The earlier run's flush already covers these hours; flushing
		// this partial pass on top would count them twice. The next
		// complete run rebuilds the span.
		d.failFile(lf.ID, "canceled before end of file")
		return scanErr
	}

	// After cancellation the job context is dead, but whole-hour rows
	// aggregated so far still flush before the file is marked failed.
	persistCtx := ctx
	if scanErr != nil {
		var cancel context.CancelFunc
		persistCtx, cancel = context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
	}

	if retried && len(res.rows) > 0 {
		// Reconcile: rebuild the file's hour span from scratch so this
		// run replaces the earlier partial flush instead of adding to
		// it.
		from, to := hourSpan(res.rows)
		if _, err := d.rebuildWindow(ctx, site, from, to, lf.ID, reporter); err != nil {
			d.failFile(lf.ID, err.Error())
			return err
		}
	}

	reporter.report(75, "storing aggregates and findings")
	if err := d.persistScan(persistCtx, lf.ID, site, res, reporter, scanErr == nil); err != nil {
		d.failFile(lf.ID, err.Error())
		return err
	}

	if scanErr != nil {
		d.failFile(lf.ID, "canceled before end of file")
		return scanErr
	}

	if res.quality.SuccessRate < model.MinParseSuccessRate {
		log.Printf("pipeline: file %s parsed at %.1f%% success", lf.ID, res.quality.SuccessRate*100)
	}
	if err := d.meta.SetLogFileStatus(ctx, lf.ID, model.FileCompleted, ""); err != nil {
		return err
	}
	reporter.report(99, "finished")
	return nil
}

// scanAccessLog streams the file once. keepHour restricts aggregation
// to selected hour buckets; nil keeps everything. A cancellation is
// returned alongside the partial result.
func (d *Driver) scanAccessLog(ctx context.Context, lf model.LogFile, site model.Site, keepHour func(time.Time) bool, reporter *progressReporter) (scanResult, error) {
	rc, err := d.blobs.Open(lf.StorageKey)
	if err != nil {
		return scanResult{}, &model.DecodeError{Key: lf.StorageKey, Err: err}
	}
	defer rc.Close()

	counting := &countingReader{r: rc}
	lr, err := decoder.Open(counting, lf.Filename)
	if err != nil {
		return scanResult{}, err
	}
	defer lr.Close()

	parser := logparse.NewAccessParser(site.LogFormat)
	filter := ipfilter.New(site.HiddenIPs)
	eng := rules.NewEngine(site.ID, nil)
	var quality logparse.QualityBuilder

	agg := aggregate.New(site.ID, func(lines int) {
		reporter.report(scanPercent(counting.n, lf.SizeBytes), fmt.Sprintf("parsed %d lines", lines))
	})

	lines := 0
	var canceled error
	for {
		if lines%cancelCheckEvery == 0 {
			if cerr := ctx.Err(); cerr != nil {
				canceled = cerr
				break
			}
		}
		line, ok := lr.Next()
		if !ok {
			break
		}
		lines++

		ev, perr := parser.ParseLine(line.Text, line.Number)
		if perr != nil {
			quality.RecordFailed(perr)
			continue
		}
		quality.RecordParsed()

		if !filter.Keep(ev) {
			continue
		}
		if keepHour != nil && !keepHour(aggregate.HourBucket(ev.Timestamp)) {
			continue
		}
		agg.Add(ev)
		eng.Step(ev)
	}
	if serr := lr.Err(); serr != nil && canceled == nil {
		return scanResult{}, &model.DecodeError{Key: lf.StorageKey, Err: serr}
	}

	counters := lr.Counters()
	return scanResult{
		rows:     agg.Snapshot(),
		findings: eng.Finish(),
		quality:  quality.Report(counters.TotalLines, counters.EmptyLines),
	}, canceled
}

// persistScan flushes aggregates, findings and the quality report, then
// scores the touched hours when the scan ran to completion.
func (d *Driver) persistScan(ctx context.Context, fileID string, site model.Site, res scanResult, reporter *progressReporter, score bool) error {
	if err := retryPersist(ctx, func() error {
		return d.analytics.UpsertHourly(ctx, res.rows)
	}); err != nil {
		return err
	}
	if err := retryPersist(ctx, func() error {
		return d.meta.UpsertFindings(ctx, res.findings)
	}); err != nil {
		return err
	}
	if err := retryPersist(ctx, func() error {
		return d.meta.SaveQualityReport(ctx, fileID, res.quality)
	}); err != nil {
		return err
	}

	if !score {
		return nil
	}
	reporter.report(90, "scoring anomalies")
	return d.scoreHours(ctx, site, hoursOf(res.rows))
}

// scoreHours runs the anomaly detector over merged rows for each hour
// the scan touched, comparing against that hour's rolling baseline.
func (d *Driver) scoreHours(ctx context.Context, site model.Site, hours []time.Time) error {
	params := site.Anomaly.Normalize()

	var signals []model.Finding
	for _, hour := range hours {
		merged, err := d.analytics.HourlyRange(ctx, site.ID, hour, hour.Add(time.Hour))
		if err != nil {
			return err
		}
		if len(merged) == 0 {
			continue
		}
		baseline, err := d.analytics.Baseline(ctx, site.ID, hour, params.BaselineDays)
		if err != nil {
			return err
		}
		signals = append(signals, anomaly.Detect(merged[0], baseline, params)...)
	}
	if len(signals) == 0 {
		return nil
	}
	return retryPersist(ctx, func() error {
		return d.meta.UpsertFindings(ctx, signals)
	})
}

// hourSpan returns the closed-open hour range covering every bucket in
// rows. Callers guarantee rows is non-empty.
func hourSpan(rows []model.HourlyAggregate) (from, to time.Time) {
	from, to = rows[0].HourBucket, rows[0].HourBucket
	for _, row := range rows[1:] {
		if row.HourBucket.Before(from) {
			from = row.HourBucket
		}
		if row.HourBucket.After(to) {
			to = row.HourBucket
		}
	}
	return from, to.Add(time.Hour)
}

func hoursOf(rows []model.HourlyAggregate) []time.Time {
	hours := make([]time.Time, 0, len(rows))
	for _, row := range rows {
		hours = append(hours, row.HourBucket)
	}
	return hours
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
