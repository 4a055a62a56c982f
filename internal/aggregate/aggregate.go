// Package aggregate buckets normalized events into hourly rows with
// additive counters and bounded top-K summaries.
package aggregate

import (
	"sort"
	"strconv"
	"time"

	"github.com/logamizer/logamizer/internal/model"
)

// progressEvery is how often (in events) the aggregator reports progress
// to the pipeline driver.
const progressEvery = 10_000

type bucket struct {
	hour       time.Time
	requests   int64
	status2xx  int64
	status3xx  int64
	status4xx  int64
	status5xx  int64
	totalBytes int64
	ips        map[string]struct{}
	topPaths   *TopK
	topIPs     *TopK
	topUAs     *TopK
	topStatus  *TopK
}

func newBucket(hour time.Time) *bucket {
	return &bucket{
		hour:      hour,
		ips:       make(map[string]struct{}),
		topPaths:  NewTopK(model.TopK),
		topIPs:    NewTopK(model.TopK),
		topUAs:    NewTopK(model.TopK),
		topStatus: NewTopK(model.TopK),
	}
}

// Aggregator accumulates one site's events into in-memory hour buckets.
// It is not safe for concurrent use; each pipeline job owns one.
type Aggregator struct {
	siteID     string
	buckets    map[time.Time]*bucket
	events     int
	onProgress func(linesProcessed int)
}

// New creates an aggregator for a site. onProgress may be nil; when set
// it is invoked at least every 10,000 events with the running count.
func New(siteID string, onProgress func(linesProcessed int)) *Aggregator {
	return &Aggregator{
		siteID:     siteID,
		buckets:    make(map[time.Time]*bucket),
		onProgress: onProgress,
	}
}

// Add folds one event into its hour bucket.
func (a *Aggregator) Add(e *model.Event) {
	hour := HourBucket(e.Timestamp)
	b, ok := a.buckets[hour]
	if !ok {
		b = newBucket(hour)
		a.buckets[hour] = b
	}

	b.requests++
	b.totalBytes += e.BytesSent
	b.ips[e.IP] = struct{}{}
	b.topPaths.Add(e.Path)
	b.topIPs.Add(e.IP)
	b.topUAs.Add(e.UserAgent)
	b.topStatus.Add(strconv.Itoa(e.Status))

	switch e.StatusClass() {
	case "2xx":
		b.status2xx++
	case "3xx":
		b.status3xx++
	case "4xx":
		b.status4xx++
	case "5xx":
		b.status5xx++
	}

	a.events++
	if a.onProgress != nil && a.events%progressEvery == 0 {
		a.onProgress(a.events)
	}
}

// Events returns the number of events aggregated so far.
func (a *Aggregator) Events() int { return a.events }

// Hours returns the distinct hour buckets touched so far, sorted.
func (a *Aggregator) Hours() []time.Time {
	hours := make([]time.Time, 0, len(a.buckets))
	for h := range a.buckets {
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i].Before(hours[j]) })
	return hours
}

// Snapshot materializes all buckets as aggregate rows sorted by hour.
// The distinct-IP set collapses to its cardinality here.
func (a *Aggregator) Snapshot() []model.HourlyAggregate {
	rows := make([]model.HourlyAggregate, 0, len(a.buckets))
	for _, b := range a.buckets {
		rows = append(rows, model.HourlyAggregate{
			SiteID:        a.siteID,
			HourBucket:    b.hour,
			RequestsCount: b.requests,
			Status2xx:     b.status2xx,
			Status3xx:     b.status3xx,
			Status4xx:     b.status4xx,
			Status5xx:     b.status5xx,
			UniqueIPs:     int64(len(b.ips)),
			TotalBytes:    b.totalBytes,
			TopPaths:      b.topPaths.Snapshot(),
			TopIPs:        b.topIPs.Snapshot(),
			TopUserAgents: b.topUAs.Snapshot(),
			TopStatus:     b.topStatus.Snapshot(),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].HourBucket.Before(rows[j].HourBucket) })
	return rows
}

// HourBucket floors a timestamp to its UTC hour.
func HourBucket(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Hour)
}
