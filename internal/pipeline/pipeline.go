// Package pipeline orchestrates one journaled request end to end:
// blob bytes through decoding, parsing, filtering, aggregation, rules
// and anomaly scoring, with progress reporting and idempotent persists.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/logamizer/logamizer/internal/analytics"
	"github.com/logamizer/logamizer/internal/blob"
	"github.com/logamizer/logamizer/internal/journal"
	"github.com/logamizer/logamizer/internal/model"
	"github.com/logamizer/logamizer/internal/store"
)

const (
	// maxPersistAttempts bounds retries of transient store failures.
	maxPersistAttempts = 5
	persistBackoffBase = 100 * time.Millisecond
	persistBackoffCap  = 2 * time.Second

	// cancelCheckEvery is how many lines pass between context checks in
	// the hot scan loop.
	cancelCheckEvery = 256

	// flushTimeout covers the persistence performed after cancellation,
	// when the job context is already dead.
	flushTimeout = 30 * time.Second
)

// Driver runs journaled pipeline work against the three stores.
type Driver struct {
	meta      *store.Store
	analytics *analytics.Store
	blobs     *blob.Store
}

// NewDriver wires the pipeline to its stores.
func NewDriver(meta *store.Store, as *analytics.Store, blobs *blob.Store) *Driver {
	return &Driver{meta: meta, analytics: as, blobs: blobs}
}

// Run dispatches one journaled request. It satisfies the job runner
// contract.
func (d *Driver) Run(ctx context.Context, req journal.Request) error {
	switch req.Kind {
	case journal.KindIngest:
		return d.runIngest(ctx, req)
	case journal.KindReanalyze:
		return d.runReanalyze(ctx, req)
	case journal.KindAnalyzeErrors:
		return d.runAnalyzeErrors(ctx, req)
	default:
		return fmt.Errorf("pipeline: unknown request kind %q", req.Kind)
	}
}

// retryPersist retries transient store failures with capped exponential
// backoff. Non-transient failures and exhausted retries surface as-is.
func retryPersist(ctx context.Context, op func() error) error {
	backoff := persistBackoffBase
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil || !model.IsTransient(err) || attempt == maxPersistAttempts {
			return err
		}
		log.Printf("pipeline: transient persist failure (attempt %d/%d): %v", attempt, maxPersistAttempts, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > persistBackoffCap {
			backoff = persistBackoffCap
		}
	}
}

type progressUpdate struct {
	percent int
	message string
}

// progressReporter forwards sampled progress to the job row. Updates
// are dropped when the writer lags so the hot path never blocks.
type progressReporter struct {
	ch   chan progressUpdate
	done chan struct{}
}

func newProgressReporter(st *store.Store, jobID string) *progressReporter {
	p := &progressReporter{
		ch:   make(chan progressUpdate, 8),
		done: make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		for u := range p.ch {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := st.ReportProgress(ctx, jobID, u.percent, u.message); err != nil {
				log.Printf("pipeline: report progress for job %s: %v", jobID, err)
			}
			cancel()
		}
	}()
	return p
}

func (p *progressReporter) report(percent int, message string) {
	select {
	case p.ch <- progressUpdate{percent: percent, message: message}:
	default:
	}
}

func (p *progressReporter) close() {
	close(p.ch)
	<-p.done
}

// countingReader tracks compressed bytes consumed so scan progress can
// be scaled against the stored file size.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// scanPercent maps bytes consumed to the 10..70 scan range.
func scanPercent(read, total int64) int {
	if total <= 0 {
		return 40
	}
	pct := 10 + int(55*read/total)
	if pct > 70 {
		pct = 70
	}
	return pct
}

// failFile records a failure reason on the log file without depending
// on the (possibly canceled) job context.
func (d *Driver) failFile(fileID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.meta.SetLogFileStatus(ctx, fileID, model.FileFailed, reason); err != nil {
		log.Printf("pipeline: mark file %s failed: %v", fileID, err)
	}
}
