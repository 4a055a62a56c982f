// Package jobs runs journaled pipeline work on a bounded queue drained
// by a fixed pool of workers. Every request is journaled before it is
// queued and committed once its job reaches a terminal state, so a
// restart resumes exactly the work that had not finished.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/logamizer/logamizer/internal/journal"
	"github.com/logamizer/logamizer/internal/model"
	"github.com/logamizer/logamizer/internal/store"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 64
	finishTimeout    = 5 * time.Second
)

// ErrQueueFull is returned by Enqueue when the work queue has no room.
var ErrQueueFull = errors.New("jobs: queue is full")

// Runner executes one unit of journaled work. The pipeline driver
// implements this.
type Runner interface {
	Run(ctx context.Context, req journal.Request) error
}

// Config sizes the worker pool and its queue.
type Config struct {
	Workers   int
	QueueSize int
}

type item struct {
	seq uint64
	req journal.Request
}

// Manager owns the queue, the workers and the journal commit cursor.
type Manager struct {
	store   *store.Store
	journal *journal.Journal
	runner  Runner
	queue   chan item
	workers int

	mu    sync.Mutex
	done  map[uint64]bool
	floor uint64
}

// NewManager wires the queue to the metadata store and an optional
// journal. A nil journal disables durability but keeps the same
// scheduling behavior.
func NewManager(st *store.Store, jnl *journal.Journal, runner Runner, cfg Config) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	var floor uint64
	if jnl != nil {
		floor = jnl.Committed()
	}
	return &Manager{
		store:   st,
		journal: jnl,
		runner:  runner,
		queue:   make(chan item, cfg.QueueSize),
		workers: cfg.Workers,
		done:    make(map[uint64]bool),
		floor:   floor,
	}
}

// Enqueue records a job row, journals the request and queues it.
// The in-flight guard in the store rejects a second live job for the
// same log file with model.ErrJobInFlight.
func (m *Manager) Enqueue(ctx context.Context, req journal.Request) (model.Job, error) {
	job, err := m.store.CreateJob(ctx, req.LogFileID, req.SiteID)
	if err != nil {
		return model.Job{}, err
	}
	req.JobID = job.ID

	var seq uint64
	if m.journal != nil {
		seq, err = m.journal.Append(req)
		if err != nil {
			m.finishJob(job.ID, model.JobFailed, "journal write failed")
			return model.Job{}, fmt.Errorf("jobs: journal request: %w", err)
		}
	}

	select {
	case m.queue <- item{seq: seq, req: req}:
		return job, nil
	default:
		m.finishJob(job.ID, model.JobFailed, "work queue full")
		m.markDone(seq)
		return model.Job{}, ErrQueueFull
	}
}

// Resume replays unfinished journal entries after a restart and queues
// them again. Entries whose jobs already reached a terminal state are
// committed without rerunning.
func (m *Manager) Resume(ctx context.Context) error {
	if m.journal == nil {
		return nil
	}

	replayed := 0
	err := m.journal.Replay(func(seq uint64, req journal.Request) error {
		job, err := m.store.GetJob(ctx, req.JobID)
		if err == nil && terminal(job.Status) {
			m.markDone(seq)
			return nil
		}
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}

		select {
		case m.queue <- item{seq: seq, req: req}:
			replayed++
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		return fmt.Errorf("jobs: resume: %w", err)
	}
	if replayed > 0 {
		log.Printf("jobs: replayed %d unfinished requests from journal", replayed)
	}
	return nil
}

// Run drains the queue with the configured number of workers until ctx
// is canceled.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < m.workers; i++ {
		g.Go(func() error {
			return m.worker(gctx)
		})
	}
	return g.Wait()
}

func (m *Manager) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case it := <-m.queue:
			m.process(ctx, it)
		}
	}
}

func (m *Manager) process(ctx context.Context, it item) {
	if err := m.store.StartJob(ctx, it.req.JobID); err != nil {
		log.Printf("jobs: start job %s: %v", it.req.JobID, err)
	}

	if err := m.runner.Run(ctx, it.req); err != nil {
		log.Printf("jobs: job %s (%s) failed: %v", it.req.JobID, it.req.Kind, err)
		m.finishJob(it.req.JobID, model.JobFailed, err.Error())
	} else {
		m.finishJob(it.req.JobID, model.JobCompleted, "done")
	}
	m.markDone(it.seq)
}

// finishJob records the terminal state on a fresh context so shutdown
// cancellation cannot lose the bookkeeping write.
func (m *Manager) finishJob(jobID string, status model.JobStatus, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	if err := m.store.FinishJob(ctx, jobID, status, message); err != nil {
		log.Printf("jobs: finish job %s: %v", jobID, err)
	}
}

// markDone advances the contiguous commit floor. Jobs finish out of
// order, but the journal commit is prefix-based, so only a finished
// prefix of sequence numbers may be committed.
func (m *Manager) markDone(seq uint64) {
	if m.journal == nil || seq == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.done[seq] = true
	advanced := false
	for m.done[m.floor+1] {
		delete(m.done, m.floor+1)
		m.floor++
		advanced = true
	}
	if !advanced {
		return
	}
	if err := m.journal.Commit(m.floor); err != nil {
		log.Printf("jobs: commit journal through %d: %v", m.floor, err)
	}
}

func terminal(status model.JobStatus) bool {
	return status == model.JobCompleted || status == model.JobFailed
}
