// Package watcher turns per-site drop directories into ingest requests.
// A file copied into a site's directory is registered, stored as a blob
// and queued for the pipeline once writes to it settle.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/logamizer/logamizer/internal/blob"
	"github.com/logamizer/logamizer/internal/journal"
	"github.com/logamizer/logamizer/internal/model"
	"github.com/logamizer/logamizer/internal/store"
)

const defaultSettleDelay = 2 * time.Second

// Enqueuer queues journaled pipeline work. The jobs manager implements
// this.
type Enqueuer interface {
	Enqueue(ctx context.Context, req journal.Request) (model.Job, error)
}

// Config tunes the watcher.
type Config struct {
	// SettleDelay is how long a file must stay quiet after its last
	// write before it is picked up.
	SettleDelay time.Duration
}

// Watcher registers dropped log files and enqueues their ingestion.
type Watcher struct {
	meta   *store.Store
	blobs  *blob.Store
	queue  Enqueuer
	sites  map[string]string // directory -> site id
	settle time.Duration
	ready  chan string
}

// New builds a watcher over the given site drop directories, creating
// any that do not exist yet.
func New(meta *store.Store, blobs *blob.Store, queue Enqueuer, dirs map[string]string, cfg Config) (*Watcher, error) {
	if len(dirs) == 0 {
		return nil, errors.New("watcher: no drop directories configured")
	}
	settle := cfg.SettleDelay
	if settle <= 0 {
		settle = defaultSettleDelay
	}

	sites := make(map[string]string, len(dirs))
	for siteID, dir := range dirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("watcher: resolve %s: %w", dir, err)
		}
		if err := os.MkdirAll(abs, 0755); err != nil {
			return nil, fmt.Errorf("watcher: create drop dir %s: %w", abs, err)
		}
		sites[abs] = siteID
	}

	return &Watcher{
		meta:   meta,
		blobs:  blobs,
		queue:  queue,
		sites:  sites,
		settle: settle,
		ready:  make(chan string, 16),
	}, nil
}

// Run watches the drop directories until ctx is canceled. Files already
// present at startup are picked up first.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: start fsnotify: %w", err)
	}
	defer fw.Close()

	for dir := range w.sites {
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("watcher: watch %s: %w", dir, err)
		}
		log.Printf("watcher: watching %s for site %s", dir, w.sites[dir])
	}
	go w.sweepExisting(ctx)

	// One timer per in-flight path; each write resets its timer so the
	// file is only picked up once copying finishes.
	pending := make(map[string]*time.Timer)
	defer func() {
		for _, t := range pending {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			path := ev.Name
			if !w.wantsFile(path) {
				continue
			}
			if t, exists := pending[path]; exists {
				t.Reset(w.settle)
				continue
			}
			pending[path] = time.AfterFunc(w.settle, func() {
				select {
				case w.ready <- path:
				case <-ctx.Done():
				}
			})

		case path := <-w.ready:
			delete(pending, path)
			w.pickUp(ctx, path)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Printf("watcher: fsnotify error: %v", err)
		}
	}
}

// sweepExisting queues files that were dropped while the watcher was
// not running.
func (w *Watcher) sweepExisting(ctx context.Context) {
	for dir := range w.sites {
		entries, err := os.ReadDir(dir)
		if err != nil {
			log.Printf("watcher: sweep %s: %v", dir, err)
			continue
		}
		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			if !w.wantsFile(path) {
				continue
			}
			select {
			case w.ready <- path:
			case <-ctx.Done():
				return
			}
		}
	}
}

// wantsFile accepts regular, non-hidden files inside a watched dir.
func (w *Watcher) wantsFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".tmp") || strings.HasSuffix(base, ".part") {
		return false
	}
	if _, ok := w.sites[filepath.Dir(path)]; !ok {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// pickUp stores the file as a blob, registers it and queues the right
// kind of work. Files whose name mentions "error" run the error
// grouper; everything else runs the access pipeline.
func (w *Watcher) pickUp(ctx context.Context, path string) {
	siteID, ok := w.sites[filepath.Dir(path)]
	if !ok {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		log.Printf("watcher: open %s: %v", path, err)
		return
	}
	key, sha, size, err := w.blobs.Put(f)
	f.Close()
	if err != nil {
		log.Printf("watcher: store %s: %v", path, err)
		return
	}

	lf, created, err := w.meta.RegisterLogFile(ctx, model.LogFile{
		SiteID:     siteID,
		Filename:   filepath.Base(path),
		SHA256:     sha,
		SizeBytes:  size,
		StorageKey: key,
	})
	if err != nil {
		log.Printf("watcher: register %s: %v", path, err)
		return
	}
	if !created && lf.Status == model.FileCompleted {
		log.Printf("watcher: %s already ingested as %s, skipping", path, lf.ID)
		return
	}

	kind := journal.KindIngest
	if strings.Contains(strings.ToLower(filepath.Base(path)), "error") {
		kind = journal.KindAnalyzeErrors
	}
	job, err := w.queue.Enqueue(ctx, journal.Request{Kind: kind, SiteID: siteID, LogFileID: lf.ID})
	if err != nil {
		if errors.Is(err, model.ErrJobInFlight) {
			return
		}
		log.Printf("watcher: enqueue %s: %v", path, err)
		return
	}
	log.Printf("watcher: queued %s job %s for %s", kind, job.ID, path)
}
