package backup

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultInterval = 6 * time.Hour
	defaultKeepLast = 24

	setPrefix = "logamizer-"
)

// Manager runs periodic snapshot sets and optional remote uploads. Each
// run writes every store's snapshot into one timestamped directory so
// the metadata and analytics copies always pair up.
type Manager struct {
	stores   []Snapshotter
	cfg      Config
	uploader Uploader

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewManager initializes the backup manager. It returns nil when
// backups are disabled.
func NewManager(cfg Config, stores ...Snapshotter) (*Manager, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if len(stores) == 0 {
		return nil, fmt.Errorf("backup: no snapshotters")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if strings.TrimSpace(cfg.LocalDir) == "" {
		return nil, fmt.Errorf("backup: local-dir is required when backup is enabled")
	}
	if cfg.KeepLast <= 0 {
		cfg.KeepLast = defaultKeepLast
	}
	if err := os.MkdirAll(cfg.LocalDir, 0755); err != nil {
		return nil, fmt.Errorf("backup: create local-dir: %w", err)
	}

	var uploader Uploader
	if strings.TrimSpace(cfg.BucketURL) != "" {
		s3u, err := NewS3Uploader(S3Config{
			BucketURL:    cfg.BucketURL,
			Endpoint:     cfg.S3Endpoint,
			Region:       cfg.S3Region,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			SessionToken: cfg.S3SessionToken,
			UseSSL:       cfg.S3UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("backup: init s3 uploader: %w", err)
		}
		uploader = s3u
	}

	m := &Manager{
		stores:   stores,
		cfg:      cfg,
		uploader: uploader,
		done:     make(chan struct{}),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	// Startup snapshot to reduce recovery point after restarts.
	if err := m.RunOnce(m.ctx); err != nil {
		log.Printf("backup: startup snapshot failed: %v", err)
	}

	m.wg.Add(1)
	go m.loop()
	return m, nil
}

func (m *Manager) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.RunOnce(m.ctx); err != nil {
				log.Printf("backup: periodic snapshot failed: %v", err)
			}
		case <-m.done:
			return
		}
	}
}

// RunOnce writes one snapshot set, uploads it when configured, and
// prunes old local sets.
func (m *Manager) RunOnce(ctx context.Context) error {
	setName := setPrefix + time.Now().UTC().Format("20060102-150405")
	setDir := filepath.Join(m.cfg.LocalDir, setName)
	if err := os.MkdirAll(setDir, 0755); err != nil {
		return fmt.Errorf("create snapshot set dir: %w", err)
	}

	for _, store := range m.stores {
		dst := filepath.Join(setDir, store.SnapshotName())
		if err := store.SnapshotTo(dst); err != nil {
			return fmt.Errorf("snapshot %s: %w", store.SnapshotName(), err)
		}
	}
	log.Printf("backup: created snapshot set %s", setDir)

	if m.uploader != nil {
		for _, store := range m.stores {
			localPath := filepath.Join(setDir, store.SnapshotName())
			objectKey := setName + "/" + store.SnapshotName()
			if err := m.uploader.UploadFile(ctx, localPath, objectKey); err != nil {
				return fmt.Errorf("upload %s: %w", objectKey, err)
			}
		}
		log.Printf("backup: uploaded snapshot set %s", setName)
	}

	if err := pruneLocalSets(m.cfg.LocalDir, m.cfg.KeepLast); err != nil {
		return fmt.Errorf("prune local backups: %w", err)
	}
	return nil
}

// Stop terminates the periodic backup loop and cancels any in-flight
// upload.
func (m *Manager) Stop() {
	m.cancel()
	close(m.done)
	m.wg.Wait()
}

func pruneLocalSets(localDir string, keepLast int) error {
	if keepLast <= 0 {
		return nil
	}

	entries, err := os.ReadDir(localDir)
	if err != nil {
		return err
	}
	var sets []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), setPrefix) {
			sets = append(sets, e.Name())
		}
	}
	if len(sets) <= keepLast {
		return nil
	}

	// Timestamps are embedded in set names so lexical order matches
	// chronology.
	sort.Sort(sort.Reverse(sort.StringSlice(sets)))

	for _, old := range sets[keepLast:] {
		if err := os.RemoveAll(filepath.Join(localDir, old)); err != nil {
			return err
		}
	}
	return nil
}
