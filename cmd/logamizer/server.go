package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/logamizer/logamizer/internal/analytics"
	"github.com/logamizer/logamizer/internal/backup"
	"github.com/logamizer/logamizer/internal/blob"
	"github.com/logamizer/logamizer/internal/httpserver"
	"github.com/logamizer/logamizer/internal/jobs"
	"github.com/logamizer/logamizer/internal/journal"
	"github.com/logamizer/logamizer/internal/pipeline"
	"github.com/logamizer/logamizer/internal/store"
	"github.com/logamizer/logamizer/internal/watcher"
)

// runServer wires the stores, the job queue, the drop-dir watcher and
// the HTTP API, then runs until a shutdown signal arrives.
func runServer(cfg appConfig) error {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("creating data dir %s: %w", cfg.DataDir, err)
	}

	meta, err := store.Open(cfg.MetaDBPath)
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer meta.Close()

	an, err := analytics.NewStore(cfg.AnalyticsDB, cfg.QueryTimeout)
	if err != nil {
		return fmt.Errorf("opening analytics store: %w", err)
	}
	defer an.Close()

	blobs, err := blob.NewStore(cfg.BlobDir)
	if err != nil {
		return fmt.Errorf("opening blob store: %w", err)
	}

	jnl, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("opening job journal: %w", err)
	}
	defer jnl.Close()

	sites, dropDirs, err := loadSites(cfg.SitesPath)
	if err != nil {
		return err
	}
	for _, site := range sites {
		if err := meta.UpsertSite(context.Background(), site); err != nil {
			return fmt.Errorf("registering site %s: %w", site.ID, err)
		}
	}
	if len(sites) > 0 {
		log.Printf("server: registered %d sites from %s", len(sites), cfg.SitesPath)
	}

	driver := pipeline.NewDriver(meta, an, blobs)
	mgr := jobs.NewManager(meta, jnl, driver, jobs.Config{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
	})

	if cfg.APIEnabled {
		apiServer := httpserver.NewServer(cfg.APIAddr, meta, an, blobs, mgr)
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer apiServer.Stop()
	}

	backups, err := backup.NewManager(backup.Config{
		Enabled:        cfg.BackupEnabled,
		Interval:       cfg.BackupInterval,
		LocalDir:       cfg.BackupDir,
		KeepLast:       cfg.BackupKeepLast,
		BucketURL:      cfg.BackupBucketURL,
		S3Endpoint:     cfg.S3Endpoint,
		S3Region:       cfg.S3Region,
		S3AccessKey:    cfg.S3AccessKey,
		S3SecretKey:    cfg.S3SecretKey,
		S3SessionToken: cfg.S3SessionToken,
		S3UseSSL:       cfg.S3UseSSL,
	}, meta, an)
	if err != nil {
		return fmt.Errorf("starting backup manager: %w", err)
	}
	if backups != nil {
		defer backups.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// Shutdown deadline starts now, not at boot.
		deadline := time.NewTimer(10 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	printStartupBanner(cfg, len(sites), len(dropDirs))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return mgr.Run(gctx) })

	// Replay journaled work that never finished before the last stop.
	g.Go(func() error { return mgr.Resume(gctx) })

	if cfg.WatchEnabled && len(dropDirs) > 0 {
		w, err := watcher.New(meta, blobs, mgr, dropDirs, watcher.Config{SettleDelay: cfg.SettleDelay})
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("server: errgroup exited with error: %v", err)
	}

	cancel()
	signal.Stop(sigCh)

	return nil
}

func printStartupBanner(cfg appConfig, siteCount, watchCount int) {
	var lines []string
	lines = append(lines, "")
	lines = append(lines, "  Logamizer v"+version)
	lines = append(lines, "  ─────────────────────────────")

	if cfg.APIEnabled {
		lines = append(lines, "  HTTP API    "+cfg.APIAddr)
	} else {
		lines = append(lines, "  HTTP API    disabled")
	}
	if cfg.WatchEnabled && watchCount > 0 {
		lines = append(lines, fmt.Sprintf("  Watcher     %d drop dirs", watchCount))
	} else {
		lines = append(lines, "  Watcher     disabled")
	}
	if cfg.BackupEnabled {
		lines = append(lines, "  Backups     every "+cfg.BackupInterval.String())
	} else {
		lines = append(lines, "  Backups     disabled")
	}
	lines = append(lines, fmt.Sprintf("  Sites       %d registered", siteCount))
	lines = append(lines, "  Data        "+shortenPath(cfg.DataDir))
	if cfg.ConfigPath != "" {
		lines = append(lines, "  Config      "+shortenPath(cfg.ConfigPath))
	} else {
		lines = append(lines, "  Config      default (no file)")
	}
	lines = append(lines, "")
	lines = append(lines, "  Press Ctrl+C to stop")
	lines = append(lines, "")

	fmt.Println(strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
