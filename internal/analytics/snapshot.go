package analytics

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrInMemoryStore is returned when a snapshot is requested from an
// in-memory analytics database.
var ErrInMemoryStore = errors.New("analytics: in-memory database cannot be snapshotted")

// SnapshotName is the file name this store uses inside a snapshot set.
func (s *Store) SnapshotName() string { return "analytics.duckdb" }

// SnapshotTo flushes and copies the on-disk database file to dstPath.
// CHECKPOINT runs under the write lock so no upsert is mid-flight while
// the WAL merges; the file copy happens outside the lock.
func (s *Store) SnapshotTo(dstPath string) error {
	if s.dbPath == "" {
		return ErrInMemoryStore
	}

	s.mu.Lock()
	_, err := s.db.Exec("CHECKPOINT")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("checkpointing analytics store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return fmt.Errorf("creating snapshot dir: %w", err)
	}
	if err := copyFile(s.dbPath, dstPath); err != nil {
		return fmt.Errorf("copying analytics snapshot: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
