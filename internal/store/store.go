// Package store persists sites, log files, jobs, findings and error
// groups in a relational database via GORM.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/logamizer/logamizer/internal/model"
)

// Store wraps the relational database holding pipeline metadata.
type Store struct {
	db   *gorm.DB
	path string
}

// Open opens or creates the SQLite database at path and migrates the
// schema. An empty path uses an in-memory database.
func Open(path string) (*Store, error) {
	dsn := "file::memory:?cache=shared"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dsn = path
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.AutoMigrate(
		&siteRecord{},
		&logFileRecord{},
		&jobRecord{},
		&findingRecord{},
		&errorGroupRecord{},
		&errorOccurrenceRecord{},
	); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	// Serialized writes keep SQLite's single-writer model from
	// surfacing as busy errors under concurrent jobs.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("accessing connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return &Store{db: db, path: path}, nil
}

// SnapshotName is the file name this store uses inside a snapshot set.
func (s *Store) SnapshotName() string { return "meta.db" }

// SnapshotTo writes a consistent copy of the database to dstPath.
// VACUUM INTO produces a clean single-file image without blocking
// readers for the duration of the copy.
func (s *Store) SnapshotTo(dstPath string) error {
	if s.path == "" {
		return errors.New("store: in-memory database cannot be snapshotted")
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return fmt.Errorf("creating snapshot dir: %w", err)
	}
	if err := s.db.Exec("VACUUM INTO ?", dstPath).Error; err != nil {
		return fmt.Errorf("snapshotting metadata store: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type siteRecord struct {
	ID        string `gorm:"primaryKey"`
	Name      string
	Domain    string
	LogFormat string
	Anomaly   string
	HiddenIPs string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (siteRecord) TableName() string { return "sites" }

type logFileRecord struct {
	ID         string `gorm:"primaryKey"`
	SiteID     string `gorm:"index;uniqueIndex:idx_site_hash"`
	SHA256     string `gorm:"uniqueIndex:idx_site_hash"`
	Filename   string
	SizeBytes  int64
	StorageKey string
	Status     string
	Error      string
	Quality    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (logFileRecord) TableName() string { return "log_files" }

type jobRecord struct {
	ID          string `gorm:"primaryKey"`
	LogFileID   string `gorm:"index"`
	SiteID      string `gorm:"index"`
	Status      string `gorm:"index"`
	Progress    int
	Message     string
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

func (jobRecord) TableName() string { return "jobs" }

type findingRecord struct {
	Fingerprint     string `gorm:"primaryKey"`
	SiteID          string `gorm:"index"`
	FindingType     string `gorm:"index"`
	Severity        string
	Title           string
	Description     string
	SuggestedAction string
	Evidence        string
	SourceIP        string
	Count           int
	FirstSeen       time.Time
	LastSeen        time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (findingRecord) TableName() string { return "findings" }

type errorGroupRecord struct {
	SiteID          string `gorm:"primaryKey"`
	Fingerprint     string `gorm:"primaryKey"`
	ErrorType       string
	Message         string
	FirstSeen       time.Time
	LastSeen        time.Time
	OccurrenceCount int64
	Status          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (errorGroupRecord) TableName() string { return "error_groups" }

type errorOccurrenceRecord struct {
	ID            string `gorm:"primaryKey"`
	SiteID        string `gorm:"index"`
	Fingerprint   string `gorm:"index"`
	LogFileID     string `gorm:"index"`
	Timestamp     time.Time
	ErrorType     string
	Message       string
	StackTrace    string
	FilePath      string
	LineInFile    int
	FunctionName  string
	RequestURL    string
	RequestMethod string
	IP            string
	UserAgent     string
	RawLine       string
	LineNumber    int
	CreatedAt     time.Time
}

func (errorOccurrenceRecord) TableName() string { return "error_occurrences" }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.ErrNotFound
	}
	return &model.PersistenceError{Op: op, Transient: isTransient(err), Err: err}
}

// isTransient treats lock contention as retryable and everything else
// (constraint violations, malformed data) as permanent.
func isTransient(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "busy")
}
