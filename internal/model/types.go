package model

import "time"

// LogFormat selects the access-log recognizer for a site.
type LogFormat string

const (
	FormatNginxCombined  LogFormat = "nginx_combined"
	FormatApacheCombined LogFormat = "apache_combined"
	FormatAuto           LogFormat = "auto"
)

// LogFileStatus is the lifecycle state of an uploaded log file.
type LogFileStatus string

const (
	FilePending    LogFileStatus = "pending"
	FileProcessing LogFileStatus = "processing"
	FileCompleted  LogFileStatus = "completed"
	FileFailed     LogFileStatus = "failed"
)

// JobStatus is the lifecycle state of a pipeline job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Severity levels for findings, ordered from most to least urgent.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// GroupStatus is the triage state of an error group.
type GroupStatus string

const (
	GroupUnresolved GroupStatus = "unresolved"
	GroupResolved   GroupStatus = "resolved"
	GroupIgnored    GroupStatus = "ignored"
)

// AnomalyParams are the per-site tuning knobs for the anomaly detector.
type AnomalyParams struct {
	BaselineDays     int     `mapstructure:"baseline-days" yaml:"baseline_days"`
	MinBaselineHours int     `mapstructure:"min-baseline-hours" yaml:"min_baseline_hours"`
	ZThreshold       float64 `mapstructure:"z-threshold" yaml:"z_threshold"`
	NewPathMinCount  int     `mapstructure:"new-path-min-count" yaml:"new_path_min_count"`
}

// Site is the identity all derived rows hang off.
type Site struct {
	ID        string
	Name      string
	Domain    string
	LogFormat LogFormat
	Anomaly   AnomalyParams
	// HiddenIPs are dropped from aggregation and rules, in registration order.
	HiddenIPs []string
}

// LogFile is one ingestion unit. (SiteID, SHA256) is unique: re-uploading
// identical bytes reuses the existing file and its derived data.
type LogFile struct {
	ID         string
	SiteID     string
	Filename   string
	SizeBytes  int64
	SHA256     string
	StorageKey string
	Status     LogFileStatus
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Event is a normalized access-log request. It exists only between the
// parser and the downstream stages and is never persisted.
type Event struct {
	Timestamp  time.Time // UTC, second precision
	IP         string
	Method     string
	Path       string
	Status     int
	BytesSent  int64
	Referer    string // empty = absent
	UserAgent  string
	User       string
	Protocol   string
	RawLine    string
	LineNumber int
}

// StatusClass returns "2xx".."5xx", or "" for anything outside 200-599
// (1xx included).
func (e *Event) StatusClass() string {
	switch {
	case e.Status >= 200 && e.Status < 300:
		return "2xx"
	case e.Status >= 300 && e.Status < 400:
		return "3xx"
	case e.Status >= 400 && e.Status < 500:
		return "4xx"
	case e.Status >= 500 && e.Status < 600:
		return "5xx"
	default:
		return ""
	}
}

// KeyCount is one entry of a bounded top-K summary.
type KeyCount struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// HourlyAggregate is one row per (site, hour bucket). Counters are additive;
// top-K summaries merge by summed counts.
type HourlyAggregate struct {
	SiteID        string
	HourBucket    time.Time
	RequestsCount int64
	Status2xx     int64
	Status3xx     int64
	Status4xx     int64
	Status5xx     int64
	UniqueIPs     int64 // upper-bound estimate across incremental runs
	TotalBytes    int64
	TopPaths      []KeyCount
	TopIPs        []KeyCount
	TopUserAgents []KeyCount
	TopStatus     []KeyCount
}

// Evidence is one sampled raw line supporting a finding.
type Evidence struct {
	Line int    `json:"line"`
	Raw  string `json:"raw"`
}

// FindingMeta carries the burst shape behind a finding.
type FindingMeta struct {
	SourceIP  string    `json:"source_ip,omitempty"`
	Count     int       `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Finding is a security or anomaly signal. Fingerprint makes repeated
// ingests upsert instead of duplicate.
type Finding struct {
	SiteID          string
	Fingerprint     string
	FindingType     string
	Severity        Severity
	Title           string
	Description     string
	SuggestedAction string
	Evidence        []Evidence
	Meta            FindingMeta
}

// ErrorEvent is a normalized error-log occurrence before grouping.
type ErrorEvent struct {
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
	Context       map[string]string
	RawLine       string
	LineNumber    int
}

// ErrorGroup deduplicates recurring errors by fingerprint.
type ErrorGroup struct {
	SiteID          string
	Fingerprint     string
	ErrorType       string
	Message         string
	FirstSeen       time.Time
	LastSeen        time.Time
	OccurrenceCount int64
	Status          GroupStatus
}

// QualityReport summarizes how much of a file the parser understood.
type QualityReport struct {
	TotalLines   int      `json:"total_lines"`
	ParsedLines  int      `json:"parsed_lines"`
	FailedLines  int      `json:"failed_lines"`
	EmptyLines   int      `json:"empty_lines"`
	SuccessRate  float64  `json:"success_rate"`
	SampleErrors []string `json:"sample_errors,omitempty"`
}

// Job tracks one pipeline run over a log file.
type Job struct {
	ID          string
	LogFileID   string
	SiteID      string
	Status      JobStatus
	Progress    int // 0-100
	Message     string
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}
