package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultBindHost     = "127.0.0.1"
	defaultAPIPort      = 3000
	defaultWorkers      = 4
	defaultQueueSize    = 64
	defaultQueryTimeout = 30 * time.Second
	defaultSettleDelay  = 2 * time.Second
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	DataDir      string        `mapstructure:"data-dir"`
	MetaDBPath   string        `mapstructure:"meta-db-path"`
	AnalyticsDB  string        `mapstructure:"analytics-db-path"`
	BlobDir      string        `mapstructure:"blob-dir"`
	JournalPath  string        `mapstructure:"journal-path"`
	SitesPath    string        `mapstructure:"sites-path"`
	APIEnabled   bool          `mapstructure:"api-enabled"`
	APIPort      int           `mapstructure:"api-port"`
	APIAddr      string        `mapstructure:"api-addr"`
	Workers      int           `mapstructure:"workers"`
	QueueSize    int           `mapstructure:"queue-size"`
	QueryTimeout time.Duration `mapstructure:"query-timeout"`
	WatchEnabled bool          `mapstructure:"watch-enabled"`
	SettleDelay  time.Duration `mapstructure:"settle-delay"`

	BackupEnabled   bool          `mapstructure:"backup-enabled"`
	BackupInterval  time.Duration `mapstructure:"backup-interval"`
	BackupDir       string        `mapstructure:"backup-dir"`
	BackupKeepLast  int           `mapstructure:"backup-keep-last"`
	BackupBucketURL string        `mapstructure:"backup-bucket-url"`
	S3Endpoint      string        `mapstructure:"backup-s3-endpoint"`
	S3Region        string        `mapstructure:"backup-s3-region"`
	S3AccessKey     string        `mapstructure:"backup-s3-access-key"`
	S3SecretKey     string        `mapstructure:"backup-s3-secret-key"`
	S3SessionToken  string        `mapstructure:"backup-s3-session-token"`
	S3UseSSL        bool          `mapstructure:"backup-s3-use-ssl"`

	ConfigPath string `mapstructure:"-"` // not from config file
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	defaultDataDir := filepath.Join(home, ".local", "share", "logamizer")

	v := viper.New()
	v.SetEnvPrefix("LOGAMIZER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("data-dir", defaultDataDir)
	v.SetDefault("sites-path", filepath.Join(home, ".config", "logamizer", "sites.yml"))
	v.SetDefault("api-enabled", true)
	v.SetDefault("api-port", defaultAPIPort)
	v.SetDefault("workers", defaultWorkers)
	v.SetDefault("queue-size", defaultQueueSize)
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("watch-enabled", true)
	v.SetDefault("settle-delay", defaultSettleDelay)
	v.SetDefault("backup-enabled", false)
	v.SetDefault("backup-interval", 6*time.Hour)
	v.SetDefault("backup-keep-last", 24)
	v.SetDefault("backup-s3-use-ssl", true)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "logamizer", "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()

	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		return cfg, fmt.Errorf("invalid api-port: %d", cfg.APIPort)
	}
	if cfg.Workers <= 0 {
		return cfg, fmt.Errorf("invalid workers: %d", cfg.Workers)
	}
	if cfg.QueueSize <= 0 {
		return cfg, fmt.Errorf("invalid queue-size: %d", cfg.QueueSize)
	}

	for _, p := range []*string{&cfg.DataDir, &cfg.MetaDBPath, &cfg.AnalyticsDB, &cfg.BlobDir, &cfg.JournalPath, &cfg.SitesPath, &cfg.BackupDir} {
		if strings.HasPrefix(*p, "~/") {
			*p = filepath.Join(home, (*p)[2:])
		}
	}

	// Storage paths default to well-known names under the data dir.
	if cfg.MetaDBPath == "" {
		cfg.MetaDBPath = filepath.Join(cfg.DataDir, "meta.db")
	}
	if cfg.AnalyticsDB == "" {
		cfg.AnalyticsDB = filepath.Join(cfg.DataDir, "analytics.duckdb")
	}
	if cfg.BlobDir == "" {
		cfg.BlobDir = filepath.Join(cfg.DataDir, "blobs")
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = filepath.Join(cfg.DataDir, "jobs.journal")
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(cfg.DataDir, "backups")
	}

	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(defaultBindHost, strconv.Itoa(cfg.APIPort))
	}

	return cfg, nil
}
