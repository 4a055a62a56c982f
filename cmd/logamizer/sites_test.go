package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/logamizer/logamizer/internal/model"
)

func writeRegistry(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sites.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadSitesRegistry(t *testing.T) {
	path := writeRegistry(t, `
sites:
  - id: blog
    name: Blog
    domain: blog.example.com
    log_format: nginx_combined
    hidden_ips: ["10.0.0.1"]
    drop_dir: /var/drop/blog
    anomaly:
      baseline_days: 14
  - id: shop
    domain: shop.example.com
`)

	sites, dropDirs, err := loadSites(path)
	if err != nil {
		t.Fatalf("loadSites: %v", err)
	}
	if len(sites) != 2 {
		t.Fatalf("sites = %+v", sites)
	}
	if sites[0].LogFormat != model.FormatNginxCombined || len(sites[0].HiddenIPs) != 1 {
		t.Errorf("blog = %+v", sites[0])
	}
	if sites[0].Anomaly.BaselineDays != 14 || sites[0].Anomaly.ZThreshold != model.DefaultZThreshold {
		t.Errorf("blog anomaly = %+v, want overridden days with default threshold", sites[0].Anomaly)
	}
	if sites[1].LogFormat != model.FormatAuto {
		t.Errorf("shop format = %s, want auto", sites[1].LogFormat)
	}
	if len(dropDirs) != 1 || dropDirs["blog"] != "/var/drop/blog" {
		t.Errorf("dropDirs = %v", dropDirs)
	}
}

func TestLoadSitesMissingFileIsEmpty(t *testing.T) {
	sites, dropDirs, err := loadSites(filepath.Join(t.TempDir(), "nope.yml"))
	if err != nil || sites != nil || dropDirs != nil {
		t.Fatalf("got %v %v %v, want all empty", sites, dropDirs, err)
	}
}

func TestLoadSitesRejectsBadEntries(t *testing.T) {
	dup := writeRegistry(t, "sites:\n  - id: a\n  - id: a\n")
	if _, _, err := loadSites(dup); err == nil {
		t.Error("duplicate id accepted")
	}

	badFormat := writeRegistry(t, "sites:\n  - id: a\n    log_format: syslog\n")
	if _, _, err := loadSites(badFormat); err == nil {
		t.Error("unknown log_format accepted")
	}

	noID := writeRegistry(t, "sites:\n  - name: x\n")
	if _, _, err := loadSites(noID); err == nil {
		t.Error("missing id accepted")
	}
}
