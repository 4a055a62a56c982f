package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/logamizer/logamizer/internal/model"
)

// siteEntry is one record of the YAML site registry.
type siteEntry struct {
	ID        string              `yaml:"id"`
	Name      string              `yaml:"name"`
	Domain    string              `yaml:"domain"`
	LogFormat string              `yaml:"log_format"`
	HiddenIPs []string            `yaml:"hidden_ips"`
	Anomaly   model.AnomalyParams `yaml:"anomaly"`
	DropDir   string              `yaml:"drop_dir"`
}

type siteRegistry struct {
	Sites []siteEntry `yaml:"sites"`
}

// loadSites reads the site registry. A missing file is not an error:
// the service then serves whatever sites are already in the store.
func loadSites(path string) ([]model.Site, map[string]string, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading site registry %s: %w", path, err)
	}

	var reg siteRegistry
	if err := yaml.Unmarshal(raw, &reg); err != nil {
		return nil, nil, fmt.Errorf("parsing site registry %s: %w", path, err)
	}

	sites := make([]model.Site, 0, len(reg.Sites))
	dropDirs := make(map[string]string)
	seen := make(map[string]bool)
	for i, entry := range reg.Sites {
		if entry.ID == "" {
			return nil, nil, fmt.Errorf("site registry %s: entry %d has no id", path, i)
		}
		if seen[entry.ID] {
			return nil, nil, fmt.Errorf("site registry %s: duplicate site id %q", path, entry.ID)
		}
		seen[entry.ID] = true

		format := model.LogFormat(entry.LogFormat)
		switch format {
		case "":
			format = model.FormatAuto
		case model.FormatNginxCombined, model.FormatApacheCombined, model.FormatAuto:
		default:
			return nil, nil, fmt.Errorf("site registry %s: site %q has unknown log_format %q", path, entry.ID, entry.LogFormat)
		}

		sites = append(sites, model.Site{
			ID:        entry.ID,
			Name:      entry.Name,
			Domain:    entry.Domain,
			LogFormat: format,
			Anomaly:   entry.Anomaly.Normalize(),
			HiddenIPs: entry.HiddenIPs,
		})
		if entry.DropDir != "" {
			dropDirs[entry.ID] = entry.DropDir
		}
	}
	return sites, dropDirs, nil
}
