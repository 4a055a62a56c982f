// Package errtrack collapses error-log occurrences into stable groups
// so recurring errors surface once with a running count.
package errtrack

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/logamizer/logamizer/internal/model"
)

var (
	timestampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[t ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:z|[+-]\d{2}:?\d{2})?`)
	quotedPattern    = regexp.MustCompile(`"[^"]*"|'[^']*'`)
	absPathPattern   = regexp.MustCompile(`(?:/[\w.@-]+){2,}`)
	// Hex literals and digit runs replace in one pass so the 0 in the
	// 0xN placeholder is not itself rewritten.
	numberPattern = regexp.MustCompile(`0x[0-9a-f]+|\d+`)
)

// Canonicalize normalizes an error message so cosmetic differences
// (ids, timestamps, literals, paths) collapse into one group key.
func Canonicalize(message string) string {
	msg := strings.ToLower(strings.TrimSpace(message))
	msg = timestampPattern.ReplaceAllString(msg, "")
	msg = quotedPattern.ReplaceAllString(msg, `"S"`)
	msg = absPathPattern.ReplaceAllStringFunc(msg, filepath.Base)
	msg = numberPattern.ReplaceAllStringFunc(msg, func(m string) string {
		if strings.HasPrefix(m, "0x") {
			return "0xN"
		}
		return "N"
	})
	return strings.Join(strings.Fields(msg), " ")
}

// Fingerprint derives a group identity from the parts of an occurrence
// that survive canonicalization. Missing fields hash as empty strings.
func Fingerprint(errorType, message, filePath, functionName string) string {
	parts := []string{
		errorType,
		Canonicalize(message),
		filepath.Base(filePath),
		functionName,
	}
	if filePath == "" {
		parts[2] = ""
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:16])
}

// Occurrence is one error event annotated with its group fingerprint.
type Occurrence struct {
	Fingerprint string
	Event       *model.ErrorEvent
}

// Grouper folds a file's error events into per-fingerprint groups.
// Like the aggregator it is single-job state; persistence merges its
// output atomically.
type Grouper struct {
	siteID      string
	groups      map[string]*model.ErrorGroup
	occurrences []Occurrence
}

// NewGrouper creates a grouper for one site's error-analysis run.
func NewGrouper(siteID string) *Grouper {
	return &Grouper{
		siteID: siteID,
		groups: make(map[string]*model.ErrorGroup),
	}
}

// Add folds one error event into its group and records the occurrence.
func (g *Grouper) Add(e *model.ErrorEvent) {
	fp := Fingerprint(e.ErrorType, e.Message, e.FilePath, e.FunctionName)
	grp, ok := g.groups[fp]
	if !ok {
		grp = &model.ErrorGroup{
			SiteID:      g.siteID,
			Fingerprint: fp,
			ErrorType:   e.ErrorType,
			Message:     e.Message,
			FirstSeen:   e.Timestamp,
			LastSeen:    e.Timestamp,
			Status:      model.GroupUnresolved,
		}
		g.groups[fp] = grp
	}
	grp.OccurrenceCount++
	if e.Timestamp.Before(grp.FirstSeen) {
		grp.FirstSeen = e.Timestamp
	}
	if e.Timestamp.After(grp.LastSeen) {
		grp.LastSeen = e.Timestamp
	}
	g.occurrences = append(g.occurrences, Occurrence{Fingerprint: fp, Event: e})
}

// Groups returns the accumulated groups in no particular order.
func (g *Grouper) Groups() []model.ErrorGroup {
	out := make([]model.ErrorGroup, 0, len(g.groups))
	for _, grp := range g.groups {
		out = append(out, *grp)
	}
	return out
}

// Occurrences returns every recorded occurrence in file order.
func (g *Grouper) Occurrences() []Occurrence { return g.occurrences }
