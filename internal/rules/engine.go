package rules

import (
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/logamizer/logamizer/internal/model"
)

// disorderSlack is how far behind the newest observed timestamp a late
// event may arrive and still be counted into its window.
const disorderSlack = 5 * time.Minute

// Rule consumes events one at a time and reports findings when asked.
// Implementations own all their state; the engine never shares state
// between rules.
type Rule interface {
	ID() string
	Step(e *model.Event)
	Finish(siteID string) []model.Finding
}

// Engine fans each event out to every rule, isolating rule panics so a
// single bad detector cannot sink an ingest.
type Engine struct {
	siteID string
	rules  []Rule
}

// NewEngine wires the rule set for one site's ingest. Pass nil to use
// the built-in detectors.
func NewEngine(siteID string, rules []Rule) *Engine {
	if rules == nil {
		rules = BuiltinRules()
	}
	return &Engine{siteID: siteID, rules: rules}
}

// Step feeds one event to every rule.
func (eng *Engine) Step(e *model.Event) {
	for _, r := range eng.rules {
		eng.step(r, e)
	}
}

func (eng *Engine) step(r Rule, e *model.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("rules: rule %s panicked on line %d: %v", r.ID(), e.LineNumber, rec)
		}
	}()
	r.Step(e)
}

// Finish collects findings from every rule, sorted by fingerprint for a
// stable emit order.
func (eng *Engine) Finish() []model.Finding {
	var out []model.Finding
	for _, r := range eng.rules {
		out = append(out, r.Finish(eng.siteID)...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}

type patternSpec struct {
	id       string
	title    string
	severity model.Severity
	match    func(e *model.Event) (subject string, ok bool)
	describe func(subject string, count int) string
	action   string
}

type hitState struct {
	count     int
	firstSeen time.Time
	lastSeen  time.Time
	sourceIP  string
	evidence  []model.Evidence
}

// patternRule accumulates per-subject hits; every match contributes to
// the finding for its subject, with no time-window component.
type patternRule struct {
	patternSpec
	hits map[string]*hitState
}

func newPatternRule(spec patternSpec) *patternRule {
	return &patternRule{patternSpec: spec, hits: make(map[string]*hitState)}
}

func (r *patternRule) ID() string { return r.id }

func (r *patternRule) Step(e *model.Event) {
	subject, ok := r.match(e)
	if !ok {
		return
	}
	st, ok := r.hits[subject]
	if !ok {
		st = &hitState{firstSeen: e.Timestamp, sourceIP: e.IP}
		r.hits[subject] = st
	}
	st.count++
	if e.Timestamp.Before(st.firstSeen) {
		st.firstSeen = e.Timestamp
	}
	if e.Timestamp.After(st.lastSeen) {
		st.lastSeen = e.Timestamp
	}
	if len(st.evidence) < model.MaxEvidenceSamples {
		st.evidence = append(st.evidence, model.Evidence{Line: e.LineNumber, Raw: e.RawLine})
	}
}

func (r *patternRule) Finish(siteID string) []model.Finding {
	out := make([]model.Finding, 0, len(r.hits))
	for subject, st := range r.hits {
		out = append(out, model.Finding{
			SiteID:          siteID,
			Fingerprint:     Fingerprint(r.id, siteID, subject, st.firstSeen),
			FindingType:     r.id,
			Severity:        r.severity,
			Title:           r.title,
			Description:     r.describe(subject, st.count),
			SuggestedAction: r.action,
			Evidence:        st.evidence,
			Meta: model.FindingMeta{
				SourceIP:  st.sourceIP,
				Count:     st.count,
				FirstSeen: st.firstSeen,
				LastSeen:  st.lastSeen,
			},
		})
	}
	return out
}

type windowSpec struct {
	id           string
	title        string
	window       time.Duration
	threshold    int
	baseSeverity model.Severity
	escalateAt   int
	escalateTo   model.Severity
	match        func(e *model.Event) bool
	describe     func(ip string, count int) string
	action       string
}

type windowState struct {
	times     []time.Time
	evidence  []model.Evidence
	best      int
	total     int
	firstSeen time.Time
	lastSeen  time.Time
	newest    time.Time
}

// windowRule counts matching events per source IP inside a sliding
// window keyed on event time. Events arriving up to disorderSlack behind
// the newest timestamp still land in their window.
type windowRule struct {
	windowSpec
	states map[string]*windowState
}

func newWindowRule(spec windowSpec) *windowRule {
	return &windowRule{windowSpec: spec, states: make(map[string]*windowState)}
}

func (r *windowRule) ID() string { return r.id }

func (r *windowRule) Step(e *model.Event) {
	if !r.match(e) {
		return
	}
	st, ok := r.states[e.IP]
	if !ok {
		st = &windowState{firstSeen: e.Timestamp, newest: e.Timestamp}
		r.states[e.IP] = st
	}
	st.total++
	if e.Timestamp.Before(st.firstSeen) {
		st.firstSeen = e.Timestamp
	}
	if e.Timestamp.After(st.lastSeen) {
		st.lastSeen = e.Timestamp
	}
	if e.Timestamp.After(st.newest) {
		st.newest = e.Timestamp
	}
	st.times = append(st.times, e.Timestamp)

	// Drop entries that can no longer share a window with any event
	// we might still accept.
	cutoff := st.newest.Add(-(r.window + disorderSlack))
	kept := st.times[:0]
	for _, t := range st.times {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	st.times = kept

	// Count the window ending at this event; a late arrival may also
	// grow the window ending at the newest timestamp seen so far.
	n := countWindow(st.times, e.Timestamp, r.window)
	if e.Timestamp.Before(st.newest) {
		if m := countWindow(st.times, st.newest, r.window); m > n {
			n = m
		}
	}
	if n > st.best {
		st.best = n
	}
	if len(st.evidence) < model.MaxEvidenceSamples {
		st.evidence = append(st.evidence, model.Evidence{Line: e.LineNumber, Raw: e.RawLine})
	}
}

func countWindow(times []time.Time, end time.Time, window time.Duration) int {
	start := end.Add(-window)
	n := 0
	for _, t := range times {
		if t.After(start) && !t.After(end) {
			n++
		}
	}
	return n
}

func (r *windowRule) Finish(siteID string) []model.Finding {
	var out []model.Finding
	for ip, st := range r.states {
		if st.best < r.threshold {
			continue
		}
		severity := r.baseSeverity
		if r.escalateAt > 0 && st.best >= r.escalateAt {
			severity = r.escalateTo
		}
		out = append(out, model.Finding{
			SiteID:          siteID,
			Fingerprint:     Fingerprint(r.id, siteID, ip, st.firstSeen),
			FindingType:     r.id,
			Severity:        severity,
			Title:           r.title,
			Description:     fmt.Sprintf("%s (%d matching requests total)", r.describe(ip, st.best), st.total),
			SuggestedAction: r.action,
			Evidence:        st.evidence,
			Meta: model.FindingMeta{
				SourceIP:  ip,
				Count:     st.best,
				FirstSeen: st.firstSeen,
				LastSeen:  st.lastSeen,
			},
		})
	}
	return out
}
