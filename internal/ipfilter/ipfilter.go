// Package ipfilter drops events from a site's hidden IPs before they
// reach aggregation and rules. Filtering happens at pipeline time so the
// raw upload is preserved and can be re-ingested after the set changes.
package ipfilter

import "github.com/logamizer/logamizer/internal/model"

// Filter is an immutable hidden-IP set.
type Filter struct {
	hidden map[string]struct{}
}

// New builds a filter from the site's hidden IP literals. Order is
// irrelevant for matching; duplicates collapse.
func New(hiddenIPs []string) *Filter {
	hidden := make(map[string]struct{}, len(hiddenIPs))
	for _, ip := range hiddenIPs {
		if ip != "" {
			hidden[ip] = struct{}{}
		}
	}
	return &Filter{hidden: hidden}
}

// Keep reports whether the event should flow downstream.
func (f *Filter) Keep(e *model.Event) bool {
	if len(f.hidden) == 0 {
		return true
	}
	_, drop := f.hidden[e.IP]
	return !drop
}

// Hidden reports whether the given IP literal is filtered.
func (f *Filter) Hidden(ip string) bool {
	_, ok := f.hidden[ip]
	return ok
}

// Size returns the number of distinct hidden IPs.
func (f *Filter) Size() int { return len(f.hidden) }
