package aggregate

import (
	"sort"

	"github.com/logamizer/logamizer/internal/model"
)

// slotFactor sizes the working map relative to K. Keeping 4x the reported
// keys makes the summary exact for all but adversarial skew.
const slotFactor = 4

// TopK is a bounded frequency counter. It keeps an exact count map up to
// slotFactor*k keys; once full, an unseen key evicts the lowest-count
// resident and starts at one. Counts of resident keys never decrease.
type TopK struct {
	k      int
	counts map[string]int64
}

// NewTopK returns a counter reporting the k most frequent keys.
func NewTopK(k int) *TopK {
	if k <= 0 {
		k = model.TopK
	}
	return &TopK{
		k:      k,
		counts: make(map[string]int64, k*slotFactor),
	}
}

// Add counts one observation of key. Empty keys are ignored.
func (t *TopK) Add(key string) {
	if key == "" {
		return
	}
	if _, ok := t.counts[key]; ok {
		t.counts[key]++
		return
	}
	if len(t.counts) >= t.k*slotFactor {
		t.evictMin()
	}
	t.counts[key] = 1
}

// evictMin removes the lowest-count key, breaking ties toward the
// lexicographically largest so smaller keys survive, matching the merge
// tie-break.
func (t *TopK) evictMin() {
	var victim string
	var min int64 = -1
	for key, count := range t.counts {
		if min == -1 || count < min || (count == min && key > victim) {
			victim = key
			min = count
		}
	}
	delete(t.counts, victim)
}

// Snapshot returns the top k keys by count descending, ties broken
// lexicographically ascending.
func (t *TopK) Snapshot() []model.KeyCount {
	out := make([]model.KeyCount, 0, len(t.counts))
	for key, count := range t.counts {
		out = append(out, model.KeyCount{Key: key, Count: count})
	}
	sortKeyCounts(out)
	if len(out) > t.k {
		out = out[:t.k]
	}
	return out
}

// MergeTopK merges two top-K summaries by summing counts per key and
// keeping the k largest. The merge is commutative, so concurrent flushes
// of the same row converge regardless of order.
func MergeTopK(a, b []model.KeyCount, k int) []model.KeyCount {
	sums := make(map[string]int64, len(a)+len(b))
	for _, kc := range a {
		sums[kc.Key] += kc.Count
	}
	for _, kc := range b {
		sums[kc.Key] += kc.Count
	}
	out := make([]model.KeyCount, 0, len(sums))
	for key, count := range sums {
		out = append(out, model.KeyCount{Key: key, Count: count})
	}
	sortKeyCounts(out)
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func sortKeyCounts(kcs []model.KeyCount) {
	sort.Slice(kcs, func(i, j int) bool {
		if kcs[i].Count != kcs[j].Count {
			return kcs[i].Count > kcs[j].Count
		}
		return kcs[i].Key < kcs[j].Key
	})
}
