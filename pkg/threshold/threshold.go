// Package threshold decides which incident categories breached their limit.
package threshold

import (
	"sort"
	"sync"

	"github.com/supporttools/log-sentinel/pkg/types"
)

// MaxSamples is the number of distinct contributing sources kept per breach.
const MaxSamples = 5

type tally struct {
	count   int
	samples []string
	seen    map[string]bool
}

func (t *tally) add(sourceID string) {
	t.count++
	if t.seen == nil {
		t.seen = make(map[string]bool)
	}
	if !t.seen[sourceID] && len(t.samples) < MaxSamples {
		t.samples = append(t.samples, sourceID)
	}
	t.seen[sourceID] = true
}

func limits(rules []types.ThresholdRule) map[types.Category]int {
	m := make(map[types.Category]int, len(rules))
	for _, r := range rules {
		m[r.Category] = r.Limit
	}
	return m
}

// Evaluate counts events per category and returns one breach for every
// category whose count reaches its limit, ordered by category. A category
// without a rule never breaches.
func Evaluate(events []types.Event, rules []types.ThresholdRule) []types.Breach {
	tallies := make(map[types.Category]*tally)
	for _, ev := range events {
		t, ok := tallies[ev.Category]
		if !ok {
			t = &tally{}
			tallies[ev.Category] = t
		}
		t.add(ev.SourceID)
	}
	return breaches(tallies, limits(rules))
}

func breaches(tallies map[types.Category]*tally, limitByCategory map[types.Category]int) []types.Breach {
	var out []types.Breach
	for category, t := range tallies {
		limit, ok := limitByCategory[category]
		if !ok || limit <= 0 || t.count < limit {
			continue
		}
		out = append(out, types.Breach{
			Category: category,
			Count:    t.count,
			Limit:    limit,
			Samples:  append([]string(nil), t.samples...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

// Tracker applies the configured threshold mode across cycles. In per-cycle
// mode it is a pass-through to Evaluate. In cumulative mode counts carry over
// between cycles and a category is reset once it breaches.
type Tracker struct {
	mu         sync.Mutex
	mode       string
	limits     map[types.Category]int
	rules      []types.ThresholdRule
	cumulative map[types.Category]*tally
}

// NewTracker creates a tracker for mode (per-cycle or cumulative).
func NewTracker(mode string, rules []types.ThresholdRule) *Tracker {
	if mode == "" {
		mode = types.ThresholdModePerCycle
	}
	return &Tracker{
		mode:       mode,
		limits:     limits(rules),
		rules:      append([]types.ThresholdRule(nil), rules...),
		cumulative: make(map[types.Category]*tally),
	}
}

// Mode returns the threshold mode.
func (t *Tracker) Mode() string {
	return t.mode
}

// Rules returns the configured rules.
func (t *Tracker) Rules() []types.ThresholdRule {
	return append([]types.ThresholdRule(nil), t.rules...)
}

// Observe evaluates one cycle's events.
func (t *Tracker) Observe(events []types.Event) []types.Breach {
	if t.mode != types.ThresholdModeCumulative {
		return Evaluate(events, t.rules)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ev := range events {
		if _, tracked := t.limits[ev.Category]; !tracked {
			continue
		}
		tl, ok := t.cumulative[ev.Category]
		if !ok {
			tl = &tally{}
			t.cumulative[ev.Category] = tl
		}
		tl.add(ev.SourceID)
	}

	out := breaches(t.cumulative, t.limits)
	for _, b := range out {
		delete(t.cumulative, b.Category)
	}
	return out
}

// Pending returns the carried-over counts in cumulative mode.
func (t *Tracker) Pending() map[types.Category]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[types.Category]int, len(t.cumulative))
	for c, tl := range t.cumulative {
		out[c] = tl.count
	}
	return out
}
