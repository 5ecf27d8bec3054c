// Package dbopt collects query statistics and produces tuning advice for
// the Postgres layer.
package dbopt

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	reString      = regexp.MustCompile(`'(?:[^']|'')*'`)
	reNumber      = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	rePlaceholder = regexp.MustCompile(`\$\d+`)
	reSpace       = regexp.MustCompile(`\s+`)
	reInList      = regexp.MustCompile(`\(\s*\?(?:\s*,\s*\?)+\s*\)`)
)

// Normalize collapses a SQL statement to its shape: literals and bind
// placeholders become ?, whitespace folds, keywords keep their case via
// lowercasing the whole statement. Queries that differ only in parameter
// values normalize to the same string.
func Normalize(query string) string {
	q := strings.ToLower(strings.TrimSpace(query))
	q = reString.ReplaceAllString(q, "?")
	q = rePlaceholder.ReplaceAllString(q, "?")
	q = reNumber.ReplaceAllString(q, "?")
	q = reSpace.ReplaceAllString(q, " ")
	q = reInList.ReplaceAllString(q, "(?)")
	return strings.TrimSuffix(q, ";")
}

// QueryStat aggregates observations for one normalized query.
type QueryStat struct {
	Query     string        `json:"query"`
	Calls     uint64        `json:"calls"`
	SlowCalls uint64        `json:"slow_calls"`
	Rows      int64         `json:"rows"`
	Total     time.Duration `json:"total_ns"`
	Max       time.Duration `json:"max_ns"`
}

// Mean is the average observed duration.
func (s QueryStat) Mean() time.Duration {
	if s.Calls == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Calls)
}

// Recorder tracks per-query timing, keyed by normalized statement.
type Recorder struct {
	SlowThreshold time.Duration

	mu    sync.Mutex
	stats map[string]*QueryStat
}

// NewRecorder builds a recorder. Observations at or above slowThreshold
// count as slow calls.
func NewRecorder(slowThreshold time.Duration) *Recorder {
	return &Recorder{SlowThreshold: slowThreshold, stats: map[string]*QueryStat{}}
}

// Observe records one execution of query with the rows it touched.
func (r *Recorder) Observe(query string, d time.Duration, rows int64) {
	key := Normalize(query)
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.stats[key]
	if !ok {
		st = &QueryStat{Query: key}
		r.stats[key] = st
	}
	st.Calls++
	st.Rows += rows
	st.Total += d
	if d > st.Max {
		st.Max = d
	}
	if r.SlowThreshold > 0 && d >= r.SlowThreshold {
		st.SlowCalls++
	}
}

// Report returns all stats ordered by total time descending.
func (r *Recorder) Report() []QueryStat {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]QueryStat, 0, len(r.stats))
	for _, st := range r.stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Total > out[j].Total })
	return out
}

// SlowQueries returns only the stats with at least one slow call, ordered
// by max duration descending.
func (r *Recorder) SlowQueries() []QueryStat {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []QueryStat
	for _, st := range r.stats {
		if st.SlowCalls > 0 {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Max > out[j].Max })
	return out
}

// Reset drops all recorded stats.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = map[string]*QueryStat{}
}
