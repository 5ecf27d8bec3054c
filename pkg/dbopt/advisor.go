package dbopt

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Suggestion is one piece of tuning advice.
type Suggestion struct {
	Kind   string `json:"kind"` // INDEX or POOL
	Detail string `json:"detail"`
}

var (
	reFrom  = regexp.MustCompile(`\bfrom\s+([a-z_][a-z0-9_.]*)`)
	reWhere = regexp.MustCompile(`\bwhere\s+(.+?)(?:\border by\b|\bgroup by\b|\blimit\b|$)`)
	reCond  = regexp.MustCompile(`\b([a-z_][a-z0-9_]*)\s*(?:=|<|>|<=|>=|like|in)\s*`)
	reOrder = regexp.MustCompile(`\border by\s+(.+?)(?:\blimit\b|\boffset\b|$)`)
)

// AdviseIndexes inspects the recorder's slow queries and suggests composite
// indexes covering the filtered columns of each table. Advice is heuristic:
// it reads the normalized statement shape, not the planner.
func AdviseIndexes(rec *Recorder) []Suggestion {
	seen := map[string]struct{}{}
	var out []Suggestion
	for _, st := range rec.SlowQueries() {
		table, cols := filterColumns(st.Query)
		if table == "" || len(cols) == 0 {
			continue
		}
		key := table + "(" + strings.Join(cols, ", ") + ")"
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, Suggestion{
			Kind: "INDEX",
			Detail: fmt.Sprintf("CREATE INDEX ON %s; %d slow calls, max %s",
				key, st.SlowCalls, st.Max),
		})
	}
	return out
}

func filterColumns(normalized string) (table string, cols []string) {
	if m := reFrom.FindStringSubmatch(normalized); m != nil {
		table = m[1]
	}
	seen := map[string]struct{}{}
	if m := reWhere.FindStringSubmatch(normalized); m != nil {
		for _, cm := range reCond.FindAllStringSubmatch(m[1], -1) {
			col := cm[1]
			if col == "and" || col == "or" || col == "not" {
				continue
			}
			if _, dup := seen[col]; dup {
				continue
			}
			seen[col] = struct{}{}
			cols = append(cols, col)
		}
	}
	sort.Strings(cols)
	// Equality filters lead, sort columns trail.
	if m := reOrder.FindStringSubmatch(normalized); m != nil {
		for _, col := range strings.Split(m[1], ",") {
			col = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(col), " desc"))
			col = strings.TrimSuffix(col, " asc")
			if col == "" || col == "?" {
				continue
			}
			if _, dup := seen[col]; dup {
				continue
			}
			seen[col] = struct{}{}
			cols = append(cols, col)
		}
	}
	return table, cols
}

// PoolStats holds the pool counters the advisor inspects.
type PoolStats struct {
	AcquireCount         int64 `json:"acquire_count"`
	EmptyAcquireCount    int64 `json:"empty_acquire_count"`
	CanceledAcquireCount int64 `json:"canceled_acquire_count"`
	TotalConns           int32 `json:"total_conns"`
	IdleConns            int32 `json:"idle_conns"`
	MaxConns             int32 `json:"max_conns"`
}

// ReadPoolStats snapshots the live pgx pool counters.
func ReadPoolStats(p *pgxpool.Pool) PoolStats {
	st := p.Stat()
	return PoolStats{
		AcquireCount:         st.AcquireCount(),
		EmptyAcquireCount:    st.EmptyAcquireCount(),
		CanceledAcquireCount: st.CanceledAcquireCount(),
		TotalConns:           st.TotalConns(),
		IdleConns:            st.IdleConns(),
		MaxConns:             st.MaxConns(),
	}
}

// AdvisePool reads connection pool counters and flags saturation or waste.
func AdvisePool(st PoolStats) []Suggestion {
	var out []Suggestion
	if st.AcquireCount > 0 {
		emptyRatio := float64(st.EmptyAcquireCount) / float64(st.AcquireCount)
		if emptyRatio > 0.10 {
			out = append(out, Suggestion{
				Kind: "POOL",
				Detail: fmt.Sprintf("%.0f%% of acquires waited for a free connection; raise DATABASE_MAX_CONNS above %d",
					emptyRatio*100, st.MaxConns),
			})
		}
	}
	if st.MaxConns > 4 && st.TotalConns > 0 && st.IdleConns == st.TotalConns {
		out = append(out, Suggestion{
			Kind:   "POOL",
			Detail: fmt.Sprintf("all %d connections idle; pool may be oversized", st.TotalConns),
		})
	}
	if st.CanceledAcquireCount > 0 {
		out = append(out, Suggestion{
			Kind:   "POOL",
			Detail: fmt.Sprintf("%d acquires canceled by context; callers are timing out", st.CanceledAcquireCount),
		})
	}
	return out
}
