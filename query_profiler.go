package quipodb

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// Profile sources other than a provider name.
const SourceCache = "cache"

// QueryProfile tracks execution details for a single read or query.
type QueryProfile struct {
	Op          string // "findDoc", "getRaw", "queryCollection", "saveQuery"
	Collection  string
	StartTime   time.Time
	Duration    time.Duration
	Source      string // SourceCache or the provider that answered
	Fallback    bool   // an earlier provider failed before Source answered
	ProviderOps int    // provider calls made for this operation
	ResultCount int
	Error       error
}

// QueryProfiler collects and reports query performance. A nil profiler
// records nothing.
type QueryProfiler struct {
	mu                 sync.RWMutex
	profiles           []QueryProfile
	slowQueryThreshold time.Duration
	enabled            bool
}

// NewQueryProfiler creates a new query profiler
func NewQueryProfiler() *QueryProfiler {
	return &QueryProfiler{
		profiles:           make([]QueryProfile, 0),
		slowQueryThreshold: 100 * time.Millisecond,
		enabled:            true,
	}
}

// SetSlowQueryThreshold sets the duration threshold for slow queries
func (p *QueryProfiler) SetSlowQueryThreshold(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slowQueryThreshold = d
}

// SetEnabled enables or disables profiling
func (p *QueryProfiler) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
}

// StartProfile begins profiling an operation. It returns nil when the
// profiler is nil or disabled.
func (p *QueryProfiler) StartProfile(op, collection string) *QueryProfile {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	enabled := p.enabled
	p.mu.RUnlock()

	if !enabled {
		return nil
	}

	return &QueryProfile{
		Op:         op,
		Collection: collection,
		StartTime:  time.Now(),
	}
}

// Record records a completed query profile
func (p *QueryProfiler) Record(profile *QueryProfile) {
	if p == nil || profile == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.enabled {
		return
	}

	profile.Duration = time.Since(profile.StartTime)
	p.profiles = append(p.profiles, *profile)
}

// IsSlow reports whether profile exceeded the slow query threshold.
func (p *QueryProfiler) IsSlow(profile QueryProfile) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return profile.Duration > p.slowQueryThreshold
}

// GetProfiles returns all recorded profiles
func (p *QueryProfiler) GetProfiles() []QueryProfile {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]QueryProfile, len(p.profiles))
	copy(result, p.profiles)
	return result
}

// GetSlowQueries returns queries that exceeded the slow query threshold
func (p *QueryProfiler) GetSlowQueries() []QueryProfile {
	return p.filter(func(qp QueryProfile) bool { return qp.Duration > p.slowQueryThreshold })
}

// GetFallbacks returns reads served by a provider other than the first.
func (p *QueryProfiler) GetFallbacks() []QueryProfile {
	return p.filter(func(qp QueryProfile) bool { return qp.Fallback })
}

// GetCacheHits returns reads answered by the cache.
func (p *QueryProfiler) GetCacheHits() []QueryProfile {
	return p.filter(func(qp QueryProfile) bool { return qp.Source == SourceCache })
}

func (p *QueryProfiler) filter(keep func(QueryProfile) bool) []QueryProfile {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]QueryProfile, 0)
	for _, profile := range p.profiles {
		if keep(profile) {
			out = append(out, profile)
		}
	}
	return out
}

// Clear clears all recorded profiles
func (p *QueryProfiler) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profiles = make([]QueryProfile, 0)
}

// ProfileSummary is a statistical summary of recorded profiles.
type ProfileSummary struct {
	TotalQueries    int
	SlowQueries     int
	CacheHits       int
	Fallbacks       int
	Errors          int
	AverageDuration time.Duration
	P50Duration     time.Duration
	P95Duration     time.Duration
	P99Duration     time.Duration
	ByOp            map[string]OpStats
	BySource        map[string]int
}

type OpStats struct {
	Count           int
	TotalDuration   time.Duration
	AverageDuration time.Duration
	MaxDuration     time.Duration
	MinDuration     time.Duration
	Fallbacks       int
}

// GetSummary returns a statistical summary of all profiles
func (p *QueryProfiler) GetSummary() ProfileSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	summary := ProfileSummary{
		TotalQueries: len(p.profiles),
		ByOp:         make(map[string]OpStats),
		BySource:     make(map[string]int),
	}

	if len(p.profiles) == 0 {
		return summary
	}

	var totalDuration time.Duration
	durations := make([]time.Duration, 0, len(p.profiles))

	for _, profile := range p.profiles {
		totalDuration += profile.Duration
		durations = append(durations, profile.Duration)

		if profile.Duration > p.slowQueryThreshold {
			summary.SlowQueries++
		}
		if profile.Source == SourceCache {
			summary.CacheHits++
		}
		if profile.Fallback {
			summary.Fallbacks++
		}
		if profile.Error != nil {
			summary.Errors++
		}
		if profile.Source != "" {
			summary.BySource[profile.Source]++
		}

		stats := summary.ByOp[profile.Op]
		stats.Count++
		stats.TotalDuration += profile.Duration
		if stats.Count == 1 || profile.Duration > stats.MaxDuration {
			stats.MaxDuration = profile.Duration
		}
		if stats.Count == 1 || profile.Duration < stats.MinDuration {
			stats.MinDuration = profile.Duration
		}
		if profile.Fallback {
			stats.Fallbacks++
		}
		summary.ByOp[profile.Op] = stats
	}

	summary.AverageDuration = totalDuration / time.Duration(len(p.profiles))
	for op, stats := range summary.ByOp {
		stats.AverageDuration = stats.TotalDuration / time.Duration(stats.Count)
		summary.ByOp[op] = stats
	}

	sort.Slice(durations, func(i, j int) bool {
		return durations[i] < durations[j]
	})
	summary.P50Duration = durations[len(durations)*50/100]
	summary.P95Duration = durations[len(durations)*95/100]
	summary.P99Duration = durations[len(durations)*99/100]

	return summary
}

// PrintSummary writes a formatted summary to w.
func (p *QueryProfiler) PrintSummary(w io.Writer) {
	summary := p.GetSummary()
	if summary.TotalQueries == 0 {
		fmt.Fprintln(w, "No queries recorded")
		return
	}
	pct := func(n int) float64 { return float64(n) * 100 / float64(summary.TotalQueries) }

	fmt.Fprintln(w, "=== Query Performance Summary ===")
	fmt.Fprintf(w, "Total Queries:     %d\n", summary.TotalQueries)
	fmt.Fprintf(w, "Slow Queries:      %d (%.1f%%)\n", summary.SlowQueries, pct(summary.SlowQueries))
	fmt.Fprintf(w, "Cache Hits:        %d (%.1f%%)\n", summary.CacheHits, pct(summary.CacheHits))
	fmt.Fprintf(w, "Fallbacks:         %d (%.1f%%)\n", summary.Fallbacks, pct(summary.Fallbacks))
	fmt.Fprintf(w, "Errors:            %d (%.1f%%)\n", summary.Errors, pct(summary.Errors))

	fmt.Fprintln(w, "\n=== Duration Stats ===")
	fmt.Fprintf(w, "Average:           %v\n", summary.AverageDuration)
	fmt.Fprintf(w, "P50:               %v\n", summary.P50Duration)
	fmt.Fprintf(w, "P95:               %v\n", summary.P95Duration)
	fmt.Fprintf(w, "P99:               %v\n", summary.P99Duration)

	fmt.Fprintln(w, "\n=== By Source ===")
	sources := make([]string, 0, len(summary.BySource))
	for source := range summary.BySource {
		sources = append(sources, source)
	}
	sort.Strings(sources)
	for _, source := range sources {
		count := summary.BySource[source]
		fmt.Fprintf(w, "%-10s %5d (%.1f%%)\n", source, count, pct(count))
	}

	fmt.Fprintln(w, "\n=== By Operation (slowest first) ===")
	ops := make([]string, 0, len(summary.ByOp))
	for op := range summary.ByOp {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		return summary.ByOp[ops[i]].AverageDuration > summary.ByOp[ops[j]].AverageDuration
	})
	for _, op := range ops {
		s := summary.ByOp[op]
		fmt.Fprintf(w, "%-20s count=%4d avg=%8v max=%8v fallbacks=%3d\n",
			op, s.Count, s.AverageDuration, s.MaxDuration, s.Fallbacks)
	}
}

// WithProfiler records every Docs read and query in profiler.
func WithProfiler(profiler *QueryProfiler) Option {
	return func(db *DB) error {
		db.profiler = profiler
		return nil
	}
}

// Profiler returns the profiler set with WithProfiler, or nil.
func (db *DB) Profiler() *QueryProfiler {
	return db.profiler
}

// The profile of the running operation travels in the context so provider
// reads can report which provider answered.
type profileKey struct{}

func withProfile(ctx context.Context, profile *QueryProfile) context.Context {
	return context.WithValue(ctx, profileKey{}, profile)
}

func profileFrom(ctx context.Context) *QueryProfile {
	profile, _ := ctx.Value(profileKey{}).(*QueryProfile)
	return profile
}

// startProfile begins profiling op on the collection. The returned
// function records the outcome.
func (d *Docs) startProfile(ctx context.Context, op string) (context.Context, func(results int, err error)) {
	profile := d.db.profiler.StartProfile(op, d.spec.Name)
	if profile == nil {
		return ctx, func(int, error) {}
	}
	return withProfile(ctx, profile), func(results int, err error) {
		profile.ResultCount = results
		profile.Error = err
		d.db.profiler.Record(profile)
	}
}

func markCacheHit(ctx context.Context) {
	if profile := profileFrom(ctx); profile != nil {
		profile.Source = SourceCache
	}
}
