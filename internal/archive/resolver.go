// Package archive turns a stream's index pages into the subdivisions that
// cover a crawl window.
package archive

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/journal-crawler/internal/crawler"
	"github.com/JakeFAU/journal-crawler/internal/metrics"
)

// DefaultFallbackLimit is the number of nearest subdivisions returned when
// nothing falls inside the window.
const DefaultFallbackLimit = 2

// Group is a year-level bucket of subdivisions, typically one volume.
type Group struct {
	// Year is zero when the group heading carried no year.
	Year         int
	Label        string
	Subdivisions []crawler.Subdivision
}

// Index is the parsed archive of a stream, in discovery order.
type Index struct {
	Groups []Group
}

// Len returns the number of subdivisions across groups.
func (ix Index) Len() int {
	n := 0
	for _, g := range ix.Groups {
		n += len(g.Subdivisions)
	}
	return n
}

// Merge appends the groups of other, renumbering their sequence so discovery
// order spans both indexes.
func (ix Index) Merge(other Index) Index {
	next := ix.Len()
	out := Index{Groups: append([]Group(nil), ix.Groups...)}
	for _, g := range other.Groups {
		subs := make([]crawler.Subdivision, len(g.Subdivisions))
		for i, s := range g.Subdivisions {
			s.Seq = next
			next++
			subs[i] = s
		}
		g.Subdivisions = subs
		out.Groups = append(out.Groups, g)
	}
	return out
}

// Resolver filters an index down to a date window.
type Resolver struct {
	fallbackLimit int
	logger        *zap.Logger
}

// NewResolver builds a resolver. The fallback limit is clamped to 1..2.
func NewResolver(fallbackLimit int, logger *zap.Logger) *Resolver {
	if fallbackLimit <= 0 || fallbackLimit > DefaultFallbackLimit {
		fallbackLimit = DefaultFallbackLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{fallbackLimit: fallbackLimit, logger: logger}
}

type candidate struct {
	sub      crawler.Subdivision
	distance int
}

// Resolve applies the coarse year filter, then the fine date filter. When the
// fine filter keeps nothing, the subdivisions nearest to the window midpoint
// are returned instead and the result is flagged as a fallback.
func (r *Resolver) Resolve(index Index, start, end time.Time) crawler.ArchiveWindow {
	from, to := crawler.Day(start), crawler.Day(end)
	if to.Before(from) {
		from, to = to, from
	}
	result := crawler.ArchiveWindow{Window: crawler.Window{Start: from, End: to}}

	seen := make(map[string]struct{})
	var discarded []crawler.Subdivision
	for _, group := range index.Groups {
		inYears := group.Year == 0 || (group.Year >= from.Year() && group.Year <= to.Year())
		for _, sub := range group.Subdivisions {
			if sub.Ref != "" {
				if _, dup := seen[sub.Ref]; dup {
					continue
				}
				seen[sub.Ref] = struct{}{}
			}
			if !sub.Dated() {
				result.Undated++
				continue
			}
			if inYears && overlaps(sub, from, to) {
				result.Subdivisions = append(result.Subdivisions, sub)
				continue
			}
			discarded = append(discarded, sub)
		}
	}

	if len(result.Subdivisions) > 0 || len(discarded) == 0 {
		return result
	}

	mid := crawler.Day(from.Add(to.Sub(from) / 2))
	scored := make([]candidate, len(discarded))
	for i, sub := range discarded {
		scored[i] = candidate{sub: sub, distance: distanceDays(sub, mid)}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].distance < scored[j].distance
	})
	for i := 0; i < len(scored) && i < r.fallbackLimit; i++ {
		result.Subdivisions = append(result.Subdivisions, scored[i].sub)
	}
	result.Fallback = true

	metrics.ObserveResolverFallback()
	selected := make([]string, 0, len(result.Subdivisions))
	for _, sub := range result.Subdivisions {
		selected = append(selected, sub.Label+" ("+sub.Start.Format(time.DateOnly)+")")
	}
	r.logger.Warn("nearest-match fallback used",
		zap.Bool("fallback", true),
		zap.Time("window_start", from),
		zap.Time("window_end", to),
		zap.Time("midpoint", mid),
		zap.Int("candidates", len(discarded)),
		zap.Strings("selected", selected),
	)
	return result
}

func overlaps(sub crawler.Subdivision, from, to time.Time) bool {
	first := crawler.Day(sub.Start)
	return !first.After(to) && !sub.Last().Before(from)
}

// distanceDays is the day distance from mid to the nearer edge of sub.
func distanceDays(sub crawler.Subdivision, mid time.Time) int {
	first, last := crawler.Day(sub.Start), sub.Last()
	switch {
	case mid.Before(first):
		return days(first.Sub(mid))
	case mid.After(last):
		return days(mid.Sub(last))
	default:
		return 0
	}
}

func days(d time.Duration) int {
	return int(d.Round(time.Hour).Hours() / 24)
}
