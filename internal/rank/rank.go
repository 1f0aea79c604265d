// Package rank implements the query-discovery ranking algebra.
//
// QueryRanker is a pure function: it consumes a slice of digest statistics
// and returns an ordered slice, performing no I/O. This is deliberate — it
// is the natural locus of table-driven and property-based tests, and
// keeping it free of side effects means DiscoveryEngine can be tested by
// substituting fixed digest slices instead of a live Proxy.
package rank

import "sort"

// Mode names one of the nine ranking algebras a digest can be scored by.
type Mode string

const (
	CountStar             Mode = "CountStar"
	SumTime               Mode = "SumTime"
	SumRowsSent           Mode = "SumRowsSent"
	MeanTime              Mode = "MeanTime"
	ExecutionTimeDistance Mode = "ExecutionTimeDistance"
	QueryThroughput       Mode = "QueryThroughput"
	WorstBestCase         Mode = "WorstBestCase"
	WorstWorstCase        Mode = "WorstWorstCase"
	DistanceMeanMax       Mode = "DistanceMeanMax"
)

// ValidModes lists every recognized discovery mode. Used by config
// validation to reject unknown modes.
var ValidModes = []Mode{
	CountStar, SumTime, SumRowsSent, MeanTime, ExecutionTimeDistance,
	QueryThroughput, WorstBestCase, WorstWorstCase, DistanceMeanMax,
}

// Digest is the subset of QueryDigest attributes the ranking algebra needs.
// proxyclient.QueryDigest satisfies this shape; it is duplicated here
// (rather than imported) so this package stays dependency-free and testable
// without any SQL client in the loop.
type Digest struct {
	DigestID    string
	CountStar   int64
	SumTime     int64
	MinTime     int64
	MaxTime     int64
	SumRowsSent int64
}

// Rank filters digests below the configured minimums, computes the ranking
// key for the given mode, drops digests for which the key is undefined,
// sorts descending by key (ties broken by DigestID ascending for
// reproducibility), and truncates to limit. A limit <= 0 yields no
// candidates at all, mirroring Go slicing semantics rather than treating 0
// as "unbounded" — a zero query budget installs nothing.
func Rank(digests []Digest, mode Mode, minExecution, minRowsSent int64, limit int) []Digest {
	candidates := make([]scored, 0, len(digests))

	for _, d := range digests {
		if d.CountStar < minExecution {
			continue
		}
		if d.SumRowsSent < minRowsSent {
			continue
		}
		key, ok := keyFor(d, mode)
		if !ok {
			continue
		}
		candidates = append(candidates, scored{Digest: d, key: key})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].key != candidates[j].key {
			return candidates[i].key > candidates[j].key
		}
		return candidates[i].Digest.DigestID < candidates[j].Digest.DigestID
	})

	if limit < 0 {
		limit = 0
	}
	if limit > len(candidates) {
		limit = len(candidates)
	}

	out := make([]Digest, limit)
	for i := 0; i < limit; i++ {
		out[i] = candidates[i].Digest
	}
	return out
}

type scored struct {
	Digest
	key float64
}

// keyFor computes the ranking key for a single digest under mode, returning
// ok=false when the key is undefined for that digest (e.g. a mean requires
// count_star > 0).
func keyFor(d Digest, mode Mode) (float64, bool) {
	switch mode {
	case CountStar:
		return float64(d.CountStar), true
	case SumTime:
		return float64(d.SumTime), true
	case SumRowsSent:
		return float64(d.SumRowsSent), true
	case MeanTime:
		if d.CountStar <= 0 {
			return 0, false
		}
		return float64(d.SumTime) / float64(d.CountStar), true
	case ExecutionTimeDistance:
		return float64(d.MaxTime - d.MinTime), true
	case QueryThroughput:
		if d.SumTime <= 0 {
			return 0, false
		}
		return float64(d.CountStar) / float64(d.SumTime), true
	case WorstBestCase:
		return float64(d.MinTime), true
	case WorstWorstCase:
		return float64(d.MaxTime), true
	case DistanceMeanMax:
		if d.CountStar <= 0 {
			return 0, false
		}
		mean := float64(d.SumTime) / float64(d.CountStar)
		return float64(d.MaxTime) - mean, true
	default:
		return 0, false
	}
}

// Valid reports whether mode is one of the nine recognized modes.
func Valid(mode Mode) bool {
	for _, m := range ValidModes {
		if m == mode {
			return true
		}
	}
	return false
}
