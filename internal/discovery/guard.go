// Package discovery implements DiscoveryEngine: promoting eligible mirror
// rules, discovering new caching candidates, and installing them as
// redirect rules (warmup_time_s = 0) or mirror rules.
package discovery

import (
	"fmt"

	"github.com/opencache/rsscheduler/internal/proxyclient"
)

// GuardStats tallies how many rule mutations the guard checked and rejected
// during a tick, readable through Guard.Stats. The end-of-tick report does
// not include it.
type GuardStats struct {
	Checked  int64
	Rejected int64
}

// Guard enforces the invariant that no rule lacking the managed-rule tag
// is ever modified. Every call site in this package that writes to an
// existing rule must pass it through Guard.Allow first.
type Guard struct {
	stats GuardStats
}

// NewGuard returns a Guard with zeroed statistics.
func NewGuard() *Guard {
	return &Guard{}
}

// Allow reports whether rule carries this system's managed-rule tag. Rules
// that fail this check must be left untouched by every subsequent phase,
// regardless of what DiscoveryEngine would otherwise decide to do with them.
func (g *Guard) Allow(rule proxyclient.QueryRule) (bool, error) {
	g.stats.Checked++
	if !proxyclient.IsManaged(rule.Comment) {
		g.stats.Rejected++
		return false, fmt.Errorf("rule %d is not managed by this scheduler (comment=%q)", rule.RuleID, rule.Comment)
	}
	return true, nil
}

// Stats returns the current tally.
func (g *Guard) Stats() GuardStats {
	return g.stats
}
