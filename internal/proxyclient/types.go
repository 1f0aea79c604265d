// Package proxyclient implements typed operations against the Proxy's
// admin interface. It talks ProxySQL's own admin SQL dialect over
// database/sql (mysql_servers, mysql_query_rules,
// stats_mysql_query_digest, LOAD ... TO RUNTIME / SAVE ... TO DISK) using
// the familiar sql.Open("mysql", dsn) + pooled *sql.DB idiom.
package proxyclient

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ProxyServerState is a server status in the Proxy's server table. Of
// these, this system only ever writes ONLINE, OFFLINE_SOFT and SHUNNED.
type ProxyServerState string

const (
	Online      ProxyServerState = "ONLINE"
	OfflineSoft ProxyServerState = "OFFLINE_SOFT"
	OfflineHard ProxyServerState = "OFFLINE_HARD"
	Shunned     ProxyServerState = "SHUNNED"
)

// AcceleratorServer is a row from the Proxy's server table identified as an
// Accelerator backend (comment = "readyset", hostgroup_id = the configured
// Accelerator hostgroup). Identity is (HostgroupID, Hostname, Port).
type AcceleratorServer struct {
	HostgroupID int
	Hostname    string
	Port        int
	Status      ProxyServerState
	Comment     string
}

// Addr renders host:port for logging and error entity fields.
func (s AcceleratorServer) Addr() string {
	return fmt.Sprintf("%s:%d", s.Hostname, s.Port)
}

// QueryDigest is a row from the Proxy's per-digest statistics table,
// cumulative since Proxy startup.
type QueryDigest struct {
	Digest      string
	SchemaName  string
	DigestText  string
	Hostgroup   int
	Username    string
	CountStar   int64
	SumTime     int64
	MinTime     int64
	MaxTime     int64
	SumRowsSent int64
}

// RuleShape distinguishes the two logical dispositions a managed rule can
// take.
type RuleShape int

const (
	ShapeRedirect RuleShape = iota
	ShapeMirror
)

// QueryRule is a row in the Proxy's rule table.
type QueryRule struct {
	RuleID                int64
	Active                bool
	Username              string
	SchemaName            string
	Digest                string
	DestinationHostgroup  int
	MirrorHostgroup       int // 0 (unset) for redirect rules
	Apply                 bool
	Comment               string
}

// Shape classifies a managed rule as redirect or mirror; exactly one of
// the two shapes ever holds for a managed query. A rule is a mirror rule
// while its comment carries a mirror:<t0> tag and its mirror_hostgroup is
// set. PromoteRule clears mirror_hostgroup but keeps the comment, so a
// promoted rule reads as redirect. Unmanaged rules have no defined shape;
// callers must check IsManaged first.
func (r QueryRule) Shape() RuleShape {
	if _, ok := mirrorTimestamp(r.Comment); ok && r.MirrorHostgroup != 0 {
		return ShapeMirror
	}
	return ShapeRedirect
}

// IsManaged reports whether comment carries this system's sentinel tag.
// This is the single identifier distinguishing managed rules from
// operator-owned ones.
func IsManaged(comment string) bool {
	return strings.HasPrefix(comment, tagSentinel)
}

const tagSentinel = "readyset_scheduler:"

func redirectComment() string {
	return tagSentinel + "redirect"
}

func mirrorComment(t0 time.Time) string {
	return fmt.Sprintf("%smirror:%d", tagSentinel, t0.Unix())
}

// mirrorTimestamp extracts t0 from a mirror rule's comment. ok is false for
// redirect rules, unmanaged rules, or malformed comments.
func mirrorTimestamp(comment string) (time.Time, bool) {
	if !strings.HasPrefix(comment, tagSentinel) {
		return time.Time{}, false
	}
	rest := strings.TrimPrefix(comment, tagSentinel)
	const prefix = "mirror:"
	if !strings.HasPrefix(rest, prefix) {
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(strings.TrimPrefix(rest, prefix), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(secs, 0).UTC(), true
}

// MirrorDeadline returns the wall-clock time at which a mirror rule becomes
// eligible for promotion (t0 + warmupTimeS), and ok=false if r is not
// currently a mirror rule.
func (r QueryRule) MirrorDeadline(warmupTimeS int) (time.Time, bool) {
	if r.Shape() != ShapeMirror {
		return time.Time{}, false
	}
	t0, ok := mirrorTimestamp(r.Comment)
	if !ok {
		return time.Time{}, false
	}
	return t0.Add(time.Duration(warmupTimeS) * time.Second), true
}
