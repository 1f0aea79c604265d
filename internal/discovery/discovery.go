package discovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/opencache/rsscheduler/internal/accelerator"
	"github.com/opencache/rsscheduler/internal/errkind"
	"github.com/opencache/rsscheduler/internal/proxyclient"
	"github.com/opencache/rsscheduler/internal/rank"
)

// Dialer opens a connection to a single Accelerator backend. DiscoveryEngine
// uses it to reach one online Accelerator server for the install phase's
// support probe and cache creation. Which physical backend answers is an
// operational detail the Proxy's own load balancing already owns for
// normal traffic, so any server the Proxy currently reports ONLINE will do.
type Dialer func(ctx context.Context, host string, port int) (*accelerator.Client, error)

// Params bundles the per-tick configuration DiscoveryEngine needs, pulled
// from Config.
type Params struct {
	SourceHostgroup   int
	ReadysetHostgroup int
	ReadysetUser      string
	WarmupTimeS       int
	NumberOfQueries   int
	Mode              rank.Mode
	MinExecution      int64
	MinRowsSent       int64
}

// Result summarizes one tick's discovery work for the end-of-tick report.
type Result struct {
	Promoted  []int64
	Installed []string
	Skipped   []string
	Errors    []*errkind.Error
}

// Run executes DiscoveryEngine's three sub-phases in order: promote,
// discover, install. now is injected rather than read from the system
// clock so that warmup-promotion behavior is reproducible under test.
func Run(ctx context.Context, proxy *proxyclient.Client, dial Dialer, guard *Guard, p Params, now time.Time, log *zap.Logger) (Result, error) {
	var res Result

	ruleWritten := promote(ctx, proxy, guard, p.WarmupTimeS, now, log, &res)

	candidates, err := discover(ctx, proxy, p, &res, log)
	if err != nil {
		candidates = nil
	}

	installed := install(ctx, proxy, dial, p, now, candidates, log, &res)
	ruleWritten = ruleWritten || installed

	if ruleWritten {
		if err := proxy.FlushRuntime(ctx); err != nil {
			return res, err
		}
	}

	return res, nil
}

// promote enumerates managed mirror rules and promotes whichever have
// crossed their warmup deadline. One rule's promotion failure does not
// abort the others.
func promote(ctx context.Context, proxy *proxyclient.Client, guard *Guard, warmupTimeS int, now time.Time, log *zap.Logger, res *Result) bool {
	rules, err := proxy.ListManagedRules(ctx)
	if err != nil {
		res.Errors = append(res.Errors, err.(*errkind.Error))
		log.Warn("failed to list managed rules, skipping promote phase", zap.Error(err))
		return false
	}

	wrote := false
	for _, r := range rules {
		if r.Shape() != proxyclient.ShapeMirror {
			continue
		}
		deadline, ok := r.MirrorDeadline(warmupTimeS)
		if !ok || now.Before(deadline) {
			continue
		}
		if allowed, gerr := guard.Allow(r); !allowed {
			log.Warn("refusing to promote unmanaged rule", zap.Int64("rule_id", r.RuleID), zap.Error(gerr))
			continue
		}
		if err := proxy.PromoteRule(ctx, r.RuleID, r.MirrorHostgroup); err != nil {
			res.Errors = append(res.Errors, err.(*errkind.Error))
			log.Warn("promote failed", zap.Int64("rule_id", r.RuleID), zap.Error(err))
			continue
		}
		res.Promoted = append(res.Promoted, r.RuleID)
		wrote = true
	}
	return wrote
}

// discover reads the digest table and ranks candidates. A read failure
// here is recorded and the phase returns no candidates rather than
// aborting the tick.
func discover(ctx context.Context, proxy *proxyclient.Client, p Params, res *Result, log *zap.Logger) ([]proxyclient.QueryDigest, error) {
	digests, err := proxy.ReadDigests(ctx, p.SourceHostgroup, p.ReadysetUser)
	if err != nil {
		res.Errors = append(res.Errors, err.(*errkind.Error))
		log.Warn("failed to read digests, skipping discover phase", zap.Error(err))
		return nil, err
	}

	byDigest := make(map[string]proxyclient.QueryDigest, len(digests))
	rankable := make([]rank.Digest, 0, len(digests))
	for _, d := range digests {
		byDigest[d.Digest] = d
		rankable = append(rankable, rank.Digest{
			DigestID:    d.Digest,
			CountStar:   d.CountStar,
			SumTime:     d.SumTime,
			MinTime:     d.MinTime,
			MaxTime:     d.MaxTime,
			SumRowsSent: d.SumRowsSent,
		})
	}

	ranked := rank.Rank(rankable, p.Mode, p.MinExecution, p.MinRowsSent, p.NumberOfQueries)

	out := make([]proxyclient.QueryDigest, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, byDigest[r.DigestID])
	}
	return out, nil
}

// install probes, caches, and installs a routing rule for each surviving
// candidate in rank order. A candidate that fails support probing or
// cache creation is skipped, not retried this tick.
func install(ctx context.Context, proxy *proxyclient.Client, dial Dialer, p Params, now time.Time, candidates []proxyclient.QueryDigest, log *zap.Logger, res *Result) bool {
	if len(candidates) == 0 {
		return false
	}

	acc, err := dialOnlineAccelerator(ctx, proxy, dial, p.ReadysetHostgroup)
	if err != nil {
		res.Errors = append(res.Errors, errkind.New(errkind.AcceleratorConnect, "install", err))
		log.Warn("no reachable accelerator, skipping install phase", zap.Error(err))
		return false
	}
	defer acc.Close()

	wrote := false
	for _, d := range candidates {
		if !acc.ProbeCacheSupport(ctx, d.DigestText) {
			res.Skipped = append(res.Skipped, d.Digest)
			log.Info("digest not supported by accelerator", zap.String("digest", d.Digest))
			continue
		}
		if err := acc.CreateCache(ctx, d.DigestText); err != nil {
			res.Errors = append(res.Errors, errkind.New(errkind.AcceleratorQuery, d.Digest, err))
			log.Warn("cache creation failed", zap.String("digest", d.Digest), zap.Error(err))
			continue
		}

		if p.WarmupTimeS == 0 {
			err = proxy.InsertRedirectRule(ctx, d.Digest, d.SchemaName, d.Username, p.ReadysetHostgroup)
		} else {
			err = proxy.InsertMirrorRule(ctx, d.Digest, d.SchemaName, d.Username, p.SourceHostgroup, p.ReadysetHostgroup, now)
		}
		if err != nil {
			res.Errors = append(res.Errors, err.(*errkind.Error))
			log.Warn("rule install failed", zap.String("digest", d.Digest), zap.Error(err))
			continue
		}

		res.Installed = append(res.Installed, d.Digest)
		wrote = true
	}
	return wrote
}

// dialOnlineAccelerator picks the first Accelerator server the Proxy
// currently reports ONLINE and dials it.
func dialOnlineAccelerator(ctx context.Context, proxy *proxyclient.Client, dial Dialer, readysetHostgroup int) (*accelerator.Client, error) {
	servers, err := proxy.ListAcceleratorServers(ctx, readysetHostgroup)
	if err != nil {
		return nil, err
	}
	for _, s := range servers {
		if s.Status != proxyclient.Online {
			continue
		}
		acc, err := dial(ctx, s.Hostname, s.Port)
		if err == nil {
			return acc, nil
		}
	}
	return nil, fmt.Errorf("no ONLINE accelerator server reachable")
}
