// Package report assembles the end-of-tick summary: a single aggregation
// point that rolls per-component counters into one report, emitted
// through the structured logger rather than printed banners, matching
// this system's one-shot, non-interactive invocation.
package report

import (
	"time"

	"go.uber.org/zap"

	"github.com/opencache/rsscheduler/internal/discovery"
	"github.com/opencache/rsscheduler/internal/health"
)

// Summary aggregates one tick's work across both phases.
type Summary struct {
	Started time.Time
	Elapsed time.Duration

	HealthRan      bool
	HealthResult   health.Result
	DiscoveryRan   bool
	DiscoveryResult discovery.Result

	Persisted bool
}

// Log emits the summary as a single structured record, followed by one
// warning record per health or discovery error. Idle ticks (nothing
// ran, nothing changed) log at Info with zero counters rather than being
// suppressed — every tick of a scheduled sidecar is worth a line in the
// log it runs against.
func (s Summary) Log(log *zap.Logger) {
	fields := []zap.Field{
		zap.Duration("elapsed", s.Elapsed),
		zap.Bool("health_ran", s.HealthRan),
		zap.Bool("discovery_ran", s.DiscoveryRan),
		zap.Bool("persisted", s.Persisted),
	}

	if s.HealthRan {
		fields = append(fields,
			zap.Int("health_transitions", len(s.HealthResult.Transitions)),
			zap.Int("health_errors", len(s.HealthResult.Errors)),
		)
	}
	if s.DiscoveryRan {
		fields = append(fields,
			zap.Int("rules_promoted", len(s.DiscoveryResult.Promoted)),
			zap.Int("digests_installed", len(s.DiscoveryResult.Installed)),
			zap.Int("digests_skipped", len(s.DiscoveryResult.Skipped)),
			zap.Int("discovery_errors", len(s.DiscoveryResult.Errors)),
		)
	}

	log.Info("tick complete", fields...)

	for _, e := range s.HealthResult.Errors {
		log.Warn("health error", zap.String("kind", e.Kind.String()), zap.String("entity", e.Entity), zap.Error(e.Err))
	}
	for _, e := range s.DiscoveryResult.Errors {
		log.Warn("discovery error", zap.String("kind", e.Kind.String()), zap.String("entity", e.Entity), zap.Error(e.Err))
	}
}
