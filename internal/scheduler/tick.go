// Package scheduler sequences one tick: acquire the lock, run whichever
// phases the operation mode selects, persist, release.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/opencache/rsscheduler/internal/accelerator"
	"github.com/opencache/rsscheduler/internal/config"
	"github.com/opencache/rsscheduler/internal/discovery"
	"github.com/opencache/rsscheduler/internal/errkind"
	"github.com/opencache/rsscheduler/internal/health"
	"github.com/opencache/rsscheduler/internal/lock"
	"github.com/opencache/rsscheduler/internal/proxyclient"
	"github.com/opencache/rsscheduler/internal/report"
)

// Outcome is what cmd/rsscheduler inspects to pick a process exit code.
type Outcome struct {
	Ran     bool // false means lock contention — success, no work done
	Summary report.Summary
	Err     *errkind.Error
}

// Run executes exactly one tick against cfg. now is the wall clock used for
// warmup-deadline comparisons and mirror-rule timestamps; callers pass
// time.Now() in production and a fixed value in tests.
func Run(ctx context.Context, cfg config.Config, now time.Time, log *zap.Logger) Outcome {
	started := time.Now()

	l := lock.New(cfg.LockFile)
	acquired, err := l.TryAcquire()
	if err != nil {
		return Outcome{Err: errkind.New(errkind.Lock, cfg.LockFile, err)}
	}
	if !acquired {
		log.Info("lock held by another process, declining to run", zap.String("lock_file", cfg.LockFile))
		return Outcome{Ran: false}
	}
	defer func() {
		if err := l.Release(); err != nil {
			log.Warn("failed to release lock", zap.String("lock_file", cfg.LockFile), zap.Error(err))
		}
	}()

	proxyDSN := fmt.Sprintf("%s:%s@tcp(%s:%d)/", cfg.ProxySQLUser, cfg.ProxySQLPassword, cfg.ProxySQLHost, cfg.ProxySQLPort)
	proxy, err := proxyclient.Dial(ctx, proxyDSN)
	if err != nil {
		return Outcome{Ran: true, Err: err.(*errkind.Error)}
	}
	defer proxy.Close()

	dialAccelerator := func(ctx context.Context, host string, port int) (*accelerator.Client, error) {
		dialect := accelerator.MySQL
		if cfg.DatabaseType == config.PostgreSQL {
			dialect = accelerator.PostgreSQL
		}
		dsn := acceleratorDSN(dialect, cfg.ReadysetUser, cfg.ReadysetPassword, host, port)
		return accelerator.Dial(ctx, dialect, dsn)
	}

	summary := report.Summary{Started: started}

	if cfg.RunsHealth() {
		summary.HealthRan = true
		healthDial := health.Dialer(dialAccelerator)
		res, err := health.Reconcile(ctx, proxy, healthDial, cfg.ReadysetHostgroup, log)
		summary.HealthResult = res
		if err != nil {
			log.Warn("health phase failed", zap.Error(err))
		}
	}

	if cfg.RunsDiscovery() {
		summary.DiscoveryRan = true
		guard := discovery.NewGuard()
		params := discovery.Params{
			SourceHostgroup:   cfg.SourceHostgroup,
			ReadysetHostgroup: cfg.ReadysetHostgroup,
			ReadysetUser:      cfg.ReadysetUser,
			WarmupTimeS:       cfg.WarmupTimeS,
			NumberOfQueries:   cfg.NumberOfQueries,
			Mode:              cfg.QueryDiscoveryMode,
			MinExecution:      cfg.QueryDiscoveryMinExecution,
			MinRowsSent:       cfg.QueryDiscoveryMinRowSent,
		}
		discoveryDial := discovery.Dialer(dialAccelerator)
		res, err := discovery.Run(ctx, proxy, discoveryDial, guard, params, now, log)
		summary.DiscoveryResult = res
		if err != nil {
			log.Warn("discovery phase failed", zap.Error(err))
		}
	}

	if proxy.AnyChanged() {
		if err := proxy.PersistToDisk(ctx); err != nil {
			log.Warn("persist to disk failed", zap.Error(err))
		} else {
			summary.Persisted = true
		}
	}

	summary.Elapsed = time.Since(started)
	return Outcome{Ran: true, Summary: summary}
}

func acceleratorDSN(dialect accelerator.Dialect, user, password, host string, port int) string {
	if dialect == accelerator.PostgreSQL {
		return fmt.Sprintf("postgres://%s:%s@%s:%d/?sslmode=disable", user, password, host, port)
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/", user, password, host, port)
}
