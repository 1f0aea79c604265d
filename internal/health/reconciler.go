// Package health implements HealthReconciler: it maps Accelerator-reported
// status onto Proxy server states. Every server is processed
// independently — one server's failure never aborts the phase.
package health

import (
	"context"

	"go.uber.org/zap"

	"github.com/opencache/rsscheduler/internal/accelerator"
	"github.com/opencache/rsscheduler/internal/errkind"
	"github.com/opencache/rsscheduler/internal/proxyclient"
)

// Dialer opens a connection to a single Accelerator backend at host:port.
// The scheduler package supplies one bound to the configured
// readyset_user/readyset_password and database_type.
type Dialer func(ctx context.Context, host string, port int) (*accelerator.Client, error)

// Result summarizes one tick's health reconciliation for the end-of-tick
// report.
type Result struct {
	Transitions []Transition
	Errors      []*errkind.Error
}

// Transition records one server's observed target state, regardless of
// whether it differed from what the Proxy already recorded.
type Transition struct {
	Server proxyclient.AcceleratorServer
	Target proxyclient.ProxyServerState
	Wrote  bool
}

// Reconcile runs the per-server reconciliation algorithm over every server
// the Proxy reports as belonging to the Accelerator hostgroup, then issues
// a single runtime flush if any write was scheduled.
func Reconcile(ctx context.Context, proxy *proxyclient.Client, dial Dialer, readysetHostgroup int, log *zap.Logger) (Result, error) {
	servers, err := proxy.ListAcceleratorServers(ctx, readysetHostgroup)
	if err != nil {
		return Result{}, err
	}

	var res Result
	wroteAny := false

	for _, s := range servers {
		target, ok := targetState(ctx, dial, s, log, &res)
		if !ok {
			continue
		}

		res.Transitions = append(res.Transitions, Transition{Server: s, Target: target})

		if target == s.Status {
			continue
		}
		if err := proxy.SetServerState(ctx, s.HostgroupID, s.Hostname, s.Port, target); err != nil {
			res.Errors = append(res.Errors, err.(*errkind.Error))
			log.Warn("failed to write server state", zap.String("server", s.Addr()), zap.Error(err))
			continue
		}
		res.Transitions[len(res.Transitions)-1].Wrote = true
		wroteAny = true
	}

	if wroteAny {
		if err := proxy.FlushRuntime(ctx); err != nil {
			return res, err
		}
	}

	return res, nil
}

// targetState determines the target Proxy state for a single server by
// dialing it and inspecting its reported status. ok=false means the
// server should be skipped this tick (unrecognized status text); its
// entry is still recorded via res.Errors for the report.
func targetState(ctx context.Context, dial Dialer, s proxyclient.AcceleratorServer, log *zap.Logger, res *Result) (proxyclient.ProxyServerState, bool) {
	client, err := dial(ctx, s.Hostname, s.Port)
	if err != nil {
		res.Errors = append(res.Errors, errkind.New(errkind.AcceleratorConnect, s.Addr(), err))
		log.Info("accelerator unreachable, shunning", zap.String("server", s.Addr()), zap.Error(err))
		return proxyclient.Shunned, true
	}
	defer client.Close()

	status, ok, err := client.Status(ctx)
	if err != nil {
		res.Errors = append(res.Errors, errkind.New(errkind.AcceleratorQuery, s.Addr(), err))
		log.Warn("accelerator status query failed", zap.String("server", s.Addr()), zap.Error(err))
		return proxyclient.Shunned, true
	}
	if !ok {
		res.Errors = append(res.Errors, errkind.New(errkind.ParseStatus, s.Addr(), err))
		log.Warn("unrecognized accelerator status, leaving state unchanged", zap.String("server", s.Addr()))
		return "", false
	}

	switch status {
	case accelerator.Online:
		return proxyclient.Online, true
	case accelerator.MaintenanceMode:
		return proxyclient.OfflineSoft, true
	case accelerator.SnapshotInProgress:
		return proxyclient.Shunned, true
	default:
		log.Warn("unrecognized accelerator status, leaving state unchanged", zap.String("server", s.Addr()))
		return "", false
	}
}
