// Command rsscheduler is the scheduler's CLI entrypoint: a single
// executable invoked once per tick, typically by an external scheduler
// (cron, a Kubernetes CronJob) rather than looping itself — the core
// performs no task spawning or cooperative suspension.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/opencache/rsscheduler/internal/config"
	"github.com/opencache/rsscheduler/internal/errkind"
	"github.com/opencache/rsscheduler/internal/scheduler"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the scheduler config file (required)")
	dev := flag.Bool("dev", false, "use human-readable development logging instead of JSON")
	flag.Parse()

	log, err := newLogger(*dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rsscheduler: failed to initialize logger: %v\n", err)
		return errkind.Config.ExitCode()
	}
	defer log.Sync()

	if *configPath == "" {
		log.Error("missing required flag", zap.String("flag", "--config"))
		return errkind.Config.ExitCode()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("config load failed", zap.Error(err))
		return errkind.Config.ExitCode()
	}

	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	outcome := scheduler.Run(ctx, cfg, time.Now(), log)
	if outcome.Err != nil {
		log.Error("tick aborted", zap.String("kind", outcome.Err.Kind.String()), zap.String("entity", outcome.Err.Entity), zap.Error(outcome.Err.Err))
		return outcome.Err.Kind.ExitCode()
	}
	if !outcome.Ran {
		return 0
	}

	outcome.Summary.Log(log)
	return 0
}

// tickTimeout bounds one tick's total wall-clock time through the context
// passed to every query. No separate connect or statement timeout is set on
// the individual Proxy or Accelerator connections.
const tickTimeout = 2 * time.Minute

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
