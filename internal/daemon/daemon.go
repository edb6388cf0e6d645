// Package daemon owns the long-running process: binding the API, running
// the scheduler's tick loop, and handling graceful shutdown. It mirrors the
// shape of the teacher's worker.LifecycleManager (internal/worker/lifecycle.go
// in the teacher repo) - a struct that owns goroutines and a context
// cancellation function, with Start/Stop methods - but drives a Scheduler
// tick loop instead of a queue-poll loop.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/catalystcommunity/gflowd/internal/api"
	"github.com/catalystcommunity/gflowd/internal/job"
	"github.com/catalystcommunity/gflowd/internal/metrics"
	"github.com/catalystcommunity/gflowd/internal/scheduler"
)

// Config bundles what Start needs beyond the Scheduler itself.
type Config struct {
	Addr         string
	TickInterval time.Duration
}

// Daemon owns the Scheduler, the HTTP server, and the tick loop.
type Daemon struct {
	sched  *scheduler.Scheduler
	server *http.Server
	cfg    Config

	stopTick  chan struct{}
	tickWG    sync.WaitGroup
	stopOnce  sync.Once
}

// New wires a Daemon around sched. It does not start anything yet.
func New(sched *scheduler.Scheduler, cfg Config) *Daemon {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	d := &Daemon{sched: sched, cfg: cfg, stopTick: make(chan struct{})}

	apiServer := api.NewServer(sched)
	apiServer.RequestShutdown = func(ctx context.Context) { d.Stop(ctx) }

	d.server = &http.Server{
		Addr:    cfg.Addr,
		Handler: apiServer.Handler(),
	}
	return d
}

// Start reconciles startup state (spec.md §9: any Running job whose
// session is gone becomes Failed with SystemError("session vanished")),
// then launches the tick loop and the HTTP listener. It blocks until the
// listener stops (via Stop or a listen error).
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.sched.ReconcileOnStartup(ctx); err != nil {
		return fmt.Errorf("daemon: startup reconciliation: %w", err)
	}

	d.tickWG.Add(1)
	go d.tickLoop(ctx)

	logging.Log.WithField("addr", d.cfg.Addr).Info("daemon: listening")
	err := d.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("daemon: http server: %w", err)
	}
	d.tickWG.Wait()
	return nil
}

// tickLoop runs Scheduler.Tick on cfg.TickInterval until stopTick closes.
// Errors are logged, never fatal (spec.md §7: "the tick loop never unwinds
// out of the scheduler task").
func (d *Daemon) tickLoop(ctx context.Context) {
	defer d.tickWG.Done()
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopTick:
			return
		case <-ticker.C:
			d.runTick(ctx)
		}
	}
}

func (d *Daemon) runTick(ctx context.Context) {
	start := time.Now()
	if err := d.sched.Tick(ctx); err != nil {
		logging.Log.WithError(err).Error("daemon: tick failed")
	}
	metrics.TickDuration.Observe(time.Since(start).Seconds())
	d.recordGauges()
}

func (d *Daemon) recordGauges() {
	allowed, detected := d.sched.GPUs()
	busy := 0
	for _, gpuStatus := range detected {
		if gpuStatus.Busy {
			busy++
		}
	}
	metrics.GPUsAllowed.Set(float64(len(allowed)))
	metrics.GPUsBusy.Set(float64(busy))

	counts := map[job.State]int{}
	for _, j := range d.sched.ListJobs(scheduler.JobFilter{}) {
		counts[j.State]++
	}
	for _, st := range []job.State{job.Queued, job.Held, job.Running, job.Finished, job.Failed, job.Cancelled, job.Timeout} {
		metrics.JobsByState.WithLabelValues(string(st)).Set(float64(counts[st]))
	}

	switch d.sched.Mode().String() {
	case "ok":
		metrics.StoreMode.Set(0)
	case "recovery":
		metrics.StoreMode.Set(1)
	default:
		metrics.StoreMode.Set(2)
	}
}

// Stop performs the graceful-shutdown sequence from spec.md §5: stop
// accepting new tick triggers and new connections, save state once more,
// then return. Running jobs are deliberately left alone.
func (d *Daemon) Stop(ctx context.Context) {
	d.stopOnce.Do(func() {
		close(d.stopTick)
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			logging.Log.WithError(err).Warn("daemon: http server shutdown error")
		}
		if err := d.sched.Save(); err != nil {
			logging.Log.WithError(err).Error("daemon: final save on shutdown failed")
		}
		logging.Log.Info("daemon: stopped")
	})
}
