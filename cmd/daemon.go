// Package cmd wires the daemon lifecycle CLI (spec.md §6's "daemon"
// program: up/down/status/restart). The other five thin CLIs
// (submit/list/cancel/inspect/control) are HTTP clients against this
// daemon's API and are deliberately out of scope (spec.md §1).
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/catalystcommunity/app-utils-go/errorutils"
	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/catalystcommunity/gflowd/internal/clock"
	"github.com/catalystcommunity/gflowd/internal/config"
	"github.com/catalystcommunity/gflowd/internal/daemon"
	"github.com/catalystcommunity/gflowd/internal/executor"
	"github.com/catalystcommunity/gflowd/internal/gpu"
	"github.com/catalystcommunity/gflowd/internal/namegen"
	"github.com/catalystcommunity/gflowd/internal/scheduler"
	"github.com/catalystcommunity/gflowd/internal/store"
	"github.com/urfave/cli/v2"
)

var gpusFlag = &cli.StringFlag{
	Name:        "gpus",
	Usage:       "GPU spec ('all', '0,2', '0-3', ...) of GPUs the daemon may assign",
	Value:       "all",
	Destination: &config.GPUs,
	EnvVars:     []string{"GFLOW_DAEMON_GPUS"},
}

// DaemonCommand is the top-level "daemon" program: up/down/status/restart.
var DaemonCommand = &cli.Command{
	Name:  "daemon",
	Usage: "Manage the gflowd scheduler daemon",
	Subcommands: []*cli.Command{
		{
			Name:   "up",
			Usage:  "Start the daemon in the foreground",
			Flags:  []cli.Flag{gpusFlag},
			Action: func(c *cli.Context) error { return runUp(c.Context) },
		},
		{
			Name:   "down",
			Usage:  "Stop a running daemon",
			Action: func(c *cli.Context) error { return runDown() },
		},
		{
			Name:   "status",
			Usage:  "Report whether the daemon is running and healthy",
			Action: func(c *cli.Context) error { return runStatus() },
		},
		{
			Name:  "restart",
			Usage: "Stop then start the daemon",
			Flags: []cli.Flag{gpusFlag},
			Action: func(c *cli.Context) error {
				_ = runDown()
				return runUp(c.Context)
			},
		},
	},
}

func apiBaseURL() string {
	return fmt.Sprintf("http://%s:%d", config.Host, config.Port)
}

func readPID() (int, error) {
	data, err := os.ReadFile(config.PIDFile)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func writePID() error {
	if err := os.MkdirAll(filepath.Dir(config.PIDFile), 0o755); err != nil {
		return err
	}
	return os.WriteFile(config.PIDFile, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// runUp starts the daemon: probes GPUs, resolves the allowed set, loads
// persisted state, and blocks running the tick loop and API server until a
// signal or /shutdown request stops it (spec.md §5, §9).
func runUp(ctx context.Context) error {
	if pid, err := readPID(); err == nil && processAlive(pid) {
		return cli.Exit("daemon already running", 1)
	}

	if err := os.MkdirAll(config.DataDir, 0o755); err != nil {
		return cli.Exit(fmt.Sprintf("creating data dir: %v", err), 2)
	}
	logDir := filepath.Join(config.DataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return cli.Exit(fmt.Sprintf("creating log dir: %v", err), 2)
	}

	detected, err := gpu.NvidiaSMIProbe{}.Detect(ctx)
	if err != nil {
		logging.Log.WithError(err).Warn("daemon: gpu probe failed, assuming no GPUs")
		detected = nil
	}

	allowed, err := gpu.ParseSpec(config.GPUs, detected)
	if err != nil {
		return cli.Exit(fmt.Sprintf("bad --gpus spec: %v", err), 2)
	}

	st := store.New(config.DataDir, clock.Real{})
	sched, err := scheduler.New(scheduler.Config{
		Store:        st,
		Clock:        clock.Real{},
		Executor:     executor.TmuxExecutor{StatusDir: filepath.Join(config.DataDir, "status")},
		Names:        namegen.Docker{},
		DetectedGPUs: detected,
		LogDir:       logDir,
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("initializing scheduler: %v", err), 2)
	}
	errorutils.LogOnErr(nil, "daemon: failed to persist initial allowed-gpu set", sched.SetAllowedGPUs(allowed))

	d := daemon.New(sched, daemon.Config{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		TickInterval: time.Duration(config.TickIntervalSecs) * time.Second,
	})

	errorutils.LogOnErr(nil, "daemon: failed to write pid file", writePID())
	defer os.Remove(config.PIDFile)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		d.Stop(context.Background())
	}()

	return d.Start(sigCtx)
}

// runDown asks a running daemon to shut down gracefully via /shutdown.
func runDown() error {
	pid, err := readPID()
	if err != nil {
		return cli.Exit("daemon is not running", 1)
	}
	if !processAlive(pid) {
		os.Remove(config.PIDFile)
		return cli.Exit("daemon is not running", 1)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(apiBaseURL()+"/shutdown", "application/json", nil)
	if err != nil {
		return cli.Exit(fmt.Sprintf("shutdown request failed: %v", err), 1)
	}
	resp.Body.Close()
	return nil
}

// runStatus reports whether the daemon is up and, if so, its health mode.
func runStatus() error {
	pid, err := readPID()
	if err != nil || !processAlive(pid) {
		return cli.Exit("daemon is not running", 1)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(apiBaseURL() + "/health")
	if err != nil {
		return cli.Exit(fmt.Sprintf("daemon process is alive but unreachable: %v", err), 1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return cli.Exit(fmt.Sprintf("daemon reported unhealthy status %d", resp.StatusCode), 1)
	}
	var health struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return cli.Exit(fmt.Sprintf("daemon returned an unreadable health response: %v", err), 1)
	}
	fmt.Printf("daemon running, pid %d, status %s\n", pid, health.Status)
	return nil
}
