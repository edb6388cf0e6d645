// Package config resolves daemon configuration from environment variables
// with built-in defaults. GPUs is the only setting that also has a CLI flag
// (--gpus on `daemon up`/`restart`, bound via urfave/cli's Destination and
// EnvVars, the same pattern the teacher uses in cmd/serve.go); for it the
// flag overrides the environment. TOML config-file parsing and XDG-path discovery are
// explicitly out of scope (spec.md §1: that is the thin CLIs' job).
package config

import (
	"github.com/catalystcommunity/app-utils-go/env"
)

var (
	// Host is the loopback address the API binds to.
	Host = env.GetEnvOrDefault("GFLOW_DAEMON_HOST", "127.0.0.1")

	// Port is the API's TCP port.
	Port = env.GetEnvAsIntOrDefault("GFLOW_DAEMON_PORT", "59009")

	// DataDir holds the primary snapshot, journal, rescued predecessors,
	// and per-job logs (spec.md §6).
	DataDir = env.GetEnvOrDefault("GFLOW_DAEMON_DATA_DIR", "./data")

	// GPUs is the initial allowed-GPU spec, in the grammar internal/gpu
	// parses (spec.md §6). "all" means every detected GPU.
	GPUs = env.GetEnvOrDefault("GFLOW_DAEMON_GPUS", "all")

	// TickIntervalSecs is the scheduler's periodic tick period (spec.md
	// §4.3's default of 5s, "implementation must be configurable for
	// tests").
	TickIntervalSecs = env.GetEnvAsIntOrDefault("GFLOW_DAEMON_TICK_INTERVAL_SECS", "5")

	// PIDFile records the running daemon's pid so `daemon status`/`down`
	// can find it without an API round-trip.
	PIDFile = env.GetEnvOrDefault("GFLOW_DAEMON_PID_FILE", "./data/daemon.pid")
)
