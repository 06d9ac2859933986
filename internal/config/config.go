// Package config defines the recognized configuration surface from spec
// §6.5 (Runtime, Scheduler, LoadBalancer, Memory, Locks), loaded by
// cmd/orchflowd from built-in defaults, an optional orchflow.yaml (path given
// by the --config flag), and ORCHFLOW_*-prefixed environment variables, in
// that ascending precedence order. No other flag sets a configuration field.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Runtime covers worker-pool sizing and timeout knobs (§6.5).
type Runtime struct {
	MaxWorkers           int           `yaml:"max_workers"`
	MinWorkers           int           `yaml:"min_workers"`
	WorkerIdleTimeoutMS  int64         `yaml:"worker_idle_timeout_ms"`
	HeartbeatIntervalMS  int64         `yaml:"heartbeat_interval_ms"`
	TaskTimeoutMS        int64         `yaml:"task_timeout_ms"`
	EnableAutoScaling    bool          `yaml:"enable_auto_scaling"`
	ScaleUpThreshold     int           `yaml:"scale_up_threshold"`
	ScaleDownThresholdMS int64         `yaml:"scale_down_threshold_ms"`
}

// Scheduler selects the active scheduling discipline (§6.5). TickMS is
// parsed but not read by the scheduler, which always ticks every 100ms.
type Scheduler struct {
	Discipline string `yaml:"discipline"`
	TickMS     int64  `yaml:"tick_ms"`
}

// LoadBalancer selects the active load-balancing discipline (§6.5).
type LoadBalancer struct {
	Discipline string `yaml:"discipline"`
}

// Memory configures the Context/Memory Store's namespace and default TTL (§6.5).
type Memory struct {
	Namespace     string `yaml:"namespace"`
	DefaultTTLSec int64  `yaml:"default_ttl_s"`
	Path          string `yaml:"path"`
}

// Locks holds the lock default options (§6.5). They are parsed but not
// passed to the Resource/Lock Manager, which takes priority and timeout
// from each Acquire call.
type Locks struct {
	DefaultPriority  string `yaml:"default_priority"`
	DefaultTimeoutMS int64  `yaml:"default_timeout_ms"`
}

// Config is the full recognized configuration surface.
type Config struct {
	Runtime      Runtime      `yaml:"runtime"`
	Scheduler    Scheduler    `yaml:"scheduler"`
	LoadBalancer LoadBalancer `yaml:"load_balancer"`
	Memory       Memory       `yaml:"memory"`
	Locks        Locks        `yaml:"locks"`
}

// Default returns the built-in defaults, applied before a config file or
// environment overrides are layered on.
func Default() Config {
	return Config{
		Runtime: Runtime{
			MaxWorkers:           6,
			MinWorkers:           2,
			WorkerIdleTimeoutMS:  10 * 60 * 1000,
			HeartbeatIntervalMS:  15_000,
			TaskTimeoutMS:        5 * 60 * 1000,
			EnableAutoScaling:    true,
			ScaleUpThreshold:     3,
			ScaleDownThresholdMS: 2 * 60 * 1000,
		},
		Scheduler: Scheduler{Discipline: "priority", TickMS: 100},
		LoadBalancer: LoadBalancer{
			Discipline: "least_connections",
		},
		Memory: Memory{Namespace: "orchflow", DefaultTTLSec: 24 * 60 * 60, Path: ".orchflow/memory.db"},
		Locks:  Locks{DefaultPriority: "NORMAL", DefaultTimeoutMS: 30_000},
	}
}

// Load builds a Config by layering, lowest precedence first: built-in
// defaults, an optional YAML file at path (skipped if absent), then
// ORCHFLOW_*-prefixed environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv overlays ORCHFLOW_<SECTION>_<FIELD> environment variables, the
// convention named in §6.5's "Runtime/Scheduler/LoadBalancer/Memory/Locks"
// grouping.
func applyEnv(cfg *Config) {
	if v, ok := lookupInt("ORCHFLOW_RUNTIME_MAX_WORKERS"); ok {
		cfg.Runtime.MaxWorkers = v
	}
	if v, ok := lookupInt("ORCHFLOW_RUNTIME_MIN_WORKERS"); ok {
		cfg.Runtime.MinWorkers = v
	}
	if v, ok := lookupInt64("ORCHFLOW_RUNTIME_TASK_TIMEOUT_MS"); ok {
		cfg.Runtime.TaskTimeoutMS = v
	}
	if v, ok := lookupBool("ORCHFLOW_RUNTIME_ENABLE_AUTO_SCALING"); ok {
		cfg.Runtime.EnableAutoScaling = v
	}
	if v, ok := os.LookupEnv("ORCHFLOW_SCHEDULER_DISCIPLINE"); ok {
		cfg.Scheduler.Discipline = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("ORCHFLOW_LOADBALANCER_DISCIPLINE"); ok {
		cfg.LoadBalancer.Discipline = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("ORCHFLOW_MEMORY_NAMESPACE"); ok {
		cfg.Memory.Namespace = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("ORCHFLOW_MEMORY_PATH"); ok {
		cfg.Memory.Path = strings.TrimSpace(v)
	}
}

func lookupInt(name string) (int, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

func lookupInt64(name string) (int64, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return n, err == nil
}

func lookupBool(name string) (bool, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	return b, err == nil
}
