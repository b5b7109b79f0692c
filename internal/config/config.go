package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tidwall/jsonc"
)

// Configuration is the recognized option set (spec.md §6.4). All fields have
// sane defaults so a zero-value caller still gets a working host.
type Configuration struct {
	MaxConcurrentSessions   int           `json:"maxConcurrentSessions"`
	QueryQueueDepth         int           `json:"queryQueueDepth"`
	HealthCheckInterval     time.Duration `json:"healthCheckInterval"`
	MaxRestarts             int           `json:"maxRestarts"`
	HardCancelTimeout       time.Duration `json:"hardCancelTimeout"`
	ShutdownGrace           time.Duration `json:"shutdownGrace"`
	DebugEventBuffer        int           `json:"debugEventBuffer"`
	SessionLogBuffer        int           `json:"sessionLogBuffer"`
	SubagentPromptCacheSize int           `json:"subagentPromptCacheSize"`
	SubscriberOutboundQueue int           `json:"subscriberOutboundQueue"`
	CancelInFlightOnEnqueue bool          `json:"cancelInFlightOnEnqueue"`
}

// Default returns the documented defaults (spec.md §6.4).
func Default() *Configuration {
	return &Configuration{
		MaxConcurrentSessions:   64,
		QueryQueueDepth:         1,
		HealthCheckInterval:     30 * time.Second,
		MaxRestarts:             2,
		HardCancelTimeout:       10 * time.Second,
		ShutdownGrace:           5 * time.Second,
		DebugEventBuffer:        100,
		SessionLogBuffer:        500,
		SubagentPromptCacheSize: 100,
		SubscriberOutboundQueue: 1024,
		CancelInFlightOnEnqueue: false,
	}
}

// Load merges configuration from, in priority order: (1) Default(), (2) the
// global config file, (3) a project-local config file, (4) SESSIONHOST_*
// environment overrides — the same merge-then-override shape as the
// teacher's config.Load, with the teacher's hand-rolled comment stripper
// replaced by github.com/tidwall/jsonc.
func Load(directory string) (*Configuration, error) {
	cfg := Default()

	if err := loadConfigFile(filepath.Join(GetPaths().Config, "sessionhost.json"), cfg); err != nil {
		return nil, err
	}
	if directory != "" {
		if err := loadConfigFile(filepath.Join(directory, ".sessionhost", "sessionhost.json"), cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func loadConfigFile(path string, cfg *Configuration) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil // file doesn't exist, skip
	}

	var fileCfg Configuration
	if err := json.Unmarshal(jsonc.ToJSON(data), &fileCfg); err != nil {
		return err
	}
	mergeConfig(cfg, &fileCfg)
	return nil
}

// mergeConfig overwrites every non-zero field of source onto target.
func mergeConfig(target, source *Configuration) {
	if source.MaxConcurrentSessions != 0 {
		target.MaxConcurrentSessions = source.MaxConcurrentSessions
	}
	if source.QueryQueueDepth != 0 {
		target.QueryQueueDepth = source.QueryQueueDepth
	}
	if source.HealthCheckInterval != 0 {
		target.HealthCheckInterval = source.HealthCheckInterval
	}
	if source.MaxRestarts != 0 {
		target.MaxRestarts = source.MaxRestarts
	}
	if source.HardCancelTimeout != 0 {
		target.HardCancelTimeout = source.HardCancelTimeout
	}
	if source.ShutdownGrace != 0 {
		target.ShutdownGrace = source.ShutdownGrace
	}
	if source.DebugEventBuffer != 0 {
		target.DebugEventBuffer = source.DebugEventBuffer
	}
	if source.SessionLogBuffer != 0 {
		target.SessionLogBuffer = source.SessionLogBuffer
	}
	if source.SubagentPromptCacheSize != 0 {
		target.SubagentPromptCacheSize = source.SubagentPromptCacheSize
	}
	if source.SubscriberOutboundQueue != 0 {
		target.SubscriberOutboundQueue = source.SubscriberOutboundQueue
	}
	target.CancelInFlightOnEnqueue = target.CancelInFlightOnEnqueue || source.CancelInFlightOnEnqueue
}

func applyEnvOverrides(cfg *Configuration) {
	if v := os.Getenv("SESSIONHOST_MAX_CONCURRENT_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentSessions = n
		}
	}
	if v := os.Getenv("SESSIONHOST_QUERY_QUEUE_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueryQueueDepth = n
		}
	}
	if v := os.Getenv("SESSIONHOST_HEALTH_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HealthCheckInterval = d
		}
	}
	if v := os.Getenv("SESSIONHOST_MAX_RESTARTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRestarts = n
		}
	}
	if v := os.Getenv("SESSIONHOST_HARD_CANCEL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HardCancelTimeout = d
		}
	}
	if v := os.Getenv("SESSIONHOST_SHUTDOWN_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownGrace = d
		}
	}
	if v := os.Getenv("SESSIONHOST_CANCEL_IN_FLIGHT_ON_ENQUEUE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.CancelInFlightOnEnqueue = b
		}
	}
}

// Save writes cfg to path as indented JSON, creating parent directories.
func Save(cfg *Configuration, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
