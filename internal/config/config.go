// Package config centralizes sandboxd's environment-driven configuration
// for both the worker and coordinator binaries.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config holds every tunable the worker and coordinator consult. Fields
// that only apply to one tier are documented as such; both tiers load the
// same struct so a single .env works for a local all-in-one deployment.
type Config struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	WorkerID string `yaml:"worker_id"`

	PoolSize    int `yaml:"pool_size"`
	MinPoolSize int `yaml:"min_pool_size"`
	MaxPoolSize int `yaml:"max_pool_size"`

	ContainerImage   string `yaml:"container_image"`
	MemoryLimit      string `yaml:"memory_limit"`
	MemoryLimitBytes int64  `yaml:"-"`
	CPUQuota         int64  `yaml:"cpu_quota"`
	SandboxUser      string `yaml:"sandbox_user"`
	WorkspaceDir     string `yaml:"workspace_dir"`
	RuntimeClass     string `yaml:"runtime_class"`
	NetworkMode      string `yaml:"docker_network_mode"`

	SessionTimeoutMinutes         int  `yaml:"session_timeout_minutes"`
	ContainerIdleTimeoutMinutes   int  `yaml:"container_idle_timeout_minutes"`
	CleanupIntervalSeconds        int  `yaml:"cleanup_interval_seconds"`
	AggressiveCleanup             bool `yaml:"aggressive_cleanup"`
	PoolRefillDelaySeconds        int  `yaml:"pool_refill_delay_seconds"`

	RedisHost     string `yaml:"redis_host"`
	RedisPort     int    `yaml:"redis_port"`
	RedisPassword string `yaml:"redis_password"`

	DefaultCommandTimeoutSeconds int `yaml:"default_command_timeout"`

	MaxFileSizeMB      int `yaml:"max_file_size_mb"`
	MaxTotalFiles      int `yaml:"max_total_files"`
	MaxWorkspaceSizeMB int `yaml:"max_workspace_size_mb"`

	// Workers lists the coordinator's worker base URLs. The worker reads it
	// only through localmode.IsStandalone, to pick a startup log line.
	Workers []string `yaml:"workers"`
}

// RedisEnabled reports whether a shared KV store backend was configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisHost != ""
}

// MaxFileSizeBytes returns the upload-size ceiling in bytes.
func (c *Config) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) * 1024 * 1024
}

// MaxWorkspaceSizeBytes returns the workspace quota in bytes.
func (c *Config) MaxWorkspaceSizeBytes() int64 {
	return int64(c.MaxWorkspaceSizeMB) * 1024 * 1024
}

func defaults() *Config {
	return &Config{
		Port:                         7575,
		Host:                         "0.0.0.0",
		WorkerID:                     "standalone",
		PoolSize:                     10,
		MinPoolSize:                  3,
		MaxPoolSize:                  80,
		ContainerImage:               "sandbox-secure:latest",
		MemoryLimit:                  "256m",
		CPUQuota:                     25000,
		SandboxUser:                  "sandboxuser",
		WorkspaceDir:                 "/workspace",
		NetworkMode:                  "none",
		SessionTimeoutMinutes:        15,
		ContainerIdleTimeoutMinutes:  5,
		CleanupIntervalSeconds:       300,
		AggressiveCleanup:            true,
		PoolRefillDelaySeconds:       60,
		RedisPort:                    6379,
		DefaultCommandTimeoutSeconds: 30,
		MaxFileSizeMB:                100,
		MaxTotalFiles:                1000,
		MaxWorkspaceSizeMB:           500,
	}
}

// Load builds a Config from (in increasing precedence) built-in defaults,
// an optional YAML file at yamlPath, a local .env file if present, and the
// process environment.
func Load(yamlPath string) (*Config, error) {
	cfg := defaults()

	if yamlPath != "" {
		raw, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("config: reading yaml overlay: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing yaml overlay: %w", err)
		}
	}

	// Best-effort: a missing .env is not an error, local dev convenience only.
	_ = godotenv.Load()

	cfg.Port = envInt("PORT", cfg.Port)
	cfg.Host = envStr("HOST", cfg.Host)
	cfg.WorkerID = envStr("WORKER_ID", cfg.WorkerID)

	cfg.PoolSize = envInt("POOL_SIZE", cfg.PoolSize)
	cfg.MinPoolSize = envInt("MIN_POOL_SIZE", cfg.MinPoolSize)
	cfg.MaxPoolSize = envInt("MAX_POOL_SIZE", cfg.MaxPoolSize)

	cfg.ContainerImage = envStr("CONTAINER_IMAGE", cfg.ContainerImage)
	cfg.MemoryLimit = envStr("MEMORY_LIMIT", cfg.MemoryLimit)
	cfg.CPUQuota = int64(envInt("CPU_QUOTA", int(cfg.CPUQuota)))
	cfg.SandboxUser = envStr("SANDBOX_USER", cfg.SandboxUser)
	cfg.WorkspaceDir = envStr("WORKSPACE_DIR", cfg.WorkspaceDir)
	cfg.RuntimeClass = envStr("RUNTIME_CLASS", cfg.RuntimeClass)
	cfg.NetworkMode = envStr("DOCKER_NETWORK_MODE", cfg.NetworkMode)

	cfg.SessionTimeoutMinutes = envInt("SESSION_TIMEOUT_MINUTES", cfg.SessionTimeoutMinutes)
	cfg.ContainerIdleTimeoutMinutes = envInt("CONTAINER_IDLE_TIMEOUT_MINUTES", cfg.ContainerIdleTimeoutMinutes)
	cfg.CleanupIntervalSeconds = envInt("CLEANUP_INTERVAL_SECONDS", cfg.CleanupIntervalSeconds)
	cfg.AggressiveCleanup = envBool("AGGRESSIVE_CLEANUP", cfg.AggressiveCleanup)
	cfg.PoolRefillDelaySeconds = envInt("POOL_REFILL_DELAY_SECONDS", cfg.PoolRefillDelaySeconds)

	cfg.RedisHost = envStr("REDIS_HOST", cfg.RedisHost)
	cfg.RedisPort = envInt("REDIS_PORT", cfg.RedisPort)
	cfg.RedisPassword = envStr("REDIS_PASSWORD", cfg.RedisPassword)

	cfg.DefaultCommandTimeoutSeconds = envInt("DEFAULT_COMMAND_TIMEOUT", cfg.DefaultCommandTimeoutSeconds)

	cfg.MaxFileSizeMB = envInt("MAX_FILE_SIZE_MB", cfg.MaxFileSizeMB)
	cfg.MaxTotalFiles = envInt("MAX_TOTAL_FILES", cfg.MaxTotalFiles)
	cfg.MaxWorkspaceSizeMB = envInt("MAX_WORKSPACE_SIZE_MB", cfg.MaxWorkspaceSizeMB)

	if w := os.Getenv("WORKERS"); w != "" {
		cfg.Workers = splitCSV(w)
	}

	bytes, err := units.RAMInBytes(cfg.MemoryLimit)
	if err != nil {
		return nil, fmt.Errorf("config: invalid MEMORY_LIMIT %q: %w", cfg.MemoryLimit, err)
	}
	cfg.MemoryLimitBytes = bytes

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the invariants spec'd for pool sizing and CPU quota.
func (c *Config) Validate() error {
	var errs []string

	if c.MinPoolSize > c.PoolSize {
		errs = append(errs, "MIN_POOL_SIZE cannot be greater than POOL_SIZE")
	}
	if c.PoolSize > c.MaxPoolSize {
		errs = append(errs, "POOL_SIZE cannot be greater than MAX_POOL_SIZE")
	}
	if c.MinPoolSize < 0 {
		errs = append(errs, "MIN_POOL_SIZE must be >= 0")
	}
	if c.SessionTimeoutMinutes < 1 {
		errs = append(errs, "SESSION_TIMEOUT_MINUTES must be >= 1")
	}
	if c.ContainerIdleTimeoutMinutes < 1 {
		errs = append(errs, "CONTAINER_IDLE_TIMEOUT_MINUTES must be >= 1")
	}
	if c.CPUQuota < 1000 || c.CPUQuota > 100000 {
		errs = append(errs, "CPU_QUOTA must be between 1000 and 100000")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

func envStr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return strings.EqualFold(v, "true")
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
