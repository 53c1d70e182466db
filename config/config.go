package config

import (
	"fmt"
	"path"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Exec     ExecConfig     `mapstructure:"exec"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Sessions SessionsConfig `mapstructure:"sessions"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// EngineConfig holds container engine connection configuration
type EngineConfig struct {
	// Host is the engine socket address. Empty means the client resolves it
	// from the environment (DOCKER_HOST or the default socket).
	Host string `mapstructure:"host"`
}

// PoolConfig holds sandbox pool configuration
type PoolConfig struct {
	MaxContainers int    `mapstructure:"max_containers"`
	ImageTag      string `mapstructure:"image_tag"`
	BaseImage     string `mapstructure:"base_image"`
	BuildContext  string `mapstructure:"build_context"`
	StopGraceSec  int    `mapstructure:"stop_grace_sec"`
	// HostWorkdirBase, when set, bind-mounts a per-sandbox host directory as
	// the workspace instead of using an ephemeral in-container directory.
	HostWorkdirBase string `mapstructure:"host_workdir_base"`
	// ExposedPort, when non-zero, publishes this in-container TCP port on a
	// host-assigned port recorded on the sandbox.
	ExposedPort int `mapstructure:"exposed_port"`
}

// ExecConfig holds code execution configuration
type ExecConfig struct {
	TimeoutSec   int      `mapstructure:"timeout_sec"`
	WorkspaceDir string   `mapstructure:"workspace_dir"`
	CodeFile     string   `mapstructure:"code_file"`
	RunCommand   []string `mapstructure:"run_command"`
}

// LimitsConfig holds per-sandbox resource limits
type LimitsConfig struct {
	MemoryMB       int  `mapstructure:"memory_mb"`
	CPUQuota       int  `mapstructure:"cpu_quota"`
	PidsLimit      int  `mapstructure:"pids_limit"`
	NetworkEnabled bool `mapstructure:"network_enabled"`
}

// SessionsConfig holds the external session mirror configuration
type SessionsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set default values
	viper.SetDefault("server.transport", "stdio")
	viper.SetDefault("server.http_port", 8080)

	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")

	viper.SetDefault("engine.host", "")

	viper.SetDefault("pool.max_containers", 3)
	viper.SetDefault("pool.image_tag", "sandpool-node:latest")
	viper.SetDefault("pool.base_image", "node:18-alpine")
	viper.SetDefault("pool.build_context", "./sandbox-image")
	viper.SetDefault("pool.stop_grace_sec", 5)
	viper.SetDefault("pool.host_workdir_base", "")
	viper.SetDefault("pool.exposed_port", 0)

	viper.SetDefault("exec.timeout_sec", 10)
	viper.SetDefault("exec.workspace_dir", "/workspace")
	viper.SetDefault("exec.code_file", "index.js")

	viper.SetDefault("limits.memory_mb", 512)
	viper.SetDefault("limits.cpu_quota", 50000)
	viper.SetDefault("limits.pids_limit", 64)
	viper.SetDefault("limits.network_enabled", false)

	viper.SetDefault("sessions.enabled", false)
	viper.SetDefault("sessions.host", "localhost")
	viper.SetDefault("sessions.port", 5432)
	viper.SetDefault("sessions.user", "sandpool")
	viper.SetDefault("sessions.password", "")
	viper.SetDefault("sessions.database", "sandpool")
	viper.SetDefault("sessions.sslmode", "disable")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	config.applyDerivedDefaults()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// applyDerivedDefaults fills defaults that depend on other keys. The run
// command follows the workspace layout so the delivery path and the run
// path always target the same file.
func (c *Config) applyDerivedDefaults() {
	if len(c.Exec.RunCommand) == 0 {
		c.Exec.RunCommand = []string{"node", path.Join(c.Exec.WorkspaceDir, c.Exec.CodeFile)}
	}
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Pool.MaxContainers <= 0 {
		return fmt.Errorf("pool.max_containers must be positive, got: %d", c.Pool.MaxContainers)
	}

	if c.Pool.ImageTag == "" {
		return fmt.Errorf("pool.image_tag must not be empty")
	}

	if c.Pool.BaseImage == "" {
		return fmt.Errorf("pool.base_image must not be empty")
	}

	if c.Pool.BuildContext == "" {
		return fmt.Errorf("pool.build_context must not be empty")
	}

	if c.Pool.StopGraceSec < 0 {
		return fmt.Errorf("pool.stop_grace_sec must not be negative, got: %d", c.Pool.StopGraceSec)
	}

	if c.Exec.TimeoutSec <= 0 {
		return fmt.Errorf("exec.timeout_sec must be positive, got: %d", c.Exec.TimeoutSec)
	}

	if len(c.Exec.RunCommand) == 0 {
		return fmt.Errorf("exec.run_command must not be empty")
	}

	if c.Limits.MemoryMB <= 0 {
		return fmt.Errorf("limits.memory_mb must be positive, got: %d", c.Limits.MemoryMB)
	}

	if c.Limits.PidsLimit <= 0 {
		return fmt.Errorf("limits.pids_limit must be positive, got: %d", c.Limits.PidsLimit)
	}

	return nil
}

// ExecTimeout returns the execution timeout as a duration
func (c *Config) ExecTimeout() time.Duration {
	return time.Duration(c.Exec.TimeoutSec) * time.Second
}

// StopGrace returns the graceful stop window as a duration
func (c *Config) StopGrace() time.Duration {
	return time.Duration(c.Pool.StopGraceSec) * time.Second
}
