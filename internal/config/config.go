package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the buildfix service
type Config struct {
	// Server configuration
	ServerHost string `mapstructure:"server_host"`
	ServerPort int    `mapstructure:"server_port"`

	// Storage configuration
	DatabasePath  string `mapstructure:"database_path"`
	ProjectsRoot  string `mapstructure:"projects_root"`
	ReportsPath   string `mapstructure:"reports_path"`
	StatusBackend string `mapstructure:"status_backend"` // sqlite or redis
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_key_prefix"`

	// Build tool configuration
	BuildBackend        string   `mapstructure:"build_backend"` // exec or podman
	BuildCommand        string   `mapstructure:"build_command"`
	BuildDescriptor     string   `mapstructure:"build_descriptor"`
	BuildImage          string   `mapstructure:"build_image"`
	ContainerSocketPath string   `mapstructure:"container_socket_path"`
	NormalArgs          []string `mapstructure:"normal_args"`
	NoShadeArgs         []string `mapstructure:"no_shade_args"`
	CompileOnlyArgs     []string `mapstructure:"compile_only_args"`
	BuildTimeoutSeconds int      `mapstructure:"build_timeout_seconds"`
	CancelGraceSeconds  int      `mapstructure:"cancel_grace_seconds"`
	OutputBufferKB      int      `mapstructure:"output_buffer_kb"`

	// Artifact verification
	ArtifactDir      string `mapstructure:"artifact_dir"`
	ManifestEntry    string `mapstructure:"manifest_entry"`
	SkipVerification bool   `mapstructure:"skip_verification"`

	// Fix service
	FixerURL          string `mapstructure:"fixer_url"`
	FixTimeoutSeconds int    `mapstructure:"fix_timeout_seconds"`
	MaxFixAttempts    int    `mapstructure:"max_fix_attempts"`
	ErrorReportLines  int    `mapstructure:"error_report_lines"`

	// Log fan-out
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`

	// Worker configuration
	MaxPendingJobs   int    `mapstructure:"max_pending_jobs"`
	WorkerID         string `mapstructure:"worker_id"`
	WorkerConcurrent int    `mapstructure:"worker_concurrent"`
	WorkerPollSecs   int    `mapstructure:"worker_poll_seconds"`

	// Retention
	BuildTTLSeconds        int `mapstructure:"build_ttl_seconds"`
	FailureTTLSeconds      int `mapstructure:"failure_ttl_seconds"`
	JanitorIntervalSeconds int `mapstructure:"janitor_interval_seconds"`

	// Lifecycle event relay
	NATSURL           string `mapstructure:"nats_url"`
	NATSSubjectPrefix string `mapstructure:"nats_subject_prefix"`

	// Observability
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
}

// LoadConfig loads configuration from .env, environment and config file.
// An explicit configFile takes precedence over the search path.
func LoadConfig(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("BUILDFIX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/buildfix/")
		v.AddConfigPath("$HOME/.buildfix")
		v.AddConfigPath(".")

		// Config file is optional
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.expandPaths(); err != nil {
		return nil, fmt.Errorf("failed to expand paths: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server_host", "0.0.0.0")
	v.SetDefault("server_port", 8080)

	// Storage defaults
	v.SetDefault("database_path", "./data/buildfix.db")
	v.SetDefault("projects_root", "./projects")
	v.SetDefault("reports_path", "./data/reports")
	v.SetDefault("status_backend", "sqlite")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_key_prefix", "buildfix")

	// Build tool defaults
	v.SetDefault("build_backend", "exec")
	v.SetDefault("build_command", "mvn")
	v.SetDefault("build_descriptor", "pom.xml")
	v.SetDefault("build_image", "docker.io/library/maven:3.9-eclipse-temurin-17")
	v.SetDefault("container_socket_path", "/run/podman/podman.sock")
	v.SetDefault("normal_args", []string{"-B", "package", "-DskipTests"})
	v.SetDefault("no_shade_args", []string{"-B", "package", "-DskipTests", "-Dshade.skip=true"})
	v.SetDefault("compile_only_args", []string{"-B", "compile"})
	v.SetDefault("build_timeout_seconds", 900) // 15 minutes
	v.SetDefault("cancel_grace_seconds", 10)
	v.SetDefault("output_buffer_kb", 64)

	// Artifact defaults
	v.SetDefault("artifact_dir", "target")
	v.SetDefault("manifest_entry", "META-INF/MANIFEST.MF")
	v.SetDefault("skip_verification", false)

	// Fix service defaults
	v.SetDefault("fixer_url", "http://localhost:8081/fix")
	v.SetDefault("fix_timeout_seconds", 600) // 10 minutes
	v.SetDefault("max_fix_attempts", 5)
	v.SetDefault("error_report_lines", 50)

	v.SetDefault("subscriber_buffer", 256)

	// Worker defaults
	v.SetDefault("max_pending_jobs", 100)
	hostname, _ := os.Hostname()
	v.SetDefault("worker_id", hostname)
	v.SetDefault("worker_concurrent", 2)
	v.SetDefault("worker_poll_seconds", 2)

	// Retention defaults
	v.SetDefault("build_ttl_seconds", 86400)  // 1 day
	v.SetDefault("failure_ttl_seconds", 3600) // 1 hour
	v.SetDefault("janitor_interval_seconds", 600)

	v.SetDefault("nats_url", "")
	v.SetDefault("nats_subject_prefix", "buildfix")

	v.SetDefault("metrics_enabled", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

func (c *Config) expandPaths() error {
	var err error

	c.DatabasePath, err = expandPath(c.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to expand database_path: %w", err)
	}

	c.ProjectsRoot, err = expandPath(c.ProjectsRoot)
	if err != nil {
		return fmt.Errorf("failed to expand projects_root: %w", err)
	}

	c.ReportsPath, err = expandPath(c.ReportsPath)
	if err != nil {
		return fmt.Errorf("failed to expand reports_path: %w", err)
	}

	return nil
}

func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	// Expand home directory
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	return absPath, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server port: %d", c.ServerPort)
	}

	if c.ProjectsRoot == "" {
		return fmt.Errorf("projects_root is required")
	}

	if c.StatusBackend != "sqlite" && c.StatusBackend != "redis" {
		return fmt.Errorf("status_backend must be 'sqlite' or 'redis'")
	}

	if c.BuildBackend != "exec" && c.BuildBackend != "podman" {
		return fmt.Errorf("build_backend must be 'exec' or 'podman'")
	}

	if c.BuildCommand == "" {
		return fmt.Errorf("build_command is required")
	}

	if c.BuildTimeoutSeconds < 1 {
		return fmt.Errorf("build_timeout_seconds must be at least 1")
	}

	if c.CancelGraceSeconds < 1 {
		return fmt.Errorf("cancel_grace_seconds must be at least 1")
	}

	if c.FixTimeoutSeconds < 1 {
		return fmt.Errorf("fix_timeout_seconds must be at least 1")
	}

	if c.MaxFixAttempts < 0 {
		return fmt.Errorf("max_fix_attempts cannot be negative")
	}

	if c.MaxPendingJobs < 1 {
		return fmt.Errorf("max_pending_jobs must be at least 1")
	}

	if c.WorkerConcurrent < 1 {
		return fmt.Errorf("worker_concurrent must be at least 1")
	}

	if c.WorkerPollSecs < 1 {
		return fmt.Errorf("worker_poll_seconds must be at least 1")
	}

	return nil
}

// BuildTimeout is the wall-clock limit for a single build attempt.
func (c *Config) BuildTimeout() time.Duration {
	return time.Duration(c.BuildTimeoutSeconds) * time.Second
}

// CancelGrace is how long a terminated build tool may take to exit.
func (c *Config) CancelGrace() time.Duration {
	return time.Duration(c.CancelGraceSeconds) * time.Second
}

// FixTimeout bounds a single call to the fix service.
func (c *Config) FixTimeout() time.Duration {
	return time.Duration(c.FixTimeoutSeconds) * time.Second
}

// ServerAddr returns the listen address for the HTTP API.
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}
