// Package config provides configuration management for the mission control plane.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the control plane.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Events     EventsConfig     `mapstructure:"events"`
	Mission    MissionConfig    `mapstructure:"mission"`
	Harness    HarnessConfig    `mapstructure:"harness"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Automation AutomationConfig `mapstructure:"automation"`
	Proxy      ProxyConfig      `mapstructure:"proxy"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds mission store connection configuration.
type DatabaseConfig struct {
	// Driver selects the Mission Store SQL backend: "sqlite" (default, one file
	// per user) or "postgres" (shared pgx-backed cluster).
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration, used as an optional
// multi-process EventBus backend (see internal/events/bus).
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace isolates queue-group subscribers across deployments/instances.
	Namespace string `mapstructure:"namespace"`
}

// MissionConfig holds control-actor and mission-lifecycle tuning.
type MissionConfig struct {
	// MaxParallelMissions bounds (primary running ? 1 : 0) + running parallel runners.
	MaxParallelMissions int `mapstructure:"maxParallelMissions"`
	// StaleMissionHours forcibly completes missions whose updated_at is older
	// than this many hours. 0 disables the safety net.
	StaleMissionHours int `mapstructure:"staleMissionHours"`
	// ContextDirName is the per-mission workspace directory name, rooted at
	// {working_dir}/{ContextDirName}/{mission_id}/.
	ContextDirName string `mapstructure:"contextDirName"`
	// WorkingDir is the root directory mission state and workspaces live under.
	WorkingDir string `mapstructure:"workingDir"`
	// StoreType selects the Mission Store implementation: "sql" (default) or "memory".
	StoreType string `mapstructure:"storeType"`
}

// HarnessConfig holds per-backend subprocess launch configuration.
type HarnessConfig struct {
	ClaudeCodeBin string `mapstructure:"claudeCodeBin"`
	CodexBin      string `mapstructure:"codexBin"`
	AmpBin        string `mapstructure:"ampBin"`
	OpencodeBin   string `mapstructure:"opencodeBin"`
	// LaunchMode selects the Launcher: "local", "pty", "docker", or "sprite".
	LaunchMode      string `mapstructure:"launchMode"`
	LaunchTimeout   int    `mapstructure:"launchTimeoutSeconds"`
	InitializeDelay int    `mapstructure:"initializeTimeoutSeconds"`
	// Image is the container image backend CLIs run in under LaunchMode=docker.
	Image string `mapstructure:"image"`
	// SpriteAPIToken and SpriteName configure the Sprites.dev launcher, used
	// when LaunchMode is "sprite".
	SpriteAPIToken string `mapstructure:"spriteApiToken"`
	SpriteName     string `mapstructure:"spriteName"`
}

// DockerConfig holds Docker client configuration, used when
// harness.launchMode is "docker".
type DockerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	TLSVerify      bool   `mapstructure:"tlsVerify"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	VolumeBasePath string `mapstructure:"volumeBasePath"`
}

// AutomationConfig holds Automation Scheduler tuning.
type AutomationConfig struct {
	TickIntervalSeconds int    `mapstructure:"tickIntervalSeconds"`
	WebhookBasePath     string `mapstructure:"webhookBasePath"`
}

// ProxyConfig holds Provider Proxy configuration.
type ProxyConfig struct {
	// Secret is compared (constant-time) against the bearer token on
	// /v1/chat/completions and /v1/models.
	Secret        string `mapstructure:"secret"`
	ChainStoreDSN string `mapstructure:"chainStoreDsn"`
}

// AuthConfig holds authentication configuration for the mission API.
type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwtSecret"`
	TokenDuration int    `mapstructure:"tokenDuration"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TokenDurationTime returns the token duration as a time.Duration.
func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
}

// TickInterval returns the automation scheduler tick as a time.Duration.
func (a *AutomationConfig) TickInterval() time.Duration {
	return time.Duration(a.TickIntervalSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("MISSIONCTL_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./missionctl.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "missionctl")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "missionctl")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "missionctl-cluster")
	v.SetDefault("nats.clientId", "missionctl-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Events defaults
	v.SetDefault("events.namespace", "")

	// Mission defaults
	v.SetDefault("mission.maxParallelMissions", 4)
	v.SetDefault("mission.staleMissionHours", 72)
	v.SetDefault("mission.contextDirName", ".missions")
	v.SetDefault("mission.workingDir", defaultWorkingDir())
	v.SetDefault("mission.storeType", "sql")

	// Harness defaults
	v.SetDefault("harness.claudeCodeBin", "claude")
	v.SetDefault("harness.codexBin", "codex")
	v.SetDefault("harness.ampBin", "amp")
	v.SetDefault("harness.opencodeBin", "opencode")
	v.SetDefault("harness.launchMode", "local")
	v.SetDefault("harness.launchTimeoutSeconds", 360) // 6 minutes, matches AgentLaunchTimeout
	v.SetDefault("harness.initializeTimeoutSeconds", 30)
	v.SetDefault("harness.image", "missionctl-harness:latest")

	// Docker defaults
	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", "")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.tlsVerify", false)
	v.SetDefault("docker.defaultNetwork", "bridge")
	v.SetDefault("docker.volumeBasePath", "")

	// Automation defaults
	v.SetDefault("automation.tickIntervalSeconds", 5)
	v.SetDefault("automation.webhookBasePath", "/webhook")

	// Proxy defaults
	v.SetDefault("proxy.secret", "")
	v.SetDefault("proxy.chainStoreDsn", "")

	// Auth defaults
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenDuration", 3600) // 1 hour

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

func defaultWorkingDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".sandboxed-sh")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix MISSIONCTL_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/missionctl/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("MISSIONCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys);
	// AutomaticEnv does not case-fold camelCase into SNAKE_CASE.
	_ = v.BindEnv("logging.level", "MISSIONCTL_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "MISSIONCTL_EVENTS_NAMESPACE")
	_ = v.BindEnv("mission.storeType", "MISSION_STORE_TYPE")
	_ = v.BindEnv("harness.launchTimeoutSeconds", "MISSIONCTL_HARNESS_LAUNCH_TIMEOUT_SECONDS")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/missionctl/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	} else if cfg.Database.Driver != "sqlite" {
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Mission.MaxParallelMissions <= 0 {
		errs = append(errs, "mission.maxParallelMissions must be positive")
	}
	if cfg.Mission.StaleMissionHours < 0 {
		errs = append(errs, "mission.staleMissionHours must be >= 0 (0 disables)")
	}
	if cfg.Mission.StoreType != "sql" && cfg.Mission.StoreType != "memory" {
		errs = append(errs, "mission.storeType must be one of: sql, memory")
	}

	switch cfg.Harness.LaunchMode {
	case "local", "pty", "docker", "sprite":
	default:
		errs = append(errs, "harness.launchMode must be one of: local, pty, docker, sprite")
	}

	// Auth validation - generate random secret if not set (dev mode)
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateDevSecret()
	}
	if cfg.Auth.TokenDuration <= 0 {
		errs = append(errs, "auth.tokenDuration must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// SQLitePath returns the per-user sqlite file path under the mission store's
// persistent state layout: {Mission.WorkingDir}/missions/{user_id}/missions.db
// (with the default WorkingDir, ~/.sandboxed-sh/missions/{user_id}/missions.db).
func (c *Config) SQLitePath(userID string) string {
	if userID == "" {
		userID = "default"
	}
	return filepath.Join(c.Mission.WorkingDir, "missions", userID, "missions.db")
}

// generateDevSecret generates a random secret for development mode.
func generateDevSecret() string {
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
