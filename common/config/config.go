package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Telemetry TelemetryConfig
	Host      HostConfig
	Node      NodeConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof bool
	PprofPort   int
}

// HostConfig holds host-side control plane settings
type HostConfig struct {
	AdminPassword          string
	HeartbeatInterval      time.Duration
	MissedHeartbeatFactor  int
	AckDeadline            time.Duration
	SweepInterval          time.Duration
	FileSyncEnabled        bool
	FileSyncRootPath       string
	HealthMonitorEnabled   bool
	HealthMonitorInterval  time.Duration
	ServiceManagementFlag  bool
	WebhookRateLimit       int64
	WebhookRateLimitWindow int
}

// NodeConfig holds node-side settings
type NodeConfig struct {
	ServerURL            string
	AgentName            string
	AccessToken          string
	BootstrapToken       string
	Group                string
	Tags                 []string
	EnableShellExecution bool
	FileSyncRoot         string
}

// LoadHost loads host configuration from environment variables
func LoadHost() (*Config, error) {
	cfg := &Config{
		Service:   loadService("orbitmesh-host"),
		Database:  loadDatabase(),
		Redis:     loadRedis(),
		Telemetry: loadTelemetry(),
		Host: HostConfig{
			AdminPassword:          getEnv("ORBITMESH_ADMIN_PASSWORD", ""),
			HeartbeatInterval:      getEnvInterval("ORBITMESH_HEARTBEAT_INTERVAL", 15*time.Second),
			MissedHeartbeatFactor:  getEnvInt("ORBITMESH_MISSED_HEARTBEAT_FACTOR", 3),
			AckDeadline:            getEnvInterval("ORBITMESH_ACK_DEADLINE", 30*time.Second),
			SweepInterval:          getEnvInterval("ORBITMESH_SWEEP_INTERVAL", 1*time.Second),
			FileSyncEnabled:        getEnvBool("ORBITMESH_FILESYNC_ENABLED", false),
			FileSyncRootPath:       getEnv("ORBITMESH_FILESYNC_ROOT_PATH", ""),
			HealthMonitorEnabled:   getEnvBool("ORBITMESH_HEALTH_MONITOR_ENABLED", true),
			HealthMonitorInterval:  getEnvInterval("ORBITMESH_HEALTH_MONITOR_INTERVAL", 30*time.Second),
			ServiceManagementFlag:  getEnvBool("ORBITMESH_SERVICE_MANAGEMENT_ENABLED", false),
			WebhookRateLimit:       int64(getEnvInt("ORBITMESH_WEBHOOK_RATE_LIMIT", 120)),
			WebhookRateLimitWindow: getEnvInt("ORBITMESH_WEBHOOK_RATE_LIMIT_WINDOW_SEC", 60),
		},
	}

	return cfg, cfg.Validate()
}

// LoadNode loads node configuration from environment variables
func LoadNode() (*Config, error) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "orbitmesh-node"
	}

	cfg := &Config{
		Service:   loadService("orbitmesh-node"),
		Redis:     loadRedis(),
		Telemetry: loadTelemetry(),
		Node: NodeConfig{
			ServerURL:            getEnv("ORBITMESH_SERVER_URL", "http://localhost:8080"),
			AgentName:            getEnv("ORBITMESH_AGENT_NAME", hostname),
			AccessToken:          getEnv("ORBITMESH_ACCESS_TOKEN", ""),
			BootstrapToken:       getEnv("ORBITMESH_BOOTSTRAP_TOKEN", ""),
			Group:                getEnv("ORBITMESH_GROUP", ""),
			Tags:                 getEnvSlice("ORBITMESH_TAGS", nil),
			EnableShellExecution: getEnvBool("ORBITMESH_ENABLE_SHELL_EXECUTION", false),
			FileSyncRoot:         getEnv("ORBITMESH_FILESYNC_ROOT", ""),
		},
	}

	if cfg.Node.AccessToken == "" && cfg.Node.BootstrapToken == "" {
		return nil, fmt.Errorf("either ORBITMESH_ACCESS_TOKEN or ORBITMESH_BOOTSTRAP_TOKEN is required")
	}

	return cfg, cfg.Validate()
}

func loadService(name string) ServiceConfig {
	return ServiceConfig{
		Name:        name,
		Port:        getEnvInt("PORT", 8080),
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "text"),
	}
}

func loadDatabase() DatabaseConfig {
	return DatabaseConfig{
		Host:        getEnv("POSTGRES_HOST", "localhost"),
		Port:        getEnvInt("POSTGRES_PORT", 5432),
		Database:    getEnv("POSTGRES_DB", "orbitmesh"),
		User:        getEnv("POSTGRES_USER", "orbitmesh"),
		Password:    getEnv("POSTGRES_PASSWORD", "orbitmesh"),
		MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
		MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
		MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
		MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
	}
}

func loadRedis() RedisConfig {
	return RedisConfig{
		Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       getEnvInt("REDIS_DB", 0),
	}
}

func loadTelemetry() TelemetryConfig {
	return TelemetryConfig{
		EnablePprof: getEnvBool("ENABLE_PPROF", false),
		PprofPort:   getEnvInt("PPROF_PORT", 6060),
	}
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host != "" && c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvInterval parses short interval syntax: <n>[smhd], e.g. "30s", "5m", "1h", "2d".
func getEnvInterval(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := ParseInterval(value); err == nil {
		return d
	}
	return defaultValue
}

// ParseInterval parses an interval of the form <n>[smhd].
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty interval")
	}

	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil {
		// No unit suffix, treat the whole value as seconds
		if n, err := strconv.Atoi(s); err == nil {
			return time.Duration(n) * time.Second, nil
		}
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative interval %q", s)
	}

	switch unit {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid interval unit %q", string(unit))
	}
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}
