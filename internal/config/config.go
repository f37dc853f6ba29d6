package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/maxenergy/channelcore/pkg/tracing"

	"gopkg.in/yaml.v2"
)

// AppConfig identifies the service
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// ServerConfig configures the HTTP API server
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// ChannelsConfig configures the channel state machine
type ChannelsConfig struct {
	MaxChannels          int           `yaml:"max_channels"`
	HistoryLimit         int           `yaml:"history_limit"`
	HealthCheckInterval  time.Duration `yaml:"health_check_interval"`
	FrameTimeout         time.Duration `yaml:"frame_timeout"`
	ReconnectEnabled     bool          `yaml:"reconnect_enabled"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
}

// QuotaConfig configures the resource quota allocator. ChannelGrants
// sets the per-type amount requested for a channel when it enters
// ACTIVE; when unset, each grant defaults to the quota's max divided by
// the channel limit.
type QuotaConfig struct {
	Strategy          string           `yaml:"strategy"`
	MonitorInterval   time.Duration    `yaml:"monitor_interval"`
	InactivityTimeout time.Duration    `yaml:"inactivity_timeout"`
	Quotas            map[string]int64 `yaml:"quotas"`
	ChannelGrants     map[string]int64 `yaml:"channel_grants"`
}

// PoolConfig configures one resource pool instance
type PoolConfig struct {
	Type                 string        `yaml:"type"`
	InitialSize          int           `yaml:"initial_size"`
	MinSize              int           `yaml:"min_size"`
	MaxSize              int           `yaml:"max_size"`
	DynamicResize        bool          `yaml:"dynamic_resize"`
	UtilizationThreshold float64       `yaml:"utilization_threshold"`
	Strategy             string        `yaml:"strategy"`
	ResizeInterval       time.Duration `yaml:"resize_interval"`
	WorkersPerPool       int           `yaml:"workers_per_pool"`
	BufferSize           int64         `yaml:"buffer_size"`
	FrameWidth           int           `yaml:"frame_width"`
	FrameHeight          int           `yaml:"frame_height"`
}

// ResourcesConfig configures the managed resource registry
type ResourcesConfig struct {
	MaxTotalMemory  int64         `yaml:"max_total_memory"`
	MaxPerChannel   int           `yaml:"max_per_channel"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
}

// PerfConfig configures the performance monitor
type PerfConfig struct {
	Enabled            bool          `yaml:"enabled"`
	MonitoringInterval time.Duration `yaml:"monitoring_interval"`
	CPUWarnPercent     float64       `yaml:"cpu_warn_percent"`
	CPUCriticalPercent float64       `yaml:"cpu_critical_percent"`
	MemWarnPercent     float64       `yaml:"mem_warn_percent"`
	MemCriticalPercent float64       `yaml:"mem_critical_percent"`
}

// Config is the top level service configuration
type Config struct {
	App       AppConfig             `yaml:"app"`
	Server    ServerConfig          `yaml:"server"`
	Metrics   MetricsConfig         `yaml:"metrics"`
	Tracing   tracing.TracingConfig `yaml:"tracing"`
	Channels  ChannelsConfig        `yaml:"channels"`
	Quota     QuotaConfig           `yaml:"quota"`
	Pools     []PoolConfig          `yaml:"pools"`
	Resources ResourcesConfig       `yaml:"resources"`
	Perf      PerfConfig            `yaml:"perf"`
}

// LoadConfig loads configuration from a YAML file and environment
// variables. Environment variables win over file values.
func LoadConfig(configFile string) (*Config, error) {
	config := &Config{}

	if configFile != "" {
		if err := loadConfigFile(configFile, config); err != nil {
			fmt.Printf("Warning: Failed to load config file %s: %v\n", configFile, err)
		} else {
			fmt.Printf("Loaded configuration from file: %s\n", configFile)
		}
	}

	applyDefaults(config)
	applyEnvironmentOverrides(config)

	return config, nil
}

// applyDefaults fills zero values with service defaults
func applyDefaults(config *Config) {
	// App defaults
	if config.App.Name == "" {
		config.App.Name = "channelcore"
	}
	if config.App.Version == "" {
		config.App.Version = "v1.0.0"
	}
	if config.App.Environment == "" {
		config.App.Environment = "production"
	}
	if config.App.LogLevel == "" {
		config.App.LogLevel = "info"
	}
	if config.App.LogFormat == "" {
		config.App.LogFormat = "json"
	}

	// Server defaults
	if config.Server.Port == 0 {
		config.Server.Port = 8402
	}
	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}

	// Metrics defaults
	if config.Metrics.Port == 0 {
		config.Metrics.Port = 8002
	}
	if config.Metrics.Path == "" {
		config.Metrics.Path = "/metrics"
	}
	config.Metrics.Enabled = true

	// Tracing defaults
	if config.Tracing.ServiceName == "" {
		defaults := tracing.DefaultTracingConfig()
		defaults.Enabled = config.Tracing.Enabled
		if config.Tracing.Exporter != "" {
			defaults.Exporter = config.Tracing.Exporter
		}
		if config.Tracing.Endpoint != "" {
			defaults.Endpoint = config.Tracing.Endpoint
		}
		config.Tracing = defaults
	}

	// Channel defaults
	if config.Channels.MaxChannels == 0 {
		config.Channels.MaxChannels = 16
	}
	if config.Channels.HistoryLimit == 0 {
		config.Channels.HistoryLimit = 50
	}
	if config.Channels.HealthCheckInterval == 0 {
		config.Channels.HealthCheckInterval = 2 * time.Second
	}
	if config.Channels.FrameTimeout == 0 {
		config.Channels.FrameTimeout = 5 * time.Second
	}
	if config.Channels.ReconnectMaxAttempts == 0 {
		config.Channels.ReconnectMaxAttempts = 5
	}
	if config.Channels.ReconnectBaseDelay == 0 {
		config.Channels.ReconnectBaseDelay = 1 * time.Second
	}
	if config.Channels.ReconnectMaxDelay == 0 {
		config.Channels.ReconnectMaxDelay = 30 * time.Second
	}

	// Quota defaults
	if config.Quota.Strategy == "" {
		config.Quota.Strategy = "fair_share"
	}
	if config.Quota.MonitorInterval == 0 {
		config.Quota.MonitorInterval = 5 * time.Second
	}
	if config.Quota.InactivityTimeout == 0 {
		config.Quota.InactivityTimeout = 10 * time.Minute
	}
	if config.Quota.ChannelGrants == nil {
		config.Quota.ChannelGrants = make(map[string]int64, len(config.Quota.Quotas))
		for name, max := range config.Quota.Quotas {
			if grant := max / int64(config.Channels.MaxChannels); grant > 0 {
				config.Quota.ChannelGrants[name] = grant
			}
		}
	}

	// Pool defaults
	for i := range config.Pools {
		p := &config.Pools[i]
		if p.InitialSize == 0 {
			p.InitialSize = 4
		}
		if p.MaxSize == 0 {
			p.MaxSize = 16
		}
		if p.MinSize == 0 {
			p.MinSize = 1
		}
		if p.UtilizationThreshold == 0 {
			p.UtilizationThreshold = 0.8
		}
		if p.Strategy == "" {
			p.Strategy = "least_loaded"
		}
	}

	// Resource manager defaults
	if config.Resources.MaxTotalMemory == 0 {
		config.Resources.MaxTotalMemory = 512 * 1024 * 1024
	}
	if config.Resources.MaxPerChannel == 0 {
		config.Resources.MaxPerChannel = 32
	}
	if config.Resources.CleanupInterval == 0 {
		config.Resources.CleanupInterval = 5 * time.Second
	}
	if config.Resources.IdleTimeout == 0 {
		config.Resources.IdleTimeout = 30 * time.Second
	}

	// Performance monitor defaults
	if config.Perf.MonitoringInterval == 0 {
		config.Perf.MonitoringInterval = 10 * time.Second
	}
	if config.Perf.CPUWarnPercent == 0 {
		config.Perf.CPUWarnPercent = 75
	}
	if config.Perf.CPUCriticalPercent == 0 {
		config.Perf.CPUCriticalPercent = 90
	}
	if config.Perf.MemWarnPercent == 0 {
		config.Perf.MemWarnPercent = 80
	}
	if config.Perf.MemCriticalPercent == 0 {
		config.Perf.MemCriticalPercent = 95
	}
}

// applyEnvironmentOverrides applies CHANNELCORE_* environment overrides
func applyEnvironmentOverrides(config *Config) {
	// Server overrides
	if port := getEnvInt("CHANNELCORE_API_PORT", 0); port != 0 {
		config.Server.Port = port
	}
	if host := getEnvString("CHANNELCORE_API_HOST", ""); host != "" {
		config.Server.Host = host
	}

	// Metrics overrides
	if port := getEnvInt("CHANNELCORE_METRICS_PORT", 0); port != 0 {
		config.Metrics.Port = port
	}
	if path := getEnvString("CHANNELCORE_METRICS_PATH", ""); path != "" {
		config.Metrics.Path = path
	}
	if enabled := getEnvBool("CHANNELCORE_METRICS_ENABLED", config.Metrics.Enabled); enabled != config.Metrics.Enabled {
		config.Metrics.Enabled = enabled
	}

	// Tracing overrides
	if enabled := getEnvBool("CHANNELCORE_TRACING_ENABLED", config.Tracing.Enabled); enabled != config.Tracing.Enabled {
		config.Tracing.Enabled = enabled
	}
	if endpoint := getEnvString("CHANNELCORE_TRACING_ENDPOINT", ""); endpoint != "" {
		config.Tracing.Endpoint = endpoint
	}
	if exporter := getEnvString("CHANNELCORE_TRACING_EXPORTER", ""); exporter != "" {
		config.Tracing.Exporter = exporter
	}

	// Channel overrides
	if max := getEnvInt("CHANNELCORE_MAX_CHANNELS", 0); max != 0 {
		config.Channels.MaxChannels = max
	}
	if d := getEnvDuration("CHANNELCORE_FRAME_TIMEOUT", 0); d != 0 {
		config.Channels.FrameTimeout = d
	}
	if d := getEnvDuration("CHANNELCORE_HEALTH_CHECK_INTERVAL", 0); d != 0 {
		config.Channels.HealthCheckInterval = d
	}
	if enabled := getEnvBool("CHANNELCORE_RECONNECT_ENABLED", config.Channels.ReconnectEnabled); enabled != config.Channels.ReconnectEnabled {
		config.Channels.ReconnectEnabled = enabled
	}
	if attempts := getEnvInt("CHANNELCORE_RECONNECT_MAX_ATTEMPTS", 0); attempts != 0 {
		config.Channels.ReconnectMaxAttempts = attempts
	}

	// Quota overrides
	if strategy := getEnvString("CHANNELCORE_QUOTA_STRATEGY", ""); strategy != "" {
		config.Quota.Strategy = strategy
	}
	if d := getEnvDuration("CHANNELCORE_QUOTA_MONITOR_INTERVAL", 0); d != 0 {
		config.Quota.MonitorInterval = d
	}

	// Resource manager overrides
	if mem := getEnvInt64("CHANNELCORE_MAX_TOTAL_MEMORY", 0); mem != 0 {
		config.Resources.MaxTotalMemory = mem
	}
	if max := getEnvInt("CHANNELCORE_MAX_PER_CHANNEL", 0); max != 0 {
		config.Resources.MaxPerChannel = max
	}

	// Performance monitor overrides
	if enabled := getEnvBool("CHANNELCORE_PERF_ENABLED", config.Perf.Enabled); enabled != config.Perf.Enabled {
		config.Perf.Enabled = enabled
	}

	// Logging overrides
	if level := getEnvString("CHANNELCORE_LOG_LEVEL", ""); level != "" {
		config.App.LogLevel = level
	}
	if format := getEnvString("CHANNELCORE_LOG_FORMAT", ""); format != "" {
		config.App.LogFormat = format
	}
}

// loadConfigFile loads configuration from a YAML file
func loadConfigFile(filename string, config *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// Environment variable helpers

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
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

// ValidateConfig validates the configuration
func ValidateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid API port: %d", config.Server.Port)
	}

	if config.Metrics.Enabled && (config.Metrics.Port <= 0 || config.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", config.Metrics.Port)
	}

	if config.Channels.MaxChannels <= 0 || config.Channels.MaxChannels > 16 {
		return fmt.Errorf("max_channels must be between 1 and 16, got %d", config.Channels.MaxChannels)
	}

	switch config.Quota.Strategy {
	case "fair_share", "priority", "demand", "adaptive":
	default:
		return fmt.Errorf("unknown quota strategy: %s", config.Quota.Strategy)
	}

	for _, name := range quotaResourceNames(config) {
		switch name {
		case "memory", "cpu", "gpu", "decoder", "encoder", "network", "storage":
		default:
			return fmt.Errorf("unknown quota resource type: %s", name)
		}
	}

	for i, p := range config.Pools {
		if p.MinSize > p.MaxSize {
			return fmt.Errorf("pool %d: min_size %d exceeds max_size %d", i, p.MinSize, p.MaxSize)
		}
		if p.InitialSize > p.MaxSize {
			return fmt.Errorf("pool %d: initial_size %d exceeds max_size %d", i, p.InitialSize, p.MaxSize)
		}
	}

	if config.Resources.MaxTotalMemory <= 0 {
		return fmt.Errorf("max_total_memory must be positive")
	}

	if strings.TrimSpace(config.App.Name) == "" {
		return fmt.Errorf("app name cannot be empty")
	}

	return nil
}

func quotaResourceNames(config *Config) []string {
	names := make([]string, 0, len(config.Quota.Quotas)+len(config.Quota.ChannelGrants))
	for name := range config.Quota.Quotas {
		names = append(names, name)
	}
	for name := range config.Quota.ChannelGrants {
		names = append(names, name)
	}
	return names
}
