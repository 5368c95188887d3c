// Package config loads the node configuration from file and environment.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Cluster     ClusterConfig     `mapstructure:"cluster"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Datacenter  DatacenterConfig  `mapstructure:"datacenter"`
	HealthCheck HealthCheckConfig `mapstructure:"health_check"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig contains the peer-facing server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// ClusterConfig contains the cluster client configuration.
type ClusterConfig struct {
	// LocalAddress is this node's advertised host:port; self-connections
	// are rejected against it.
	LocalAddress   string        `mapstructure:"local_address"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	GrpcPortOffset int           `mapstructure:"grpc_port_offset"`
}

// BreakerConfig contains the per-peer circuit breaker configuration.
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	SuccessThreshold uint32        `mapstructure:"success_threshold"`
	FailureWindow    time.Duration `mapstructure:"failure_window"`
}

// DatacenterConfig contains the topology configuration.
type DatacenterConfig struct {
	Local                      string `mapstructure:"local"`
	Region                     string `mapstructure:"region"`
	Zone                       string `mapstructure:"zone"`
	CrossDatacenterReplication bool   `mapstructure:"cross_dc_replication"`
}

// HealthCheckConfig contains the active health checking configuration.
type HealthCheckConfig struct {
	CheckInterval      time.Duration `mapstructure:"check_interval"`
	CheckTimeout       time.Duration `mapstructure:"check_timeout"`
	UnhealthyThreshold uint32        `mapstructure:"unhealthy_threshold"`
	HealthyThreshold   uint32        `mapstructure:"healthy_threshold"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/batata")
	}

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("BATATA")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults sets default configuration values.
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 9849)

	// Cluster client defaults
	viper.SetDefault("cluster.local_address", "127.0.0.1:8848")
	viper.SetDefault("cluster.connect_timeout", "5s")
	viper.SetDefault("cluster.request_timeout", "10s")
	viper.SetDefault("cluster.max_retries", 3)
	viper.SetDefault("cluster.retry_delay", "1s")
	viper.SetDefault("cluster.idle_timeout", "300s")
	viper.SetDefault("cluster.grpc_port_offset", 1001)

	// Breaker defaults
	viper.SetDefault("breaker.failure_threshold", 5)
	viper.SetDefault("breaker.reset_timeout", "30s")
	viper.SetDefault("breaker.success_threshold", 3)
	viper.SetDefault("breaker.failure_window", "60s")

	// Datacenter defaults
	viper.SetDefault("datacenter.local", "dc1")
	viper.SetDefault("datacenter.region", "")
	viper.SetDefault("datacenter.zone", "")
	viper.SetDefault("datacenter.cross_dc_replication", false)

	// Health check defaults
	viper.SetDefault("health_check.check_interval", "5s")
	viper.SetDefault("health_check.check_timeout", "3s")
	viper.SetDefault("health_check.unhealthy_threshold", 3)
	viper.SetDefault("health_check.healthy_threshold", 2)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.json", false)
}

// validateConfig validates the configuration.
func validateConfig(config *Config) error {
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if config.Cluster.LocalAddress == "" {
		return fmt.Errorf("cluster.local_address is required")
	}
	if config.Cluster.MaxRetries < 1 {
		return fmt.Errorf("cluster.max_retries must be at least 1")
	}
	if config.Breaker.FailureThreshold == 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	if config.HealthCheck.UnhealthyThreshold == 0 || config.HealthCheck.HealthyThreshold == 0 {
		return fmt.Errorf("health_check thresholds must be positive")
	}
	if config.Datacenter.Local == "" {
		return fmt.Errorf("datacenter.local is required")
	}
	return nil
}

// GetDefaultConfig returns a default configuration.
func GetDefaultConfig() *Config {
	setDefaults()

	var config Config
	_ = viper.Unmarshal(&config)
	_ = validateConfig(&config)

	return &config
}
