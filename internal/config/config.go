package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/wispberry-tech/wispy-session/core"
)

// EnvPrefix prefixes every environment override, e.g. WISPY_SERVER_PORT.
const EnvPrefix = "WISPY"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Security SecurityConfig `mapstructure:"security"`
}

type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	SecureCookies  bool     `mapstructure:"secure_cookies"`
	// TrustProxyHeaders lets X-Forwarded-For and X-Real-IP replace the peer
	// address. Only enable it behind a proxy that overwrites them.
	TrustProxyHeaders bool          `mapstructure:"trust_proxy_headers"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres
	DSN    string `mapstructure:"dsn"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // console or json
	OutputPath string `mapstructure:"output_path"`
}

type SecurityConfig struct {
	SessionTimeout       time.Duration `mapstructure:"session_timeout"`
	RefreshInterval      time.Duration `mapstructure:"refresh_interval"`
	SessionWarnThreshold time.Duration `mapstructure:"session_warn_threshold"`
	MaxLoginAttempts     int           `mapstructure:"max_login_attempts"`
	LockoutDuration      time.Duration `mapstructure:"lockout_duration"`
	AttemptWarnRemaining int           `mapstructure:"attempt_warn_remaining"`
	AttemptRetention     time.Duration `mapstructure:"attempt_retention"`
	LoginRatePerMinute   int           `mapstructure:"login_rate_per_minute"`
	BcryptCost           int           `mapstructure:"bcrypt_cost"`
	MaxConcurrentHashes  int           `mapstructure:"max_concurrent_hashes"`
}

// Core converts the file representation into the library configuration.
func (s SecurityConfig) Core() core.SecurityConfig {
	return core.SecurityConfig{
		SessionTimeout:       s.SessionTimeout,
		RefreshInterval:      s.RefreshInterval,
		SessionWarnThreshold: s.SessionWarnThreshold,
		MaxLoginAttempts:     s.MaxLoginAttempts,
		LockoutDuration:      s.LockoutDuration,
		AttemptWarnRemaining: s.AttemptWarnRemaining,
		AttemptRetention:     s.AttemptRetention,
		LoginRatePerMinute:   s.LoginRatePerMinute,
		BcryptCost:           s.BcryptCost,
		MaxConcurrentHashes:  s.MaxConcurrentHashes,
	}
}

// Load reads configuration from path, or from config.yaml in the usual
// locations when path is empty, then applies .env and WISPY_* overrides.
// A missing default config file is not an error.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// setDefaults mirrors core.DefaultSecurityConfig so every key can be overridden
// from the environment.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.secure_cookies", false)
	v.SetDefault("server.trust_proxy_headers", false)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.sweep_interval", "5m")

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "wispy-session.db")

	// Logger defaults
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.output_path", "stdout")

	// Security defaults
	defaults := core.DefaultSecurityConfig()
	v.SetDefault("security.session_timeout", defaults.SessionTimeout)
	v.SetDefault("security.refresh_interval", defaults.RefreshInterval)
	v.SetDefault("security.session_warn_threshold", defaults.SessionWarnThreshold)
	v.SetDefault("security.max_login_attempts", defaults.MaxLoginAttempts)
	v.SetDefault("security.lockout_duration", defaults.LockoutDuration)
	v.SetDefault("security.attempt_warn_remaining", defaults.AttemptWarnRemaining)
	v.SetDefault("security.attempt_retention", defaults.AttemptRetention)
	v.SetDefault("security.login_rate_per_minute", defaults.LoginRatePerMinute)
	v.SetDefault("security.bcrypt_cost", defaults.BcryptCost)
	v.SetDefault("security.max_concurrent_hashes", 0)
}
