// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the coordinator configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Defaults for every recognized option.
const (
	DefaultPort                  = 8080
	DefaultRedisURL              = "redis://localhost:6379"
	DefaultSessionTimeoutMinutes = 60
	DefaultMaxQueueSize          = 10
	DefaultAverageSessionMinutes = 45
	DefaultDisconnectGraceMs     = 10000
	DefaultAuditRetentionDays    = 30
	DefaultTTYDPort              = 7681
	DefaultEnvHostPath           = "/tmp/demo-session.env"
	DefaultEnvContainerPath      = "/run/secrets/demo-session.env"
)

// Config holds every recognized option for the coordinator process.
type Config struct {
	// Port is the listen port for HTTP and the client protocol.
	Port int

	// RedisURL is the key-value store endpoint.
	RedisURL string

	// SessionTimeout is the soft session timeout. The expiry warning fires
	// five minutes before it, and the hard kill five minutes after it.
	SessionTimeout time.Duration

	// MaxQueueSize bounds the waiting queue.
	MaxQueueSize int

	// AverageSessionMinutes is the multiplier for the estimated wait.
	AverageSessionMinutes int

	// DisconnectGrace is the reconnect window after the session holder drops.
	DisconnectGrace time.Duration

	// AuditRetention is the extra TTL for invite records after expiration.
	AuditRetention time.Duration

	// SessionSecret is the HMAC key for session tokens.
	SessionSecret string

	// EnvHostPath is where the credential file is written on the host.
	EnvHostPath string

	// EnvContainerPath is where the workload container sees the credential file.
	EnvContainerPath string

	// TTYDPath is the terminal-sharing binary, resolved via PATH when relative.
	TTYDPath string

	// TTYDPort is the fixed port the terminal sharer binds; the reverse proxy
	// forwards /terminal to it.
	TTYDPort int

	// WorkloadImage is the container image the terminal session runs.
	WorkloadImage string

	// WorkloadCredentials are propagated into the credential file, never argv.
	WorkloadCredentials map[string]string

	// OTLPEndpoint enables OTLP export when non-empty.
	OTLPEndpoint string

	// PrometheusEnabled mounts /metrics on the HTTP surface.
	PrometheusEnabled bool
}

func init() {
	viper.SetDefault("port", DefaultPort)
	viper.SetDefault("redis_url", DefaultRedisURL)
	viper.SetDefault("session_timeout_minutes", DefaultSessionTimeoutMinutes)
	viper.SetDefault("max_queue_size", DefaultMaxQueueSize)
	viper.SetDefault("average_session_minutes", DefaultAverageSessionMinutes)
	viper.SetDefault("disconnect_grace_ms", DefaultDisconnectGraceMs)
	viper.SetDefault("audit_retention_days", DefaultAuditRetentionDays)
	viper.SetDefault("session_env_host_path", DefaultEnvHostPath)
	viper.SetDefault("session_env_container_path", DefaultEnvContainerPath)
	viper.SetDefault("ttyd_path", "ttyd")
	viper.SetDefault("ttyd_port", DefaultTTYDPort)
	viper.SetDefault("workload_image", "demo-workload:latest")
	viper.SetDefault("prometheus_enabled", true)

	// Environment variables use the upper-cased key names (PORT, REDIS_URL, ...).
	viper.AutomaticEnv()
}

// Load reads the configuration from viper (flags and environment).
func Load() (*Config, error) {
	cfg := &Config{
		Port:                  viper.GetInt("port"),
		RedisURL:              viper.GetString("redis_url"),
		SessionTimeout:        time.Duration(viper.GetInt("session_timeout_minutes")) * time.Minute,
		MaxQueueSize:          viper.GetInt("max_queue_size"),
		AverageSessionMinutes: viper.GetInt("average_session_minutes"),
		DisconnectGrace:       time.Duration(viper.GetInt("disconnect_grace_ms")) * time.Millisecond,
		AuditRetention:        time.Duration(viper.GetInt("audit_retention_days")) * 24 * time.Hour,
		SessionSecret:         viper.GetString("session_secret"),
		EnvHostPath:           viper.GetString("session_env_host_path"),
		EnvContainerPath:      viper.GetString("session_env_container_path"),
		TTYDPath:              viper.GetString("ttyd_path"),
		TTYDPort:              viper.GetInt("ttyd_port"),
		WorkloadImage:         viper.GetString("workload_image"),
		OTLPEndpoint:          viper.GetString("otel_exporter_otlp_endpoint"),
		PrometheusEnabled:     viper.GetBool("prometheus_enabled"),
	}

	cfg.WorkloadCredentials = workloadCredentials()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// workloadCredentials gathers the secrets delivered to the workload via the
// credential file. Only recognized keys are forwarded.
func workloadCredentials() map[string]string {
	creds := make(map[string]string)
	for _, key := range []string{
		"workload_api_token",
		"workload_api_url",
		"workload_org_id",
	} {
		if v := viper.GetString(key); v != "" {
			creds[key] = v
		}
	}
	return creds
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MaxQueueSize < 1 {
		return fmt.Errorf("max queue size must be at least 1, got %d", c.MaxQueueSize)
	}
	if c.SessionTimeout < 10*time.Minute {
		return fmt.Errorf("session timeout must be at least 10 minutes, got %s", c.SessionTimeout)
	}
	return nil
}
