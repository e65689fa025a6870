// Package config loads BrokerConfig from environment variables with an
// optional YAML-file overlay, using a layered-default pattern: every
// recognized option from spec §6 is a field with a documented default
// constant.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults, named after the options table in spec §6.
const (
	DefaultHeartbeatInterval  = 1 * time.Second
	DefaultStaleThreshold     = 30 * time.Second
	DefaultDisconnectThreshold = 60 * time.Second
	DefaultMailboxCapacity    = 100
	DefaultMailboxWarningRatio = 0.9
	DefaultMaxPayloadBytes    = 10 * 1024 * 1024
	DefaultStoreBackend       = "memory"
	DefaultEnableCrossTenant  = false
	DefaultDefaultTenantID    = "default"
	DefaultSessionRetention   = 5 * time.Minute
	DefaultGRPCAddr           = ":50051"
)

// StoreConfig configures the namespaced store backend (C1).
type StoreConfig struct {
	Backend     string `yaml:"store_backend" json:"store_backend"`
	Endpoint    string `yaml:"store_endpoint" json:"store_endpoint"`
	SpillDir    string `yaml:"spill_dir" json:"spill_dir"`
}

// SessionConfig configures the session manager's heartbeat state machine (C3).
type SessionConfig struct {
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	StaleThreshold      time.Duration `yaml:"stale_threshold" json:"stale_threshold"`
	DisconnectThreshold time.Duration `yaml:"disconnect_threshold" json:"disconnect_threshold"`
	MailboxCapacity     int           `yaml:"mailbox_capacity" json:"mailbox_capacity"`
	MailboxWarningRatio float64       `yaml:"mailbox_warning_ratio" json:"mailbox_warning_ratio"`
	SessionRetention    time.Duration `yaml:"session_retention" json:"session_retention"`
}

// RouterConfig configures the message router (C5).
type RouterConfig struct {
	MaxPayloadBytes   int64 `yaml:"max_payload_bytes" json:"max_payload_bytes"`
	EnableCrossTenant bool  `yaml:"enable_cross_tenant" json:"enable_cross_tenant"`
}

// RateLimitConfig configures internal/ratelimit's buckets.
type RateLimitConfig struct {
	SenderPerMinute        int `yaml:"sender_per_minute" json:"sender_per_minute"`
	CrossTenantBurst       int `yaml:"cross_tenant_burst" json:"cross_tenant_burst"`
	CrossTenantPerMinute   int `yaml:"cross_tenant_per_minute" json:"cross_tenant_per_minute"`
}

// GRPCConfig configures the health/admin gRPC listener.
type GRPCConfig struct {
	Addr string `yaml:"grpc_addr" json:"grpc_addr"`
}

// LoggingConfig configures internal/logging.
type LoggingConfig struct {
	Level string `yaml:"log_level" json:"log_level"`
}

// BrokerConfig is the top-level configuration loaded by cmd/brokerd.
type BrokerConfig struct {
	DefaultTenantID string           `yaml:"default_tenant_id" json:"default_tenant_id"`
	Store           StoreConfig      `yaml:"store" json:"store"`
	Session         SessionConfig    `yaml:"session" json:"session"`
	Router          RouterConfig     `yaml:"router" json:"router"`
	RateLimit       RateLimitConfig  `yaml:"rate_limit" json:"rate_limit"`
	GRPC            GRPCConfig       `yaml:"grpc" json:"grpc"`
	Logging         LoggingConfig    `yaml:"logging" json:"logging"`
}

// Default returns a BrokerConfig populated entirely with documented defaults.
func Default() *BrokerConfig {
	return &BrokerConfig{
		DefaultTenantID: DefaultDefaultTenantID,
		Store: StoreConfig{
			Backend: DefaultStoreBackend,
		},
		Session: SessionConfig{
			HeartbeatInterval:   DefaultHeartbeatInterval,
			StaleThreshold:      DefaultStaleThreshold,
			DisconnectThreshold: DefaultDisconnectThreshold,
			MailboxCapacity:     DefaultMailboxCapacity,
			MailboxWarningRatio: DefaultMailboxWarningRatio,
			SessionRetention:    DefaultSessionRetention,
		},
		Router: RouterConfig{
			MaxPayloadBytes:   DefaultMaxPayloadBytes,
			EnableCrossTenant: DefaultEnableCrossTenant,
		},
		RateLimit: RateLimitConfig{
			SenderPerMinute:      600,
			CrossTenantBurst:     20,
			CrossTenantPerMinute: 120,
		},
		GRPC: GRPCConfig{Addr: DefaultGRPCAddr},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load builds a BrokerConfig starting from Default(), applying a YAML file
// at path (if non-empty and present) and then environment variables, in
// that override order: defaults, then file, then env.
func Load(path string) (*BrokerConfig, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *BrokerConfig) {
	if v := os.Getenv("BROKER_DEFAULT_TENANT_ID"); v != "" {
		cfg.DefaultTenantID = v
	}
	if v := os.Getenv("BROKER_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("BROKER_STORE_ENDPOINT"); v != "" {
		cfg.Store.Endpoint = v
	}
	if v := os.Getenv("BROKER_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("BROKER_STALE_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.StaleThreshold = d
		}
	}
	if v := os.Getenv("BROKER_DISCONNECT_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.DisconnectThreshold = d
		}
	}
	if v := os.Getenv("BROKER_MAILBOX_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Session.MailboxCapacity = n
		}
	}
	if v := os.Getenv("BROKER_ENABLE_CROSS_TENANT"); v != "" {
		cfg.Router.EnableCrossTenant = v == "1" || v == "true"
	}
	if v := os.Getenv("BROKER_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
	if v := os.Getenv("BROKER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
