package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the bridge process.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	CORS    CORSConfig    `mapstructure:"cors"`
}

type ServerConfig struct {
	Port             int  `mapstructure:"port"`
	StreamingEnabled bool `mapstructure:"streaming_enabled"`
}

// GatewayConfig configures how RpcClients dial and handshake with the
// upstream OpenClaw Gateway.
type GatewayConfig struct {
	WSURL               string        `mapstructure:"ws_url"`
	WSOrigin            string        `mapstructure:"ws_origin"`
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectMaxRetries int           `mapstructure:"reconnect_max_retries"`
	ReconnectDelay      time.Duration `mapstructure:"reconnect_delay"`
	TLSVerify           bool          `mapstructure:"tls_verify"`
	ClientID            string        `mapstructure:"client_id"`
	ClientInstanceID    string        `mapstructure:"client_instance_id"`
	ClientVersion       string        `mapstructure:"client_version"`
}

type CORSConfig struct {
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 3200)
	v.SetDefault("server.streaming_enabled", true)

	v.SetDefault("gateway.ws_origin", "")
	v.SetDefault("gateway.connect_timeout", 10*time.Second)
	v.SetDefault("gateway.request_timeout", 30*time.Second)
	v.SetDefault("gateway.heartbeat_interval", 30*time.Second)
	v.SetDefault("gateway.reconnect_max_retries", 5)
	v.SetDefault("gateway.reconnect_delay", 2*time.Second)
	v.SetDefault("gateway.tls_verify", true)
	v.SetDefault("gateway.client_id", "openclaw-control-ui")
	v.SetDefault("gateway.client_instance_id", "webchat-bff")
	v.SetDefault("gateway.client_version", "1.0.0")

	v.SetDefault("cors.allow_origins", []string{"http://localhost:3000"})

	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	envMap := map[string]string{
		"server.port":                   "API_PORT",
		"server.streaming_enabled":      "STREAMING_ENABLED",
		"gateway.ws_url":                "GATEWAY_WS_URL",
		"gateway.ws_origin":             "GATEWAY_WS_ORIGIN",
		"gateway.reconnect_max_retries": "GATEWAY_RECONNECT_MAX_RETRIES",
		"gateway.tls_verify":            "TLS_VERIFY",
		"gateway.client_id":             "GATEWAY_CLIENT_ID",
		"gateway.client_instance_id":    "GATEWAY_CLIENT_INSTANCE_ID",
		"gateway.client_version":        "GATEWAY_CLIENT_VERSION",
		"cors.allow_origins":            "CORS_ORIGINS",
	}
	for key, env := range envMap {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind env %s: %w", env, err)
		}
	}

	// The *_MS env vars are plain milliseconds, not "30s"-style duration
	// strings, so they are deliberately NOT bound into viper (its duration
	// decode hook would reject a bare number). They are read straight from
	// the environment and converted below; the defaults above stay in effect
	// when a variable is unset.
	msEnv := map[string]string{
		"gateway.connect_timeout":    "GATEWAY_CONNECT_TIMEOUT_MS",
		"gateway.request_timeout":    "GATEWAY_REQUEST_TIMEOUT_MS",
		"gateway.heartbeat_interval": "GATEWAY_HEARTBEAT_INTERVAL_MS",
		"gateway.reconnect_delay":    "GATEWAY_RECONNECT_DELAY_MS",
	}
	msOverrides := make(map[string]time.Duration, len(msEnv))
	for key, env := range msEnv {
		raw, ok := os.LookupEnv(env)
		if !ok || raw == "" {
			continue
		}
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid %s: %q", env, raw)
		}
		msOverrides[key] = time.Duration(ms) * time.Millisecond
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if d, ok := msOverrides["gateway.connect_timeout"]; ok {
		cfg.Gateway.ConnectTimeout = d
	}
	if d, ok := msOverrides["gateway.request_timeout"]; ok {
		cfg.Gateway.RequestTimeout = d
	}
	if d, ok := msOverrides["gateway.heartbeat_interval"]; ok {
		cfg.Gateway.HeartbeatInterval = d
	}
	if d, ok := msOverrides["gateway.reconnect_delay"]; ok {
		cfg.Gateway.ReconnectDelay = d
	}

	if cfg.Gateway.WSURL == "" {
		return nil, fmt.Errorf("GATEWAY_WS_URL is required")
	}

	return &cfg, nil
}
