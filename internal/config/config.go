// Package config loads Parley's process configuration from an optional YAML
// file, PARLEY_-prefixed environment variables and built-in defaults, in
// increasing order of precedence: defaults < file < environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// EnvPrefix prefixes every environment override, e.g. PARLEY_PORT.
const EnvPrefix = "PARLEY"

// Transports accepted for the client listener.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// Config is the flat set of keys shared by every tier. Each binary reads
// the keys it needs.
type Config struct {
	Name         string `mapstructure:"name"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	RPCPort      int    `mapstructure:"rpcPort"`
	BalancerAddr string `mapstructure:"balancerAddr"`
	ResourceAddr string `mapstructure:"resourceAddr"`
	Transport    string `mapstructure:"transport"`
	LogLevel     string `mapstructure:"logLevel"`

	HeartbeatIntervalMs int `mapstructure:"heartbeatIntervalMs"`
	SessionTimeoutMs    int `mapstructure:"sessionTimeoutMs"`
	PoolCapacity        int `mapstructure:"poolCapacity"`
	PoolWaitMs          int `mapstructure:"poolWaitMs"`
	CallDeadlineMs      int `mapstructure:"callDeadlineMs"`

	InboundRate  float64 `mapstructure:"inboundRate"`
	InboundBurst int     `mapstructure:"inboundBurst"`

	RegistryProbeIntervalMs int `mapstructure:"registryProbeIntervalMs"`
	MaxProbeFailures        int `mapstructure:"maxProbeFailures"`
	AssignmentCacheSize     int `mapstructure:"assignmentCacheSize"`
	BcryptCost              int `mapstructure:"bcryptCost"`
}

var defaults = map[string]any{
	"name":                    "",
	"host":                    "127.0.0.1",
	"port":                    7000,
	"rpcPort":                 8000,
	"balancerAddr":            "127.0.0.1:9000",
	"resourceAddr":            "",
	"transport":               TransportTCP,
	"logLevel":                "info",
	"heartbeatIntervalMs":     5000,
	"sessionTimeoutMs":        15000,
	"poolCapacity":            8,
	"poolWaitMs":              2000,
	"callDeadlineMs":          3000,
	"inboundRate":             50.0,
	"inboundBurst":            100,
	"registryProbeIntervalMs": 5000,
	"maxProbeFailures":        3,
	"assignmentCacheSize":     10000,
	"bcryptCost":              10,
}

// New returns a viper instance with defaults and environment bindings but
// no file. Callers may layer flags on top before calling Decode.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return Decode(v)
}

// Decode unmarshals and validates v.
func Decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Validate rejects values no tier can run with.
func (c *Config) Validate() error {
	var err error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			err = multierr.Append(err, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}
	check(c.Port > 0 && c.Port <= 65535, "port %d out of range", c.Port)
	check(c.RPCPort > 0 && c.RPCPort <= 65535, "rpcPort %d out of range", c.RPCPort)
	check(c.HeartbeatIntervalMs > 0, "heartbeatIntervalMs must be positive")
	check(c.SessionTimeoutMs > c.HeartbeatIntervalMs, "sessionTimeoutMs (%d) must exceed heartbeatIntervalMs (%d)",
		c.SessionTimeoutMs, c.HeartbeatIntervalMs)
	check(c.PoolCapacity >= 1, "poolCapacity must be at least 1")
	check(c.PoolWaitMs >= 0, "poolWaitMs must not be negative")
	check(c.CallDeadlineMs > 0, "callDeadlineMs must be positive")
	check(c.InboundRate >= 0, "inboundRate must not be negative")
	check(c.RegistryProbeIntervalMs > 0, "registryProbeIntervalMs must be positive")
	check(c.MaxProbeFailures >= 1, "maxProbeFailures must be at least 1")
	check(c.AssignmentCacheSize >= 1, "assignmentCacheSize must be at least 1")
	check(c.Transport == TransportTCP || c.Transport == TransportWebSocket,
		"transport %q must be %q or %q", c.Transport, TransportTCP, TransportWebSocket)
	return err
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c *Config) HeartbeatInterval() time.Duration     { return ms(c.HeartbeatIntervalMs) }
func (c *Config) SessionTimeout() time.Duration        { return ms(c.SessionTimeoutMs) }
func (c *Config) PoolWait() time.Duration              { return ms(c.PoolWaitMs) }
func (c *Config) CallDeadline() time.Duration          { return ms(c.CallDeadlineMs) }
func (c *Config) RegistryProbeInterval() time.Duration { return ms(c.RegistryProbeIntervalMs) }
