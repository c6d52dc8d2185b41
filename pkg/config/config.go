// Package config defines the quik-go client configuration and its YAML
// loader. Field names follow the option vocabulary of the quik-lua-rpc
// bridge configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Version is the version of the tool, set at build time.
var Version = "dev"

// Default option values used by New and Load.
const (
	DefaultSocketTimeoutMS            = 100
	DefaultSimultaneousSockets        = 5
	DefaultSocketRetries              = 2
	DefaultHistoryBackfillIntervalSec = 10
	DefaultCacheMinUpdateSec          = 0.2
	DefaultParamsPollIntervalSec      = 0.1
	DefaultParamsDelayTimeoutSec      = 60
	DefaultEventQueueSize             = 1024
	DefaultExchangeTimezone           = "Europe/Moscow"
)

type (
	// Config is the full set of client options. The zero value is not
	// usable, construct it with New or Load to get the defaults filled in.
	Config struct {
		// RPCHost is the request/reply endpoint of the bridge. It is
		// required and must reference the local machine, remote RPC is
		// refused for security reasons.
		RPCHost string `yaml:"rpc_host"`
		// DataHost is an optional alternate endpoint for data-heavy
		// operations (history fetches and parameter polling). When empty,
		// data operations share the RPC socket pool.
		DataHost string `yaml:"data_host"`
		// EventHost is an optional publish/subscribe endpoint. Setting it
		// enables the event pipeline.
		EventHost string `yaml:"event_host"`
		// EventList is an optional allow-list of event names; names are
		// matched lowercased. An empty list passes every event through.
		EventList []string `yaml:"event_list"`
		// SocketTimeoutMS is the per-call receive timeout in milliseconds.
		SocketTimeoutMS int `yaml:"socket_timeout"`
		// SimultaneousSockets is the socket pool size per endpoint.
		SimultaneousSockets int `yaml:"n_simultaneous_sockets"`
		// SocketRetries is the lazy-pirate retry budget per call.
		SocketRetries int `yaml:"socket_retries"`
		// HistoryBackfillIntervalSec is the candle backfill wait budget.
		HistoryBackfillIntervalSec float64 `yaml:"history_backfill_interval_sec"`
		// CacheMinUpdateSec is the minimum history cache refresh interval.
		CacheMinUpdateSec float64 `yaml:"cache_min_update_sec"`
		// ParamsPollIntervalSec is the parameter poll task tick.
		ParamsPollIntervalSec float64 `yaml:"params_poll_interval_sec"`
		// ParamsDelayTimeoutSec is the quote staleness threshold after
		// which ParamsGet reports a connectivity error.
		ParamsDelayTimeoutSec float64 `yaml:"params_delay_timeout_sec"`
		// EventQueueSize bounds the in-process event queue.
		EventQueueSize int `yaml:"event_queue_size"`
		// Verbosity is 0..3, informational, used by the CLI to pick the
		// log level.
		Verbosity int `yaml:"verbosity"`
		// ExchangeTimezone is the IANA name of the exchange's local
		// timezone, used to pin terminal wall-clock values to real time.
		ExchangeTimezone string `yaml:"exchange_timezone"`
		// Auth is the optional socket authentication material.
		Auth AuthConfig `yaml:"auth"`
		// Prometheus enables the metrics endpoint.
		Prometheus BasicService `yaml:"prometheus"`
		// Pprof enables the profiling endpoint.
		Pprof BasicService `yaml:"pprof"`
	}

	// AuthConfig holds socket authentication material. The pure-Go ZeroMQ
	// transport supports the PLAIN mechanism; both fields must be set for
	// authentication to be applied.
	AuthConfig struct {
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	}
)

// New returns a Config with every optional field set to its default. RPCHost
// is left empty and must be filled in by the caller.
func New() Config {
	return Config{
		SocketTimeoutMS:            DefaultSocketTimeoutMS,
		SimultaneousSockets:        DefaultSimultaneousSockets,
		SocketRetries:              DefaultSocketRetries,
		HistoryBackfillIntervalSec: DefaultHistoryBackfillIntervalSec,
		CacheMinUpdateSec:          DefaultCacheMinUpdateSec,
		ParamsPollIntervalSec:      DefaultParamsPollIntervalSec,
		ParamsDelayTimeoutSec:      DefaultParamsDelayTimeoutSec,
		EventQueueSize:             DefaultEventQueueSize,
		ExchangeTimezone:           DefaultExchangeTimezone,
	}
}

// Load reads a YAML config from the given path on top of the defaults and
// validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("unable to read config: %w", err)
	}
	cfg := New()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("unable to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks option consistency. It enforces the localhost-only guard
// on the RPC endpoint.
func (c Config) Validate() error {
	if c.RPCHost == "" {
		return errors.New("rpc_host is required")
	}
	if !IsLocalEndpoint(c.RPCHost) {
		return fmt.Errorf("only localhost is allowed for RPC requests for security reasons, got %q", c.RPCHost)
	}
	if c.SocketTimeoutMS <= 0 {
		return errors.New("socket_timeout must be positive")
	}
	if c.SimultaneousSockets <= 0 {
		return errors.New("n_simultaneous_sockets must be positive")
	}
	if c.SocketRetries <= 0 {
		return errors.New("socket_retries must be positive")
	}
	if c.ParamsPollIntervalSec <= 0 {
		return errors.New("params_poll_interval_sec must be positive")
	}
	if c.EventQueueSize <= 0 {
		return errors.New("event_queue_size must be positive")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// IsLocalEndpoint tells whether the endpoint references the local machine.
func IsLocalEndpoint(endpoint string) bool {
	return strings.Contains(endpoint, "127.0.0.1") || strings.Contains(endpoint, "localhost")
}

// Location resolves the exchange timezone.
func (c Config) Location() (*time.Location, error) {
	name := c.ExchangeTimezone
	if name == "" {
		name = DefaultExchangeTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown exchange_timezone: %w", err)
	}
	return loc, nil
}

// SocketTimeout returns the per-call receive timeout as a duration.
func (c Config) SocketTimeout() time.Duration {
	return time.Duration(c.SocketTimeoutMS) * time.Millisecond
}

// HistoryBackfillInterval returns the backfill wait budget as a duration.
func (c Config) HistoryBackfillInterval() time.Duration {
	return secDuration(c.HistoryBackfillIntervalSec)
}

// CacheMinUpdate returns the minimum history refresh interval as a duration.
func (c Config) CacheMinUpdate() time.Duration {
	return secDuration(c.CacheMinUpdateSec)
}

// ParamsPollInterval returns the poll task tick as a duration.
func (c Config) ParamsPollInterval() time.Duration {
	return secDuration(c.ParamsPollIntervalSec)
}

// ParamsDelayTimeout returns the quote staleness threshold as a duration.
func (c Config) ParamsDelayTimeout() time.Duration {
	return secDuration(c.ParamsDelayTimeoutSec)
}

func secDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}
