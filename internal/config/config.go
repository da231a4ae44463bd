// internal/config/config.go
package config

import (
	"errors"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	RPCURL          string  `mapstructure:"rpc_url"`
	WebSocketURL    string  `mapstructure:"websocket_url"`
	QuoteURL        string  `mapstructure:"quote_url"`
	SwapURL         string  `mapstructure:"swap_url"`
	MetadataFeedURL string  `mapstructure:"metadata_feed_url"`
	PostgresURL     string  `mapstructure:"postgres_url"`
	MasterSecret    string  `mapstructure:"master_secret"`
	MonitorDelay    int     `mapstructure:"monitor_delay"`   // position tick, ms
	SweepDelay      int     `mapstructure:"sweep_delay"`     // eviction sweep, ms
	RetentionHours  int     `mapstructure:"retention_hours"` // closed-position retention
	ReconnectDelay  int     `mapstructure:"reconnect_delay"` // stream reconnect, ms
	RequestTimeout  int     `mapstructure:"request_timeout"` // external call bound, ms
	Retries         int     `mapstructure:"retries"`         // gateway retry cap
	Workers         int     `mapstructure:"workers"`         // per-tick evaluation parallelism
	EntrySlippage   int     `mapstructure:"entry_slippage"`  // bps
	ExitSlippage    int     `mapstructure:"exit_slippage"`   // bps, wider: exits are urgent
	RateLimitPerMin float64 `mapstructure:"rate_limit_per_min"`
	DebugLogging    bool    `mapstructure:"debug_logging"`
	LogFile         string  `mapstructure:"log_file"`
}

const (
	DefaultMonitorDelay    = 5000
	DefaultSweepDelay      = 60000
	DefaultRetentionHours  = 24
	DefaultReconnectDelay  = 3000
	DefaultRequestTimeout  = 10000
	DefaultRetries         = 3
	DefaultWorkers         = 8
	DefaultEntrySlippage   = 100
	DefaultExitSlippage    = 500
	DefaultRateLimitPerMin = 30
	DefaultQuoteURL        = "https://api.jup.ag/swap/v1/quote"
	DefaultSwapURL         = "https://api.jup.ag/swap/v1/swap"
)

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	defaults := map[string]interface{}{
		"monitor_delay":      DefaultMonitorDelay,
		"sweep_delay":        DefaultSweepDelay,
		"retention_hours":    DefaultRetentionHours,
		"reconnect_delay":    DefaultReconnectDelay,
		"request_timeout":    DefaultRequestTimeout,
		"retries":            DefaultRetries,
		"workers":            DefaultWorkers,
		"entry_slippage":     DefaultEntrySlippage,
		"exit_slippage":      DefaultExitSlippage,
		"rate_limit_per_min": DefaultRateLimitPerMin,
		"quote_url":          DefaultQuoteURL,
		"swap_url":           DefaultSwapURL,
		"log_file":           "logs/engine.log",
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := loadEnvironmentVariables(v, &cfg); err != nil {
		return nil, err
	}

	return &cfg, validateConfig(&cfg)
}

func validateConfig(cfg *Config) error {
	if cfg.MasterSecret == "" {
		return errors.New("missing master_secret in configuration")
	}
	if cfg.RPCURL == "" {
		return errors.New("rpc_url is empty")
	}
	if err := validateURL(cfg.RPCURL, "http"); err != nil {
		return errors.New("invalid RPC URL protocol")
	}
	if cfg.WebSocketURL != "" {
		if err := validateURL(cfg.WebSocketURL, "ws"); err != nil {
			return errors.New("invalid WebSocket URL protocol")
		}
	}
	for _, u := range []string{cfg.QuoteURL, cfg.SwapURL} {
		if err := validateURL(u, "http"); err != nil {
			return errors.New("invalid aggregator URL protocol")
		}
	}
	return validateNumericParams(cfg)
}

func validateNumericParams(cfg *Config) error {
	if cfg.MonitorDelay <= 0 {
		return errors.New("invalid monitor_delay")
	}
	if cfg.SweepDelay <= 0 {
		return errors.New("invalid sweep_delay")
	}
	if cfg.RetentionHours <= 0 {
		return errors.New("invalid retention_hours")
	}
	if cfg.ReconnectDelay <= 0 {
		return errors.New("invalid reconnect_delay")
	}
	if cfg.RequestTimeout <= 0 {
		return errors.New("invalid request_timeout")
	}
	if cfg.Retries < 0 {
		return errors.New("invalid retries count")
	}
	if cfg.Workers <= 0 {
		return errors.New("invalid workers count")
	}
	if cfg.EntrySlippage <= 0 || cfg.ExitSlippage <= 0 {
		return errors.New("invalid slippage")
	}
	if cfg.RateLimitPerMin <= 0 {
		return errors.New("invalid rate_limit_per_min")
	}
	return nil
}

func validateURL(rawURL string, protocol string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid URL format")
	}
	if !strings.HasPrefix(parsed.Scheme, protocol) {
		return errors.New("invalid URL protocol")
	}
	return nil
}

func loadEnvironmentVariables(v *viper.Viper, cfg *Config) error {
	v.AutomaticEnv()
	v.SetEnvPrefix("ROKU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if secret := v.GetString("MASTER_SECRET"); secret != "" {
		cfg.MasterSecret = secret
	}
	if pg := v.GetString("POSTGRES_URL"); pg != "" {
		cfg.PostgresURL = pg
	}
	if rpc := v.GetString("RPC_URL"); rpc != "" {
		cfg.RPCURL = rpc
	}
	return nil
}
