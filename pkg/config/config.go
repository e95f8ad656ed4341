// Package config loads the engine configuration from YAML, applies
// environment overrides and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/geoquota/pkg/client"
	"github.com/Sternrassler/geoquota/pkg/logging"
	"github.com/Sternrassler/geoquota/pkg/provider"
	"github.com/Sternrassler/geoquota/pkg/signals"
	"github.com/Sternrassler/geoquota/pkg/warming"
)

// Environment overrides.
const (
	EnvRedisAddr = "GEOQUOTA_REDIS_ADDR"
	EnvLogLevel  = "GEOQUOTA_LOG_LEVEL"

	// envAPIKeyFormat carries provider API keys so they stay out of files,
	// e.g. GEOQUOTA_MAPS_API_KEY.
	envAPIKeyFormat = "GEOQUOTA_%s_API_KEY"
)

// Config is the complete engine configuration.
type Config struct {
	UserAgent string `yaml:"user_agent" validate:"required"`
	Timezone  string `yaml:"timezone"`

	Redis   RedisConfig   `yaml:"redis"`
	Signals SignalsConfig `yaml:"signals"`

	Providers map[provider.Provider]ProviderConfig `yaml:"providers" validate:"dive,keys,oneof=maps geocoder router,endkeys"`

	Geocoding GeocodingConfig `yaml:"geocoding"`
	Usage     UsageConfig     `yaml:"usage"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Warming   WarmingConfig   `yaml:"warming"`
	Fallback  FallbackConfig  `yaml:"fallback"`

	Log     logging.Config `yaml:"log"`
	Metrics MetricsConfig  `yaml:"metrics"`
}

// RedisConfig is the connection to the shared store.
type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"required,hostname_port"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Password string `yaml:"password"`
}

// SignalsConfig points at the business signal database. An empty path
// disables the event and pattern strategies.
type SignalsConfig struct {
	Path string `yaml:"path"`
}

// ProviderConfig overrides the built-in limits of a provider and holds its
// connection data. Zero limits keep the defaults.
type ProviderConfig struct {
	DailyLimit     int     `yaml:"daily_limit" validate:"gte=0"`
	HourlyLimit    int     `yaml:"hourly_limit" validate:"gte=0"`
	PerSecondLimit int     `yaml:"per_second_limit" validate:"gte=0"`
	CostPerRequest float64 `yaml:"cost_per_request" validate:"gte=0"`

	BaseURL  string        `yaml:"base_url" validate:"omitempty,url"`
	APIKey   string        `yaml:"api_key"`
	KeyParam string        `yaml:"key_param"`
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`
}

// GeocodingConfig selects the providers of the read-through calls.
type GeocodingConfig struct {
	Provider      provider.Provider `yaml:"provider" validate:"oneof=maps geocoder router"`
	RouteProvider provider.Provider `yaml:"route_provider" validate:"oneof=maps router"`
}

// UsageConfig controls the usage ledger retention sweep.
type UsageConfig struct {
	RetentionDays int `yaml:"retention_days" validate:"gt=0"`
}

// AlertsConfig controls warning de-duplication.
type AlertsConfig struct {
	Cooldown time.Duration `yaml:"cooldown" validate:"gt=0"`
}

// WarmingConfig overrides strategy windows and pacing.
type WarmingConfig struct {
	Eligibility map[warming.Strategy]warming.Window `yaml:"eligibility" validate:"dive,keys,oneof=historical route_segments time_based user_patterns predictive,endkeys"`
	Delays      map[warming.Strategy]time.Duration  `yaml:"delays" validate:"dive,keys,oneof=critical historical route_segments time_based user_patterns predictive manual,endkeys,gte=0"`
}

// FallbackConfig controls the fallback engine.
type FallbackConfig struct {
	SecondaryRouter bool `yaml:"secondary_router"`
}

// MetricsConfig is the listen address of the metrics server.
type MetricsConfig struct {
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		UserAgent: "geoquota/1.0",
		Timezone:  "Local",
		Redis:     RedisConfig{Addr: "localhost:6379"},
		Providers: map[provider.Provider]ProviderConfig{
			provider.Maps:     {BaseURL: "https://maps.googleapis.com", KeyParam: "key"},
			provider.Geocoder: {BaseURL: "https://nominatim.openstreetmap.org"},
			provider.Router:   {BaseURL: "https://api.openrouteservice.org"},
		},
		Geocoding: GeocodingConfig{
			Provider:      provider.Geocoder,
			RouteProvider: provider.Maps,
		},
		Usage:   UsageConfig{RetentionDays: 30},
		Alerts:  AlertsConfig{Cooldown: time.Hour},
		Log:     logging.Config{Level: logging.LevelInfo},
		Metrics: MetricsConfig{Addr: ":9090"},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path loads the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.ApplyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg. Provider sections are merged field by field
// with the values already in cfg.
func Parse(data []byte, cfg *Config) error {
	base := cfg.Providers
	cfg.Providers = nil

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	merged := make(map[provider.Provider]ProviderConfig, len(base))
	for p, pc := range base {
		merged[p] = pc
	}
	for p, pc := range cfg.Providers {
		merged[p] = mergeProvider(merged[p], pc)
	}
	cfg.Providers = merged
	return nil
}

func mergeProvider(base, override ProviderConfig) ProviderConfig {
	if override.DailyLimit > 0 {
		base.DailyLimit = override.DailyLimit
	}
	if override.HourlyLimit > 0 {
		base.HourlyLimit = override.HourlyLimit
	}
	if override.PerSecondLimit > 0 {
		base.PerSecondLimit = override.PerSecondLimit
	}
	if override.CostPerRequest > 0 {
		base.CostPerRequest = override.CostPerRequest
	}
	if override.BaseURL != "" {
		base.BaseURL = override.BaseURL
	}
	if override.APIKey != "" {
		base.APIKey = override.APIKey
	}
	if override.KeyParam != "" {
		base.KeyParam = override.KeyParam
	}
	if override.Timeout > 0 {
		base.Timeout = override.Timeout
	}
	return base
}

// ApplyEnv applies environment overrides read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvRedisAddr); ok && v != "" {
		c.Redis.Addr = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = logging.LogLevel(strings.ToLower(v))
	}
	for _, p := range provider.All {
		v, ok := lookup(fmt.Sprintf(envAPIKeyFormat, strings.ToUpper(string(p))))
		if !ok || v == "" {
			continue
		}
		if c.Providers == nil {
			c.Providers = make(map[provider.Provider]ProviderConfig)
		}
		pc := c.Providers[p]
		pc.APIKey = v
		c.Providers[p] = pc
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the rules that span fields.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	for s, w := range c.Warming.Eligibility {
		if w.FromHour < 0 || w.ToHour > 23 {
			errs = append(errs, fmt.Errorf("warming window %s: hours must be within 0-23", s))
		} else if w.FromHour > w.ToHour {
			errs = append(errs, fmt.Errorf("warming window %s: from_hour %d after to_hour %d", s, w.FromHour, w.ToHour))
		}
	}
	if c.Fallback.SecondaryRouter {
		r := c.Providers[provider.Router]
		if r.BaseURL == "" || r.APIKey == "" {
			errs = append(errs, errors.New("fallback.secondary_router requires providers.router base_url and api_key"))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Location resolves the configured time zone.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// RedisOptions returns the options of the shared store connection.
func (c Config) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:     c.Redis.Addr,
		DB:       c.Redis.DB,
		Password: c.Redis.Password,
	}
}

// Retention is the usage record retention.
func (c Config) Retention() time.Duration {
	return time.Duration(c.Usage.RetentionDays) * 24 * time.Hour
}

// ClientConfig builds the client configuration. store may be nil.
func (c Config) ClientConfig(rdb *redis.Client, store *signals.Store) (client.Config, error) {
	loc, err := c.Location()
	if err != nil {
		return client.Config{}, err
	}

	cc := client.DefaultConfig(rdb, c.UserAgent)
	cc.Location = loc
	cc.GeocodeProvider = c.Geocoding.Provider
	cc.RouteProvider = c.Geocoding.RouteProvider
	cc.SecondaryRouter = c.Fallback.SecondaryRouter
	cc.AlertCooldown = c.Alerts.Cooldown
	cc.Signals = store
	cc.WarmingEligibility = c.Warming.Eligibility
	cc.WarmingDelays = c.Warming.Delays

	cc.Endpoints = make(map[provider.Provider]provider.Endpoint, len(c.Providers))
	cc.Limits = make(map[provider.Provider]provider.Limits, len(c.Providers))
	for p, pc := range c.Providers {
		cc.Endpoints[p] = provider.Endpoint{
			BaseURL:  pc.BaseURL,
			APIKey:   pc.APIKey,
			KeyParam: pc.KeyParam,
			Timeout:  pc.Timeout,
		}
		cc.Limits[p] = provider.Limits{
			DailyLimit:     pc.DailyLimit,
			HourlyLimit:    pc.HourlyLimit,
			PerSecondLimit: pc.PerSecondLimit,
			CostPerRequest: pc.CostPerRequest,
		}
	}
	return cc, nil
}
