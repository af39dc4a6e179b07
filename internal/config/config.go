// Package config loads the toll server's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Route configures one paywalled endpoint.
type Route struct {
	Path         string `yaml:"path"`
	Method       string `yaml:"method"`
	Sats         int64  `yaml:"sats"`
	Description  string `yaml:"description"`
	FreeRequests int    `yaml:"free_requests"`
	FreeWindow   string `yaml:"free_window"`
}

// Config represents the server configuration file.
type Config struct {
	Server struct {
		Listen  string `yaml:"listen"`
		LogFile string `yaml:"log_file"`
	} `yaml:"server"`

	Wallet struct {
		// URL is a nostr+walletconnect:// connection string. Overridable
		// via NWC_URL so it can stay out of the file.
		URL        string `yaml:"url"`
		Encryption string `yaml:"encryption"` // nip04 (default) or nip44
	} `yaml:"wallet"`

	Toll struct {
		// Secret signs macaroons. Overridable via TOLL_SECRET.
		Secret         string `yaml:"secret"`
		DefaultSats    int64  `yaml:"default_sats"`
		InvoiceExpiry  string `yaml:"invoice_expiry"`
		MacaroonExpiry string `yaml:"macaroon_expiry"`
	} `yaml:"toll"`

	Redis struct {
		// Addr enables the Redis-backed free-tier ledger when set.
		Addr string `yaml:"addr"`
	} `yaml:"redis"`

	Routes []Route `yaml:"routes"`
}

// ParsedConfig contains parsed time.Duration values for easier use
type ParsedConfig struct {
	Config
	InvoiceExpiry  time.Duration
	MacaroonExpiry time.Duration
	FreeWindows    []time.Duration // parallel to Routes
}

// Load loads configuration from a YAML file and applies environment
// overrides for the secrets.
func Load(filepath string) (*ParsedConfig, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}

	if env := os.Getenv("NWC_URL"); env != "" {
		cfg.Wallet.URL = env
	}
	if env := os.Getenv("TOLL_SECRET"); env != "" {
		cfg.Toll.Secret = env
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}

	parsed := &ParsedConfig{Config: cfg}
	parsed.InvoiceExpiry, err = optionalDuration(cfg.Toll.InvoiceExpiry, "invoice_expiry")
	if err != nil {
		return nil, err
	}
	parsed.MacaroonExpiry, err = optionalDuration(cfg.Toll.MacaroonExpiry, "macaroon_expiry")
	if err != nil {
		return nil, err
	}
	parsed.FreeWindows = make([]time.Duration, len(cfg.Routes))
	for i, rt := range cfg.Routes {
		parsed.FreeWindows[i], err = optionalDuration(rt.FreeWindow, fmt.Sprintf("routes[%d].free_window", i))
		if err != nil {
			return nil, err
		}
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err)
	}
	return parsed, nil
}

func optionalDuration(s, field string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", field, err)
	}
	return d, nil
}

func validate(cfg *Config) error {
	if cfg.Wallet.URL == "" {
		return fmt.Errorf("wallet url is required (wallet.url or NWC_URL)")
	}
	if cfg.Toll.Secret == "" {
		return fmt.Errorf("toll secret is required (toll.secret or TOLL_SECRET)")
	}
	switch cfg.Wallet.Encryption {
	case "", "nip04", "nip44":
	default:
		return fmt.Errorf("wallet encryption must be nip04 or nip44, got %q", cfg.Wallet.Encryption)
	}
	if len(cfg.Routes) == 0 {
		return fmt.Errorf("at least one route is required")
	}
	for i, rt := range cfg.Routes {
		if rt.Path == "" {
			return fmt.Errorf("routes[%d]: path is required", i)
		}
		if rt.Sats < 0 {
			return fmt.Errorf("routes[%d]: sats must be non-negative", i)
		}
	}
	return nil
}
