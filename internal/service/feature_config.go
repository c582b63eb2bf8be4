package service

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// OrgConfig holds organization-wide scheduling settings.
type OrgConfig struct {
	// Timezone is a named zone (e.g. "America/Recife"); instants composed
	// from local date+time fields use it, so DST transitions are handled.
	Timezone            string `toml:"timezone"`
	MinJustificationLen int    `toml:"min_justification_len"`
}

// EventsConfig holds settings for the reservation event publisher.
type EventsConfig struct {
	Exchange string `toml:"exchange"`
}

// FeatureConfig holds user-facing feature configurations.
// These are non-sensitive settings that customize application behavior
// and integrations. Users can modify these without redeployment.
// Source: TOML configuration file
type FeatureConfig struct {
	Org    OrgConfig    `toml:"org"`
	Events EventsConfig `toml:"events"`
}

const (
	defaultTimezone            = "America/Recife"
	defaultMinJustificationLen = 10
	defaultEventsExchange      = "reservalab.events"
)

// LoadFeatureConfig loads feature configuration from a TOML file.
func LoadFeatureConfig(path string) (*FeatureConfig, error) {
	var cfg FeatureConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load feature config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// DefaultFeatureConfig returns the configuration used when no file is
// present.
func DefaultFeatureConfig() *FeatureConfig {
	cfg := &FeatureConfig{}
	cfg.applyDefaults()
	return cfg
}

func (c *FeatureConfig) applyDefaults() {
	if c.Org.Timezone == "" {
		c.Org.Timezone = defaultTimezone
	}
	if c.Org.MinJustificationLen <= 0 {
		c.Org.MinJustificationLen = defaultMinJustificationLen
	}
	if c.Events.Exchange == "" {
		c.Events.Exchange = defaultEventsExchange
	}
}

// Location resolves the configured organizational timezone.
func (c *OrgConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid org timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
