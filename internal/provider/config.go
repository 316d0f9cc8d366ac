package provider

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config is the typed configuration of one connection. The concrete type
// depends on the provider and is persisted with a "provider" discriminator.
type Config interface {
	Provider() Name
	FeedURL() string
	DisplayName() string
	RefreshInterval() time.Duration
	Validate() error
}

// FeedSettings are the fields every provider configuration carries.
type FeedSettings struct {
	URL          string `json:"feed_url"`
	Name         string `json:"name"`
	IntervalSecs int    `json:"refresh_interval_secs"`
}

func newSettings(url, name string, interval time.Duration) FeedSettings {
	return FeedSettings{URL: url, Name: name, IntervalSecs: int(interval / time.Second)}
}

func (s FeedSettings) FeedURL() string { return s.URL }

func (s FeedSettings) DisplayName() string { return s.Name }

func (s FeedSettings) RefreshInterval() time.Duration {
	return time.Duration(s.IntervalSecs) * time.Second
}

func (s FeedSettings) validate() error {
	if s.URL == "" {
		return fmt.Errorf("%w: feed URL is required", ErrInvalidConfig)
	}
	if s.IntervalSecs <= 0 {
		return fmt.Errorf("%w: refresh interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// ICSConfig configures a generic iCalendar connection.
type ICSConfig struct {
	FeedSettings
}

func (c *ICSConfig) Provider() Name { return ICS }

func (c *ICSConfig) Validate() error { return c.validate() }

func (c *ICSConfig) MarshalJSON() ([]byte, error) {
	type plain ICSConfig
	return json.Marshal(struct {
		Provider Name `json:"provider"`
		*plain
	}{ICS, (*plain)(c)})
}

// CoziConfig configures a Cozi connection.
type CoziConfig struct {
	FeedSettings
	FeedKey string `json:"feed_key,omitempty"`
}

func (c *CoziConfig) Provider() Name { return Cozi }

func (c *CoziConfig) Validate() error {
	if err := c.validate(); err != nil {
		return err
	}
	if !isCoziHost(hostOf(c.URL)) {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, ErrProviderDomain)
	}
	return nil
}

func (c *CoziConfig) MarshalJSON() ([]byte, error) {
	type plain CoziConfig
	return json.Marshal(struct {
		Provider Name `json:"provider"`
		*plain
	}{Cozi, (*plain)(c)})
}

// DecodeConfig reads a persisted configuration into its provider's type.
func DecodeConfig(data []byte) (Config, error) {
	var envelope struct {
		Provider Name `json:"provider"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	var cfg Config
	switch envelope.Provider {
	case ICS:
		cfg = &ICSConfig{}
	case Cozi:
		cfg = &CoziConfig{}
	case "":
		return nil, fmt.Errorf("%w: missing provider", ErrInvalidConfig)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, envelope.Provider)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// EncodeConfig serializes cfg with its provider discriminator.
func EncodeConfig(cfg Config) ([]byte, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	return json.Marshal(cfg)
}
