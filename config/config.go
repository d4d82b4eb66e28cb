// Package config loads the feedmux YAML configuration and validates it
// before any connection is attempted.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/feedmux/internal/errs"
)

// Config is the configuration tree.
type Config struct {
	Feeds     []Feed    `yaml:"feeds"`
	Redis     Redis     `yaml:"redis"`
	Telemetry Telemetry `yaml:"telemetry"`
	Log       Log       `yaml:"log"`
}

// Feed configures one exchange connection. The subscription is either
// channels x symbols or the explicit channel_symbols map; when both are
// present the map wins.
type Feed struct {
	Exchange       string              `yaml:"exchange"`
	Channels       []string            `yaml:"channels"`
	Symbols        []string            `yaml:"symbols"`
	ChannelSymbols map[string][]string `yaml:"channel_symbols"`
	Depth          int                 `yaml:"depth"`
	Private        bool                `yaml:"private"`
	IdleTimeout    Duration            `yaml:"idle_timeout"`
	Credentials    Credentials         `yaml:"credentials"`
	Endpoints      Endpoints           `yaml:"endpoints"`
}

// Duration accepts Go duration strings ("90s", "2m") in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Credentials carries venue API credentials. Values are read from the file,
// then overridden by FEEDMUX_<EXCHANGE>_API_KEY / _API_SECRET / _PASSPHRASE
// so secrets can stay out of the file.
type Credentials struct {
	Key        string `yaml:"key"`
	Secret     string `yaml:"secret"`
	Passphrase string `yaml:"passphrase"`
}

// Endpoints overrides venue endpoints, mainly for tests and proxies.
type Endpoints struct {
	Websocket string `yaml:"websocket"`
	REST      string `yaml:"rest"`
}

// Redis configures the optional Redis sinks and order store.
type Redis struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	ZSetPrefix   string `yaml:"zset_prefix"`
	StreamPrefix string `yaml:"stream_prefix"`
	StreamMaxLen int64  `yaml:"stream_max_len"`
	OrderPrefix  string `yaml:"order_prefix"`
}

// Enabled reports whether a Redis backend is configured.
func (r Redis) Enabled() bool { return r.Addr != "" }

// Telemetry configures the OTLP exporters; an empty endpoint selects the
// no-op providers.
type Telemetry struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Load reads, env-overrides and validates the configuration at path.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errs.New(errs.KindFatalConfig,
			errs.WithMessagef("read config %s", path), errs.WithCause(err))
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errs.New(errs.KindFatalConfig,
			errs.WithMessagef("parse config %s", path), errs.WithCause(err))
	}
	for i := range cfg.Feeds {
		cfg.Feeds[i].applyEnv()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (f *Feed) applyEnv() {
	prefix := "FEEDMUX_" + strings.ToUpper(strings.NewReplacer("-", "_").Replace(f.Exchange))
	if v := os.Getenv(prefix + "_API_KEY"); v != "" {
		f.Credentials.Key = v
	}
	if v := os.Getenv(prefix + "_API_SECRET"); v != "" {
		f.Credentials.Secret = v
	}
	if v := os.Getenv(prefix + "_PASSPHRASE"); v != "" {
		f.Credentials.Passphrase = v
	}
}

// Validate checks the tree for configuration errors.
func (c Config) Validate() error {
	if len(c.Feeds) == 0 {
		return errs.New(errs.KindFatalConfig, errs.WithMessage("no feeds configured"))
	}
	for i, f := range c.Feeds {
		if err := f.validate(); err != nil {
			return fmt.Errorf("feed %d: %w", i, err)
		}
	}
	return nil
}

func (f Feed) validate() error {
	if f.Exchange == "" {
		return errs.New(errs.KindFatalConfig, errs.WithMessage("exchange is required"))
	}
	hasList := len(f.Channels) > 0
	hasMap := len(f.ChannelSymbols) > 0
	if !hasList && !hasMap && !f.Private {
		return errs.New(errs.KindFatalConfig, errs.WithExchange(f.Exchange),
			errs.WithMessage("subscription needs channels or channel_symbols"))
	}
	if hasList && len(f.Symbols) == 0 {
		return errs.New(errs.KindFatalConfig, errs.WithExchange(f.Exchange),
			errs.WithMessage("channels require symbols"))
	}
	if f.Private && f.Credentials.Key == "" {
		return errs.New(errs.KindFatalConfig, errs.WithExchange(f.Exchange),
			errs.WithMessage("private feed requires credentials"))
	}
	return nil
}
