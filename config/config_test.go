package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coachpo/feedmux/internal/errs"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feedmux.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
feeds:
  - exchange: binance
    channels: [trades, l2_book]
    symbols: [BTC-USDT]
    depth: 50
    idle_timeout: 90s
  - exchange: bitmex
    channel_symbols:
      trades: [XBT-USD]
      order: []
    credentials:
      key: file-key
      secret: file-secret
redis:
  addr: localhost:6379
  zset_prefix: book
log:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Feeds) != 2 {
		t.Fatalf("feeds = %d", len(cfg.Feeds))
	}
	if cfg.Feeds[0].Depth != 50 || cfg.Feeds[0].IdleTimeout.Std() != 90*time.Second {
		t.Fatalf("feed 0 = %+v", cfg.Feeds[0])
	}
	if cfg.Feeds[1].ChannelSymbols["trades"][0] != "XBT-USD" {
		t.Fatalf("feed 1 = %+v", cfg.Feeds[1])
	}
	if !cfg.Redis.Enabled() || cfg.Redis.ZSetPrefix != "book" {
		t.Fatalf("redis = %+v", cfg.Redis)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log = %+v", cfg.Log)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if errs.KindOf(err) != errs.KindFatalConfig {
		t.Fatalf("err = %v", err)
	}
}

func TestEnvOverridesCredentials(t *testing.T) {
	t.Setenv("FEEDMUX_OKEX_SWAP_API_KEY", "env-key")
	t.Setenv("FEEDMUX_OKEX_SWAP_PASSPHRASE", "env-phrase")
	path := writeConfig(t, `
feeds:
  - exchange: okex-swap
    channels: [order]
    symbols: [BTC-USD]
    private: true
    credentials:
      key: file-key
      secret: file-secret
      passphrase: file-phrase
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	creds := cfg.Feeds[0].Credentials
	if creds.Key != "env-key" || creds.Passphrase != "env-phrase" {
		t.Fatalf("credentials = %+v", creds)
	}
	// Unset variables leave file values alone.
	if creds.Secret != "file-secret" {
		t.Fatalf("secret = %s", creds.Secret)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no feeds", `feeds: []`},
		{"missing exchange", `
feeds:
  - channels: [trades]
    symbols: [BTC-USDT]
`},
		{"no subscription", `
feeds:
  - exchange: binance
`},
		{"channels without symbols", `
feeds:
  - exchange: binance
    channels: [trades]
`},
		{"private without credentials", `
feeds:
  - exchange: binance
    private: true
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if errs.KindOf(err) != errs.KindFatalConfig {
				t.Fatalf("err = %v", err)
			}
		})
	}
}

func TestPrivateFeedNeedsNoChannels(t *testing.T) {
	path := writeConfig(t, `
feeds:
  - exchange: binance
    private: true
    credentials:
      key: k
      secret: s
`)
	if _, err := Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}
}
