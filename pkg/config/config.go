// Package config loads the client configuration from YAML. The wallet key is
// never read from the file; it comes from the PRIVATE_KEY environment
// variable.
package config

import (
	"net/url"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const PrivateKeyEnv = "PRIVATE_KEY"

const (
	DefaultEndpoint       = "wss://clearnet.yellow.com/ws"
	DefaultAppName        = "Test App Mi"
	DefaultScope          = "console"
	DefaultAuthExpiry     = time.Hour
	DefaultRequestTimeout = 10 * time.Second
	DefaultPingInterval   = 10 * time.Second
	DefaultAsset          = "usdc"
	DefaultDBPath         = "rock-off-chain.db"
	DefaultLogLevel       = "info"
)

type LogConfig struct {
	Level string `yaml:"level"`
	// File enables a rotated JSON log file next to console output.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type Config struct {
	Endpoint    string `yaml:"endpoint"`
	AppName     string `yaml:"app_name"`
	Scope       string `yaml:"scope"`
	Application string `yaml:"application"`

	AuthExpiry     time.Duration `yaml:"auth_expiry"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`

	Asset  string `yaml:"asset"`
	DBPath string `yaml:"db_path"`

	// FetchChannelsOnAuth requests get_channels right after authenticating.
	// Unset means true.
	FetchChannelsOnAuth *bool `yaml:"fetch_channels_on_auth"`

	Log LogConfig `yaml:"log"`

	PrivateKey string `yaml:"-"`
}

func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// Load reads path, fills unset fields with defaults and picks up the private
// key from the environment. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrap(err, "open config")
		}
		defer file.Close()

		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil {
			return nil, errors.Wrapf(err, "decode config %s", path)
		}
	}

	cfg.ApplyDefaults()
	cfg.LoadEnv()
	return cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.AppName == "" {
		c.AppName = DefaultAppName
	}
	if c.Scope == "" {
		c.Scope = DefaultScope
	}
	if c.AuthExpiry == 0 {
		c.AuthExpiry = DefaultAuthExpiry
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.Asset == "" {
		c.Asset = DefaultAsset
	}
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath
	}
	if c.FetchChannelsOnAuth == nil {
		fetch := true
		c.FetchChannelsOnAuth = &fetch
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 30
	}
}

func (c *Config) LoadEnv() {
	if key := os.Getenv(PrivateKeyEnv); key != "" {
		c.PrivateKey = key
	}
}

func (c *Config) FetchChannels() bool {
	return c.FetchChannelsOnAuth == nil || *c.FetchChannelsOnAuth
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return errors.Wrap(err, "endpoint")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.Errorf("endpoint %q must use ws:// or wss://", c.Endpoint)
	}
	if u.Host == "" {
		return errors.Errorf("endpoint %q has no host", c.Endpoint)
	}
	if c.AppName == "" {
		return errors.New("app_name must not be empty")
	}

	for name, d := range map[string]time.Duration{
		"auth_expiry":     c.AuthExpiry,
		"request_timeout": c.RequestTimeout,
		"ping_interval":   c.PingInterval,
	} {
		if d <= 0 {
			return errors.Errorf("%s must be positive, got %s", name, d)
		}
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	return nil
}
