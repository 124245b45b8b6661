package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "TAGTRACE"

// Config is the service configuration assembled from defaults, an optional
// file and TAGTRACE_* environment variables.
type Config struct {
	Server struct {
		Address         string        `mapstructure:"address"`
		Port            string        `mapstructure:"port"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
		File   string `mapstructure:"file"`
	} `mapstructure:"logs"`

	Database struct {
		Driver string `mapstructure:"driver"` // "" (memory) | postgres | sqlite
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Fixtures struct {
		File string `mapstructure:"file"`
	} `mapstructure:"fixtures"`

	Supervisor struct {
		GrantTTL    time.Duration `mapstructure:"grant_ttl"`
		TokenSecret string        `mapstructure:"token_secret"`
		TokenIssuer string        `mapstructure:"token_issuer"`
	} `mapstructure:"supervisor"`

	HTTP struct {
		MaxBodyBytes   int64    `mapstructure:"max_body_bytes"`
		CORSOrigins    []string `mapstructure:"cors_origins"`
		// TrustedProxies lists the addresses or CIDR ranges whose
		// X-Forwarded-For header is believed.
		TrustedProxies []string `mapstructure:"trusted_proxies"`
		RateLimit      struct {
			Burst     int `mapstructure:"burst"`
			PerSecond int `mapstructure:"per_second"`
		} `mapstructure:"rate_limit"`
	} `mapstructure:"http"`
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return c.Server.Address + ":" + c.Server.Port
}

// Load reads configuration. The file is taken from TAGTRACE_CONFIG, or
// config.yaml in the working directory or /etc/tagtrace when present.
func Load() (*Config, error) {
	return load(viper.New(), os.Getenv(envPrefix+"_CONFIG"))
}

func load(v *viper.Viper, file string) (*Config, error) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tagtrace")
	}
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &nf) {
			return nil, fmt.Errorf("config read error: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logs.level", "info")
	v.SetDefault("logs.format", "json")
	v.SetDefault("logs.file", "")

	v.SetDefault("database.driver", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("fixtures.file", "ops/fixtures/demo.toml")

	v.SetDefault("supervisor.grant_ttl", 2*time.Minute)
	v.SetDefault("supervisor.token_secret", "CHANGE_ME")
	v.SetDefault("supervisor.token_issuer", "tagtrace")

	v.SetDefault("http.max_body_bytes", 1<<20)
	v.SetDefault("http.cors_origins", []string{})
	v.SetDefault("http.trusted_proxies", []string{})
	v.SetDefault("http.rate_limit.burst", 10)
	v.SetDefault("http.rate_limit.per_second", 5)
}

// TrustedProxyPrefixes returns http.trusted_proxies as prefixes. A bare
// address becomes a single-host prefix.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.HTTP.TrustedProxies))
	for _, raw := range c.HTTP.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("http.trusted_proxies: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("http.trusted_proxies: %w", err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// MustLoad panics when configuration cannot be loaded.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func validate(c *Config) error {
	if strings.TrimSpace(c.Server.Port) == "" {
		return errors.New("server.port must not be empty")
	}
	switch c.Database.Driver {
	case "":
	case "postgres", "sqlite":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver)
		}
	default:
		return fmt.Errorf("database.driver must be empty, postgres or sqlite, got %q", c.Database.Driver)
	}
	secret := strings.TrimSpace(c.Supervisor.TokenSecret)
	if secret == "" || secret == "CHANGE_ME" {
		return errors.New("supervisor.token_secret must be set (not empty and not CHANGE_ME)")
	}
	if len(secret) < 16 {
		return errors.New("supervisor.token_secret must be at least 16 characters")
	}
	if c.Supervisor.GrantTTL <= 0 {
		return errors.New("supervisor.grant_ttl must be positive")
	}
	if c.HTTP.RateLimit.Burst < 1 || c.HTTP.RateLimit.PerSecond < 1 {
		return errors.New("http.rate_limit burst and per_second must be >= 1")
	}
	if c.HTTP.MaxBodyBytes < 1 {
		return errors.New("http.max_body_bytes must be positive")
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}
	return nil
}
