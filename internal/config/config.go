// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fetchrelay/fetchrelay/internal/platform"
)

// Default configuration values.
const (
	DefaultMaxConcurrent  = 4
	DefaultTimeout        = 10 * time.Minute
	DefaultMirrorTimeout  = 30 * time.Second
	DefaultSweepInterval  = 15 * time.Minute
	DefaultSessionMaxAge  = 24 * time.Hour
	DefaultStorageRoot    = "/data/fetchrelay"
	DefaultListenAddr     = "[::]:8460"
	DefaultYTDLPBinary    = "yt-dlp"
	DefaultEventBufferLen = 100
	DefaultHistoryLimit   = 10000
)

// Config is the application configuration.
type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Storage   StorageConfig             `mapstructure:"storage"`
	Download  DownloadConfig            `mapstructure:"download"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// StorageConfig holds session storage configuration.
type StorageConfig struct {
	Root          string        `mapstructure:"root"`
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
	SessionMaxAge time.Duration `mapstructure:"sessionMaxAge"`
}

// DownloadConfig holds task execution configuration.
type DownloadConfig struct {
	MaxConcurrent  int           `mapstructure:"maxConcurrent"`
	DefaultTimeout time.Duration `mapstructure:"defaultTimeout"`
	EventBuffer    int           `mapstructure:"eventBuffer"`
	HistoryLimit   int           `mapstructure:"historyLimit"`
}

// ProviderConfig holds configuration for one provider instance.
type ProviderConfig struct {
	Type      string        `mapstructure:"type"`
	Priority  int           `mapstructure:"priority"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Binary    string        `mapstructure:"binary"`    // ytdlp only
	Mirrors   []string      `mapstructure:"mirrors"`   // mirror only
	Platforms []string      `mapstructure:"platforms"` // mirror only
}

// LoadOptions configures how configuration is loaded.
type LoadOptions struct {
	// ConfigFile is an explicit config file path. If empty, default locations are searched.
	ConfigFile string
}

// Load reads configuration from file and environment variables.
// If opts.ConfigFile is set, that file is used directly.
// Otherwise, it searches default locations: $HOME, current directory, /config
// for files named .fetchrelay.yaml, fetchrelay.yaml, or config.yaml.
//
// Environment variables with prefix FETCHRELAY_ override config file values.
// For the dynamic providers map, set FETCHRELAY_PROVIDERS to a comma-separated
// list of names to enable env var binding for those entries.
func Load(opts LoadOptions) (Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.AddConfigPath("/config")
		v.SetConfigType("yaml")
		v.SetConfigName(".fetchrelay")
		v.SetConfigName("fetchrelay")
		v.SetConfigName("config")
	}

	// Environment variables
	v.SetEnvPrefix("FETCHRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind env vars for dynamic map keys if specified
	bindProviderEnvVars(v)

	// Set defaults
	v.SetDefault("server.listen", DefaultListenAddr)
	v.SetDefault("storage.root", DefaultStorageRoot)
	v.SetDefault("storage.sweepInterval", DefaultSweepInterval.String())
	v.SetDefault("storage.sessionMaxAge", DefaultSessionMaxAge.String())
	v.SetDefault("download.maxConcurrent", DefaultMaxConcurrent)
	v.SetDefault("download.defaultTimeout", DefaultTimeout.String())
	v.SetDefault("download.eventBuffer", DefaultEventBufferLen)
	v.SetDefault("download.historyLimit", DefaultHistoryLimit)

	// Read config file (ignore error if not found)
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	setProviderDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// setProviderDefaults applies per-provider defaults that can't be set with
// viper.SetDefault because the map keys are dynamic.
func setProviderDefaults(cfg *Config) {
	for name, p := range cfg.Providers {
		if p.Type == "ytdlp" && p.Binary == "" {
			p.Binary = DefaultYTDLPBinary
		}
		if p.Timeout == 0 {
			switch p.Type {
			case "mirror":
				p.Timeout = DefaultMirrorTimeout
			default:
				p.Timeout = cfg.Download.DefaultTimeout
			}
		}
		cfg.Providers[name] = p
	}
}

// Valid provider types.
//
//nolint:gochecknoglobals // validation lookup table
var validProviderTypes = map[string]bool{
	"ytdlp":  true,
	"mirror": true,
}

// Valid platform tags for mirror fleets.
//
//nolint:gochecknoglobals // validation lookup table
var validPlatforms = map[string]bool{
	string(platform.YouTube):   true,
	string(platform.TikTok):    true,
	string(platform.Instagram): true,
	string(platform.Twitter):   true,
	string(platform.Unknown):   true,
}

// validate checks that the configuration is valid.
func validate(cfg *Config) error {
	var errs []error

	for name, p := range cfg.Providers {
		if p.Type == "" {
			errs = append(errs, fmt.Errorf("provider %q: type is required", name))
		} else if !validProviderTypes[p.Type] {
			errs = append(errs, fmt.Errorf("provider %q: unknown type %q", name, p.Type))
		}

		if p.Priority < 0 {
			errs = append(errs, fmt.Errorf("provider %q: priority must not be negative", name))
		}

		if p.Type == "mirror" {
			if len(p.Mirrors) == 0 {
				errs = append(errs, fmt.Errorf("provider %q: at least one mirror is required", name))
			}
			for _, m := range p.Mirrors {
				u, err := url.Parse(m)
				if err != nil || u.Scheme == "" || u.Host == "" {
					errs = append(errs, fmt.Errorf("provider %q: invalid mirror url %q", name, m))
				}
			}
			if len(p.Platforms) == 0 {
				errs = append(errs, fmt.Errorf("provider %q: at least one platform is required", name))
			}
			for _, pl := range p.Platforms {
				if !validPlatforms[pl] {
					errs = append(errs, fmt.Errorf("provider %q: unknown platform %q", name, pl))
				}
			}
		}
	}

	if cfg.Storage.Root == "" {
		errs = append(errs, errors.New("storage.root is required"))
	}
	if cfg.Download.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("download.maxConcurrent must be positive"))
	}
	if cfg.Download.HistoryLimit <= 0 {
		errs = append(errs, errors.New("download.historyLimit must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// providerEnvFields lists all ProviderConfig fields for env var binding.
// This must be kept in sync with the ProviderConfig struct.
// Tests verify this list matches the struct fields.
//
//nolint:gochecknoglobals // env var binding field list
var providerEnvFields = []string{
	"type",
	"priority",
	"timeout",
	"binary",
	"mirrors",
	"platforms",
}

// bindProviderEnvVars reads the FETCHRELAY_PROVIDERS env var to get the list
// of provider names, then binds all provider fields for each name using
// MustBindEnv. This allows viper to discover dynamic map keys from
// environment variables. The list env var is unset after reading to prevent
// viper from treating it as the "providers" config key (which would cause a
// type mismatch).
func bindProviderEnvVars(v *viper.Viper) {
	providersEnv := os.Getenv("FETCHRELAY_PROVIDERS")
	if providersEnv == "" {
		return
	}

	// Unset the list env var so viper doesn't interpret it as providers=string
	_ = os.Unsetenv("FETCHRELAY_PROVIDERS")

	for name := range strings.SplitSeq(providersEnv, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		for _, field := range providerEnvFields {
			key := "providers." + name + "." + field
			v.MustBindEnv(key)
		}
	}
}
