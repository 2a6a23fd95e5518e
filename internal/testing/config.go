package testing

import (
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fetchrelay/fetchrelay/internal/config"
)

// ValidConfig returns a fully populated, valid config.Config struct.
// The returned config passes all validation checks and can be used as a
// starting point for tests that need to modify specific fields.
//
// The storage root lives in a temp directory cleaned up with the test.
func ValidConfig(t *testing.T) config.Config {
	t.Helper()

	return config.Config{
		Server: config.ServerConfig{
			Listen: "[::]:8460",
		},
		Storage: config.StorageConfig{
			Root:          filepath.Join(t.TempDir(), "sessions"),
			SweepInterval: config.DefaultSweepInterval,
			SessionMaxAge: config.DefaultSessionMaxAge,
		},
		Download: config.DownloadConfig{
			MaxConcurrent:  config.DefaultMaxConcurrent,
			DefaultTimeout: config.DefaultTimeout,
			EventBuffer:    config.DefaultEventBufferLen,
			HistoryLimit:   config.DefaultHistoryLimit,
		},
		Providers: map[string]config.ProviderConfig{
			"ytdlp": {
				Type:     "ytdlp",
				Priority: 10,
				Binary:   config.DefaultYTDLPBinary,
				Timeout:  config.DefaultTimeout,
			},
			"mirrors": {
				Type:      "mirror",
				Priority:  20,
				Timeout:   30 * time.Second,
				Mirrors:   []string{"https://mirror-a.example.com", "https://mirror-b.example.com"},
				Platforms: []string{"youtube", "tiktok"},
			},
		},
	}
}

// ValidConfigMinimal returns a minimal valid config with only required fields.
func ValidConfigMinimal(t *testing.T) config.Config {
	t.Helper()

	return config.Config{
		Server: config.ServerConfig{
			Listen: "[::]:8460",
		},
		Storage: config.StorageConfig{
			Root: filepath.Join(t.TempDir(), "sessions"),
		},
		Download: config.DownloadConfig{
			MaxConcurrent:  config.DefaultMaxConcurrent,
			DefaultTimeout: config.DefaultTimeout,
			HistoryLimit:   config.DefaultHistoryLimit,
		},
		Providers: map[string]config.ProviderConfig{
			"ytdlp": {
				Type: "ytdlp",
			},
		},
	}
}

// ConfigToYAML converts a config.Config struct to a YAML string.
// This is useful for tests that need to load config via the YAML parser.
//
//nolint:musttag // config.Config uses mapstructure tags, yaml.Marshal uses field names
func ConfigToYAML(t *testing.T, cfg config.Config) string {
	t.Helper()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("failed to marshal config to YAML: %v", err)
	}

	return string(data)
}
