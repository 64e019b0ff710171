package plugin

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings are the kernel-level knobs, distinct from per-plugin
// configuration: they describe where plugins live and how the kernel
// itself behaves. Loaded from an optional quantflow.yaml with
// QUANTFLOW_-prefixed environment overrides.
type Settings struct {
	// PluginDirs are the roots scanned for plugin subdirectories.
	PluginDirs []string `mapstructure:"plugin_dirs" yaml:"plugin_dirs" json:"plugin_dirs"`

	// WatchPlugins enables the fsnotify watcher over PluginDirs.
	WatchPlugins bool `mapstructure:"watch_plugins" yaml:"watch_plugins" json:"watch_plugins"`

	// PollInterval is the resource monitor sampling period.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" json:"poll_interval"`

	// DefaultEnvironment pins the per-plugin config overlay for all
	// loads. Empty defers to QUANTFLOW_ENV, then "development".
	DefaultEnvironment string `mapstructure:"default_environment" yaml:"default_environment" json:"default_environment"`

	// RequireSignature makes the loader refuse unsigned plugin bundles.
	RequireSignature bool   `mapstructure:"require_signature" yaml:"require_signature" json:"require_signature"`
	TrustedKeyFile   string `mapstructure:"trusted_key_file" yaml:"trusted_key_file" json:"trusted_key_file"`

	// SandboxTimeout bounds each plugin hook; zero leaves hooks unbounded.
	SandboxTimeout time.Duration `mapstructure:"sandbox_timeout" yaml:"sandbox_timeout" json:"sandbox_timeout"`
	SandboxWorkers int           `mapstructure:"sandbox_workers" yaml:"sandbox_workers" json:"sandbox_workers"`
}

// DefaultSettings returns the settings used when no file and no
// environment overrides are present.
func DefaultSettings() *Settings {
	return &Settings{
		PluginDirs:         []string{"plugins"},
		WatchPlugins:       false,
		PollInterval:       DefaultPollInterval,
		DefaultEnvironment: "",
		RequireSignature:   false,
		SandboxTimeout:     0,
		SandboxWorkers:     defaultSandboxWorkers,
	}
}

// LoadSettings reads kernel settings from path, or from an optional
// quantflow.yaml in the working directory when path is empty. Environment
// variables prefixed QUANTFLOW_ override file values either way; a
// missing optional file yields the defaults.
func LoadSettings(path string) (*Settings, error) {
	def := DefaultSettings()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("quantflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("QUANTFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults double as the key registry for env overrides.
	v.SetDefault("plugin_dirs", def.PluginDirs)
	v.SetDefault("watch_plugins", def.WatchPlugins)
	v.SetDefault("poll_interval", def.PollInterval)
	v.SetDefault("default_environment", def.DefaultEnvironment)
	v.SetDefault("require_signature", def.RequireSignature)
	v.SetDefault("trusted_key_file", def.TrustedKeyFile)
	v.SetDefault("sandbox_timeout", def.SandboxTimeout)
	v.SetDefault("sandbox_workers", def.SandboxWorkers)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("kernel settings: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("kernel settings: %w", err)
	}
	return &s, nil
}
