// Package config loads runtime configuration for witmigrate from a
// yaml config file merged with WITMIGRATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// SourceConfig locates the source tracking system.
type SourceConfig struct {
	BaseURL string
	APIKey  string
	Project string
}

// TargetConfig locates the target tracking system.
type TargetConfig struct {
	Organization string
	Project      string
	PAT          string
}

// Config is the full runtime configuration.
type Config struct {
	Source SourceConfig
	Target TargetConfig

	// MappingFile is the optional yaml field-mapping document. Empty
	// means the compiled-in defaults.
	MappingFile string

	// Workers bounds the collection prefetch fan-out.
	Workers int

	// UserMap maps source user references or display names to target
	// accounts, overriding the source email lookup.
	UserMap map[string]string

	// Telemetry enables OpenTelemetry run metrics.
	Telemetry bool
}

// Load reads configuration. file empty means search witmigrate.yaml in
// the working directory and $HOME/.config/witmigrate, tolerating
// absence (environment-only configuration); a file given explicitly
// must exist.
func Load(file string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WITMIGRATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("workers", 4)
	v.SetDefault("telemetry", false)

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", file, err)
		}
	} else {
		v.SetConfigName("witmigrate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/witmigrate")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	return &Config{
		Source: SourceConfig{
			BaseURL: v.GetString("source.base_url"),
			APIKey:  v.GetString("source.api_key"),
			Project: v.GetString("source.project"),
		},
		Target: TargetConfig{
			Organization: v.GetString("target.organization"),
			Project:      v.GetString("target.project"),
			PAT:          v.GetString("target.pat"),
		},
		MappingFile: v.GetString("mapping_file"),
		Workers:     v.GetInt("workers"),
		UserMap:     v.GetStringMapString("user_map"),
		Telemetry:   v.GetBool("telemetry"),
	}, nil
}

// Validate checks that every key a migration run needs is present,
// with an actionable hint for each missing one.
func (c *Config) Validate() error {
	checks := []struct {
		key   string
		value string
	}{
		{"source.base_url", c.Source.BaseURL},
		{"source.api_key", c.Source.APIKey},
		{"source.project", c.Source.Project},
		{"target.organization", c.Target.Organization},
		{"target.project", c.Target.Project},
		{"target.pat", c.Target.PAT},
	}
	for _, check := range checks {
		if check.value != "" {
			continue
		}
		envKey := "WITMIGRATE_" + strings.ToUpper(strings.ReplaceAll(check.key, ".", "_"))
		return fmt.Errorf("%s not configured\nSet it in witmigrate.yaml\nOr: export %s=VALUE", check.key, envKey)
	}
	return nil
}
