package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/creasty/defaults"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

type config struct {
	// Suffix appended to the output path when --output is not given
	OutputSuffix string `mapstructure:"output_suffix" default:"_patched"`

	// Renames maps current sonames to their replacements
	Renames map[string]string `mapstructure:"renames"`

	// Libraries to add as dependencies
	AddLibraries []string `mapstructure:"add_libraries"`

	// Object files to graft
	Inserts []string `mapstructure:"inserts"`

	// Parse every member of an archive input instead of the first
	AllMembers bool `mapstructure:"all_members"`
}

func loadConfig(path string) (*config, error) {
	config := &config{}

	if err := defaults.Set(config); err != nil {
		return nil, fmt.Errorf("failed to set config defaults: %w", err)
	}

	if path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config from '%s': %w", path, err)
		}

		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			// Comma-separated insert/library lists are common in hand
			// written configs; fold them into slices
			DecodeHook: mapstructure.StringToSliceHookFunc(","),
			Result:     config,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build config decoder: %w", err)
		}

		if err := decoder.Decode(viper.AllSettings()); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	for from, to := range config.Renames {
		checkRenameVersions(from, to)
	}

	return config, nil
}

// checkRenameVersions compares the version suffixes of two sonames
// when both carry one (libm.so.6 -> "6"). A downgrade is legal but
// almost always a mistake, so it warns.
func checkRenameVersions(from string, to string) {
	fromVer := sonameVersion(from)
	toVer := sonameVersion(to)
	if fromVer == nil || toVer == nil {
		return
	}

	if toVer.LessThan(fromVer) {
		slog.Warn("library rename downgrades the soname version",
			"from", from,
			"to", to,
		)
	}
}

// sonameVersion parses the version trailing ".so." in a soname.
func sonameVersion(soname string) *semver.Version {
	i := strings.Index(soname, ".so.")
	if i < 0 {
		return nil
	}

	v, err := semver.NewVersion(soname[i+len(".so."):])
	if err != nil {
		return nil
	}

	return v
}
