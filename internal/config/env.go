package config

import (
	"log/slog"
	"os"
)

// Environment variable names for overrides.
const (
	EnvConfig = "ONEDRIVE_GO_CONFIG"
	EnvDrive  = "ONEDRIVE_GO_DRIVE"
)

// EnvOverrides holds values derived from environment variables.
// These are resolved by ReadEnvOverrides and made available to callers.
type EnvOverrides struct {
	ConfigPath string // ONEDRIVE_GO_CONFIG: override config file path
	Drive      string // ONEDRIVE_GO_DRIVE: drive selector (canonical ID or alias)
}

// CLIOverrides holds values derived from command-line flags. Pointer fields
// distinguish "flag not passed" (nil) from an explicit value, so the
// four-layer override chain only applies a CLI value when the user actually
// set the flag.
type CLIOverrides struct {
	ConfigPath string
	Drive      string
	DryRun     *bool
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; callers apply the relevant fields.
func ReadEnvOverrides(logger *slog.Logger) EnvOverrides {
	overrides := EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Drive:      os.Getenv(EnvDrive),
	}

	logger.Debug("environment overrides read",
		slog.String("config_path", overrides.ConfigPath),
		slog.String("drive", overrides.Drive),
	)

	return overrides
}
