package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig      = "INDEXSYNC_CONFIG"
	EnvEntriesRoot = "INDEXSYNC_ENTRIES_ROOT"
	EnvDB          = "INDEXSYNC_DB"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath  string // INDEXSYNC_CONFIG: override config file path
	EntriesRoot string // INDEXSYNC_ENTRIES_ROOT: entries root override
	DBPath      string // INDEXSYNC_DB: index database override
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:  os.Getenv(EnvConfig),
		EntriesRoot: os.Getenv(EnvEntriesRoot),
		DBPath:      os.Getenv(EnvDB),
	}
}
