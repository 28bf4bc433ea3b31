package config

import (
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
)

// RenderEffective writes the resolved configuration as TOML to w. This powers
// the "config show" command, giving users the effective values after all
// four override layers have been applied. The output is itself a valid
// config file.
func RenderEffective(cfg *Config, path string, w io.Writer) error {
	if _, err := fmt.Fprintf(w, "# Effective configuration (config file: %s)\n\n", path); err != nil {
		return fmt.Errorf("writing config header: %w", err)
	}

	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	return nil
}
