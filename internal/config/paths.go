// Package config loads migloop settings from flags, environment and an
// optional YAML file.
package config

import (
	"os"
	"path/filepath"
)

// Paths holds the directories migloop looks in.
type Paths struct {
	// ConfigDir holds config.yaml.
	// Linux: ~/.config/migloop (or $XDG_CONFIG_HOME/migloop)
	ConfigDir string

	// ConfigFile is the default config file path.
	ConfigFile string
}

// GetPaths returns the per-user paths.
func GetPaths() (*Paths, error) {
	p := &Paths{}
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		p.ConfigDir = filepath.Join(xdgConfig, "migloop")
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		p.ConfigDir = filepath.Join(home, ".config", "migloop")
	}
	p.ConfigFile = filepath.Join(p.ConfigDir, "config.yaml")
	return p, nil
}
