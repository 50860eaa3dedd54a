package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Overrides for the default locations. MEDSYNC_* wins over XDG_*.
const (
	EnvConfigPath = "MEDSYNC_CONFIG_PATH"
	EnvHome       = "MEDSYNC_HOME"
	envXDGConfig  = "XDG_CONFIG_HOME"
	envXDGData    = "XDG_DATA_HOME"
)

// Paths are the on-disk locations used before a config file is read.
type Paths struct {
	ConfigFile string // medsync.toml
	BaseDir    string // ledger, credentials and the default library live here
	LogDir     string
}

// DefaultPaths resolves Paths from the environment:
//
//	config file: $MEDSYNC_CONFIG_PATH, else $XDG_CONFIG_HOME/medsync.toml, else ~/.config/medsync.toml
//	base dir:    $MEDSYNC_HOME, else $XDG_DATA_HOME/medsync, else ~/.local/share/medsync
func DefaultPaths() (Paths, error) {
	configFile, err := resolvePath(EnvConfigPath, envXDGConfig, ".config", "medsync.toml")
	if err != nil {
		return Paths{}, err
	}
	baseDir, err := resolvePath(EnvHome, envXDGData, filepath.Join(".local", "share"), "medsync")
	if err != nil {
		return Paths{}, err
	}
	return Paths{
		ConfigFile: configFile,
		BaseDir:    baseDir,
		LogDir:     filepath.Join(baseDir, "log"),
	}, nil
}

// resolvePath returns $override verbatim, or name under $xdgEnv, or name
// under homeRel in the user's home directory.
func resolvePath(override, xdgEnv, homeRel, name string) (string, error) {
	if p := os.Getenv(override); p != "" {
		return p, nil
	}
	if dir := os.Getenv(xdgEnv); filepath.IsAbs(dir) {
		return filepath.Join(dir, name), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving %s: no home directory: %w", name, err)
	}
	return filepath.Join(home, homeRel, name), nil
}
