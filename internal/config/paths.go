// Package config provides configuration loading and path management.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appDir = "codepilot"

// Paths contains the standard paths for CodePilot data.
type Paths struct {
	Data   string // ~/.local/share/codepilot (audit store)
	Config string // ~/.config/codepilot
	Cache  string // ~/.cache/codepilot
	State  string // ~/.local/state/codepilot (logs)
}

// baseDir is one XDG base directory: the variable that overrides it and the
// fallback below $HOME (or %APPDATA% on Windows).
type baseDir struct {
	env     string
	home    []string
	windows []string
}

var (
	dataHome   = baseDir{env: "XDG_DATA_HOME", home: []string{".local", "share"}}
	configHome = baseDir{env: "XDG_CONFIG_HOME", home: []string{".config"}}
	cacheHome  = baseDir{env: "XDG_CACHE_HOME", home: []string{".cache"}, windows: []string{"cache"}}
	stateHome  = baseDir{env: "XDG_STATE_HOME", home: []string{".local", "state"}}
)

func (b baseDir) path() string {
	if v := os.Getenv(b.env); v != "" {
		return filepath.Join(v, appDir)
	}
	var parts []string
	if runtime.GOOS == "windows" {
		parts = append([]string{os.Getenv("APPDATA")}, b.windows...)
	} else {
		parts = append([]string{os.Getenv("HOME")}, b.home...)
	}
	return filepath.Join(append(parts, appDir)...)
}

// GetPaths resolves the XDG directories from the current environment.
func GetPaths() *Paths {
	return &Paths{
		Data:   dataHome.path(),
		Config: configHome.path(),
		Cache:  cacheHome.path(),
		State:  stateHome.path(),
	}
}

// EnsurePaths creates all required directories.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Data, p.Config, p.Cache, p.State} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// LogPath returns the directory log files are written to.
func (p *Paths) LogPath() string {
	return filepath.Join(p.State, "log")
}

// GlobalConfigPath returns the path of the user-wide config file.
func GlobalConfigPath() string {
	return filepath.Join(GetConfigDir(), "codepilot.json")
}

// ProjectConfigPath returns the path of the per-project config file.
func ProjectConfigPath(directory string) string {
	return filepath.Join(directory, ".codepilot", "codepilot.json")
}
