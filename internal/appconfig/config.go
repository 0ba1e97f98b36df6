// Package appconfig manages persisted application settings and the file
// paths used by the stores.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/mstiles/tunnelpanel/internal/util"
)

// ThemeMode selects the dashboard color scheme. Display-only; nothing in
// the manager core branches on it.
type ThemeMode string

const (
	ThemeDark  ThemeMode = "dark"
	ThemeLight ThemeMode = "light"
)

// Settings holds process-wide configuration persisted to settings.yaml.
type Settings struct {
	// StartupEnabled records whether the panel should be launched on
	// system start. Registering the launcher itself is platform chrome and
	// handled outside the core; the flag is only persisted here.
	StartupEnabled bool `yaml:"startup_enabled"`

	// RememberClientState enables persisting which clients were running so
	// they can be resumed after a restart.
	RememberClientState bool `yaml:"remember_client_state"`

	// LogDir is where the event journal lives. Changing it only affects
	// where new entries are written; existing journals are not moved.
	LogDir string `yaml:"log_dir"`

	ThemeMode ThemeMode `yaml:"theme_mode"`

	// DefaultAddr prefills the address field of the add-client form.
	DefaultAddr string `yaml:"default_addr,omitempty"`

	// RefreshSeconds is the dashboard status poll interval.
	RefreshSeconds int `yaml:"refresh_seconds"`
}

// envOverrides are applied on top of the persisted settings. They let
// tests and containerized runs relocate state without touching files.
type envOverrides struct {
	ConfigDir string `envconfig:"CONFIG_DIR"`
	LogDir    string `envconfig:"LOG_DIR"`
}

// Default returns the default settings. LogDir is left empty here and
// resolved against the config dir at load time.
func Default() Settings {
	return Settings{
		RememberClientState: true,
		ThemeMode:           ThemeDark,
		RefreshSeconds:      util.DefaultRefreshSeconds,
	}
}

// ConfigDir returns the application config directory path.
// TUNNELPANEL_CONFIG_DIR wins, then XDG_CONFIG_HOME, then
// ~/.config/tunnelpanel.
func ConfigDir() (string, error) {
	var env envOverrides
	if err := envconfig.Process("tunnelpanel", &env); err == nil && env.ConfigDir != "" {
		return env.ConfigDir, nil
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "tunnelpanel"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".config", "tunnelpanel"), nil
}

// ClientsFilePath returns the full path to clients.json, the spec store.
func ClientsFilePath() (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "clients.json"), nil
}

// RunningSetFilePath returns the full path to running.json, the
// last-known-running snapshot consumed on startup reconciliation.
func RunningSetFilePath() (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "running.json"), nil
}

// Load reads settings.yaml from the config directory. A missing file is
// not an error: defaults are written out and returned. Env overrides are
// applied last.
func Load() (Settings, error) {
	d, err := ConfigDir()
	if err != nil {
		return Settings{}, err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return Settings{}, err
	}
	path := filepath.Join(d, "settings.yaml")
	s := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return Settings{}, err
		}
		s = applyDefaults(s, d)
		if err := Save(s); err != nil {
			return s, err
		}
		return applyEnv(s), nil
	}
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Settings{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return applyEnv(applyDefaults(s, d)), nil
}

// Save writes settings to settings.yaml. The write completes before Save
// returns; callers may rely on the change surviving a crash.
func Save(s Settings) error {
	d, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return err
	}
	path := filepath.Join(d, "settings.yaml")
	b, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func applyDefaults(s Settings, configDir string) Settings {
	if s.LogDir == "" {
		s.LogDir = filepath.Join(configDir, "logs")
	}
	if s.RefreshSeconds <= 0 {
		s.RefreshSeconds = util.DefaultRefreshSeconds
	}
	if s.ThemeMode != ThemeDark && s.ThemeMode != ThemeLight {
		s.ThemeMode = ThemeDark
	}
	return s
}

func applyEnv(s Settings) Settings {
	var env envOverrides
	if err := envconfig.Process("tunnelpanel", &env); err == nil && env.LogDir != "" {
		s.LogDir = env.LogDir
	}
	return s
}
