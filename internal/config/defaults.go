package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// PlatformDataDir returns the platform-specific data directory under the
// user's home. Environment overrides such as XDG_DATA_HOME are not consulted.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/ctxt/
//   - Linux:   ~/.local/share/ctxt/
//   - Windows: ~\AppData\Roaming\ctxt\
func PlatformDataDir() string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "ctxt")
	case "windows":
		return filepath.Join(home, "AppData", "Roaming", "ctxt")
	default:
		return filepath.Join(home, ".local", "share", "ctxt")
	}
}

// PlatformConfigDir returns the platform-specific config directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/ctxt/
//   - Linux:   ~/.config/ctxt/
//   - Windows: ~\AppData\Roaming\ctxt\
func PlatformConfigDir() string {
	if runtime.GOOS == "darwin" || runtime.GOOS == "windows" {
		return PlatformDataDir()
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "ctxt")
}

// SupportedFormats lists the config file extensions Load understands.
func SupportedFormats() []string {
	return []string{"toml", "yaml", "yml", "json"}
}

// FindConfigFile returns the first config file found in the current
// directory or the config directory, or "" when there is none.
func FindConfigFile() string {
	for _, dir := range []string{".", PlatformConfigDir()} {
		for _, ext := range SupportedFormats() {
			path := filepath.Join(dir, "ctxtd."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
