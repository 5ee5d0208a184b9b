package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// PlatformConfigDir returns the platform-specific config directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/auralink/
//   - Linux:   ~/.config/auralink/
//   - Windows: %APPDATA%\auralink\
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", "auralink")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "auralink")
		}
		return filepath.Join(homeDir(), "AppData", "Roaming", "auralink")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, "auralink")
		}
		return filepath.Join(homeDir(), ".config", "auralink")
	}
}

// PlatformLogDir returns the platform-specific log directory.
//
// Platform paths:
//   - macOS:   ~/Library/Logs/auralink/
//   - Linux:   ~/.local/state/auralink/
//   - Windows: %LOCALAPPDATA%\auralink\logs\
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Logs", "auralink")
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return filepath.Join(localAppData, "auralink", "logs")
		}
		return filepath.Join(homeDir(), "AppData", "Local", "auralink", "logs")
	default:
		if xdgState := os.Getenv("XDG_STATE_HOME"); xdgState != "" {
			return filepath.Join(xdgState, "auralink")
		}
		return filepath.Join(homeDir(), ".local", "state", "auralink")
	}
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, _ := os.UserHomeDir()
	return home
}

// defaultHelperPath looks for the helper next to the running executable.
func defaultHelperPath() string {
	name := "auralink-helper"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	exe, err := os.Executable()
	if err != nil {
		return name
	}
	return filepath.Join(filepath.Dir(exe), name)
}
