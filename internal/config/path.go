package config

import (
	"os"
	"path/filepath"
)

const appName = "reactor"

// DefaultDataDir returns where the embedded broker keeps its Pebble files
// when server.data.dir is not set.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./data"
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}
	// macOS
	if isDir(filepath.Join(home, "Library", "Application Support")) {
		return filepath.Join(home, "Library", "Application Support", appName)
	}
	// Windows
	if local := os.Getenv("LOCALAPPDATA"); local != "" {
		return filepath.Join(local, appName)
	}
	return filepath.Join(home, ".local", "share", appName)
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
