package config

import (
	"os"
	"path/filepath"
)

const appDir = "pollbus"

// DefaultDataDir picks where the pebble backlog lives when no dataDir is
// configured: $XDG_DATA_HOME, then the per-user application data directory
// of the host OS, then ./data when there is no home directory.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appDir)
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./data"
	}
	switch {
	case isDir(filepath.Join(home, "Library")):
		return filepath.Join(home, "Library", "Application Support", "Pollbus")
	case isDir(filepath.Join(home, "AppData")):
		return filepath.Join(home, "AppData", "Local", "Pollbus")
	}
	return filepath.Join(home, ".local", "share", appDir)
}

// BacklogDir is the pebble directory used by the server.
func (s ServerConfig) BacklogDir() string {
	dir := s.DataDir
	if dir == "" {
		dir = DefaultDataDir()
	}
	return filepath.Join(dir, "backlog")
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
