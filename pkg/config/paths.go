package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "opustune"

type dirKind struct {
	winEnv      string   // windows env override
	winFallback []string // relative to home when winEnv is unset
	darwin      []string // relative to home
	xdgEnv      string
	xdgFallback string // relative to home when xdgEnv is unset
}

var (
	configKind = dirKind{
		winEnv:      "APPDATA",
		winFallback: []string{"AppData", "Roaming"},
		darwin:      []string{"Library", "Application Support"},
		xdgEnv:      "XDG_CONFIG_HOME",
		xdgFallback: ".config",
	}
	cacheKind = dirKind{
		winEnv:      "LOCALAPPDATA",
		winFallback: []string{"AppData", "Local"},
		darwin:      []string{"Library", "Caches"},
		xdgEnv:      "XDG_CACHE_HOME",
		xdgFallback: ".cache",
	}
)

// userDir resolves relative to the working directory when there is no home.
func userDir(k dirKind) string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	switch runtime.GOOS {
	case "windows":
		if base := os.Getenv(k.winEnv); base != "" {
			return filepath.Join(base, appName)
		}
		return filepath.Join(append(append([]string{home}, k.winFallback...), appName)...)
	case "darwin":
		return filepath.Join(append(append([]string{home}, k.darwin...), appName)...)
	default:
		if base := os.Getenv(k.xdgEnv); base != "" {
			return filepath.Join(base, appName)
		}
		return filepath.Join(home, k.xdgFallback, appName)
	}
}

// windows: C:\Users\{user}\AppData\Roaming\opustune
// macOS: ~/Library/Application Support/opustune
// linux: ~/.config/opustune
func GetConfigDir() string {
	return userDir(configKind)
}

// windows: C:\Users\{user}\AppData\Local\opustune
// macOS: ~/Library/Caches/opustune
// linux: ~/.cache/opustune
func GetCacheDir() string {
	return userDir(cacheKind)
}

func GetDefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.yaml")
}

func GetModelCacheDir() string {
	return filepath.Join(GetCacheDir(), "models")
}
