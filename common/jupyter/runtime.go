package jupyter

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// EnvJupyterRuntimeDir overrides the runtime directory used for connection
	// file placement.
	EnvJupyterRuntimeDir = "JUPYTER_RUNTIME_DIR"

	// EnvJupyterDataDir overrides the user data directory.
	EnvJupyterDataDir = "JUPYTER_DATA_DIR"

	// EnvJupyterConfigDir overrides the user configuration directory.
	EnvJupyterConfigDir = "JUPYTER_CONFIG_DIR"
)

// DataDir returns the user-level jupyter data directory.
func DataDir() string {
	if dir := os.Getenv(EnvJupyterDataDir); dir != "" {
		return dir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "jupyter")
	}

	return filepath.Join(home, ".local", "share", "jupyter")
}

// ConfigDir returns the user-level jupyter configuration directory.
func ConfigDir() string {
	if dir := os.Getenv(EnvJupyterConfigDir); dir != "" {
		return dir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "jupyter")
	}

	return filepath.Join(home, ".jupyter")
}

// RuntimeDir returns the directory connection files are placed in.
func RuntimeDir() string {
	if dir := os.Getenv(EnvJupyterRuntimeDir); dir != "" {
		return dir
	}

	return filepath.Join(DataDir(), "runtime")
}

// ConnectionFilePath returns the runtime-dir path of the connection file for
// the given kernel id, creating the runtime directory if needed.
func ConnectionFilePath(kernelId string) (string, error) {
	dir := RuntimeDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}

	return filepath.Join(dir, fmt.Sprintf("kernel-%s.json", kernelId)), nil
}
