package logging

import (
	"os"
	"path/filepath"
)

// DefaultLogDir returns the default log directory (~/.qaserve/logs/).
// Falls back to temp directory if home directory is unavailable.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".qaserve", "logs")
	}
	return filepath.Join(home, ".qaserve", "logs")
}

// DefaultLogPath returns the default server log path.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "server.log")
}
