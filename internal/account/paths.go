package account

import (
	"os"
	"path/filepath"
	"strings"
)

// BaseDir returns ~/.mailchat.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mailchat")
}

// Dir returns the account-specific directory. The account name is the
// user's email address, sanitized for use as a path component.
func Dir(addr string) string {
	return filepath.Join(BaseDir(), "accounts", sanitize(addr))
}

// DBPath returns the account-owned mailchat.db path.
func DBPath(addr string) string {
	return filepath.Join(Dir(addr), "mailchat.db")
}

// LockPath returns the lock file path for an account.
func LockPath(addr string) string {
	return filepath.Join(Dir(addr), "LOCK")
}

// LogDir returns the log directory for an account.
func LogDir(addr string) string {
	return filepath.Join(Dir(addr), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(addr string) string {
	return filepath.Join(LogDir(addr), "mailchatd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the account directory tree with proper permissions.
func EnsureDir(addr string) error {
	dirs := []string{
		Dir(addr),
		LogDir(addr),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

func sanitize(addr string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_")
	return r.Replace(strings.ToLower(strings.TrimSpace(addr)))
}
