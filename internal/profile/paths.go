package profile

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.spark, or $SPARK_HOME when set.
func BaseDir() string {
	if dir := os.Getenv("SPARK_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".spark")
}

// Dir returns the profile-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// SocketPath returns the UDS socket path for a profile.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// LockPath returns the lock file path for a profile.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// ConfigPath returns the profile's config.toml.
func ConfigPath(name string) string {
	return filepath.Join(Dir(name), "config.toml")
}

// EnvPath returns the profile's optional .env file.
func EnvPath(name string) string {
	return filepath.Join(Dir(name), ".env")
}

// DBPath returns the SQLite database holding the message archive and,
// for the sqlite backend, the persisted queue and sync state.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "spark.db")
}

// BadgerDir returns the directory of the badger key-value backend.
func BadgerDir(name string) string {
	return filepath.Join(Dir(name), "badger")
}

// LogDir returns the log directory for a profile.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "sparkd.log")
}

// GlobalConfigPath returns the global config file path.
func GlobalConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with proper permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
