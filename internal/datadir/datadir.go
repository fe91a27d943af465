package datadir

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default data directory name under $HOME.
	DefaultDirName = ".relay"

	// EnvVar is the environment variable that overrides the data directory.
	EnvVar = "RELAY_DATA_DIR"

	// subdirectory names inside the data root
	authSubdir = "auth"
	dataSubdir = "data"
	logsSubdir = "logs"
)

// DataDir provides a single source of truth for all data-directory paths.
// Use New to construct an instance, which resolves the root and optionally
// creates the directory tree.
type DataDir struct {
	root string
}

// New returns a DataDir rooted at the resolved data directory.
// It does NOT create subdirectories; call EnsureDirs for that.
//
// Resolution priority:
//  1. RELAY_DATA_DIR environment variable
//  2. configValue argument (from config.json data_dir field)
//  3. ~/.relay/
func New(configValue string) (*DataDir, error) {
	root, err := resolveRoot(configValue)
	if err != nil {
		return nil, err
	}
	return &DataDir{root: root}, nil
}

// Root returns the base data directory path.
func (d *DataDir) Root() string { return d.root }

// AuthDir returns {root}/auth/, home of the OAuth credential file.
func (d *DataDir) AuthDir() string { return filepath.Join(d.root, authSubdir) }

// DataFilesDir returns {root}/data/, home of the quota ledger and usage db.
func (d *DataDir) DataFilesDir() string { return filepath.Join(d.root, dataSubdir) }

// LogsDir returns {root}/logs/.
func (d *DataDir) LogsDir() string { return filepath.Join(d.root, logsSubdir) }

// FilePath returns the full path to a file directly inside the root directory.
func (d *DataDir) FilePath(filename string) string {
	return filepath.Join(d.root, filename)
}

// AuthFilePath returns the full path to a file inside the auth subdirectory.
func (d *DataDir) AuthFilePath(filename string) string {
	return filepath.Join(d.AuthDir(), filename)
}

// DataFilePath returns the full path to a file inside the data subdirectory.
func (d *DataDir) DataFilePath(filename string) string {
	return filepath.Join(d.DataFilesDir(), filename)
}

// EnsureDirs creates the root and all subdirectories with 0700 permissions.
func (d *DataDir) EnsureDirs() error {
	dirs := []string{d.root, d.AuthDir(), d.DataFilesDir(), d.LogsDir()}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// resolveRoot determines the root path without creating it.
func resolveRoot(configValue string) (string, error) {
	dir := os.Getenv(EnvVar)
	if dir == "" {
		dir = configValue
	}
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, DefaultDirName)
	}
	return dir, nil
}
