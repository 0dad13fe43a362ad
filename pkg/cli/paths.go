package cli

import (
	"os"
	"path/filepath"
)

// Paths locates the data kept next to a config file.
type Paths struct {
	// Dir is the directory of the config file.
	Dir string
}

// PathsFor returns the data paths of cfg.
func PathsFor(cfg *Config) Paths {
	return Paths{Dir: cfg.Dir()}
}

// DataDir is <dir>/data.
func (p Paths) DataDir() string {
	return filepath.Join(p.Dir, "data")
}

// IdentityDir holds the key store shared by every context.
func (p Paths) IdentityDir() string {
	return filepath.Join(p.DataDir(), "identity")
}

// EventLogDir holds the event history of one context.
func (p Paths) EventLogDir(context string) string {
	return filepath.Join(p.DataDir(), "events", context)
}

// EnsureDir creates dir if needed and returns it.
func EnsureDir(dir string) (string, error) {
	return dir, os.MkdirAll(dir, 0700)
}
