package fs

import (
	"io"
	"os"
	"path/filepath"
)

// File is an open journal file.
type File interface {
	io.WriteCloser
	Sync() error
}

// FileSystem creates and removes journal files.
type FileSystem interface {
	// Create truncates or creates name along with any missing parent
	// directories.
	Create(name string) (File, error)
	Remove(name string) error
}

// Default writes to the local disk.
var Default FileSystem = osFS{}

type osFS struct{}

func (osFS) Create(name string) (File, error) {
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return nil, err
	}
	return os.Create(name)
}

func (osFS) Remove(name string) error { return os.Remove(name) }
