// Package files holds the whole-file write helper shared by every store that
// persists to the data directory.
package files

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteAtomic replaces path with data: the bytes go to a temp file in the same
// directory which is synced and renamed over the target.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// Writer persists whole files. Stores snapshot their state on the main loop
// and hand the bytes to a Writer, which may complete the write elsewhere.
type Writer interface {
	Write(path string, data []byte) error
}

type WriterFunc func(path string, data []byte) error

func (f WriterFunc) Write(path string, data []byte) error {
	return f(path, data)
}

// Direct writes synchronously with WriteAtomic.
var Direct Writer = WriterFunc(WriteAtomic)
