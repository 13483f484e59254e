package world

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cbodonnell/worldcycle/pkg/files"
	"github.com/klauspost/compress/zstd"
)

// LevelFile is the per-world metadata file kept when a world is retired.
const LevelFile = "level.dat"

// Archiver keeps a zstd copy of a retired world's level file.
type Archiver struct {
	dir string
}

func NewArchiver(dir string) *Archiver {
	return &Archiver{dir: dir}
}

// Path returns where the archive of world is written.
func (a *Archiver) Path(world string) string {
	return filepath.Join(a.dir, world+"-"+LevelFile+".zst")
}

// Archive compresses worldDir's level file. A world without one is skipped.
func (a *Archiver) Archive(world, worldDir string) error {
	b, err := os.ReadFile(filepath.Join(worldDir, LevelFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read level file of %s: %v", world, err)
	}

	compressed := bytes.NewBuffer(nil)
	compWriter, err := zstd.NewWriter(compressed, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %v", err)
	}
	if _, err := compWriter.Write(b); err != nil {
		return fmt.Errorf("failed to compress level file: %v", err)
	}
	if err := compWriter.Close(); err != nil {
		return fmt.Errorf("failed to close zstd writer: %v", err)
	}
	return files.WriteAtomic(a.Path(world), compressed.Bytes())
}

// Restore returns the decompressed level file archived for world.
func (a *Archiver) Restore(world string) ([]byte, error) {
	data, err := os.ReadFile(a.Path(world))
	if err != nil {
		return nil, err
	}
	compReader, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %v", err)
	}
	defer compReader.Close()
	b, err := io.ReadAll(compReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read decompressed level file: %v", err)
	}
	return b, nil
}
