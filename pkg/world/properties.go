// Package world owns the on-disk side of a cycle: pointing the level config
// at the next world, and retiring the previous world folder.
package world

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/cbodonnell/worldcycle/pkg/files"
)

const (
	LevelNameKey = "level-name"
	LevelSeedKey = "level-seed"
)

// Name returns the folder name of the world for cycle n.
func Name(base string, n int) string {
	return fmt.Sprintf("%s_%d", base, n)
}

// Contains reports whether world is the named world or one of its
// dimensions (base_3_nether belongs to base_3).
func Contains(name, world string) bool {
	return world == name || strings.HasPrefix(world, name+"_")
}

// ReadProperties parses a key=value level config. Comments and blank lines
// are skipped. A missing file is empty.
func ReadProperties(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	props := map[string]string{}
	scanner := bufio.NewScanner(bytes.NewReader(b))
	for scanner.Scan() {
		key, value, ok := splitProperty(scanner.Text())
		if ok {
			props[key] = value
		}
	}
	return props, scanner.Err()
}

// RewriteProperties sets values in the level config at path, keeping every
// other line and its order. Keys not present yet are appended sorted.
func RewriteProperties(path string, values map[string]string) error {
	b, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	seen := make(map[string]bool, len(values))
	out := &bytes.Buffer{}
	scanner := bufio.NewScanner(bytes.NewReader(b))
	for scanner.Scan() {
		line := scanner.Text()
		if key, _, ok := splitProperty(line); ok {
			if value, replace := values[key]; replace {
				line = key + "=" + value
				seen[key] = true
			}
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan %s: %w", path, err)
	}

	var missing []string
	for key := range values {
		if !seen[key] {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	for _, key := range missing {
		fmt.Fprintf(out, "%s=%s\n", key, values[key])
	}
	return files.WriteAtomic(path, out.Bytes())
}

func splitProperty(line string) (string, string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "!") {
		return "", "", false
	}
	key, value, ok := strings.Cut(trimmed, "=")
	if !ok {
		return "", "", false
	}
	return strings.TrimSpace(key), strings.TrimSpace(value), true
}
