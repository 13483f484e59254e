package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.txt")
	require.NoError(t, WriteAtomic(path, []byte("1")))
	require.NoError(t, WriteAtomic(path, []byte("2")))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "2", string(b))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}
