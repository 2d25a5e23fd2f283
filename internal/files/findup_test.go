package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "frontend"), 0o755))
	deep := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(deep, 0o755))

	p, err := FindUp("frontend", deep)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "frontend"), p)

	p, err = FindUp("frontend", root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "frontend"), p)

	p, err = FindUp("definitely-not-here-xyz", deep)
	require.NoError(t, err)
	assert.Equal(t, "", p)
}
