package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, root, rel string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "a.eml")
	touch(t, root, "nested/deeper/B.EML")
	touch(t, root, "nested/notes.txt")
	touch(t, root, ".trash/old.eml")

	s := NewScanner(root)
	files, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.eml", "nested/deeper/B.EML"}, files)

	n, err := s.CountEMLFiles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, filepath.Join(root, "nested", "deeper", "B.EML"), s.Resolve(files[1]))
}

func TestScan_Errors(t *testing.T) {
	_, err := NewScanner(filepath.Join(t.TempDir(), "missing")).Scan(context.Background())
	assert.Error(t, err)

	root := t.TempDir()
	touch(t, root, "a.eml")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewScanner(root).Scan(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
