package rag

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoader_RecursiveAndFiltered(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "policy.txt"), "Return policy: 30 days.")
	writeFile(t, filepath.Join(dir, "nested", "faq.MD"), "# FAQ\nShipping is free.")
	writeFile(t, filepath.Join(dir, "nested", "image.png"), "not text")
	writeFile(t, filepath.Join(dir, "blank.txt"), "   \n")

	docs, err := NewLoader([]string{"txt", ".md"}).Load(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, filepath.Join(dir, "nested", "faq.MD"), docs[0].Source)
	assert.Equal(t, "Return policy: 30 days.", docs[1].Text)
	assert.Zero(t, docs[1].Page)
}

func TestLoader_MissingDir(t *testing.T) {
	_, err := NewLoader(nil).Load(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "got %v", err)
}

func TestLoader_NoMatchingFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "notes.csv"), "a,b")

	_, err := NewLoader(nil).Load(context.Background(), dir)
	assert.ErrorIs(t, err, ErrNoDocuments)
}
