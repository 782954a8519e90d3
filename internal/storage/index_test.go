package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadIndexMissing(t *testing.T) {
	idx, err := loadIndex(filepath.Join(t.TempDir(), indexFileName))
	require.NoError(t, err)
	assert.Empty(t, idx)
}

func TestLoadIndexCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), indexFileName)
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0644))

	_, err := loadIndex(path)
	assert.ErrorIs(t, err, ErrCorruptedIndex)
}

func TestIndexSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), indexFileName)

	idx := checksumIndex{
		"sum-a": "obj-1",
		"sum-b": "obj-2",
	}
	require.NoError(t, idx.save(path))

	loaded, err := loadIndex(path)
	require.NoError(t, err)
	assert.Equal(t, idx, loaded)
}

func TestIndexDropObject(t *testing.T) {
	idx := checksumIndex{
		"sum-a": "obj-1",
		"sum-b": "obj-2",
		"sum-c": "obj-1", // two entries can reference one object transiently
	}

	assert.True(t, idx.hasObject("obj-1"))
	assert.True(t, idx.dropObject("obj-1"))
	assert.False(t, idx.hasObject("obj-1"))
	assert.Len(t, idx, 1)

	// Dropping an unknown object changes nothing
	assert.False(t, idx.dropObject("obj-9"))
	assert.Len(t, idx, 1)
}
