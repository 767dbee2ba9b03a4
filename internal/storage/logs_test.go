package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLog(t *testing.T) {
	base := t.TempDir()
	ls := NewLogStorage(base)

	path, err := ls.SaveLog("run-1", "conda_package", "3-LABELS=--label dev", "script", 2, "uploaded\n")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "run-1", "conda_package", "3-LABELS_--label_dev", "script-02.log"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "uploaded\n", string(data))
	assert.Equal(t, filepath.Join(base, "run-1"), ls.RunDir("run-1"))
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "step", sanitize(".."))
	assert.Equal(t, "a_b", sanitize("a/b"))
	assert.Equal(t, "pip_package", sanitize("pip_package"))
	assert.Equal(t, "step", sanitize("$$$"))
}
