package envresolve

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvFileParsesKeyValueLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("FOO=bar\n# comment\nBAZ=qux\n"), 0o644))

	vars, err := LoadEnvFile(path)
	require.NoError(t, err)
	assert.Equal(t, "bar", vars["FOO"])
	assert.Equal(t, "qux", vars["BAZ"])
}

func TestLoadEnvFileMissingFileFails(t *testing.T) {
	_, err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}
