package cmd

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPopulateArgs_ResolvesToAbsolutePath(t *testing.T) {
	mountPoint, err := populateArgs([]string{"relative/mnt"})
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(mountPoint))
}

func TestPopulateArgs_AlreadyAbsolute(t *testing.T) {
	mountPoint, err := populateArgs([]string{"/mnt/irods"})
	require.NoError(t, err)
	assert.Equal(t, "/mnt/irods", mountPoint)
}
