package reliability

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestDiskSpacePreflightPassesOnRealFilesystem(t *testing.T) {
	// t.TempDir() is always backed by a live filesystem with more than the
	// critical 0.5GB threshold free in any CI/dev environment.
	err := DiskSpacePreflight(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
}

func TestDiskSpacePreflightErrorsOnMissingPath(t *testing.T) {
	err := DiskSpacePreflight("/this/path/does/not/exist/at/all", zerolog.Nop())
	require.Error(t, err)
}
