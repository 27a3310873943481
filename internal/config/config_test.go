package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadUsesOverrideDataDir(t *testing.T) {
	tmpDir := t.TempDir()
	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	absPath, err := filepath.Abs(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, absPath, cfg.DataDir)
}

func TestLoadFallsBackToEnvVar(t *testing.T) {
	original := os.Getenv("BACKTENG_DATA_DIR")
	defer func() {
		if original != "" {
			os.Setenv("BACKTENG_DATA_DIR", original)
		} else {
			os.Unsetenv("BACKTENG_DATA_DIR")
		}
	}()

	tmpDir := t.TempDir()
	os.Setenv("BACKTENG_DATA_DIR", tmpDir)

	cfg, err := Load()
	require.NoError(t, err)
	absPath, err := filepath.Abs(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, absPath, cfg.DataDir)
}

func TestValidateRejectsZeroFanout(t *testing.T) {
	cfg := &Config{DataDir: "/tmp", MaxFanout: 0, VendorTimeout: 1}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fanout")
}
