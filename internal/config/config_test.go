package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	tmp, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	keyFile := filepath.Join(tmp, "key")
	require.NoError(t, os.WriteFile(keyFile, []byte("secret"), 0o600))

	return &Config{
		SourceDir: filepath.Join(tmp, "plain"),
		TargetDir: filepath.Join(tmp, "cipher"),
		KeyFile:   keyFile,
		DataDir:   filepath.Join(tmp, "data"),
	}
}

func TestConfig_Validate_NormalizesAndDefaults(t *testing.T) {
	cfg := validConfig(t)

	require.NoError(t, cfg.Validate())
	assert.True(t, filepath.IsAbs(cfg.SourceDir))
	assert.True(t, filepath.IsAbs(cfg.TargetDir))
	assert.Equal(t, DefaultReconcileInterval, cfg.ReconcileInterval)
	assert.Equal(t, LedgerJSON, cfg.LedgerBackend)
	assert.Equal(t, WatchNotify, cfg.WatchBackend)
	assert.Equal(t, runtime.NumCPU(), cfg.Workers)
	assert.Equal(t, filepath.Join(cfg.DataDir, "logs", "cryptosync.log"), cfg.LogFilePath())
	assert.Equal(t, filepath.Join(cfg.DataDir, "ledgers"), cfg.LedgerDir())
}

func TestConfig_Validate_ResolvesRelativeAndSymlinkedRoots(t *testing.T) {
	cfg := validConfig(t)
	base := filepath.Dir(cfg.KeyFile)

	realDir := filepath.Join(base, "real")
	require.NoError(t, os.Mkdir(realDir, 0o755))
	link := filepath.Join(base, "link")
	require.NoError(t, os.Symlink(realDir, link))
	cfg.SourceDir = link

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(base))
	t.Cleanup(func() { os.Chdir(wd) })
	cfg.TargetDir = "cipher"

	require.NoError(t, cfg.Validate())
	assert.Equal(t, realDir, cfg.SourceDir)
	assert.Equal(t, filepath.Join(base, "cipher"), cfg.TargetDir)
}

func TestConfig_Validate_ErrorsOnInvalidInputs(t *testing.T) {
	t.Run("missing roots", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.TargetDir = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("missing key file", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.KeyFile = filepath.Join(cfg.DataDir, "nope")
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "key file")
	})

	t.Run("nested roots", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.TargetDir = filepath.Join(cfg.SourceDir, "enc")
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "must not contain")
	})

	t.Run("same roots", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.TargetDir = cfg.SourceDir
		assert.Error(t, cfg.Validate())
	})

	t.Run("negative interval", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.ReconcileInterval = -1
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad ledger backend", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.LedgerBackend = "redis"
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "ledger backend")
	})

	t.Run("bad watch backend", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.WatchBackend = "inotify"
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "watch backend")
	})

	t.Run("negative cache", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.FingerprintCache = -5
		assert.Error(t, cfg.Validate())
	})
}
