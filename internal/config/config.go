package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/openmined/cryptosync/internal/utils"
)

const (
	LedgerJSON   = "json"
	LedgerSqlite = "sqlite"

	WatchNotify   = "notify"
	WatchFSNotify = "fsnotify"

	DefaultReconcileInterval = 30 * time.Minute
)

var (
	home, _           = os.UserHomeDir()
	DefaultDataDir    = filepath.Join(home, ".cryptosync")
	DefaultConfigPath = filepath.Join(DefaultDataDir, "config.json")
)

type Config struct {
	SourceDir         string        `json:"source_dir" mapstructure:"source_dir"`
	TargetDir         string        `json:"target_dir" mapstructure:"target_dir"`
	KeyFile           string        `json:"key_file" mapstructure:"key_file"`
	DataDir           string        `json:"data_dir" mapstructure:"data_dir"`
	Verbose           bool          `json:"verbose" mapstructure:"verbose"`
	ReconcileInterval time.Duration `json:"reconcile_interval" mapstructure:"reconcile_interval"`
	LedgerBackend     string        `json:"ledger_backend" mapstructure:"ledger_backend"`
	WatchBackend      string        `json:"watch_backend" mapstructure:"watch_backend"`
	FingerprintCache  int           `json:"fingerprint_cache" mapstructure:"fingerprint_cache"`
	Workers           int           `json:"workers" mapstructure:"workers"`
	Path              string        `json:"-"`
}

// Validate resolves every path to an absolute one, fills in defaults and
// rejects values the engine cannot work with.
func (c *Config) Validate() error {
	var err error

	if c.SourceDir == "" || c.TargetDir == "" || c.KeyFile == "" {
		return errors.New("a source folder, a target folder and a key file are required")
	}

	if c.SourceDir, err = resolveRoot(c.SourceDir); err != nil {
		return fmt.Errorf("source folder: %w", err)
	}
	if c.TargetDir, err = resolveRoot(c.TargetDir); err != nil {
		return fmt.Errorf("target folder: %w", err)
	}
	if utils.IsWithin(c.SourceDir, c.TargetDir) || utils.IsWithin(c.TargetDir, c.SourceDir) {
		return fmt.Errorf("source folder %q and target folder %q must not contain each other", c.SourceDir, c.TargetDir)
	}

	if c.KeyFile, err = utils.ResolvePath(c.KeyFile); err != nil {
		return fmt.Errorf("key file: %w", err)
	}
	if !utils.FileExists(c.KeyFile) {
		return fmt.Errorf("key file %q does not exist", c.KeyFile)
	}

	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.DataDir, err = utils.ResolvePath(c.DataDir); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}

	if c.Path != "" {
		if c.Path, err = utils.ResolvePath(c.Path); err != nil {
			return fmt.Errorf("config path: %w", err)
		}
	}

	switch {
	case c.ReconcileInterval < 0:
		return fmt.Errorf("reconcile interval %s is negative", c.ReconcileInterval)
	case c.ReconcileInterval == 0:
		c.ReconcileInterval = DefaultReconcileInterval
	}

	switch c.LedgerBackend {
	case "":
		c.LedgerBackend = LedgerJSON
	case LedgerJSON, LedgerSqlite:
	default:
		return fmt.Errorf("unknown ledger backend %q", c.LedgerBackend)
	}

	switch c.WatchBackend {
	case "":
		c.WatchBackend = WatchNotify
	case WatchNotify, WatchFSNotify:
	default:
		return fmt.Errorf("unknown watch backend %q", c.WatchBackend)
	}

	if c.FingerprintCache < 0 {
		return fmt.Errorf("fingerprint cache size %d is negative", c.FingerprintCache)
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}

	return nil
}

// resolveRoot makes path absolute. Roots that already exist have their
// symlinks resolved so they match the paths reported by the watchers.
func resolveRoot(path string) (string, error) {
	abs, err := utils.ResolvePath(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Lstat(abs); err != nil {
		return abs, nil
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	return resolved, nil
}

func (c *Config) LedgerDir() string {
	return filepath.Join(c.DataDir, "ledgers")
}

func (c *Config) LogFilePath() string {
	return LogFilePath(c.DataDir)
}

// LogFilePath is where the daemon writes its log for a given data dir.
func LogFilePath(dataDir string) string {
	return filepath.Join(dataDir, "logs", "cryptosync.log")
}
