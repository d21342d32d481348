package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/cryptosync/internal/config"
	"github.com/openmined/cryptosync/internal/engine"
	"github.com/openmined/cryptosync/internal/utils"
	"github.com/openmined/cryptosync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

var (
	home, _        = os.UserHomeDir()
	configFileName = "config"
	logLevel       = new(slog.LevelVar)
	stdoutHandler  slog.Handler
)

var (
	red   = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green = color.New(color.FgHiGreen).SprintFunc()
	cyan  = color.New(color.FgHiCyan).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:     "cryptosync",
	Short:   "Keep a folder and its encrypted mirror in sync",
	Version: version.Detailed(),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(cmd); err != nil {
			return err
		}
		if viper.GetBool("verbose") {
			logLevel.Set(slog.LevelDebug)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := newConfig()
		if err != nil {
			return err
		}

		// all good now, show header
		cmd.SilenceUsage = true
		showHeader(cfg)

		closeLog, err := openLogFile(cfg.LogFilePath())
		if err != nil {
			return err
		}
		defer closeLog()

		e, err := engine.New(cfg)
		if err != nil {
			return err
		}

		defer slog.Info("Bye!")
		return e.Start(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.PersistentFlags().StringP("watch", "w", "", "Folder with the unencrypted files")
	rootCmd.PersistentFlags().StringP("target", "t", "", "Folder with the encrypted files")
	rootCmd.PersistentFlags().StringP("key", "k", "", "Key file")
	rootCmd.PersistentFlags().StringP("datadir", "d", config.DefaultDataDir, "Directory for ledgers and logs")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Verbose logging")
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "cryptosync config file")
	rootCmd.Flags().Duration("interval", config.DefaultReconcileInterval, "Time between reconcile passes")
	rootCmd.PersistentFlags().String("ledger", config.LedgerJSON, "Ledger backend (json, sqlite)")
	rootCmd.Flags().String("watcher", config.WatchNotify, "Watch backend (notify, fsnotify)")
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
	}

	logLevel.Set(slog.LevelInfo)
	stdoutHandler = tint.NewHandler(os.Stdout, &tint.Options{
		Level:      logLevel,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	slog.SetDefault(slog.New(stdoutHandler))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("cryptosync", "error", err)
		stop()
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		viper.SetConfigFile(cmd.Flag("config").Value.String())
	} else {
		viper.AddConfigPath(filepath.Join(home, ".cryptosync"))
		viper.AddConfigPath(filepath.Join(home, ".config", "cryptosync"))
		viper.SetConfigName(configFileName)
		viper.SetConfigType("json")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	flags := map[string]string{
		"source_dir":         "watch",
		"target_dir":         "target",
		"key_file":           "key",
		"data_dir":           "datadir",
		"verbose":            "verbose",
		"reconcile_interval": "interval",
		"ledger_backend":     "ledger",
		"watch_backend":      "watcher",
	}
	for key, name := range flags {
		if flag := cmd.Flag(name); flag != nil {
			viper.BindPFlag(key, flag)
		}
	}

	viper.SetEnvPrefix("CRYPTOSYNC")
	viper.AutomaticEnv()
	return nil
}

// openLogFile tees the default logger into the log file at path, next to
// stdout. The returned func detaches and closes the file.
func openLogFile(path string) (func() error, error) {
	if err := utils.EnsureParent(path); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	logInterceptor := utils.NewLogInterceptor(file)
	fileHandler := slog.NewTextHandler(logInterceptor, &slog.HandlerOptions{
		Level: logLevel,
		// time is added by the log interceptor
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})

	prev := slog.Default()
	if stdoutHandler != nil {
		slog.SetDefault(slog.New(utils.NewMultiLogHandler(stdoutHandler, fileHandler)))
	} else {
		slog.SetDefault(slog.New(fileHandler))
	}
	slog.Debug("log file", "path", path)

	return func() error {
		slog.SetDefault(prev)
		return multierr.Combine(logInterceptor.Close(), file.Close())
	}, nil
}

func newConfig() (*config.Config, error) {
	cfg := &config.Config{
		Path:              viper.ConfigFileUsed(),
		SourceDir:         viper.GetString("source_dir"),
		TargetDir:         viper.GetString("target_dir"),
		KeyFile:           viper.GetString("key_file"),
		DataDir:           viper.GetString("data_dir"),
		Verbose:           viper.GetBool("verbose"),
		ReconcileInterval: viper.GetDuration("reconcile_interval"),
		LedgerBackend:     viper.GetString("ledger_backend"),
		WatchBackend:      viper.GetString("watch_backend"),
		FingerprintCache:  viper.GetInt("fingerprint_cache"),
		Workers:           viper.GetInt("workers"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func showHeader(cfg *config.Config) {
	color.New(color.FgHiCyan, color.Bold).Println("cryptosync " + version.Short())
	fmt.Printf("%s %s\n", cyan("source (unencrypted):"), cfg.SourceDir)
	fmt.Printf("%s %s\n", cyan("target (encrypted):  "), cfg.TargetDir)
	fmt.Printf("%s %s\n", cyan("key file:            "), cfg.KeyFile)
}
