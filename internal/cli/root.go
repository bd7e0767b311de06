// Package cli implements the agent-supervisor CLI commands.
package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rcliao/agent-supervisor/internal/audit"
	"github.com/rcliao/agent-supervisor/internal/caps"
	"github.com/rcliao/agent-supervisor/internal/config"
	"github.com/rcliao/agent-supervisor/internal/logging"
	"github.com/rcliao/agent-supervisor/internal/store"
)

var (
	dirFlag    string
	configFlag string
	formatFlag string
	verbose    bool

	cfg    *config.Config
	logger = zap.NewNop()
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "agent-supervisor",
	Short: "Persistent agent memory with loop and delegation caps",
	Long: "A small CLI over an insert-only agent memory store and a cap supervisor.\n" +
		"Entries, audit log and lockdown flag live in one data directory.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var cfgErr error
		cfg, cfgErr = config.Load(configPath())
		if dirFlag != "" {
			cfg.Dir = dirFlag
		}

		l, err := logging.New(cfg.Logging, verbose)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		logger = l

		// a bad config still leaves usable defaults
		if cfgErr != nil {
			logger.Warn("configuration problem, using defaults", zap.Error(cfgErr))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&dirFlag, "dir", "d", "", "Data directory (default: $AGENT_SUPERVISOR_DIR or ~/.agent-supervisor)")
	RootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Config file (default: <dir>/config.yaml)")
	RootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "json", "Output format: json or text")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging to stderr")
}

func configPath() string {
	if configFlag != "" {
		return configFlag
	}
	dir := dirFlag
	if dir == "" {
		dir = os.Getenv("AGENT_SUPERVISOR_DIR")
	}
	if dir == "" {
		dir = config.DefaultDir()
	}
	return filepath.Join(dir, config.FileName)
}

func limits() caps.Limits {
	return caps.Limits{
		MaxLoops:            cfg.Caps.MaxLoops,
		MaxDelegationDepth:  cfg.Caps.MaxDelegationDepth,
		MaxReflectionPasses: cfg.Caps.MaxReflectionPasses,
	}
}

func openStore() (*store.SQLiteStore, error) {
	ttl, err := time.ParseDuration(cfg.Store.CacheTTL)
	if err != nil {
		logger.Warn("bad cache_ttl, using 30s", zap.String("cache_ttl", cfg.Store.CacheTTL))
		ttl = 30 * time.Second
	}
	return store.NewSQLiteStore(cfg.Dir,
		store.WithLogger(logger),
		store.WithBusyTimeout(cfg.Store.BusyTimeoutMS),
		store.WithCache(cfg.Store.CacheEntries, cfg.Store.CacheQueries, ttl),
	)
}

// runtime is everything a supervision command needs.
type runtime struct {
	store    *store.SQLiteStore
	audit    *audit.Log
	lockdown *caps.Lockdown
	coord    *caps.Coordinator
}

func openRuntime() (*runtime, error) {
	s, err := openStore()
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	log, err := audit.Open(filepath.Join(cfg.Dir, audit.FileName), logger)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	lock := caps.NewLockdown(cfg.Dir, logger)
	return &runtime{
		store:    s,
		audit:    log,
		lockdown: lock,
		coord:    caps.NewCoordinator(limits(), log, s, caps.WithLogger(logger), caps.WithLockdown(lock)),
	}, nil
}

func (r *runtime) Close() error {
	return errors.Join(r.audit.Close(), r.store.Close())
}

func exitErr(msg string, err error) {
	logger.Debug(msg, zap.Error(err))
	_ = logger.Sync()
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
