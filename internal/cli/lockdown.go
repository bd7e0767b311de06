package cli

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-supervisor/internal/caps"
)

func init() {
	cmd := &cobra.Command{
		Use:   "lockdown",
		Short: "Engage, release or inspect the global lockdown",
		Long: "While lockdown is active every cap evaluation returns critical/HALTED.\n" +
			"The flag is a file in the data directory, shared by every process using it.",
	}

	engage := &cobra.Command{
		Use:   "engage",
		Short: "Activate lockdown",
		Run:   runLockdownEngage,
	}
	engage.Flags().StringP("reason", "r", "", "Why lockdown is engaged")

	release := &cobra.Command{
		Use:   "release",
		Short: "Deactivate lockdown",
		Run:   runLockdownRelease,
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show whether lockdown is active",
		Run:   runLockdownStatus,
	}

	watch := &cobra.Command{
		Use:   "watch",
		Short: "Print lockdown changes until interrupted",
		Run:   runLockdownWatch,
	}

	cmd.AddCommand(engage, release, status, watch)
	RootCmd.AddCommand(cmd)
}

func runLockdownEngage(cmd *cobra.Command, args []string) {
	reason, _ := cmd.Flags().GetString("reason")
	l := caps.NewLockdown(cfg.Dir, logger)
	if err := l.Engage(reason); err != nil {
		exitErr("lockdown engage", err)
	}
	printOut(l.Status())
}

func runLockdownRelease(cmd *cobra.Command, args []string) {
	l := caps.NewLockdown(cfg.Dir, logger)
	if err := l.Release(); err != nil {
		exitErr("lockdown release", err)
	}
	printOut(l.Status())
}

func runLockdownStatus(cmd *cobra.Command, args []string) {
	printOut(caps.NewLockdown(cfg.Dir, logger).Status())
}

func runLockdownWatch(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		exitErr("lockdown watch", err)
	}
	l := caps.NewLockdown(cfg.Dir, logger)
	if err := l.Watch(ctx); err != nil {
		exitErr("lockdown watch", err)
	}
	defer l.Stop()

	printOut(l.Status())
	t := time.NewTicker(250 * time.Millisecond)
	defer t.Stop()
	last := l.Active()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if now := l.Active(); now != last {
				last = now
				printOut(l.Status())
			}
		}
	}
}
