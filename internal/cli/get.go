package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-supervisor/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get <memory-id>",
		Short: "Retrieve a memory entry by id",
		Args:  cobra.ExactArgs(1),
		Run:   runGet,
	}

	RootCmd.AddCommand(cmd)
}

func runGet(cmd *cobra.Command, args []string) {
	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	m, err := s.ReadByID(cmd.Context(), args[0])
	if errors.Is(err, store.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "not found: %s\n", args[0])
		os.Exit(2)
	}
	if err != nil {
		exitErr("get", err)
	}

	printOut(m)
}
