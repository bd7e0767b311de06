package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export memory entries as JSON",
		Long:  "Export every memory entry, oldest first. Filter by agent with -a.",
		Run:   runExport,
	}

	cmd.Flags().StringP("agent", "a", "", "Filter by agent id")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	agent, _ := cmd.Flags().GetString("agent")

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	entries, err := s.ExportAll(cmd.Context(), agent)
	if err != nil {
		exitErr("export", err)
	}

	printOut(entries)
}
