package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/agent-supervisor/internal/caps"
	"github.com/rcliao/agent-supervisor/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show supervisor status and recent audit events",
		Run:   runStatus,
	}

	cmd.Flags().IntP("recent", "r", 10, "Number of recent audit events to include")
	cmd.Flags().StringP("subject", "s", "", "Only include events for this subject")

	RootCmd.AddCommand(cmd)
}

type statusReport struct {
	Dir    string                   `json:"dir"`
	Caps   caps.Status              `json:"caps"`
	Recent []model.SupervisionEvent `json:"recent"`
}

func runStatus(cmd *cobra.Command, args []string) {
	recent, _ := cmd.Flags().GetInt("recent")
	subject, _ := cmd.Flags().GetString("subject")

	rt, err := openRuntime()
	if err != nil {
		exitErr("open runtime", err)
	}
	defer rt.Close()

	events, err := rt.audit.Recent(recent, subject)
	if err != nil {
		exitErr("status", err)
	}

	printOut(statusReport{
		Dir:    cfg.Dir,
		Caps:   rt.coord.Status(),
		Recent: events,
	})
}
