package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-supervisor/internal/caps"
)

func init() {
	cmd := &cobra.Command{
		Use:   "halt <subject-id>",
		Short: "Record an advisory halt for a subject",
		Args:  cobra.ExactArgs(1),
		Run:   runHalt,
	}

	cmd.Flags().StringP("reason", "r", "", "Why the subject is halted (required)")
	cmd.Flags().StringP("kind", "k", string(caps.KindLoop), "Cap kind: loop, delegation, reflection")
	cmd.Flags().StringP("agent", "a", "", "Agent id recorded on the alert entry")
	cmd.Flags().String("task", "", "Task id recorded on the alert entry")
	cmd.Flags().String("trace", "", "Memory trace id recorded on the alert entry")

	cmd.MarkFlagRequired("reason")

	RootCmd.AddCommand(cmd)
}

func runHalt(cmd *cobra.Command, args []string) {
	reason, _ := cmd.Flags().GetString("reason")
	kindStr, _ := cmd.Flags().GetString("kind")
	agent, _ := cmd.Flags().GetString("agent")
	task, _ := cmd.Flags().GetString("task")
	trace, _ := cmd.Flags().GetString("trace")

	kind, err := caps.ParseKind(kindStr)
	if err != nil {
		exitErr("halt", err)
	}

	rt, err := openRuntime()
	if err != nil {
		exitErr("open runtime", err)
	}
	defer rt.Close()

	h, err := rt.coord.Halt(cmd.Context(), caps.HaltRequest{
		SubjectID:     args[0],
		Reason:        reason,
		Kind:          kind,
		AgentID:       agent,
		TaskID:        task,
		MemoryTraceID: trace,
	})
	printOut(h)
	if err != nil {
		// the halt is recorded even when the alert entry is not
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
}
