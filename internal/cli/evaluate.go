package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-supervisor/internal/caps"
)

func init() {
	cmd := &cobra.Command{
		Use:   "evaluate <subject-id>",
		Short: "Evaluate a cap counter for a subject",
		Long: "Classify a counter against its cap and record the outcome in the audit log.\n" +
			"Exceeding the cap raises an advisory halt and writes an alert entry.\n" +
			"Exit status is 3 when the subject is halted or lockdown is active.",
		Args: cobra.ExactArgs(1),
		Run:  runEvaluate,
	}

	cmd.Flags().StringP("kind", "k", string(caps.KindLoop), "Cap kind: loop, delegation, reflection")
	cmd.Flags().IntP("counter", "n", 0, "Current count for the subject")
	cmd.Flags().Int("threshold", 0, "Override the configured limit (0 uses config)")
	cmd.Flags().StringP("agent", "a", "", "Agent id recorded on the alert entry")
	cmd.Flags().String("task", "", "Task id recorded on the alert entry")
	cmd.Flags().String("trace", "", "Memory trace id recorded on the alert entry")

	cmd.MarkFlagRequired("counter")

	RootCmd.AddCommand(cmd)
}

func runEvaluate(cmd *cobra.Command, args []string) {
	kindStr, _ := cmd.Flags().GetString("kind")
	counter, _ := cmd.Flags().GetInt("counter")
	threshold, _ := cmd.Flags().GetInt("threshold")
	agent, _ := cmd.Flags().GetString("agent")
	task, _ := cmd.Flags().GetString("task")
	trace, _ := cmd.Flags().GetString("trace")

	kind, err := caps.ParseKind(kindStr)
	if err != nil {
		exitErr("evaluate", err)
	}

	rt, err := openRuntime()
	if err != nil {
		exitErr("open runtime", err)
	}

	d := rt.coord.Evaluate(cmd.Context(), caps.CapQuery{
		SubjectID:     args[0],
		Kind:          kind,
		Counter:       counter,
		Threshold:     threshold,
		AgentID:       agent,
		TaskID:        task,
		MemoryTraceID: trace,
	})
	rt.Close()

	printOut(d)
	if d.State == caps.StateExceeded || d.State == caps.StateHalted {
		os.Exit(3)
	}
}
