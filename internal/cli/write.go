package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-supervisor/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "write [content]",
		Short: "Store a memory entry",
		Long:  "Store a memory entry. Content can be a positional arg or piped via stdin.",
		Run:   runWrite,
	}

	cmd.Flags().StringP("agent", "a", "", "Agent id (required)")
	cmd.Flags().String("type", "", "Entry type, e.g. observation, plan, alert (required)")
	cmd.Flags().StringP("tags", "t", "", "Comma-separated tags")
	cmd.Flags().String("project", "", "Project id")
	cmd.Flags().String("status", "", "Status")
	cmd.Flags().String("task-type", "", "Task type")
	cmd.Flags().String("task", "", "Task id")
	cmd.Flags().String("trace", "", "Memory trace id")
	cmd.Flags().String("goal", "", "Goal id")
	cmd.Flags().String("tone", "", "Agent tone as a JSON object")
	cmd.Flags().String("meta", "", "Metadata as a JSON object")

	cmd.MarkFlagRequired("agent")
	cmd.MarkFlagRequired("type")

	RootCmd.AddCommand(cmd)
}

func runWrite(cmd *cobra.Command, args []string) {
	agent, _ := cmd.Flags().GetString("agent")
	typ, _ := cmd.Flags().GetString("type")
	tagsStr, _ := cmd.Flags().GetString("tags")
	project, _ := cmd.Flags().GetString("project")
	status, _ := cmd.Flags().GetString("status")
	taskType, _ := cmd.Flags().GetString("task-type")
	task, _ := cmd.Flags().GetString("task")
	trace, _ := cmd.Flags().GetString("trace")
	goal, _ := cmd.Flags().GetString("goal")
	toneStr, _ := cmd.Flags().GetString("tone")
	metaStr, _ := cmd.Flags().GetString("meta")

	content, err := readContent(args, os.Stdin)
	if err != nil {
		exitErr("write", err)
	}
	if strings.TrimSpace(content) == "" {
		exitErr("write", fmt.Errorf("content is required (positional arg or stdin)"))
	}
	tone, err := parseJSONMap("tone", toneStr)
	if err != nil {
		exitErr("write", err)
	}
	meta, err := parseJSONMap("meta", metaStr)
	if err != nil {
		exitErr("write", err)
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	m, err := s.Write(cmd.Context(), store.WriteParams{
		AgentID:       agent,
		Type:          typ,
		Content:       strings.TrimSpace(content),
		Tags:          parseTags(tagsStr),
		ProjectID:     project,
		Status:        status,
		TaskType:      taskType,
		TaskID:        task,
		MemoryTraceID: trace,
		GoalID:        goal,
		AgentTone:     tone,
		Metadata:      meta,
	})
	if err != nil {
		exitErr("write", err)
	}

	printOut(m)
}
