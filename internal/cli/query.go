package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-supervisor/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query memory entries",
		Long:  "Query memory entries. All filters combine with AND; tags must all be present.",
		Run:   runQuery,
	}

	cmd.Flags().StringP("agent", "a", "", "Filter by agent id")
	cmd.Flags().String("type", "", "Filter by entry type")
	cmd.Flags().String("project", "", "Filter by project id")
	cmd.Flags().String("task", "", "Filter by task id")
	cmd.Flags().String("trace", "", "Filter by memory trace id")
	cmd.Flags().String("goal", "", "Filter by goal id (top-level or metadata.goal_id)")
	cmd.Flags().StringP("tags", "t", "", "Required tags (comma-separated)")
	cmd.Flags().String("since", "", "Only entries at or after this time (RFC3339 or age like 24h, 7d)")
	cmd.Flags().IntP("limit", "l", store.DefaultQueryLimit, "Max results")
	cmd.Flags().String("order", string(store.OrderTimestampDesc), "timestamp_desc or timestamp_asc")

	RootCmd.AddCommand(cmd)
}

func runQuery(cmd *cobra.Command, args []string) {
	agent, _ := cmd.Flags().GetString("agent")
	typ, _ := cmd.Flags().GetString("type")
	project, _ := cmd.Flags().GetString("project")
	task, _ := cmd.Flags().GetString("task")
	trace, _ := cmd.Flags().GetString("trace")
	goal, _ := cmd.Flags().GetString("goal")
	tagsStr, _ := cmd.Flags().GetString("tags")
	sinceStr, _ := cmd.Flags().GetString("since")
	limit, _ := cmd.Flags().GetInt("limit")
	order, _ := cmd.Flags().GetString("order")

	since, err := parseSince(sinceStr, time.Now())
	if err != nil {
		exitErr("query", err)
	}
	f := store.Filter{
		AgentID:       agent,
		Type:          typ,
		ProjectID:     project,
		TaskID:        task,
		MemoryTraceID: trace,
		GoalID:        goal,
		Tags:          parseTags(tagsStr),
		Since:         since,
		Limit:         limit,
		Order:         store.Order(order),
	}
	if err := f.Validate(); err != nil {
		exitErr("query", fmt.Errorf("invalid filter: %w", err))
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	entries, err := s.Query(cmd.Context(), f)
	if err != nil {
		exitErr("query", err)
	}

	printOut(entries)
}
