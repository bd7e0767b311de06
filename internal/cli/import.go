package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-supervisor/internal/model"
	"github.com/rcliao/agent-supervisor/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import memory entries from JSON",
		Long: "Import memory entries from JSON on stdin, in the format produced by export.\n" +
			"Entries are written as new records; ids and timestamps are reassigned.",
		Run: runImport,
	}

	RootCmd.AddCommand(cmd)
}

func runImport(cmd *cobra.Command, args []string) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		exitErr("read stdin", err)
	}

	var entries []model.MemoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		exitErr("parse json", err)
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	imported := 0
	for _, e := range entries {
		if _, err := s.Write(cmd.Context(), importParams(e)); err != nil {
			exitErr(fmt.Sprintf("import entry %s", e.MemoryID), err)
		}
		imported++
	}

	fmt.Printf(`{"ok":true,"imported":%d}`+"\n", imported)
}

func importParams(e model.MemoryEntry) store.WriteParams {
	return store.WriteParams{
		AgentID:       e.AgentID,
		Type:          e.Type,
		Content:       e.Content,
		Tags:          e.Tags,
		ProjectID:     e.ProjectID,
		Status:        e.Status,
		TaskType:      e.TaskType,
		TaskID:        e.TaskID,
		MemoryTraceID: e.MemoryTraceID,
		AgentTone:     e.AgentTone,
		Metadata:      e.Metadata,
		GoalID:        e.GoalID,
	}
}
