package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rcliao/agent-supervisor/internal/caps"
	"github.com/rcliao/agent-supervisor/internal/model"
)

// printOut writes v as indented JSON, or as text when --format text and v
// has a text form.
func printOut(v any) {
	if formatFlag == "text" && printText(os.Stdout, v) {
		return
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		exitErr("encode output", err)
	}
	fmt.Println(string(b))
}

// printText renders the types that have a text form and reports whether it
// did.
func printText(w io.Writer, v any) bool {
	switch t := v.(type) {
	case *model.MemoryEntry:
		writeEntry(w, *t)
	case []model.MemoryEntry:
		for _, m := range t {
			writeEntry(w, m)
		}
	case caps.Decision:
		fmt.Fprintf(w, "%s\t%s\t%s\t%s %d/%d\n", t.Tier, t.State, t.SubjectID, t.Kind, t.Counter, t.Threshold)
		if t.Halt != nil {
			fmt.Fprintf(w, "halt\t%s\t%s\n", t.Halt.HaltID, t.Halt.Reason)
		}
	case model.HaltDescriptor:
		fmt.Fprintf(w, "halt\t%s\t%s\t%s\n", t.HaltID, t.Subject, t.Reason)
	case caps.LockdownStatus:
		if !t.Active {
			fmt.Fprintln(w, "lockdown inactive")
			return true
		}
		fmt.Fprintf(w, "lockdown active\t%s\n", t.Reason)
	default:
		return false
	}
	return true
}

func writeEntry(w io.Writer, m model.MemoryEntry) {
	content := strings.ReplaceAll(m.Content, "\n", " ")
	if r := []rune(content); len(r) > 120 {
		content = string(r[:117]) + "..."
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t[%s]\t%s\n",
		m.MemoryID, m.Timestamp.Format(time.RFC3339), m.AgentID, m.Type,
		strings.Join(m.Tags, ","), content)
}
