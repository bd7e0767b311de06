// Package model defines the core memory and supervision data types.
package model

import "time"

// MemoryEntry is one immutable record of agent activity or state.
type MemoryEntry struct {
	MemoryID      string         `json:"memory_id"`
	AgentID       string         `json:"agent_id"`
	Type          string         `json:"type"`
	Content       string         `json:"content"`
	Tags          []string       `json:"tags"`
	Timestamp     time.Time      `json:"timestamp"`
	ProjectID     string         `json:"project_id,omitempty"`
	Status        string         `json:"status,omitempty"`
	TaskType      string         `json:"task_type,omitempty"`
	TaskID        string         `json:"task_id,omitempty"`
	MemoryTraceID string         `json:"memory_trace_id,omitempty"`
	AgentTone     map[string]any `json:"agent_tone,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	GoalID        string         `json:"goal_id,omitempty"`
}

// MetadataGoalKey is the metadata key that mirrors a top-level goal id.
const MetadataGoalKey = "goal_id"

// EffectiveGoalID returns the top-level goal id, falling back to the one
// nested in metadata.
func (m *MemoryEntry) EffectiveGoalID() string {
	if m.GoalID != "" {
		return m.GoalID
	}
	if v, ok := m.Metadata[MetadataGoalKey].(string); ok {
		return v
	}
	return ""
}

// HasTags reports whether every tag in want is present on the entry.
func (m *MemoryEntry) HasTags(want []string) bool {
	for _, w := range want {
		found := false
		for _, t := range m.Tags {
			if t == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so cached entries can be handed out safely.
func (m MemoryEntry) Clone() MemoryEntry {
	c := m
	if m.Tags != nil {
		c.Tags = append([]string(nil), m.Tags...)
	}
	c.AgentTone = CloneAttributes(m.AgentTone)
	c.Metadata = CloneAttributes(m.Metadata)
	return c
}

// CloneAttributes deep-copies a composite attribute map.
func CloneAttributes(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneAttributes(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Well-known entry types written by the supervisor itself.
const (
	TypeAlert = "alert"
)
