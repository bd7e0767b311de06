package store

import (
	"context"

	"github.com/rcliao/agent-supervisor/internal/connmgr"
	"github.com/rcliao/agent-supervisor/internal/model"
)

// ExportAll returns every entry oldest first, optionally filtered by agent.
// It bypasses the query cache and the query limit.
func (s *SQLiteStore) ExportAll(ctx context.Context, agentID string) ([]model.MemoryEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM memories`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY timestamp, memory_id`

	memories := []model.MemoryEntry{}
	err := s.withConn(ctx, "export", func(conn connmgr.Conn) error {
		memories = memories[:0]
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return execErr(err)
		}
		defer rows.Close()

		for rows.Next() {
			m, err := s.scanEntry(rows)
			if err != nil {
				return execErr(err)
			}
			memories = append(memories, m)
		}
		return execErr(rows.Err())
	})
	if err != nil {
		return nil, err
	}
	return memories, nil
}
