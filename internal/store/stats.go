package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/rcliao/agent-supervisor/internal/connmgr"
)

// Stats holds database statistics.
type Stats struct {
	DBPath           string       `json:"db_path"`
	DBSizeBytes      int64        `json:"db_size_bytes"`
	TotalEntries     int          `json:"total_entries"`
	Oldest           *time.Time   `json:"oldest,omitempty"`
	Newest           *time.Time   `json:"newest,omitempty"`
	Agents           []AgentStats `json:"agents"`
	Types            []TypeStats  `json:"types"`
	UnverifiedWrites int64        `json:"unverified_writes"`
	Cache            CacheStats   `json:"cache"`
	Connections      ConnStats    `json:"connections"`
}

// AgentStats holds per-agent counts.
type AgentStats struct {
	AgentID string `json:"agent_id"`
	Count   int    `json:"count"`
	Types   int    `json:"types"`
}

// TypeStats holds per-type counts.
type TypeStats struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// ConnStats reports connection manager activity.
type ConnStats struct {
	Callers int   `json:"callers"`
	Opens   int64 `json:"opens"`
	Reopens int64 `json:"reopens"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	dbPath := filepath.Join(s.dir, DBFile)
	st := &Stats{
		DBPath:           dbPath,
		Agents:           []AgentStats{},
		Types:            []TypeStats{},
		UnverifiedWrites: s.UnverifiedWrites(),
		Cache:            s.cache.stats(),
	}

	if info, err := os.Stat(dbPath); err == nil {
		st.DBSizeBytes = info.Size()
	}

	err := s.withConn(ctx, "stats", func(conn connmgr.Conn) error {
		var oldest, newest sql.NullString
		if err := scanOne(ctx, conn, `SELECT COUNT(*), MIN(timestamp), MAX(timestamp) FROM memories`,
			&st.TotalEntries, &oldest, &newest); err != nil {
			return err
		}
		if t, err := time.Parse(timeLayout, oldest.String); oldest.Valid && err == nil {
			st.Oldest = &t
		}
		if t, err := time.Parse(timeLayout, newest.String); newest.Valid && err == nil {
			st.Newest = &t
		}

		st.Agents = st.Agents[:0]
		rows, err := conn.QueryContext(ctx, `
			SELECT agent_id, COUNT(*) AS cnt, COUNT(DISTINCT type)
			FROM memories GROUP BY agent_id ORDER BY cnt DESC, agent_id`)
		if err != nil {
			return execErr(err)
		}
		for rows.Next() {
			var a AgentStats
			if err := rows.Scan(&a.AgentID, &a.Count, &a.Types); err != nil {
				rows.Close()
				return err
			}
			st.Agents = append(st.Agents, a)
		}
		rows.Close()

		st.Types = st.Types[:0]
		rows, err = conn.QueryContext(ctx, `
			SELECT type, COUNT(*) AS cnt FROM memories GROUP BY type ORDER BY cnt DESC, type`)
		if err != nil {
			return execErr(err)
		}
		defer rows.Close()
		for rows.Next() {
			var t TypeStats
			if err := rows.Scan(&t.Type, &t.Count); err != nil {
				return err
			}
			st.Types = append(st.Types, t)
		}
		return execErr(rows.Err())
	})
	if err != nil {
		return nil, err
	}

	st.Connections = ConnStats{
		Callers: s.conns.Callers(),
		Opens:   s.conns.Opens(),
		Reopens: s.conns.Reopens(),
	}
	return st, nil
}

func scanOne(ctx context.Context, conn connmgr.Conn, q string, dest ...any) error {
	rows, err := conn.QueryContext(ctx, q)
	if err != nil {
		return execErr(err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return execErr(err)
		}
		return sql.ErrNoRows
	}
	return rows.Scan(dest...)
}
