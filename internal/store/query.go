package store

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rcliao/agent-supervisor/internal/codec"
	"github.com/rcliao/agent-supervisor/internal/connmgr"
	"github.com/rcliao/agent-supervisor/internal/model"
)

// Order selects the result ordering of a query.
type Order string

const (
	OrderTimestampDesc Order = "timestamp_desc"
	OrderTimestampAsc  Order = "timestamp_asc"
)

// DefaultQueryLimit applies when Filter.Limit is not positive.
const DefaultQueryLimit = 50

// Filter holds the conjunctive query filters. Empty fields do not filter.
type Filter struct {
	AgentID       string
	Type          string
	ProjectID     string
	TaskID        string
	MemoryTraceID string
	Since         time.Time
	// Tags lists tags that must all be present on an entry.
	Tags []string
	// GoalID matches the top-level goal id, falling back to metadata.goal_id.
	GoalID string
	Limit  int
	Order  Order
}

func (f Filter) normalized() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
	if f.Order == "" {
		f.Order = OrderTimestampDesc
	}
	if len(f.Tags) > 0 {
		tags := slices.Clone(f.Tags)
		slices.Sort(tags)
		f.Tags = slices.Compact(tags)
	}
	if !f.Since.IsZero() {
		f.Since = f.Since.UTC()
	}
	return f
}

// Validate rejects filters the builder cannot express.
func (f Filter) Validate() error {
	switch f.Order {
	case "", OrderTimestampDesc, OrderTimestampAsc:
		return nil
	default:
		return fmt.Errorf("unknown order %q", f.Order)
	}
}

// Signature is a canonical key for the filter. Two filters that select the
// same entries in the same order share a signature, regardless of how their
// tag lists were built.
func (f Filter) Signature() string {
	f = f.normalized()
	var b strings.Builder
	field := func(name, v string) {
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(strconv.Quote(v))
		b.WriteByte(';')
	}
	field("agent", f.AgentID)
	field("type", f.Type)
	field("project", f.ProjectID)
	field("task", f.TaskID)
	field("trace", f.MemoryTraceID)
	if f.Since.IsZero() {
		field("since", "")
	} else {
		field("since", f.Since.Format(timeLayout))
	}
	field("tags", strings.Join(quoteAll(f.Tags), ","))
	field("goal", f.GoalID)
	field("limit", strconv.Itoa(f.Limit))
	field("order", string(f.Order))
	return b.String()
}

func quoteAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strconv.Quote(s)
	}
	return out
}

// postFiltered reports whether some filters are evaluated after decoding.
func (f Filter) postFiltered() bool {
	return len(f.Tags) > 0 || f.GoalID != ""
}

// matches evaluates the post-decode filters.
func (f Filter) matches(m *model.MemoryEntry) bool {
	if !m.HasTags(f.Tags) {
		return false
	}
	if f.GoalID != "" && m.EffectiveGoalID() != f.GoalID {
		return false
	}
	return true
}

// build renders the filter as a parameterized SELECT.
func (f Filter) build() (string, []any) {
	var where []string
	var args []any

	eq := func(col, v string) {
		if v != "" {
			where = append(where, col+" = ?")
			args = append(args, v)
		}
	}
	eq("agent_id", f.AgentID)
	eq("type", f.Type)
	eq("project_id", f.ProjectID)
	eq("task_id", f.TaskID)
	eq("memory_trace_id", f.MemoryTraceID)

	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Since.Format(timeLayout))
	}

	// Narrow candidates in SQL; membership is decided after decoding.
	for _, tag := range f.Tags {
		enc := codec.EncodeTags([]string{tag})
		quoted := enc[1 : len(enc)-1] // strip the list brackets
		where = append(where, `tags LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(quoted)+"%")
	}

	q := `SELECT ` + entryColumns + ` FROM memories`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	if f.Order == OrderTimestampAsc {
		q += ` ORDER BY timestamp ASC, memory_id ASC`
	} else {
		q += ` ORDER BY timestamp DESC, memory_id DESC`
	}
	if !f.postFiltered() {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return q, args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Query returns entries matching every filter. Results are served from the
// query cache when an identical filter was answered since the last write.
func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]model.MemoryEntry, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	f = f.normalized()
	sig := f.Signature()

	if cached, ok := s.cache.getQuery(sig); ok {
		return cached, nil
	}

	gen := s.cache.generation()
	v, err, _ := s.flight.Do(strconv.FormatUint(gen, 10)+"|"+sig, func() (any, error) {
		res, err := s.queryDB(ctx, f)
		if err != nil {
			return nil, err
		}
		s.cache.putQuery(gen, sig, res)
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneEntries(v.([]model.MemoryEntry)), nil
}

func (s *SQLiteStore) queryDB(ctx context.Context, f Filter) ([]model.MemoryEntry, error) {
	q, args := f.build()
	var out []model.MemoryEntry
	err := s.withConn(ctx, "query", func(conn connmgr.Conn) error {
		out = out[:0]
		rows, err := conn.QueryContext(ctx, q, args...)
		if err != nil {
			return execErr(err)
		}
		defer rows.Close()

		for rows.Next() {
			m, err := s.scanEntry(rows)
			if err != nil {
				return execErr(err)
			}
			if !f.matches(&m) {
				continue
			}
			out = append(out, m)
			if len(out) >= f.Limit {
				break
			}
		}
		return execErr(rows.Err())
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.MemoryEntry{}
	}
	return out, nil
}

func cloneEntries(in []model.MemoryEntry) []model.MemoryEntry {
	out := make([]model.MemoryEntry, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}
