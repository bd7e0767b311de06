package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/agent-supervisor/internal/model"
)

func ids(entries []model.MemoryEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.MemoryID
	}
	return out
}

func intersect(a, b []string) []string {
	in := map[string]bool{}
	for _, x := range b {
		in[x] = true
	}
	out := []string{}
	for _, x := range a {
		if in[x] {
			out = append(out, x)
		}
	}
	return out
}

// seedFixture writes entries spanning three agents, two types and two projects.
func seedFixture(t *testing.T, s *SQLiteStore) []*model.MemoryEntry {
	t.Helper()
	ctx := context.Background()
	params := []WriteParams{
		{AgentID: "a1", Type: "obs", ProjectID: "p1", TaskID: "t1", Tags: []string{"ci"}},
		{AgentID: "a1", Type: "plan", ProjectID: "p2", TaskID: "t1", Tags: []string{"ci", "deploy"}, GoalID: "g1"},
		{AgentID: "a2", Type: "obs", ProjectID: "p1", TaskID: "t2", Metadata: map[string]any{"goal_id": "g1"}},
		{AgentID: "a2", Type: "plan", ProjectID: "p1", TaskID: "t2", Tags: []string{"deploy"}, MemoryTraceID: "tr-1"},
		{AgentID: "a3", Type: "obs", ProjectID: "p2", TaskID: "t3", Tags: []string{"ci"}, MemoryTraceID: "tr-1"},
		{AgentID: "a1", Type: "obs", ProjectID: "p2", TaskID: "t1", GoalID: "g2"},
	}
	var out []*model.MemoryEntry
	for _, p := range params {
		if p.Content == "" {
			p.Content = p.AgentID + "/" + p.Type
		}
		m, err := s.Write(ctx, p)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func TestQueryScenarioNewestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var written []*model.MemoryEntry
	for _, c := range []string{"first", "second", "third"} {
		m, err := s.Write(ctx, WriteParams{AgentID: "a1", Type: "obs", Content: c})
		require.NoError(t, err)
		written = append(written, m)
	}

	got, err := s.Query(ctx, Filter{AgentID: "a1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, written[2].MemoryID, got[0].MemoryID)
	assert.Equal(t, written[1].MemoryID, got[1].MemoryID)
	assert.True(t, got[0].Timestamp.After(got[1].Timestamp))
}

func TestQueryConjunctionIsIntersection(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedFixture(t, s)

	singles := []Filter{
		{AgentID: "a1"},
		{AgentID: "a2"},
		{Type: "obs"},
		{Type: "plan"},
		{ProjectID: "p1"},
		{ProjectID: "p2"},
		{Tags: []string{"ci"}},
		{GoalID: "g1"},
		{MemoryTraceID: "tr-1"},
	}
	merge := func(a, b Filter) Filter {
		out := a
		if b.AgentID != "" {
			out.AgentID = b.AgentID
		}
		if b.Type != "" {
			out.Type = b.Type
		}
		if b.ProjectID != "" {
			out.ProjectID = b.ProjectID
		}
		if b.MemoryTraceID != "" {
			out.MemoryTraceID = b.MemoryTraceID
		}
		if b.GoalID != "" {
			out.GoalID = b.GoalID
		}
		out.Tags = append(append([]string{}, a.Tags...), b.Tags...)
		return out
	}
	sameField := func(a, b Filter) bool {
		return (a.AgentID != "" && b.AgentID != "") ||
			(a.Type != "" && b.Type != "") ||
			(a.ProjectID != "" && b.ProjectID != "") ||
			(a.GoalID != "" && b.GoalID != "") ||
			(a.MemoryTraceID != "" && b.MemoryTraceID != "")
	}

	for i, fa := range singles {
		for _, fb := range singles[i+1:] {
			if sameField(fa, fb) {
				continue
			}
			ra, err := s.Query(ctx, fa)
			require.NoError(t, err)
			rb, err := s.Query(ctx, fb)
			require.NoError(t, err)
			both, err := s.Query(ctx, merge(fa, fb))
			require.NoError(t, err)

			assert.ElementsMatch(t, intersect(ids(ra), ids(rb)), ids(both),
				"filters %+v AND %+v", fa, fb)
		}
	}
}

func TestQueryEachFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	w := seedFixture(t, s)

	cases := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"agent", Filter{AgentID: "a2"}, []string{w[3].MemoryID, w[2].MemoryID}},
		{"type", Filter{Type: "plan"}, []string{w[3].MemoryID, w[1].MemoryID}},
		{"project", Filter{ProjectID: "p2", AgentID: "a1"}, []string{w[5].MemoryID, w[1].MemoryID}},
		{"task", Filter{TaskID: "t2"}, []string{w[3].MemoryID, w[2].MemoryID}},
		{"trace", Filter{MemoryTraceID: "tr-1"}, []string{w[4].MemoryID, w[3].MemoryID}},
		{"all tags", Filter{Tags: []string{"deploy", "ci"}}, []string{w[1].MemoryID}},
		{"goal top level and metadata", Filter{GoalID: "g1"}, []string{w[2].MemoryID, w[1].MemoryID}},
		{"goal only top level", Filter{GoalID: "g2"}, []string{w[5].MemoryID}},
		{"since", Filter{Since: w[4].Timestamp}, []string{w[5].MemoryID, w[4].MemoryID}},
		{"ascending", Filter{AgentID: "a1", Order: OrderTimestampAsc}, []string{w[0].MemoryID, w[1].MemoryID, w[5].MemoryID}},
		{"post filter respects limit", Filter{Tags: []string{"ci"}, Limit: 2}, []string{w[4].MemoryID, w[1].MemoryID}},
		{"no match", Filter{AgentID: "nobody"}, []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.Query(ctx, tc.filter)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ids(got))
		})
	}
}

func TestQueryTagPrefilterIsExact(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.Write(ctx, WriteParams{AgentID: "a1", Type: "obs", Tags: []string{"deploy-prod"}})
	s.Write(ctx, WriteParams{AgentID: "a1", Type: "obs", Tags: []string{"de_ploy"}})
	want, _ := s.Write(ctx, WriteParams{AgentID: "a1", Type: "obs", Tags: []string{"deploy"}})

	got, err := s.Query(ctx, Filter{Tags: []string{"deploy"}})
	require.NoError(t, err)
	assert.Equal(t, []string{want.MemoryID}, ids(got))
}

func TestQueryRejectsUnknownOrder(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Query(context.Background(), Filter{Order: "random"})
	assert.Error(t, err)
}

func TestFilterSignatureIgnoresTagOrder(t *testing.T) {
	a := Filter{AgentID: "a1", Tags: []string{"x", "y", "x"}}
	b := Filter{Tags: []string{"y", "x"}, AgentID: "a1", Limit: DefaultQueryLimit, Order: OrderTimestampDesc}
	assert.Equal(t, a.Signature(), b.Signature())

	c := Filter{AgentID: "a1", Tags: []string{"x"}}
	assert.NotEqual(t, a.Signature(), c.Signature())

	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.FixedZone("x", 3600))
	assert.Equal(t,
		Filter{Since: since}.Signature(),
		Filter{Since: since.UTC()}.Signature())
}

func TestFilterBuildIsParameterized(t *testing.T) {
	q, args := Filter{AgentID: "a1' OR 1=1 --", Limit: 5}.normalized().build()
	assert.NotContains(t, q, "a1'")
	assert.Contains(t, args, "a1' OR 1=1 --")
	assert.Contains(t, q, "LIMIT ?")

	q, _ = Filter{Tags: []string{"x"}}.normalized().build()
	assert.NotContains(t, q, "LIMIT", "post-filtered queries limit after decoding")
}

func TestQueryCacheInvalidatedByWrite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.Write(ctx, WriteParams{AgentID: "a1", Type: "obs"})
	first, err := s.Query(ctx, Filter{AgentID: "a1"})
	require.NoError(t, err)
	require.Len(t, first, 1)

	again, err := s.Query(ctx, Filter{AgentID: "a1"})
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.GreaterOrEqual(t, s.cache.stats().Hits, int64(1))

	s.Write(ctx, WriteParams{AgentID: "a1", Type: "obs"})
	after, err := s.Query(ctx, Filter{AgentID: "a1"})
	require.NoError(t, err)
	assert.Len(t, after, 2, "a write must invalidate cached query results")
}

func TestQueryResultsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.Write(ctx, WriteParams{AgentID: "a1", Type: "obs", Tags: []string{"keep"}})

	got, err := s.Query(ctx, Filter{AgentID: "a1"})
	require.NoError(t, err)
	got[0].Tags[0] = "mutated"

	again, err := s.Query(ctx, Filter{AgentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, "keep", again[0].Tags[0])
}

func TestStaleFillIsDiscarded(t *testing.T) {
	c := newCache(8, 8, time.Minute)
	gen := c.generation()
	c.invalidate()
	c.putQuery(gen, "sig", []model.MemoryEntry{{MemoryID: "old"}})

	_, ok := c.getQuery("sig")
	assert.False(t, ok)
}
