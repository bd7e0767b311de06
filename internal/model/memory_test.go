package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveGoalID(t *testing.T) {
	top := MemoryEntry{GoalID: "g1", Metadata: map[string]any{"goal_id": "g2"}}
	assert.Equal(t, "g1", top.EffectiveGoalID())

	nested := MemoryEntry{Metadata: map[string]any{"goal_id": "g2"}}
	assert.Equal(t, "g2", nested.EffectiveGoalID())

	none := MemoryEntry{Metadata: map[string]any{"goal_id": 7.0}}
	assert.Equal(t, "", none.EffectiveGoalID())
}

func TestHasTags(t *testing.T) {
	m := MemoryEntry{Tags: []string{"deploy", "infra"}}
	assert.True(t, m.HasTags(nil))
	assert.True(t, m.HasTags([]string{"infra"}))
	assert.True(t, m.HasTags([]string{"infra", "deploy"}))
	assert.False(t, m.HasTags([]string{"infra", "db"}))
}

func TestCloneIsDeep(t *testing.T) {
	orig := MemoryEntry{
		Tags:     []string{"a"},
		Metadata: map[string]any{"nested": map[string]any{"k": "v"}, "list": []any{"x"}},
	}
	c := orig.Clone()
	c.Tags[0] = "b"
	c.Metadata["nested"].(map[string]any)["k"] = "changed"
	c.Metadata["list"].([]any)[0] = "y"

	assert.Equal(t, "a", orig.Tags[0])
	assert.Equal(t, "v", orig.Metadata["nested"].(map[string]any)["k"])
	assert.Equal(t, "x", orig.Metadata["list"].([]any)[0])
}

func TestRiskLevelOrderingAndJSON(t *testing.T) {
	assert.Less(t, RiskLow, RiskMedium)
	assert.Less(t, RiskMedium, RiskHigh)
	assert.Less(t, RiskHigh, RiskCritical)

	b, err := json.Marshal(RiskCritical)
	require.NoError(t, err)
	assert.Equal(t, `"critical"`, string(b))

	var r RiskLevel
	require.NoError(t, json.Unmarshal([]byte(`"medium"`), &r))
	assert.Equal(t, RiskMedium, r)

	assert.Error(t, json.Unmarshal([]byte(`"severe"`), &r))
}
