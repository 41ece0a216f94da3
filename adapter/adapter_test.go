package adapter

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arctek/clawban/board"
)

func TestParseStageMap(t *testing.T) {
	m, err := ParseStageMap(map[string]string{
		"Backlog":     "todo",
		"Doing":       "in-progress",
		"Code Review": "in-review",
		"Stuck":       "blocked",
	})
	require.NoError(t, err)

	stage, ok := m.Lookup("DOING")
	assert.True(t, ok)
	assert.Equal(t, board.StageInProgress, stage)

	_, ok = m.Lookup("Done")
	assert.False(t, ok, "unmapped states are ignored")
}

func TestParseStageMapMissingStage(t *testing.T) {
	_, err := ParseStageMap(map[string]string{
		"Backlog": "todo",
		"Doing":   "in-progress",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")
	assert.Contains(t, err.Error(), "in-review")
}

func TestParseStageMapBadValue(t *testing.T) {
	_, err := ParseStageMap(map[string]string{"Backlog": "nonsense"})
	assert.Error(t, err)

	_, err = ParseStageMap(nil)
	assert.Error(t, err)
}

func TestStageMapWriteName(t *testing.T) {
	m, err := ParseStageMap(map[string]string{
		"zz-review": "in-review",
		"aa-review": "in-review",
		"Backlog":   "todo",
		"Doing":     "in-progress",
		"Stuck":     "blocked",
	})
	require.NoError(t, err)

	name, err := m.WriteName(board.StageInReview)
	require.NoError(t, err)
	assert.Equal(t, "aa-review", name, "reverse lookup is sorted for determinism")
}

func TestPriorityRank(t *testing.T) {
	assert.Equal(t, 5.0, PriorityRank("urgent"))
	assert.Equal(t, 5.0, PriorityRank("Critical"))
	assert.Equal(t, 4.0, PriorityRank("high"))
	assert.Equal(t, 3.0, PriorityRank("normal"))
	assert.Equal(t, 2.0, PriorityRank("low"))
	assert.Equal(t, 1.0, PriorityRank("lowest"))
	assert.Equal(t, 0.0, PriorityRank("none"))
	assert.Equal(t, 0.0, PriorityRank(""))
	assert.Equal(t, 7.5, PriorityRank("7.5"), "numeric priorities pass through")
}

func ts(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestSortBacklogExplicitOrder(t *testing.T) {
	ids := SortBacklog([]BacklogEntry{
		{ID: "b", Raw: json.RawMessage(`{"sort_order": 20}`)},
		{ID: "a", Raw: json.RawMessage(`{"sort_order": 30}`)},
		{ID: "c", Raw: json.RawMessage(`{"sort_order": 10}`)},
	})
	assert.Equal(t, []string{"c", "b", "a"}, ids)
}

func TestSortBacklogPriorityWhenDiffering(t *testing.T) {
	ids := SortBacklog([]BacklogEntry{
		{ID: "low", Priority: "low"},
		{ID: "urgent", Priority: "urgent"},
		{ID: "med", Priority: "medium"},
	})
	assert.Equal(t, []string{"urgent", "med", "low"}, ids)
}

func TestSortBacklogUpdatedAtWhenPrioritiesEqual(t *testing.T) {
	ids := SortBacklog([]BacklogEntry{
		{ID: "newer", Priority: "high", UpdatedAt: ts("2026-08-24T12:00:00Z")},
		{ID: "older", Priority: "high", UpdatedAt: ts("2026-08-20T12:00:00Z")},
	})
	assert.Equal(t, []string{"older", "newer"}, ids, "oldest first")
}

func TestSortBacklogLexicographicTieBreak(t *testing.T) {
	ids := SortBacklog([]BacklogEntry{
		{ID: "z"}, {ID: "a"}, {ID: "m"},
	})
	assert.Equal(t, []string{"a", "m", "z"}, ids)
}

func TestStripHTML(t *testing.T) {
	in := "<p>First line<br>second&nbsp;line</p><p>third <b>bold</b></p>"
	assert.Equal(t, "First line\nsecond line\nthird bold", StripHTML(in))

	assert.Equal(t, "plain text", StripHTML("plain text"))
}

func TestSnapshotFromItemsDeduplicates(t *testing.T) {
	s := SnapshotFromItems([]board.WorkItem{
		{ID: "x", Title: "first", Stage: board.StageTodo},
		{ID: "x", Title: "second", Stage: board.StageTodo},
	})
	require.Len(t, s, 1)
	assert.Equal(t, "second", s["x"].Title)
}

func TestAdapterError(t *testing.T) {
	err := &Error{
		Backend: "github",
		Op:      "setStage",
		Command: "gh project item-edit ...",
		Stderr:  "auth required",
		Hint:    "run gh auth login",
		Err:     ErrProtocol,
	}
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Contains(t, err.Error(), "setStage failed")
	assert.Contains(t, err.Error(), "What next: run gh auth login")
}
