package board

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStageNormalization(t *testing.T) {
	cases := map[string]Stage{
		"todo":           StageTodo,
		" TODO ":         StageTodo,
		"backlog":        StageTodo,
		"Backlog":        StageTodo,
		"stage:todo":     StageTodo,
		"stage/In_Review": StageInReview,
		"in progress":    StageInProgress,
		"IN_PROGRESS":    StageInProgress,
		"in--progress":   StageInProgress,
		"stage: blocked": StageBlocked,
		"In Review":      StageInReview,
		"in-review":      StageInReview,
	}
	for raw, want := range cases {
		got, err := ParseStage(raw)
		require.NoError(t, err, "input %q", raw)
		assert.Equal(t, want, got, "input %q", raw)
	}
}

func TestParseStageUnknown(t *testing.T) {
	for _, raw := range []string{"", "done", "qa", "stage:", "in-review-2"} {
		_, err := ParseStage(raw)
		assert.Error(t, err, "input %q", raw)
	}
}

// Every accepted string must round-trip through String back to the same
// canonical stage.
func TestStageClosure(t *testing.T) {
	accepted := []string{"todo", "backlog", "blocked", "in progress", "IN_REVIEW", "stage:todo"}
	for _, raw := range accepted {
		first, err := ParseStage(raw)
		require.NoError(t, err)
		second, err := ParseStage(first.String())
		require.NoError(t, err)
		assert.Equal(t, first, second)
	}
}

func TestStageTitle(t *testing.T) {
	assert.Equal(t, "In Progress", StageInProgress.Title())
	assert.Equal(t, "Todo", StageTodo.Title())
}
