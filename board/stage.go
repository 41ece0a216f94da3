// Package board provides the canonical work-item model for the autopilot.
// It defines the four-stage workflow, the work item and snapshot types, and
// the diff engine that turns consecutive snapshots into events.
package board

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Stage represents one of the four canonical workflow buckets.
type Stage string

const (
	StageTodo       Stage = "todo"
	StageBlocked    Stage = "blocked"
	StageInProgress Stage = "in-progress"
	StageInReview   Stage = "in-review"
)

// Stages lists every canonical stage in display order.
var Stages = []Stage{StageTodo, StageInProgress, StageInReview, StageBlocked}

// String returns the canonical key of the stage.
func (s Stage) String() string {
	return string(s)
}

// Valid reports whether s is one of the four canonical stages.
func (s Stage) Valid() bool {
	switch s {
	case StageTodo, StageBlocked, StageInProgress, StageInReview:
		return true
	}
	return false
}

var titleCaser = cases.Title(language.English)

// Title returns a human-readable label for the stage ("In Progress").
func (s Stage) Title() string {
	return titleCaser.String(strings.ReplaceAll(string(s), "-", " "))
}

// ParseStage normalizes a free-form string to a canonical stage.
// Normalization: trim, lowercase, strip a leading "stage:" or "stage/",
// replace underscores and spaces with dashes, collapse dash runs, then match.
// The historical alias "backlog" maps to todo. Unknown strings fail.
func ParseStage(raw string) (Stage, error) {
	key := NormalizeStageKey(raw)
	switch key {
	case "todo", "backlog":
		return StageTodo, nil
	case "blocked":
		return StageBlocked, nil
	case "in-progress":
		return StageInProgress, nil
	case "in-review":
		return StageInReview, nil
	}
	return "", fmt.Errorf("unknown stage %q (normalized %q)", raw, key)
}

// NormalizeStageKey applies the stage normalization rules without matching
// against the canonical set. Exposed for stage-map validation.
func NormalizeStageKey(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.TrimPrefix(key, "stage:")
	key = strings.TrimPrefix(key, "stage/")
	key = strings.TrimSpace(key)
	key = strings.ReplaceAll(key, "_", "-")
	key = strings.ReplaceAll(key, " ", "-")
	for strings.Contains(key, "--") {
		key = strings.ReplaceAll(key, "--", "-")
	}
	return key
}
