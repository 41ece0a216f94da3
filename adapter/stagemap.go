package adapter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/arctek/clawban/board"
)

// StageMap maps platform-native state/list/label names to canonical stages.
// Platform states absent from the map are ignored: items in them are excluded
// from the snapshot, never misclassified.
type StageMap map[string]board.Stage

// ParseStageMap validates a raw name->stage mapping. Every value must parse
// to a canonical stage and all four canonical stages must be reachable,
// otherwise setup must fail.
func ParseStageMap(raw map[string]string) (StageMap, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("stage map is empty")
	}
	m := make(StageMap, len(raw))
	reached := make(map[board.Stage]bool, 4)
	for name, value := range raw {
		stage, err := board.ParseStage(value)
		if err != nil {
			return nil, fmt.Errorf("stage map entry %q: %w", name, err)
		}
		m[normalizeStateName(name)] = stage
		reached[stage] = true
	}
	var missing []string
	for _, s := range board.Stages {
		if !reached[s] {
			missing = append(missing, s.String())
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("stage map does not reach: %s", strings.Join(missing, ", "))
	}
	return m, nil
}

// Lookup resolves a platform state name. ok is false for unmapped states.
func (m StageMap) Lookup(platformState string) (board.Stage, bool) {
	s, ok := m[normalizeStateName(platformState)]
	return s, ok
}

// Reverse returns the platform state names mapped to the given stage,
// sorted for determinism. The first entry is used when writing the stage
// back to the platform.
func (m StageMap) Reverse(stage board.Stage) []string {
	var names []string
	for name, s := range m {
		if s == stage {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// WriteName returns the platform state name used when setting the stage.
func (m StageMap) WriteName(stage board.Stage) (string, error) {
	names := m.Reverse(stage)
	if len(names) == 0 {
		return "", fmt.Errorf("no platform state mapped to stage %q", stage)
	}
	return names[0], nil
}

func normalizeStateName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
