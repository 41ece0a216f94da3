package board

import "sort"

// EventKind tags the variants of a board event.
type EventKind string

const (
	EventCreated      EventKind = "created"
	EventDeleted      EventKind = "deleted"
	EventStageChanged EventKind = "stage_changed"
	EventUpdated      EventKind = "updated"
)

// Event is one observed change between two snapshots.
type Event struct {
	Kind EventKind `json:"kind"`
	ID   string    `json:"id"`

	// Populated for created events.
	Item *WorkItem `json:"item,omitempty"`

	// Populated for stage_changed events.
	From Stage `json:"from,omitempty"`
	To   Stage `json:"to,omitempty"`
}

// Diff computes the events that transform prev into next. Output order is
// deterministic regardless of map iteration order: deletions first
// (id-sorted), then creations (id-sorted), then changes over the common-id
// intersection (id-sorted). A stage change and a content update on the same
// id yield only the stage change.
func Diff(prev, next Snapshot) []Event {
	var events []Event

	for _, id := range sortedMissing(prev, next) {
		events = append(events, Event{Kind: EventDeleted, ID: id})
	}

	for _, id := range sortedMissing(next, prev) {
		item := next[id]
		events = append(events, Event{Kind: EventCreated, ID: id, Item: &item})
	}

	common := make([]string, 0, len(prev))
	for id := range prev {
		if _, ok := next[id]; ok {
			common = append(common, id)
		}
	}
	sort.Strings(common)

	for _, id := range common {
		before, after := prev[id], next[id]
		if before.Stage != after.Stage {
			events = append(events, Event{Kind: EventStageChanged, ID: id, From: before.Stage, To: after.Stage})
			continue
		}
		if before.Title != after.Title || !sameLabelSet(before.Labels, after.Labels) {
			events = append(events, Event{Kind: EventUpdated, ID: id})
		}
	}

	return events
}

// sortedMissing returns ids present in a but absent from b, sorted.
func sortedMissing(a, b Snapshot) []string {
	var ids []string
	for id := range a {
		if _, ok := b[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// sameLabelSet compares labels as sets: duplicates collapsed, order ignored.
func sameLabelSet(a, b []string) bool {
	return setKey(a) == setKey(b)
}

func setKey(labels []string) string {
	seen := make(map[string]bool, len(labels))
	uniq := make([]string, 0, len(labels))
	for _, l := range labels {
		if !seen[l] {
			seen[l] = true
			uniq = append(uniq, l)
		}
	}
	sort.Strings(uniq)
	key := ""
	for _, l := range uniq {
		key += l + "\x00"
	}
	return key
}
