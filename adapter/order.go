package adapter

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/arctek/clawban/board"
)

// orderFieldNames are the candidate explicit-ordering fields probed on raw
// platform payloads, in probe order.
var orderFieldNames = []string{
	"sort_order", "sortOrder", "rank", "position", "order", "sequence_id", "sequenceId",
}

// PriorityRank maps a platform-declared priority to a comparable rank.
// Higher rank sorts earlier in the backlog. Numeric priorities pass through.
func PriorityRank(priority string) float64 {
	p := strings.ToLower(strings.TrimSpace(priority))
	if n, err := strconv.ParseFloat(p, 64); err == nil {
		return n
	}
	switch p {
	case "urgent", "critical", "blocker", "highest":
		return 5
	case "high":
		return 4
	case "medium", "med", "normal":
		return 3
	case "low":
		return 2
	case "lowest":
		return 1
	case "", "none", "no-priority":
		return 0
	}
	return 0
}

// BacklogEntry is one todo-stage item with the fields backlog ordering needs.
type BacklogEntry struct {
	ID        string
	Priority  string
	UpdatedAt *time.Time
	Raw       json.RawMessage
}

// SortBacklog orders entries per the backlog consumption policy:
//  1. explicit numeric ordering field discovered on the raw payload,
//  2. platform priority rank (only when priorities differ among entries),
//  3. updatedAt ascending (oldest first),
//  4. lexicographic id.
//
// Callers with multiple projects sort each project separately and
// concatenate in configured project order.
func SortBacklog(entries []BacklogEntry) []string {
	type keyed struct {
		BacklogEntry
		sortOrder    float64
		hasSortOrder bool
	}

	items := make([]keyed, len(entries))
	allExplicit := len(entries) > 0
	for i, e := range entries {
		items[i].BacklogEntry = e
		items[i].sortOrder, items[i].hasSortOrder = explicitOrder(e.Raw)
		if !items[i].hasSortOrder {
			allExplicit = false
		}
	}

	prioritiesDiffer := false
	if len(items) > 1 {
		first := PriorityRank(items[0].Priority)
		for _, it := range items[1:] {
			if PriorityRank(it.Priority) != first {
				prioritiesDiffer = true
				break
			}
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if allExplicit && a.sortOrder != b.sortOrder {
			return a.sortOrder < b.sortOrder
		}
		if prioritiesDiffer {
			ra, rb := PriorityRank(a.Priority), PriorityRank(b.Priority)
			if ra != rb {
				return ra > rb
			}
		}
		switch {
		case a.UpdatedAt != nil && b.UpdatedAt != nil && !a.UpdatedAt.Equal(*b.UpdatedAt):
			return a.UpdatedAt.Before(*b.UpdatedAt)
		case a.UpdatedAt != nil && b.UpdatedAt == nil:
			return true
		case a.UpdatedAt == nil && b.UpdatedAt != nil:
			return false
		}
		return a.ID < b.ID
	})

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}

// explicitOrder probes the raw payload for a numeric ordering field.
func explicitOrder(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return 0, false
	}
	for _, name := range orderFieldNames {
		v, ok := fields[name]
		if !ok {
			continue
		}
		var n float64
		if err := json.Unmarshal(v, &n); err == nil {
			return n, true
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			if n, err := strconv.ParseFloat(s, 64); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// StripHTML reduces an HTML-only body to plain text: <br> becomes a newline,
// </p> becomes a newline, remaining tags are dropped, &nbsp; becomes a space.
func StripHTML(s string) string {
	if !strings.Contains(s, "<") && !strings.Contains(s, "&nbsp;") {
		return s
	}
	replacer := strings.NewReplacer(
		"<br>", "\n", "<br/>", "\n", "<br />", "\n",
		"</p>", "\n",
	)
	s = replacer.Replace(s)

	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	out := strings.ReplaceAll(b.String(), "&nbsp;", " ")
	out = strings.ReplaceAll(out, "&amp;", "&")
	out = strings.ReplaceAll(out, "&lt;", "<")
	out = strings.ReplaceAll(out, "&gt;", ">")
	return strings.TrimSpace(out)
}

// SnapshotFromItems builds a snapshot, keeping the last occurrence of
// duplicate ids so an item appears at most once.
func SnapshotFromItems(items []board.WorkItem) board.Snapshot {
	s := make(board.Snapshot, len(items))
	for _, it := range items {
		s[it.ID] = it
	}
	return s
}
