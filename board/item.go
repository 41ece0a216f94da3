package board

import (
	"encoding/json"
	"strings"
	"time"
)

// Actor identifies a platform account. Any subset of the fields may be
// populated; comparisons treat each populated field independently.
type Actor struct {
	ID       string `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
	Name     string `json:"name,omitempty"`
}

// IsZero reports whether no identity field is populated.
func (a Actor) IsZero() bool {
	return strings.TrimSpace(a.ID) == "" &&
		strings.TrimSpace(a.Username) == "" &&
		strings.TrimSpace(a.Name) == ""
}

// Keys returns the case-folded set of populated identity fields.
func (a Actor) Keys() map[string]bool {
	keys := make(map[string]bool, 3)
	for _, v := range []string{a.ID, a.Username, a.Name} {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			keys[v] = true
		}
	}
	return keys
}

// Matches reports whether any populated field of other appears in a's
// identity key set (case-insensitive compare on trimmed strings).
func (a Actor) Matches(other Actor) bool {
	keys := a.Keys()
	if len(keys) == 0 {
		return false
	}
	for _, v := range []string{other.ID, other.Username, other.Name} {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" && keys[v] {
			return true
		}
	}
	return false
}

// WorkItem represents a single ticket as seen in a snapshot.
// The ID is an opaque, stable string issued by the platform.
type WorkItem struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Stage     Stage           `json:"stage"`
	URL       string          `json:"url,omitempty"`
	Labels    []string        `json:"labels,omitempty"`
	Assignees []Actor         `json:"assignees,omitempty"`
	UpdatedAt *time.Time      `json:"updatedAt,omitempty"`
	Body      string          `json:"body,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"` // opaque platform payload
}

// LabelSet returns the labels with duplicates collapsed, preserving first
// occurrence order for display.
func (w WorkItem) LabelSet() []string {
	seen := make(map[string]bool, len(w.Labels))
	out := make([]string, 0, len(w.Labels))
	for _, l := range w.Labels {
		if seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

// Comment is a single comment on a work item, newest-first when listed
// that way by the adapter.
type Comment struct {
	ID        string     `json:"id"`
	Author    Actor      `json:"author"`
	Body      string     `json:"body"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	Internal  bool       `json:"internal,omitempty"`
}

// EffectiveAuthorName extracts the relayed author from a leading metadata
// block of the form "Author: <name>" on its own line. Bridges that import
// third-party comments under the worker's own account record the original
// author this way. Returns "" when no relayed author is present.
//
// Only a block of metadata-looking lines at the very start of the body is
// considered: bracketed markers like "[planka-comment:42]" or "Key: value"
// lines. The block ends at the first blank or free-text line.
func (c Comment) EffectiveAuthorName() string {
	for i, line := range strings.Split(c.Body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || i > 4 {
			break
		}
		if rest, ok := strings.CutPrefix(line, "Author:"); ok {
			return strings.TrimSpace(rest)
		}
		if !isMetadataLine(line) {
			break
		}
	}
	return ""
}

func isMetadataLine(line string) bool {
	if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
		return true
	}
	colon := strings.Index(line, ":")
	if colon <= 0 {
		return false
	}
	for _, r := range line[:colon] {
		if !(r == '-' || r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// Attachment is a file attached to a work item.
type Attachment struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// Link is a relation to another work item.
type Link struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
	Kind  string `json:"kind,omitempty"` // relates, blocks, duplicate, ...
}

// WorkItemDetails is the detail view of a work item with its body resolved
// from a detail endpoint rather than a list-truncated preview.
type WorkItemDetails struct {
	WorkItem
	Comments    []Comment    `json:"comments,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Links       []Link       `json:"links,omitempty"`
}

// Snapshot maps work-item id to item for a single platform query.
// Iteration order is not semantic; diffing ignores it.
type Snapshot map[string]WorkItem
