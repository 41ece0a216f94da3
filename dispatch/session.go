package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/arctek/clawban/board"
	"github.com/arctek/clawban/engine"
)

// SessionMapVersion is bumped when the on-disk layout changes.
const SessionMapVersion = 1

// sessionIDPrefix starts every derived worker session id.
const sessionIDPrefix = "kanban-workflow-worker-"

const (
	maxSessionIDLen = 80
	maxSlugLen      = 24
)

// Session states recorded per ticket.
const (
	StateInProgress = "in_progress"
	StateBlocked    = "blocked"
	StateCompleted  = "completed"
	StateNoWork     = "no_work"
)

// ActiveSession points at the single ticket a worker session is currently
// open for.
type ActiveSession struct {
	TicketID  string `json:"ticketId"`
	SessionID string `json:"sessionId"`
}

// SessionEntry is the durable per-ticket session record.
type SessionEntry struct {
	SessionID    string `json:"sessionId"`
	SessionLabel string `json:"sessionLabel,omitempty"`
	LastState    string `json:"lastState"`
	LastSeenAt   string `json:"lastSeenAt"`
	ClosedAt     string `json:"closedAt,omitempty"`
}

// Closed reports whether the entry has been finalized.
func (e SessionEntry) Closed() bool { return e.ClosedAt != "" }

// SessionMap is the versioned ticket-to-session state persisted across
// ticks. At most one Active pointer exists, and a closed entry is never the
// active one.
type SessionMap struct {
	Version  int                     `json:"version"`
	Active   *ActiveSession          `json:"active,omitempty"`
	Sessions map[string]SessionEntry `json:"sessions"`
}

// NewSessionMap returns an empty map at the current version.
func NewSessionMap() *SessionMap {
	return &SessionMap{Version: SessionMapVersion, Sessions: map[string]SessionEntry{}}
}

func (m *SessionMap) clone() *SessionMap {
	next := NewSessionMap()
	if m == nil {
		return next
	}
	if m.Version != 0 {
		next.Version = m.Version
	}
	if m.Active != nil {
		active := *m.Active
		next.Active = &active
	}
	for id, entry := range m.Sessions {
		next.Sessions[id] = entry
	}
	return next
}

// Action kinds emitted by the dispatcher plan.
const (
	ActionWork     = "work"
	ActionFinalize = "finalize"
)

// Action is one step the cron dispatcher executes after a tick.
type Action struct {
	Kind         string `json:"kind"`
	TicketID     string `json:"ticketId"`
	SessionID    string `json:"sessionId"`
	Instructions string `json:"instructions,omitempty"`
}

// PlanInput carries the tick outcome plus the ticket details the plan's work
// instructions are built from.
type PlanInput struct {
	Outcome *engine.Outcome
	// Ticket holds details for Outcome.ID when the outcome names a ticket.
	Ticket *board.WorkItemDetails
	// NextTicket is the backlog head to start after a blocked or completed
	// outcome, when it is assigned to the worker.
	NextTicket *board.WorkItemDetails
}

// BuildDispatcherPlan computes the next session map, the actions to run and
// the active ticket id from the previous map and a tick outcome. The input
// map is never mutated.
func BuildDispatcherPlan(prev *SessionMap, now time.Time, in PlanInput) (*SessionMap, []Action, string) {
	next := prev.clone()
	var actions []Action

	if in.Outcome == nil {
		return next, nil, activeTicket(next)
	}

	switch in.Outcome.Kind {
	case engine.KindStarted, engine.KindInProgress:
		id := in.Outcome.ID
		sid := next.ensureSession(id, ticketTitle(in.Ticket), now)
		next.Active = &ActiveSession{TicketID: id, SessionID: sid}
		actions = append(actions, Action{
			Kind:         ActionWork,
			TicketID:     id,
			SessionID:    sid,
			Instructions: buildWorkInstructions(next.Sessions[id].SessionLabel, id, in.Ticket),
		})

	case engine.KindBlocked, engine.KindCompleted:
		id := in.Outcome.ID
		sid := next.finalizeSession(id, ticketTitle(in.Ticket), in.Outcome.Kind, now)
		if next.Active != nil && next.Active.TicketID == id {
			next.Active = nil
		}
		actions = append(actions, Action{Kind: ActionFinalize, TicketID: id, SessionID: sid})

		if in.NextTicket != nil {
			nid := in.NextTicket.ID
			nsid := next.ensureSession(nid, in.NextTicket.Title, now)
			next.Active = &ActiveSession{TicketID: nid, SessionID: nsid}
			actions = append(actions, Action{
				Kind:         ActionWork,
				TicketID:     nid,
				SessionID:    nsid,
				Instructions: buildWorkInstructions(next.Sessions[nid].SessionLabel, nid, in.NextTicket),
			})
		}

	case engine.KindNoWork:
		next.Active = nil
	}

	return next, actions, activeTicket(next)
}

// ApplyWorkerCommand folds a parsed worker terminal command back into the
// session map after a dispatch. The input map is never mutated.
func ApplyWorkerCommand(prev *SessionMap, ticketID string, cmd *WorkerCommand, now time.Time) *SessionMap {
	next := prev.clone()
	if cmd == nil {
		return next
	}

	entry, ok := next.Sessions[ticketID]
	if !ok {
		entry = SessionEntry{SessionID: SessionID(ticketID, "")}
	}
	entry.LastSeenAt = stamp(now)

	switch cmd.Kind {
	case CommandContinue:
		entry.LastState = StateInProgress
		entry.ClosedAt = ""
		next.Active = &ActiveSession{TicketID: ticketID, SessionID: entry.SessionID}
	case CommandBlocked:
		entry.LastState = StateBlocked
		entry.ClosedAt = stamp(now)
		if next.Active != nil && next.Active.TicketID == ticketID {
			next.Active = nil
		}
	case CommandCompleted:
		entry.LastState = StateCompleted
		entry.ClosedAt = stamp(now)
		if next.Active != nil && next.Active.TicketID == ticketID {
			next.Active = nil
		}
	}

	next.Sessions[ticketID] = entry
	return next
}

// ensureSession opens or reuses a session entry for the ticket. A recorded
// session id survives until the entry is closed; closed entries get a fresh
// id for the new run.
func (m *SessionMap) ensureSession(ticketID, title string, now time.Time) string {
	entry, ok := m.Sessions[ticketID]
	if !ok || entry.Closed() {
		entry = SessionEntry{SessionID: SessionID(ticketID, title)}
	}
	entry.SessionLabel = sessionLabel(ticketID, title)
	entry.LastState = StateInProgress
	entry.LastSeenAt = stamp(now)
	entry.ClosedAt = ""
	m.Sessions[ticketID] = entry
	return entry.SessionID
}

// finalizeSession stamps a terminal state on the ticket's entry.
func (m *SessionMap) finalizeSession(ticketID, title, state string, now time.Time) string {
	entry, ok := m.Sessions[ticketID]
	if !ok {
		entry = SessionEntry{SessionID: SessionID(ticketID, title)}
	}
	if entry.SessionLabel == "" {
		entry.SessionLabel = sessionLabel(ticketID, title)
	}
	entry.LastState = state
	entry.LastSeenAt = stamp(now)
	entry.ClosedAt = stamp(now)
	m.Sessions[ticketID] = entry
	return entry.SessionID
}

func activeTicket(m *SessionMap) string {
	if m.Active == nil {
		return ""
	}
	return m.Active.TicketID
}

// SessionID derives the stable worker session id for a ticket.
func SessionID(ticketID, title string) string {
	id := sessionIDPrefix + sanitizeIDPart(ticketID)
	if slug := slugify(title); slug != "" {
		id += "-" + slug
	}
	if len(id) > maxSessionIDLen {
		id = strings.TrimRight(id[:maxSessionIDLen], "-")
	}
	return id
}

// sanitizeIDPart restricts to [a-zA-Z0-9_-], mapping anything else to a dash.
func sanitizeIDPart(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

func slugify(title string) string {
	lower := strings.ToLower(strings.TrimSpace(title))
	var b strings.Builder
	lastDash := true
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteRune('-')
				lastDash = true
			}
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	return strings.TrimRight(b.String(), "-")
}

func sessionLabel(ticketID, title string) string {
	if strings.TrimSpace(title) == "" {
		return ticketID
	}
	return ticketID + " " + title
}

func ticketTitle(details *board.WorkItemDetails) string {
	if details == nil {
		return ""
	}
	return details.Title
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ticketContext is the JSON payload embedded in work instructions.
type ticketContext struct {
	ID          string             `json:"id"`
	Title       string             `json:"title"`
	Body        string             `json:"body,omitempty"`
	URL         string             `json:"url,omitempty"`
	Comments    []board.Comment    `json:"comments"`
	Attachments []board.Attachment `json:"attachments"`
	Links       []board.Link       `json:"links"`
}

// buildWorkInstructions renders the deterministic prompt handed to the
// worker agent for one ticket.
func buildWorkInstructions(label, ticketID string, details *board.WorkItemDetails) string {
	var b strings.Builder
	fmt.Fprintf(&b, "DO WORK NOW on ticket %s.\n", ticketID)
	fmt.Fprintf(&b, "Session: %s\n\n", label)

	b.WriteString("Execution contract: do the work, then report. Your reply must contain an\n")
	b.WriteString("EVIDENCE section listing the concrete steps you executed, and must end with\n")
	b.WriteString("exactly one of the following terminal commands as the last non-empty line:\n\n")
	b.WriteString("kanban-workflow continue --text \"<text>\"\n")
	b.WriteString("kanban-workflow blocked --text \"<text>\"\n")
	b.WriteString("kanban-workflow completed --result \"<text>\"\n\n")

	ctx := ticketContext{
		ID:          ticketID,
		Comments:    []board.Comment{},
		Attachments: []board.Attachment{},
		Links:       []board.Link{},
	}
	if details != nil {
		ctx.Title = details.Title
		ctx.Body = details.Body
		ctx.URL = details.URL
		if details.Comments != nil {
			ctx.Comments = details.Comments
		}
		if details.Attachments != nil {
			ctx.Attachments = details.Attachments
		}
		if details.Links != nil {
			ctx.Links = details.Links
		}
	}
	payload, err := json.MarshalIndent(ctx, "", "  ")
	if err != nil {
		quoted, _ := json.Marshal(ticketID)
		payload = []byte(`{"id":` + string(quoted) + `}`)
	}
	b.WriteString("Ticket context:\n")
	b.Write(payload)
	b.WriteString("\n")
	return b.String()
}
