package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/arctek/clawban/adapter"
	"github.com/arctek/clawban/board"
)

// DefaultProgressInterval throttles auto progress comments per ticket.
const DefaultProgressInterval = 5 * time.Minute

// ProgressState maps ticket id to the ISO timestamp of the last auto
// progress comment.
type ProgressState map[string]string

// ProgressMessage is the content of one progress comment.
type ProgressMessage struct {
	Current string
	Next    string
}

// ProgressOptions configures one poster pass.
type ProgressOptions struct {
	Now        time.Time
	State      ProgressState
	Interval   time.Duration // default 5 minutes
	GetMessage func(ticketID string) ProgressMessage
}

// RunProgressAutoUpdates posts a throttled "still working" comment on every
// in-progress ticket. State entries for tickets no longer in progress are
// pruned. Returns the updated state and the ids that received a comment;
// AddComment failures propagate.
func RunProgressAutoUpdates(ctx context.Context, a adapter.Adapter, opts ProgressOptions) (ProgressState, []string, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultProgressInterval
	}
	if opts.GetMessage == nil {
		opts.GetMessage = func(string) ProgressMessage {
			return ProgressMessage{
				Current: "working the ticket",
				Next:    "continue until a terminal command is reached",
			}
		}
	}

	inProgress, err := a.ListIDsByStage(ctx, board.StageInProgress)
	if err != nil {
		return nil, nil, fmt.Errorf("list in-progress: %w", err)
	}

	active := make(map[string]bool, len(inProgress))
	for _, id := range inProgress {
		active[id] = true
	}

	next := make(ProgressState, len(inProgress))
	for id, last := range opts.State {
		if active[id] {
			next[id] = last
		}
	}

	var posted []string
	for _, id := range inProgress {
		if last, ok := next[id]; ok {
			lastAt, err := time.Parse(time.RFC3339, last)
			if err == nil && opts.Now.Sub(lastAt) < opts.Interval {
				continue
			}
		}

		msg := opts.GetMessage(id)
		body := fmt.Sprintf("Progress update (auto):\n\n- Currently: %s\n- Next: %s", msg.Current, msg.Next)
		if err := a.AddComment(ctx, id, body); err != nil {
			return nil, nil, fmt.Errorf("post progress update on %s: %w", id, err)
		}
		next[id] = opts.Now.UTC().Format(time.RFC3339)
		posted = append(posted, id)
		log.Debug().Str("id", id).Msg("Posted auto progress update")
	}

	return next, posted, nil
}
