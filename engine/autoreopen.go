package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/arctek/clawban/adapter"
	"github.com/arctek/clawban/board"
)

// Cursor bounds the human-reply scan: per ticket, the id of the newest
// comment previously observed.
type Cursor struct {
	Version int               `json:"version"`
	Seen    map[string]string `json:"seen,omitempty"`
}

// NewCursor returns an empty versioned cursor.
func NewCursor() Cursor {
	return Cursor{Version: 1, Seen: map[string]string{}}
}

// ReopenTrigger records one ticket moved back to the queue by a human reply.
type ReopenTrigger struct {
	TicketID  string `json:"ticketId"`
	CommentID string `json:"commentId"`
	Author    string `json:"author"`
	FromStage string `json:"fromStage"`
}

// ReopenResult is the outcome of one watcher pass.
type ReopenResult struct {
	Reopened []ReopenTrigger `json:"reopened,omitempty"`
	Cursor   Cursor          `json:"cursor"`
}

// ReopenOptions tunes the watcher.
type ReopenOptions struct {
	CommentScanLimit int  // default 20
	DryRun           bool // skip stage mutations and cursor advancement
}

// RunAutoReopen scans blocked and in-review tickets for replies by someone
// other than the worker and moves triggered tickets back to todo. The cursor
// advances to the newest observed comment per ticket regardless of trigger;
// in dry-run mode neither stages nor the cursor change.
func RunAutoReopen(ctx context.Context, a adapter.Adapter, me board.Actor, cur Cursor, opts ReopenOptions) (*ReopenResult, error) {
	if opts.CommentScanLimit < 1 {
		opts.CommentScanLimit = DefaultCommentScanLimit
	}

	next := Cursor{Version: 1, Seen: make(map[string]string, len(cur.Seen))}
	for k, v := range cur.Seen {
		next.Seen[k] = v
	}

	keys := me.Keys()
	result := &ReopenResult{Cursor: next}

	for _, stage := range []board.Stage{board.StageBlocked, board.StageInReview} {
		ids, err := a.ListIDsByStage(ctx, stage)
		if err != nil {
			return nil, fmt.Errorf("list %s tickets: %w", stage, err)
		}
		for _, id := range ids {
			comments, err := a.ListComments(ctx, id, adapter.CommentQuery{
				Limit:       opts.CommentScanLimit,
				NewestFirst: true,
			})
			if err != nil {
				return nil, fmt.Errorf("list comments on %s: %w", id, err)
			}
			if len(comments) == 0 {
				continue
			}

			trigger := findHumanReply(comments, keys, cur.Seen[id])
			if trigger != nil {
				if opts.DryRun {
					log.Info().Str("id", id).Str("comment", trigger.ID).Msg("Would reopen (dry run)")
				} else if err := a.SetStage(ctx, id, board.StageTodo); err != nil {
					return nil, fmt.Errorf("reopen %s: %w", id, err)
				}
				result.Reopened = append(result.Reopened, ReopenTrigger{
					TicketID:  id,
					CommentID: trigger.ID,
					Author:    authorLabel(*trigger),
					FromStage: stage.String(),
				})
			}

			if !opts.DryRun {
				next.Seen[id] = comments[0].ID
			}
		}
	}

	return result, nil
}

// findHumanReply walks comments newest-first, stopping at the previously
// stored cursor id, and returns the newest comment whose effective author is
// not the worker.
func findHumanReply(comments []board.Comment, workerKeys map[string]bool, stopAt string) *board.Comment {
	for i := range comments {
		c := comments[i]
		if stopAt != "" && c.ID == stopAt {
			return nil
		}
		if isHumanComment(c, workerKeys) {
			return &c
		}
	}
	return nil
}

// isHumanComment applies the relayed-author heuristic: a leading
// "Author: <name>" metadata line names the effective author even when the
// comment was imported under the worker's own account.
func isHumanComment(c board.Comment, workerKeys map[string]bool) bool {
	if relayed := c.EffectiveAuthorName(); relayed != "" {
		return !workerKeys[strings.ToLower(strings.TrimSpace(relayed))]
	}
	for _, v := range []string{c.Author.ID, c.Author.Username, c.Author.Name} {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" && workerKeys[v] {
			return false
		}
	}
	return true
}

func authorLabel(c board.Comment) string {
	if relayed := c.EffectiveAuthorName(); relayed != "" {
		return relayed
	}
	switch {
	case c.Author.Username != "":
		return c.Author.Username
	case c.Author.Name != "":
		return c.Author.Name
	}
	return c.Author.ID
}
