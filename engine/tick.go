// Package engine implements the autopilot core: the tick decision engine,
// the auto-reopen watcher, and the periodic progress poster. One tick makes
// exactly one decision about the board; all platform access goes through the
// adapter port.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/cases"

	"github.com/arctek/clawban/adapter"
	"github.com/arctek/clawban/board"
	"github.com/arctek/clawban/internal/lockfile"
)

// Outcome kinds. Every tick yields exactly one.
const (
	KindStarted    = "started"
	KindInProgress = "in_progress"
	KindCompleted  = "completed"
	KindBlocked    = "blocked"
	KindNoWork     = "no_work"
)

// Reason codes attached to tick outcomes.
const (
	ReasonCompletionSignalStrong = "completion_signal_strong"
	ReasonStaleWithBlockerSignal = "stale_with_blocker_signal"
	ReasonNoBacklogAssigned      = "no_backlog_assigned"
	ReasonNextNotAssignedToMe    = "next_not_assigned_to_me"
	ReasonStartNextBacklog       = "start_next_assigned_backlog"
)

// DefaultCompletionSignals are the strong completion markers scanned for in
// recent comments (substring match, case-insensitive).
var DefaultCompletionSignals = []string{
	"completed:",
	"done and verified",
	"shipped and verified",
	"ready for review and verified",
}

// DefaultBlockerSignals mark a ticket as waiting on something external.
var DefaultBlockerSignals = []string{
	"waiting on",
	"blocked on",
	"blocked here",
	"need approval",
	"need credential",
}

// Defaults for tick options.
const (
	DefaultStaleThreshold   = 15 * time.Minute
	DefaultCommentScanLimit = 20
)

// Evidence substantiates a tick outcome.
type Evidence struct {
	MatchedSignal string     `json:"matchedSignal,omitempty"`
	UpdatedAt     *time.Time `json:"updatedAt,omitempty"`
}

// Outcome is the single decision of one tick.
type Outcome struct {
	Kind          string    `json:"kind"`
	ID            string    `json:"id,omitempty"`
	InProgressIDs []string  `json:"inProgressIds,omitempty"`
	MinutesStale  int       `json:"minutesStale,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	ReasonCode    string    `json:"reasonCode,omitempty"`
	Evidence      *Evidence `json:"evidence,omitempty"`
}

// Lock is the mutual-exclusion handle guarding a tick.
type Lock interface {
	Release() error
}

// AcquireLockFunc matches lockfile.TryAcquire; injectable for tests.
type AcquireLockFunc func(path string, now time.Time, ttl time.Duration) (Lock, error)

// Options tunes a tick run. The zero value uses defaults throughout.
type Options struct {
	LockPath string
	LockTTL  time.Duration

	StaleThreshold   time.Duration
	CommentScanLimit int

	CompletionSignals []string
	BlockerSignals    []string

	AcquireLock AcquireLockFunc
}

func (o Options) withDefaults() Options {
	if o.LockPath == "" {
		o.LockPath = ".tmp/kanban_autopilot.lock"
	}
	if o.LockTTL <= 0 {
		o.LockTTL = lockfile.DefaultTTL
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = DefaultStaleThreshold
	}
	if o.CommentScanLimit < 1 {
		o.CommentScanLimit = DefaultCommentScanLimit
	}
	if len(o.CompletionSignals) == 0 {
		o.CompletionSignals = DefaultCompletionSignals
	}
	if len(o.BlockerSignals) == 0 {
		o.BlockerSignals = DefaultBlockerSignals
	}
	if o.AcquireLock == nil {
		o.AcquireLock = func(path string, now time.Time, ttl time.Duration) (Lock, error) {
			return lockfile.TryAcquire(path, now, ttl)
		}
	}
	return o
}

// RunTick makes one autopilot decision. The engine itself performs only the
// heal mutations; the started/completed/blocked follow-up transitions belong
// to orchestration so a dry run can preview without mutating. The lock is
// released on every exit path.
func RunTick(ctx context.Context, a adapter.Adapter, now time.Time, opts Options) (outcome *Outcome, err error) {
	opts = opts.withDefaults()

	lock, err := opts.AcquireLock(opts.LockPath, now, opts.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire tick lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.Release(); releaseErr != nil && err == nil {
			err = fmt.Errorf("release tick lock: %w", releaseErr)
		}
	}()

	// Best-effort assignment repair before any listing.
	if r, ok := a.(adapter.AssignmentReconciler); ok {
		if recErr := r.ReconcileAssignments(ctx); recErr != nil {
			log.Warn().Err(recErr).Msg("Assignment reconciliation failed; continuing")
		}
	}

	me, err := a.Whoami(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve worker identity: %w", err)
	}

	inProgress, err := a.ListIDsByStage(ctx, board.StageInProgress)
	if err != nil {
		return nil, fmt.Errorf("list in-progress: %w", err)
	}

	mine, err := filterMine(ctx, a, me, inProgress)
	if err != nil {
		return nil, err
	}

	switch {
	case len(mine) > 1:
		return healExtras(ctx, a, mine)
	case len(mine) == 1:
		return classifyInProgress(ctx, a, mine[0], now, opts)
	}
	return pickNext(ctx, a, me)
}

// filterMine fetches each in-progress item and keeps the ones assigned to me.
func filterMine(ctx context.Context, a adapter.Adapter, me board.Actor, ids []string) ([]*board.WorkItemDetails, error) {
	var mine []*board.WorkItemDetails
	for _, id := range ids {
		item, err := a.GetWorkItem(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("fetch in-progress item %s: %w", id, err)
		}
		if assignedToMe(me, item.Assignees) {
			mine = append(mine, item)
		}
	}
	return mine, nil
}

func assignedToMe(me board.Actor, assignees []board.Actor) bool {
	for _, assignee := range assignees {
		if me.Matches(assignee) {
			return true
		}
	}
	return false
}

// healExtras resolves a corrupt in-progress count: the oldest-updated item
// stays primary, every other mine item goes back to the backlog with an
// explanatory comment.
func healExtras(ctx context.Context, a adapter.Adapter, mine []*board.WorkItemDetails) (*Outcome, error) {
	primary := mine[0]
	for _, item := range mine[1:] {
		if olderThan(item, primary) {
			primary = item
		}
	}

	for _, item := range mine {
		if item.ID == primary.ID {
			continue
		}
		if err := a.SetStage(ctx, item.ID, board.StageTodo); err != nil {
			return nil, fmt.Errorf("heal %s back to todo: %w", item.ID, err)
		}
		comment := fmt.Sprintf(
			"Moved back to Backlog automatically: %q was already in progress and only one ticket may be worked at a time.",
			primary.Title,
		)
		if err := a.AddComment(ctx, item.ID, comment); err != nil {
			return nil, fmt.Errorf("comment on healed %s: %w", item.ID, err)
		}
		log.Info().Str("id", item.ID).Str("primary", primary.ID).Msg("Healed extra in-progress ticket")
	}

	return &Outcome{
		Kind:          KindInProgress,
		ID:            primary.ID,
		InProgressIDs: []string{primary.ID},
	}, nil
}

// olderThan orders items by updatedAt ascending, missing timestamps last,
// id as the final tie-break.
func olderThan(a, b *board.WorkItemDetails) bool {
	switch {
	case a.UpdatedAt != nil && b.UpdatedAt != nil && !a.UpdatedAt.Equal(*b.UpdatedAt):
		return a.UpdatedAt.Before(*b.UpdatedAt)
	case a.UpdatedAt != nil && b.UpdatedAt == nil:
		return true
	case a.UpdatedAt == nil && b.UpdatedAt != nil:
		return false
	}
	return a.ID < b.ID
}

// classifyInProgress decides whether the single mine in-progress ticket is
// done, stuck, or still being worked.
func classifyInProgress(ctx context.Context, a adapter.Adapter, item *board.WorkItemDetails, now time.Time, opts Options) (*Outcome, error) {
	minutesStale := 0
	if item.UpdatedAt != nil {
		minutesStale = int(now.Sub(*item.UpdatedAt) / time.Minute)
	}

	comments, err := a.ListComments(ctx, item.ID, adapter.CommentQuery{
		Limit:           opts.CommentScanLimit,
		NewestFirst:     true,
		IncludeInternal: true,
	})
	if err != nil {
		return nil, fmt.Errorf("scan comments on %s: %w", item.ID, err)
	}

	if signal := matchSignal(comments, opts.CompletionSignals); signal != "" {
		return &Outcome{
			Kind:       KindCompleted,
			ID:         item.ID,
			ReasonCode: ReasonCompletionSignalStrong,
			Evidence:   &Evidence{MatchedSignal: signal},
		}, nil
	}

	if signal := matchSignal(comments, opts.BlockerSignals); signal != "" && time.Duration(minutesStale)*time.Minute >= opts.StaleThreshold {
		return &Outcome{
			Kind:         KindBlocked,
			ID:           item.ID,
			MinutesStale: minutesStale,
			Reason:       fmt.Sprintf("no activity for %dm and a blocker signal %q in recent comments", minutesStale, signal),
			ReasonCode:   ReasonStaleWithBlockerSignal,
			Evidence:     &Evidence{MatchedSignal: signal},
		}, nil
	}

	return &Outcome{
		Kind:          KindInProgress,
		ID:            item.ID,
		InProgressIDs: []string{item.ID},
	}, nil
}

var foldCase = cases.Fold()

// matchSignal returns the first signal found as a case-insensitive substring
// of any comment body, scanning newest comments first.
func matchSignal(comments []board.Comment, signals []string) string {
	for _, c := range comments {
		body := foldCase.String(c.Body)
		for _, signal := range signals {
			if strings.Contains(body, foldCase.String(signal)) {
				return signal
			}
		}
	}
	return ""
}

// pickNext selects the head of the backlog if it is assigned to me. The
// stage transition itself is left to orchestration.
func pickNext(ctx context.Context, a adapter.Adapter, me board.Actor) (*Outcome, error) {
	backlog, err := a.ListBacklogIDsInOrder(ctx)
	if err != nil {
		return nil, fmt.Errorf("list backlog: %w", err)
	}
	if len(backlog) == 0 {
		return &Outcome{Kind: KindNoWork, ReasonCode: ReasonNoBacklogAssigned}, nil
	}

	next, err := a.GetWorkItem(ctx, backlog[0])
	if err != nil {
		return nil, fmt.Errorf("fetch backlog head %s: %w", backlog[0], err)
	}
	if !assignedToMe(me, next.Assignees) {
		return &Outcome{Kind: KindNoWork, ReasonCode: ReasonNextNotAssignedToMe}, nil
	}

	return &Outcome{
		Kind:       KindStarted,
		ID:         next.ID,
		ReasonCode: ReasonStartNextBacklog,
		Evidence:   &Evidence{UpdatedAt: next.UpdatedAt},
	}, nil
}
