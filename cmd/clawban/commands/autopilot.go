package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/arctek/clawban/adapter"
	"github.com/arctek/clawban/board"
	"github.com/arctek/clawban/engine"
	"github.com/arctek/clawban/internal/config"
	"github.com/arctek/clawban/internal/snapcache"
	"github.com/arctek/clawban/internal/statefile"
)

// Follow-up actions the orchestrator applies after a tick.
const (
	actionStart    = "start"
	actionComplete = "complete"
	actionAsk      = "ask"
	actionHold     = "hold"
	actionNone     = "none"
)

const holdReasonProofGate = "completion_proof_gate_failed"

// tickEnvelope is the JSON printed by autopilot-tick and consumed by
// cron-dispatch.
type tickEnvelope struct {
	Tick        *engine.Outcome        `json:"tick"`
	NextTicket  *board.WorkItemDetails `json:"nextTicket,omitempty"`
	HaltOptions []string               `json:"haltOptions"`
	Action      string                 `json:"action"`
	HoldReason  string                 `json:"holdReason,omitempty"`
	DryRun      bool                   `json:"dryRun"`
}

func commentScanLimit(cfg *config.Config) int {
	if cfg.Autopilot.CommentScanLimit > 0 {
		return cfg.Autopilot.CommentScanLimit
	}
	return engine.DefaultCommentScanLimit
}

func tickOptions(cfg *config.Config) engine.Options {
	opts := engine.Options{
		LockPath:          cfg.LockPath(),
		LockTTL:           lockTTL(cfg),
		CommentScanLimit:  cfg.Autopilot.CommentScanLimit,
		CompletionSignals: cfg.Autopilot.CompletionSignals,
		BlockerSignals:    cfg.Autopilot.BlockerSignals,
	}
	if cfg.Autopilot.StaleThresholdMinutes > 0 {
		opts.StaleThreshold = time.Duration(cfg.Autopilot.StaleThresholdMinutes) * time.Minute
	}
	return opts
}

// runAutopilotTick makes one decision and, unless dryRun, applies the
// follow-up mutation and runs the auto-reopen, progress and snapshot-cache
// satellites.
func runAutopilotTick(ctx context.Context, cfg *config.Config, a adapter.Adapter, dryRun bool) (*tickEnvelope, error) {
	now := time.Now()

	outcome, err := engine.RunTick(ctx, a, now, tickOptions(cfg))
	if err != nil {
		return nil, err
	}

	envelope, err := buildEnvelope(ctx, a, outcome, dryRun)
	if err != nil {
		return nil, err
	}

	if !dryRun {
		if err := runSatellites(ctx, cfg, a, now); err != nil {
			return nil, err
		}
	}
	return envelope, nil
}

// buildEnvelope maps a tick outcome to its follow-up action and, unless
// dryRun, applies it. A completed outcome without the strong completion
// reason is held: the ticket must not move to in-review on weak evidence.
func buildEnvelope(ctx context.Context, a adapter.Adapter, outcome *engine.Outcome, dryRun bool) (*tickEnvelope, error) {
	envelope := &tickEnvelope{
		Tick:        outcome,
		HaltOptions: []string{},
		Action:      actionNone,
		DryRun:      dryRun,
	}

	switch outcome.Kind {
	case engine.KindStarted:
		envelope.Action = actionStart
		if !dryRun {
			if err := a.SetStage(ctx, outcome.ID, board.StageInProgress); err != nil {
				return nil, fmt.Errorf("start %s: %w", outcome.ID, err)
			}
		}

	case engine.KindCompleted:
		if outcome.ReasonCode != engine.ReasonCompletionSignalStrong {
			envelope.Action = actionHold
			envelope.HoldReason = holdReasonProofGate
			envelope.HaltOptions = []string{"force-complete", "keep-working"}
			break
		}
		envelope.Action = actionComplete
		if !dryRun {
			if err := a.SetStage(ctx, outcome.ID, board.StageInReview); err != nil {
				return nil, fmt.Errorf("complete %s: %w", outcome.ID, err)
			}
		}

	case engine.KindBlocked:
		envelope.Action = actionAsk
		if !dryRun {
			if err := a.AddComment(ctx, outcome.ID, "Blocked (auto): "+outcome.Reason); err != nil {
				return nil, fmt.Errorf("comment blocked %s: %w", outcome.ID, err)
			}
			if err := a.SetStage(ctx, outcome.ID, board.StageBlocked); err != nil {
				return nil, fmt.Errorf("block %s: %w", outcome.ID, err)
			}
		}
	}

	// After a terminal outcome the backlog head is the candidate for the
	// next dispatch, when it is ours.
	if outcome.Kind == engine.KindCompleted || outcome.Kind == engine.KindBlocked {
		if next, err := nextAssignedTicket(ctx, a); err != nil {
			log.Warn().Err(err).Msg("Could not resolve the next backlog ticket")
		} else {
			envelope.NextTicket = next
		}
	}
	return envelope, nil
}

// nextAssignedTicket returns the backlog head when it is assigned to the
// worker, nil otherwise.
func nextAssignedTicket(ctx context.Context, a adapter.Adapter) (*board.WorkItemDetails, error) {
	me, err := a.Whoami(ctx)
	if err != nil {
		return nil, err
	}
	backlog, err := a.ListBacklogIDsInOrder(ctx)
	if err != nil {
		return nil, err
	}
	if len(backlog) == 0 {
		return nil, nil
	}
	details, err := a.GetWorkItem(ctx, backlog[0])
	if err != nil {
		return nil, err
	}
	for _, assignee := range details.Assignees {
		if me.Matches(assignee) {
			return details, nil
		}
	}
	return nil, nil
}

// runSatellites runs auto-reopen, the progress poster and the snapshot
// cache. Reopen and progress failures surface; the cache is best-effort.
func runSatellites(ctx context.Context, cfg *config.Config, a adapter.Adapter, now time.Time) error {
	me, err := a.Whoami(ctx)
	if err != nil {
		return err
	}

	cursor := engine.NewCursor()
	if _, err := statefile.Load(cfg.CursorPath(), &cursor); err != nil {
		return err
	}
	reopen, err := engine.RunAutoReopen(ctx, a, me, cursor, engine.ReopenOptions{
		CommentScanLimit: commentScanLimit(cfg),
	})
	if err != nil {
		return fmt.Errorf("auto-reopen scan: %w", err)
	}
	if err := statefile.Save(cfg.CursorPath(), reopen.Cursor); err != nil {
		return err
	}
	for _, trigger := range reopen.Reopened {
		log.Info().Str("id", trigger.TicketID).Str("author", trigger.Author).Msg("Reopened after human reply")
	}

	progressState := engine.ProgressState{}
	if _, err := statefile.Load(cfg.ProgressStatePath(), &progressState); err != nil {
		return err
	}
	interval := time.Duration(cfg.Autopilot.ProgressIntervalMinutes) * time.Minute
	nextState, posted, err := engine.RunProgressAutoUpdates(ctx, a, engine.ProgressOptions{
		Now:      now,
		State:    progressState,
		Interval: interval,
	})
	if err != nil {
		return fmt.Errorf("progress auto-updates: %w", err)
	}
	if err := statefile.Save(cfg.ProgressStatePath(), nextState); err != nil {
		return err
	}
	if len(posted) > 0 {
		log.Debug().Strs("ids", posted).Msg("Posted progress updates")
	}

	recordSnapshot(ctx, cfg, a, now)
	return nil
}

// recordSnapshot diffs the board against the cached snapshot. Cache trouble
// never fails a tick.
func recordSnapshot(ctx context.Context, cfg *config.Config, a adapter.Adapter, now time.Time) {
	snap, err := a.FetchSnapshot(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Snapshot fetch failed; skipping board event recording")
		return
	}
	cache, err := snapcache.Open(cfg.SnapshotCachePath())
	if err != nil {
		log.Warn().Err(err).Msg("Snapshot cache unavailable")
		return
	}
	defer cache.Close()

	events, err := cache.Record(a.Name(), now, snap)
	if err != nil {
		log.Warn().Err(err).Msg("Snapshot cache write failed")
		return
	}
	for _, ev := range events {
		log.Debug().Str("id", ev.ID).Str("kind", string(ev.Kind)).Msg("Board event")
	}
}

var tickDryRun bool

var autopilotTickCmd = &cobra.Command{
	Use:   "autopilot-tick",
	Short: "Run one autopilot decision and print the outcome envelope",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdapter(cmd, func(cfg *config.Config, a adapter.Adapter) error {
			envelope, err := runAutopilotTick(cmd.Context(), cfg, a, tickDryRun)
			if err != nil {
				return err
			}
			return printJSON(cmd, envelope)
		})
	},
}

func init() {
	autopilotTickCmd.Flags().BoolVar(&tickDryRun, "dry-run", false, "decide without mutating the board")
	rootCmd.AddCommand(autopilotTickCmd)
}
