package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/arctek/clawban/adapter"
	"github.com/arctek/clawban/board"
	"github.com/arctek/clawban/dispatch"
	"github.com/arctek/clawban/engine"
	"github.com/arctek/clawban/internal/config"
	"github.com/arctek/clawban/internal/statefile"
)

var cronFlags struct {
	agent          string
	timeoutMinutes int
}

// dispatchReport is the JSON summary printed after a cron-dispatch run.
type dispatchReport struct {
	Tick    *tickEnvelope    `json:"tick"`
	Actions []dispatchResult `json:"actions"`
}

type dispatchResult struct {
	Kind       string                     `json:"kind"`
	TicketID   string                     `json:"ticketId"`
	SessionID  string                     `json:"sessionId"`
	ExitCode   int                        `json:"exitCode,omitempty"`
	Command    string                     `json:"command,omitempty"`
	Violations []string                   `json:"violations,omitempty"`
	Evidence   *dispatch.ContractEvidence `json:"evidence,omitempty"`
}

var cronDispatchCmd = &cobra.Command{
	Use:   "cron-dispatch",
	Short: "Run one tick and dispatch the worker agent on the resulting session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdapter(cmd, func(cfg *config.Config, a adapter.Adapter) error {
			ctx := cmd.Context()

			envelope, err := runAutopilotTick(ctx, cfg, a, false)
			if err != nil {
				return err
			}

			spawner, err := dispatch.NewSpawner(cronFlags.agent, agentTimeout(), verbose)
			if err != nil {
				return err
			}

			report, err := runDispatch(ctx, cfg, a, spawner, envelope)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		})
	},
}

func agentTimeout() time.Duration {
	if cronFlags.timeoutMinutes > 0 {
		return time.Duration(cronFlags.timeoutMinutes) * time.Minute
	}
	return 0 // spawner default
}

// runDispatch plans worker sessions from the tick outcome, runs the agent for
// every work action and folds the worker's terminal command back into the
// board and the session map.
func runDispatch(ctx context.Context, cfg *config.Config, a adapter.Adapter, spawner *dispatch.Spawner, envelope *tickEnvelope) (*dispatchReport, error) {
	now := time.Now()

	sessions := dispatch.NewSessionMap()
	if _, err := statefile.Load(cfg.SessionMapPath(), sessions); err != nil {
		return nil, err
	}

	input := dispatch.PlanInput{
		Outcome:    envelope.Tick,
		NextTicket: envelope.NextTicket,
	}
	if id := envelope.Tick.ID; id != "" && envelope.Tick.Kind != engine.KindNoWork {
		ticket, err := loadTicketContext(ctx, cfg, a, id)
		if err != nil {
			return nil, err
		}
		input.Ticket = ticket
	}
	if input.NextTicket != nil {
		enriched, err := loadTicketContext(ctx, cfg, a, input.NextTicket.ID)
		if err != nil {
			return nil, err
		}
		input.NextTicket = enriched
	}

	sessions, actions, _ := dispatch.BuildDispatcherPlan(sessions, now, input)
	if err := statefile.Save(cfg.SessionMapPath(), sessions); err != nil {
		return nil, err
	}

	report := &dispatchReport{Tick: envelope, Actions: []dispatchResult{}}

	for _, action := range actions {
		result := dispatchResult{
			Kind:      action.Kind,
			TicketID:  action.TicketID,
			SessionID: action.SessionID,
		}
		if action.Kind != dispatch.ActionWork {
			log.Info().Str("id", action.TicketID).Str("session", action.SessionID).Msg("Finalized worker session")
			report.Actions = append(report.Actions, result)
			continue
		}

		run, err := spawner.Run(ctx, action.SessionID, action.Instructions)
		if err != nil {
			return nil, fmt.Errorf("spawn worker for %s: %w", action.TicketID, err)
		}
		result.ExitCode = run.ExitCode

		validation := dispatch.ValidateWorkerResponseContract(run.Output)
		result.Violations = validation.Violations
		result.Evidence = &validation.Evidence

		if !validation.OK {
			// The ticket stays in progress; the next tick re-dispatches it.
			log.Warn().
				Str("id", action.TicketID).
				Strs("violations", validation.Violations).
				Msg("Worker reply violated the response contract")
			report.Actions = append(report.Actions, result)
			continue
		}
		result.Command = validation.Command.Kind

		sessions = dispatch.ApplyWorkerCommand(sessions, action.TicketID, validation.Command, time.Now())
		if err := statefile.Save(cfg.SessionMapPath(), sessions); err != nil {
			return nil, err
		}
		if err := applyWorkerCommand(ctx, a, action.TicketID, validation.Command); err != nil {
			return nil, err
		}
		report.Actions = append(report.Actions, result)
	}

	return report, nil
}

// applyWorkerCommand performs the board mutation a worker's terminal command
// calls for.
func applyWorkerCommand(ctx context.Context, a adapter.Adapter, ticketID string, cmd *dispatch.WorkerCommand) error {
	switch cmd.Kind {
	case dispatch.CommandContinue:
		if err := a.AddComment(ctx, ticketID, cmd.Text); err != nil {
			return fmt.Errorf("post progress on %s: %w", ticketID, err)
		}
	case dispatch.CommandBlocked:
		if err := a.AddComment(ctx, ticketID, cmd.Text); err != nil {
			return fmt.Errorf("post blocker on %s: %w", ticketID, err)
		}
		if err := a.SetStage(ctx, ticketID, board.StageBlocked); err != nil {
			return fmt.Errorf("block %s: %w", ticketID, err)
		}
	case dispatch.CommandCompleted:
		if err := a.AddComment(ctx, ticketID, "Completed: "+cmd.Text); err != nil {
			return fmt.Errorf("post completion on %s: %w", ticketID, err)
		}
		if err := a.SetStage(ctx, ticketID, board.StageInReview); err != nil {
			return fmt.Errorf("complete %s: %w", ticketID, err)
		}
	}
	return nil
}

// loadTicketContext fetches the full detail bundle embedded in the worker's
// instructions.
func loadTicketContext(ctx context.Context, cfg *config.Config, a adapter.Adapter, id string) (*board.WorkItemDetails, error) {
	details, err := a.GetWorkItem(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch ticket %s: %w", id, err)
	}
	details.Comments, err = a.ListComments(ctx, id, adapter.CommentQuery{
		Limit:       commentScanLimit(cfg),
		NewestFirst: true,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch comments on %s: %w", id, err)
	}
	details.Attachments, err = a.ListAttachments(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch attachments on %s: %w", id, err)
	}
	details.Links, err = a.ListLinkedWorkItems(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch links on %s: %w", id, err)
	}
	return details, nil
}

func init() {
	cronDispatchCmd.Flags().StringVar(&cronFlags.agent, "agent", "", "worker agent command line")
	cronDispatchCmd.Flags().IntVar(&cronFlags.timeoutMinutes, "agent-timeout", 0, "worker agent timeout in minutes")
	_ = cronDispatchCmd.MarkFlagRequired("agent")
	rootCmd.AddCommand(cronDispatchCmd)
}
