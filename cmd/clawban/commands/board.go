package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arctek/clawban/adapter"
	"github.com/arctek/clawban/board"
	"github.com/arctek/clawban/internal/config"
)

// withAdapter loads the config, builds the backend and runs fn.
func withAdapter(cmd *cobra.Command, fn func(cfg *config.Config, a adapter.Adapter) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newAdapter(cfg)
	if err != nil {
		return err
	}
	return fn(cfg, a)
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

var nextCmd = &cobra.Command{
	Use:   "next",
	Short: "Print the next backlog ticket as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdapter(cmd, func(cfg *config.Config, a adapter.Adapter) error {
			ctx := cmd.Context()

			inProgress, err := a.ListIDsByStage(ctx, board.StageInProgress)
			if err != nil {
				return err
			}
			if len(inProgress) > 0 {
				return fmt.Errorf("ticket %s is already in progress; finish or ask about it first", inProgress[0])
			}

			backlog, err := a.ListBacklogIDsInOrder(ctx)
			if err != nil {
				return err
			}
			if len(backlog) == 0 {
				return fmt.Errorf("the backlog is empty")
			}

			details, err := a.GetWorkItem(ctx, backlog[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, details)
		})
	},
}

var (
	flagID      string
	flagText    string
	flagTitle   string
	flagBody    string
	flagSummary string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Move a ticket from the backlog into In Progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdapter(cmd, func(cfg *config.Config, a adapter.Adapter) error {
			return a.SetStage(cmd.Context(), flagID, board.StageInProgress)
		})
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Post a progress comment on a ticket",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdapter(cmd, func(cfg *config.Config, a adapter.Adapter) error {
			return a.AddComment(cmd.Context(), flagID, flagText)
		})
	},
}

var askCmd = &cobra.Command{
	Use:   "ask",
	Short: "Post a question and move the ticket to Blocked",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdapter(cmd, func(cfg *config.Config, a adapter.Adapter) error {
			ctx := cmd.Context()
			if err := a.AddComment(ctx, flagID, flagText); err != nil {
				return err
			}
			return a.SetStage(ctx, flagID, board.StageBlocked)
		})
	},
}

var completeCmd = &cobra.Command{
	Use:   "complete",
	Short: "Post a completion summary and move the ticket to In Review",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdapter(cmd, func(cfg *config.Config, a adapter.Adapter) error {
			ctx := cmd.Context()
			if err := a.AddComment(ctx, flagID, "Completed: "+flagSummary); err != nil {
				return err
			}
			return a.SetStage(ctx, flagID, board.StageInReview)
		})
	},
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a backlog ticket assigned to the worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdapter(cmd, func(cfg *config.Config, a adapter.Adapter) error {
			created, err := a.CreateInBacklogAndAssignToSelf(cmd.Context(), adapter.NewWorkItem{
				Title: flagTitle,
				Body:  flagBody,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, created)
		})
	},
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print a ticket with comments, attachments and links as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdapter(cmd, func(cfg *config.Config, a adapter.Adapter) error {
			ctx := cmd.Context()

			details, err := a.GetWorkItem(ctx, flagID)
			if err != nil {
				return err
			}
			details.Comments, err = a.ListComments(ctx, flagID, adapter.CommentQuery{
				Limit:       commentScanLimit(cfg),
				NewestFirst: true,
			})
			if err != nil {
				return err
			}
			details.Attachments, err = a.ListAttachments(ctx, flagID)
			if err != nil {
				return err
			}
			details.Links, err = a.ListLinkedWorkItems(ctx, flagID)
			if err != nil {
				return err
			}
			return printJSON(cmd, details)
		})
	},
}

func init() {
	startCmd.Flags().StringVar(&flagID, "id", "", "ticket id")
	_ = startCmd.MarkFlagRequired("id")

	updateCmd.Flags().StringVar(&flagID, "id", "", "ticket id")
	updateCmd.Flags().StringVar(&flagText, "text", "", "comment text")
	_ = updateCmd.MarkFlagRequired("id")
	_ = updateCmd.MarkFlagRequired("text")

	askCmd.Flags().StringVar(&flagID, "id", "", "ticket id")
	askCmd.Flags().StringVar(&flagText, "text", "", "question text")
	_ = askCmd.MarkFlagRequired("id")
	_ = askCmd.MarkFlagRequired("text")

	completeCmd.Flags().StringVar(&flagID, "id", "", "ticket id")
	completeCmd.Flags().StringVar(&flagSummary, "summary", "", "what was done and how it was verified")
	_ = completeCmd.MarkFlagRequired("id")
	_ = completeCmd.MarkFlagRequired("summary")

	createCmd.Flags().StringVar(&flagTitle, "title", "", "ticket title")
	createCmd.Flags().StringVar(&flagBody, "body", "", "ticket body")
	_ = createCmd.MarkFlagRequired("title")

	showCmd.Flags().StringVar(&flagID, "id", "", "ticket id")
	_ = showCmd.MarkFlagRequired("id")

	rootCmd.AddCommand(nextCmd, startCmd, updateCmd, askCmd, completeCmd, createCmd, showCmd)
}
