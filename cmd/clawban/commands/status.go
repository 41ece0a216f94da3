package commands

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/arctek/clawban/adapter"
	"github.com/arctek/clawban/board"
	"github.com/arctek/clawban/dispatch"
	"github.com/arctek/clawban/internal/config"
	"github.com/arctek/clawban/internal/snapcache"
	"github.com/arctek/clawban/internal/statefile"
)

// boardStatus is the JSON printed by the status command.
type boardStatus struct {
	Backend       string                  `json:"backend"`
	Counts        map[string]int          `json:"counts"`
	InProgress    []board.WorkItem        `json:"inProgress"`
	Blocked       []board.WorkItem        `json:"blocked"`
	ActiveSession *dispatch.ActiveSession `json:"activeSession,omitempty"`
	RecentEvents  []snapcache.RecentEvent `json:"recentEvents"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print board counts, the active session and recent board events",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdapter(cmd, func(cfg *config.Config, a adapter.Adapter) error {
			ctx := cmd.Context()

			snap, err := a.FetchSnapshot(ctx)
			if err != nil {
				return err
			}

			status := &boardStatus{
				Backend:      a.Name(),
				Counts:       map[string]int{},
				InProgress:   []board.WorkItem{},
				Blocked:      []board.WorkItem{},
				RecentEvents: []snapcache.RecentEvent{},
			}
			for _, stage := range board.Stages {
				status.Counts[stage.String()] = 0
			}
			for _, item := range snap {
				status.Counts[item.Stage.String()]++
				switch item.Stage {
				case board.StageInProgress:
					status.InProgress = append(status.InProgress, item)
				case board.StageBlocked:
					status.Blocked = append(status.Blocked, item)
				}
			}

			sessions := dispatch.NewSessionMap()
			if _, err := statefile.Load(cfg.SessionMapPath(), sessions); err != nil {
				return err
			}
			status.ActiveSession = sessions.Active

			if cache, err := snapcache.Open(cfg.SnapshotCachePath()); err != nil {
				log.Warn().Err(err).Msg("Snapshot cache unavailable; skipping board history")
			} else {
				defer cache.Close()
				if _, err := cache.Record(a.Name(), time.Now(), snap); err != nil {
					log.Warn().Err(err).Msg("Snapshot cache write failed")
				}
				events, err := cache.RecentEvents(a.Name(), commentScanLimit(cfg))
				if err != nil {
					log.Warn().Err(err).Msg("Could not read recent board events")
				} else if events != nil {
					status.RecentEvents = events
				}
			}

			return printJSON(cmd, status)
		})
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
