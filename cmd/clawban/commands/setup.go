package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/arctek/clawban/adapter"
	"github.com/arctek/clawban/board"
	"github.com/arctek/clawban/internal/config"
)

var setupFlags struct {
	kind         string
	stageMapJSON string
	force        bool

	repo string

	teamID string

	baseURL    string
	workspace  string
	projectIDs []string

	boardID string

	apiKeyEnv string
	stateDir  string
	logDir    string
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Validate platform connectivity and write the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !setupFlags.force {
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config %s already exists; use --force to overwrite", cfgPath)
			}
		}

		var stageMap map[string]string
		if err := json.Unmarshal([]byte(setupFlags.stageMapJSON), &stageMap); err != nil {
			return fmt.Errorf("parse --stage-map-json: %w", err)
		}
		if _, err := adapter.ParseStageMap(stageMap); err != nil {
			return err
		}

		cfg := buildSetupConfig(stageMap)
		if err := cfg.Validate(); err != nil {
			return err
		}

		a, err := newAdapter(cfg)
		if err != nil {
			return err
		}
		if err := probe(cmd, a); err != nil {
			return err
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", cfgPath)
		return nil
	},
}

func buildSetupConfig(stageMap map[string]string) *config.Config {
	cfg := &config.Config{
		Version: config.Version,
		Adapter: config.Adapter{
			Kind:     setupFlags.kind,
			StageMap: stageMap,
		},
		StateDir: setupFlags.stateDir,
		LogDir:   setupFlags.logDir,
	}
	switch setupFlags.kind {
	case config.KindGitHub:
		cfg.Adapter.GitHub = &config.GitHub{
			Repo: setupFlags.repo,
		}
	case config.KindLinear:
		cfg.Adapter.Linear = &config.Linear{
			TeamID:    setupFlags.teamID,
			APIKeyEnv: setupFlags.apiKeyEnv,
			BaseURL:   setupFlags.baseURL,
		}
	case config.KindPlane:
		cfg.Adapter.Plane = &config.Plane{
			BaseURL:    setupFlags.baseURL,
			Workspace:  setupFlags.workspace,
			ProjectIDs: setupFlags.projectIDs,
			APIKeyEnv:  setupFlags.apiKeyEnv,
		}
	case config.KindPlanka:
		cfg.Adapter.Planka = &config.Planka{
			BaseURL:  setupFlags.baseURL,
			BoardID:  setupFlags.boardID,
			TokenEnv: setupFlags.apiKeyEnv,
		}
	}
	return cfg
}

// identityKeys flattens the actor's key set into a sorted slice for logging.
func identityKeys(me board.Actor) []string {
	keys := make([]string, 0, 3)
	for k := range me.Keys() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// probe exercises every read operation once, plus a sampled detail fetch, so
// a bad token or stage map fails here rather than mid-tick.
func probe(cmd *cobra.Command, a adapter.Adapter) error {
	ctx := cmd.Context()

	me, err := a.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("whoami probe: %w", err)
	}
	log.Info().Str("backend", a.Name()).Strs("identity", identityKeys(me)).Msg("Authenticated")

	for _, stage := range board.Stages {
		if _, err := a.ListIDsByStage(ctx, stage); err != nil {
			return fmt.Errorf("list %s probe: %w", stage, err)
		}
	}
	if _, err := a.ListBacklogIDsInOrder(ctx); err != nil {
		return fmt.Errorf("backlog probe: %w", err)
	}

	snap, err := a.FetchSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot probe: %w", err)
	}
	if len(snap) == 0 {
		return nil
	}

	// Sample one item for the detail endpoints.
	ids := make([]string, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	sample := ids[0]

	if _, err := a.GetWorkItem(ctx, sample); err != nil {
		return fmt.Errorf("detail probe on %s: %w", sample, err)
	}
	if _, err := a.ListComments(ctx, sample, adapter.CommentQuery{Limit: 1, NewestFirst: true}); err != nil {
		return fmt.Errorf("comments probe on %s: %w", sample, err)
	}
	if _, err := a.ListAttachments(ctx, sample); err != nil {
		return fmt.Errorf("attachments probe on %s: %w", sample, err)
	}
	if _, err := a.ListLinkedWorkItems(ctx, sample); err != nil {
		return fmt.Errorf("links probe on %s: %w", sample, err)
	}
	return nil
}

func init() {
	f := setupCmd.Flags()
	f.StringVar(&setupFlags.kind, "kind", "", "adapter kind: github | linear | plane | planka")
	f.StringVar(&setupFlags.stageMapJSON, "stage-map-json", "", `JSON map of platform state names to canonical stages, e.g. {"Backlog":"todo",...}`)
	f.BoolVar(&setupFlags.force, "force", false, "overwrite an existing configuration")

	f.StringVar(&setupFlags.repo, "repo", "", "github: owner/name repository")
	f.StringVar(&setupFlags.teamID, "team-id", "", "linear: team id")
	f.StringVar(&setupFlags.baseURL, "base-url", "", "linear/plane/planka: API base URL")
	f.StringVar(&setupFlags.workspace, "workspace", "", "plane: workspace slug")
	f.StringSliceVar(&setupFlags.projectIDs, "project", nil, "plane: project id (repeatable, consumption order)")
	f.StringVar(&setupFlags.boardID, "board-id", "", "planka: board id")
	f.StringVar(&setupFlags.apiKeyEnv, "api-key-env", "", "environment variable holding the API key or token")
	f.StringVar(&setupFlags.stateDir, "state-dir", "", "state directory (default .tmp)")
	f.StringVar(&setupFlags.logDir, "log-dir", "", "log directory (no file logging when empty)")

	_ = setupCmd.MarkFlagRequired("kind")
	_ = setupCmd.MarkFlagRequired("stage-map-json")
	rootCmd.AddCommand(setupCmd)
}
