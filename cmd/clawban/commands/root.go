// Package commands wires the clawban command tree: board verbs, setup, and
// the autopilot entry points driven by cron.
package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/arctek/clawban/adapter"
	"github.com/arctek/clawban/adapter/github"
	"github.com/arctek/clawban/adapter/linear"
	"github.com/arctek/clawban/adapter/plane"
	"github.com/arctek/clawban/adapter/planka"
	"github.com/arctek/clawban/internal/config"
	"github.com/arctek/clawban/internal/logging"
)

var (
	// Version is set at build time via ldflags.
	Version = "dev"

	verbose bool
	cfgPath string
)

var rootCmd = &cobra.Command{
	Use:   "clawban",
	Short: "Clawban is a single-worker Kanban autopilot",
	Long: `Clawban drives one ticket at a time through a four-stage Kanban workflow
on GitHub, Linear, Plane or Planka, dispatching an external worker agent to do
the actual engineering.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Local .env is optional; adapters read their API keys from the
		// environment.
		_ = godotenv.Load()
		logging.Init(verbose, "")
	},
}

// Execute runs the command tree.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath, "path to the clawban config file")
}

// loadConfig reads the active configuration and re-arms file logging when a
// log directory is configured.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if cfg.LogDir != "" {
		logging.Init(verbose, cfg.LogDir)
	}
	return cfg, nil
}

// newAdapter instantiates the configured platform backend.
func newAdapter(cfg *config.Config) (adapter.Adapter, error) {
	stages, err := adapter.ParseStageMap(cfg.Adapter.StageMap)
	if err != nil {
		return nil, fmt.Errorf("stage map: %w", err)
	}

	switch cfg.Adapter.Kind {
	case config.KindGitHub:
		return github.New(github.Options{
			Repo:     cfg.Adapter.GitHub.Repo,
			StageMap: stages,
		})
	case config.KindLinear:
		return linear.New(linear.Options{
			TeamID:   cfg.Adapter.Linear.TeamID,
			APIKey:   envValue(cfg.Adapter.Linear.APIKeyEnv, "LINEAR_API_KEY"),
			BaseURL:  cfg.Adapter.Linear.BaseURL,
			StageMap: stages,
		})
	case config.KindPlane:
		return plane.New(plane.Options{
			BaseURL:    cfg.Adapter.Plane.BaseURL,
			Workspace:  cfg.Adapter.Plane.Workspace,
			ProjectIDs: cfg.Adapter.Plane.ProjectIDs,
			APIKey:     envValue(cfg.Adapter.Plane.APIKeyEnv, "PLANE_API_KEY"),
			StageMap:   stages,
		})
	case config.KindPlanka:
		return planka.New(planka.Options{
			BaseURL:  cfg.Adapter.Planka.BaseURL,
			BoardID:  cfg.Adapter.Planka.BoardID,
			Token:    envValue(cfg.Adapter.Planka.TokenEnv, "PLANKA_TOKEN"),
			StageMap: stages,
		})
	}
	return nil, fmt.Errorf("unknown adapter kind %q", cfg.Adapter.Kind)
}

func envValue(name, fallback string) string {
	if name == "" {
		name = fallback
	}
	return os.Getenv(name)
}

func lockTTL(cfg *config.Config) time.Duration {
	if cfg.Autopilot.LockTTLMinutes > 0 {
		return time.Duration(cfg.Autopilot.LockTTLMinutes) * time.Minute
	}
	return 0 // engine default
}
