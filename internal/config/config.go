// Package config loads and persists the clawban.json adapter configuration.
// The file is HuJSON: comments and trailing commas are tolerated on read,
// plain JSON is written back.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"

	"github.com/arctek/clawban/internal/statefile"
)

// DefaultPath is the conventional config location.
const DefaultPath = "config/clawban.json"

// Version is the current config schema version.
const Version = 1

// Adapter kinds.
const (
	KindGitHub = "github"
	KindLinear = "linear"
	KindPlane  = "plane"
	KindPlanka = "planka"
)

// Config is the persisted application configuration.
type Config struct {
	Version   int       `json:"version"`
	Adapter   Adapter   `json:"adapter"`
	Autopilot Autopilot `json:"autopilot"`
	StateDir  string    `json:"stateDir,omitempty"` // default .tmp
	LogDir    string    `json:"logDir,omitempty"`
}

// Adapter is the tagged union selecting and configuring the platform backend.
type Adapter struct {
	Kind     string            `json:"kind"` // github | linear | plane | planka
	StageMap map[string]string `json:"stageMap"`

	GitHub *GitHub `json:"github,omitempty"`
	Linear *Linear `json:"linear,omitempty"`
	Plane  *Plane  `json:"plane,omitempty"`
	Planka *Planka `json:"planka,omitempty"`
}

// GitHub configures the gh-CLI backend. Stages are label-based, so the repo
// is the only required coordinate.
type GitHub struct {
	Repo string `json:"repo"` // owner/name
}

// Linear configures the Linear GraphQL backend.
type Linear struct {
	TeamID    string `json:"teamId"`
	APIKeyEnv string `json:"apiKeyEnv,omitempty"` // default LINEAR_API_KEY
	BaseURL   string `json:"baseUrl,omitempty"`
}

// Plane configures the Plane HTTP backend. Multiple projects are consumed in
// the listed order.
type Plane struct {
	BaseURL    string   `json:"baseUrl"`
	Workspace  string   `json:"workspace"`
	ProjectIDs []string `json:"projectIds"`
	APIKeyEnv  string   `json:"apiKeyEnv,omitempty"` // default PLANE_API_KEY
}

// Planka configures the Planka HTTP backend.
type Planka struct {
	BaseURL  string `json:"baseUrl"`
	BoardID  string `json:"boardId"`
	TokenEnv string `json:"tokenEnv,omitempty"` // default PLANKA_TOKEN
}

// Autopilot tunes the tick decision engine and its satellites.
type Autopilot struct {
	StaleThresholdMinutes   int      `json:"staleThresholdMinutes,omitempty"`   // default 15
	CommentScanLimit        int      `json:"commentScanLimit,omitempty"`        // default 20
	LockTTLMinutes          int      `json:"lockTtlMinutes,omitempty"`          // default 120
	ProgressIntervalMinutes int      `json:"progressIntervalMinutes,omitempty"` // default 5
	BlockerSignals          []string `json:"blockerSignals,omitempty"`
	CompletionSignals       []string `json:"completionSignals,omitempty"`
}

// Load reads and validates the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no configuration at %s (run `clawban setup` first): %w", path, err)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes the config atomically, creating the parent directory.
func Save(path string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return statefile.Save(path, cfg)
}

// Validate checks the tagged union and per-kind required fields.
func (c *Config) Validate() error {
	if c.Version != Version {
		return fmt.Errorf("unsupported config version %d", c.Version)
	}
	if len(c.Adapter.StageMap) == 0 {
		return fmt.Errorf("adapter.stageMap is required")
	}
	switch c.Adapter.Kind {
	case KindGitHub:
		if c.Adapter.GitHub == nil || c.Adapter.GitHub.Repo == "" {
			return fmt.Errorf("github adapter requires github.repo")
		}
	case KindLinear:
		if c.Adapter.Linear == nil || c.Adapter.Linear.TeamID == "" {
			return fmt.Errorf("linear adapter requires linear.teamId")
		}
	case KindPlane:
		p := c.Adapter.Plane
		if p == nil || p.BaseURL == "" || p.Workspace == "" || len(p.ProjectIDs) == 0 {
			return fmt.Errorf("plane adapter requires plane.baseUrl, plane.workspace and plane.projectIds")
		}
	case KindPlanka:
		p := c.Adapter.Planka
		if p == nil || p.BaseURL == "" || p.BoardID == "" {
			return fmt.Errorf("planka adapter requires planka.baseUrl and planka.boardId")
		}
	case "":
		return fmt.Errorf("adapter.kind is required")
	default:
		return fmt.Errorf("unknown adapter kind %q", c.Adapter.Kind)
	}
	return nil
}

// stateDir returns the state directory, defaulting to .tmp.
func (c *Config) stateDir() string {
	if c.StateDir != "" {
		return c.StateDir
	}
	return ".tmp"
}

// LockPath is the mutex lock record location.
func (c *Config) LockPath() string {
	return filepath.Join(c.stateDir(), "kanban_autopilot.lock")
}

// SessionMapPath is the persisted worker session map.
func (c *Config) SessionMapPath() string {
	return filepath.Join(c.stateDir(), "kwf-session-map.json")
}

// CursorPath is the auto-reopen comment cursor.
func (c *Config) CursorPath() string {
	return filepath.Join(c.stateDir(), "kwf-auto-reopen-cursor.json")
}

// ProgressStatePath is the progress poster throttle state.
func (c *Config) ProgressStatePath() string {
	return filepath.Join(c.stateDir(), "kwf-progress-state.json")
}

// SnapshotCachePath is the per-adapter snapshot cache database.
func (c *Config) SnapshotCachePath() string {
	return filepath.Join(c.stateDir(), "snapshot-cache.db")
}
