package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Version: 1,
		Adapter: Adapter{
			Kind: KindGitHub,
			StageMap: map[string]string{
				"Backlog": "todo", "In Progress": "in-progress",
				"In Review": "in-review", "Blocked": "blocked",
			},
			GitHub: &GitHub{Repo: "acme/widgets"},
		},
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config", "clawban.json")

	require.NoError(t, Save(path, validConfig()))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, KindGitHub, cfg.Adapter.Kind)
	assert.Equal(t, "acme/widgets", cfg.Adapter.GitHub.Repo)
}

func TestLoadTolerantOfComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clawban.json")
	raw := `{
		// the board
		"version": 1,
		"adapter": {
			"kind": "planka",
			"stageMap": {
				"To Do": "todo", "Doing": "in-progress",
				"Review": "in-review", "Stuck": "blocked",
			},
			"planka": {"baseUrl": "https://planka.local", "boardId": "b1"},
		},
	}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, KindPlanka, cfg.Adapter.Kind)
	assert.Equal(t, "b1", cfg.Adapter.Planka.BoardID)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "clawban setup")
}

func TestValidateRejectsIncompleteUnions(t *testing.T) {
	cfg := validConfig()
	cfg.Adapter.Kind = KindPlane
	cfg.Adapter.Plane = &Plane{BaseURL: "https://plane.local"}
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Adapter.Kind = "jira"
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Adapter.StageMap = nil
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Version = 2
	assert.Error(t, cfg.Validate())
}

func TestStatePaths(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, filepath.Join(".tmp", "kanban_autopilot.lock"), cfg.LockPath())

	cfg.StateDir = "/var/lib/clawban"
	assert.Equal(t, "/var/lib/clawban/kwf-session-map.json", cfg.SessionMapPath())
}
