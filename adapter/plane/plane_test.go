package plane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arctek/clawban/adapter"
	"github.com/arctek/clawban/board"
)

// fakePlane serves a minimal slice of the Plane REST API from fixtures keyed
// by path, recording mutations.
type fakePlane struct {
	mu       sync.Mutex
	fixtures map[string]string
	patches  []string
	posts    []string
}

func (f *fakePlane) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if r.Header.Get("X-API-Key") != "test-key" {
			http.Error(w, `{"detail": "bad key"}`, http.StatusUnauthorized)
			return
		}

		switch r.Method {
		case http.MethodPatch:
			body, _ := json.Marshal(map[string]string{"path": r.URL.Path})
			f.patches = append(f.patches, r.URL.Path)
			w.Write(body)
			return
		case http.MethodPost:
			f.posts = append(f.posts, r.URL.Path)
			if resp, ok := f.fixtures["POST "+r.URL.Path]; ok {
				w.Write([]byte(resp))
				return
			}
			w.Write([]byte(`{}`))
			return
		}

		if resp, ok := f.fixtures[r.URL.Path]; ok {
			w.Write([]byte(resp))
			return
		}
		http.NotFound(w, r)
	})
}

func stageMapFixture(t *testing.T) adapter.StageMap {
	t.Helper()
	m, err := adapter.ParseStageMap(map[string]string{
		"Backlog":     "todo",
		"Blocked":     "blocked",
		"In Progress": "in-progress",
		"In Review":   "in-review",
	})
	require.NoError(t, err)
	return m
}

const statesP1 = `{"results": [
  {"id": "s-todo", "name": "Backlog"},
  {"id": "s-prog", "name": "In Progress"},
  {"id": "s-block", "name": "Blocked"},
  {"id": "s-rev", "name": "In Review"},
  {"id": "s-done", "name": "Done"}
]}`

func newTestBackend(t *testing.T, projects []string, fixtures map[string]string) (*Backend, *fakePlane) {
	t.Helper()
	f := &fakePlane{fixtures: fixtures}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	b, err := New(Options{
		BaseURL:    srv.URL,
		Workspace:  "acme",
		ProjectIDs: projects,
		APIKey:     "test-key",
		StageMap:   stageMapFixture(t),
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)
	return b, f
}

func TestWhoamiProbesProjects(t *testing.T) {
	b, _ := newTestBackend(t, []string{"p1"}, map[string]string{
		"/api/v1/users/me/":                        `{"id": "u-1", "display_name": "worker", "first_name": "Kanban", "last_name": "Worker"}`,
		"/api/v1/workspaces/acme/projects/p1/states/": statesP1,
	})

	actor, err := b.Whoami(context.Background())
	require.NoError(t, err)
	assert.Equal(t, board.Actor{ID: "u-1", Username: "worker", Name: "Kanban Worker"}, actor)
}

func TestWhoamiFailsWhenProjectUnreadable(t *testing.T) {
	b, _ := newTestBackend(t, []string{"p1", "p-missing"}, map[string]string{
		"/api/v1/users/me/":                        `{"id": "u-1"}`,
		"/api/v1/workspaces/acme/projects/p1/states/": statesP1,
	})

	_, err := b.Whoami(context.Background())
	require.Error(t, err)
	var aerr *adapter.Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "plane", aerr.Backend)
}

const issuesP1 = `{"results": [
  {"id": "i-1", "name": "One", "state": "s-todo", "priority": "none",
   "sort_order": 200, "updated_at": "2026-08-01T00:00:00Z", "assignees": ["u-1"]},
  {"id": "i-2", "name": "Two", "state": "s-todo", "priority": "none",
   "sort_order": 100, "updated_at": "2026-08-10T00:00:00Z", "assignees": []},
  {"id": "i-3", "name": "Working", "state": "s-prog", "assignees": ["u-1"]},
  {"id": "i-4", "name": "Shipped", "state": "s-done", "assignees": []}
]}`

func TestSnapshotExcludesUnmappedStates(t *testing.T) {
	b, _ := newTestBackend(t, []string{"p1"}, map[string]string{
		"/api/v1/workspaces/acme/projects/p1/states/": statesP1,
		"/api/v1/workspaces/acme/projects/p1/issues/": issuesP1,
	})

	snap, err := b.FetchSnapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap, 3)
	assert.NotContains(t, snap, "i-4", "Done is not in the stage map")
	assert.Equal(t, board.StageInProgress, snap["i-3"].Stage)
}

func TestBacklogExplicitSortOrder(t *testing.T) {
	b, _ := newTestBackend(t, []string{"p1"}, map[string]string{
		"/api/v1/workspaces/acme/projects/p1/states/": statesP1,
		"/api/v1/workspaces/acme/projects/p1/issues/": issuesP1,
	})

	ids, err := b.ListBacklogIDsInOrder(context.Background())
	require.NoError(t, err)
	// Both todo issues carry sort_order; 100 beats 200 despite i-1 being older.
	assert.Equal(t, []string{"i-2", "i-1"}, ids)
}

func TestBacklogConcatenatesProjects(t *testing.T) {
	b, _ := newTestBackend(t, []string{"p1", "p2"}, map[string]string{
		"/api/v1/workspaces/acme/projects/p1/states/": statesP1,
		"/api/v1/workspaces/acme/projects/p1/issues/": issuesP1,
		"/api/v1/workspaces/acme/projects/p2/states/": statesP1,
		"/api/v1/workspaces/acme/projects/p2/issues/": `{"results": [
			{"id": "j-1", "name": "Other project", "state": "s-todo", "sort_order": 1}
		]}`,
	})

	ids, err := b.ListBacklogIDsInOrder(context.Background())
	require.NoError(t, err)
	// p1's ordering comes first in full, then p2's; never interleaved.
	assert.Equal(t, []string{"i-2", "i-1", "j-1"}, ids)
}

func TestGetWorkItemStripsHTMLBody(t *testing.T) {
	b, _ := newTestBackend(t, []string{"p1"}, map[string]string{
		"/api/v1/workspaces/acme/projects/p1/states/": statesP1,
		"/api/v1/workspaces/acme/projects/p1/issues/": issuesP1,
		"/api/v1/workspaces/acme/projects/p1/issues/i-3/": `{
			"id": "i-3", "name": "Working", "state": "s-prog",
			"description_html": "<p>Line one<br>Line&nbsp;two</p>"
		}`,
	})

	item, err := b.GetWorkItem(context.Background(), "i-3")
	require.NoError(t, err)
	assert.Equal(t, "Line one\nLine two", item.Body)
	assert.Equal(t, board.StageInProgress, item.Stage)
}

func TestListCommentsInternalFilterAndOrder(t *testing.T) {
	b, _ := newTestBackend(t, []string{"p1"}, map[string]string{
		"/api/v1/workspaces/acme/projects/p1/issues/": issuesP1,
		"/api/v1/workspaces/acme/projects/p1/states/": statesP1,
		"/api/v1/workspaces/acme/projects/p1/issues/i-3/comments/": `{"results": [
			{"id": "c1", "comment_html": "<p>first</p>", "actor": "u-1", "access": "EXTERNAL"},
			{"id": "c2", "comment_html": "<p>secret</p>", "actor": "u-1", "access": "INTERNAL"},
			{"id": "c3", "comment_html": "<p>third</p>", "actor": "u-2", "access": "EXTERNAL",
			 "actor_detail": {"id": "u-2", "display_name": "simon"}}
		]}`,
	})

	public, err := b.ListComments(context.Background(), "i-3", adapter.CommentQuery{Limit: 10, NewestFirst: true})
	require.NoError(t, err)
	require.Len(t, public, 2)
	assert.Equal(t, "c3", public[0].ID)
	assert.Equal(t, "simon", public[0].Author.Username)

	all, err := b.ListComments(context.Background(), "i-3", adapter.CommentQuery{Limit: 10, NewestFirst: true, IncludeInternal: true})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[1].Internal)
}

func TestSetStagePatchesStateOnce(t *testing.T) {
	b, f := newTestBackend(t, []string{"p1"}, map[string]string{
		"/api/v1/workspaces/acme/projects/p1/states/": statesP1,
		"/api/v1/workspaces/acme/projects/p1/issues/": issuesP1,
		"/api/v1/workspaces/acme/projects/p1/issues/i-3/": `{
			"id": "i-3", "name": "Working", "state": "s-prog"
		}`,
	})

	// Same stage: no-op, no PATCH.
	require.NoError(t, b.SetStage(context.Background(), "i-3", board.StageInProgress))
	assert.Empty(t, f.patches)

	require.NoError(t, b.SetStage(context.Background(), "i-3", board.StageBlocked))
	require.Len(t, f.patches, 1)
	assert.True(t, strings.HasSuffix(f.patches[0], "/issues/i-3/"))
}

func TestAddCommentPostsHTML(t *testing.T) {
	b, f := newTestBackend(t, []string{"p1"}, map[string]string{
		"/api/v1/workspaces/acme/projects/p1/states/": statesP1,
		"/api/v1/workspaces/acme/projects/p1/issues/": issuesP1,
	})

	require.NoError(t, b.AddComment(context.Background(), "i-3", "line one\nline two"))
	require.Len(t, f.posts, 1)
	assert.True(t, strings.HasSuffix(f.posts[0], "/issues/i-3/comments/"))

	// Empty bodies never reach the API.
	require.NoError(t, b.AddComment(context.Background(), "i-3", "   "))
	assert.Len(t, f.posts, 1)
}

func TestCreateAssignsSelf(t *testing.T) {
	b, f := newTestBackend(t, []string{"p1"}, map[string]string{
		"/api/v1/users/me/":                        `{"id": "u-1", "display_name": "worker"}`,
		"/api/v1/workspaces/acme/projects/p1/states/": statesP1,
		"POST /api/v1/workspaces/acme/projects/p1/issues/": `{"id": "i-new", "name": "fresh"}`,
	})

	created, err := b.CreateInBacklogAndAssignToSelf(context.Background(), adapter.NewWorkItem{Title: "fresh", Body: "b"})
	require.NoError(t, err)
	assert.Equal(t, "i-new", created.ID)
	require.Len(t, f.posts, 1)
}
