package github

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arctek/clawban/adapter"
	"github.com/arctek/clawban/board"
)

func testStageMap(t *testing.T) adapter.StageMap {
	t.Helper()
	m, err := adapter.ParseStageMap(map[string]string{
		"todo":        "todo",
		"blocked":     "blocked",
		"in progress": "in-progress",
		"in review":   "in-review",
	})
	require.NoError(t, err)
	return m
}

// scriptRunner answers gh invocations by longest matching arg prefix and
// records every call.
type scriptRunner struct {
	responses map[string]string
	calls     []string
}

func (r *scriptRunner) run(_ context.Context, args ...string) ([]byte, error) {
	line := strings.Join(args, " ")
	r.calls = append(r.calls, line)
	best := ""
	for prefix := range r.responses {
		if strings.HasPrefix(line, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	return []byte(r.responses[best]), nil
}

func newBackend(t *testing.T, responses map[string]string) (*Backend, *scriptRunner) {
	t.Helper()
	r := &scriptRunner{responses: responses}
	b, err := New(Options{Repo: "acme/widgets", StageMap: testStageMap(t), Runner: r.run})
	require.NoError(t, err)
	return b, r
}

const issueListJSON = `[
  {"number": 7, "title": "Fix importer", "url": "https://github.com/acme/widgets/issues/7",
   "updatedAt": "2026-08-20T10:00:00Z",
   "labels": [{"name": "todo"}, {"name": "priority: high"}],
   "assignees": [{"login": "kanban-worker"}]},
  {"number": 3, "title": "Old cleanup", "url": "https://github.com/acme/widgets/issues/3",
   "updatedAt": "2026-08-01T10:00:00Z",
   "labels": [{"name": "todo"}],
   "assignees": []},
  {"number": 9, "title": "Unmapped", "url": "https://github.com/acme/widgets/issues/9",
   "labels": [{"name": "question"}], "assignees": []}
]`

func TestWhoami(t *testing.T) {
	b, _ := newBackend(t, map[string]string{
		"api user": `{"id": 42, "login": "kanban-worker", "name": "Kanban Worker"}`,
	})
	actor, err := b.Whoami(context.Background())
	require.NoError(t, err)
	assert.Equal(t, board.Actor{ID: "42", Username: "kanban-worker", Name: "Kanban Worker"}, actor)
}

func TestSnapshotExcludesUnmapped(t *testing.T) {
	b, _ := newBackend(t, map[string]string{"issue list": issueListJSON})
	snap, err := b.FetchSnapshot(context.Background())
	require.NoError(t, err)

	assert.Len(t, snap, 2)
	assert.Equal(t, board.StageTodo, snap["7"].Stage)
	assert.NotContains(t, snap, "9", "issues without a mapped stage label are invisible")
}

func TestListIDsByStageNumericOrder(t *testing.T) {
	b, _ := newBackend(t, map[string]string{"issue list": issueListJSON})
	ids, err := b.ListIDsByStage(context.Background(), board.StageTodo)
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "7"}, ids)
}

func TestBacklogOrderUsesPriorityLabels(t *testing.T) {
	b, _ := newBackend(t, map[string]string{"issue list": issueListJSON})
	ids, err := b.ListBacklogIDsInOrder(context.Background())
	require.NoError(t, err)
	// #7 carries "priority: high", #3 has none; priorities differ, so rank
	// beats the older updatedAt of #3.
	assert.Equal(t, []string{"7", "3"}, ids)
}

const issueViewJSON = `{
  "number": 7, "title": "Fix importer", "body": "<p>Drops rows.</p>See #3 and #12.",
  "url": "https://github.com/acme/widgets/issues/7",
  "labels": [{"name": "in progress"}],
  "assignees": [{"login": "kanban-worker"}],
  "author": {"login": "simon"}
}`

func TestGetWorkItemStripsHTML(t *testing.T) {
	b, _ := newBackend(t, map[string]string{"issue view 7": issueViewJSON})
	item, err := b.GetWorkItem(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, board.StageInProgress, item.Stage)
	assert.Equal(t, "Drops rows.\nSee #3 and #12.", item.Body)
}

func TestListLinkedWorkItems(t *testing.T) {
	b, _ := newBackend(t, map[string]string{"issue view 7": issueViewJSON})
	links, err := b.ListLinkedWorkItems(context.Background(), "7")
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.Equal(t, "3", links[0].ID)
	assert.Equal(t, "12", links[1].ID)
}

func TestListCommentsNewestFirstAndLimit(t *testing.T) {
	b, _ := newBackend(t, map[string]string{
		"issue view 7": `{"comments": [
			{"id": "c1", "body": "first", "author": {"login": "simon"}},
			{"id": "c2", "body": "second", "author": {"login": "kanban-worker"}},
			{"id": "c3", "body": "third", "author": {"login": "simon"}}
		]}`,
	})

	comments, err := b.ListComments(context.Background(), "7", adapter.CommentQuery{Limit: 2, NewestFirst: true})
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.Equal(t, "c3", comments[0].ID)
	assert.Equal(t, "c2", comments[1].ID)
}

func TestSetStageSwapsLabels(t *testing.T) {
	b, r := newBackend(t, map[string]string{"issue view 7": issueViewJSON})
	err := b.SetStage(context.Background(), "7", board.StageTodo)
	require.NoError(t, err)

	edit := r.calls[len(r.calls)-1]
	assert.Contains(t, edit, "issue edit 7")
	assert.Contains(t, edit, "--add-label todo")
	assert.Contains(t, edit, "--remove-label in progress")
}

func TestSetStageCurrentIsNoop(t *testing.T) {
	b, r := newBackend(t, map[string]string{"issue view 7": issueViewJSON})
	err := b.SetStage(context.Background(), "7", board.StageInProgress)
	require.NoError(t, err)
	for _, call := range r.calls {
		assert.NotContains(t, call, "issue edit")
	}
}

func TestAddCommentSkipsEmpty(t *testing.T) {
	b, r := newBackend(t, map[string]string{})
	require.NoError(t, b.AddComment(context.Background(), "7", "   \n "))
	assert.Empty(t, r.calls)

	require.NoError(t, b.AddComment(context.Background(), "7", "hello"))
	require.Len(t, r.calls, 1)
	assert.Contains(t, r.calls[0], "issue comment 7")
}

func TestCreateParsesIssueURL(t *testing.T) {
	b, r := newBackend(t, map[string]string{
		"issue create": "https://github.com/acme/widgets/issues/11\n",
	})
	created, err := b.CreateInBacklogAndAssignToSelf(context.Background(), adapter.NewWorkItem{Title: "t", Body: "b"})
	require.NoError(t, err)
	assert.Equal(t, "11", created.ID)

	require.Len(t, r.calls, 1)
	assert.Contains(t, r.calls[0], "--label todo")
	assert.Contains(t, r.calls[0], "--assignee @me")
}

func TestReconcileAssignsAuthor(t *testing.T) {
	b, r := newBackend(t, map[string]string{
		"issue list":   issueListJSON,
		"issue view 3": `{"author": {"login": "simon"}}`,
	})
	require.NoError(t, b.ReconcileAssignments(context.Background()))

	var assigned []string
	for _, call := range r.calls {
		if strings.Contains(call, "--add-assignee") {
			assigned = append(assigned, call)
		}
	}
	require.Len(t, assigned, 1, "only the unassigned mapped issue is repaired")
	assert.Contains(t, assigned[0], "issue edit 3")
	assert.Contains(t, assigned[0], "--add-assignee simon")
}
