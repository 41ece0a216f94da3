// Package github implements the adapter port on top of the gh CLI. Stages
// are represented as issue labels through the configured stage map; issues
// without a mapped stage label are invisible to the core.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/arctek/clawban/adapter"
	"github.com/arctek/clawban/board"
)

const backendName = "github"

// Runner executes a gh invocation and returns stdout. Injectable for tests.
type Runner func(ctx context.Context, args ...string) ([]byte, error)

// Options configures the backend.
type Options struct {
	Repo     string // owner/name
	StageMap adapter.StageMap
	Runner   Runner
}

// Backend is the gh-CLI adapter.
type Backend struct {
	repo   string
	stages adapter.StageMap
	run    Runner
}

// New builds the backend. A nil runner shells out to gh.
func New(opts Options) (*Backend, error) {
	if opts.Repo == "" {
		return nil, fmt.Errorf("github adapter requires a repo")
	}
	if len(opts.StageMap) == 0 {
		return nil, fmt.Errorf("github adapter requires a stage map")
	}
	run := opts.Runner
	if run == nil {
		run = execGH
	}
	return &Backend{repo: opts.Repo, stages: opts.StageMap, run: run}, nil
}

func execGH(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, &adapter.Error{
			Backend: backendName,
			Op:      args[0],
			Command: "gh " + strings.Join(args, " "),
			Stderr:  stderr.String(),
			Hint:    "check `gh auth status` and the configured repo",
			Err:     err,
		}
	}
	return stdout.Bytes(), nil
}

func (b *Backend) Name() string { return backendName }

type ghUser struct {
	ID    int    `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
}

func (b *Backend) Whoami(ctx context.Context) (board.Actor, error) {
	out, err := b.run(ctx, "api", "user")
	if err != nil {
		return board.Actor{}, err
	}
	var u ghUser
	if err := json.Unmarshal(out, &u); err != nil {
		return board.Actor{}, adapter.Errf(backendName, "whoami", adapter.ErrProtocol, "gh api user: %v", err)
	}
	actor := board.Actor{Username: u.Login, Name: u.Name}
	if u.ID != 0 {
		actor.ID = strconv.Itoa(u.ID)
	}
	return actor, nil
}

type ghLabel struct {
	Name string `json:"name"`
}

type ghActor struct {
	ID    string `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
}

type ghIssue struct {
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	URL       string     `json:"url"`
	UpdatedAt *time.Time `json:"updatedAt"`
	Labels    []ghLabel  `json:"labels"`
	Assignees []ghActor  `json:"assignees"`
	Author    *ghActor   `json:"author"`
}

const issueFields = "number,title,url,updatedAt,labels,assignees"

func (b *Backend) listIssues(ctx context.Context) ([]ghIssue, error) {
	out, err := b.run(ctx, "issue", "list", "--repo", b.repo, "--state", "open",
		"--limit", "500", "--json", issueFields)
	if err != nil {
		return nil, err
	}
	var issues []ghIssue
	if err := json.Unmarshal(out, &issues); err != nil {
		return nil, adapter.Errf(backendName, "fetchSnapshot", adapter.ErrProtocol, "gh issue list: %v", err)
	}
	return issues, nil
}

// stageOf resolves the canonical stage from the issue's labels. The first
// mapped label wins; unmapped issues report ok=false.
func (b *Backend) stageOf(issue ghIssue) (board.Stage, bool) {
	for _, l := range issue.Labels {
		if stage, ok := b.stages.Lookup(l.Name); ok {
			return stage, true
		}
	}
	return "", false
}

func (b *Backend) toWorkItem(issue ghIssue, stage board.Stage) board.WorkItem {
	item := board.WorkItem{
		ID:        strconv.Itoa(issue.Number),
		Title:     issue.Title,
		Stage:     stage,
		URL:       issue.URL,
		UpdatedAt: issue.UpdatedAt,
		Body:      adapter.StripHTML(issue.Body),
	}
	for _, l := range issue.Labels {
		item.Labels = append(item.Labels, l.Name)
	}
	for _, a := range issue.Assignees {
		item.Assignees = append(item.Assignees, board.Actor{ID: a.ID, Username: a.Login, Name: a.Name})
	}
	return item
}

func (b *Backend) FetchSnapshot(ctx context.Context) (board.Snapshot, error) {
	issues, err := b.listIssues(ctx)
	if err != nil {
		return nil, err
	}
	var items []board.WorkItem
	for _, issue := range issues {
		if stage, ok := b.stageOf(issue); ok {
			items = append(items, b.toWorkItem(issue, stage))
		}
	}
	return adapter.SnapshotFromItems(items), nil
}

// ListIDsByStage orders ids by ascending issue number.
func (b *Backend) ListIDsByStage(ctx context.Context, stage board.Stage) ([]string, error) {
	issues, err := b.listIssues(ctx)
	if err != nil {
		return nil, err
	}
	var numbers []int
	for _, issue := range issues {
		if s, ok := b.stageOf(issue); ok && s == stage {
			numbers = append(numbers, issue.Number)
		}
	}
	sort.Ints(numbers)
	ids := make([]string, len(numbers))
	for i, n := range numbers {
		ids[i] = strconv.Itoa(n)
	}
	return ids, nil
}

// priorityOf reads a "priority: <level>" or "priority/<level>" label.
func priorityOf(issue ghIssue) string {
	for _, l := range issue.Labels {
		name := strings.ToLower(l.Name)
		for _, prefix := range []string{"priority:", "priority/"} {
			if strings.HasPrefix(name, prefix) {
				return strings.TrimSpace(strings.TrimPrefix(name, prefix))
			}
		}
	}
	return ""
}

func (b *Backend) ListBacklogIDsInOrder(ctx context.Context) ([]string, error) {
	issues, err := b.listIssues(ctx)
	if err != nil {
		return nil, err
	}
	var entries []adapter.BacklogEntry
	for _, issue := range issues {
		if s, ok := b.stageOf(issue); ok && s == board.StageTodo {
			entries = append(entries, adapter.BacklogEntry{
				ID:        strconv.Itoa(issue.Number),
				Priority:  priorityOf(issue),
				UpdatedAt: issue.UpdatedAt,
			})
		}
	}
	return adapter.SortBacklog(entries), nil
}

func (b *Backend) viewIssue(ctx context.Context, id, fields string) ([]byte, error) {
	return b.run(ctx, "issue", "view", id, "--repo", b.repo, "--json", fields)
}

func (b *Backend) GetWorkItem(ctx context.Context, id string) (*board.WorkItemDetails, error) {
	out, err := b.viewIssue(ctx, id, issueFields+",body,author")
	if err != nil {
		return nil, err
	}
	var issue ghIssue
	if err := json.Unmarshal(out, &issue); err != nil {
		return nil, adapter.Errf(backendName, "getWorkItem", adapter.ErrProtocol, "gh issue view %s: %v", id, err)
	}
	stage, ok := b.stageOf(issue)
	if !ok {
		return nil, adapter.Errf(backendName, "getWorkItem", nil, "issue %s has no mapped stage label", id)
	}
	return &board.WorkItemDetails{WorkItem: b.toWorkItem(issue, stage)}, nil
}

type ghComment struct {
	ID        string     `json:"id"`
	Body      string     `json:"body"`
	CreatedAt *time.Time `json:"createdAt"`
	Author    ghActor    `json:"author"`
}

func (b *Backend) ListComments(ctx context.Context, id string, q adapter.CommentQuery) ([]board.Comment, error) {
	out, err := b.viewIssue(ctx, id, "comments")
	if err != nil {
		return nil, err
	}
	var payload struct {
		Comments []ghComment `json:"comments"`
	}
	if err := json.Unmarshal(out, &payload); err != nil {
		return nil, adapter.Errf(backendName, "listComments", adapter.ErrProtocol, "gh issue view %s: %v", id, err)
	}

	// gh returns comments oldest first.
	comments := make([]board.Comment, 0, len(payload.Comments))
	for _, c := range payload.Comments {
		comments = append(comments, board.Comment{
			ID:        c.ID,
			Body:      c.Body,
			CreatedAt: c.CreatedAt,
			Author:    board.Actor{ID: c.Author.ID, Username: c.Author.Login, Name: c.Author.Name},
		})
	}
	if q.NewestFirst {
		for i, j := 0, len(comments)-1; i < j; i, j = i+1, j-1 {
			comments[i], comments[j] = comments[j], comments[i]
		}
	}
	if q.Limit > 0 && len(comments) > q.Limit {
		comments = comments[:q.Limit]
	}
	return comments, nil
}

func (b *Backend) ListAttachments(ctx context.Context, id string) ([]board.Attachment, error) {
	return nil, nil
}

// ListLinkedWorkItems surfaces open issues referenced as #N in the body.
func (b *Backend) ListLinkedWorkItems(ctx context.Context, id string) ([]board.Link, error) {
	details, err := b.GetWorkItem(ctx, id)
	if err != nil {
		return nil, err
	}
	var links []board.Link
	seen := map[string]bool{id: true}
	for _, ref := range issueRefs(details.Body) {
		if seen[ref] {
			continue
		}
		seen[ref] = true
		links = append(links, board.Link{ID: ref})
	}
	return links, nil
}

func issueRefs(body string) []string {
	var refs []string
	for i := 0; i < len(body); i++ {
		if body[i] != '#' {
			continue
		}
		j := i + 1
		for j < len(body) && body[j] >= '0' && body[j] <= '9' {
			j++
		}
		if j > i+1 {
			refs = append(refs, body[i+1:j])
			i = j
		}
	}
	return refs
}

func (b *Backend) SetStage(ctx context.Context, id string, stage board.Stage) error {
	current, err := b.GetWorkItem(ctx, id)
	if err != nil {
		return err
	}
	if current.Stage == stage {
		return nil
	}
	target, err := b.stages.WriteName(stage)
	if err != nil {
		return adapter.Errf(backendName, "setStage", err, "issue %s", id)
	}

	args := []string{"issue", "edit", id, "--repo", b.repo, "--add-label", target}
	for _, label := range current.Labels {
		if _, ok := b.stages.Lookup(label); ok && !strings.EqualFold(label, target) {
			args = append(args, "--remove-label", label)
		}
	}
	_, err = b.run(ctx, args...)
	return err
}

func (b *Backend) AddComment(ctx context.Context, id, body string) error {
	if strings.TrimSpace(body) == "" {
		return nil
	}
	_, err := b.run(ctx, "issue", "comment", id, "--repo", b.repo, "--body", body)
	return err
}

func (b *Backend) CreateInBacklogAndAssignToSelf(ctx context.Context, item adapter.NewWorkItem) (*adapter.Created, error) {
	label, err := b.stages.WriteName(board.StageTodo)
	if err != nil {
		return nil, adapter.Errf(backendName, "create", err, "title %q", item.Title)
	}
	out, err := b.run(ctx, "issue", "create", "--repo", b.repo,
		"--title", item.Title, "--body", item.Body,
		"--label", label, "--assignee", "@me")
	if err != nil {
		return nil, err
	}

	// gh prints the new issue URL on the last line.
	url := lastLine(string(out))
	number := url[strings.LastIndex(url, "/")+1:]
	if _, convErr := strconv.Atoi(number); convErr != nil {
		return nil, adapter.Errf(backendName, "create", adapter.ErrProtocol, "unexpected gh output %q", url)
	}
	return &adapter.Created{ID: number, URL: url}, nil
}

// ReconcileAssignments assigns the author to any staged issue without an
// assignee.
func (b *Backend) ReconcileAssignments(ctx context.Context) error {
	issues, err := b.listIssues(ctx)
	if err != nil {
		return err
	}
	for _, issue := range issues {
		if _, ok := b.stageOf(issue); !ok || len(issue.Assignees) > 0 {
			continue
		}
		id := strconv.Itoa(issue.Number)
		out, err := b.viewIssue(ctx, id, "author")
		if err != nil {
			return err
		}
		var payload struct {
			Author ghActor `json:"author"`
		}
		if err := json.Unmarshal(out, &payload); err != nil || payload.Author.Login == "" {
			continue
		}
		if _, err := b.run(ctx, "issue", "edit", id, "--repo", b.repo, "--add-assignee", payload.Author.Login); err != nil {
			return err
		}
	}
	return nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
