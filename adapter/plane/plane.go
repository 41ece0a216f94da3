// Package plane implements the adapter port against the Plane REST API.
// Multiple projects are supported; backlog order concatenates per-project
// orderings in configured project order.
package plane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arctek/clawban/adapter"
	"github.com/arctek/clawban/board"
)

const backendName = "plane"

// Options configures the backend.
type Options struct {
	BaseURL    string
	Workspace  string
	ProjectIDs []string
	APIKey     string
	StageMap   adapter.StageMap
	HTTPClient *http.Client
}

// Backend is the Plane HTTP adapter.
type Backend struct {
	baseURL   string
	workspace string
	projects  []string
	apiKey    string
	stages    adapter.StageMap
	client    *http.Client

	mu           sync.Mutex
	issueProject map[string]string // issue id -> project id
	stateCache   map[string][]planeState
}

// New builds the backend.
func New(opts Options) (*Backend, error) {
	if opts.BaseURL == "" || opts.Workspace == "" || len(opts.ProjectIDs) == 0 {
		return nil, fmt.Errorf("plane adapter requires baseUrl, workspace and at least one project")
	}
	if len(opts.StageMap) == 0 {
		return nil, fmt.Errorf("plane adapter requires a stage map")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Backend{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		workspace:    opts.Workspace,
		projects:     opts.ProjectIDs,
		apiKey:       opts.APIKey,
		stages:       opts.StageMap,
		client:       client,
		issueProject: map[string]string{},
		stateCache:   map[string][]planeState{},
	}, nil
}

func (b *Backend) Name() string { return backendName }

// doJSON performs one API call and decodes the response into out.
func (b *Backend) doJSON(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return adapter.Errf(backendName, op, err, "%s %s", method, path)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return adapter.Errf(backendName, op, err, "%s %s", method, path)
	}
	req.Header.Set("X-API-Key", b.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return adapter.Errf(backendName, op, err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return adapter.Errf(backendName, op, err, "%s %s", method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &adapter.Error{
			Backend: backendName,
			Op:      op,
			Command: fmt.Sprintf("%s %s -> %d", method, path, resp.StatusCode),
			Stderr:  excerpt(data),
			Hint:    "check the Plane API key and workspace/project ids",
			Err:     fmt.Errorf("http status %d", resp.StatusCode),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return adapter.Errf(backendName, op, adapter.ErrProtocol, "%s %s: %v", method, path, err)
	}
	return nil
}

func excerpt(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}

func (b *Backend) projectPath(project, suffix string) string {
	return fmt.Sprintf("/api/v1/workspaces/%s/projects/%s/%s", b.workspace, project, suffix)
}

type planeUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
}

func (u planeUser) actor() board.Actor {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.DisplayName
	}
	return board.Actor{ID: u.ID, Username: u.DisplayName, Name: name}
}

// Whoami also probes read access to every configured project.
func (b *Backend) Whoami(ctx context.Context) (board.Actor, error) {
	var me planeUser
	if err := b.doJSON(ctx, "whoami", http.MethodGet, "/api/v1/users/me/", nil, &me); err != nil {
		return board.Actor{}, err
	}
	for _, project := range b.projects {
		if _, err := b.statesFor(ctx, project); err != nil {
			return board.Actor{}, err
		}
	}
	return me.actor(), nil
}

type planeState struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (b *Backend) statesFor(ctx context.Context, project string) ([]planeState, error) {
	b.mu.Lock()
	cached, ok := b.stateCache[project]
	b.mu.Unlock()
	if ok {
		return cached, nil
	}

	var payload struct {
		Results []planeState `json:"results"`
	}
	if err := b.doJSON(ctx, "listStates", http.MethodGet, b.projectPath(project, "states/"), nil, &payload); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.stateCache[project] = payload.Results
	b.mu.Unlock()
	return payload.Results, nil
}

// stageByState maps state id -> canonical stage for the mapped states.
func (b *Backend) stageByState(states []planeState) map[string]board.Stage {
	m := make(map[string]board.Stage, len(states))
	for _, s := range states {
		if stage, ok := b.stages.Lookup(s.Name); ok {
			m[s.ID] = stage
		}
	}
	return m
}

// stateIDFor finds the state id whose name is the stage's write name.
func (b *Backend) stateIDFor(ctx context.Context, project string, stage board.Stage) (string, error) {
	want, err := b.stages.WriteName(stage)
	if err != nil {
		return "", err
	}
	states, err := b.statesFor(ctx, project)
	if err != nil {
		return "", err
	}
	for _, s := range states {
		if strings.EqualFold(strings.TrimSpace(s.Name), want) {
			return s.ID, nil
		}
	}
	return "", fmt.Errorf("project %s has no state named %q", project, want)
}

type planeIssue struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	DescriptionHTML string          `json:"description_html"`
	Priority        string          `json:"priority"`
	State           string          `json:"state"`
	SortOrder       *float64        `json:"sort_order"`
	UpdatedAt       *time.Time      `json:"updated_at"`
	Assignees       []string        `json:"assignees"`
	Raw             json.RawMessage `json:"-"`
}

func (b *Backend) listIssues(ctx context.Context, project string) ([]planeIssue, error) {
	var payload struct {
		Results []json.RawMessage `json:"results"`
	}
	if err := b.doJSON(ctx, "listIssues", http.MethodGet, b.projectPath(project, "issues/"), nil, &payload); err != nil {
		return nil, err
	}

	issues := make([]planeIssue, 0, len(payload.Results))
	for _, raw := range payload.Results {
		var issue planeIssue
		if err := json.Unmarshal(raw, &issue); err != nil {
			return nil, adapter.Errf(backendName, "listIssues", adapter.ErrProtocol, "project %s: %v", project, err)
		}
		issue.Raw = raw
		issues = append(issues, issue)
	}

	b.mu.Lock()
	for _, issue := range issues {
		b.issueProject[issue.ID] = project
	}
	b.mu.Unlock()
	return issues, nil
}

func (b *Backend) toWorkItem(issue planeIssue, stage board.Stage) board.WorkItem {
	item := board.WorkItem{
		ID:        issue.ID,
		Title:     issue.Name,
		Stage:     stage,
		UpdatedAt: issue.UpdatedAt,
		Body:      adapter.StripHTML(issue.DescriptionHTML),
		Raw:       issue.Raw,
	}
	for _, id := range issue.Assignees {
		item.Assignees = append(item.Assignees, board.Actor{ID: id})
	}
	return item
}

// projectItems lists one project's mapped work items in listing order.
func (b *Backend) projectItems(ctx context.Context, project string) ([]board.WorkItem, []planeIssue, error) {
	states, err := b.statesFor(ctx, project)
	if err != nil {
		return nil, nil, err
	}
	byState := b.stageByState(states)

	issues, err := b.listIssues(ctx, project)
	if err != nil {
		return nil, nil, err
	}

	var items []board.WorkItem
	var kept []planeIssue
	for _, issue := range issues {
		stage, ok := byState[issue.State]
		if !ok {
			continue
		}
		items = append(items, b.toWorkItem(issue, stage))
		kept = append(kept, issue)
	}
	return items, kept, nil
}

// FetchSnapshot queries all projects concurrently and merges the results.
func (b *Backend) FetchSnapshot(ctx context.Context) (board.Snapshot, error) {
	g, ctx := errgroup.WithContext(ctx)
	perProject := make([][]board.WorkItem, len(b.projects))
	for i, project := range b.projects {
		g.Go(func() error {
			items, _, err := b.projectItems(ctx, project)
			perProject[i] = items
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []board.WorkItem
	for _, items := range perProject {
		all = append(all, items...)
	}
	return adapter.SnapshotFromItems(all), nil
}

// ListIDsByStage returns ids in configured project order, each project's ids
// in its listing order.
func (b *Backend) ListIDsByStage(ctx context.Context, stage board.Stage) ([]string, error) {
	var ids []string
	for _, project := range b.projects {
		items, _, err := b.projectItems(ctx, project)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			if item.Stage == stage {
				ids = append(ids, item.ID)
			}
		}
	}
	return ids, nil
}

// ListBacklogIDsInOrder sorts each project's todo items by the consumption
// policy and concatenates, never interleaving projects.
func (b *Backend) ListBacklogIDsInOrder(ctx context.Context) ([]string, error) {
	var ids []string
	for _, project := range b.projects {
		items, issues, err := b.projectItems(ctx, project)
		if err != nil {
			return nil, err
		}
		var entries []adapter.BacklogEntry
		for i, item := range items {
			if item.Stage != board.StageTodo {
				continue
			}
			entries = append(entries, adapter.BacklogEntry{
				ID:        item.ID,
				Priority:  issues[i].Priority,
				UpdatedAt: item.UpdatedAt,
				Raw:       issues[i].Raw,
			})
		}
		ids = append(ids, adapter.SortBacklog(entries)...)
	}
	return ids, nil
}

// resolveProject finds the owning project for an issue id, scanning all
// projects on a cache miss.
func (b *Backend) resolveProject(ctx context.Context, id string) (string, error) {
	b.mu.Lock()
	project, ok := b.issueProject[id]
	b.mu.Unlock()
	if ok {
		return project, nil
	}
	for _, p := range b.projects {
		if _, err := b.listIssues(ctx, p); err != nil {
			return "", err
		}
		b.mu.Lock()
		project, ok = b.issueProject[id]
		b.mu.Unlock()
		if ok {
			return project, nil
		}
	}
	return "", adapter.Errf(backendName, "resolve", nil, "issue %s not found in any configured project", id)
}

// GetWorkItem resolves the body from the issue detail endpoint.
func (b *Backend) GetWorkItem(ctx context.Context, id string) (*board.WorkItemDetails, error) {
	project, err := b.resolveProject(ctx, id)
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	path := b.projectPath(project, "issues/"+id+"/")
	if err := b.doJSON(ctx, "getWorkItem", http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	var issue planeIssue
	if err := json.Unmarshal(raw, &issue); err != nil {
		return nil, adapter.Errf(backendName, "getWorkItem", adapter.ErrProtocol, "issue %s: %v", id, err)
	}
	issue.Raw = raw

	states, err := b.statesFor(ctx, project)
	if err != nil {
		return nil, err
	}
	stage, ok := b.stageByState(states)[issue.State]
	if !ok {
		return nil, adapter.Errf(backendName, "getWorkItem", nil, "issue %s is in an unmapped state", id)
	}
	return &board.WorkItemDetails{WorkItem: b.toWorkItem(issue, stage)}, nil
}

type planeComment struct {
	ID          string     `json:"id"`
	CommentHTML string     `json:"comment_html"`
	CreatedAt   *time.Time `json:"created_at"`
	Actor       string     `json:"actor"`
	ActorDetail *planeUser `json:"actor_detail"`
	Access      string     `json:"access"` // INTERNAL or EXTERNAL
}

func (b *Backend) ListComments(ctx context.Context, id string, q adapter.CommentQuery) ([]board.Comment, error) {
	project, err := b.resolveProject(ctx, id)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Results []planeComment `json:"results"`
	}
	path := b.projectPath(project, "issues/"+id+"/comments/")
	if err := b.doJSON(ctx, "listComments", http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}

	// Plane lists comments oldest first.
	comments := make([]board.Comment, 0, len(payload.Results))
	for _, c := range payload.Results {
		internal := strings.EqualFold(c.Access, "INTERNAL")
		if internal && !q.IncludeInternal {
			continue
		}
		author := board.Actor{ID: c.Actor}
		if c.ActorDetail != nil {
			author = c.ActorDetail.actor()
		}
		comments = append(comments, board.Comment{
			ID:        c.ID,
			Body:      adapter.StripHTML(c.CommentHTML),
			CreatedAt: c.CreatedAt,
			Author:    author,
			Internal:  internal,
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

type planeAttachment struct {
	ID         string `json:"id"`
	Asset      string `json:"asset"`
	Attributes struct {
		Name string `json:"name"`
	} `json:"attributes"`
}

func (b *Backend) ListAttachments(ctx context.Context, id string) ([]board.Attachment, error) {
	project, err := b.resolveProject(ctx, id)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Results []planeAttachment `json:"results"`
	}
	path := b.projectPath(project, "issues/"+id+"/issue-attachments/")
	if err := b.doJSON(ctx, "listAttachments", http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	var attachments []board.Attachment
	for _, a := range payload.Results {
		attachments = append(attachments, board.Attachment{ID: a.ID, Name: a.Attributes.Name, URL: a.Asset})
	}
	return attachments, nil
}

type planeLink struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

func (b *Backend) ListLinkedWorkItems(ctx context.Context, id string) ([]board.Link, error) {
	project, err := b.resolveProject(ctx, id)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Results []planeLink `json:"results"`
	}
	path := b.projectPath(project, "issues/"+id+"/links/")
	if err := b.doJSON(ctx, "listLinkedWorkItems", http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	var links []board.Link
	for _, l := range payload.Results {
		links = append(links, board.Link{ID: l.ID, Title: l.Title, URL: l.URL, Kind: "relates"})
	}
	return links, nil
}

func (b *Backend) SetStage(ctx context.Context, id string, stage board.Stage) error {
	current, err := b.GetWorkItem(ctx, id)
	if err != nil {
		return err
	}
	if current.Stage == stage {
		return nil
	}
	project, err := b.resolveProject(ctx, id)
	if err != nil {
		return err
	}
	stateID, err := b.stateIDFor(ctx, project, stage)
	if err != nil {
		return adapter.Errf(backendName, "setStage", err, "issue %s", id)
	}
	path := b.projectPath(project, "issues/"+id+"/")
	return b.doJSON(ctx, "setStage", http.MethodPatch, path, map[string]string{"state": stateID}, nil)
}

func (b *Backend) AddComment(ctx context.Context, id, body string) error {
	if strings.TrimSpace(body) == "" {
		return nil
	}
	project, err := b.resolveProject(ctx, id)
	if err != nil {
		return err
	}
	path := b.projectPath(project, "issues/"+id+"/comments/")
	html := "<p>" + strings.ReplaceAll(body, "\n", "<br>") + "</p>"
	return b.doJSON(ctx, "addComment", http.MethodPost, path, map[string]string{"comment_html": html}, nil)
}

// CreateInBacklogAndAssignToSelf creates in the first configured project.
func (b *Backend) CreateInBacklogAndAssignToSelf(ctx context.Context, item adapter.NewWorkItem) (*adapter.Created, error) {
	project := b.projects[0]
	stateID, err := b.stateIDFor(ctx, project, board.StageTodo)
	if err != nil {
		return nil, adapter.Errf(backendName, "create", err, "title %q", item.Title)
	}

	payload := map[string]any{
		"name":             item.Title,
		"description_html": "<p>" + strings.ReplaceAll(item.Body, "\n", "<br>") + "</p>",
		"state":            stateID,
	}
	var me planeUser
	if err := b.doJSON(ctx, "create", http.MethodGet, "/api/v1/users/me/", nil, &me); err == nil && me.ID != "" {
		payload["assignees"] = []string{me.ID}
	}

	var created planeIssue
	path := b.projectPath(project, "issues/")
	if err := b.doJSON(ctx, "create", http.MethodPost, path, payload, &created); err != nil {
		return nil, err
	}
	if created.ID == "" {
		return nil, adapter.Errf(backendName, "create", adapter.ErrProtocol, "issue id missing in response")
	}

	b.mu.Lock()
	b.issueProject[created.ID] = project
	b.mu.Unlock()
	return &adapter.Created{ID: created.ID}, nil
}
