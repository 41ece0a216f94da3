// Package linear implements the adapter port against the Linear GraphQL API.
package linear

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

	"github.com/arctek/clawban/adapter"
	"github.com/arctek/clawban/board"
)

const backendName = "linear"

// DefaultBaseURL is the public Linear GraphQL endpoint.
const DefaultBaseURL = "https://api.linear.app/graphql"

// Options configures the backend.
type Options struct {
	TeamID     string
	APIKey     string
	BaseURL    string
	StageMap   adapter.StageMap
	HTTPClient *http.Client
}

// Backend is the Linear GraphQL adapter.
type Backend struct {
	teamID  string
	apiKey  string
	baseURL string
	stages  adapter.StageMap
	client  *http.Client

	mu         sync.Mutex
	stateCache []linearState
}

// New builds the backend.
func New(opts Options) (*Backend, error) {
	if opts.TeamID == "" {
		return nil, fmt.Errorf("linear adapter requires a team id")
	}
	if len(opts.StageMap) == 0 {
		return nil, fmt.Errorf("linear adapter requires a stage map")
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Backend{
		teamID:  opts.TeamID,
		apiKey:  opts.APIKey,
		baseURL: baseURL,
		stages:  opts.StageMap,
		client:  client,
	}, nil
}

func (b *Backend) Name() string { return backendName }

// gql runs one GraphQL request and decodes data into out.
func (b *Backend) gql(ctx context.Context, op, query string, vars map[string]any, out any) error {
	payload, err := json.Marshal(map[string]any{"query": query, "variables": vars})
	if err != nil {
		return adapter.Errf(backendName, op, err, "encode query")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL, bytes.NewReader(payload))
	if err != nil {
		return adapter.Errf(backendName, op, err, "POST %s", b.baseURL)
	}
	req.Header.Set("Authorization", b.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return adapter.Errf(backendName, op, err, "POST %s", b.baseURL)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return adapter.Errf(backendName, op, err, "POST %s", b.baseURL)
	}
	if resp.StatusCode != http.StatusOK {
		return &adapter.Error{
			Backend: backendName,
			Op:      op,
			Command: fmt.Sprintf("POST %s -> %d", b.baseURL, resp.StatusCode),
			Stderr:  bodyExcerpt(data),
			Hint:    "check the LINEAR_API_KEY value",
			Err:     fmt.Errorf("http status %d", resp.StatusCode),
		}
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return adapter.Errf(backendName, op, adapter.ErrProtocol, "decode response: %v", err)
	}
	if len(envelope.Errors) > 0 {
		return &adapter.Error{
			Backend: backendName,
			Op:      op,
			Stderr:  envelope.Errors[0].Message,
			Err:     fmt.Errorf("graphql error"),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return adapter.Errf(backendName, op, adapter.ErrProtocol, "decode data: %v", err)
	}
	return nil
}

func bodyExcerpt(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}

type linearUser struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

func (u *linearUser) actor() board.Actor {
	if u == nil {
		return board.Actor{}
	}
	return board.Actor{ID: u.ID, Username: u.DisplayName, Name: u.Name}
}

func (b *Backend) Whoami(ctx context.Context) (board.Actor, error) {
	var data struct {
		Viewer linearUser `json:"viewer"`
	}
	err := b.gql(ctx, "whoami", `query { viewer { id name displayName } }`, nil, &data)
	if err != nil {
		return board.Actor{}, err
	}
	return data.Viewer.actor(), nil
}

type linearState struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (b *Backend) states(ctx context.Context) ([]linearState, error) {
	b.mu.Lock()
	cached := b.stateCache
	b.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	var data struct {
		Team struct {
			States struct {
				Nodes []linearState `json:"nodes"`
			} `json:"states"`
		} `json:"team"`
	}
	query := `query($team: String!) { team(id: $team) { states { nodes { id name } } } }`
	if err := b.gql(ctx, "listStates", query, map[string]any{"team": b.teamID}, &data); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.stateCache = data.Team.States.Nodes
	b.mu.Unlock()
	return data.Team.States.Nodes, nil
}

func (b *Backend) stageByState(states []linearState) map[string]board.Stage {
	m := make(map[string]board.Stage, len(states))
	for _, s := range states {
		if stage, ok := b.stages.Lookup(s.Name); ok {
			m[s.ID] = stage
		}
	}
	return m
}

func (b *Backend) stateIDFor(ctx context.Context, stage board.Stage) (string, error) {
	want, err := b.stages.WriteName(stage)
	if err != nil {
		return "", err
	}
	states, err := b.states(ctx)
	if err != nil {
		return "", err
	}
	for _, s := range states {
		if strings.EqualFold(strings.TrimSpace(s.Name), want) {
			return s.ID, nil
		}
	}
	return "", fmt.Errorf("team has no workflow state named %q", want)
}

type linearIssue struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	URL         string      `json:"url"`
	Priority    float64     `json:"priority"` // 0 none, 1 urgent .. 4 low
	SortOrder   *float64    `json:"sortOrder"`
	UpdatedAt   *time.Time  `json:"updatedAt"`
	State       linearState `json:"state"`
	Assignee    *linearUser `json:"assignee"`
}

const issueSelection = `id title description url priority sortOrder updatedAt
	state { id name } assignee { id name displayName }`

func (b *Backend) listIssues(ctx context.Context) ([]linearIssue, error) {
	var data struct {
		Issues struct {
			Nodes []linearIssue `json:"nodes"`
		} `json:"issues"`
	}
	query := `query($team: ID!) {
		issues(filter: { team: { id: { eq: $team } } }, first: 250) {
			nodes { ` + issueSelection + ` }
		}
	}`
	if err := b.gql(ctx, "listIssues", query, map[string]any{"team": b.teamID}, &data); err != nil {
		return nil, err
	}
	return data.Issues.Nodes, nil
}

// priorityWord renders Linear's numeric priority scale for the shared
// backlog ranking: 1 is urgent, 4 is low, 0 is none.
func priorityWord(p float64) string {
	switch p {
	case 1:
		return "urgent"
	case 2:
		return "high"
	case 3:
		return "normal"
	case 4:
		return "low"
	}
	return "none"
}

func (b *Backend) toWorkItem(issue linearIssue, stage board.Stage) board.WorkItem {
	item := board.WorkItem{
		ID:        issue.ID,
		Title:     issue.Title,
		Stage:     stage,
		URL:       issue.URL,
		UpdatedAt: issue.UpdatedAt,
		Body:      issue.Description,
	}
	if issue.Assignee != nil {
		item.Assignees = []board.Actor{issue.Assignee.actor()}
	}
	return item
}

// mappedIssues lists the team's issues that sit in a mapped state.
func (b *Backend) mappedIssues(ctx context.Context) ([]linearIssue, map[string]board.Stage, error) {
	states, err := b.states(ctx)
	if err != nil {
		return nil, nil, err
	}
	byState := b.stageByState(states)

	issues, err := b.listIssues(ctx)
	if err != nil {
		return nil, nil, err
	}

	var kept []linearIssue
	for _, issue := range issues {
		if _, ok := byState[issue.State.ID]; ok {
			kept = append(kept, issue)
		}
	}
	return kept, byState, nil
}

func (b *Backend) FetchSnapshot(ctx context.Context) (board.Snapshot, error) {
	issues, byState, err := b.mappedIssues(ctx)
	if err != nil {
		return nil, err
	}
	var items []board.WorkItem
	for _, issue := range issues {
		items = append(items, b.toWorkItem(issue, byState[issue.State.ID]))
	}
	return adapter.SnapshotFromItems(items), nil
}

// ListIDsByStage orders ids by the API listing order, which Linear keeps
// stable per query.
func (b *Backend) ListIDsByStage(ctx context.Context, stage board.Stage) ([]string, error) {
	issues, byState, err := b.mappedIssues(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, issue := range issues {
		if byState[issue.State.ID] == stage {
			ids = append(ids, issue.ID)
		}
	}
	return ids, nil
}

func (b *Backend) ListBacklogIDsInOrder(ctx context.Context) ([]string, error) {
	issues, byState, err := b.mappedIssues(ctx)
	if err != nil {
		return nil, err
	}
	var entries []adapter.BacklogEntry
	for _, issue := range issues {
		if byState[issue.State.ID] != board.StageTodo {
			continue
		}
		var raw json.RawMessage
		if issue.SortOrder != nil {
			raw, _ = json.Marshal(map[string]float64{"sortOrder": *issue.SortOrder})
		}
		entries = append(entries, adapter.BacklogEntry{
			ID:        issue.ID,
			Priority:  priorityWord(issue.Priority),
			UpdatedAt: issue.UpdatedAt,
			Raw:       raw,
		})
	}
	return adapter.SortBacklog(entries), nil
}

func (b *Backend) getIssue(ctx context.Context, op, id, selection string, out any) error {
	query := `query($id: String!) { issue(id: $id) { ` + selection + ` } }`
	return b.gql(ctx, op, query, map[string]any{"id": id}, out)
}

func (b *Backend) GetWorkItem(ctx context.Context, id string) (*board.WorkItemDetails, error) {
	var data struct {
		Issue *linearIssue `json:"issue"`
	}
	if err := b.getIssue(ctx, "getWorkItem", id, issueSelection, &data); err != nil {
		return nil, err
	}
	if data.Issue == nil {
		return nil, adapter.Errf(backendName, "getWorkItem", nil, "issue %s not found", id)
	}
	stage, ok := b.stages.Lookup(data.Issue.State.Name)
	if !ok {
		return nil, adapter.Errf(backendName, "getWorkItem", nil, "issue %s is in an unmapped state %q", id, data.Issue.State.Name)
	}
	return &board.WorkItemDetails{WorkItem: b.toWorkItem(*data.Issue, stage)}, nil
}

type linearComment struct {
	ID        string      `json:"id"`
	Body      string      `json:"body"`
	CreatedAt *time.Time  `json:"createdAt"`
	User      *linearUser `json:"user"`
}

func (b *Backend) ListComments(ctx context.Context, id string, q adapter.CommentQuery) ([]board.Comment, error) {
	var data struct {
		Issue struct {
			Comments struct {
				Nodes []linearComment `json:"nodes"`
			} `json:"comments"`
		} `json:"issue"`
	}
	if err := b.getIssue(ctx, "listComments", id,
		`comments { nodes { id body createdAt user { id name displayName } } }`, &data); err != nil {
		return nil, err
	}

	// Linear lists comments oldest first.
	comments := make([]board.Comment, 0, len(data.Issue.Comments.Nodes))
	for _, c := range data.Issue.Comments.Nodes {
		comments = append(comments, board.Comment{
			ID:        c.ID,
			Body:      c.Body,
			CreatedAt: c.CreatedAt,
			Author:    c.User.actor(),
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
	var data struct {
		Issue struct {
			Attachments struct {
				Nodes []struct {
					ID    string `json:"id"`
					Title string `json:"title"`
					URL   string `json:"url"`
				} `json:"nodes"`
			} `json:"attachments"`
		} `json:"issue"`
	}
	if err := b.getIssue(ctx, "listAttachments", id,
		`attachments { nodes { id title url } }`, &data); err != nil {
		return nil, err
	}
	var attachments []board.Attachment
	for _, a := range data.Issue.Attachments.Nodes {
		attachments = append(attachments, board.Attachment{ID: a.ID, Name: a.Title, URL: a.URL})
	}
	return attachments, nil
}

func (b *Backend) ListLinkedWorkItems(ctx context.Context, id string) ([]board.Link, error) {
	var data struct {
		Issue struct {
			Relations struct {
				Nodes []struct {
					Type         string `json:"type"`
					RelatedIssue struct {
						ID    string `json:"id"`
						Title string `json:"title"`
						URL   string `json:"url"`
					} `json:"relatedIssue"`
				} `json:"nodes"`
			} `json:"relations"`
		} `json:"issue"`
	}
	if err := b.getIssue(ctx, "listLinkedWorkItems", id,
		`relations { nodes { type relatedIssue { id title url } } }`, &data); err != nil {
		return nil, err
	}
	var links []board.Link
	for _, r := range data.Issue.Relations.Nodes {
		links = append(links, board.Link{
			ID:    r.RelatedIssue.ID,
			Title: r.RelatedIssue.Title,
			URL:   r.RelatedIssue.URL,
			Kind:  r.Type,
		})
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
	stateID, err := b.stateIDFor(ctx, stage)
	if err != nil {
		return adapter.Errf(backendName, "setStage", err, "issue %s", id)
	}
	mutation := `mutation($id: String!, $state: String!) {
		issueUpdate(id: $id, input: { stateId: $state }) { success }
	}`
	return b.gql(ctx, "setStage", mutation, map[string]any{"id": id, "state": stateID}, nil)
}

func (b *Backend) AddComment(ctx context.Context, id, body string) error {
	if strings.TrimSpace(body) == "" {
		return nil
	}
	mutation := `mutation($issue: String!, $body: String!) {
		commentCreate(input: { issueId: $issue, body: $body }) { success }
	}`
	return b.gql(ctx, "addComment", mutation, map[string]any{"issue": id, "body": body}, nil)
}

func (b *Backend) CreateInBacklogAndAssignToSelf(ctx context.Context, item adapter.NewWorkItem) (*adapter.Created, error) {
	stateID, err := b.stateIDFor(ctx, board.StageTodo)
	if err != nil {
		return nil, adapter.Errf(backendName, "create", err, "title %q", item.Title)
	}

	input := map[string]any{
		"teamId":      b.teamID,
		"title":       item.Title,
		"description": item.Body,
		"stateId":     stateID,
	}
	if me, err := b.Whoami(ctx); err == nil && me.ID != "" {
		input["assigneeId"] = me.ID
	}

	var data struct {
		IssueCreate struct {
			Success bool `json:"success"`
			Issue   struct {
				ID  string `json:"id"`
				URL string `json:"url"`
			} `json:"issue"`
		} `json:"issueCreate"`
	}
	mutation := `mutation($input: IssueCreateInput!) {
		issueCreate(input: $input) { success issue { id url } }
	}`
	if err := b.gql(ctx, "create", mutation, map[string]any{"input": input}, &data); err != nil {
		return nil, err
	}
	if !data.IssueCreate.Success || data.IssueCreate.Issue.ID == "" {
		return nil, adapter.Errf(backendName, "create", adapter.ErrProtocol, "issueCreate reported failure")
	}
	return &adapter.Created{ID: data.IssueCreate.Issue.ID, URL: data.IssueCreate.Issue.URL}, nil
}
