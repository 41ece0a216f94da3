// Package planka implements the adapter port against the Planka REST API.
// Board lists play the role of stages; card positions provide the explicit
// backlog order.
package planka

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/arctek/clawban/adapter"
	"github.com/arctek/clawban/board"
)

const backendName = "planka"

// Options configures the backend.
type Options struct {
	BaseURL    string
	BoardID    string
	Token      string
	StageMap   adapter.StageMap
	HTTPClient *http.Client
}

// Backend is the Planka HTTP adapter.
type Backend struct {
	baseURL string
	boardID string
	token   string
	stages  adapter.StageMap
	client  *http.Client
}

// New builds the backend.
func New(opts Options) (*Backend, error) {
	if opts.BaseURL == "" || opts.BoardID == "" {
		return nil, fmt.Errorf("planka adapter requires baseUrl and boardId")
	}
	if len(opts.StageMap) == 0 {
		return nil, fmt.Errorf("planka adapter requires a stage map")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Backend{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		boardID: opts.BoardID,
		token:   opts.Token,
		stages:  opts.StageMap,
		client:  client,
	}, nil
}

func (b *Backend) Name() string { return backendName }

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
	req.Header.Set("Authorization", "Bearer "+b.token)
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
		excerpt := strings.TrimSpace(string(data))
		if len(excerpt) > 300 {
			excerpt = excerpt[:300]
		}
		return &adapter.Error{
			Backend: backendName,
			Op:      op,
			Command: fmt.Sprintf("%s %s -> %d", method, path, resp.StatusCode),
			Stderr:  excerpt,
			Hint:    "check the Planka token and board id",
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

type plankaUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

func (u plankaUser) actor() board.Actor {
	return board.Actor{ID: u.ID, Username: u.Username, Name: u.Name}
}

func (b *Backend) Whoami(ctx context.Context) (board.Actor, error) {
	var payload struct {
		Item plankaUser `json:"item"`
	}
	if err := b.doJSON(ctx, "whoami", http.MethodGet, "/api/users/me", nil, &payload); err != nil {
		return board.Actor{}, err
	}
	return payload.Item.actor(), nil
}

type plankaList struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type plankaCard struct {
	ID          string          `json:"id"`
	ListID      string          `json:"listId"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Position    float64         `json:"position"`
	UpdatedAt   *time.Time      `json:"updatedAt"`
	Raw         json.RawMessage `json:"-"`
}

// boardView is the decoded GET /api/boards/{id} response.
type boardView struct {
	lists       []plankaList
	cards       []plankaCard
	users       map[string]plankaUser
	memberships map[string][]string // card id -> user ids
}

func (b *Backend) fetchBoard(ctx context.Context) (*boardView, error) {
	var payload struct {
		Included struct {
			Lists           []plankaList      `json:"lists"`
			Cards           []json.RawMessage `json:"cards"`
			Users           []plankaUser      `json:"users"`
			CardMemberships []struct {
				CardID string `json:"cardId"`
				UserID string `json:"userId"`
			} `json:"cardMemberships"`
		} `json:"included"`
	}
	if err := b.doJSON(ctx, "fetchBoard", http.MethodGet, "/api/boards/"+b.boardID, nil, &payload); err != nil {
		return nil, err
	}

	view := &boardView{
		lists:       payload.Included.Lists,
		users:       map[string]plankaUser{},
		memberships: map[string][]string{},
	}
	for _, raw := range payload.Included.Cards {
		var card plankaCard
		if err := json.Unmarshal(raw, &card); err != nil {
			return nil, adapter.Errf(backendName, "fetchBoard", adapter.ErrProtocol, "decode card: %v", err)
		}
		card.Raw = raw
		view.cards = append(view.cards, card)
	}
	for _, u := range payload.Included.Users {
		view.users[u.ID] = u
	}
	for _, m := range payload.Included.CardMemberships {
		view.memberships[m.CardID] = append(view.memberships[m.CardID], m.UserID)
	}
	return view, nil
}

// stageByList maps list id -> canonical stage for mapped lists.
func (b *Backend) stageByList(view *boardView) map[string]board.Stage {
	m := make(map[string]board.Stage, len(view.lists))
	for _, l := range view.lists {
		if stage, ok := b.stages.Lookup(l.Name); ok {
			m[l.ID] = stage
		}
	}
	return m
}

func (b *Backend) listIDFor(view *boardView, stage board.Stage) (string, error) {
	want, err := b.stages.WriteName(stage)
	if err != nil {
		return "", err
	}
	for _, l := range view.lists {
		if strings.EqualFold(strings.TrimSpace(l.Name), want) {
			return l.ID, nil
		}
	}
	return "", fmt.Errorf("board has no list named %q", want)
}

func (b *Backend) toWorkItem(view *boardView, card plankaCard, stage board.Stage) board.WorkItem {
	item := board.WorkItem{
		ID:        card.ID,
		Title:     card.Name,
		Stage:     stage,
		UpdatedAt: card.UpdatedAt,
		Body:      adapter.StripHTML(card.Description),
		Raw:       card.Raw,
	}
	for _, userID := range view.memberships[card.ID] {
		if u, ok := view.users[userID]; ok {
			item.Assignees = append(item.Assignees, u.actor())
		} else {
			item.Assignees = append(item.Assignees, board.Actor{ID: userID})
		}
	}
	return item
}

func (b *Backend) FetchSnapshot(ctx context.Context) (board.Snapshot, error) {
	view, err := b.fetchBoard(ctx)
	if err != nil {
		return nil, err
	}
	byList := b.stageByList(view)

	var items []board.WorkItem
	for _, card := range view.cards {
		if stage, ok := byList[card.ListID]; ok {
			items = append(items, b.toWorkItem(view, card, stage))
		}
	}
	return adapter.SnapshotFromItems(items), nil
}

// ListIDsByStage orders ids by card position within the list.
func (b *Backend) ListIDsByStage(ctx context.Context, stage board.Stage) ([]string, error) {
	view, err := b.fetchBoard(ctx)
	if err != nil {
		return nil, err
	}
	byList := b.stageByList(view)

	var cards []plankaCard
	for _, card := range view.cards {
		if s, ok := byList[card.ListID]; ok && s == stage {
			cards = append(cards, card)
		}
	}
	sort.SliceStable(cards, func(i, j int) bool {
		if cards[i].Position != cards[j].Position {
			return cards[i].Position < cards[j].Position
		}
		return cards[i].ID < cards[j].ID
	})

	ids := make([]string, len(cards))
	for i, c := range cards {
		ids[i] = c.ID
	}
	return ids, nil
}

// ListBacklogIDsInOrder relies on the explicit position field every Planka
// card carries, so the UI order is the consumption order.
func (b *Backend) ListBacklogIDsInOrder(ctx context.Context) ([]string, error) {
	view, err := b.fetchBoard(ctx)
	if err != nil {
		return nil, err
	}
	byList := b.stageByList(view)

	var entries []adapter.BacklogEntry
	for _, card := range view.cards {
		if s, ok := byList[card.ListID]; ok && s == board.StageTodo {
			entries = append(entries, adapter.BacklogEntry{
				ID:        card.ID,
				UpdatedAt: card.UpdatedAt,
				Raw:       card.Raw,
			})
		}
	}
	return adapter.SortBacklog(entries), nil
}

func (b *Backend) GetWorkItem(ctx context.Context, id string) (*board.WorkItemDetails, error) {
	view, err := b.fetchBoard(ctx)
	if err != nil {
		return nil, err
	}
	byList := b.stageByList(view)

	for _, card := range view.cards {
		if card.ID != id {
			continue
		}
		stage, ok := byList[card.ListID]
		if !ok {
			return nil, adapter.Errf(backendName, "getWorkItem", nil, "card %s is in an unmapped list", id)
		}
		return &board.WorkItemDetails{WorkItem: b.toWorkItem(view, card, stage)}, nil
	}
	return nil, adapter.Errf(backendName, "getWorkItem", nil, "card %s not found on board %s", id, b.boardID)
}

type plankaAction struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	UserID    string     `json:"userId"`
	CreatedAt *time.Time `json:"createdAt"`
	Data      struct {
		Text string `json:"text"`
	} `json:"data"`
}

// ListComments reads comment actions. Planka returns actions newest first.
func (b *Backend) ListComments(ctx context.Context, id string, q adapter.CommentQuery) ([]board.Comment, error) {
	view, err := b.fetchBoard(ctx)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Items []plankaAction `json:"items"`
	}
	if err := b.doJSON(ctx, "listComments", http.MethodGet, "/api/cards/"+id+"/actions", nil, &payload); err != nil {
		return nil, err
	}

	var comments []board.Comment
	for _, action := range payload.Items {
		if action.Type != "commentCard" {
			continue
		}
		author := board.Actor{ID: action.UserID}
		if u, ok := view.users[action.UserID]; ok {
			author = u.actor()
		}
		comments = append(comments, board.Comment{
			ID:        action.ID,
			Body:      action.Data.Text,
			CreatedAt: action.CreatedAt,
			Author:    author,
		})
	}
	if !q.NewestFirst {
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
	var payload struct {
		Items []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			URL  string `json:"url"`
		} `json:"items"`
	}
	if err := b.doJSON(ctx, "listAttachments", http.MethodGet, "/api/cards/"+id+"/attachments", nil, &payload); err != nil {
		return nil, err
	}
	var attachments []board.Attachment
	for _, a := range payload.Items {
		attachments = append(attachments, board.Attachment{ID: a.ID, Name: a.Name, URL: a.URL})
	}
	return attachments, nil
}

// ListLinkedWorkItems: Planka has no card relations; always empty.
func (b *Backend) ListLinkedWorkItems(ctx context.Context, id string) ([]board.Link, error) {
	return nil, nil
}

func (b *Backend) SetStage(ctx context.Context, id string, stage board.Stage) error {
	view, err := b.fetchBoard(ctx)
	if err != nil {
		return err
	}
	byList := b.stageByList(view)

	for _, card := range view.cards {
		if card.ID != id {
			continue
		}
		if s, ok := byList[card.ListID]; ok && s == stage {
			return nil
		}
		listID, err := b.listIDFor(view, stage)
		if err != nil {
			return adapter.Errf(backendName, "setStage", err, "card %s", id)
		}
		return b.doJSON(ctx, "setStage", http.MethodPatch, "/api/cards/"+id,
			map[string]any{"listId": listID}, nil)
	}
	return adapter.Errf(backendName, "setStage", nil, "card %s not found on board %s", id, b.boardID)
}

func (b *Backend) AddComment(ctx context.Context, id, body string) error {
	if strings.TrimSpace(body) == "" {
		return nil
	}
	return b.doJSON(ctx, "addComment", http.MethodPost, "/api/cards/"+id+"/comment-actions",
		map[string]string{"text": body}, nil)
}

func (b *Backend) CreateInBacklogAndAssignToSelf(ctx context.Context, item adapter.NewWorkItem) (*adapter.Created, error) {
	view, err := b.fetchBoard(ctx)
	if err != nil {
		return nil, err
	}
	listID, err := b.listIDFor(view, board.StageTodo)
	if err != nil {
		return nil, adapter.Errf(backendName, "create", err, "title %q", item.Title)
	}

	// Append after the last card in the target list.
	position := 65536.0
	for _, card := range view.cards {
		if card.ListID == listID && card.Position >= position {
			position = card.Position + 65536
		}
	}

	var payload struct {
		Item plankaCard `json:"item"`
	}
	err = b.doJSON(ctx, "create", http.MethodPost, "/api/lists/"+listID+"/cards", map[string]any{
		"name":        item.Title,
		"description": item.Body,
		"position":    position,
	}, &payload)
	if err != nil {
		return nil, err
	}
	if payload.Item.ID == "" {
		return nil, adapter.Errf(backendName, "create", adapter.ErrProtocol, "card id missing in response")
	}

	if me, err := b.Whoami(ctx); err == nil && me.ID != "" {
		// Best-effort self-assignment.
		_ = b.doJSON(ctx, "create", http.MethodPost, "/api/cards/"+payload.Item.ID+"/memberships",
			map[string]string{"userId": me.ID}, nil)
	}
	return &adapter.Created{ID: payload.Item.ID}, nil
}
