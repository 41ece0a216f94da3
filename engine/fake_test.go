package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/arctek/clawban/adapter"
	"github.com/arctek/clawban/board"
)

// fakeAdapter is an in-memory platform backend for engine tests.
type fakeAdapter struct {
	mu sync.Mutex

	me           board.Actor
	items        map[string]*board.WorkItemDetails
	backlogOrder []string
	comments     map[string][]board.Comment // newest first

	stageCalls   []stageCall
	commentCalls []commentCall

	failures map[string]error // op name -> injected error

	reconcileCalls int
}

type stageCall struct {
	ID    string
	Stage board.Stage
}

type commentCall struct {
	ID   string
	Body string
}

func newFakeAdapter(me board.Actor) *fakeAdapter {
	return &fakeAdapter{
		me:       me,
		items:    map[string]*board.WorkItemDetails{},
		comments: map[string][]board.Comment{},
		failures: map[string]error{},
	}
}

func (f *fakeAdapter) addItem(id, title string, stage board.Stage, updatedAt *time.Time, assignees ...board.Actor) {
	f.items[id] = &board.WorkItemDetails{
		WorkItem: board.WorkItem{
			ID: id, Title: title, Stage: stage,
			UpdatedAt: updatedAt, Assignees: assignees,
		},
	}
	if stage == board.StageTodo {
		f.backlogOrder = append(f.backlogOrder, id)
	}
}

func (f *fakeAdapter) addComment(ticketID, commentID, body string, author board.Actor) {
	// Prepend: the fixture holds comments newest first.
	f.comments[ticketID] = append([]board.Comment{{ID: commentID, Author: author, Body: body}}, f.comments[ticketID]...)
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Whoami(context.Context) (board.Actor, error) {
	if err := f.failures["whoami"]; err != nil {
		return board.Actor{}, err
	}
	return f.me, nil
}

func (f *fakeAdapter) FetchSnapshot(context.Context) (board.Snapshot, error) {
	snap := make(board.Snapshot, len(f.items))
	for id, item := range f.items {
		snap[id] = item.WorkItem
	}
	return snap, nil
}

func (f *fakeAdapter) ListIDsByStage(_ context.Context, stage board.Stage) ([]string, error) {
	if err := f.failures["listIdsByStage"]; err != nil {
		return nil, err
	}
	var ids []string
	for id, item := range f.items {
		if item.Stage == stage {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeAdapter) ListBacklogIDsInOrder(context.Context) ([]string, error) {
	if err := f.failures["listBacklog"]; err != nil {
		return nil, err
	}
	var ids []string
	for _, id := range f.backlogOrder {
		if item, ok := f.items[id]; ok && item.Stage == board.StageTodo {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeAdapter) GetWorkItem(_ context.Context, id string) (*board.WorkItemDetails, error) {
	item, ok := f.items[id]
	if !ok {
		return nil, fmt.Errorf("fake: no item %s", id)
	}
	return item, nil
}

func (f *fakeAdapter) ListComments(_ context.Context, id string, q adapter.CommentQuery) ([]board.Comment, error) {
	if err := f.failures["listComments"]; err != nil {
		return nil, err
	}
	comments := f.comments[id]
	if q.Limit > 0 && len(comments) > q.Limit {
		comments = comments[:q.Limit]
	}
	return comments, nil
}

func (f *fakeAdapter) ListAttachments(context.Context, string) ([]board.Attachment, error) {
	return nil, nil
}

func (f *fakeAdapter) ListLinkedWorkItems(context.Context, string) ([]board.Link, error) {
	return nil, nil
}

func (f *fakeAdapter) SetStage(_ context.Context, id string, stage board.Stage) error {
	if err := f.failures["setStage"]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return fmt.Errorf("fake: no item %s", id)
	}
	f.stageCalls = append(f.stageCalls, stageCall{ID: id, Stage: stage})
	item.Stage = stage
	return nil
}

func (f *fakeAdapter) AddComment(_ context.Context, id, body string) error {
	if err := f.failures["addComment"]; err != nil {
		return err
	}
	if strings.TrimSpace(body) == "" {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commentCalls = append(f.commentCalls, commentCall{ID: id, Body: body})
	f.addComment(id, fmt.Sprintf("posted-%d", len(f.commentCalls)), body, f.me)
	return nil
}

func (f *fakeAdapter) CreateInBacklogAndAssignToSelf(_ context.Context, item adapter.NewWorkItem) (*adapter.Created, error) {
	id := fmt.Sprintf("created-%d", len(f.items)+1)
	f.addItem(id, item.Title, board.StageTodo, nil, f.me)
	return &adapter.Created{ID: id}, nil
}

// reconcilingFake adds the optional assignment-reconciler capability.
type reconcilingFake struct {
	*fakeAdapter
	reconcileErr error
}

func (r *reconcilingFake) ReconcileAssignments(context.Context) error {
	r.reconcileCalls++
	return r.reconcileErr
}

// noopLock satisfies the engine Lock interface for tests that bypass the
// real lock file.
type noopLock struct{ released bool }

func (l *noopLock) Release() error {
	l.released = true
	return nil
}

func testLock(l *noopLock) AcquireLockFunc {
	return func(string, time.Time, time.Duration) (Lock, error) {
		return l, nil
	}
}
