// Package adapter defines the platform port every ticket backend implements.
// The decision engine consumes this contract exclusively; platform specifics
// never cross it.
package adapter

import (
	"context"

	"github.com/arctek/clawban/board"
)

// CommentQuery bounds a ListComments call.
type CommentQuery struct {
	// Limit caps the number of comments returned; must be >= 1.
	Limit int
	// NewestFirst orders the result newest comment first.
	NewestFirst bool
	// IncludeInternal includes platform-internal comments where the
	// backend distinguishes them.
	IncludeInternal bool
}

// NewWorkItem is the input to CreateInBacklogAndAssignToSelf.
type NewWorkItem struct {
	Title string
	Body  string
}

// Created is the result of creating a work item.
type Created struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

// Adapter is the uniform platform contract. All operations may fail with an
// *Error carrying a human-readable diagnostic and a cause chain.
type Adapter interface {
	// Name returns the stable backend identifier, e.g. "github" or "plane".
	Name() string

	// Whoami returns the current authenticated identity. Implementations
	// may additionally probe read access and fail if the probe fails.
	Whoami(ctx context.Context) (board.Actor, error)

	// FetchSnapshot returns the full current view of mapped work items.
	FetchSnapshot(ctx context.Context) (board.Snapshot, error)

	// ListIDsByStage returns ids in the given stage in an adapter-defined
	// but deterministic order.
	ListIDsByStage(ctx context.Context, stage board.Stage) ([]string, error)

	// ListBacklogIDsInOrder returns todo-stage ids in consumption order:
	// explicit numeric ordering field, then platform priority, then
	// updatedAt, then lexicographic id. Multi-project orderings are
	// concatenated in configured project order, never interleaved.
	ListBacklogIDsInOrder(ctx context.Context) ([]string, error)

	// GetWorkItem returns the detail view with the body resolved from a
	// detail endpoint. HTML-only bodies are stripped to plain text.
	GetWorkItem(ctx context.Context, id string) (*board.WorkItemDetails, error)

	ListComments(ctx context.Context, id string, q CommentQuery) ([]board.Comment, error)
	ListAttachments(ctx context.Context, id string) ([]board.Attachment, error)
	ListLinkedWorkItems(ctx context.Context, id string) ([]board.Link, error)

	// SetStage moves the item. Idempotent: setting the current stage is a
	// no-op success.
	SetStage(ctx context.Context, id string, stage board.Stage) error

	// AddComment posts a comment. Bodies that trim to empty are ignored.
	AddComment(ctx context.Context, id, body string) error

	// CreateInBacklogAndAssignToSelf creates an item in the todo stage and,
	// best-effort, assigns it to the identity returned by Whoami.
	CreateInBacklogAndAssignToSelf(ctx context.Context, item NewWorkItem) (*Created, error)
}

// AssignmentReconciler is implemented by backends that can repair missing
// assignments: for any ticket in a mapped stage with no assignee but a known
// creator, attempt to assign the creator. Failures are swallowed by callers.
type AssignmentReconciler interface {
	ReconcileAssignments(ctx context.Context) error
}
