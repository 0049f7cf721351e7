// Package source defines the content-store collaborator: the system that
// owns the canonical content kbsync keeps indexed. Implementations provide
// snapshot reads plus change notifications; the reference implementation is
// a watched directory tree.
package source

import (
	"context"
	"time"
)

// Action describes what happened to a piece of content.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Priority is advisory metadata carried through to the pipeline.
// It never reorders the durable work queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ContentItem is a point-in-time snapshot of one piece of content.
// It is not refreshed after enqueue; a later change event re-enqueues the id.
type ContentItem struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// ChangeNotification is the inbound "content changed" callback payload.
type ChangeNotification struct {
	ContentType string
	ContentID   string
	Action      Action
	Priority    Priority
	Timestamp   time.Time
	Metadata    map[string]string
}

// ChangeHandler receives content-change notifications from a Source.
// The aggregator implements this; the host wiring registers it.
type ChangeHandler interface {
	OnContentChanged(n ChangeNotification)
}

// Source reads content snapshots from the content store.
type Source interface {
	// FetchBatch returns current snapshots for the given ids in one read.
	// Ids that no longer exist are silently omitted.
	FetchBatch(ctx context.Context, contentType string, ids []string) ([]ContentItem, error)

	// Scan returns a snapshot of all content, optionally filtered by type.
	// An empty filter means all types.
	Scan(ctx context.Context, typeFilter string) ([]ContentItem, error)

	// Types lists the content types known to the store.
	Types(ctx context.Context) ([]string, error)
}
