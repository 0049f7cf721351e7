package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/kestrelworks/kbsync/internal/kberr"
	"github.com/kestrelworks/kbsync/internal/source"
	"github.com/kestrelworks/kbsync/internal/store"
)

// JobStatus is the indexing job lifecycle state.
type JobStatus string

const (
	StatusIdle      JobStatus = "idle"
	StatusPreparing JobStatus = "preparing"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// active reports whether the status blocks starting another job.
func (s JobStatus) active() bool {
	return s == StatusPreparing || s == StatusRunning
}

// terminal reports whether the job reached an end state.
func (s JobStatus) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// JobState is the single persisted job record. The whole struct is
// written as one JSON value under a revisioned state key, so queue and
// counters always move together; concurrent ticks lose the revision race
// instead of clobbering each other.
type JobState struct {
	Version         int                  `json:"version"`
	RunID           string               `json:"run_id,omitempty"`
	Kind            string               `json:"kind,omitempty"`
	Status          JobStatus            `json:"status"`
	TypeFilter      string               `json:"type_filter,omitempty"`
	TotalItems      int                  `json:"total_items"`
	ProcessedItems  int                  `json:"processed_items"`
	Queue           []source.ContentItem `json:"queue,omitempty"`
	Errors          []string             `json:"errors,omitempty"`
	Message         string               `json:"message,omitempty"`
	StartTime       time.Time            `json:"start_time,omitzero"`
	EndTime         time.Time            `json:"end_time,omitzero"`
	CancelRequested bool                 `json:"cancel_requested,omitempty"`
}

// jobStateVersion is the current JobState serialization version.
const jobStateVersion = 1

// Job kinds. Full jobs come from an explicit start or resync; incremental
// jobs come from aggregator dispatches.
const (
	jobKindFull        = "full"
	jobKindIncremental = "incremental"
)

// Progress returns completion percent, clamped to [0, 100].
func (j *JobState) Progress() int {
	if j.Status == StatusCompleted {
		return 100
	}
	if j.Status == StatusCancelled || j.TotalItems == 0 {
		return 0
	}
	pct := int(math.Round(float64(j.ProcessedItems) / float64(j.TotalItems) * 100))
	if pct > 100 {
		pct = 100
	}
	return pct
}

// StatusMessage renders the human-readable message for the state.
func (j *JobState) StatusMessage() string {
	switch j.Status {
	case StatusIdle:
		return "idle"
	case StatusPreparing:
		return "preparing"
	case StatusRunning:
		return fmt.Sprintf("%d%% complete", j.Progress())
	case StatusCompleted:
		return fmt.Sprintf("completed: %d items, %d errors", j.ProcessedItems, len(j.Errors))
	case StatusFailed:
		return "failed: " + j.Message
	case StatusCancelled:
		return "cancelled"
	default:
		return string(j.Status)
	}
}

// loadState reads the persisted job state with its revision. A missing
// record reads as a fresh idle state at revision zero.
func loadState(ctx context.Context, s store.StateStore) (*JobState, int64, error) {
	raw, revision, err := s.GetOption(ctx, store.StateKeyJobState)
	if err != nil {
		return nil, 0, err
	}
	if raw == "" {
		return &JobState{Version: jobStateVersion, Status: StatusIdle}, 0, nil
	}

	var state JobState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, 0, kberr.New(kberr.ErrCodeStoreCorrupt, "decode job state", err)
	}
	return &state, revision, nil
}

// saveState writes the job state with compare-and-swap on the revision
// read at load time. A conflict means another invocation owns the job.
func saveState(ctx context.Context, s store.StateStore, state *JobState, expected int64) (int64, error) {
	state.Version = jobStateVersion
	raw, err := json.Marshal(state)
	if err != nil {
		return 0, kberr.New(kberr.ErrCodeInternal, "encode job state", err)
	}
	return s.SetOptionCAS(ctx, store.StateKeyJobState, string(raw), expected)
}
