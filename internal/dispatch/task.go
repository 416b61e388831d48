// Package dispatch implements the task dispatch engine: per-round task
// queues and state machines, the cross-round dispatcher, the processing
// timeout sweeper and the completion detector.
package dispatch

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a single task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is one file-path work item. Tasks reference their round by id only;
// a task id never moves between rounds.
type Task struct {
	ID           string     `json:"id"`
	RoundID      string     `json:"roundId"`
	Path         string     `json:"path"`
	Status       Status     `json:"status"`
	FailureCount int        `json:"failureCount"`
	Message      string     `json:"message,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	// ProcessingStartedAt and NodeID are set iff Status == StatusProcessing.
	ProcessingStartedAt *time.Time `json:"processingStartedAt,omitempty"`
	NodeID              string     `json:"nodeId,omitempty"`
}

// clone returns an independent copy safe to hand to callers.
func (t *Task) clone() *Task {
	c := *t
	if t.ProcessingStartedAt != nil {
		ts := *t.ProcessingStartedAt
		c.ProcessingStartedAt = &ts
	}
	return &c
}

// newTaskID generates a fresh, globally unique task id.
func newTaskID() string {
	return uuid.NewString()
}

// RoundStatus is the lifecycle state of a round.
type RoundStatus string

const (
	RoundPending   RoundStatus = "pending"
	RoundActive    RoundStatus = "active"
	RoundCompleted RoundStatus = "completed"
)

// SourceType records how a round's paths were imported.
type SourceType string

const (
	SourceFile   SourceType = "file"
	SourceFolder SourceType = "folder"
	SourceManual SourceType = "manual"
)

// RoundCounts is the per-status breakdown of a round's tasks.
type RoundCounts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// ProcessedTotals aggregates worker-reported processing volume for a round.
// RunningTime is in seconds.
type ProcessedTotals struct {
	ItemNum     int64      `json:"totalProcessedItemNum"`
	RunningTime float64    `json:"totalProcessedRunningTime"`
	LastAt      *time.Time `json:"lastProcessedAt"`
}

// RoundMeta is the round metadata kept on the dispatcher even when the
// round's task table is cold.
type RoundMeta struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	SourceType  SourceType  `json:"sourceType"`
	SourceHint  string      `json:"sourceHint,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	ActivatedAt *time.Time  `json:"activatedAt"`
	CompletedAt *time.Time  `json:"completedAt"`
	Status      RoundStatus `json:"status"`
	Counts      RoundCounts `json:"counts"`
}

// LeasedTask is the view of a task handed to a worker by a lease.
type LeasedTask struct {
	TaskID  string `json:"taskId"`
	RoundID string `json:"roundId"`
	Path    string `json:"path"`
}

// RunStats are the derived run statistics of one round.
type RunStats struct {
	Counts               RoundCounts `json:"counts"`
	StartedAt            *time.Time  `json:"startedAt"`
	EndedAt              *time.Time  `json:"endedAt"`
	DurationMs           *int64      `json:"durationMs"`
	AverageTaskSpeed     *float64    `json:"averageTaskSpeed"`
	AverageItemSpeed     *float64    `json:"averageItemSpeed"`
	AverageTimePerItem   *float64    `json:"averageTimePerItem"`
	AverageTimePer100    *float64    `json:"averageTimePer100Items"`
	TotalItemNum         int64       `json:"totalProcessedItemNum"`
	TotalRunningTime     float64     `json:"totalProcessedRunningTime"`
	AllCompleted         bool        `json:"allCompleted"`
}

// ProcessingTask is one entry of a processing inspection report.
type ProcessingTask struct {
	RoundID    string    `json:"roundId"`
	TaskID     string    `json:"taskId"`
	Path       string    `json:"path"`
	Status     Status    `json:"status"`
	StartedAt  time.Time `json:"startedAt"`
	DurationMs int64     `json:"durationMs"`
	NodeID     string    `json:"nodeId,omitempty"`
}

// ProcessingReport summarizes the currently-processing tasks against a
// timeout threshold.
type ProcessingReport struct {
	TotalProcessing   int              `json:"totalProcessing"`
	TimedOutCount     int              `json:"timedOutCount"`
	NearTimeoutCount  int              `json:"nearTimeoutCount"`
	LongestDurationMs *int64           `json:"longestDurationMs"`
	TopTimedOut       []ProcessingTask `json:"topTimedOut"`
	TopLongest        []ProcessingTask `json:"topLongest"`
}

// FailedTaskExport is one row of an exportFailed result.
type FailedTaskExport struct {
	RoundID      string    `json:"roundId"`
	ID           string    `json:"id"`
	Path         string    `json:"path"`
	FailureCount int       `json:"failureCount"`
	Message      string    `json:"message,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
