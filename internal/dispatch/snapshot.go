package dispatch

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProcessingEntry is one (taskId, startedAtMs) pair of the persisted
// processing-start map, serialized as a two-element JSON array.
type ProcessingEntry struct {
	ID        string
	StartedAt int64 // unix milliseconds
}

func (e ProcessingEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.ID, e.StartedAt})
}

func (e *ProcessingEntry) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("processing entry: %w", err)
	}
	if err := json.Unmarshal(raw[0], &e.ID); err != nil {
		return fmt.Errorf("processing entry id: %w", err)
	}
	if err := json.Unmarshal(raw[1], &e.StartedAt); err != nil {
		return fmt.Errorf("processing entry timestamp: %w", err)
	}
	return nil
}

// StoreSnapshot is the persisted form of a RoundStore.
type StoreSnapshot struct {
	RoundID                   string            `json:"roundId"`
	Tasks                     []*Task           `json:"tasks"`
	PendingQueue              []string          `json:"pendingQueue"`
	ProcessingStartedAt       []ProcessingEntry `json:"processingStartedAt"`
	CompletedList             []string          `json:"completedList"`
	FailedList                []string          `json:"failedList"`
	TotalProcessedItemNum     int64             `json:"totalProcessedItemNum"`
	TotalProcessedRunningTime float64           `json:"totalProcessedRunningTime"`
	LastProcessedAt           *time.Time        `json:"lastProcessedAt"`
}

// RoundSnapshot is the full persisted round: metadata shadow plus store.
type RoundSnapshot struct {
	Metadata RoundMeta     `json:"metadata"`
	Store    StoreSnapshot `json:"store"`
}

// Snapshot captures the store's state. Queue and list entries are filtered
// to live ids so stale lazy-deletion residue never reaches disk.
func (s *RoundStore) Snapshot() StoreSnapshot {
	snap := StoreSnapshot{
		RoundID:                   s.roundID,
		Tasks:                     make([]*Task, 0, len(s.tasks)),
		TotalProcessedItemNum:     s.processed.ItemNum,
		TotalProcessedRunningTime: s.processed.RunningTime,
		LastProcessedAt:           s.processed.LastAt,
	}
	for _, t := range s.tasks {
		snap.Tasks = append(snap.Tasks, t.clone())
	}

	for _, id := range s.pendingQueue {
		if _, ok := s.pendingSet[id]; !ok {
			continue
		}
		if _, ok := s.tasks[id]; ok {
			snap.PendingQueue = append(snap.PendingQueue, id)
		}
	}
	for id, start := range s.processing {
		if _, ok := s.tasks[id]; ok {
			snap.ProcessingStartedAt = append(snap.ProcessingStartedAt, ProcessingEntry{
				ID:        id,
				StartedAt: start.UnixMilli(),
			})
		}
	}
	snap.CompletedList = s.liveListIDs(s.completedList)
	snap.FailedList = s.liveListIDs(s.failedList)
	return snap
}

// RestoreRoundStore rebuilds a RoundStore from a snapshot. The path index is
// rebuilt from the task table, per-status sets derive from each task's
// status, and the queue and lists are trimmed to surviving live ids.
func RestoreRoundStore(snap StoreSnapshot, nodes NodeTracker) *RoundStore {
	s := NewRoundStore(snap.RoundID, nodes)
	s.processed = ProcessedTotals{
		ItemNum:     snap.TotalProcessedItemNum,
		RunningTime: snap.TotalProcessedRunningTime,
		LastAt:      snap.LastProcessedAt,
	}

	for _, t := range snap.Tasks {
		c := t.clone()
		c.RoundID = snap.RoundID
		s.tasks[c.ID] = c
		s.pathIndex[c.Path] = c.ID
	}

	starts := make(map[string]time.Time, len(snap.ProcessingStartedAt))
	for _, e := range snap.ProcessingStartedAt {
		starts[e.ID] = time.UnixMilli(e.StartedAt)
	}

	// Pending FIFO in persisted order, then any pending task the queue missed.
	queued := make(map[string]struct{})
	for _, id := range snap.PendingQueue {
		t, ok := s.tasks[id]
		if !ok || t.Status != StatusPending {
			continue
		}
		if _, dup := queued[id]; dup {
			continue
		}
		queued[id] = struct{}{}
		s.enqueuePending(id)
	}

	for id, t := range s.tasks {
		switch t.Status {
		case StatusPending:
			s.enqueuePending(id)
		case StatusProcessing:
			start, ok := starts[id]
			if !ok {
				if t.ProcessingStartedAt != nil {
					start = *t.ProcessingStartedAt
				} else {
					start = t.UpdatedAt
				}
			}
			s.processing[id] = start
			ts := start
			t.ProcessingStartedAt = &ts
		}
	}

	s.completedList, s.completedSet = restoreList(snap.CompletedList, s.tasks, StatusCompleted)
	s.failedList, s.failedSet = restoreList(snap.FailedList, s.tasks, StatusFailed)
	return s
}

// restoreList trims a persisted id list to live tasks in the wanted status
// and appends any matching task the list missed.
func restoreList(list []string, tasks map[string]*Task, want Status) ([]string, map[string]struct{}) {
	set := make(map[string]struct{})
	var out []string
	for _, id := range list {
		t, ok := tasks[id]
		if !ok || t.Status != want {
			continue
		}
		if _, dup := set[id]; dup {
			continue
		}
		set[id] = struct{}{}
		out = append(out, id)
	}
	for id, t := range tasks {
		if t.Status != want {
			continue
		}
		if _, ok := set[id]; ok {
			continue
		}
		set[id] = struct{}{}
		out = append(out, id)
	}
	return out, set
}
