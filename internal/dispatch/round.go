package dispatch

import (
	"sort"
	"strings"
	"time"
)

// NodeTracker is the slice of the node statistics store the round store
// needs: lease accounting and task attach/detach. The dispatcher passes the
// real store; tests may pass nil for a no-op tracker.
type NodeTracker interface {
	RecordRequest(nodeID string)
	RecordAssignment(nodeID string, taskIDs []string)
	Detach(taskID string)
}

type noopTracker struct{}

func (noopTracker) RecordRequest(string)          {}
func (noopTracker) RecordAssignment(string, []string) {}
func (noopTracker) Detach(string)                 {}

// RoundStore owns all tasks of one round: the task table, the pending FIFO,
// the processing and terminal sets, and the processed aggregates.
//
// RoundStore carries no lock of its own. Every mutation and read runs under
// the dispatcher's coarse lock; standalone use must be serialized by the
// caller.
type RoundStore struct {
	roundID string
	nodes   NodeTracker

	tasks     map[string]*Task
	pathIndex map[string]string

	// pendingQueue uses lazy deletion: membership is authoritative in
	// pendingSet, leases skip stale queue entries.
	pendingQueue []string
	pendingSet   map[string]struct{}

	processing map[string]time.Time

	// completedList and failedList are most-recent-first.
	completedList []string
	completedSet  map[string]struct{}
	failedList    []string
	failedSet     map[string]struct{}

	processed ProcessedTotals

	now func() time.Time
}

// NewRoundStore creates an empty store for roundID.
func NewRoundStore(roundID string, nodes NodeTracker) *RoundStore {
	if nodes == nil {
		nodes = noopTracker{}
	}
	return &RoundStore{
		roundID:      roundID,
		nodes:        nodes,
		tasks:        make(map[string]*Task),
		pathIndex:    make(map[string]string),
		pendingSet:   make(map[string]struct{}),
		processing:   make(map[string]time.Time),
		completedSet: make(map[string]struct{}),
		failedSet:    make(map[string]struct{}),
		now:          time.Now,
	}
}

// RoundID returns the owning round id.
func (s *RoundStore) RoundID() string { return s.roundID }

// EnqueueResult reports the outcome of an Enqueue call. ReplacedIDs lists
// ids of failed tasks that were removed to make room for a re-imported path.
type EnqueueResult struct {
	Added       int      `json:"added"`
	Skipped     int      `json:"skipped"`
	TaskIDs     []string `json:"taskIds"`
	ReplacedIDs []string `json:"-"`
}

// Enqueue adds one task per unique non-empty path. A path already held by a
// non-failed task is skipped; a failed task with the same path is removed
// entirely and replaced by a fresh one.
func (s *RoundStore) Enqueue(paths []string) EnqueueResult {
	var res EnqueueResult
	now := s.now()

	for _, raw := range paths {
		path := strings.TrimSpace(raw)
		if path == "" {
			res.Skipped++
			continue
		}

		if oldID, ok := s.pathIndex[path]; ok {
			old, live := s.tasks[oldID]
			if live && old.Status != StatusFailed {
				res.Skipped++
				continue
			}
			if live {
				// Replace the failed task: its id vanishes.
				s.removeTask(oldID)
				res.ReplacedIDs = append(res.ReplacedIDs, oldID)
			}
		}

		t := &Task{
			ID:        newTaskID(),
			RoundID:   s.roundID,
			Path:      path,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.tasks[t.ID] = t
		s.pathIndex[path] = t.ID
		s.enqueuePending(t.ID)

		res.Added++
		res.TaskIDs = append(res.TaskIDs, t.ID)
	}
	return res
}

// enqueuePending appends id to the FIFO unless it is already pending.
func (s *RoundStore) enqueuePending(id string) {
	if _, ok := s.pendingSet[id]; ok {
		return
	}
	s.pendingSet[id] = struct{}{}
	s.pendingQueue = append(s.pendingQueue, id)
}

// removeTask drops a task from every structure. The FIFO entry, if any, is
// left behind for lazy deletion.
func (s *RoundStore) removeTask(id string) {
	t, ok := s.tasks[id]
	if !ok {
		return
	}
	delete(s.tasks, id)
	if s.pathIndex[t.Path] == id {
		delete(s.pathIndex, t.Path)
	}
	delete(s.pendingSet, id)
	delete(s.processing, id)
	if _, ok := s.completedSet[id]; ok {
		delete(s.completedSet, id)
		s.completedList = removeID(s.completedList, id)
	}
	if _, ok := s.failedSet[id]; ok {
		delete(s.failedSet, id)
		s.failedList = removeID(s.failedList, id)
	}
}

func removeID(list []string, id string) []string {
	for i, v := range list {
		if v == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// Lease pops up to k tasks from the pending FIFO and transitions them to
// processing, assigned to nodeID (which may be empty). Stale FIFO entries
// are skipped and dropped.
func (s *RoundStore) Lease(k int, nodeID string) []*Task {
	if k < 1 {
		return nil
	}
	if nodeID != "" {
		s.nodes.RecordRequest(nodeID)
	}

	now := s.now()
	var leased []*Task
	for len(leased) < k && len(s.pendingQueue) > 0 {
		id := s.pendingQueue[0]
		s.pendingQueue = s.pendingQueue[1:]

		if _, ok := s.pendingSet[id]; !ok {
			continue // stale entry
		}
		t, ok := s.tasks[id]
		if !ok {
			delete(s.pendingSet, id)
			continue
		}

		delete(s.pendingSet, id)
		start := now
		t.Status = StatusProcessing
		t.ProcessingStartedAt = &start
		t.UpdatedAt = now
		t.NodeID = nodeID
		s.processing[id] = now

		leased = append(leased, t.clone())
	}

	if nodeID != "" && len(leased) > 0 {
		ids := make([]string, len(leased))
		for i, t := range leased {
			ids[i] = t.ID
		}
		s.nodes.RecordAssignment(nodeID, ids)
	}
	return leased
}

// Report records a worker's terminal outcome for a task. A late failure
// report against an already-completed task is ignored (completion wins).
func (s *RoundStore) Report(taskID string, success bool, message string) (Status, error) {
	t, ok := s.tasks[taskID]
	if !ok {
		return "", ErrTaskNotFound
	}

	s.nodes.Detach(taskID)
	delete(s.processing, taskID)
	delete(s.pendingSet, taskID)

	if t.Status == StatusCompleted && !success {
		return t.Status, nil
	}

	now := s.now()
	t.UpdatedAt = now
	t.Message = message
	t.ProcessingStartedAt = nil
	t.NodeID = ""

	if success {
		t.Status = StatusCompleted
		t.FailureCount = 0
		if _, ok := s.failedSet[taskID]; ok {
			delete(s.failedSet, taskID)
			s.failedList = removeID(s.failedList, taskID)
		}
		if _, ok := s.completedSet[taskID]; !ok {
			s.completedSet[taskID] = struct{}{}
			s.completedList = append([]string{taskID}, s.completedList...)
		}
	} else {
		t.Status = StatusFailed
		t.FailureCount++
		if _, ok := s.completedSet[taskID]; ok {
			delete(s.completedSet, taskID)
			s.completedList = removeID(s.completedList, taskID)
		}
		if _, ok := s.failedSet[taskID]; ok {
			s.failedList = removeID(s.failedList, taskID)
		} else {
			s.failedSet[taskID] = struct{}{}
		}
		s.failedList = append([]string{taskID}, s.failedList...)
	}
	return t.Status, nil
}

// Sweep transitions every processing task whose elapsed time exceeds
// thresholdMs. A task on its first failure is re-queued once; a task that
// already failed before goes to failed for good. thresholdMs <= 0 sweeps
// all processing tasks. Returns the number of tasks touched.
func (s *RoundStore) Sweep(thresholdMs int64) int {
	now := s.now()

	var expired []string
	for id, start := range s.processing {
		if thresholdMs <= 0 || now.Sub(start).Milliseconds() > thresholdMs {
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)

	for _, id := range expired {
		t, ok := s.tasks[id]
		if !ok {
			delete(s.processing, id)
			continue
		}

		s.nodes.Detach(id)
		delete(s.processing, id)
		t.UpdatedAt = now
		t.ProcessingStartedAt = nil
		t.NodeID = ""

		if t.FailureCount == 0 {
			t.FailureCount = 1
			t.Status = StatusPending
			t.Message = "任务处理超时，已重新入队重试"
			s.enqueuePending(id)
		} else {
			t.FailureCount++
			t.Status = StatusFailed
			t.Message = "任务处理超时且已达最大重试次数"
			if _, ok := s.failedSet[id]; ok {
				s.failedList = removeID(s.failedList, id)
			} else {
				s.failedSet[id] = struct{}{}
			}
			s.failedList = append([]string{id}, s.failedList...)
		}
	}
	return len(expired)
}

// Inspect summarizes currently-processing tasks against thresholdMs.
func (s *RoundStore) Inspect(thresholdMs int64) ProcessingReport {
	now := s.now()

	records := make([]ProcessingTask, 0, len(s.processing))
	for id, start := range s.processing {
		t, ok := s.tasks[id]
		if !ok {
			continue
		}
		dur := now.Sub(start).Milliseconds()
		if dur < 0 {
			dur = 0
		}
		records = append(records, ProcessingTask{
			RoundID:    s.roundID,
			TaskID:     id,
			Path:       t.Path,
			Status:     t.Status,
			StartedAt:  start,
			DurationMs: dur,
			NodeID:     t.NodeID,
		})
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].DurationMs > records[j].DurationMs
	})

	rep := ProcessingReport{TotalProcessing: len(records)}
	var timedOut []ProcessingTask
	for _, r := range records {
		if r.DurationMs > thresholdMs {
			rep.TimedOutCount++
			timedOut = append(timedOut, r)
		} else if thresholdMs > 0 && float64(r.DurationMs) >= 0.8*float64(thresholdMs) {
			rep.NearTimeoutCount++
		}
	}
	if len(records) > 0 {
		longest := records[0].DurationMs
		rep.LongestDurationMs = &longest
	}
	rep.TopTimedOut = topN(timedOut, 5)
	rep.TopLongest = topN(records, 5)
	return rep
}

func topN(records []ProcessingTask, n int) []ProcessingTask {
	if len(records) > n {
		records = records[:n]
	}
	return append([]ProcessingTask(nil), records...)
}

// pageBounds clamps pagination: page and pageSize are raised to 1 and an
// out-of-range page resolves to the last page.
func pageBounds(total, page, pageSize int) (int, int) {
	if pageSize < 1 {
		pageSize = 1
	}
	if page < 1 {
		page = 1
	}
	if total == 0 {
		return 0, 0
	}
	lastPage := (total + pageSize - 1) / pageSize
	if page > lastPage {
		page = lastPage
	}
	start := (page - 1) * pageSize
	end := start + pageSize
	if end > total {
		end = total
	}
	return start, end
}

// ListByStatus returns one page of tasks for the given status filter and the
// total matching count. An empty filter or "all" lists every task sorted by
// updatedAt descending.
func (s *RoundStore) ListByStatus(status string, page, pageSize int) ([]*Task, int) {
	var ids []string
	switch Status(status) {
	case StatusPending:
		for _, id := range s.pendingQueue {
			if _, ok := s.pendingSet[id]; !ok {
				continue
			}
			if _, ok := s.tasks[id]; ok {
				ids = append(ids, id)
			}
		}
	case StatusProcessing:
		for id := range s.processing {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			return s.processing[ids[i]].After(s.processing[ids[j]])
		})
	case StatusCompleted:
		ids = s.liveListIDs(s.completedList)
	case StatusFailed:
		ids = s.liveListIDs(s.failedList)
	default:
		for id := range s.tasks {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			ti, tj := s.tasks[ids[i]], s.tasks[ids[j]]
			if !ti.UpdatedAt.Equal(tj.UpdatedAt) {
				return ti.UpdatedAt.After(tj.UpdatedAt)
			}
			return ids[i] < ids[j]
		})
	}

	total := len(ids)
	start, end := pageBounds(total, page, pageSize)
	out := make([]*Task, 0, end-start)
	for _, id := range ids[start:end] {
		out = append(out, s.tasks[id].clone())
	}
	return out, total
}

func (s *RoundStore) liveListIDs(list []string) []string {
	ids := make([]string, 0, len(list))
	for _, id := range list {
		if _, ok := s.tasks[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Find looks a task up by id first, then by path. Returns a copy, or nil.
func (s *RoundStore) Find(query string) *Task {
	if t, ok := s.tasks[query]; ok {
		return t.clone()
	}
	if id, ok := s.pathIndex[query]; ok {
		if t, ok := s.tasks[id]; ok {
			return t.clone()
		}
	}
	return nil
}

// Counts tallies the per-status breakdown.
func (s *RoundStore) Counts() RoundCounts {
	c := RoundCounts{Total: len(s.tasks)}
	for _, t := range s.tasks {
		switch t.Status {
		case StatusPending:
			c.Pending++
		case StatusProcessing:
			c.Processing++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		}
	}
	return c
}

// AddProcessed folds a worker's processed-info report into the round's
// aggregates. runningTime is in seconds.
func (s *RoundStore) AddProcessed(itemNum int64, runningTime float64) {
	now := s.now()
	s.processed.ItemNum += itemNum
	s.processed.RunningTime += runningTime
	s.processed.LastAt = &now
}

// Processed returns the round's processed aggregates.
func (s *RoundStore) Processed() ProcessedTotals {
	return s.processed
}

// SetProcessed overwrites the processed aggregates (used on restore and by
// the dispatcher's metadata shadow).
func (s *RoundStore) SetProcessed(p ProcessedTotals) {
	s.processed = p
}

// Stats computes the round's run statistics from the task table and the
// processed aggregates.
func (s *RoundStore) Stats() RunStats {
	counts := s.Counts()
	st := RunStats{
		Counts:           counts,
		TotalItemNum:     s.processed.ItemNum,
		TotalRunningTime: s.processed.RunningTime,
		AllCompleted:     counts.Total > 0 && counts.Completed == counts.Total,
	}

	var start, end *time.Time
	for _, t := range s.tasks {
		if start == nil || t.CreatedAt.Before(*start) {
			c := t.CreatedAt
			start = &c
		}
		if t.Status == StatusCompleted {
			if end == nil || t.UpdatedAt.After(*end) {
				u := t.UpdatedAt
				end = &u
			}
		}
	}
	st.StartedAt = start
	st.EndedAt = end

	if start != nil && end != nil && !end.Before(*start) {
		dur := end.Sub(*start).Milliseconds()
		st.DurationMs = &dur
		if dur > 0 {
			speed := float64(counts.Completed) / (float64(dur) / 1000)
			st.AverageTaskSpeed = &speed
		}
	}
	if s.processed.RunningTime > 0 {
		v := float64(s.processed.ItemNum) / s.processed.RunningTime
		st.AverageItemSpeed = &v
	}
	if s.processed.ItemNum > 0 {
		perItem := s.processed.RunningTime / float64(s.processed.ItemNum)
		st.AverageTimePerItem = &perItem
		per100 := perItem * 100
		st.AverageTimePer100 = &per100
	}
	return st
}

// FailedTasks returns up to limit failed tasks in failed-list order
// (most recent failure first). limit <= 0 means no limit.
func (s *RoundStore) FailedTasks(limit int) []FailedTaskExport {
	var out []FailedTaskExport
	for _, id := range s.failedList {
		t, ok := s.tasks[id]
		if !ok {
			continue
		}
		out = append(out, FailedTaskExport{
			RoundID:      s.roundID,
			ID:           t.ID,
			Path:         t.Path,
			FailureCount: t.FailureCount,
			Message:      t.Message,
			CreatedAt:    t.CreatedAt,
			UpdatedAt:    t.UpdatedAt,
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Clear drops the whole task population, detaching every task from the node
// store and zeroing the processed aggregates. Returns the number of tasks
// removed.
func (s *RoundStore) Clear() int {
	n := len(s.tasks)
	for id := range s.tasks {
		s.nodes.Detach(id)
	}
	s.tasks = make(map[string]*Task)
	s.pathIndex = make(map[string]string)
	s.pendingQueue = nil
	s.pendingSet = make(map[string]struct{})
	s.processing = make(map[string]time.Time)
	s.completedList = nil
	s.completedSet = make(map[string]struct{})
	s.failedList = nil
	s.failedSet = make(map[string]struct{})
	s.processed = ProcessedTotals{}
	return n
}

// TaskIDs returns every live task id. Used by the dispatcher to maintain its
// task→round index.
func (s *RoundStore) TaskIDs() []string {
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	return ids
}

// HasPending reports whether any live pending task remains.
func (s *RoundStore) HasPending() bool {
	return len(s.pendingSet) > 0
}
