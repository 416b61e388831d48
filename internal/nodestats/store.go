// Package nodestats aggregates per-worker telemetry: lifetime counters, a
// sliding window of recent processing records and the set of tasks each node
// currently holds. The store is global and independent of rounds.
package nodestats

import (
	"sort"
	"sync"
	"time"
)

const (
	// windowDuration bounds the age of records kept in the recent window.
	windowDuration = 2 * time.Hour
	// windowMaxRecords bounds the size of the recent window. Overflow is
	// folded into the archived counters so lifetime totals never lose history.
	windowMaxRecords = 500
)

// Record is one processed-info report inside a node's recent window.
type Record struct {
	Timestamp   time.Time `json:"timestamp"`
	ItemNum     int64     `json:"itemNum"`
	RunningTime float64   `json:"runningTime"`
	Speed       float64   `json:"speed"`
}

// node is the internal mutable record for one worker.
type node struct {
	id          string
	lastUpdated time.Time

	// Lifetime totals. Window trimming never reduces these.
	totalItemNum     int64
	totalRunningTime float64
	recordCount      int64

	// Aggregate of records evicted from the window.
	archivedRecordCount int64
	archivedItemNum     int64
	archivedRunningTime float64

	requestCount      int64
	assignedTaskCount int64

	window    []Record
	active    map[string]struct{}
	activeIDs []string // refreshed snapshot of active, in insertion order
}

// View is the caller-facing copy of a node record.
type View struct {
	NodeID              string     `json:"nodeId"`
	LastUpdated         time.Time  `json:"lastUpdated"`
	TotalItemNum        int64      `json:"totalItemNum"`
	TotalRunningTime    float64    `json:"totalRunningTime"`
	RecordCount         int64      `json:"recordCount"`
	ArchivedRecordCount int64      `json:"archivedRecordCount"`
	ArchivedItemNum     int64      `json:"archivedItemNum"`
	ArchivedRunningTime float64    `json:"archivedRunningTime"`
	RequestCount        int64      `json:"requestCount"`
	AssignedTaskCount   int64      `json:"assignedTaskCount"`
	ActiveTaskCount     int        `json:"activeTaskCount"`
	ActiveTaskIDs       []string   `json:"activeTaskIds"`
	AverageSpeed        *float64   `json:"averageSpeed"`
	AverageTimePer100   *float64   `json:"averageTimePer100Items"`
	RecentRecords       []Record   `json:"recentRecords"`
}

// Summary is the store-wide aggregate across all nodes.
type Summary struct {
	NodeCount          int      `json:"nodeCount"`
	TotalItemNum       int64    `json:"totalItemNum"`
	TotalRunningTime   float64  `json:"totalRunningTime"`
	RecordCount        int64    `json:"recordCount"`
	TotalRequests      int64    `json:"totalRequests"`
	TotalAssignedTasks int64    `json:"totalAssignedTasks"`
	TotalActiveTasks   int      `json:"totalActiveTasks"`
	AverageSpeed       *float64 `json:"averageSpeed"`
	AverageTimePer100  *float64 `json:"averageTimePer100Items"`
}

// Store is the process-wide node statistics aggregator.
// All methods are safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	nodes map[string]*node
	// taskIndex maps an in-flight task id to the node holding it.
	taskIndex map[string]string

	now func() time.Time
}

// NewStore creates an empty node statistics store.
func NewStore() *Store {
	return &Store{
		nodes:     make(map[string]*node),
		taskIndex: make(map[string]string),
		now:       time.Now,
	}
}

// getOrCreate returns the record for nodeID, creating it on first sight.
// Caller must hold s.mu.
func (s *Store) getOrCreate(nodeID string) *node {
	n, ok := s.nodes[nodeID]
	if !ok {
		n = &node{
			id:     nodeID,
			active: make(map[string]struct{}),
		}
		s.nodes[nodeID] = n
	}
	return n
}

// RecordRequest counts one lease request from a node.
func (s *Store) RecordRequest(nodeID string) {
	if nodeID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.getOrCreate(nodeID)
	n.requestCount++
	n.lastUpdated = s.now()
}

// RecordAssignment registers taskIDs as held by nodeID.
func (s *Store) RecordAssignment(nodeID string, taskIDs []string) {
	if nodeID == "" || len(taskIDs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.getOrCreate(nodeID)
	n.assignedTaskCount += int64(len(taskIDs))
	for _, id := range taskIDs {
		n.active[id] = struct{}{}
		s.taskIndex[id] = nodeID
	}
	n.refreshActiveIDs()
	n.lastUpdated = s.now()
}

// Detach removes a task from whichever node currently holds it.
// Called on report, sweep and clear; unknown ids are a no-op.
func (s *Store) Detach(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodeID, ok := s.taskIndex[taskID]
	if !ok {
		return
	}
	delete(s.taskIndex, taskID)

	n, ok := s.nodes[nodeID]
	if !ok {
		return
	}
	delete(n.active, taskID)
	if len(n.active) == 0 {
		n.active = make(map[string]struct{})
	}
	n.refreshActiveIDs()
}

// RecordProcessed appends a processed-info report to the node's window and
// lifetime totals. itemNum and runningTime must be non-negative; runningTime
// is in seconds.
func (s *Store) RecordProcessed(nodeID string, itemNum int64, runningTime float64) {
	if nodeID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := s.getOrCreate(nodeID)

	speed := 0.0
	if runningTime > 0 {
		speed = float64(itemNum) / runningTime
	}
	n.window = append(n.window, Record{
		Timestamp:   now,
		ItemNum:     itemNum,
		RunningTime: runningTime,
		Speed:       speed,
	})
	n.totalItemNum += itemNum
	n.totalRunningTime += runningTime
	n.recordCount++
	n.lastUpdated = now

	n.archiveAndTrim(now)
}

// archiveAndTrim folds window entries older than windowDuration, plus any in
// excess of windowMaxRecords, into the archived counters.
func (n *node) archiveAndTrim(now time.Time) {
	cutoff := now.Add(-windowDuration)

	keep := n.window[:0]
	for _, r := range n.window {
		if r.Timestamp.Before(cutoff) {
			n.archive(r)
			continue
		}
		keep = append(keep, r)
	}
	n.window = keep

	if excess := len(n.window) - windowMaxRecords; excess > 0 {
		for _, r := range n.window[:excess] {
			n.archive(r)
		}
		n.window = append(n.window[:0], n.window[excess:]...)
	}
}

func (n *node) archive(r Record) {
	n.archivedRecordCount++
	n.archivedItemNum += r.ItemNum
	n.archivedRunningTime += r.RunningTime
}

func (n *node) refreshActiveIDs() {
	ids := make([]string, 0, len(n.active))
	for id := range n.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	n.activeIDs = ids
}

// view builds a caller-facing copy. Averages derive from lifetime totals,
// not the window.
func (n *node) view() View {
	v := View{
		NodeID:              n.id,
		LastUpdated:         n.lastUpdated,
		TotalItemNum:        n.totalItemNum,
		TotalRunningTime:    n.totalRunningTime,
		RecordCount:         n.recordCount,
		ArchivedRecordCount: n.archivedRecordCount,
		ArchivedItemNum:     n.archivedItemNum,
		ArchivedRunningTime: n.archivedRunningTime,
		RequestCount:        n.requestCount,
		AssignedTaskCount:   n.assignedTaskCount,
		ActiveTaskCount:     len(n.active),
		ActiveTaskIDs:       append([]string(nil), n.activeIDs...),
		RecentRecords:       append([]Record(nil), n.window...),
	}
	if n.totalRunningTime > 0 {
		speed := float64(n.totalItemNum) / n.totalRunningTime
		v.AverageSpeed = &speed
	}
	if n.totalItemNum > 0 {
		per100 := n.totalRunningTime / float64(n.totalItemNum) * 100
		v.AverageTimePer100 = &per100
	}
	return v
}

// List returns one page of node views sorted by lastUpdated descending,
// plus the total node count. Every node's window is trimmed first.
func (s *Store) List(page, pageSize int) ([]View, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	all := make([]*node, 0, len(s.nodes))
	for _, n := range s.nodes {
		n.archiveAndTrim(now)
		all = append(all, n)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].lastUpdated.After(all[j].lastUpdated)
	})

	start, end := pageBounds(len(all), page, pageSize)
	views := make([]View, 0, end-start)
	for _, n := range all[start:end] {
		views = append(views, n.view())
	}
	return views, len(all)
}

// Summarize aggregates lifetime totals across all nodes.
func (s *Store) Summarize() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := Summary{NodeCount: len(s.nodes)}
	for _, n := range s.nodes {
		sum.TotalItemNum += n.totalItemNum
		sum.TotalRunningTime += n.totalRunningTime
		sum.RecordCount += n.recordCount
		sum.TotalRequests += n.requestCount
		sum.TotalAssignedTasks += n.assignedTaskCount
		sum.TotalActiveTasks += len(n.active)
	}
	if sum.TotalRunningTime > 0 {
		speed := float64(sum.TotalItemNum) / sum.TotalRunningTime
		sum.AverageSpeed = &speed
	}
	if sum.TotalItemNum > 0 {
		per100 := sum.TotalRunningTime / float64(sum.TotalItemNum) * 100
		sum.AverageTimePer100 = &per100
	}
	return sum
}

// Delete removes one node and purges its active tasks from the index.
// Returns false when the node does not exist.
func (s *Store) Delete(nodeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return false
	}
	for id := range n.active {
		delete(s.taskIndex, id)
	}
	delete(s.nodes, nodeID)
	return true
}

// Clear removes all nodes and the task index.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes = make(map[string]*node)
	s.taskIndex = make(map[string]string)
}

// pageBounds clamps pagination the same way the round store does: page and
// pageSize are raised to 1 and an out-of-range page resolves to the last page.
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
