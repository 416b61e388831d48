package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"icc.tech/dispatchd/internal/metrics"
	"icc.tech/dispatchd/internal/nodestats"
)

// Notifier posts a text notification to a webhook URL.
type Notifier interface {
	Post(ctx context.Context, url, text string) error
}

// roundEntry is the dispatcher's per-round record. Counts and processed
// shadows stay answerable even when the task table is cold.
type roundEntry struct {
	meta      RoundMeta
	processed ProcessedTotals

	store        *RoundStore // nil when cold
	dirty        bool
	hasPersisted bool
}

// syncShadow refreshes the metadata shadow from the hot store.
func (e *roundEntry) syncShadow() {
	if e.store == nil {
		return
	}
	e.meta.Counts = e.store.Counts()
	e.processed = e.store.Processed()
}

// Dispatcher is the process-wide coordinator façade. It owns the ordered
// round registry, the active-round pointer, the task→round index, the
// hot/cold load policy, cross-round allocation, sweeps and the completion
// detector.
//
// One coarse mutex guards all dispatcher, round-store and node-store
// mutations. Webhook posts never run under the lock: payloads are captured
// while locked and posted after release.
type Dispatcher struct {
	mu sync.Mutex

	snapshots SnapshotStore
	// persistent is false when no real snapshot store is configured; rounds
	// then stay hot forever since a cold load has nothing to read from.
	persistent bool
	notifier   Notifier
	nodes      *nodestats.Store

	order     []string
	entries   map[string]*roundEntry
	taskIndex map[string]string
	seq       int
	activeID  string

	settings   Settings
	reporting  ReportingState
	lastDigest string

	now func() time.Time
}

// Options configures a Dispatcher.
type Options struct {
	Snapshots SnapshotStore
	Notifier  Notifier
	Nodes     *nodestats.Store
	Settings  Settings
}

// New creates a Dispatcher. Nil Snapshots disables persistence; nil Nodes
// creates a fresh node statistics store.
func New(opts Options) *Dispatcher {
	persistent := opts.Snapshots != nil
	if opts.Snapshots == nil {
		opts.Snapshots = noopSnapshotStore{}
	}
	if opts.Nodes == nil {
		opts.Nodes = nodestats.NewStore()
	}
	s := opts.Settings
	s.applyDefaults()

	d := &Dispatcher{
		snapshots:  opts.Snapshots,
		persistent: persistent,
		notifier:   opts.Notifier,
		nodes:      opts.Nodes,
		entries:    make(map[string]*roundEntry),
		taskIndex:  make(map[string]string),
		settings:   s,
		now:        time.Now,
	}
	d.reporting = newReportingState(s, d.now())
	return d
}

// Nodes exposes the node statistics store for read paths.
func (d *Dispatcher) Nodes() *nodestats.Store { return d.nodes }

// Restore rebuilds the round registry from persisted snapshots. Rounds stay
// cold; only metadata shadows and the task index are loaded into memory.
func (d *Dispatcher) Restore() error {
	snaps, err := d.snapshots.List()
	if err != nil {
		return fmt.Errorf("dispatcher restore: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].Metadata.ID < snaps[j].Metadata.ID
	})
	for _, snap := range snaps {
		id := snap.Metadata.ID
		if id == "" {
			continue
		}
		if _, dup := d.entries[id]; dup {
			continue
		}
		e := &roundEntry{
			meta: snap.Metadata,
			processed: ProcessedTotals{
				ItemNum:     snap.Store.TotalProcessedItemNum,
				RunningTime: snap.Store.TotalProcessedRunningTime,
				LastAt:      snap.Store.LastProcessedAt,
			},
			hasPersisted: true,
		}
		d.entries[id] = e
		d.order = append(d.order, id)
		for _, t := range snap.Store.Tasks {
			d.taskIndex[t.ID] = id
		}
		if n := roundSeq(id); n > d.seq {
			d.seq = n
		}
		slog.Info("round restored", "round_id", id, "status", e.meta.Status, "total", e.meta.Counts.Total)
	}
	metrics.RoundsTotal.Set(float64(len(d.order)))
	return nil
}

// roundSeq extracts the numeric suffix of a round_NNNN id, or 0.
func roundSeq(id string) int {
	s := strings.TrimPrefix(id, "round_")
	if s == id {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// nextRoundID allocates the next sequential round id.
// Caller must hold d.mu.
func (d *Dispatcher) nextRoundID() string {
	d.seq++
	return fmt.Sprintf("round_%04d", d.seq)
}

// loadEntry brings a round's task table into memory if cold.
// Caller must hold d.mu.
func (d *Dispatcher) loadEntry(id string) (*roundEntry, error) {
	e, ok := d.entries[id]
	if !ok {
		return nil, ErrRoundNotFound
	}
	if e.store != nil {
		return e, nil
	}

	snap, err := d.snapshots.Read(id)
	if err != nil {
		slog.Error("failed to load round snapshot", "round_id", id, "error", err)
		return nil, roundUnavailable("轮次数据加载失败：" + id)
	}
	e.store = RestoreRoundStore(snap.Store, d.nodes)
	e.syncShadow()
	slog.Debug("round loaded", "round_id", id, "total", e.meta.Counts.Total)
	return e, nil
}

// evictEntry flushes a hot round if dirty or never persisted, then drops
// the hot copy. On write failure the round stays hot and dirty so no state
// is lost. Caller must hold d.mu.
func (d *Dispatcher) evictEntry(e *roundEntry) {
	if e.store == nil || !d.persistent {
		return
	}
	if e.dirty || !e.hasPersisted {
		if err := d.flushEntry(e); err != nil {
			slog.Error("failed to persist round, keeping hot",
				"round_id", e.meta.ID, "error", err)
			return
		}
	}
	e.store = nil
}

// flushEntry writes the round's snapshot. Caller must hold d.mu.
func (d *Dispatcher) flushEntry(e *roundEntry) error {
	if e.store == nil {
		return nil
	}
	e.syncShadow()
	snap := RoundSnapshot{Metadata: e.meta, Store: e.store.Snapshot()}
	if err := d.snapshots.Write(snap); err != nil {
		return err
	}
	e.dirty = false
	e.hasPersisted = true
	return nil
}

// refreshStatus reconciles a round's lifecycle with its counts: the round is
// completed iff no pending or processing work remains (including the empty
// round). Completion freezes the completion time and evicts the hot store.
// Caller must hold d.mu.
func (d *Dispatcher) refreshStatus(e *roundEntry) {
	e.syncShadow()
	c := e.meta.Counts

	done := c.Pending+c.Processing == 0
	if done && e.meta.Status != RoundCompleted {
		e.meta.Status = RoundCompleted
		now := d.now()
		e.meta.CompletedAt = &now
		e.dirty = true
		if d.activeID == e.meta.ID {
			d.activeID = ""
		}
		slog.Info("round completed", "round_id", e.meta.ID,
			"completed", c.Completed, "failed", c.Failed)
		d.evictEntry(e)
	} else if !done && e.meta.Status == RoundCompleted {
		// Re-imported paths revived a finished round.
		e.meta.Status = RoundPending
		e.meta.CompletedAt = nil
		e.dirty = true
	}
}

// activateLocked promotes a round to active, demoting any current one.
// Caller must hold d.mu; the entry must be live and not completed.
func (d *Dispatcher) activateLocked(e *roundEntry) {
	if d.activeID != "" && d.activeID != e.meta.ID {
		if prev, ok := d.entries[d.activeID]; ok && prev.meta.Status == RoundActive {
			prev.meta.Status = RoundPending
			prev.dirty = true
			d.evictEntry(prev)
		}
	}
	d.activeID = e.meta.ID
	if e.meta.Status != RoundActive {
		e.meta.Status = RoundActive
		if e.meta.ActivatedAt == nil {
			now := d.now()
			e.meta.ActivatedAt = &now
		}
		e.dirty = true
	}
}

// ensureActiveRound returns the current active entry, re-resolving to the
// first non-completed round in insertion order when the pointer is stale.
// Returns nil when every round is completed. Caller must hold d.mu.
func (d *Dispatcher) ensureActiveRound() *roundEntry {
	if d.activeID != "" {
		if e, ok := d.entries[d.activeID]; ok && e.meta.Status != RoundCompleted {
			return e
		}
		d.activeID = ""
	}
	for _, id := range d.order {
		e := d.entries[id]
		if e.meta.Status == RoundCompleted {
			continue
		}
		d.activateLocked(e)
		return e
	}
	return nil
}

// ImportOptions controls round creation and re-import.
type ImportOptions struct {
	// RoundID targets an existing round instead of creating a new one.
	RoundID    string
	Name       string
	SourceType SourceType
	SourceHint string
	// Activate forces the activation decision; nil means activate only when
	// no round is currently active and the import added tasks.
	Activate *bool
}

// ImportResult is the outcome of an import.
type ImportResult struct {
	RoundID string      `json:"roundId"`
	Name    string      `json:"name"`
	Status  RoundStatus `json:"status"`
	Counts  RoundCounts `json:"counts"`
	Added   int         `json:"added"`
	Skipped int         `json:"skipped"`
}

// Import loads a batch of paths into a new round, or appends them to an
// existing one when opts.RoundID is set.
func (d *Dispatcher) Import(paths []string, opts ImportOptions) (ImportResult, error) {
	d.mu.Lock()

	hadActive := false
	if d.activeID != "" {
		if cur, ok := d.entries[d.activeID]; ok && cur.meta.Status != RoundCompleted {
			hadActive = true
		}
	}

	var e *roundEntry
	if opts.RoundID != "" {
		var err error
		e, err = d.loadEntry(opts.RoundID)
		if err != nil {
			d.mu.Unlock()
			return ImportResult{}, err
		}
	} else {
		id := d.nextRoundID()
		name := strings.TrimSpace(opts.Name)
		if name == "" {
			name = id
		}
		if len([]rune(name)) > 64 {
			name = string([]rune(name)[:64])
		}
		st := opts.SourceType
		if st == "" {
			st = SourceManual
		}
		e = &roundEntry{
			meta: RoundMeta{
				ID:         id,
				Name:       name,
				SourceType: st,
				SourceHint: opts.SourceHint,
				CreatedAt:  d.now(),
				Status:     RoundPending,
			},
			store: NewRoundStore(id, d.nodes),
		}
		d.entries[id] = e
		d.order = append(d.order, id)
		metrics.RoundsTotal.Set(float64(len(d.order)))
	}

	res := e.store.Enqueue(paths)
	for _, id := range res.ReplacedIDs {
		delete(d.taskIndex, id)
	}
	for _, id := range res.TaskIDs {
		d.taskIndex[id] = e.meta.ID
	}
	e.dirty = true
	e.syncShadow()
	metrics.TasksImportedTotal.Add(float64(res.Added))

	activate := !hadActive && res.Added > 0
	if opts.Activate != nil {
		activate = *opts.Activate
	}
	if activate && e.meta.Counts.Total > 0 {
		d.activateLocked(e)
	}
	d.refreshStatus(e)
	if d.activeID != e.meta.ID {
		d.evictEntry(e)
	}

	out := ImportResult{
		RoundID: e.meta.ID,
		Name:    e.meta.Name,
		Status:  e.meta.Status,
		Counts:  e.meta.Counts,
		Added:   res.Added,
		Skipped: res.Skipped,
	}
	slog.Info("round imported", "round_id", out.RoundID,
		"added", out.Added, "skipped", out.Skipped, "status", out.Status)

	payload := d.checkCompletion()
	d.mu.Unlock()
	d.postCompletion(payload)
	return out, nil
}

// SetActiveRound makes roundID the active round.
func (d *Dispatcher) SetActiveRound(roundID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[roundID]
	if !ok {
		return ErrRoundNotFound
	}
	if e.meta.Status == RoundCompleted {
		return ErrRoundCompleted
	}
	if _, err := d.loadEntry(roundID); err != nil {
		return err
	}
	d.activateLocked(e)
	return nil
}

// Lease hands out up to batchSize pending tasks. With an explicit roundID
// only that round is drained; otherwise the active round is tried first and
// the insertion-ordered list supplies the shortfall, stopping at the first
// round that yields tasks or still has pending work.
func (d *Dispatcher) Lease(batchSize int, roundID, nodeID string) ([]LeasedTask, error) {
	d.mu.Lock()

	k := batchSize
	if k < 1 {
		k = d.settings.DefaultBatchSize
	}
	if k > d.settings.MaxBatchSize {
		k = d.settings.MaxBatchSize
	}

	var leased []*Task
	if roundID != "" {
		e, err := d.loadEntry(roundID)
		if err != nil {
			d.mu.Unlock()
			return nil, err
		}
		leased = e.store.Lease(k, nodeID)
		if len(leased) > 0 {
			e.dirty = true
		}
		d.refreshStatus(e)
		if d.activeID != e.meta.ID {
			d.evictEntry(e)
		}
	} else {
		leased = d.leaseAcrossRounds(k, nodeID)
	}

	out := make([]LeasedTask, len(leased))
	for i, t := range leased {
		out[i] = LeasedTask{TaskID: t.ID, RoundID: t.RoundID, Path: t.Path}
	}
	metrics.TasksLeasedTotal.Add(float64(len(out)))

	payload := d.checkCompletion()
	d.mu.Unlock()
	d.postCompletion(payload)
	return out, nil
}

// leaseAcrossRounds implements the cross-round allocation policy.
// Caller must hold d.mu.
func (d *Dispatcher) leaseAcrossRounds(k int, nodeID string) []*Task {
	var leased []*Task

	active := d.ensureActiveRound()
	if active != nil {
		if _, err := d.loadEntry(active.meta.ID); err == nil {
			leased = active.store.Lease(k, nodeID)
			if len(leased) > 0 {
				active.dirty = true
			}
			d.refreshStatus(active)
			// The active round keeps priority while it has leftover pending
			// work, even when this batch drained nothing.
			if len(leased) > 0 || (active.store != nil && active.store.HasPending()) {
				return leased
			}
		}
	}

	for _, id := range d.order {
		if len(leased) >= k {
			break
		}
		e := d.entries[id]
		if e.meta.Status == RoundCompleted {
			continue
		}
		if active != nil && id == active.meta.ID {
			continue
		}
		if _, err := d.loadEntry(id); err != nil {
			continue
		}
		got := e.store.Lease(k-len(leased), nodeID)
		if len(got) > 0 {
			e.dirty = true
			leased = append(leased, got...)
			d.activateLocked(e)
			d.refreshStatus(e)
			break
		}
		hasPending := e.store.HasPending()
		d.refreshStatus(e)
		if d.activeID != id {
			d.evictEntry(e)
		}
		if hasPending {
			break
		}
	}
	return leased
}

// Report records a worker's outcome for a task, found via the task→round
// index. Completion of the last task in the last round fires the webhook.
func (d *Dispatcher) Report(taskID string, success bool, message string) (Status, error) {
	d.mu.Lock()

	roundID, ok := d.taskIndex[taskID]
	if !ok {
		d.mu.Unlock()
		return "", ErrTaskNotFound
	}
	e, err := d.loadEntry(roundID)
	if err != nil {
		d.mu.Unlock()
		return "", err
	}

	status, err := e.store.Report(taskID, success, message)
	if err != nil {
		d.mu.Unlock()
		return "", err
	}
	e.dirty = true
	d.refreshStatus(e)
	if d.activeID != roundID {
		d.evictEntry(e)
	}

	result := "failure"
	if success {
		result = "success"
	}
	metrics.TasksReportedTotal.WithLabelValues(result).Inc()

	payload := d.checkCompletion()
	d.mu.Unlock()
	d.postCompletion(payload)
	return status, nil
}

// Sweep times out stale processing tasks. With an empty roundID every round
// is swept, loading cold rounds transiently. Returns the number of tasks
// touched (re-queued plus failed-final).
func (d *Dispatcher) Sweep(thresholdMs int64, roundID string) (int, error) {
	d.mu.Lock()

	var ids []string
	if roundID != "" {
		if _, ok := d.entries[roundID]; !ok {
			d.mu.Unlock()
			return 0, ErrRoundNotFound
		}
		ids = []string{roundID}
	} else {
		ids = append(ids, d.order...)
	}

	total := 0
	for _, id := range ids {
		e, err := d.loadEntry(id)
		if err != nil {
			// An explicitly named round must not fail silently.
			if roundID != "" {
				d.mu.Unlock()
				return 0, err
			}
			continue
		}
		n := e.store.Sweep(thresholdMs)
		if n > 0 {
			e.dirty = true
			total += n
		}
		d.refreshStatus(e)
		if d.activeID != id {
			d.evictEntry(e)
		}
	}
	if total > 0 {
		metrics.TasksSweptTotal.Add(float64(total))
		slog.Info("timeout sweep", "threshold_ms", thresholdMs, "touched", total)
	}

	payload := d.checkCompletion()
	d.mu.Unlock()
	d.postCompletion(payload)
	return total, nil
}

// InspectResult is the system-wide processing inspection.
type InspectResult struct {
	Aggregate     ProcessingReport  `json:"aggregate"`
	SelectedRound *ProcessingReport `json:"selectedRound,omitempty"`
}

// Inspect aggregates per-round processing reports: totals summed, longest
// duration maxed, top-5 lists merged by duration.
func (d *Dispatcher) Inspect(thresholdMs int64, roundID string) (InspectResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if roundID != "" {
		if _, ok := d.entries[roundID]; !ok {
			return InspectResult{}, ErrRoundNotFound
		}
	}

	var res InspectResult
	var allTimedOut, allLongest []ProcessingTask
	for _, id := range d.order {
		e, err := d.loadEntry(id)
		if err != nil {
			continue
		}
		rep := e.store.Inspect(thresholdMs)
		if d.activeID != id {
			d.evictEntry(e)
		}

		res.Aggregate.TotalProcessing += rep.TotalProcessing
		res.Aggregate.TimedOutCount += rep.TimedOutCount
		res.Aggregate.NearTimeoutCount += rep.NearTimeoutCount
		if rep.LongestDurationMs != nil {
			if res.Aggregate.LongestDurationMs == nil || *rep.LongestDurationMs > *res.Aggregate.LongestDurationMs {
				v := *rep.LongestDurationMs
				res.Aggregate.LongestDurationMs = &v
			}
		}
		allTimedOut = append(allTimedOut, rep.TopTimedOut...)
		allLongest = append(allLongest, rep.TopLongest...)

		if id == roundID {
			selected := rep
			res.SelectedRound = &selected
		}
	}

	byDuration := func(list []ProcessingTask) []ProcessingTask {
		sort.Slice(list, func(i, j int) bool {
			return list[i].DurationMs > list[j].DurationMs
		})
		return topN(list, 5)
	}
	res.Aggregate.TopTimedOut = byDuration(allTimedOut)
	res.Aggregate.TopLongest = byDuration(allLongest)
	return res, nil
}

// ListTasks pages through tasks of a round. An empty roundID resolves to the
// active round; with no live round the result is empty.
func (d *Dispatcher) ListTasks(status string, page, pageSize int, roundID string) ([]*Task, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var e *roundEntry
	if roundID != "" {
		var err error
		e, err = d.loadEntry(roundID)
		if err != nil {
			return nil, 0, err
		}
	} else {
		e = d.ensureActiveRound()
		if e == nil {
			return nil, 0, nil
		}
		var err error
		e, err = d.loadEntry(e.meta.ID)
		if err != nil {
			return nil, 0, err
		}
	}

	tasks, total := e.store.ListByStatus(status, page, pageSize)
	if d.activeID != e.meta.ID {
		d.evictEntry(e)
	}
	return tasks, total, nil
}

// RoundSummary is one row of ListRounds.
type RoundSummary struct {
	RoundMeta
	Processed ProcessedTotals `json:"processed"`
}

// ListRounds returns all rounds in insertion order, answered from the
// metadata shadows without loading cold rounds.
func (d *Dispatcher) ListRounds() []RoundSummary {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]RoundSummary, 0, len(d.order))
	for _, id := range d.order {
		e := d.entries[id]
		e.syncShadow()
		out = append(out, RoundSummary{RoundMeta: e.meta, Processed: e.processed})
	}
	return out
}

// FoundTask is a FindTask result.
type FoundTask struct {
	Task    *Task  `json:"task"`
	RoundID string `json:"roundId"`
}

// FindTask looks a task up by id or path. With an explicit roundID only that
// round is searched; otherwise the task index routes id lookups directly and
// path lookups walk rounds in insertion order. Returns nil when not found.
func (d *Dispatcher) FindTask(query, roundID string) (*FoundTask, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	search := func(id string) *FoundTask {
		e, err := d.loadEntry(id)
		if err != nil {
			return nil
		}
		t := e.store.Find(query)
		if d.activeID != id {
			d.evictEntry(e)
		}
		if t == nil {
			return nil
		}
		return &FoundTask{Task: t, RoundID: id}
	}

	if roundID != "" {
		if _, ok := d.entries[roundID]; !ok {
			return nil, ErrRoundNotFound
		}
		return search(roundID), nil
	}
	if id, ok := d.taskIndex[query]; ok {
		if found := search(id); found != nil {
			return found, nil
		}
	}
	for _, id := range d.order {
		if found := search(id); found != nil {
			return found, nil
		}
	}
	return nil, nil
}

// HasActiveRound reports whether a non-completed round is resolvable.
func (d *Dispatcher) HasActiveRound() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ensureActiveRound() != nil
}

// RecordProcessed folds a worker's processed-info report into the node
// statistics store and, when a round is resolvable, into that round's
// processed aggregates. Never fails for lack of an active round.
func (d *Dispatcher) RecordProcessed(nodeID string, itemNum int64, runningTime float64, roundID string) error {
	if nodeID == "" {
		return invalidInput("节点标识不能为空")
	}
	if itemNum < 0 || runningTime < 0 {
		return invalidInput("处理数量和运行时长不能为负数")
	}

	d.mu.Lock()
	d.nodes.RecordProcessed(nodeID, itemNum, runningTime)

	var e *roundEntry
	if roundID != "" {
		var err error
		e, err = d.loadEntry(roundID)
		if err != nil {
			d.mu.Unlock()
			return err
		}
	} else {
		e = d.ensureActiveRound()
		if e != nil {
			if _, err := d.loadEntry(e.meta.ID); err != nil {
				e = nil
			}
		}
	}
	if e != nil {
		e.store.AddProcessed(itemNum, runningTime)
		e.dirty = true
		e.syncShadow()
		if d.activeID != e.meta.ID {
			d.evictEntry(e)
		}
	}
	d.mu.Unlock()
	return nil
}

// RoundStats computes the run statistics of one round (the active round when
// roundID is empty).
func (d *Dispatcher) RoundStats(roundID string) (*RunStats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var e *roundEntry
	if roundID != "" {
		var err error
		e, err = d.loadEntry(roundID)
		if err != nil {
			return nil, err
		}
	} else {
		e = d.ensureActiveRound()
		if e == nil {
			return nil, ErrNoActiveRound
		}
		var err error
		e, err = d.loadEntry(e.meta.ID)
		if err != nil {
			return nil, err
		}
	}
	st := e.store.Stats()
	if d.activeID != e.meta.ID {
		d.evictEntry(e)
	}
	return &st, nil
}

// ExportFailed returns failed tasks for operator re-runs. An empty roundID
// exports across all rounds in insertion order. limit <= 0 means no limit.
func (d *Dispatcher) ExportFailed(roundID string, limit int) ([]FailedTaskExport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ids []string
	if roundID != "" {
		if _, ok := d.entries[roundID]; !ok {
			return nil, ErrRoundNotFound
		}
		ids = []string{roundID}
	} else {
		ids = append(ids, d.order...)
	}

	var out []FailedTaskExport
	for _, id := range ids {
		if limit > 0 && len(out) >= limit {
			break
		}
		e := d.entries[id]
		if e.meta.Counts.Failed == 0 && e.store == nil {
			continue // shadow says nothing to export, skip the load
		}
		if _, err := d.loadEntry(id); err != nil {
			continue
		}
		remaining := 0
		if limit > 0 {
			remaining = limit - len(out)
		}
		out = append(out, e.store.FailedTasks(remaining)...)
		if d.activeID != id {
			d.evictEntry(e)
		}
	}
	return out, nil
}

// ClearRound drops a round entirely: tasks, snapshot, index entries and its
// place in the round list. Returns the number of tasks removed.
func (d *Dispatcher) ClearRound(roundID string) (int, error) {
	d.mu.Lock()

	if _, ok := d.entries[roundID]; !ok {
		d.mu.Unlock()
		return 0, ErrRoundNotFound
	}
	cleared := d.clearRoundLocked(roundID)

	payload := d.checkCompletion()
	d.mu.Unlock()
	d.postCompletion(payload)
	return cleared, nil
}

// clearRoundLocked removes one round. Caller must hold d.mu.
func (d *Dispatcher) clearRoundLocked(roundID string) int {
	e := d.entries[roundID]

	cleared := 0
	if le, err := d.loadEntry(roundID); err == nil {
		cleared = le.store.Clear()
	} else {
		// Snapshot unreadable; fall back to shadow count and purge the index.
		cleared = e.meta.Counts.Total
	}
	for taskID, rid := range d.taskIndex {
		if rid == roundID {
			delete(d.taskIndex, taskID)
		}
	}

	if err := d.snapshots.Delete(roundID); err != nil {
		slog.Warn("failed to delete round snapshot", "round_id", roundID, "error", err)
	}
	delete(d.entries, roundID)
	d.order = removeID(d.order, roundID)
	metrics.RoundsTotal.Set(float64(len(d.order)))
	if d.activeID == roundID {
		d.activeID = ""
		d.ensureActiveRound()
	}
	slog.Info("round cleared", "round_id", roundID, "tasks", cleared)
	return cleared
}

// ClearAll removes every round. Returns the total number of tasks removed.
func (d *Dispatcher) ClearAll() int {
	d.mu.Lock()

	total := 0
	for _, id := range append([]string(nil), d.order...) {
		total += d.clearRoundLocked(id)
	}

	payload := d.checkCompletion()
	d.mu.Unlock()
	d.postCompletion(payload)
	return total
}

// FlushAll persists every dirty hot round. Called on graceful shutdown.
func (d *Dispatcher) FlushAll() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, id := range d.order {
		e := d.entries[id]
		if e.store == nil || (!e.dirty && e.hasPersisted) {
			continue
		}
		if err := d.flushEntry(e); err != nil {
			slog.Error("failed to flush round on shutdown", "round_id", id, "error", err)
		}
	}
}
