package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// captureNotifier records webhook posts for assertions.
type captureNotifier struct {
	mu    sync.Mutex
	posts []string
	fail  bool
}

func (n *captureNotifier) Post(ctx context.Context, url, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return fmt.Errorf("post rejected")
	}
	n.posts = append(n.posts, text)
	return nil
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.posts)
}

func (n *captureNotifier) last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.posts) == 0 {
		return ""
	}
	return n.posts[len(n.posts)-1]
}

func newTestDispatcher(t *testing.T, notifier Notifier, settings Settings) *Dispatcher {
	t.Helper()
	return New(Options{Notifier: notifier, Settings: settings})
}

// drain leases everything pending and reports success, completing all rounds.
func drain(t *testing.T, d *Dispatcher) {
	t.Helper()
	for {
		leased, err := d.Lease(100, "", "node-drain")
		if err != nil {
			t.Fatalf("Lease: %v", err)
		}
		if len(leased) == 0 {
			return
		}
		for _, lt := range leased {
			if _, err := d.Report(lt.TaskID, true, ""); err != nil {
				t.Fatalf("Report: %v", err)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Import / rounds
// ---------------------------------------------------------------------------

func TestDispatcher_Import_AutoActivatesFirstRound(t *testing.T) {
	d := newTestDispatcher(t, nil, Settings{})

	res, err := d.Import([]string{"/a", "/b"}, ImportOptions{Name: "批次一"})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.RoundID != "round_0001" {
		t.Errorf("RoundID: got %s", res.RoundID)
	}
	if res.Status != RoundActive {
		t.Errorf("Status: got %s, want active", res.Status)
	}
	if res.Added != 2 {
		t.Errorf("Added: got %d", res.Added)
	}

	// A second import while a round is active stays pending.
	res2, err := d.Import([]string{"/c"}, ImportOptions{})
	if err != nil {
		t.Fatalf("Import 2: %v", err)
	}
	if res2.RoundID != "round_0002" {
		t.Errorf("RoundID: got %s", res2.RoundID)
	}
	if res2.Status != RoundPending {
		t.Errorf("Status: got %s, want pending", res2.Status)
	}
}

func TestDispatcher_Import_NameDefaultsAndTruncates(t *testing.T) {
	d := newTestDispatcher(t, nil, Settings{})

	res, _ := d.Import([]string{"/a"}, ImportOptions{})
	if res.Name != res.RoundID {
		t.Errorf("default name: got %q", res.Name)
	}

	long := strings.Repeat("字", 80)
	res, _ = d.Import([]string{"/b"}, ImportOptions{Name: long})
	if got := len([]rune(res.Name)); got != 64 {
		t.Errorf("truncated name length: got %d, want 64", got)
	}
}

func TestDispatcher_Import_IntoExistingRound(t *testing.T) {
	d := newTestDispatcher(t, nil, Settings{})

	res, _ := d.Import([]string{"/a"}, ImportOptions{})
	res2, err := d.Import([]string{"/a", "/b"}, ImportOptions{RoundID: res.RoundID})
	if err != nil {
		t.Fatalf("Import into existing: %v", err)
	}
	if res2.RoundID != res.RoundID {
		t.Errorf("RoundID: got %s", res2.RoundID)
	}
	if res2.Added != 1 || res2.Skipped != 1 {
		t.Errorf("added=%d skipped=%d", res2.Added, res2.Skipped)
	}
	if res2.Counts.Total != 2 {
		t.Errorf("Total: got %d", res2.Counts.Total)
	}
}

func TestDispatcher_Import_UnknownRound(t *testing.T) {
	d := newTestDispatcher(t, nil, Settings{})
	if _, err := d.Import([]string{"/a"}, ImportOptions{RoundID: "round_9999"}); err != ErrRoundNotFound {
		t.Errorf("expected ErrRoundNotFound, got %v", err)
	}
}

func TestDispatcher_SetActiveRound(t *testing.T) {
	d := newTestDispatcher(t, nil, Settings{})
	r1, _ := d.Import([]string{"/a"}, ImportOptions{})
	r2, _ := d.Import([]string{"/b"}, ImportOptions{})

	if err := d.SetActiveRound(r2.RoundID); err != nil {
		t.Fatalf("SetActiveRound: %v", err)
	}
	rounds := d.ListRounds()
	if rounds[0].Status != RoundPending || rounds[1].Status != RoundActive {
		t.Errorf("statuses: %s / %s", rounds[0].Status, rounds[1].Status)
	}

	// Completed rounds cannot be re-activated.
	if err := d.SetActiveRound(r1.RoundID); err != nil {
		t.Fatalf("re-activate r1: %v", err)
	}
	leased, _ := d.Lease(10, r1.RoundID, "node-1")
	for _, lt := range leased {
		d.Report(lt.TaskID, true, "")
	}
	if err := d.SetActiveRound(r1.RoundID); err != ErrRoundCompleted {
		t.Errorf("expected ErrRoundCompleted, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Lease semantics
// ---------------------------------------------------------------------------

func TestDispatcher_Lease_BatchClamp(t *testing.T) {
	d := newTestDispatcher(t, nil, Settings{DefaultBatchSize: 2, MaxBatchSize: 3})
	paths := make([]string, 10)
	for i := range paths {
		paths[i] = fmt.Sprintf("/p%d", i)
	}
	d.Import(paths, ImportOptions{})

	// batchSize < 1 falls back to the default.
	leased, _ := d.Lease(0, "", "node-1")
	if len(leased) != 2 {
		t.Errorf("default clamp: got %d, want 2", len(leased))
	}
	// batchSize above the cap clamps to max.
	leased, _ = d.Lease(100, "", "node-1")
	if len(leased) != 3 {
		t.Errorf("max clamp: got %d, want 3", len(leased))
	}
}

func TestDispatcher_Lease_ActiveRoundFirst(t *testing.T) {
	d := newTestDispatcher(t, nil, Settings{})
	d.Import([]string{"/a1", "/a2"}, ImportOptions{})
	d.Import([]string{"/b1"}, ImportOptions{})

	leased, _ := d.Lease(10, "", "node-1")
	if len(leased) != 2 {
		t.Fatalf("leased: got %d, want 2 (active round only)", len(leased))
	}
	for _, lt := range leased {
		if lt.RoundID != "round_0001" {
			t.Errorf("leased from %s, want round_0001", lt.RoundID)
		}
	}
}

func TestDispatcher_Lease_FallsThroughToNextRound(t *testing.T) {
	d := newTestDispatcher(t, nil, Settings{})
	r1, _ := d.Import([]string{"/a1"}, ImportOptions{})
	d.Import([]string{"/b1", "/b2"}, ImportOptions{})

	// Drain round 1 fully.
	leased, _ := d.Lease(10, "", "node-1")
	d.Report(leased[0].TaskID, true, "")

	rounds := d.ListRounds()
	if rounds[0].Status != RoundCompleted {
		t.Fatalf("round 1 status: %s", rounds[0].Status)
	}
	_ = r1

	// The next lease promotes round 2 and drains it.
	leased, _ = d.Lease(10, "", "node-1")
	if len(leased) != 2 || leased[0].RoundID != "round_0002" {
		t.Errorf("fallthrough lease: got %v", leased)
	}
	rounds = d.ListRounds()
	if rounds[1].Status != RoundActive {
		t.Errorf("round 2 status: %s", rounds[1].Status)
	}
}

func TestDispatcher_Lease_ExplicitRound(t *testing.T) {
	d := newTestDispatcher(t, nil, Settings{})
	d.Import([]string{"/a1"}, ImportOptions{})
	r2, _ := d.Import([]string{"/b1"}, ImportOptions{})

	leased, err := d.Lease(5, r2.RoundID, "node-1")
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if len(leased) != 1 || leased[0].RoundID != r2.RoundID {
		t.Errorf("explicit lease: got %v", leased)
	}
	// Explicit lease does not steal the active pointer.
	if rounds := d.ListRounds(); rounds[0].Status != RoundActive {
		t.Errorf("round 1 status: %s", rounds[0].Status)
	}
}

func TestDispatcher_Lease_EmptyWhenNoRounds(t *testing.T) {
	d := newTestDispatcher(t, nil, Settings{})
	leased, err := d.Lease(5, "", "node-1")
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if len(leased) != 0 {
		t.Errorf("got %d tasks from empty dispatcher", len(leased))
	}
}

// ---------------------------------------------------------------------------
// Report routing
// ---------------------------------------------------------------------------

func TestDispatcher_Report_RoutesAcrossRounds(t *testing.T) {
	d := newTestDispatcher(t, nil, Settings{})
	d.Import([]string{"/a1"}, ImportOptions{})
	r2, _ := d.Import([]string{"/b1"}, ImportOptions{})

	leased, _ := d.Lease(1, r2.RoundID, "node-1")
	status, err := d.Report(leased[0].TaskID, true, "")
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if status != StatusCompleted {
		t.Errorf("status: %s", status)
	}

	if _, err := d.Report("no-such-task", true, ""); err != ErrTaskNotFound {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Sweep across rounds
// ---------------------------------------------------------------------------

func TestDispatcher_Sweep_AllRounds(t *testing.T) {
	d := newTestDispatcher(t, nil, Settings{})
	d.Import([]string{"/a1"}, ImportOptions{})
	r2, _ := d.Import([]string{"/b1"}, ImportOptions{})

	d.Lease(1, "", "node-1")
	d.Lease(1, r2.RoundID, "node-2")

	n, err := d.Sweep(0, "")
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 2 {
		t.Errorf("swept: got %d, want 2", n)
	}

	if _, err := d.Sweep(0, "round_9999"); err != ErrRoundNotFound {
		t.Errorf("expected ErrRoundNotFound, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Completion webhook edge
// ---------------------------------------------------------------------------

func TestDispatcher_CompletionWebhook_FiresOncePerEdge(t *testing.T) {
	notifier := &captureNotifier{}
	d := newTestDispatcher(t, notifier, Settings{FeishuWebhookURL: "https://example.com/hook"})

	d.Import([]string{"/a", "/b"}, ImportOptions{})
	drain(t, d)

	if notifier.count() != 1 {
		t.Fatalf("posts: got %d, want 1", notifier.count())
	}
	if !strings.Contains(notifier.last(), "任务全部完成") {
		t.Errorf("message: %q", notifier.last())
	}

	// Further reads and sweeps must not re-fire.
	d.Sweep(0, "")
	d.ListRounds()
	if notifier.count() != 1 {
		t.Errorf("posts after idle ops: got %d", notifier.count())
	}

	// A new round resets the edge; completing it fires again.
	d.Import([]string{"/c"}, ImportOptions{})
	if notifier.count() != 1 {
		t.Errorf("posts after import: got %d", notifier.count())
	}
	drain(t, d)
	if notifier.count() != 2 {
		t.Errorf("posts after second completion: got %d", notifier.count())
	}
}

func TestDispatcher_CompletionWebhook_NoURLConfigured(t *testing.T) {
	notifier := &captureNotifier{}
	d := newTestDispatcher(t, notifier, Settings{})

	d.Import([]string{"/a"}, ImportOptions{})
	drain(t, d)
	if notifier.count() != 0 {
		t.Errorf("posts: got %d, want 0", notifier.count())
	}
}

func TestDispatcher_CompletionWebhook_ConfiguredAfterCompletion(t *testing.T) {
	notifier := &captureNotifier{}
	d := newTestDispatcher(t, notifier, Settings{})

	d.Import([]string{"/a"}, ImportOptions{})
	drain(t, d)
	if notifier.count() != 0 {
		t.Fatalf("posts before webhook configured: got %d", notifier.count())
	}

	// The completion edge is still pending: configuring a webhook now and
	// touching the registry delivers the notification.
	url := "https://example.com/hook"
	if _, err := d.UpdateConfig(ConfigPatch{FeishuWebhookURL: &url}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if _, err := d.Sweep(0, ""); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if notifier.count() != 1 {
		t.Errorf("posts after configuring webhook: got %d, want 1", notifier.count())
	}
	if !strings.Contains(notifier.last(), "任务全部完成") {
		t.Errorf("message: %q", notifier.last())
	}

	// Consumed now: further idle operations stay quiet.
	d.Sweep(0, "")
	if notifier.count() != 1 {
		t.Errorf("posts after idle sweep: got %d", notifier.count())
	}
}

func TestDispatcher_CompletionWebhook_EmptyImportCompletesImmediately(t *testing.T) {
	notifier := &captureNotifier{}
	d := newTestDispatcher(t, notifier, Settings{FeishuWebhookURL: "https://example.com/hook"})

	// All paths duplicate within the batch except one, then drain; then an
	// import that adds nothing still leaves everything completed.
	d.Import([]string{"/a"}, ImportOptions{})
	drain(t, d)
	if notifier.count() != 1 {
		t.Fatalf("posts: got %d", notifier.count())
	}

	d.Import([]string{""}, ImportOptions{})
	rounds := d.ListRounds()
	if rounds[1].Status != RoundCompleted {
		t.Errorf("empty round status: %s", rounds[1].Status)
	}
	// The new all-completed state is a fresh digest: the edge fires again.
	if notifier.count() != 2 {
		t.Errorf("posts: got %d, want 2", notifier.count())
	}
}

// ---------------------------------------------------------------------------
// Manual / periodic reporting
// ---------------------------------------------------------------------------

func TestDispatcher_TriggerReport(t *testing.T) {
	notifier := &captureNotifier{}
	d := newTestDispatcher(t, notifier, Settings{
		FeishuWebhookURL:            "https://example.com/hook",
		FeishuReportIntervalMinutes: 60,
	})
	d.Import([]string{"/a", "/b"}, ImportOptions{})

	res := d.TriggerReport(context.Background(), false)
	if !res.OK {
		t.Fatalf("TriggerReport: %+v", res)
	}
	if !strings.Contains(notifier.last(), "任务进度报告") {
		t.Errorf("message: %q", notifier.last())
	}

	cfg := d.Config()
	if cfg.Reporting.LastReportAt == nil || cfg.Reporting.NextReportAt == nil {
		t.Error("reporting schedule not updated")
	}
}

func TestDispatcher_ZeroIntervalDisablesReporting(t *testing.T) {
	d := newTestDispatcher(t, &captureNotifier{}, Settings{
		FeishuWebhookURL:            "https://example.com/hook",
		FeishuReportIntervalMinutes: 0,
	})

	cfg := d.Config()
	if cfg.FeishuReportIntervalMinutes != 0 {
		t.Errorf("interval rewritten: got %d, want 0", cfg.FeishuReportIntervalMinutes)
	}
	if cfg.Reporting.ReportingEnabled {
		t.Error("reporting enabled with interval 0")
	}
	if cfg.Reporting.NextReportAt != nil {
		t.Errorf("NextReportAt scheduled: %v", cfg.Reporting.NextReportAt)
	}
}

func TestDispatcher_TriggerReport_NoWebhook(t *testing.T) {
	d := newTestDispatcher(t, &captureNotifier{}, Settings{})
	res := d.TriggerReport(context.Background(), true)
	if res.OK || res.Reason != ReasonNoWebhook {
		t.Errorf("got %+v", res)
	}
}

func TestDispatcher_TriggerReport_DisabledUnlessForced(t *testing.T) {
	notifier := &captureNotifier{}
	// Interval 0 with a webhook URL means scheduled reporting is off.
	d := newTestDispatcher(t, notifier, Settings{
		FeishuWebhookURL:            "https://example.com/hook",
		FeishuReportIntervalMinutes: 0,
	})

	res := d.TriggerReport(context.Background(), false)
	if res.Reason != ReasonReportingDisabled {
		t.Errorf("got %+v", res)
	}
	res = d.TriggerReport(context.Background(), true)
	if !res.OK {
		t.Errorf("forced trigger: got %+v", res)
	}
}

func TestDispatcher_TriggerReport_PostFailure(t *testing.T) {
	notifier := &captureNotifier{fail: true}
	d := newTestDispatcher(t, notifier, Settings{FeishuWebhookURL: "https://example.com/hook"})

	res := d.TriggerReport(context.Background(), true)
	if res.OK || res.Reason != ReasonException {
		t.Errorf("got %+v", res)
	}
	if cfg := d.Config(); cfg.Reporting.InFlight {
		t.Error("InFlight stuck after failed post")
	}
}

// ---------------------------------------------------------------------------
// Node processed reports
// ---------------------------------------------------------------------------

func TestDispatcher_RecordProcessed(t *testing.T) {
	d := newTestDispatcher(t, nil, Settings{})
	d.Import([]string{"/a"}, ImportOptions{})

	if err := d.RecordProcessed("node-1", 100, 5, ""); err != nil {
		t.Fatalf("RecordProcessed: %v", err)
	}
	rounds := d.ListRounds()
	if rounds[0].Processed.ItemNum != 100 {
		t.Errorf("round processed: got %d", rounds[0].Processed.ItemNum)
	}
	views, _ := d.Nodes().List(1, 10)
	if len(views) != 1 || views[0].TotalItemNum != 100 {
		t.Errorf("node views: %+v", views)
	}
}

func TestDispatcher_RecordProcessed_Validation(t *testing.T) {
	d := newTestDispatcher(t, nil, Settings{})

	if err := d.RecordProcessed("", 1, 1, ""); err == nil {
		t.Error("expected error for empty node id")
	}
	if err := d.RecordProcessed("node-1", -1, 1, ""); err == nil {
		t.Error("expected error for negative itemNum")
	}
	// No active round: the node store still absorbs the report.
	if err := d.RecordProcessed("node-1", 10, 1, ""); err != nil {
		t.Errorf("RecordProcessed without round: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Listing, find, export, clear
// ---------------------------------------------------------------------------

func TestDispatcher_ListTasks_DefaultsToActiveRound(t *testing.T) {
	d := newTestDispatcher(t, nil, Settings{})
	tasks, total, err := d.ListTasks("", 1, 10, "")
	if err != nil || total != 0 || len(tasks) != 0 {
		t.Errorf("empty dispatcher: tasks=%v total=%d err=%v", tasks, total, err)
	}

	d.Import([]string{"/a", "/b"}, ImportOptions{})
	_, total, _ = d.ListTasks("pending", 1, 10, "")
	if total != 2 {
		t.Errorf("total: got %d", total)
	}
}

func TestDispatcher_FindTask(t *testing.T) {
	d := newTestDispatcher(t, nil, Settings{})
	d.Import([]string{"/a"}, ImportOptions{})
	r2, _ := d.Import([]string{"/b"}, ImportOptions{})

	found, err := d.FindTask("/b", "")
	if err != nil {
		t.Fatalf("FindTask: %v", err)
	}
	if found == nil || found.RoundID != r2.RoundID {
		t.Errorf("found: %+v", found)
	}

	// Lookup by id through the index.
	byID, _ := d.FindTask(found.Task.ID, "")
	if byID == nil || byID.Task.Path != "/b" {
		t.Errorf("byID: %+v", byID)
	}

	missing, err := d.FindTask("/zzz", "")
	if err != nil || missing != nil {
		t.Errorf("missing: %+v err=%v", missing, err)
	}
}

func TestDispatcher_ExportFailed_AcrossRounds(t *testing.T) {
	d := newTestDispatcher(t, nil, Settings{})
	r1, _ := d.Import([]string{"/a"}, ImportOptions{})
	r2, _ := d.Import([]string{"/b"}, ImportOptions{})

	l1, _ := d.Lease(1, r1.RoundID, "node-1")
	d.Report(l1[0].TaskID, false, "e1")
	l2, _ := d.Lease(1, r2.RoundID, "node-1")
	d.Report(l2[0].TaskID, false, "e2")

	out, err := d.ExportFailed("", 0)
	if err != nil {
		t.Fatalf("ExportFailed: %v", err)
	}
	if len(out) != 2 {
		t.Errorf("len: got %d", len(out))
	}

	out, _ = d.ExportFailed(r2.RoundID, 0)
	if len(out) != 1 || out[0].Path != "/b" {
		t.Errorf("scoped export: %+v", out)
	}

	out, _ = d.ExportFailed("", 1)
	if len(out) != 1 {
		t.Errorf("limited export: got %d", len(out))
	}
}

func TestDispatcher_ClearRound(t *testing.T) {
	d := newTestDispatcher(t, nil, Settings{})
	r1, _ := d.Import([]string{"/a", "/b"}, ImportOptions{})
	d.Import([]string{"/c"}, ImportOptions{})

	n, err := d.ClearRound(r1.RoundID)
	if err != nil {
		t.Fatalf("ClearRound: %v", err)
	}
	if n != 2 {
		t.Errorf("cleared: got %d", n)
	}

	rounds := d.ListRounds()
	if len(rounds) != 1 || rounds[0].ID != "round_0002" {
		t.Errorf("rounds: %+v", rounds)
	}
	// Active pointer moved to the surviving round.
	if rounds[0].Status != RoundActive {
		t.Errorf("surviving round status: %s", rounds[0].Status)
	}
	// Cleared tasks are gone from the index.
	if found, _ := d.FindTask("/a", ""); found != nil {
		t.Error("cleared task still findable")
	}

	if _, err := d.ClearRound(r1.RoundID); err != ErrRoundNotFound {
		t.Errorf("double clear: %v", err)
	}
}

func TestDispatcher_ClearAll(t *testing.T) {
	d := newTestDispatcher(t, nil, Settings{})
	d.Import([]string{"/a"}, ImportOptions{})
	d.Import([]string{"/b", "/c"}, ImportOptions{})

	if n := d.ClearAll(); n != 3 {
		t.Errorf("ClearAll: got %d", n)
	}
	if len(d.ListRounds()) != 0 {
		t.Error("rounds remain after ClearAll")
	}
	if d.HasActiveRound() {
		t.Error("active round remains after ClearAll")
	}

	// Round ids keep counting up after a clear.
	res, _ := d.Import([]string{"/d"}, ImportOptions{})
	if res.RoundID != "round_0003" {
		t.Errorf("next round id: got %s", res.RoundID)
	}
}

// ---------------------------------------------------------------------------
// Persistence round-trip
// ---------------------------------------------------------------------------

func TestDispatcher_PersistAndRestore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileSnapshotStore(dir)
	if err != nil {
		t.Fatalf("NewFileSnapshotStore: %v", err)
	}

	d := New(Options{Snapshots: store})
	r1, _ := d.Import([]string{"/a", "/b"}, ImportOptions{Name: "第一批"})
	r2, _ := d.Import([]string{"/c"}, ImportOptions{})
	leased, _ := d.Lease(1, "", "node-1")
	d.Report(leased[0].TaskID, false, "坏文件")
	d.FlushAll()

	// A fresh dispatcher over the same directory sees the same world.
	d2 := New(Options{Snapshots: store})
	if err := d2.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	rounds := d2.ListRounds()
	if len(rounds) != 2 {
		t.Fatalf("rounds: got %d", len(rounds))
	}
	if rounds[0].ID != r1.RoundID || rounds[0].Name != "第一批" {
		t.Errorf("round 1 meta: %+v", rounds[0])
	}
	if rounds[0].Counts.Failed != 1 || rounds[0].Counts.Pending != 1 {
		t.Errorf("round 1 counts: %+v", rounds[0].Counts)
	}

	// The failed task is findable by path through a cold load.
	found, err := d2.FindTask("/a", "")
	if err != nil || found == nil {
		t.Fatalf("FindTask after restore: %+v err=%v", found, err)
	}
	if found.Task.Status != StatusFailed || found.Task.Message != "坏文件" {
		t.Errorf("restored task: %+v", found.Task)
	}

	// Round sequence resumes past the restored ids.
	res, _ := d2.Import([]string{"/d"}, ImportOptions{})
	if res.RoundID != "round_0003" {
		t.Errorf("next id after restore: %s", res.RoundID)
	}
	_ = r2
}

func TestDispatcher_ReportIntoColdRound_CompletesAndNotifies(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileSnapshotStore(dir)
	if err != nil {
		t.Fatalf("NewFileSnapshotStore: %v", err)
	}

	d := New(Options{Snapshots: store})
	d.Import([]string{"/a"}, ImportOptions{})
	leased, _ := d.Lease(1, "", "node-1")
	d.FlushAll()

	notifier := &captureNotifier{}
	d2 := New(Options{
		Snapshots: store,
		Notifier:  notifier,
		Settings:  Settings{FeishuWebhookURL: "https://example.com/hook"},
	})
	if err := d2.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	// The task lives in a round that is cold after restore; reporting it
	// loads the round, completes it, and fires the completion webhook.
	status, err := d2.Report(leased[0].TaskID, true, "")
	if err != nil {
		t.Fatalf("Report into cold round: %v", err)
	}
	if status != StatusCompleted {
		t.Errorf("status: got %s", status)
	}

	rounds := d2.ListRounds()
	if rounds[0].Status != RoundCompleted {
		t.Errorf("round status after cold report: %s", rounds[0].Status)
	}
	if rounds[0].Counts.Completed != 1 || rounds[0].Counts.Processing != 0 {
		t.Errorf("counts after cold report: %+v", rounds[0].Counts)
	}
	if notifier.count() != 1 {
		t.Errorf("completion posts: got %d, want 1", notifier.count())
	}
}

func TestDispatcher_Sweep_NamedRoundUnavailable(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileSnapshotStore(dir)
	if err != nil {
		t.Fatalf("NewFileSnapshotStore: %v", err)
	}

	d := New(Options{Snapshots: store})
	res, _ := d.Import([]string{"/a"}, ImportOptions{})
	d.FlushAll()

	d2 := New(Options{Snapshots: store})
	if err := d2.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	// The round is cold and its snapshot is gone: sweeping it by name must
	// surface the load failure, not report a clean zero.
	if err := os.Remove(filepath.Join(dir, res.RoundID+".json")); err != nil {
		t.Fatalf("remove snapshot: %v", err)
	}

	_, err = d2.Sweep(0, res.RoundID)
	var de *Error
	if !errors.As(err, &de) || de.Code != CodeRoundUnavailable {
		t.Errorf("expected ROUND_UNAVAILABLE, got %v", err)
	}

	// A system-wide sweep still skips the broken round without failing.
	if _, err := d2.Sweep(0, ""); err != nil {
		t.Errorf("system-wide sweep: %v", err)
	}
}

func TestDispatcher_Restore_PendingOrderSurvives(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewFileSnapshotStore(dir)

	d := New(Options{Snapshots: store})
	d.Import([]string{"/first", "/second", "/third"}, ImportOptions{})
	d.FlushAll()

	d2 := New(Options{Snapshots: store})
	if err := d2.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	leased, _ := d2.Lease(3, "", "node-1")
	if len(leased) != 3 {
		t.Fatalf("leased: got %d", len(leased))
	}
	if leased[0].Path != "/first" || leased[2].Path != "/third" {
		t.Errorf("FIFO order lost: %v", leased)
	}
}

// ---------------------------------------------------------------------------
// Config updates
// ---------------------------------------------------------------------------

func TestDispatcher_UpdateConfig_Validation(t *testing.T) {
	d := newTestDispatcher(t, nil, Settings{})

	bad := 0
	if _, err := d.UpdateConfig(ConfigPatch{DefaultBatchSize: &bad}); err == nil {
		t.Error("expected error for zero batch size")
	}
	url := "http://insecure.example.com"
	if _, err := d.UpdateConfig(ConfigPatch{FeishuWebhookURL: &url}); err == nil {
		t.Error("expected error for non-https webhook")
	}

	five, ten := 5, 10
	view, err := d.UpdateConfig(ConfigPatch{DefaultBatchSize: &five, MaxBatchSize: &ten})
	if err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if view.DefaultBatchSize != 5 || view.MaxBatchSize != 10 {
		t.Errorf("view: %+v", view.Settings)
	}

	big := 20
	if _, err := d.UpdateConfig(ConfigPatch{DefaultBatchSize: &big}); err == nil {
		t.Error("expected error for default > max")
	}
}

func TestDispatcher_UpdateConfig_ReschedulesReporting(t *testing.T) {
	d := newTestDispatcher(t, &captureNotifier{}, Settings{})

	cfg := d.Config()
	if cfg.Reporting.ReportingEnabled {
		t.Fatal("reporting should start disabled without a webhook")
	}

	url := "https://example.com/hook"
	view, err := d.UpdateConfig(ConfigPatch{FeishuWebhookURL: &url})
	if err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if !view.Reporting.ReportingEnabled || view.Reporting.NextReportAt == nil {
		t.Errorf("reporting not rescheduled: %+v", view.Reporting)
	}
	if view.Reporting.NextReportAt.Before(time.Now()) {
		t.Error("NextReportAt should be in the future")
	}
}
