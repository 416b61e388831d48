package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"icc.tech/dispatchd/internal/metrics"
	"icc.tech/dispatchd/internal/webhook"
)

// notifyPayload is a webhook message captured under the lock and posted
// after release.
type notifyPayload struct {
	url  string
	text string
}

// completionDigest builds a canonical fingerprint of the terminal state so
// the completion notification fires exactly once per all-completed edge.
// Caller must hold d.mu.
func (d *Dispatcher) completionDigest() string {
	var b strings.Builder
	for _, id := range d.order {
		e := d.entries[id]
		c := e.meta.Counts
		fmt.Fprintf(&b, "%s:%d/%d/%d;", id, c.Total, c.Completed, c.Failed)
	}
	return b.String()
}

// checkCompletion evaluates the completion edge and, when it fires, returns
// the webhook payload to post. Any mutating operation calls this before
// releasing the lock. Caller must hold d.mu.
func (d *Dispatcher) checkCompletion() *notifyPayload {
	if len(d.order) == 0 {
		d.lastDigest = ""
		return nil
	}
	for _, id := range d.order {
		if d.entries[id].meta.Status != RoundCompleted {
			d.lastDigest = ""
			return nil
		}
	}

	digest := d.completionDigest()
	if digest == d.lastDigest {
		return nil
	}

	// Leave the edge unconsumed with no webhook configured, so a webhook set
	// later still notifies for this completion.
	if d.settings.FeishuWebhookURL == "" {
		slog.Info("all rounds completed, no webhook configured")
		return nil
	}
	d.lastDigest = digest
	return &notifyPayload{
		url:  d.settings.FeishuWebhookURL,
		text: d.buildCompletionText(),
	}
}

// postCompletion delivers a captured payload. Safe on nil; must be called
// without holding d.mu.
func (d *Dispatcher) postCompletion(p *notifyPayload) {
	if p == nil || d.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := d.notifier.Post(ctx, p.url, p.text); err != nil {
		metrics.WebhookPostsTotal.WithLabelValues("failure").Inc()
		slog.Error("completion webhook failed", "error", err)
		return
	}
	metrics.WebhookPostsTotal.WithLabelValues("success").Inc()
	slog.Info("completion webhook sent")
}

// buildCompletionText renders the all-rounds-completed notification.
// Caller must hold d.mu.
func (d *Dispatcher) buildCompletionText() string {
	var total, completed, failed int
	var items int64
	var running float64
	for _, id := range d.order {
		e := d.entries[id]
		total += e.meta.Counts.Total
		completed += e.meta.Counts.Completed
		failed += e.meta.Counts.Failed
		items += e.processed.ItemNum
		running += e.processed.RunningTime
	}

	var b strings.Builder
	b.WriteString("【任务全部完成】\n")
	fmt.Fprintf(&b, "轮次数：%d\n", len(d.order))
	fmt.Fprintf(&b, "任务总数：%d，成功：%d，失败：%d\n", total, completed, failed)
	if items > 0 {
		fmt.Fprintf(&b, "累计处理条目：%d，累计运行时长：%.1f 秒\n", items, running)
	}
	fmt.Fprintf(&b, "时间：%s", d.now().Format("2006-01-02 15:04:05"))
	return b.String()
}

// buildProgressText renders the periodic/manual progress report.
// Caller must hold d.mu.
func (d *Dispatcher) buildProgressText() string {
	var total, pending, processing, completed, failed int
	var items int64
	var running float64
	for _, id := range d.order {
		e := d.entries[id]
		c := e.meta.Counts
		total += c.Total
		pending += c.Pending
		processing += c.Processing
		completed += c.Completed
		failed += c.Failed
		items += e.processed.ItemNum
		running += e.processed.RunningTime
	}

	var b strings.Builder
	b.WriteString("【任务进度报告】\n")
	if len(d.order) == 0 {
		b.WriteString("当前没有任务轮次\n")
	} else {
		activeLabel := "无"
		if d.activeID != "" {
			if e, ok := d.entries[d.activeID]; ok {
				activeLabel = fmt.Sprintf("%s（%s）", e.meta.Name, e.meta.ID)
			}
		}
		fmt.Fprintf(&b, "轮次数：%d，当前轮次：%s\n", len(d.order), activeLabel)
		fmt.Fprintf(&b, "任务总数：%d，待处理：%d，处理中：%d，成功：%d，失败：%d\n",
			total, pending, processing, completed, failed)
		if total > 0 {
			done := completed + failed
			fmt.Fprintf(&b, "完成进度：%.1f%%\n", float64(done)/float64(total)*100)
		}
		if items > 0 {
			fmt.Fprintf(&b, "累计处理条目：%d，累计运行时长：%.1f 秒\n", items, running)
		}
	}
	fmt.Fprintf(&b, "时间：%s", d.now().Format("2006-01-02 15:04:05"))
	return b.String()
}

// TriggerResult is the outcome of a progress report attempt.
type TriggerResult struct {
	OK         bool   `json:"ok"`
	Reason     string `json:"reason,omitempty"`
	HTTPStatus int    `json:"httpStatus,omitempty"`
}

// Trigger failure reasons.
const (
	ReasonNoWebhook         = "NO_WEBHOOK"
	ReasonReportingDisabled = "REPORTING_DISABLED"
	ReasonInFlight          = "IN_FLIGHT"
	ReasonHTTPError         = "HTTP_ERROR"
	ReasonException         = "EXCEPTION"
)

// TriggerReport posts a progress report now. force bypasses the
// reporting-disabled check (manual trigger); the completion digest is never
// touched. Only one report is in flight at a time.
func (d *Dispatcher) TriggerReport(ctx context.Context, force bool) TriggerResult {
	d.mu.Lock()
	if d.settings.FeishuWebhookURL == "" {
		d.mu.Unlock()
		return TriggerResult{Reason: ReasonNoWebhook}
	}
	if !force && !d.reporting.ReportingEnabled {
		d.mu.Unlock()
		return TriggerResult{Reason: ReasonReportingDisabled}
	}
	if d.reporting.InFlight {
		d.mu.Unlock()
		return TriggerResult{Reason: ReasonInFlight}
	}
	d.reporting.InFlight = true
	url := d.settings.FeishuWebhookURL
	interval := time.Duration(d.settings.FeishuReportIntervalMinutes) * time.Minute
	text := d.buildProgressText()
	d.mu.Unlock()

	err := errors.New("通知器未配置")
	if d.notifier != nil {
		err = d.notifier.Post(ctx, url, text)
	}

	d.mu.Lock()
	d.reporting.InFlight = false
	if err == nil {
		now := d.now()
		next := now.Add(interval)
		d.reporting.LastReportAt = &now
		d.reporting.NextReportAt = &next
	}
	d.mu.Unlock()

	if err != nil {
		metrics.WebhookPostsTotal.WithLabelValues("failure").Inc()
		slog.Error("progress report failed", "error", err)
		var se *webhook.StatusError
		if errors.As(err, &se) {
			return TriggerResult{Reason: ReasonHTTPError, HTTPStatus: se.StatusCode}
		}
		return TriggerResult{Reason: ReasonException}
	}
	metrics.WebhookPostsTotal.WithLabelValues("success").Inc()
	slog.Info("progress report sent", "forced", force)
	return TriggerResult{OK: true}
}

// MaybePeriodicReport fires a progress report when the schedule is due.
// Called from the daemon's report ticker.
func (d *Dispatcher) MaybePeriodicReport(ctx context.Context) {
	d.mu.Lock()
	due := d.reporting.ReportingEnabled &&
		!d.reporting.InFlight &&
		d.reporting.NextReportAt != nil &&
		!d.now().Before(*d.reporting.NextReportAt)
	d.mu.Unlock()

	if !due {
		return
	}
	d.TriggerReport(ctx, false)
}
