package dispatch

import (
	"strings"
	"time"
)

// Settings is the dispatcher's runtime-mutable configuration.
type Settings struct {
	DefaultBatchSize            int    `json:"defaultBatchSize" mapstructure:"defaultBatchSize"`
	MaxBatchSize                int    `json:"maxBatchSize" mapstructure:"maxBatchSize"`
	FeishuWebhookURL            string `json:"feishuWebhookUrl" mapstructure:"feishuWebhookUrl"`
	FeishuReportIntervalMinutes int    `json:"feishuReportIntervalMinutes" mapstructure:"feishuReportIntervalMinutes"`
	// TaskFailureThreshold is a recognized legacy setting. The timeout sweep
	// uses the fixed one-retry policy and ignores it.
	TaskFailureThreshold int `json:"taskFailureThreshold" mapstructure:"taskFailureThreshold"`
}

func (s *Settings) applyDefaults() {
	if s.DefaultBatchSize < 1 {
		s.DefaultBatchSize = 8
	}
	if s.MaxBatchSize < 1 {
		s.MaxBatchSize = 1000
	}
	if s.DefaultBatchSize > s.MaxBatchSize {
		s.DefaultBatchSize = s.MaxBatchSize
	}
	if s.FeishuReportIntervalMinutes < 0 {
		s.FeishuReportIntervalMinutes = 0
	}
	// The interval is not defaulted here: 0 means scheduled reporting is
	// disabled, and the static config layer owns the 240-minute default.
}

// ReportingState tracks the periodic webhook progress report.
type ReportingState struct {
	LastReportAt     *time.Time `json:"lastReportAt"`
	NextReportAt     *time.Time `json:"nextReportAt"`
	ReportingEnabled bool       `json:"reportingEnabled"`
	InFlight         bool       `json:"inFlight"`
}

// newReportingState derives the reporting schedule from settings.
func newReportingState(s Settings, now time.Time) ReportingState {
	st := ReportingState{
		ReportingEnabled: s.FeishuWebhookURL != "" && s.FeishuReportIntervalMinutes > 0,
	}
	if st.ReportingEnabled {
		next := now.Add(time.Duration(s.FeishuReportIntervalMinutes) * time.Minute)
		st.NextReportAt = &next
	}
	return st
}

// ConfigView is the caller-facing configuration snapshot.
type ConfigView struct {
	Settings
	Reporting ReportingState `json:"reporting"`
}

// Config returns the current configuration and reporting state.
func (d *Dispatcher) Config() ConfigView {
	d.mu.Lock()
	defer d.mu.Unlock()
	return ConfigView{Settings: d.settings, Reporting: d.reporting}
}

// ConfigPatch is a partial settings update; nil fields are left unchanged.
type ConfigPatch struct {
	DefaultBatchSize            *int    `json:"defaultBatchSize" mapstructure:"defaultBatchSize"`
	MaxBatchSize                *int    `json:"maxBatchSize" mapstructure:"maxBatchSize"`
	FeishuWebhookURL            *string `json:"feishuWebhookUrl" mapstructure:"feishuWebhookUrl"`
	FeishuReportIntervalMinutes *int    `json:"feishuReportIntervalMinutes" mapstructure:"feishuReportIntervalMinutes"`
	TaskFailureThreshold        *int    `json:"taskFailureThreshold" mapstructure:"taskFailureThreshold"`
}

// UpdateConfig validates and applies a partial update. Changing the webhook
// URL or the report interval reschedules the periodic report.
func (d *Dispatcher) UpdateConfig(patch ConfigPatch) (ConfigView, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := d.settings
	if patch.DefaultBatchSize != nil {
		next.DefaultBatchSize = *patch.DefaultBatchSize
	}
	if patch.MaxBatchSize != nil {
		next.MaxBatchSize = *patch.MaxBatchSize
	}
	if patch.FeishuWebhookURL != nil {
		next.FeishuWebhookURL = strings.TrimSpace(*patch.FeishuWebhookURL)
	}
	if patch.FeishuReportIntervalMinutes != nil {
		next.FeishuReportIntervalMinutes = *patch.FeishuReportIntervalMinutes
	}
	if patch.TaskFailureThreshold != nil {
		next.TaskFailureThreshold = *patch.TaskFailureThreshold
	}

	if next.DefaultBatchSize < 1 {
		return ConfigView{}, invalidInput("默认批次大小必须大于等于 1")
	}
	if next.MaxBatchSize < 1 {
		return ConfigView{}, invalidInput("最大批次大小必须大于等于 1")
	}
	if next.DefaultBatchSize > next.MaxBatchSize {
		return ConfigView{}, invalidInput("默认批次大小不能超过最大批次大小")
	}
	if next.FeishuWebhookURL != "" && !strings.HasPrefix(next.FeishuWebhookURL, "https://") {
		return ConfigView{}, invalidInput("Webhook 地址必须以 https:// 开头")
	}
	if next.FeishuReportIntervalMinutes < 0 {
		return ConfigView{}, invalidInput("上报间隔分钟数不能为负数")
	}

	rescheduled := next.FeishuWebhookURL != d.settings.FeishuWebhookURL ||
		next.FeishuReportIntervalMinutes != d.settings.FeishuReportIntervalMinutes
	d.settings = next
	if rescheduled {
		inFlight := d.reporting.InFlight
		lastAt := d.reporting.LastReportAt
		d.reporting = newReportingState(next, d.now())
		d.reporting.InFlight = inFlight
		d.reporting.LastReportAt = lastAt
	}
	return ConfigView{Settings: d.settings, Reporting: d.reporting}, nil
}
