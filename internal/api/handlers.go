package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/mitchellh/mapstructure"

	"icc.tech/dispatchd/internal/dispatch"
	"icc.tech/dispatchd/internal/metrics"
)

// routes builds the API route table.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /api/rounds", s.handleListRounds)
	mux.HandleFunc("POST /api/rounds", s.handleImport)
	mux.HandleFunc("DELETE /api/rounds", s.handleClearAll)
	mux.HandleFunc("POST /api/rounds/{id}/activate", s.handleActivate)
	mux.HandleFunc("POST /api/rounds/{id}/clear", s.handleClearRound)
	mux.HandleFunc("GET /api/rounds/{id}/stats", s.handleRoundStats)

	mux.HandleFunc("POST /api/tasks/lease", s.handleLease)
	mux.HandleFunc("POST /api/tasks/report", s.handleReport)
	mux.HandleFunc("POST /api/tasks/sweep", s.handleSweep)
	mux.HandleFunc("GET /api/tasks/processing", s.handleProcessing)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/find", s.handleFindTask)
	mux.HandleFunc("GET /api/tasks/export-failed", s.handleExportFailed)

	mux.HandleFunc("GET /api/nodes", s.handleListNodes)
	mux.HandleFunc("POST /api/nodes/processed", s.handleNodeProcessed)
	mux.HandleFunc("DELETE /api/nodes/{id}", s.handleDeleteNode)

	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("PUT /api/config", s.handleUpdateConfig)

	mux.HandleFunc("POST /api/report/trigger", s.handleTriggerReport)

	return instrument(mux)
}

// statusRecorder captures the response code for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument counts requests by route pattern and status code.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(pattern, strconv.Itoa(rec.status)).Inc()
	})
}

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError maps dispatcher errors onto HTTP statuses with the
// {code, message} body the dashboard expects.
func writeError(w http.ResponseWriter, err error) {
	var de *dispatch.Error
	if !errors.As(err, &de) {
		slog.Error("internal error", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"code":    "INTERNAL",
			"message": "服务内部错误",
		})
		return
	}

	status := http.StatusInternalServerError
	switch de.Code {
	case dispatch.CodeNotFound:
		status = http.StatusNotFound
	case dispatch.CodeInvalidInput:
		status = http.StatusBadRequest
	case dispatch.CodeRoundCompleted, dispatch.CodeNoActiveRound:
		status = http.StatusConflict
	case dispatch.CodeRoundUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, de)
}

// decodeBody decodes a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		writeError(w, &dispatch.Error{Code: dispatch.CodeInvalidInput, Message: "请求体格式错误"})
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// ─── Health ───

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── Rounds ───

func (s *Server) handleListRounds(w http.ResponseWriter, r *http.Request) {
	rounds := s.dispatcher.ListRounds()
	writeJSON(w, http.StatusOK, map[string]any{
		"rounds": rounds,
		"total":  len(rounds),
	})
}

type importRequest struct {
	Paths      []string `json:"paths"`
	RoundID    string   `json:"roundId"`
	Name       string   `json:"name"`
	SourceType string   `json:"sourceType"`
	SourceHint string   `json:"sourceHint"`
	Activate   *bool    `json:"activate"`
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Paths) == 0 {
		writeError(w, &dispatch.Error{Code: dispatch.CodeInvalidInput, Message: "任务路径列表不能为空"})
		return
	}
	res, err := s.dispatcher.Import(req.Paths, dispatch.ImportOptions{
		RoundID:    req.RoundID,
		Name:       req.Name,
		SourceType: dispatch.SourceType(req.SourceType),
		SourceHint: req.SourceHint,
		Activate:   req.Activate,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.SetActiveRound(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleClearRound(w http.ResponseWriter, r *http.Request) {
	cleared, err := s.dispatcher.ClearRound(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	cleared := s.dispatcher.ClearAll()
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (s *Server) handleRoundStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.dispatcher.RoundStats(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ─── Tasks ───

type leaseRequest struct {
	BatchSize int    `json:"batchSize"`
	RoundID   string `json:"roundId"`
	NodeID    string `json:"nodeId"`
}

func (s *Server) handleLease(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tasks, err := s.dispatcher.Lease(req.BatchSize, req.RoundID, req.NodeID)
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []dispatch.LeasedTask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	})
}

type reportRequest struct {
	TaskID  string `json:"taskId"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TaskID == "" {
		writeError(w, &dispatch.Error{Code: dispatch.CodeInvalidInput, Message: "任务标识不能为空"})
		return
	}
	status, err := s.dispatcher.Report(req.TaskID, req.Success, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}

type sweepRequest struct {
	TimeoutMs int64  `json:"timeoutMs"`
	RoundID   string `json:"roundId"`
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if !decodeBody(w, r, &req) {
		return
	}
	swept, err := s.dispatcher.Sweep(req.TimeoutMs, req.RoundID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"swept": swept})
}

func (s *Server) handleProcessing(w http.ResponseWriter, r *http.Request) {
	res, err := s.dispatcher.Inspect(queryInt64(r, "timeoutMs", 0), r.URL.Query().Get("roundId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tasks, total, err := s.dispatcher.ListTasks(
		q.Get("status"),
		queryInt(r, "page", 1),
		queryInt(r, "pageSize", 20),
		q.Get("roundId"),
	)
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*dispatch.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"total": total,
	})
}

func (s *Server) handleFindTask(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		writeError(w, &dispatch.Error{Code: dispatch.CodeInvalidInput, Message: "查询条件不能为空"})
		return
	}
	found, err := s.dispatcher.FindTask(query, r.URL.Query().Get("roundId"))
	if err != nil {
		writeError(w, err)
		return
	}
	if found == nil {
		writeError(w, dispatch.ErrTaskNotFound)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleExportFailed(w http.ResponseWriter, r *http.Request) {
	out, err := s.dispatcher.ExportFailed(r.URL.Query().Get("roundId"), queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, err)
		return
	}
	if out == nil {
		out = []dispatch.FailedTaskExport{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": out,
		"total": len(out),
	})
}

// ─── Nodes ───

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, total := s.dispatcher.Nodes().List(queryInt(r, "page", 1), queryInt(r, "pageSize", 20))
	writeJSON(w, http.StatusOK, map[string]any{
		"nodes":   nodes,
		"total":   total,
		"summary": s.dispatcher.Nodes().Summarize(),
	})
}

type processedRequest struct {
	NodeID      string  `json:"nodeId"`
	ItemNum     int64   `json:"itemNum"`
	RunningTime float64 `json:"runningTime"`
	RoundID     string  `json:"roundId"`
}

func (s *Server) handleNodeProcessed(w http.ResponseWriter, r *http.Request) {
	var req processedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	// With no explicit round the report needs a live round to land in.
	if req.RoundID == "" && !s.dispatcher.HasActiveRound() {
		writeError(w, dispatch.ErrNoActiveRound)
		return
	}
	if err := s.dispatcher.RecordProcessed(req.NodeID, req.ItemNum, req.RunningTime, req.RoundID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	if !s.dispatcher.Nodes().Delete(r.PathValue("id")) {
		writeError(w, dispatch.ErrNodeNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ─── Config ───

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatcher.Config())
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var raw map[string]any
	if !decodeBody(w, r, &raw) {
		return
	}

	// Decode through mapstructure so unknown keys are rejected instead of
	// silently ignored.
	var patch dispatch.ConfigPatch
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &patch,
		ErrorUnused: true,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if err := dec.Decode(raw); err != nil {
		writeError(w, &dispatch.Error{Code: dispatch.CodeInvalidInput, Message: "配置项不合法：" + err.Error()})
		return
	}

	view, err := s.dispatcher.UpdateConfig(patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ─── Reporting ───

func (s *Server) handleTriggerReport(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	res := s.dispatcher.TriggerReport(r.Context(), force)
	status := http.StatusOK
	if !res.OK {
		status = http.StatusBadGateway
		if res.Reason == dispatch.ReasonNoWebhook || res.Reason == dispatch.ReasonReportingDisabled || res.Reason == dispatch.ReasonInFlight {
			status = http.StatusConflict
		}
	}
	writeJSON(w, status, res)
}
