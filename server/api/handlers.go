// Package api implements the REST handlers that expose the task board, the
// automation and heartbeat gateways and the scheduler over JSON.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/GoCodeAlone/conductor/automation"
	"github.com/GoCodeAlone/conductor/contract"
	"github.com/GoCodeAlone/conductor/scheduler"
	"github.com/GoCodeAlone/conductor/task"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Handlers bundles all REST API handler dependencies. A nil gateway makes its
// routes answer 503.
type Handlers struct {
	Registry   *contract.Registry
	Board      *task.Board
	Automation *automation.Gateway
	Heartbeat  *automation.HeartbeatGateway
	Scheduler  *scheduler.Gateway
	Logger     *slog.Logger
	Version    string
	StartAt    time.Time
}

// RegisterRoutes registers all protected API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/tasks", h.upsertTask)
	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("POST /api/tasks/{id}/transition", h.transitionTask)
	mux.HandleFunc("GET /api/tasks/events", h.listTaskEvents)
	mux.HandleFunc("POST /api/tasks/run-links/replay", h.replayTaskRunLinks)

	mux.HandleFunc("POST /api/automations/run", h.runAutomation)
	mux.HandleFunc("POST /api/heartbeats/tick", h.tickHeartbeat)

	mux.HandleFunc("POST /api/scheduler/events", h.processEvent)
	mux.HandleFunc("GET /api/scheduler/queues/{queue}", h.listQueue)
	mux.HandleFunc("POST /api/scheduler/queues/{queue}/actions", h.runQueueAction)
	mux.HandleFunc("POST /api/scheduler/run-links/replay", h.replaySchedulerRunLinks)

	mux.HandleFunc("GET /api/contracts", h.listContracts)
	mux.HandleFunc("GET /api/version", h.version)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFailure maps a gateway error onto an HTTP status. Validation errors
// carry the schema id and the individual messages.
func (h *Handlers) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var verr *contract.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":    "validation failed",
			"schemaId": verr.SchemaID,
			"errors":   verr.Errors,
		})
		return
	}
	h.logger().Error("api request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Any("err", err),
	)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (h *Handlers) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func unavailable(w http.ResponseWriter, what string) {
	writeError(w, http.StatusServiceUnavailable, what+" is not configured")
}

// readBody reads a JSON body, applies overrides from the path and validates
// the result against the action's contract before any decoding into Go
// types, so unknown or mistyped fields are reported by the registry.
func (h *Handlers) readBody(w http.ResponseWriter, r *http.Request, action string, version int, overrides map[string]any, dst any) bool {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read request body: "+err.Error())
		return false
	}
	raw := json.RawMessage(data)
	if len(overrides) > 0 {
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return false
		}
		if doc == nil {
			doc = make(map[string]any)
		}
		for k, v := range overrides {
			doc[k] = v
		}
		if raw, err = json.Marshal(doc); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return false
		}
	} else if !json.Valid(data) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if h.Registry != nil {
		if err := h.Registry.ValidateInput(action, version, raw); err != nil {
			h.writeFailure(w, r, err)
			return false
		}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// queryLimit parses the optional limit query parameter.
func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return 0, true
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit: must be an integer")
		return 0, false
	}
	return n, true
}

// --- Task board handlers ---

func (h *Handlers) upsertTask(w http.ResponseWriter, r *http.Request) {
	if h.Board == nil {
		unavailable(w, "task board")
		return
	}
	var in task.UpsertInput
	if !h.readBody(w, r, task.ActionUpsert, task.ActionVersion, nil, &in) {
		return
	}
	res, err := h.Board.Upsert(r.Context(), in)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) transitionTask(w http.ResponseWriter, r *http.Request) {
	if h.Board == nil {
		unavailable(w, "task board")
		return
	}
	var in task.TransitionInput
	overrides := map[string]any{"taskId": r.PathValue("id")}
	if !h.readBody(w, r, task.ActionTransition, task.ActionVersion, overrides, &in) {
		return
	}
	res, err := h.Board.Transition(r.Context(), in)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	if h.Board == nil {
		unavailable(w, "task board")
		return
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page, err := h.Board.ListTasks(r.Context(), task.ListTasksInput{
		Status:       task.Status(q.Get("status")),
		AssigneeType: task.AssigneeType(q.Get("assigneeType")),
		AssigneeID:   q.Get("assigneeId"),
		SessionID:    q.Get("sessionId"),
		RunID:        q.Get("runId"),
		Cursor:       q.Get("cursor"),
		Limit:        limit,
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handlers) listTaskEvents(w http.ResponseWriter, r *http.Request) {
	if h.Board == nil {
		unavailable(w, "task board")
		return
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page, err := h.Board.ListEvents(r.Context(), task.ListEventsInput{
		TaskID:    q.Get("taskId"),
		EventType: task.EventType(q.Get("eventType")),
		Cursor:    q.Get("cursor"),
		Limit:     limit,
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handlers) replayTaskRunLinks(w http.ResponseWriter, r *http.Request) {
	if h.Board == nil {
		unavailable(w, "task board")
		return
	}
	var in task.ReplayInput
	if !h.readBody(w, r, task.ActionReplay, task.ActionVersion, nil, &in) {
		return
	}
	res, err := h.Board.ReplayRunLinks(r.Context(), in)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Gateway handlers ---

func (h *Handlers) runAutomation(w http.ResponseWriter, r *http.Request) {
	if h.Automation == nil {
		unavailable(w, "automation gateway")
		return
	}
	var req automation.RunRequest
	if !h.readBody(w, r, automation.ActionRun, automation.ActionVersion, nil, &req) {
		return
	}
	out, err := h.Automation.Run(r.Context(), req)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) tickHeartbeat(w http.ResponseWriter, r *http.Request) {
	if h.Heartbeat == nil {
		unavailable(w, "heartbeat gateway")
		return
	}
	var req automation.TickRequest
	if !h.readBody(w, r, automation.ActionTick, automation.ActionVersion, nil, &req) {
		return
	}
	out, err := h.Heartbeat.Tick(r.Context(), req)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Scheduler handlers ---

func (h *Handlers) processEvent(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		unavailable(w, "scheduler")
		return
	}
	var ev scheduler.Event
	if !h.readBody(w, r, scheduler.ActionProcess, scheduler.ActionVersion, nil, &ev) {
		return
	}
	res, err := h.Scheduler.Process(r.Context(), ev)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) listQueue(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		unavailable(w, "scheduler")
		return
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page, err := h.Scheduler.ListQueue(r.Context(), scheduler.ListQueueInput{
		Queue:       scheduler.Queue(r.PathValue("queue")),
		RunStatus:   automation.Status(q.Get("runStatus")),
		Disposition: scheduler.Disposition(q.Get("disposition")),
		RunID:       q.Get("runId"),
		Source:      automation.Source(q.Get("source")),
		Cursor:      q.Get("cursor"),
		Limit:       limit,
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// queueActionResponse is the action result plus, for an applied requeue, the
// result of processing the next attempt.
type queueActionResponse struct {
	scheduler.QueueActionResult
	Processed *scheduler.ProcessResult `json:"processed,omitempty"`
}

func (h *Handlers) runQueueAction(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		unavailable(w, "scheduler")
		return
	}
	var in scheduler.QueueActionInput
	overrides := map[string]any{"queue": r.PathValue("queue")}
	if !h.readBody(w, r, scheduler.ActionQueueAction, scheduler.ActionVersion, overrides, &in) {
		return
	}
	res, err := h.Scheduler.RunQueueAction(r.Context(), in)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	resp := queueActionResponse{QueueActionResult: res}
	if res.Requeue != nil {
		processed, err := h.Scheduler.Process(r.Context(), *res.Requeue)
		if err != nil {
			if res.Entry != nil {
				if putErr := h.Scheduler.Restore(r.Context(), in.Queue, *res.Entry); putErr != nil {
					err = errors.Join(err, putErr)
				}
			}
			h.writeFailure(w, r, err)
			return
		}
		resp.Processed = &processed
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) replaySchedulerRunLinks(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		unavailable(w, "scheduler")
		return
	}
	var in scheduler.ReplayRunLinksInput
	if !h.readBody(w, r, scheduler.ActionReplay, scheduler.ActionVersion, nil, &in) {
		return
	}
	res, err := h.Scheduler.ReplayRunLinks(r.Context(), in)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Meta handlers ---

type contractInfo struct {
	SchemaID string `json:"schemaId"`
	contract.Contract
}

func (h *Handlers) listContracts(w http.ResponseWriter, _ *http.Request) {
	out := []contractInfo{}
	if h.Registry != nil {
		for _, c := range h.Registry.List() {
			out = append(out, contractInfo{SchemaID: c.SchemaID(), Contract: c})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"version": h.Version,
	}
	if !h.StartAt.IsZero() {
		resp["uptime"] = time.Since(h.StartAt).Round(time.Second).String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// StatusHandler exposes the status handler for registration outside the
// protected API.
func (h *Handlers) StatusHandler() http.HandlerFunc {
	return h.status
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": h.Version})
}
