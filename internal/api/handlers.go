// Package api exposes the digest control surface: manual run triggers,
// execution history, and health.
package api

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/inbox-digest/internal/digest"
	"github.com/ignite/inbox-digest/internal/pipeline"
	"github.com/ignite/inbox-digest/internal/pkg/httputil"
)

// historyLimitCap bounds GET /history page sizes.
const historyLimitCap = 20

// defaultHistoricalBatchSize is the sub-batch size for historical runs when
// the request does not name one.
const defaultHistoricalBatchSize = 200

// Runner is the slice of the orchestrator the API needs.
type Runner interface {
	StartDigest(mode digest.Mode, window digest.Window, batchSize int) string
	Executions() pipeline.ExecutionStore
	Checkpoints() pipeline.CheckpointStore
}

// Handlers serves the digest API.
type Handlers struct {
	runner  Runner
	health  *HealthReporter
	maxDays int
}

// NewHandlers wires the API handlers. maxDays caps historical windows.
func NewHandlers(runner Runner, health *HealthReporter, maxDays int) *Handlers {
	return &Handlers{runner: runner, health: health, maxDays: maxDays}
}

type dateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type runNowRequest struct {
	Mode        string    `json:"mode"`
	Cleanup     bool      `json:"cleanup"` // legacy alias for mode=cleanup
	StartDate   string    `json:"startDate"`
	EndDate     string    `json:"endDate"`
	DateRange   dateRange `json:"dateRange"` // alias for startDate/endDate
	TriggeredBy string    `json:"triggeredBy"`
}

type triggerResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	Mode        string `json:"mode"`
	ExecutionID string `json:"executionId"`
	Timestamp   string `json:"timestamp"`
}

// RunNow launches a run in any mode and responds before it finishes.
// Historical requests carry their window as startDate/endDate or the
// dateRange alias.
func (h *Handlers) RunNow(w http.ResponseWriter, r *http.Request) {
	req := runNowRequest{Mode: string(digest.ModeWeekly)}
	if r.Body != nil && r.ContentLength != 0 {
		if !httputil.Decode(w, r, &req) {
			return
		}
	}
	if req.Cleanup {
		req.Mode = string(digest.ModeCleanup)
	}

	mode, err := digest.ParseMode(req.Mode)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	window := digest.Window{}
	if mode == digest.ModeHistorical {
		start, end := req.StartDate, req.EndDate
		if start == "" && end == "" {
			start, end = req.DateRange.Start, req.DateRange.End
		}
		window, err = digest.ParseWindow(start, end)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if err := window.Validate(time.Now().UTC(), h.maxDays); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
	}
	if req.TriggeredBy != "" {
		log.Printf("[API] %s run triggered by %s", mode, req.TriggeredBy)
	}

	executionID := h.runner.StartDigest(mode, window, 0)
	httputil.Accepted(w, triggerResponse{
		Success:     true,
		Message:     "digest run started",
		Mode:        string(mode),
		ExecutionID: executionID,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	})
}

type historicalRequest struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
	BatchSize int    `json:"batchSize"`
}

// Historical launches a run over an explicit date window.
func (h *Handlers) Historical(w http.ResponseWriter, r *http.Request) {
	var req historicalRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	window, err := digest.ParseWindow(req.StartDate, req.EndDate)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := window.Validate(time.Now().UTC(), h.maxDays); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.BatchSize < 0 {
		httputil.BadRequest(w, "batchSize must be positive")
		return
	}
	if req.BatchSize == 0 {
		req.BatchSize = defaultHistoricalBatchSize
	}

	executionID := h.runner.StartDigest(digest.ModeHistorical, window, req.BatchSize)
	httputil.Accepted(w, triggerResponse{
		Success:     true,
		Message:     "historical digest run started",
		Mode:        string(digest.ModeHistorical),
		ExecutionID: executionID,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	})
}

type executionResponse struct {
	pipeline.ExecutionRecord
	Checkpoint *pipeline.Checkpoint `json:"checkpoint,omitempty"`
}

// Execution returns one run's record, with the live checkpoint attached
// while the run is still in flight.
func (h *Handlers) Execution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.runner.Executions().Get(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if rec == nil {
		httputil.NotFound(w, "execution not found")
		return
	}

	resp := executionResponse{ExecutionRecord: *rec}
	if rec.Status == pipeline.StatusRunning {
		// The batch id doubles as the correlation id of the first sub-batch.
		if cp, err := h.runner.Checkpoints().GetCheckpoint(r.Context(), rec.ID); err == nil && cp != nil {
			resp.Checkpoint = cp
		}
	}
	httputil.OK(w, resp)
}

// History returns the most recent runs, newest first.
func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > historyLimitCap {
		limit = historyLimitCap
	}

	recs, err := h.runner.Executions().Recent(r.Context(), limit)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if recs == nil {
		recs = []pipeline.ExecutionRecord{}
	}
	httputil.OK(w, map[string]interface{}{
		"executions": recs,
		"count":      len(recs),
	})
}

// Health reports process health plus breaker and cost snapshots.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	httputil.OK(w, h.health.Report(ctx))
}
