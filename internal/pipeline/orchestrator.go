package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/inbox-digest/internal/breaker"
	"github.com/ignite/inbox-digest/internal/config"
	"github.com/ignite/inbox-digest/internal/cost"
	"github.com/ignite/inbox-digest/internal/digest"
	"github.com/ignite/inbox-digest/internal/pkg/distlock"
	"github.com/ignite/inbox-digest/internal/pkg/httpretry"
)

// maxStageAttempts is the per-stage try budget: the initial attempt plus
// two retries.
const maxStageAttempts = 3

// softStopFraction of the run budget past which no new sub-batch launches.
const softStopFraction = 0.8

// noEmailsMessage is the canonical empty-run result message.
const noEmailsMessage = "No AI-related emails found to process"

// LockFactory builds the run lock for a mode. Backed by Redis in
// production, in-process otherwise.
type LockFactory func(mode digest.Mode) distlock.DistLock

// RunResult is the outcome of one RunDigest execution.
type RunResult struct {
	Success         bool    `json:"success"`
	ExecutionID     string  `json:"executionId"`
	EmailsFound     int     `json:"emails_found"`
	EmailsProcessed int     `json:"emails_processed"`
	Batches         int     `json:"batches"`
	Message         string  `json:"message"`
	Error           string  `json:"error,omitempty"`
	TotalCost       float64 `json:"total_cost"`
}

// Orchestrator drives the pipeline state machine: it dispatches stage
// handlers, retries retryable failures with backoff, offloads oversized
// payloads, emits checkpoints, and routes dead messages to the error branch.
type Orchestrator struct {
	cfg         config.PipelineConfig
	handlers    map[Stage]Handler
	payloads    *PayloadManager
	cost        *cost.Tracker
	breakers    *breaker.Registry
	notifier    Notifier
	checkpoints CheckpointStore
	executions  ExecutionStore
	locks       LockFactory
	recipient   string
}

// NewOrchestrator wires the orchestrator. All collaborators are required
// except checkpoints and executions, which default to in-memory stores.
func NewOrchestrator(
	cfg config.PipelineConfig,
	handlers []Handler,
	payloads *PayloadManager,
	tracker *cost.Tracker,
	breakers *breaker.Registry,
	notifier Notifier,
	checkpoints CheckpointStore,
	executions ExecutionStore,
	locks LockFactory,
	recipient string,
) *Orchestrator {
	byStage := make(map[Stage]Handler, len(handlers))
	for _, h := range handlers {
		byStage[h.Stage()] = h
	}
	if checkpoints == nil {
		checkpoints = NewMemoryCheckpointStore()
	}
	if executions == nil {
		executions = NewMemoryExecutionStore()
	}
	if locks == nil {
		locks = func(mode digest.Mode) distlock.DistLock {
			return distlock.NewMemoryLock("digest:lock:"+string(mode), cfg.Timeout())
		}
	}
	return &Orchestrator{
		cfg:         cfg,
		handlers:    byStage,
		payloads:    payloads,
		cost:        tracker,
		breakers:    breakers,
		notifier:    notifier,
		checkpoints: checkpoints,
		executions:  executions,
		locks:       locks,
		recipient:   recipient,
	}
}

// Executions exposes the run-history store for the API layer.
func (o *Orchestrator) Executions() ExecutionStore { return o.executions }

// Checkpoints exposes the checkpoint store for the API layer.
func (o *Orchestrator) Checkpoints() CheckpointStore { return o.checkpoints }

// RunDigest executes one full digest run. A second concurrent trigger for
// the same mode returns an "already running" result without touching the
// mailbox.
func (o *Orchestrator) RunDigest(ctx context.Context, mode digest.Mode, window digest.Window) (*RunResult, error) {
	return o.runDigestAs(ctx, uuid.NewString(), mode, window, 0)
}

// StartDigest launches a run in the background and returns its execution id
// immediately. Used by the trigger API, which responds 202 before the run
// finishes. batchSize overrides the configured sub-batch size when positive.
func (o *Orchestrator) StartDigest(mode digest.Mode, window digest.Window, batchSize int) string {
	executionID := uuid.NewString()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Timeout()+time.Minute)
		defer cancel()
		result, err := o.runDigestAs(ctx, executionID, mode, window, batchSize)
		switch {
		case err != nil:
			log.Printf("[Orchestrator] %s run %s failed to start: %v", mode, executionID, err)
		case !result.Success:
			log.Printf("[Orchestrator] %s run %s finished: %s", mode, executionID, result.Message)
		default:
			log.Printf("[Orchestrator] %s run %s succeeded: %s", mode, executionID, result.Message)
		}
	}()
	return executionID
}

func (o *Orchestrator) runDigestAs(ctx context.Context, executionID string, mode digest.Mode, window digest.Window, batchSize int) (*RunResult, error) {
	lock := o.locks(mode)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring run lock: %w", err)
	}
	if !acquired {
		return &RunResult{
			Success:     false,
			ExecutionID: executionID,
			Message:     fmt.Sprintf("a %s digest run is already in progress", mode),
		}, nil
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			log.Printf("[Orchestrator] lock release failed: %v", err)
		}
	}()

	o.cost.Reset()

	input, _ := json.Marshal(map[string]interface{}{"mode": mode, "window": window})
	if err := o.executions.Create(ctx, ExecutionRecord{
		ID:        executionID,
		Name:      fmt.Sprintf("digest-%s-%s", mode, time.Now().UTC().Format("20060102T150405Z")),
		Mode:      mode,
		Status:    StatusRunning,
		StartDate: time.Now().UTC(),
		Input:     input,
	}); err != nil {
		log.Printf("[Orchestrator] execution create failed: %v", err)
	}

	result, status := o.run(ctx, executionID, mode, window, batchSize)
	result.ExecutionID = executionID
	result.TotalCost = o.cost.TotalCost()

	output, _ := json.Marshal(result)
	cause := ""
	if result.Error != "" {
		cause = result.Message
	}
	if err := o.executions.Finish(context.WithoutCancel(ctx), executionID, status, output, result.Error, cause); err != nil {
		log.Printf("[Orchestrator] execution finish failed: %v", err)
	}
	return result, nil
}

// run is the body of a digest execution: one fetch, then one stage chain
// per sub-batch.
func (o *Orchestrator) run(ctx context.Context, executionID string, mode digest.Mode, window digest.Window, batchSize int) (*RunResult, ExecutionStatus) {
	start := time.Now()

	msg := NewMessage(executionID)
	state := &digest.RunState{Mode: mode, Window: window, Recipient: o.recipient}

	state, msg, err := o.runStage(ctx, msg, state)
	if err != nil {
		pe := Classify(StageFetch, err)
		o.errorBranch(ctx, mode, pe)
		return &RunResult{
			Success: false,
			Message: pe.Message,
			Error:   string(pe.Code),
		}, failureStatus(ctx, pe)
	}

	emailsFound := len(state.Emails)
	if emailsFound == 0 {
		message := noEmailsMessage
		if state.SkippedCount > 0 {
			message = fmt.Sprintf("All %d emails already processed", state.SkippedCount)
		}
		return &RunResult{Success: true, EmailsFound: 0, Message: message}, StatusSucceeded
	}

	batches := o.split(state, batchSize)
	var (
		processed   int
		ran         int
		failed      int
		timedOut    bool
		budgetStop  bool
		lastFailure *PipelineError
	)

	for i, sub := range batches {
		if i > 0 {
			if err := sleepCtx(ctx, o.cfg.BatchDelay()); err != nil {
				break
			}
		}
		if time.Since(start) > time.Duration(softStopFraction*float64(o.cfg.Timeout())) {
			timedOut = true
			log.Printf("[Orchestrator] run budget %.0f%% spent; not launching sub-batch %d/%d",
				softStopFraction*100, i+1, len(batches))
			break
		}
		if o.cost.ShouldStop() {
			budgetStop = true
			log.Printf("[Orchestrator] cost ceiling reached; not launching sub-batch %d/%d", i+1, len(batches))
			break
		}

		subMsg := *msg
		if i > 0 {
			subMsg.CorrelationID = uuid.NewString()
		}
		ran++
		final, err := o.runBatch(ctx, &subMsg, sub)
		if err != nil {
			pe := Classify(subMsg.Stage, err)
			lastFailure = pe
			failed++
			o.errorBranch(ctx, mode, pe)
			if ctx.Err() != nil {
				break
			}
			continue // one failed sub-batch never blocks the next
		}
		processed += len(final.ProcessedIDs)
	}

	result := &RunResult{
		EmailsFound:     emailsFound,
		EmailsProcessed: processed,
		Batches:         ran,
	}

	switch {
	case ctx.Err() != nil:
		result.Message = "run canceled"
		result.Error = string(ErrFatal)
		return result, StatusAborted
	case lastFailure != nil && processed == 0 && ran == 1 && len(batches) == 1:
		result.Message = lastFailure.Message
		result.Error = string(lastFailure.Code)
		return result, StatusFailed
	case timedOut:
		result.Success = processed > 0
		result.Message = fmt.Sprintf("run budget exceeded after %d of %d sub-batches; %d emails processed", ran, len(batches), processed)
		return result, StatusTimedOut
	case lastFailure != nil:
		result.Success = processed > 0
		result.Error = string(lastFailure.Code)
		result.Message = fmt.Sprintf("%d of %d sub-batches failed; %d emails processed", failed, len(batches), processed)
		return result, StatusSucceeded
	case budgetStop:
		result.Success = processed > 0
		result.Message = fmt.Sprintf("cost ceiling reached after %d of %d sub-batches; %d emails processed", ran, len(batches), processed)
		return result, StatusSucceeded
	default:
		result.Success = true
		if processed == 0 {
			result.Message = noEmailsMessage
		} else {
			result.Message = fmt.Sprintf("digest sent: %d emails processed in %d batch(es)", processed, ran)
		}
		return result, StatusSucceeded
	}
}

// split partitions the fetched candidate set into sub-batches. Weekly runs
// are a single batch; cleanup and historical runs chunk by the configured
// batch size, each chunk its own digest. override replaces the configured
// size when positive.
func (o *Orchestrator) split(state *digest.RunState, override int) []*digest.RunState {
	size := o.cfg.CleanupBatchSize
	if override > 0 {
		size = override
	}
	if state.Mode == digest.ModeWeekly || len(state.Emails) <= size {
		return []*digest.RunState{state}
	}
	var out []*digest.RunState
	for start := 0; start < len(state.Emails); start += size {
		end := start + size
		if end > len(state.Emails) {
			end = len(state.Emails)
		}
		chunk := state.Emails[start:end]
		ids := make(map[string]bool, len(chunk))
		for _, e := range chunk {
			ids[e.ID] = true
		}
		sub := &digest.RunState{
			Mode:      state.Mode,
			Window:    state.Window,
			Recipient: state.Recipient,
			Emails:    chunk,
		}
		for _, id := range state.KnownAIIDs {
			if ids[id] {
				sub.KnownAIIDs = append(sub.KnownAIIDs, id)
			}
		}
		for _, id := range state.UnknownIDs {
			if ids[id] {
				sub.UnknownIDs = append(sub.UnknownIDs, id)
			}
		}
		if start == 0 {
			sub.SkippedCount = state.SkippedCount
			sub.KnownNonAI = state.KnownNonAI
		}
		out = append(out, sub)
	}
	return out
}

// runBatch drives one sub-batch from classify through send. Between stages
// it consults the cost tracker: once the ceiling is hit, the enrichment
// stages are skipped so the partial digest still reaches send.
func (o *Orchestrator) runBatch(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
	for {
		var err error
		state, msg, err = o.runStage(ctx, msg, state)
		if err != nil {
			return nil, err
		}
		if msg == nil { // send completed
			return state, nil
		}
		for skippableStage(msg.Stage) && o.cost.ShouldStop() {
			log.Printf("[Orchestrator] cost ceiling reached; skipping %s stage", msg.Stage)
			skipped := FromPrevious(msg, msg.Stage.Next())
			skipped.Payload = msg.Payload
			msg = skipped
		}
	}
}

// skippableStage reports whether a stage is pure enrichment the run can
// bypass at the cost ceiling. Classify still selects the AI emails and
// analyze still owns the partial-digest decision, so neither skips.
func skippableStage(s Stage) bool {
	return s == StageExtract || s == StageResearch || s == StageCritique
}

// runStage invokes one handler with the retry policy, then hands the
// output to the next stage: history appended, payload offloaded if
// oversized, checkpoint saved. Returns a nil message after the send stage.
func (o *Orchestrator) runStage(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, *Message, error) {
	handler, ok := o.handlers[msg.Stage]
	if !ok {
		return nil, nil, NewError(ErrFatal, msg.Stage, "no handler registered for stage")
	}

	out, err := o.invokeWithRetry(ctx, handler, msg, state)
	if err != nil {
		return nil, nil, err
	}

	if msg.Stage == StageSend {
		o.checkpoint(ctx, msg, out, true)
		return out, nil, nil
	}

	next := FromPrevious(msg, msg.Stage.Next())
	ref, err := o.payloads.Store(ctx, out, msg.CorrelationID, msg.Stage)
	if err != nil {
		return nil, nil, WrapError(ErrTransientNetwork, msg.Stage, err, "storing stage payload")
	}
	next.Payload = ref
	o.applyCounters(&next.Metadata, out)
	o.checkpoint(ctx, next, out, false)

	// Round-trip through the payload reference so offloaded and inline
	// hand-offs follow the same path.
	fresh := &digest.RunState{}
	if err := o.payloads.Retrieve(ctx, ref, fresh); err != nil {
		return nil, nil, WrapError(ErrTransientNetwork, msg.Stage, err, "retrieving stage payload")
	}
	return fresh, next, nil
}

// invokeWithRetry runs a handler up to maxStageAttempts times with
// exponential backoff on retryable failures. The input state is snapshotted
// so a retry sees the stage's original input.
func (o *Orchestrator) invokeWithRetry(ctx context.Context, handler Handler, msg *Message, state *digest.RunState) (*digest.RunState, error) {
	snapshot, err := json.Marshal(state)
	if err != nil {
		return nil, WrapError(ErrFatal, msg.Stage, err, "snapshotting stage input")
	}

	var lastErr *PipelineError
	for attempt := 1; attempt <= maxStageAttempts; attempt++ {
		input := &digest.RunState{}
		if err := json.Unmarshal(snapshot, input); err != nil {
			return nil, WrapError(ErrFatal, msg.Stage, err, "restoring stage input")
		}

		stageCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout())
		out, runErr := handler.Run(stageCtx, msg, input)
		cancel()
		if runErr == nil {
			return out, nil
		}

		lastErr = Classify(msg.Stage, runErr)
		if !lastErr.Retryable || ctx.Err() != nil || attempt == maxStageAttempts {
			break
		}
		delay := httpretry.Backoff(attempt, time.Second, o.cfg.StageTimeout())
		log.Printf("[Orchestrator] stage %s attempt %d/%d failed (%s); retrying in %s",
			msg.Stage, attempt, maxStageAttempts, lastErr.Code, delay)
		if err := sleepCtx(ctx, delay); err != nil {
			break
		}
	}
	return nil, lastErr
}

func (o *Orchestrator) applyCounters(meta *Metadata, state *digest.RunState) {
	meta.EmailCount = len(state.Emails)
	meta.ProcessedCount = len(state.ProcessedIDs)
	meta.SkippedCount = state.SkippedCount + state.KnownNonAI
	meta.ErrorCount = state.DroppedCount
	meta.CostSoFar = o.cost.TotalCost()
}

// checkpoint persists recovery state after a completed stage; failures are
// logged, never fatal.
func (o *Orchestrator) checkpoint(ctx context.Context, msg *Message, state *digest.RunState, final bool) {
	stage := msg.Stage
	meta := msg.Metadata
	if final {
		o.applyCounters(&meta, state)
	}
	if err := o.checkpoints.SaveCheckpoint(ctx, Checkpoint{
		CorrelationID: msg.CorrelationID,
		Stage:         stage,
		At:            time.Now().UTC(),
		Metadata:      meta,
	}); err != nil {
		log.Printf("[Orchestrator] checkpoint save failed: %v", err)
	}
	if err := o.checkpoints.SaveSnapshot(ctx, msg.CorrelationID, "cost", o.cost.Snapshot()); err != nil {
		log.Printf("[Orchestrator] cost snapshot failed: %v", err)
	}
	if o.breakers != nil {
		if err := o.checkpoints.SaveSnapshot(ctx, msg.CorrelationID, "circuit", o.breakers.Snapshot()); err != nil {
			log.Printf("[Orchestrator] circuit snapshot failed: %v", err)
		}
	}
}

// errorBranch is the terminal path for non-retryable or exhausted
// failures: notify, never mark anything processed.
func (o *Orchestrator) errorBranch(ctx context.Context, mode digest.Mode, pe *PipelineError) {
	if o.notifier == nil {
		return
	}
	nctx := context.WithoutCancel(ctx)
	if pe.Code == ErrAuthInvalid {
		if err := o.notifier.SendReauthNotice(nctx); err != nil {
			log.Printf("[Orchestrator] reauth notice failed: %v", err)
		}
		return
	}
	label := fmt.Sprintf("%s run, %s stage", mode, pe.Stage)
	if err := o.notifier.SendErrorNotice(nctx, label, pe); err != nil {
		log.Printf("[Orchestrator] error notice failed: %v", err)
	}
}

func failureStatus(ctx context.Context, pe *PipelineError) ExecutionStatus {
	if ctx.Err() != nil || errors.Is(pe, context.Canceled) {
		return StatusAborted
	}
	return StatusFailed
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
