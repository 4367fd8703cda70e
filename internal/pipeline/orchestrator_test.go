package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/inbox-digest/internal/config"
	"github.com/ignite/inbox-digest/internal/cost"
	"github.com/ignite/inbox-digest/internal/digest"
	"github.com/ignite/inbox-digest/internal/pkg/distlock"
)

type stubHandler struct {
	stage Stage
	fn    func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error)
}

func (h *stubHandler) Stage() Stage { return h.stage }

func (h *stubHandler) Run(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
	if h.fn == nil {
		return state, nil
	}
	return h.fn(ctx, msg, state)
}

type recordingNotifier struct {
	errorNotices  int32
	reauthNotices int32
	lastContext   string
}

func (n *recordingNotifier) SendErrorNotice(ctx context.Context, label string, details error) error {
	atomic.AddInt32(&n.errorNotices, 1)
	n.lastContext = label
	return nil
}

func (n *recordingNotifier) SendReauthNotice(ctx context.Context) error {
	atomic.AddInt32(&n.reauthNotices, 1)
	return nil
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		CleanupBatchSize:    2,
		BatchDelayMs:        1,
		TimeoutSeconds:      900,
		StageTimeoutSeconds: 10,
	}
}

func passThrough(stage Stage) Handler {
	return &stubHandler{stage: stage}
}

// fullChain builds handlers for every stage; overrides replace the default
// pass-through behavior per stage.
func fullChain(overrides map[Stage]*stubHandler) []Handler {
	var out []Handler
	for _, stage := range StageOrder {
		if h, ok := overrides[stage]; ok {
			h.stage = stage
			out = append(out, h)
			continue
		}
		out = append(out, passThrough(stage))
	}
	return out
}

func newTestOrchestrator(t *testing.T, handlers []Handler, notifier Notifier) *Orchestrator {
	t.Helper()
	tracker := cost.NewTracker(cost.Limits{MaxCostPerRun: 1.0, MaxOpenAICalls: 100, MaxFirecrawlCalls: 100, MaxBraveSearches: 100})
	locks := func(mode digest.Mode) distlock.DistLock {
		// Per-test keys so parallel tests never contend.
		return distlock.NewMemoryLock(fmt.Sprintf("test:%s:%s", t.Name(), mode), time.Minute)
	}
	return NewOrchestrator(
		testPipelineConfig(),
		handlers,
		NewPayloadManager(nil, 200*1024),
		tracker,
		nil,
		notifier,
		NewMemoryCheckpointStore(),
		NewMemoryExecutionStore(),
		locks,
		"me@example.com",
	)
}

func emailFixture(n int) []digest.EmailItem {
	out := make([]digest.EmailItem, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, digest.EmailItem{
			ID:          fmt.Sprintf("msg-%03d", i),
			Subject:     fmt.Sprintf("AI news %d", i),
			SenderEmail: fmt.Sprintf("sender%d@example.com", i),
			Date:        time.Now().Add(-time.Duration(i) * time.Hour),
		})
	}
	return out
}

func TestRunDigestEmptyMailbox(t *testing.T) {
	handlers := fullChain(map[Stage]*stubHandler{
		StageFetch: {fn: func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			return state, nil // no emails
		}},
	})
	o := newTestOrchestrator(t, handlers, &recordingNotifier{})

	res, err := o.RunDigest(context.Background(), digest.ModeWeekly, digest.Window{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.EmailsFound)
	assert.Equal(t, "No AI-related emails found to process", res.Message)

	rec, err := o.Executions().Get(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StatusSucceeded, rec.Status)
}

func TestRunDigestAllAlreadyProcessed(t *testing.T) {
	handlers := fullChain(map[Stage]*stubHandler{
		StageFetch: {fn: func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			state.SkippedCount = 7
			return state, nil
		}},
	})
	o := newTestOrchestrator(t, handlers, &recordingNotifier{})

	res, err := o.RunDigest(context.Background(), digest.ModeWeekly, digest.Window{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "already processed")
}

func TestRunDigestHappyPath(t *testing.T) {
	var sendCalls int32
	handlers := fullChain(map[Stage]*stubHandler{
		StageFetch: {fn: func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			state.Emails = emailFixture(3)
			for _, e := range state.Emails {
				state.UnknownIDs = append(state.UnknownIDs, e.ID)
			}
			return state, nil
		}},
		StageClassify: {fn: func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			for _, e := range state.Emails {
				state.AIEmailIDs = append(state.AIEmailIDs, e.ID)
			}
			return state, nil
		}},
		StageSend: {fn: func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			atomic.AddInt32(&sendCalls, 1)
			state.Delivered = true
			for _, id := range state.AIEmailIDs {
				state.ProcessedIDs = append(state.ProcessedIDs, id)
			}
			return state, nil
		}},
	})
	notifier := &recordingNotifier{}
	o := newTestOrchestrator(t, handlers, notifier)

	res, err := o.RunDigest(context.Background(), digest.ModeWeekly, digest.Window{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.EmailsFound)
	assert.Equal(t, 3, res.EmailsProcessed)
	assert.Equal(t, 1, res.Batches)
	assert.Equal(t, int32(1), atomic.LoadInt32(&sendCalls))
	assert.Zero(t, atomic.LoadInt32(&notifier.errorNotices))

	rec, err := o.Executions().Get(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, rec.Status)
	assert.False(t, rec.StopDate.IsZero())
}

func TestRunDigestCleanupSubBatches(t *testing.T) {
	// 5 candidates with batch size 2 → three sub-batches, each its own
	// correlation id, all sharing the batch id.
	correlations := make(map[string]bool)
	batchIDs := make(map[string]bool)
	var sends int32
	handlers := fullChain(map[Stage]*stubHandler{
		StageFetch: {fn: func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			state.Emails = emailFixture(5)
			return state, nil
		}},
		StageSend: {fn: func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			atomic.AddInt32(&sends, 1)
			correlations[msg.CorrelationID] = true
			batchIDs[msg.BatchID] = true
			for _, e := range state.Emails {
				state.ProcessedIDs = append(state.ProcessedIDs, e.ID)
			}
			return state, nil
		}},
	})
	o := newTestOrchestrator(t, handlers, &recordingNotifier{})

	res, err := o.RunDigest(context.Background(), digest.ModeCleanup, digest.Window{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, 5, res.EmailsProcessed)
	assert.Equal(t, int32(3), atomic.LoadInt32(&sends))
	assert.Len(t, correlations, 3)
	assert.Len(t, batchIDs, 1)
}

func TestRunDigestWeeklyNeverSplits(t *testing.T) {
	var sends int32
	handlers := fullChain(map[Stage]*stubHandler{
		StageFetch: {fn: func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			state.Emails = emailFixture(9)
			return state, nil
		}},
		StageSend: {fn: func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			atomic.AddInt32(&sends, 1)
			state.ProcessedIDs = append(state.ProcessedIDs, state.Emails[0].ID)
			return state, nil
		}},
	})
	o := newTestOrchestrator(t, handlers, &recordingNotifier{})

	res, err := o.RunDigest(context.Background(), digest.ModeWeekly, digest.Window{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Batches)
	assert.Equal(t, int32(1), atomic.LoadInt32(&sends))
}

func TestRunDigestRetriesTransientFailures(t *testing.T) {
	var attempts int32
	handlers := fullChain(map[Stage]*stubHandler{
		StageFetch: {fn: func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			state.Emails = emailFixture(1)
			return state, nil
		}},
		StageClassify: {fn: func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			if atomic.AddInt32(&attempts, 1) < 3 {
				return nil, NewError(ErrTransientNetwork, StageClassify, "flaky upstream")
			}
			return state, nil
		}},
		StageSend: {fn: func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			state.ProcessedIDs = append(state.ProcessedIDs, state.Emails[0].ID)
			return state, nil
		}},
	})
	o := newTestOrchestrator(t, handlers, &recordingNotifier{})

	res, err := o.RunDigest(context.Background(), digest.ModeWeekly, digest.Window{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestRunDigestRetryReplaysOriginalInput(t *testing.T) {
	// A handler that mutates its input before failing must see the
	// unmutated state again on the retry.
	var attempts int32
	handlers := fullChain(map[Stage]*stubHandler{
		StageFetch: {fn: func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			state.Emails = emailFixture(2)
			return state, nil
		}},
		StageClassify: {fn: func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			if len(state.AIEmailIDs) != 0 {
				t.Error("retry saw mutated input state")
			}
			state.AIEmailIDs = append(state.AIEmailIDs, "junk")
			if atomic.AddInt32(&attempts, 1) == 1 {
				return nil, NewError(ErrRateLimited, StageClassify, "429")
			}
			return state, nil
		}},
	})
	o := newTestOrchestrator(t, handlers, &recordingNotifier{})

	_, err := o.RunDigest(context.Background(), digest.ModeWeekly, digest.Window{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestRunDigestNonRetryableFailsImmediately(t *testing.T) {
	var attempts int32
	handlers := fullChain(map[Stage]*stubHandler{
		StageFetch: {fn: func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			state.Emails = emailFixture(1)
			return state, nil
		}},
		StageSend: {fn: func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			atomic.AddInt32(&attempts, 1)
			return nil, NewError(ErrDeliveryFailed, StageSend, "mailer rejected the message")
		}},
	})
	notifier := &recordingNotifier{}
	o := newTestOrchestrator(t, handlers, notifier)

	res, err := o.RunDigest(context.Background(), digest.ModeWeekly, digest.Window{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, string(ErrDeliveryFailed), res.Error)
	assert.Equal(t, 0, res.EmailsProcessed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts), "delivery failures must not retry")
	assert.Equal(t, int32(1), atomic.LoadInt32(&notifier.errorNotices))

	rec, err := o.Executions().Get(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
}

func TestRunDigestAuthFailureSendsReauthNotice(t *testing.T) {
	handlers := fullChain(map[Stage]*stubHandler{
		StageFetch: {fn: func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			return nil, NewError(ErrAuthInvalid, StageFetch, "gmail token revoked")
		}},
	})
	notifier := &recordingNotifier{}
	o := newTestOrchestrator(t, handlers, notifier)

	res, err := o.RunDigest(context.Background(), digest.ModeWeekly, digest.Window{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, string(ErrAuthInvalid), res.Error)
	assert.Equal(t, int32(1), atomic.LoadInt32(&notifier.reauthNotices))
	assert.Zero(t, atomic.LoadInt32(&notifier.errorNotices))
}

func TestRunDigestFailedSubBatchDoesNotBlockNext(t *testing.T) {
	var sends int32
	handlers := fullChain(map[Stage]*stubHandler{
		StageFetch: {fn: func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			state.Emails = emailFixture(4) // two sub-batches of two
			return state, nil
		}},
		StageSend: {fn: func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			if atomic.AddInt32(&sends, 1) == 1 {
				return nil, NewError(ErrDeliveryFailed, StageSend, "first batch bounced")
			}
			for _, e := range state.Emails {
				state.ProcessedIDs = append(state.ProcessedIDs, e.ID)
			}
			return state, nil
		}},
	})
	notifier := &recordingNotifier{}
	o := newTestOrchestrator(t, handlers, notifier)

	res, err := o.RunDigest(context.Background(), digest.ModeCleanup, digest.Window{})
	require.NoError(t, err)
	assert.True(t, res.Success, "a later sub-batch succeeded")
	assert.Equal(t, 2, res.EmailsProcessed)
	assert.Equal(t, string(ErrDeliveryFailed), res.Error)
	assert.Equal(t, int32(1), atomic.LoadInt32(&notifier.errorNotices))
}

func TestRunDigestBudgetSkipsEnrichmentStages(t *testing.T) {
	// Once spend hits the ceiling mid-run, the enrichment stages are skipped
	// at the next boundary while analyze and send still run, so the partial
	// digest ships.
	tracker := cost.NewTracker(cost.Limits{MaxCostPerRun: 0.05, MaxOpenAICalls: 100, MaxFirecrawlCalls: 100, MaxBraveSearches: 100})
	var extracts, researches, critiques, analyzes, sends int32
	handlers := fullChain(map[Stage]*stubHandler{
		StageFetch: {fn: func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			state.Emails = emailFixture(2)
			for _, e := range state.Emails {
				state.UnknownIDs = append(state.UnknownIDs, e.ID)
			}
			return state, nil
		}},
		StageClassify: {fn: func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			for _, e := range state.Emails {
				state.AIEmailIDs = append(state.AIEmailIDs, e.ID)
			}
			tracker.RecordAPICall("openai", "classify", 0.05) // ceiling reached
			return state, nil
		}},
		StageExtract: {fn: func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			atomic.AddInt32(&extracts, 1)
			return state, nil
		}},
		StageResearch: {fn: func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			atomic.AddInt32(&researches, 1)
			return state, nil
		}},
		StageAnalyze: {fn: func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			atomic.AddInt32(&analyzes, 1)
			return state, nil
		}},
		StageCritique: {fn: func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			atomic.AddInt32(&critiques, 1)
			return state, nil
		}},
		StageSend: {fn: func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			atomic.AddInt32(&sends, 1)
			state.ProcessedIDs = append(state.ProcessedIDs, state.AIEmailIDs...)
			return state, nil
		}},
	})
	locks := func(mode digest.Mode) distlock.DistLock {
		return distlock.NewMemoryLock(fmt.Sprintf("test:%s:%s", t.Name(), mode), time.Minute)
	}
	o := NewOrchestrator(
		testPipelineConfig(),
		handlers,
		NewPayloadManager(nil, 200*1024),
		tracker,
		nil,
		&recordingNotifier{},
		NewMemoryCheckpointStore(),
		NewMemoryExecutionStore(),
		locks,
		"me@example.com",
	)

	res, err := o.RunDigest(context.Background(), digest.ModeWeekly, digest.Window{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.EmailsProcessed)
	assert.Zero(t, atomic.LoadInt32(&extracts), "extract must not run past the ceiling")
	assert.Zero(t, atomic.LoadInt32(&researches), "research must not run past the ceiling")
	assert.Zero(t, atomic.LoadInt32(&critiques), "critique must not run past the ceiling")
	assert.Equal(t, int32(1), atomic.LoadInt32(&analyzes), "analyze still owns the partial-digest decision")
	assert.Equal(t, int32(1), atomic.LoadInt32(&sends))
}

func TestRunDigestConcurrentRunsLockOut(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	handlers := fullChain(map[Stage]*stubHandler{
		StageFetch: {fn: func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			close(started)
			<-release
			return state, nil
		}},
	})
	o := newTestOrchestrator(t, handlers, &recordingNotifier{})

	done := make(chan *RunResult, 1)
	go func() {
		res, _ := o.RunDigest(context.Background(), digest.ModeWeekly, digest.Window{})
		done <- res
	}()
	<-started

	blocked, err := o.RunDigest(context.Background(), digest.ModeWeekly, digest.Window{})
	require.NoError(t, err)
	assert.False(t, blocked.Success)
	assert.Contains(t, blocked.Message, "already in progress")

	close(release)
	first := <-done
	assert.True(t, first.Success)
}

func TestRunDigestSavesCheckpoints(t *testing.T) {
	var correlationID string
	handlers := fullChain(map[Stage]*stubHandler{
		StageFetch: {fn: func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			correlationID = msg.CorrelationID
			state.Emails = emailFixture(1)
			return state, nil
		}},
		StageSend: {fn: func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			state.ProcessedIDs = append(state.ProcessedIDs, state.Emails[0].ID)
			return state, nil
		}},
	})
	o := newTestOrchestrator(t, handlers, &recordingNotifier{})

	_, err := o.RunDigest(context.Background(), digest.ModeWeekly, digest.Window{})
	require.NoError(t, err)

	cp, err := o.Checkpoints().GetCheckpoint(context.Background(), correlationID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, StageSend, cp.Stage)
	assert.Equal(t, 1, cp.Metadata.ProcessedCount)
}

func TestRunDigestStageHistoryIsOrderedPrefix(t *testing.T) {
	handlers := fullChain(map[Stage]*stubHandler{
		StageFetch: {fn: func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			state.Emails = emailFixture(1)
			return state, nil
		}},
		StageAnalyze: {fn: func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			want := []Stage{StageFetch, StageClassify, StageExtract, StageResearch}
			require.Len(t, msg.Metadata.PreviousStages, len(want))
			for i, stage := range want {
				assert.Equal(t, stage, msg.Metadata.PreviousStages[i].Stage)
			}
			return state, nil
		}},
	})
	o := newTestOrchestrator(t, handlers, &recordingNotifier{})

	res, err := o.RunDigest(context.Background(), digest.ModeWeekly, digest.Window{})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestRunDigestCanceledContextAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	handlers := fullChain(map[Stage]*stubHandler{
		StageFetch: {fn: func(c context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			cancel()
			return nil, c.Err()
		}},
	})
	o := newTestOrchestrator(t, handlers, &recordingNotifier{})

	res, err := o.RunDigest(ctx, digest.ModeWeekly, digest.Window{})
	require.NoError(t, err)
	assert.False(t, res.Success)

	rec, err := o.Executions().Get(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, rec.Status)
}

func TestSplitPreservesIDSubsets(t *testing.T) {
	state := &digest.RunState{
		Mode:         digest.ModeCleanup,
		Emails:       emailFixture(5),
		KnownAIIDs:   []string{"msg-000", "msg-003"},
		UnknownIDs:   []string{"msg-001", "msg-002", "msg-004"},
		SkippedCount: 2,
	}
	o := newTestOrchestrator(t, fullChain(nil), &recordingNotifier{})

	batches := o.split(state, 0)
	require.Len(t, batches, 3)
	assert.Equal(t, []string{"msg-000"}, batches[0].KnownAIIDs)
	assert.Equal(t, []string{"msg-001"}, batches[0].UnknownIDs)
	assert.Equal(t, []string{"msg-003"}, batches[1].KnownAIIDs)
	assert.Equal(t, 2, batches[0].SkippedCount, "skip counters belong to the first batch only")
	assert.Zero(t, batches[1].SkippedCount)
	assert.Len(t, batches[2].Emails, 1)
}

func TestSplitBatchSizeOverride(t *testing.T) {
	state := &digest.RunState{Mode: digest.ModeHistorical, Emails: emailFixture(9)}
	o := newTestOrchestrator(t, fullChain(nil), &recordingNotifier{})

	// Configured size is 2; a positive override replaces it.
	batches := o.split(state, 4)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0].Emails, 4)
	assert.Len(t, batches[2].Emails, 1)

	// An override wide enough for the whole set means one batch.
	assert.Len(t, o.split(state, 200), 1)
}

func TestFailedRunRecordsErrorOnExecution(t *testing.T) {
	handlers := fullChain(map[Stage]*stubHandler{
		StageFetch: {fn: func(ctx context.Context, msg *Message, state *digest.RunState) (*digest.RunState, error) {
			return nil, errors.New("socket closed")
		}},
	})
	o := newTestOrchestrator(t, handlers, &recordingNotifier{})

	res, err := o.RunDigest(context.Background(), digest.ModeWeekly, digest.Window{})
	require.NoError(t, err)
	assert.False(t, res.Success)

	rec, err := o.Executions().Get(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.NotEmpty(t, rec.Error)
}
