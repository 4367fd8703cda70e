package stages

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/inbox-digest/internal/digest"
	"github.com/ignite/inbox-digest/internal/pipeline"
	"github.com/ignite/inbox-digest/internal/store"
)

func runFetch(t *testing.T, d *Deps, state *digest.RunState) (*digest.RunState, error) {
	t.Helper()
	h := &FetchHandler{deps: d}
	return h.Run(context.Background(), pipeline.NewMessage(""), state)
}

func TestFetchCategorizesSenders(t *testing.T) {
	d, mem := newTestDeps()
	d.Mailbox = &fakeMailbox{
		ids: []string{"e1", "e2", "e3"},
		emails: []digest.EmailItem{
			emailWith("e1", "news@aiweekly.com", "GPT update", "body"),
			emailWith("e2", "deals@shopping.com", "50% off", "body"),
			emailWith("e3", "random@startup.io", "Launch", "body"),
		},
	}
	require.NoError(t, mem.Upsert(context.Background(), store.SenderRecord{
		SenderEmail:      "news@aiweekly.com",
		Classification:   store.ClassAI,
		Confidence:       90,
		LastClassifiedAt: testNow.Add(-24 * time.Hour).UnixMilli(),
	}))
	require.NoError(t, mem.Upsert(context.Background(), store.SenderRecord{
		SenderEmail:      "deals@shopping.com",
		Classification:   store.ClassNonAI,
		Confidence:       95,
		LastClassifiedAt: testNow.Add(-24 * time.Hour).UnixMilli(),
	}))

	state, err := runFetch(t, d, &digest.RunState{Mode: digest.ModeWeekly})
	require.NoError(t, err)

	assert.Equal(t, []string{"e1"}, state.KnownAIIDs)
	assert.Equal(t, []string{"e3"}, state.UnknownIDs)
	assert.Equal(t, 1, state.KnownNonAI)
	// Known non-AI emails are discarded before classification.
	require.Len(t, state.Emails, 2)
	assert.Nil(t, state.EmailByID("e2"))
}

func TestFetchDecayedSenderBecomesUnknown(t *testing.T) {
	d, mem := newTestDeps()
	d.Mailbox = &fakeMailbox{
		ids:    []string{"e1"},
		emails: []digest.EmailItem{emailWith("e1", "old@aiweekly.com", "AI news", "body")},
	}
	// 90 at 0.5/day: after 100 days the effective confidence is 40, under
	// the known threshold of 50.
	require.NoError(t, mem.Upsert(context.Background(), store.SenderRecord{
		SenderEmail:      "old@aiweekly.com",
		Classification:   store.ClassAI,
		Confidence:       90,
		LastClassifiedAt: testNow.Add(-100 * 24 * time.Hour).UnixMilli(),
	}))

	state, err := runFetch(t, d, &digest.RunState{Mode: digest.ModeWeekly})
	require.NoError(t, err)
	assert.Empty(t, state.KnownAIIDs)
	assert.Equal(t, []string{"e1"}, state.UnknownIDs)
}

func TestFetchSkipsProcessedEmails(t *testing.T) {
	d, mem := newTestDeps()
	d.Mailbox = &fakeMailbox{
		ids: []string{"e1", "e2"},
		emails: []digest.EmailItem{
			emailWith("e1", "a@x.com", "old", "body"),
			emailWith("e2", "b@y.com", "new", "body"),
		},
	}
	require.NoError(t, mem.MarkProcessed(context.Background(), []store.ProcessedRecord{
		{EmailID: "e1", ProcessedAt: testNow.Add(-time.Hour)},
	}))

	state, err := runFetch(t, d, &digest.RunState{Mode: digest.ModeWeekly})
	require.NoError(t, err)
	assert.Equal(t, 1, state.SkippedCount)
	require.Len(t, state.Emails, 1)
	assert.Equal(t, "e2", state.Emails[0].ID)
}

func TestFetchHistoricalWindowValidation(t *testing.T) {
	d, _ := newTestDeps()

	tests := []struct {
		name   string
		window digest.Window
	}{
		{"missing window", digest.Window{}},
		{"start after end", digest.Window{Start: testNow.AddDate(0, 0, -1), End: testNow.AddDate(0, 0, -5)}},
		{"too wide", digest.Window{Start: testNow.AddDate(0, 0, -200), End: testNow.AddDate(0, 0, -1)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := runFetch(t, d, &digest.RunState{Mode: digest.ModeHistorical, Window: tc.window})
			require.Error(t, err)
			assert.Equal(t, pipeline.ErrValidation, pipeline.CodeOf(err))
			assert.False(t, pipeline.IsRetryable(err))
		})
	}
}

func TestFetchAuthErrorIsNotRetryable(t *testing.T) {
	d, _ := newTestDeps()
	tokenErr := errors.New("oauth2: invalid_grant")
	d.Mailbox = &fakeMailbox{listErr: tokenErr}
	d.IsAuthError = func(err error) bool { return errors.Is(err, tokenErr) }

	_, err := runFetch(t, d, &digest.RunState{Mode: digest.ModeWeekly})
	require.Error(t, err)
	assert.Equal(t, pipeline.ErrAuthInvalid, pipeline.CodeOf(err))
	assert.False(t, pipeline.IsRetryable(err))
}

func TestFetchRateLimitIsRetryable(t *testing.T) {
	d, _ := newTestDeps()
	limitErr := errors.New("googleapi: Error 429")
	d.Mailbox = &fakeMailbox{listErr: limitErr}
	d.IsRateLimitError = func(err error) bool { return errors.Is(err, limitErr) }

	_, err := runFetch(t, d, &digest.RunState{Mode: digest.ModeWeekly})
	require.Error(t, err)
	assert.Equal(t, pipeline.ErrRateLimited, pipeline.CodeOf(err))
	assert.True(t, pipeline.IsRetryable(err))
}

func TestFetchUnknownMailboxErrorIsTransient(t *testing.T) {
	d, _ := newTestDeps()
	d.Mailbox = &fakeMailbox{listErr: errors.New("connection reset")}

	_, err := runFetch(t, d, &digest.RunState{Mode: digest.ModeWeekly})
	require.Error(t, err)
	assert.Equal(t, pipeline.ErrTransientNetwork, pipeline.CodeOf(err))
	assert.True(t, pipeline.IsRetryable(err))
}

func TestFetchCleanupUsesFetchLimit(t *testing.T) {
	d, _ := newTestDeps()
	mb := &fakeMailbox{}
	d.Mailbox = mb
	d.FetchLimit = 500

	_, err := runFetch(t, d, &digest.RunState{Mode: digest.ModeCleanup})
	require.NoError(t, err)
	assert.Equal(t, 500, mb.lastLimit)

	_, err = runFetch(t, d, &digest.RunState{Mode: digest.ModeWeekly})
	require.NoError(t, err)
	assert.Equal(t, d.Pipeline.MaxEmailsPerRun, mb.lastLimit)
}

func TestFetchSenderLookupFailureDegradesToUnknown(t *testing.T) {
	d, _ := newTestDeps()
	d.Mailbox = &fakeMailbox{
		ids:    []string{"e1"},
		emails: []digest.EmailItem{emailWith("e1", "a@x.com", "subject", "body")},
	}
	d.Senders = &failingSenderStore{}

	state, err := runFetch(t, d, &digest.RunState{Mode: digest.ModeWeekly})
	require.NoError(t, err, "a sender-store outage must not fail the fetch")
	assert.Equal(t, []string{"e1"}, state.UnknownIDs)
}

type failingSenderStore struct{}

func (s *failingSenderStore) Lookup(ctx context.Context, senderEmail string) (*store.SenderRecord, error) {
	return nil, errors.New("dynamo throttled")
}

func (s *failingSenderStore) Upsert(ctx context.Context, rec store.SenderRecord) error {
	return errors.New("dynamo throttled")
}

func (s *failingSenderStore) Remove(ctx context.Context, senderEmail string) error {
	return errors.New("dynamo throttled")
}
