package stages

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/ignite/inbox-digest/internal/digest"
	"github.com/ignite/inbox-digest/internal/mailbox"
	"github.com/ignite/inbox-digest/internal/pipeline"
	"github.com/ignite/inbox-digest/internal/pkg/logger"
	"github.com/ignite/inbox-digest/internal/store"
)

// FetchHandler reads candidate emails from the mailbox, drops the already
// processed ones, and splits senders into known-AI, known-non-AI, and
// unknown populations.
type FetchHandler struct {
	deps *Deps
}

func (h *FetchHandler) Stage() pipeline.Stage { return pipeline.StageFetch }

func (h *FetchHandler) Run(ctx context.Context, msg *pipeline.Message, state *digest.RunState) (*digest.RunState, error) {
	d := h.deps

	if state.Mode == digest.ModeHistorical {
		if err := state.Window.Validate(d.now(), d.Pipeline.HistoricalMaxDays); err != nil {
			return nil, pipeline.WrapError(pipeline.ErrValidation, pipeline.StageFetch, err, "invalid historical window")
		}
	}

	query := mailbox.BuildQuery(state.Mode, state.Window)
	limit := d.Pipeline.MaxEmailsPerRun
	if state.Mode == digest.ModeCleanup {
		limit = d.FetchLimit
	}

	var ids []string
	err := d.guarded("gmail", "list", func() error {
		var listErr error
		ids, listErr = d.Mailbox.ListMessageIDs(ctx, query, limit)
		return listErr
	})
	if err != nil {
		return nil, h.classifyMailboxError(err, "listing mailbox")
	}

	var emails []digest.EmailItem
	err = d.guarded("gmail", "get", func() error {
		var fetchErr error
		emails, fetchErr = d.Mailbox.FetchMessages(ctx, ids)
		return fetchErr
	})
	if err != nil {
		return nil, h.classifyMailboxError(err, "fetching messages")
	}

	if d.Tokens != nil {
		if err := d.Tokens.TouchLastUsed(ctx, store.DefaultTokenUser); err != nil {
			log.Printf("[Fetch] token touch failed: %v", err)
		}
	}

	// Idempotence: drop anything a past run already delivered.
	candidates := emails[:0]
	for _, e := range emails {
		done, err := d.Processed.IsProcessed(ctx, e.ID)
		if err != nil {
			return nil, pipeline.WrapError(pipeline.ErrTransientNetwork, pipeline.StageFetch, err, "checking processed store")
		}
		if done {
			state.SkippedCount++
			continue
		}
		candidates = append(candidates, e)
	}
	state.Emails = candidates

	h.categorizeSenders(ctx, state)

	log.Printf("[Fetch] mode=%s found=%d skipped_processed=%d known_ai=%d known_non_ai=%d unknown=%d",
		state.Mode, len(state.Emails), state.SkippedCount, len(state.KnownAIIDs), state.KnownNonAI, len(state.UnknownIDs))
	return state, nil
}

// categorizeSenders routes each candidate by sender reputation, applying
// read-time confidence decay. Lookup failures degrade to "unknown" so a
// store outage costs classification calls, not emails.
func (h *FetchHandler) categorizeSenders(ctx context.Context, state *digest.RunState) {
	d := h.deps
	now := d.now()
	threshold := float64(d.Pipeline.KnownConfidence)

	kept := state.Emails[:0]
	for _, e := range state.Emails {
		rec, err := d.Senders.Lookup(ctx, e.SenderEmail)
		if err != nil {
			logger.Warn("sender lookup failed", "sender", store.NormalizeEmail(e.SenderEmail), "error", err)
			rec = nil
		}

		switch {
		case rec != nil && rec.Classification == store.ClassAI && rec.IsKnown(now, d.Pipeline.SenderDecayPerDay, threshold):
			state.KnownAIIDs = append(state.KnownAIIDs, e.ID)
		case rec != nil && rec.Classification == store.ClassNonAI && rec.IsKnown(now, d.Pipeline.SenderDecayPerDay, threshold):
			state.KnownNonAI++
			continue // discard silently
		default:
			state.UnknownIDs = append(state.UnknownIDs, e.ID)
		}
		kept = append(kept, e)
	}
	state.Emails = kept
}

func (h *FetchHandler) classifyMailboxError(err error, action string) error {
	if errors.Is(err, errBudget) {
		return pipeline.NewError(pipeline.ErrBudgetExceeded, pipeline.StageFetch, "%s refused by budget", action)
	}
	var pe *pipeline.PipelineError
	if errors.As(err, &pe) {
		return pe
	}
	if h.deps.IsAuthError != nil && h.deps.IsAuthError(err) {
		return pipeline.WrapError(pipeline.ErrAuthInvalid, pipeline.StageFetch, err, "mailbox authorization rejected")
	}
	if h.deps.IsRateLimitError != nil && h.deps.IsRateLimitError(err) {
		return pipeline.WrapError(pipeline.ErrRateLimited, pipeline.StageFetch, err, fmt.Sprintf("%s rate limited", action))
	}
	return pipeline.WrapError(pipeline.ErrTransientNetwork, pipeline.StageFetch, err, action+" failed")
}
