package stages

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ignite/inbox-digest/internal/digest"
	"github.com/ignite/inbox-digest/internal/pipeline"
	"github.com/ignite/inbox-digest/internal/pkg/logger"
	"github.com/ignite/inbox-digest/internal/store"
)

// SendHandler renders and delivers the digest, then — only after a
// successful delivery — marks the contributing emails processed, enriches
// the sender store, and archives. A failed delivery leaves every email
// unmarked so the next run retries it.
type SendHandler struct {
	deps *Deps
}

func (h *SendHandler) Stage() pipeline.Stage { return pipeline.StageSend }

func (h *SendHandler) Run(ctx context.Context, msg *pipeline.Message, state *digest.RunState) (*digest.RunState, error) {
	d := h.deps

	out := h.buildOutput(state)
	state.Output = &out
	if len(out.Summaries) == 0 {
		log.Printf("[Send] nothing to deliver")
		return state, nil
	}

	err := d.guarded("resend", "send", func() error {
		return d.Mailer.SendDigest(ctx, out, state.Recipient)
	})
	if err != nil {
		return nil, pipeline.WrapError(pipeline.ErrDeliveryFailed, pipeline.StageSend, err, "digest delivery failed")
	}
	state.Delivered = true

	// Everything past delivery is enrichment and bookkeeping; failures are
	// surfaced but the digest has already reached the recipient.
	h.enrichSenders(ctx, state)

	if err := h.markProcessed(ctx, state); err != nil {
		return nil, pipeline.WrapError(pipeline.ErrTransientNetwork, pipeline.StageSend, err, "marking processed")
	}

	h.archive(ctx, state)
	h.cleanup(ctx)

	return state, nil
}

func (h *SendHandler) buildOutput(state *digest.RunState) digest.DigestOutput {
	d := h.deps
	out := digest.DigestOutput{
		Summaries: state.Summaries,
		Mode:      state.Mode,
		Timestamp: d.now(),
		Stats: digest.Stats{
			TotalEmails:     len(state.Emails) + state.SkippedCount,
			AIEmails:        len(state.AIEmailIDs),
			ProcessedEmails: len(state.Summaries),
			TotalCost:       d.Cost.TotalCost(),
		},
	}
	if n := len(state.Summaries); n > 0 {
		out.ShortMessage = fmt.Sprintf("%d AI stories pulled from %d emails.", n, out.Stats.TotalEmails)
	}
	return out
}

// enrichSenders feeds every contributing sender back into the AI population
// so future runs skip classification for them.
func (h *SendHandler) enrichSenders(ctx context.Context, state *digest.RunState) {
	d := h.deps
	selfEmail := store.NormalizeEmail(d.Mailer.FromEmail())
	now := d.now().UnixMilli()

	seen := make(map[string]bool)
	for _, s := range state.Summaries {
		e := state.EmailByID(s.EmailID)
		if e == nil {
			continue
		}
		sender := store.NormalizeEmail(e.SenderEmail)
		if sender == "" || sender == selfEmail || seen[sender] {
			continue
		}
		seen[sender] = true

		confidence := 85.0
		count := 1
		if prev, err := d.Senders.Lookup(ctx, sender); err == nil && prev != nil && prev.Classification == store.ClassAI {
			confidence = prev.Confidence + 5
			if confidence > 100 {
				confidence = 100
			}
			count = prev.ClassificationCount + 1
		}
		rec := store.SenderRecord{
			SenderEmail:         sender,
			Domain:              store.DomainOf(sender),
			Classification:      store.ClassAI,
			Confidence:          confidence,
			LastClassifiedAt:    now,
			ClassificationCount: count,
			DisplayName:         e.SenderName,
		}
		if err := d.Senders.Upsert(ctx, rec); err != nil {
			logger.Warn("sender enrichment failed", "sender", sender, "error", err)
		}
	}
}

// markProcessed writes ProcessedRecords in store-sized batches.
func (h *SendHandler) markProcessed(ctx context.Context, state *digest.RunState) error {
	d := h.deps
	now := d.now()
	ttl := now.Add(time.Duration(d.Pipeline.ProcessedTTLDays) * 24 * time.Hour).Unix()

	var records []store.ProcessedRecord
	for _, s := range state.Summaries {
		e := state.EmailByID(s.EmailID)
		if e == nil {
			continue
		}
		records = append(records, store.ProcessedRecord{
			EmailID:     e.ID,
			Subject:     e.Subject,
			ProcessedAt: now,
			TimestampMs: now.UnixMilli(),
			TTL:         ttl,
		})
		state.ProcessedIDs = append(state.ProcessedIDs, e.ID)
	}

	batch := d.Pipeline.StoreBatchSize
	if batch <= 0 {
		batch = 25
	}
	for start := 0; start < len(records); start += batch {
		end := start + batch
		if end > len(records) {
			end = len(records)
		}
		if err := d.Processed.MarkProcessed(ctx, records[start:end]); err != nil {
			return err
		}
	}
	log.Printf("[Send] marked %d emails processed", len(records))
	return nil
}

// archive removes every delivered email from the inbox; archive failures
// never fail the run.
func (h *SendHandler) archive(ctx context.Context, state *digest.RunState) {
	d := h.deps
	if len(state.ProcessedIDs) == 0 {
		return
	}
	err := d.guarded("gmail", "archive", func() error {
		return d.Mailbox.Archive(ctx, state.ProcessedIDs)
	})
	if err != nil {
		log.Printf("[Send] archive failed (non-critical): %v", err)
	}
}

// cleanup expires old ProcessedRecords; best-effort.
func (h *SendHandler) cleanup(ctx context.Context) {
	d := h.deps
	cutoff := d.now().AddDate(0, 0, -d.Pipeline.ProcessedTTLDays)
	if n, err := d.Processed.CleanupOlderThan(ctx, cutoff); err != nil {
		log.Printf("[Send] processed-store cleanup failed: %v", err)
	} else if n > 0 {
		log.Printf("[Send] cleaned up %d expired processed records", n)
	}
}
