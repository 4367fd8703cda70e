// Package stages implements the seven pipeline stage handlers. Each handler
// is a pure transformation of the run state; all persistence and external
// I/O goes through the collaborators injected in Deps, and every outbound
// call passes the cost tracker and the service's circuit breaker.
package stages

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/ignite/inbox-digest/internal/breaker"
	"github.com/ignite/inbox-digest/internal/config"
	"github.com/ignite/inbox-digest/internal/cost"
	"github.com/ignite/inbox-digest/internal/digest"
	"github.com/ignite/inbox-digest/internal/llm"
	"github.com/ignite/inbox-digest/internal/pipeline"
	"github.com/ignite/inbox-digest/internal/store"
)

// Mailbox is the slice of the Gmail client the stages need.
type Mailbox interface {
	ListMessageIDs(ctx context.Context, query string, limit int) ([]string, error)
	FetchMessages(ctx context.Context, ids []string) ([]digest.EmailItem, error)
	Archive(ctx context.Context, ids []string) error
}

// Extractor turns a URL into main article text.
type Extractor interface {
	Extract(ctx context.Context, url string) (string, error)
}

// Searcher runs a web query and returns ranked results.
type Searcher interface {
	Search(ctx context.Context, query string, count int) ([]digest.ResearchResult, error)
}

// FeedLookup is the zero-cost research source consulted before paid search.
type FeedLookup interface {
	Lookup(ctx context.Context, subject string, max int) []digest.ResearchResult
}

// DigestMailer delivers the rendered digest.
type DigestMailer interface {
	SendDigest(ctx context.Context, out digest.DigestOutput, recipient string) error
	// FromEmail is the digest's own address, excluded from sender
	// populations by the self-reference guard.
	FromEmail() string
}

// AuthChecker reports whether an error from the mailbox means revoked
// credentials rather than a transient failure.
type AuthChecker func(error) bool

// Deps bundles the collaborators shared by all stage handlers.
type Deps struct {
	Pipeline config.PipelineConfig
	Research config.ResearchConfig

	// OpenAIBatchSize bounds classification sub-group size together with
	// the hard cap of 50.
	OpenAIBatchSize int
	// FetchLimit caps cleanup-mode listing (weekly and historical runs use
	// Pipeline.MaxEmailsPerRun).
	FetchLimit int

	Mailbox   Mailbox
	LLM       llm.Client
	Extractor Extractor
	Searcher  Searcher
	Feeds     FeedLookup
	Mailer    DigestMailer

	Processed store.ProcessedStore
	Senders   store.SenderStore
	Tokens    store.TokenStore

	Cost     *cost.Tracker
	Breakers *breaker.Registry

	IsAuthError      AuthChecker
	IsRateLimitError AuthChecker

	// Now is stubbed in tests.
	Now func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

// Handlers returns the seven stage handlers in canonical order.
func Handlers(d *Deps) []pipeline.Handler {
	return []pipeline.Handler{
		&FetchHandler{d},
		&ClassifyHandler{d},
		&ExtractHandler{d},
		&ResearchHandler{d},
		&AnalyzeHandler{d},
		&CritiqueHandler{d},
		&SendHandler{d},
	}
}

// errBudget marks a call the tracker refused; callers decide whether that
// drops an item, skips a stage, or aborts the sub-batch.
var errBudget = errors.New("call refused by cost tracker")

// guarded runs one external call through the budget check and the service's
// circuit breaker, recording its cost on success.
func (d *Deps) guarded(service, operation string, fn func() error) error {
	price := cost.PriceOf(service, operation)
	if !d.Cost.WithinCallLimit(service) || !d.Cost.CanAfford(price) {
		return errBudget
	}

	_, err := d.Breakers.Execute(service, func() (interface{}, error) {
		return nil, fn()
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			return pipeline.WrapError(pipeline.ErrCircuitOpen, "", err, service+" circuit open")
		}
		return err
	}

	d.Cost.RecordAPICall(service, operation)
	return nil
}

// truncateRunes shortens s to at most max bytes without splitting a
// multi-byte UTF-8 sequence.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// sleepCtx pauses for d unless the context is canceled first.
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
