package stages

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/inbox-digest/internal/breaker"
	"github.com/ignite/inbox-digest/internal/config"
	"github.com/ignite/inbox-digest/internal/cost"
	"github.com/ignite/inbox-digest/internal/digest"
	"github.com/ignite/inbox-digest/internal/llm"
	"github.com/ignite/inbox-digest/internal/store"
)

// testNow is the frozen clock for stage tests.
var testNow = time.Date(2025, 6, 6, 12, 0, 0, 0, time.UTC)

type fakeMailbox struct {
	mu        sync.Mutex
	ids       []string
	emails    []digest.EmailItem
	listErr   error
	fetchErr  error
	archived  [][]string
	lastQuery string
	lastLimit int
}

func (m *fakeMailbox) ListMessageIDs(ctx context.Context, query string, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastQuery = query
	m.lastLimit = limit
	return m.ids, m.listErr
}

func (m *fakeMailbox) FetchMessages(ctx context.Context, ids []string) ([]digest.EmailItem, error) {
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return m.emails, nil
}

func (m *fakeMailbox) Archive(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archived = append(m.archived, ids)
	return nil
}

// fakeLLM routes every ChatJSON call through fn and counts calls.
type fakeLLM struct {
	calls int32
	fn    func(tier llm.Tier, system, user string) (json.RawMessage, error)
}

func (f *fakeLLM) ChatJSON(ctx context.Context, tier llm.Tier, system, user string, maxTokens int) (json.RawMessage, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.fn(tier, system, user)
}

type fakeExtractor struct {
	mu       sync.Mutex
	articles map[string]string
	err      error
	calls    []string
}

func (f *fakeExtractor) Extract(ctx context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	if f.err != nil {
		return "", f.err
	}
	return f.articles[url], nil
}

type fakeSearcher struct {
	results []digest.ResearchResult
	err     error
	calls   int32
	queries []string
}

func (f *fakeSearcher) Search(ctx context.Context, query string, count int) ([]digest.ResearchResult, error) {
	atomic.AddInt32(&f.calls, 1)
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.results) > count {
		return f.results[:count], nil
	}
	return f.results, nil
}

type fakeFeeds struct {
	results []digest.ResearchResult
}

func (f *fakeFeeds) Lookup(ctx context.Context, subject string, max int) []digest.ResearchResult {
	if len(f.results) > max {
		return f.results[:max]
	}
	return f.results
}

type fakeDigestMailer struct {
	mu         sync.Mutex
	sent       []digest.DigestOutput
	recipients []string
	err        error
	from       string
}

func (f *fakeDigestMailer) SendDigest(ctx context.Context, out digest.DigestOutput, recipient string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, out)
	f.recipients = append(f.recipients, recipient)
	return nil
}

func (f *fakeDigestMailer) FromEmail() string {
	if f.from != "" {
		return f.from
	}
	return "digest@example.com"
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		ProcessedTTLDays:    90,
		ArchiveAfterDays:    2,
		StoreBatchSize:      25,
		CleanupBatchSize:    50,
		MaxEmailsPerRun:     100,
		MaxURLsPerEmail:     5,
		MaxArticleLength:    2000,
		SenderDecayPerDay:   0.5,
		KnownConfidence:     50,
		PersistConfidence:   70,
		ClassifyConcurrency: 3,
		ExtractConcurrency:  5,
		HistoricalMaxDays:   90,
	}
}

func generousLimits() cost.Limits {
	return cost.Limits{
		MaxCostPerRun:     100,
		MaxOpenAICalls:    1000,
		MaxFirecrawlCalls: 1000,
		MaxBraveSearches:  1000,
	}
}

// newTestDeps wires a Deps with in-memory stores, closed breakers, and a
// frozen clock. Tests swap individual collaborators afterward.
func newTestDeps() (*Deps, *store.MemoryStore) {
	mem := store.NewMemoryStore(90 * 24 * time.Hour)
	return &Deps{
		Pipeline:        testPipelineConfig(),
		Research:        config.ResearchConfig{MaxResultsPerEmail: 3},
		OpenAIBatchSize: 10,
		FetchLimit:      200,
		Mailbox:         &fakeMailbox{},
		Extractor:       &fakeExtractor{},
		Searcher:        &fakeSearcher{},
		Feeds:           &fakeFeeds{},
		Mailer:          &fakeDigestMailer{},
		Processed:       mem,
		Senders:         mem,
		Tokens:          mem,
		Cost:            cost.NewTracker(generousLimits()),
		Breakers: breaker.NewRegistry(breaker.Options{
			FailureThreshold:    5,
			ResetTimeout:        time.Minute,
			HalfOpenMaxAttempts: 1,
		}),
		Now: func() time.Time { return testNow },
	}, mem
}

func emailWith(id, senderEmail, subject, body string) digest.EmailItem {
	return digest.EmailItem{
		ID:          id,
		Sender:      senderEmail,
		SenderEmail: senderEmail,
		Subject:     subject,
		Snippet:     body,
		Body:        body,
		Date:        testNow.Add(-72 * time.Hour),
	}
}
