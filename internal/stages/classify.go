package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ignite/inbox-digest/internal/digest"
	"github.com/ignite/inbox-digest/internal/llm"
	"github.com/ignite/inbox-digest/internal/pipeline"
	"github.com/ignite/inbox-digest/internal/pkg/logger"
	"github.com/ignite/inbox-digest/internal/store"
)

// classifyChunkCap bounds one classification prompt regardless of the
// configured OpenAI batch size.
const classifyChunkCap = 50

const classifySystemStrict = `You classify emails for an AI-news digest. Respond with a JSON object keyed by email id, each value {"classification":"AI"|"NON_AI","confidence":0-100,"reasoning":"one sentence"}.
Be STRICT: classify AI only when the email is specifically about artificial intelligence, machine learning, AI tools or companies, or directly AI-adjacent research. General tech news, programming tutorials, and hardware unrelated to AI are NON_AI.`

const classifySystemInclusive = `You classify emails for an AI-news digest. Respond with a JSON object keyed by email id, each value {"classification":"AI"|"NON_AI","confidence":0-100,"reasoning":"one sentence"}.
Classify AI when the email meaningfully covers artificial intelligence, machine learning, AI tools or companies, or AI-adjacent research, even as part of broader tech coverage.`

type classification struct {
	Classification string  `json:"classification"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning"`
}

// ClassifyHandler sends unknown senders to the model in concurrent
// sub-groups and persists confident verdicts to the sender store.
type ClassifyHandler struct {
	deps *Deps
}

func (h *ClassifyHandler) Stage() pipeline.Stage { return pipeline.StageClassify }

func (h *ClassifyHandler) Run(ctx context.Context, msg *pipeline.Message, state *digest.RunState) (*digest.RunState, error) {
	d := h.deps

	state.AIEmailIDs = append([]string{}, state.KnownAIIDs...)
	if len(state.UnknownIDs) == 0 {
		return state, nil
	}

	unknown := make([]digest.EmailItem, 0, len(state.UnknownIDs))
	for _, id := range state.UnknownIDs {
		if e := state.EmailByID(id); e != nil {
			unknown = append(unknown, *e)
		}
	}

	chunkSize := d.OpenAIBatchSize * 2
	if chunkSize <= 0 || chunkSize > classifyChunkCap {
		chunkSize = classifyChunkCap
	}

	var chunks [][]digest.EmailItem
	for start := 0; start < len(unknown); start += chunkSize {
		end := start + chunkSize
		if end > len(unknown) {
			end = len(unknown)
		}
		chunks = append(chunks, unknown[start:end])
	}

	var (
		mu       sync.Mutex
		verdicts = make(map[string]classification)
		openErr  error
		budgeted bool
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(d.Pipeline.ClassifyConcurrency)
	stagger := time.Duration(d.Pipeline.ClassifyStaggerMs) * time.Millisecond

	for i, chunk := range chunks {
		i, chunk := i, chunk
		group.Go(func() error {
			if err := sleepCtx(groupCtx, stagger*time.Duration(i)); err != nil {
				return err
			}
			result, err := h.classifyChunk(groupCtx, state.Mode, chunk)
			if err != nil {
				mu.Lock()
				defer mu.Unlock()
				switch {
				case errors.Is(err, errBudget):
					budgeted = true
				case pipeline.CodeOf(err) == pipeline.ErrCircuitOpen:
					openErr = err
				default:
					log.Printf("[Classify] chunk %d dropped: %v", i, err)
					state.DroppedCount += len(chunk)
				}
				return nil // one bad chunk never kills the others
			}
			mu.Lock()
			for id, v := range result {
				verdicts[id] = v
			}
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, pipeline.Classify(pipeline.StageClassify, err)
	}
	if len(verdicts) == 0 && openErr != nil {
		// Nothing classified and the breaker is open: retryable.
		return nil, openErr
	}
	if budgeted {
		log.Printf("[Classify] budget exhausted; unclassified unknowns dropped")
	}

	h.persistAndSelect(ctx, state, unknown, verdicts)
	return state, nil
}

// classifyChunk runs one prompt over a sub-group, retrying invalid JSON once.
func (h *ClassifyHandler) classifyChunk(ctx context.Context, mode digest.Mode, chunk []digest.EmailItem) (map[string]classification, error) {
	d := h.deps
	system := classifySystemStrict
	if mode == digest.ModeCleanup {
		system = classifySystemInclusive
	}
	user := buildClassifyPrompt(chunk)

	var verdicts map[string]classification
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		err := d.guarded("openai", "classify", func() error {
			raw, err := d.LLM.ChatJSON(ctx, llm.TierMini, system, user, 2048)
			if err != nil {
				return err
			}
			return json.Unmarshal(raw, &verdicts)
		})
		if err == nil {
			return verdicts, nil
		}
		lastErr = err
		if !errors.Is(err, llm.ErrInvalidResponse) {
			break
		}
	}
	return nil, lastErr
}

func buildClassifyPrompt(chunk []digest.EmailItem) string {
	var b strings.Builder
	b.WriteString("Classify these emails:\n")
	for _, e := range chunk {
		snippet := truncateRunes(e.Snippet, 200)
		fmt.Fprintf(&b, "\nid: %s\nsender: %s\nsubject: %s\nsnippet: %s\n", e.ID, e.Sender, e.Subject, snippet)
	}
	return b.String()
}

// persistAndSelect upserts confident verdicts into the sender store and
// extends AIEmailIDs with the unknowns that classified AI.
func (h *ClassifyHandler) persistAndSelect(ctx context.Context, state *digest.RunState, unknown []digest.EmailItem, verdicts map[string]classification) {
	d := h.deps
	threshold := float64(d.Pipeline.PersistConfidence)
	selfEmail := ""
	if d.Mailer != nil {
		selfEmail = store.NormalizeEmail(d.Mailer.FromEmail())
	}

	for _, e := range unknown {
		v, ok := verdicts[e.ID]
		if !ok {
			continue
		}
		isAI := strings.EqualFold(v.Classification, string(store.ClassAI))
		if isAI && v.Confidence >= threshold {
			state.AIEmailIDs = append(state.AIEmailIDs, e.ID)
		}

		if v.Confidence < threshold {
			continue
		}
		sender := store.NormalizeEmail(e.SenderEmail)
		if sender == "" || sender == selfEmail {
			continue
		}

		confidence := v.Confidence
		class := store.ClassNonAI
		count := 1
		if isAI {
			class = store.ClassAI
			// Repeat AI classifications nudge confidence up.
			if prev, err := d.Senders.Lookup(ctx, sender); err == nil && prev != nil && prev.Classification == store.ClassAI {
				confidence = prev.Confidence + 5
				if confidence > 100 {
					confidence = 100
				}
				count = prev.ClassificationCount + 1
			}
		}

		rec := store.SenderRecord{
			SenderEmail:         sender,
			Domain:              store.DomainOf(sender),
			Classification:      class,
			Confidence:          confidence,
			LastClassifiedAt:    d.now().UnixMilli(),
			ClassificationCount: count,
			DisplayName:         e.SenderName,
		}
		if err := d.Senders.Upsert(ctx, rec); err != nil {
			logger.Warn("sender upsert failed", "sender", sender, "error", err)
		}
	}
}
