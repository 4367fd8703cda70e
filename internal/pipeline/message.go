// Package pipeline implements the seven-stage digest state machine: the
// message envelope handed between stages, error classification, payload
// offloading, checkpoints, and the orchestrator that drives a run.
package pipeline

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Stage identifies one step of the pipeline.
type Stage string

const (
	StageFetch    Stage = "fetch"
	StageClassify Stage = "classify"
	StageExtract  Stage = "extract"
	StageResearch Stage = "research"
	StageAnalyze  Stage = "analyze"
	StageCritique Stage = "critique"
	StageSend     Stage = "send"

	// StageError is the terminal branch for non-retryable failures.
	StageError Stage = "error_handler"
)

// StageOrder is the canonical stage sequence. previous_stages in any
// message is always a prefix of it.
var StageOrder = []Stage{
	StageFetch, StageClassify, StageExtract, StageResearch,
	StageAnalyze, StageCritique, StageSend,
}

// Next returns the stage after s in the canonical order, or "" for the last.
func (s Stage) Next() Stage {
	for i, st := range StageOrder {
		if st == s && i+1 < len(StageOrder) {
			return StageOrder[i+1]
		}
	}
	return ""
}

// PayloadKind discriminates inline payloads from offloaded ones.
type PayloadKind string

const (
	PayloadInline PayloadKind = "inline"
	PayloadS3     PayloadKind = "s3"
)

// PayloadReference either carries the payload bytes inline or points at a
// blob-store key holding them. Producers offload anything above the
// configured threshold so the envelope itself stays queue-sized.
type PayloadReference struct {
	Kind      PayloadKind     `json:"kind"`
	Data      json.RawMessage `json:"data,omitempty"`
	Key       string          `json:"key,omitempty"`
	SizeBytes int             `json:"size_bytes"`
}

// StageTransition records one completed stage for the envelope history.
type StageTransition struct {
	Stage      Stage `json:"stage"`
	StartedMs  int64 `json:"started_ms"`
	DurationMs int64 `json:"duration_ms"`
	Success    bool  `json:"success"`
}

// Metadata carries run counters and the stage history across the envelope.
type Metadata struct {
	EmailCount     int               `json:"emailCount"`
	ProcessedCount int               `json:"processedCount"`
	SkippedCount   int               `json:"skippedCount"`
	ErrorCount     int               `json:"errorCount"`
	CostSoFar      float64           `json:"cost_so_far"`
	StartTime      time.Time         `json:"start_time"`
	StageStartTime time.Time         `json:"current_stage_start_time"`
	PreviousStages []StageTransition `json:"previous_stages"`
}

// Message is the envelope handed between stages.
type Message struct {
	CorrelationID string           `json:"correlation_id"`
	BatchID       string           `json:"batch_id"`
	Stage         Stage            `json:"stage"`
	TimestampMs   int64            `json:"timestamp_ms"`
	Payload       PayloadReference `json:"payload"`
	Metadata      Metadata         `json:"metadata"`
	Error         *PipelineError   `json:"error,omitempty"`
}

// NewMessage creates the first envelope of a sub-batch, entering the fetch stage.
func NewMessage(batchID string) *Message {
	now := time.Now().UTC()
	if batchID == "" {
		batchID = uuid.NewString()
	}
	return &Message{
		CorrelationID: uuid.NewString(),
		BatchID:       batchID,
		Stage:         StageFetch,
		TimestampMs:   now.UnixMilli(),
		Metadata: Metadata{
			StartTime:      now,
			StageStartTime: now,
			PreviousStages: []StageTransition{},
		},
	}
}

// FromPrevious builds the envelope for the next stage, appending the finished
// stage's runtime to the history. The payload is set separately by the
// orchestrator once the handler output has been sized.
func FromPrevious(prev *Message, next Stage) *Message {
	now := time.Now().UTC()
	history := make([]StageTransition, len(prev.Metadata.PreviousStages), len(prev.Metadata.PreviousStages)+1)
	copy(history, prev.Metadata.PreviousStages)
	history = append(history, StageTransition{
		Stage:      prev.Stage,
		StartedMs:  prev.Metadata.StageStartTime.UnixMilli(),
		DurationMs: now.Sub(prev.Metadata.StageStartTime).Milliseconds(),
		Success:    true,
	})

	meta := prev.Metadata
	meta.StageStartTime = now
	meta.PreviousStages = history

	return &Message{
		CorrelationID: prev.CorrelationID,
		BatchID:       prev.BatchID,
		Stage:         next,
		TimestampMs:   now.UnixMilli(),
		Metadata:      meta,
	}
}

// StageSequence returns the stages completed so far, in order.
func (m *Message) StageSequence() []Stage {
	out := make([]Stage, 0, len(m.Metadata.PreviousStages))
	for _, t := range m.Metadata.PreviousStages {
		out = append(out, t.Stage)
	}
	return out
}
