package pipeline

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/ignite/inbox-digest/internal/digest"
)

// ExecutionStatus is the lifecycle of one RunDigest execution.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "RUNNING"
	StatusSucceeded ExecutionStatus = "SUCCEEDED"
	StatusFailed    ExecutionStatus = "FAILED"
	StatusAborted   ExecutionStatus = "ABORTED"
	StatusTimedOut  ExecutionStatus = "TIMED_OUT"
)

// ExecutionRecord is one row of run history, served by the execution API.
type ExecutionRecord struct {
	ID        string          `json:"executionArn"`
	Name      string          `json:"name"`
	Mode      digest.Mode     `json:"mode"`
	Status    ExecutionStatus `json:"status"`
	StartDate time.Time       `json:"startDate"`
	StopDate  *time.Time      `json:"stopDate,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Cause     string          `json:"cause,omitempty"`
}

// ExecutionStore records every run for /execution/{id} and /history.
type ExecutionStore interface {
	Create(ctx context.Context, rec ExecutionRecord) error
	Finish(ctx context.Context, id string, status ExecutionStatus, output json.RawMessage, errMsg, cause string) error
	Get(ctx context.Context, id string) (*ExecutionRecord, error)
	Recent(ctx context.Context, limit int) ([]ExecutionRecord, error)
}

// MemoryExecutionStore is the fallback when no database is configured.
type MemoryExecutionStore struct {
	mu      sync.Mutex
	records map[string]ExecutionRecord
}

func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{records: make(map[string]ExecutionRecord)}
}

func (s *MemoryExecutionStore) Create(ctx context.Context, rec ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return nil
}

func (s *MemoryExecutionStore) Finish(ctx context.Context, id string, status ExecutionStatus, output json.RawMessage, errMsg, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	rec.Status = status
	rec.StopDate = &now
	rec.Output = output
	rec.Error = errMsg
	rec.Cause = cause
	s.records[id] = rec
	return nil
}

func (s *MemoryExecutionStore) Get(ctx context.Context, id string) (*ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryExecutionStore) Recent(ctx context.Context, limit int) ([]ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ExecutionRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.After(out[j].StartDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
