package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Checkpoint TTLs: stage checkpoints outlive cost/circuit snapshots.
const (
	checkpointTTL = 48 * time.Hour
	snapshotTTL   = 24 * time.Hour
)

// Checkpoint records the last completed stage of a run, read back by the
// execution API while a run is in flight.
type Checkpoint struct {
	CorrelationID string    `json:"correlation_id"`
	Stage         Stage     `json:"stage"`
	At            time.Time `json:"at"`
	Metadata      Metadata  `json:"metadata"`
}

// CheckpointStore persists per-run recovery state: stage checkpoints plus
// named snapshots (cost, circuit) with shorter retention.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	GetCheckpoint(ctx context.Context, correlationID string) (*Checkpoint, error)
	SaveSnapshot(ctx context.Context, correlationID, stateType string, data interface{}) error
}

// RedisCheckpointStore keeps pipeline_state in Redis with native TTLs.
type RedisCheckpointStore struct {
	client *redis.Client
}

func NewRedisCheckpointStore(client *redis.Client) *RedisCheckpointStore {
	return &RedisCheckpointStore{client: client}
}

func stateKey(correlationID, stateType string) string {
	return fmt.Sprintf("pipeline_state:%s:%s", correlationID, stateType)
}

func (s *RedisCheckpointStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, stateKey(cp.CorrelationID, "checkpoint"), raw, checkpointTTL).Err()
}

func (s *RedisCheckpointStore) GetCheckpoint(ctx context.Context, correlationID string) (*Checkpoint, error) {
	raw, err := s.client.Get(ctx, stateKey(correlationID, "checkpoint")).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *RedisCheckpointStore) SaveSnapshot(ctx context.Context, correlationID, stateType string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, stateKey(correlationID, stateType), raw, snapshotTTL).Err()
}

// MemoryCheckpointStore is the in-process fallback when Redis is not
// configured. Entries expire lazily on read.
type MemoryCheckpointStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	data    []byte
	expires time.Time
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryCheckpointStore) set(key string, data []byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{data: data, expires: time.Now().Add(ttl)}
}

func (s *MemoryCheckpointStore) get(key string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil
	}
	if time.Now().After(entry.expires) {
		delete(s.entries, key)
		return nil
	}
	return entry.data
}

func (s *MemoryCheckpointStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	s.set(stateKey(cp.CorrelationID, "checkpoint"), raw, checkpointTTL)
	return nil
}

func (s *MemoryCheckpointStore) GetCheckpoint(ctx context.Context, correlationID string) (*Checkpoint, error) {
	raw := s.get(stateKey(correlationID, "checkpoint"))
	if raw == nil {
		return nil, nil
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *MemoryCheckpointStore) SaveSnapshot(ctx context.Context, correlationID, stateType string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s.set(stateKey(correlationID, stateType), raw, snapshotTTL)
	return nil
}
