package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore implements all four store interfaces in memory. Used in tests
// and as the fallback when no storage backend is configured.
type MemoryStore struct {
	mu        sync.RWMutex
	processed map[string]ProcessedRecord
	senders   map[string]SenderRecord
	blobs     map[string][]byte
	tokens    map[string]TokenRecord
	ttl       time.Duration
}

func NewMemoryStore(processedTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		processed: make(map[string]ProcessedRecord),
		senders:   make(map[string]SenderRecord),
		blobs:     make(map[string][]byte),
		tokens:    make(map[string]TokenRecord),
		ttl:       processedTTL,
	}
}

// --- ProcessedStore ---

func (s *MemoryStore) IsProcessed(ctx context.Context, emailID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.processed[emailID]
	return ok, nil
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, records []ProcessedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		if rec.TTL == 0 {
			rec.TTL = time.Now().Add(s.ttl).Unix()
		}
		s.processed[rec.EmailID] = rec
	}
	return nil
}

func (s *MemoryStore) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, rec := range s.processed {
		if rec.ProcessedAt.Before(cutoff) {
			delete(s.processed, id)
			removed++
		}
	}
	return removed, nil
}

// --- SenderStore ---

func (s *MemoryStore) Lookup(ctx context.Context, senderEmail string) (*SenderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.senders[NormalizeEmail(senderEmail)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, rec SenderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.SenderEmail = NormalizeEmail(rec.SenderEmail)
	if rec.Domain == "" {
		rec.Domain = DomainOf(rec.SenderEmail)
	}
	s.senders[rec.SenderEmail] = rec
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, senderEmail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.senders, NormalizeEmail(senderEmail))
	return nil
}

// --- BlobStore ---

func (s *MemoryStore) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.blobs[key] = buf
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("blob not found: %s", key)
	}
	return data, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

// --- TokenStore ---

func (s *MemoryStore) GetToken(ctx context.Context, userID string) (*TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tokens[userID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) SaveToken(ctx context.Context, rec TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.tokens[rec.UserID] = rec
	return nil
}

func (s *MemoryStore) TouchLastUsed(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tokens[userID]
	if !ok {
		return nil
	}
	rec.LastUsedAt = time.Now().UTC()
	s.tokens[userID] = rec
	return nil
}
