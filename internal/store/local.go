package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LocalStore implements all four store interfaces on the local filesystem.
// One record per JSON file; good enough for a single-host deployment and
// for running the whole pipeline without AWS.
type LocalStore struct {
	root string
	mu   sync.RWMutex
	ttl  time.Duration
}

// NewLocalStore creates the directory layout under root.
func NewLocalStore(root string, processedTTL time.Duration) (*LocalStore, error) {
	for _, dir := range []string{"processed", "senders/ai", "senders/non_ai", "tokens", "blobs"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			return nil, fmt.Errorf("creating storage directory: %w", err)
		}
	}
	return &LocalStore{root: root, ttl: processedTTL}, nil
}

// saveToFile saves data to a JSON file
func (s *LocalStore) saveToFile(category, key string, data interface{}) error {
	dir := filepath.Join(s.root, category)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	path := filepath.Join(dir, safeName(key)+".json")
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// loadFromFile loads data from a JSON file
func (s *LocalStore) loadFromFile(category, key string, data interface{}) error {
	path := filepath.Join(s.root, category, safeName(key)+".json")
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return json.NewDecoder(file).Decode(data)
}

func (s *LocalStore) deleteFile(category, key string) error {
	return os.Remove(filepath.Join(s.root, category, safeName(key)+".json"))
}

func (s *LocalStore) fileExists(category, key string) bool {
	_, err := os.Stat(filepath.Join(s.root, category, safeName(key)+".json"))
	return err == nil
}

// safeName escapes a record key for use as a filename.
func safeName(key string) string {
	return url.PathEscape(key)
}

// --- ProcessedStore ---

func (s *LocalStore) IsProcessed(ctx context.Context, emailID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fileExists("processed", emailID), nil
}

func (s *LocalStore) MarkProcessed(ctx context.Context, records []ProcessedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		if rec.TTL == 0 {
			rec.TTL = time.Now().Add(s.ttl).Unix()
		}
		if err := s.saveToFile("processed", rec.EmailID, rec); err != nil {
			return fmt.Errorf("saving processed record %s: %w", rec.EmailID, err)
		}
	}
	return nil
}

func (s *LocalStore) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, "processed")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading processed directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var rec ProcessedRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if rec.ProcessedAt.Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// --- SenderStore ---

func senderCategory(class Classification) string {
	if class == ClassAI {
		return "senders/ai"
	}
	return "senders/non_ai"
}

func (s *LocalStore) Lookup(ctx context.Context, senderEmail string) (*SenderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := NormalizeEmail(senderEmail)
	for _, category := range []string{"senders/ai", "senders/non_ai"} {
		var rec SenderRecord
		if err := s.loadFromFile(category, key, &rec); err == nil {
			return &rec, nil
		}
	}
	return nil, nil
}

func (s *LocalStore) Upsert(ctx context.Context, rec SenderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.SenderEmail = NormalizeEmail(rec.SenderEmail)
	if rec.Domain == "" {
		rec.Domain = DomainOf(rec.SenderEmail)
	}

	// Remove from the other population before inserting
	other := ClassNonAI
	if rec.Classification != ClassAI {
		other = ClassAI
	}
	_ = s.deleteFile(senderCategory(other), rec.SenderEmail)

	if err := s.saveToFile(senderCategory(rec.Classification), rec.SenderEmail, rec); err != nil {
		return fmt.Errorf("saving sender record: %w", err)
	}
	return nil
}

func (s *LocalStore) Remove(ctx context.Context, senderEmail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := NormalizeEmail(senderEmail)
	for _, category := range []string{"senders/ai", "senders/non_ai"} {
		if err := s.deleteFile(category, key); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing sender record: %w", err)
		}
	}
	return nil
}

// --- BlobStore ---

func (s *LocalStore) blobPath(key string) string {
	// Blob keys contain slashes (payloads/date/correlation/...); keep the
	// hierarchy but escape each segment.
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = safeName(p)
	}
	return filepath.Join(append([]string{s.root, "blobs"}, parts...)...)
}

func (s *LocalStore) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.blobPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating blob directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing blob: %w", err)
	}
	return nil
}

func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.blobPath(key))
	if err != nil {
		return nil, fmt.Errorf("reading blob: %w", err)
	}
	return data, nil
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.blobPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting blob: %w", err)
	}
	return nil
}

// --- TokenStore ---

func (s *LocalStore) GetToken(ctx context.Context, userID string) (*TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec TokenRecord
	if err := s.loadFromFile("tokens", userID, &rec); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading token record: %w", err)
	}
	return &rec, nil
}

func (s *LocalStore) SaveToken(ctx context.Context, rec TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := s.saveToFile("tokens", rec.UserID, rec); err != nil {
		return fmt.Errorf("saving token record: %w", err)
	}
	return nil
}

func (s *LocalStore) TouchLastUsed(ctx context.Context, userID string) error {
	rec, err := s.GetToken(ctx, userID)
	if err != nil || rec == nil {
		return err
	}
	rec.LastUsedAt = time.Now().UTC()
	return s.SaveToken(ctx, *rec)
}
