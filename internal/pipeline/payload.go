package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/ignite/inbox-digest/internal/store"
)

// PayloadManager decides whether a stage's output travels inline in the
// envelope or is offloaded to blob storage.
type PayloadManager struct {
	blobs          store.BlobStore
	thresholdBytes int
}

func NewPayloadManager(blobs store.BlobStore, thresholdBytes int) *PayloadManager {
	return &PayloadManager{blobs: blobs, thresholdBytes: thresholdBytes}
}

// Store marshals data and returns an inline reference when it fits under the
// threshold, otherwise writes it to blob storage keyed by date, correlation
// id, and stage.
func (m *PayloadManager) Store(ctx context.Context, data interface{}, correlationID string, stage Stage) (PayloadReference, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return PayloadReference{}, fmt.Errorf("marshaling payload: %w", err)
	}

	if len(raw) <= m.thresholdBytes || m.blobs == nil {
		return PayloadReference{Kind: PayloadInline, Data: raw, SizeBytes: len(raw)}, nil
	}

	now := time.Now().UTC()
	key := fmt.Sprintf("payloads/%s/%s/%s-%d.json", now.Format("2006-01-02"), correlationID, stage, now.UnixMilli())
	if err := m.blobs.Put(ctx, key, raw); err != nil {
		return PayloadReference{}, fmt.Errorf("offloading payload: %w", err)
	}
	log.Printf("[PayloadManager] offloaded %d bytes to %s", len(raw), key)
	return PayloadReference{Kind: PayloadS3, Key: key, SizeBytes: len(raw)}, nil
}

// Retrieve unmarshals the referenced payload into out, fetching from blob
// storage when the reference is offloaded.
func (m *PayloadManager) Retrieve(ctx context.Context, ref PayloadReference, out interface{}) error {
	switch ref.Kind {
	case PayloadInline:
		return json.Unmarshal(ref.Data, out)
	case PayloadS3:
		if m.blobs == nil {
			return fmt.Errorf("no blob store configured for offloaded payload %s", ref.Key)
		}
		raw, err := m.blobs.Get(ctx, ref.Key)
		if err != nil {
			return fmt.Errorf("fetching offloaded payload: %w", err)
		}
		return json.Unmarshal(raw, out)
	default:
		return fmt.Errorf("unknown payload kind %q", ref.Kind)
	}
}

// Delete removes an offloaded payload. Best-effort: failures are logged, the
// blob lifecycle policy cleans up anything left behind.
func (m *PayloadManager) Delete(ctx context.Context, ref PayloadReference) {
	if ref.Kind != PayloadS3 || m.blobs == nil {
		return
	}
	if err := m.blobs.Delete(ctx, ref.Key); err != nil {
		log.Printf("[PayloadManager] delete failed for %s: %v", ref.Key, err)
	}
}
