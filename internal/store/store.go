// Package store defines the four persistence interfaces the pipeline depends
// on (processed-email records, sender reputation, opaque blobs, OAuth tokens)
// and provides DynamoDB/S3, local-filesystem, and in-memory backends.
package store

import (
	"context"
	"strings"
	"time"
)

// Classification labels a sender population.
type Classification string

const (
	ClassAI    Classification = "AI"
	ClassNonAI Classification = "NON_AI"
)

// ProcessedRecord marks one email as fully processed. Written only by the
// Send stage after a successful delivery.
type ProcessedRecord struct {
	EmailID     string    `json:"email_id"`
	Subject     string    `json:"subject"`
	ProcessedAt time.Time `json:"processed_at"`
	TimestampMs int64     `json:"timestamp_ms"`
	TTL         int64     `json:"ttl,omitempty"` // unix seconds; expiry hint for the backend
}

// SenderRecord is one sender-reputation entry. A sender email lives in at
// most one classification population at a time.
type SenderRecord struct {
	SenderEmail         string         `json:"sender_email"` // lowercased
	Domain              string         `json:"domain"`
	Classification      Classification `json:"classification"`
	Confidence          float64        `json:"confidence"` // stored, undecayed, 0-100
	LastClassifiedAt    int64          `json:"last_classified_at"` // unix ms
	ClassificationCount int            `json:"classification_count"`
	DisplayName         string         `json:"display_name,omitempty"`
	NewsletterName      string         `json:"newsletter_name,omitempty"`
}

// TokenRecord holds one user's OAuth refresh token.
type TokenRecord struct {
	UserID       string    `json:"user_id"`
	RefreshToken string    `json:"refresh_token"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsedAt   time.Time `json:"last_used_at"`
}

// ProcessedStore is the durable record of processed emails (idempotence).
type ProcessedStore interface {
	// IsProcessed reports whether the email was already handled by a past run.
	IsProcessed(ctx context.Context, emailID string) (bool, error)
	// MarkProcessed writes records in backend-sized batches.
	MarkProcessed(ctx context.Context, records []ProcessedRecord) error
	// CleanupOlderThan removes records processed before cutoff. Best-effort;
	// returns the number removed.
	CleanupOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// SenderStore holds the two sender-reputation populations.
type SenderStore interface {
	// Lookup returns the record for a sender email (nil if unknown in both
	// populations). Confidence in the returned record is the stored value;
	// callers apply read-time decay via EffectiveConfidence.
	Lookup(ctx context.Context, senderEmail string) (*SenderRecord, error)
	// Upsert writes the record into its classification population, removing
	// any entry for the same email from the other population first.
	Upsert(ctx context.Context, rec SenderRecord) error
	// Remove deletes a sender from whichever population holds it.
	Remove(ctx context.Context, senderEmail string) error
}

// BlobStore stores opaque bytes by key; used for payload offload.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// TokenStore persists OAuth refresh tokens per user.
type TokenStore interface {
	// GetToken returns the record for a user, or nil if none is stored.
	GetToken(ctx context.Context, userID string) (*TokenRecord, error)
	SaveToken(ctx context.Context, rec TokenRecord) error
	// TouchLastUsed stamps last_used_at; missing records are not an error.
	TouchLastUsed(ctx context.Context, userID string) error
}

// DefaultTokenUser is the TokenStore key for single-user deployments.
const DefaultTokenUser = "default"

// NormalizeEmail lowercases and trims a sender address for use as a store key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// DomainOf extracts the domain part of an address ("" when malformed).
func DomainOf(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}
