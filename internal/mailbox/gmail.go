package mailbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/ignite/inbox-digest/internal/config"
	"github.com/ignite/inbox-digest/internal/digest"
	"github.com/ignite/inbox-digest/internal/store"
)

const (
	listPageSize     = 500  // Gmail API max per list page
	getBatchSize     = 100  // full-message fetch group size
	archiveBatchSize = 1000 // batchModify id limit
)

// Client reads, fetches, and archives messages through the Gmail API.
type Client struct {
	service   *gmail.Service
	userID    string
	pageDelay time.Duration
}

// NewClient builds an authenticated client. The refresh token comes from the
// TokenStore when present, falling back to configuration. The connection is
// verified before returning.
func NewClient(ctx context.Context, cfg config.GmailConfig, tokens store.TokenStore, pageDelay time.Duration) (*Client, error) {
	refreshToken := cfg.RefreshToken
	if tokens != nil {
		rec, err := tokens.GetToken(ctx, store.DefaultTokenUser)
		if err != nil {
			return nil, fmt.Errorf("loading stored token: %w", err)
		}
		if rec != nil && rec.RefreshToken != "" {
			refreshToken = rec.RefreshToken
		}
	}
	if refreshToken == "" {
		return nil, errors.New("no gmail refresh token available")
	}

	oauthConfig := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       []string{gmail.GmailModifyScope},
		Endpoint:     google.Endpoint,
	}
	token := &oauth2.Token{
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
	}

	httpClient := oauthConfig.Client(ctx, token)
	service, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("creating gmail service: %w", err)
	}

	userID := cfg.UserID
	if userID == "" {
		userID = "me"
	}

	client := &Client{service: service, userID: userID, pageDelay: pageDelay}
	if err := client.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("gmail connection check: %w", err)
	}
	return client, nil
}

// BuildQuery constructs the search query for a run mode.
func BuildQuery(mode digest.Mode, window digest.Window) string {
	switch mode {
	case digest.ModeWeekly:
		return "in:inbox newer_than:7d"
	case digest.ModeCleanup:
		return "in:inbox"
	case digest.ModeHistorical:
		// before: is exclusive in the query language; add a day so the
		// window end stays inclusive.
		return fmt.Sprintf("after:%s before:%s",
			window.Start.Format("2006/1/2"),
			window.End.AddDate(0, 0, 1).Format("2006/1/2"))
	default:
		return "in:inbox"
	}
}

// ListMessageIDs pages through the mailbox for a query. A limit of 0 means
// unbounded; the per-page delay keeps within API quota.
func (c *Client) ListMessageIDs(ctx context.Context, query string, limit int) ([]string, error) {
	log.Printf("[Mailbox] listing messages: %q", query)

	var ids []string
	pageToken := ""
	for {
		req := c.service.Users.Messages.List(c.userID).Q(query).MaxResults(listPageSize).Context(ctx)
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}
		resp, err := req.Do()
		if err != nil {
			return nil, fmt.Errorf("listing messages: %w", err)
		}

		for _, msg := range resp.Messages {
			ids = append(ids, msg.Id)
			if limit > 0 && len(ids) >= limit {
				log.Printf("[Mailbox] hit result cap of %d", limit)
				return ids, nil
			}
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			return ids, nil
		}
		if err := sleepCtx(ctx, c.pageDelay); err != nil {
			return nil, err
		}
	}
}

// FetchMessages retrieves full messages in groups of getBatchSize. Messages
// that fail to fetch or parse are logged and skipped.
func (c *Client) FetchMessages(ctx context.Context, ids []string) ([]digest.EmailItem, error) {
	emails := make([]digest.EmailItem, 0, len(ids))

	for start := 0; start < len(ids); start += getBatchSize {
		end := start + getBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		for _, id := range ids[start:end] {
			if ctx.Err() != nil {
				return emails, ctx.Err()
			}
			msg, err := c.service.Users.Messages.Get(c.userID, id).Format("full").Context(ctx).Do()
			if err != nil {
				if IsAuthError(err) {
					return emails, fmt.Errorf("fetching message %s: %w", id, err)
				}
				log.Printf("[Mailbox] failed to fetch message %s: %v", id, err)
				continue
			}
			item, err := parseMessage(msg)
			if err != nil {
				log.Printf("[Mailbox] failed to parse message %s: %v", id, err)
				continue
			}
			emails = append(emails, item)
		}
	}
	return emails, nil
}

// Archive removes the INBOX label from the given messages in batches.
func (c *Client) Archive(ctx context.Context, ids []string) error {
	for start := 0; start < len(ids); start += archiveBatchSize {
		end := start + archiveBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		req := &gmail.BatchModifyMessagesRequest{
			Ids:            ids[start:end],
			RemoveLabelIds: []string{"INBOX"},
		}
		if err := c.service.Users.Messages.BatchModify(c.userID, req).Context(ctx).Do(); err != nil {
			return fmt.Errorf("archiving %d messages: %w", end-start, err)
		}
	}
	log.Printf("[Mailbox] archived %d messages", len(ids))
	return nil
}

// HealthCheck verifies the account is reachable with current credentials.
func (c *Client) HealthCheck(ctx context.Context) error {
	profile, err := c.service.Users.GetProfile(c.userID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("getting profile: %w", err)
	}
	log.Printf("[Mailbox] connected as %s", profile.EmailAddress)
	return nil
}

// IsAuthError reports whether an error indicates revoked or invalid
// credentials rather than a transient failure.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "invalid_grant") || strings.Contains(msg, "access_denied")
}

// IsRateLimitError reports whether the API asked us to slow down.
func IsRateLimitError(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusTooManyRequests
}

func parseMessage(msg *gmail.Message) (digest.EmailItem, error) {
	item := digest.EmailItem{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Snippet:  msg.Snippet,
		Labels:   msg.LabelIds,
	}
	if msg.Payload == nil {
		return item, fmt.Errorf("message %s has no payload", msg.Id)
	}

	for _, header := range msg.Payload.Headers {
		switch strings.ToLower(header.Name) {
		case "from":
			item.Sender = header.Value
			if addr, err := mail.ParseAddress(header.Value); err == nil {
				item.SenderName = addr.Name
				item.SenderEmail = strings.ToLower(addr.Address)
			} else {
				item.SenderEmail = store.NormalizeEmail(header.Value)
			}
		case "subject":
			item.Subject = header.Value
		case "date":
			if date, err := mail.ParseDate(header.Value); err == nil {
				item.Date = date
			}
		}
	}
	if item.Date.IsZero() && msg.InternalDate > 0 {
		item.Date = time.UnixMilli(msg.InternalDate).UTC()
	}

	plain, html := extractContent(msg.Payload)
	item.Body = plain
	if item.Body == "" && html != "" {
		item.Body = htmlToText(html)
	}
	if item.Snippet == "" {
		item.Snippet = snippetOf(item.Body)
	}
	return item, nil
}

// extractContent walks the MIME tree collecting the first text/plain and
// text/html bodies.
func extractContent(payload *gmail.MessagePart) (plainText, htmlText string) {
	if payload.Body != nil && payload.Body.Data != "" {
		if decoded, err := base64.URLEncoding.DecodeString(payload.Body.Data); err == nil {
			switch payload.MimeType {
			case "text/plain":
				plainText = string(decoded)
			case "text/html":
				htmlText = string(decoded)
			}
		}
	}

	for _, part := range payload.Parts {
		partPlain, partHTML := extractContent(part)
		if plainText == "" {
			plainText = partPlain
		}
		if htmlText == "" {
			htmlText = partHTML
		}
	}
	return plainText, htmlText
}

var (
	tagPattern        = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

func htmlToText(html string) string {
	text := tagPattern.ReplaceAllString(html, " ")

	text = strings.ReplaceAll(text, "&amp;", "&")
	text = strings.ReplaceAll(text, "&lt;", "<")
	text = strings.ReplaceAll(text, "&gt;", ">")
	text = strings.ReplaceAll(text, "&quot;", "\"")
	text = strings.ReplaceAll(text, "&#39;", "'")
	text = strings.ReplaceAll(text, "&nbsp;", " ")

	return strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))
}

func snippetOf(body string) string {
	const max = 200
	body = strings.TrimSpace(body)
	if len(body) <= max {
		return body
	}
	return body[:max]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
