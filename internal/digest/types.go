// Package digest defines the domain types that flow through the pipeline:
// fetched emails, per-item summaries, and the rendered digest payload.
package digest

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects which slice of the mailbox a run covers.
type Mode string

const (
	ModeWeekly     Mode = "weekly"
	ModeCleanup    Mode = "cleanup"
	ModeHistorical Mode = "historical"
)

// ParseMode validates a mode string from an API request or CLI flag.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeWeekly:
		return ModeWeekly, nil
	case ModeCleanup:
		return ModeCleanup, nil
	case ModeHistorical:
		return ModeHistorical, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want weekly, cleanup, or historical)", s)
	}
}

// Title returns the mode in title case for digest subjects.
func (m Mode) Title() string {
	if m == "" {
		return ""
	}
	s := string(m)
	return strings.ToUpper(s[:1]) + s[1:]
}

// EmailItem is one fetched mailbox message. Fetch creates it; every later
// stage treats it as read-only and references it by ID.
type EmailItem struct {
	ID          string    `json:"id"`
	ThreadID    string    `json:"threadId"`
	Sender      string    `json:"sender"` // raw From header, display + address
	SenderName  string    `json:"senderName,omitempty"`
	SenderEmail string    `json:"senderEmail"` // lowercased address
	Subject     string    `json:"subject"`
	Date        time.Time `json:"date"`
	Snippet     string    `json:"snippet"`
	Body        string    `json:"body"`
	Labels      []string  `json:"labels,omitempty"`
}

// ResearchResult is one external context item attached during Research.
type ResearchResult struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url,omitempty"`
	Source  string `json:"source,omitempty"` // "brave" or "rss"
}

// Enrichment carries everything Extract and Research add for one email.
// It lives beside the EmailItem so the fetched envelope stays immutable.
type Enrichment struct {
	ExtractedURLs  []string         `json:"extracted_urls,omitempty"`
	ArticleContent map[string]string `json:"article_content,omitempty"` // url → truncated text
	Research       []ResearchResult `json:"research,omitempty"`
}

// Summary is the per-email analysis produced by Analyze and annotated by Critique.
type Summary struct {
	Title        string   `json:"title"`
	Summary      string   `json:"summary"`
	KeyInsights  []string `json:"key_insights,omitempty"`
	WhyItMatters string   `json:"why_it_matters,omitempty"`
	ActionItems  []string `json:"action_items,omitempty"`
	Category     string   `json:"category,omitempty"`
	Sender       string   `json:"sender"`
	Date         string   `json:"date"`
	EmailID      string   `json:"email_id"`
	Critique     string   `json:"critique,omitempty"`
}

// Stats summarizes a run for the digest footer.
type Stats struct {
	TotalEmails     int     `json:"total_emails"`
	AIEmails        int     `json:"ai_emails"`
	ProcessedEmails int     `json:"processed_emails"`
	TotalCost       float64 `json:"total_cost"`
}

// DigestOutput is the Send stage input: everything needed to render and
// deliver one digest email.
type DigestOutput struct {
	Summaries    []Summary `json:"summaries"`
	Headline     string    `json:"headline,omitempty"`
	ShortMessage string    `json:"short_message,omitempty"`
	WhatHappened string    `json:"what_happened,omitempty"`
	KeyThemes    []string  `json:"key_themes,omitempty"`
	Takeaways    []string  `json:"takeaways,omitempty"`
	ProductPlays []string  `json:"product_plays,omitempty"`
	Tools        []string  `json:"tools,omitempty"`
	RolePlays    []string  `json:"role_plays,omitempty"`
	Stats        Stats     `json:"stats"`
	Mode         Mode      `json:"mode"`
	Timestamp    time.Time `json:"timestamp"`
}

// Subject returns the digest email subject for this output's mode.
func (d DigestOutput) Subject() string {
	return fmt.Sprintf("Your %s AI Digest", d.Mode.Title())
}
