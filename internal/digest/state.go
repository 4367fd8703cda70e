package digest

// RunState is the working set a pipeline run carries between stages. It is
// the payload serialized into each envelope: Fetch fills the email slices,
// Classify narrows them, Extract and Research add enrichments, Analyze and
// Critique build summaries, and Send produces the final output.
type RunState struct {
	Mode      Mode   `json:"mode"`
	Window    Window `json:"window,omitempty"`
	Recipient string `json:"recipient"`

	Emails     []EmailItem `json:"emails,omitempty"`
	KnownAIIDs []string    `json:"known_ai_ids,omitempty"`
	UnknownIDs []string    `json:"unknown_ids,omitempty"`
	KnownNonAI int         `json:"known_non_ai,omitempty"`

	AIEmailIDs []string `json:"ai_email_ids,omitempty"`

	// Enrichments is keyed by email ID; emails stay immutable after Fetch.
	Enrichments map[string]Enrichment `json:"enrichments,omitempty"`

	Summaries []Summary     `json:"summaries,omitempty"`
	Output    *DigestOutput `json:"output,omitempty"`

	Delivered    bool     `json:"delivered,omitempty"`
	ProcessedIDs []string `json:"processed_ids,omitempty"`
	DroppedCount int      `json:"dropped_count,omitempty"`
	SkippedCount int      `json:"skipped_count,omitempty"`
}

// EmailByID returns the fetched email with the given ID, or nil.
func (s *RunState) EmailByID(id string) *EmailItem {
	for i := range s.Emails {
		if s.Emails[i].ID == id {
			return &s.Emails[i]
		}
	}
	return nil
}

// AIEmails returns the fetched emails whose IDs survived classification, in
// fetch order.
func (s *RunState) AIEmails() []EmailItem {
	keep := make(map[string]bool, len(s.AIEmailIDs))
	for _, id := range s.AIEmailIDs {
		keep[id] = true
	}
	out := make([]EmailItem, 0, len(s.AIEmailIDs))
	for _, e := range s.Emails {
		if keep[e.ID] {
			out = append(out, e)
		}
	}
	return out
}

// Enrich records extraction or research output for one email.
func (s *RunState) Enrich(id string, fn func(*Enrichment)) {
	if s.Enrichments == nil {
		s.Enrichments = make(map[string]Enrichment)
	}
	e := s.Enrichments[id]
	fn(&e)
	s.Enrichments[id] = e
}
