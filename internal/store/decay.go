package store

import "time"

// EffectiveConfidence applies read-time decay to a stored confidence:
// stored − decayPerDay × days since last classification, clamped at 0.
// The stored value is never mutated; rereads at later times only go down.
func (r *SenderRecord) EffectiveConfidence(now time.Time, decayPerDay float64) float64 {
	if r == nil {
		return 0
	}
	last := time.UnixMilli(r.LastClassifiedAt)
	days := now.Sub(last).Hours() / 24
	if days < 0 {
		days = 0
	}
	eff := r.Confidence - decayPerDay*days
	if eff < 0 {
		return 0
	}
	return eff
}

// IsKnown reports whether the record still counts as a known sender: its
// effective confidence meets the threshold. Senders below it are treated as
// unknown and reclassified.
func (r *SenderRecord) IsKnown(now time.Time, decayPerDay, threshold float64) bool {
	return r.EffectiveConfidence(now, decayPerDay) >= threshold
}
