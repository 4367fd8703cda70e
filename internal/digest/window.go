package digest

import (
	"fmt"
	"time"
)

// Window bounds a historical run. Both ends are inclusive calendar dates.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ParseWindow builds a Window from API date strings (YYYY-MM-DD).
func ParseWindow(startDate, endDate string) (Window, error) {
	if startDate == "" || endDate == "" {
		return Window{}, fmt.Errorf("historical mode requires both startDate and endDate")
	}
	start, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		return Window{}, fmt.Errorf("invalid startDate %q: %w", startDate, err)
	}
	end, err := time.Parse("2006-01-02", endDate)
	if err != nil {
		return Window{}, fmt.Errorf("invalid endDate %q: %w", endDate, err)
	}
	return Window{Start: start, End: end}, nil
}

// Validate enforces the historical window rules: start before end, end not in
// the future, and a span no wider than maxDays.
func (w Window) Validate(now time.Time, maxDays int) error {
	if w.Start.IsZero() || w.End.IsZero() {
		return fmt.Errorf("historical mode requires both startDate and endDate")
	}
	if w.Start.After(w.End) {
		return fmt.Errorf("startDate %s is after endDate %s",
			w.Start.Format("2006-01-02"), w.End.Format("2006-01-02"))
	}
	today := now.Truncate(24 * time.Hour)
	if w.End.After(today) {
		return fmt.Errorf("endDate %s is in the future", w.End.Format("2006-01-02"))
	}
	if w.End.Sub(w.Start) > time.Duration(maxDays)*24*time.Hour {
		return fmt.Errorf("date range exceeds %d days", maxDays)
	}
	return nil
}

// IsZero reports whether the window is unset.
func (w Window) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}
