package cost

import (
	"strings"
	"sync"
	"time"
)

// Estimated per-call prices in USD. Keyed by "service.operation" with a
// bare "service" fallback for operations not priced individually.
var callPrices = map[string]float64{
	"openai.classify": 0.02,
	"openai.analyze":  0.02,
	"openai.critique": 0.02,
	"openai":          0.5,
	"firecrawl":       0.01,  // per URL
	"brave":           0.003, // per query
	"gmail":           0,
}

// PriceOf returns the estimated price of one call to service.operation.
func PriceOf(service, operation string) float64 {
	if price, ok := callPrices[service+"."+operation]; ok {
		return price
	}
	return callPrices[service]
}

// ApiCost is one recorded outbound call.
type ApiCost struct {
	Service   string    `json:"service"`
	Operation string    `json:"operation"`
	Cost      float64   `json:"cost"`
	Timestamp time.Time `json:"timestamp"`
}

// Limits caps spend and per-service call volume for a single run.
type Limits struct {
	MaxCostPerRun     float64
	MaxOpenAICalls    int
	MaxFirecrawlCalls int
	MaxBraveSearches  int
}

// Snapshot is a point-in-time view of the tracker for health reporting.
type Snapshot struct {
	TotalCost        float64            `json:"total_cost"`
	MaxCostPerRun    float64            `json:"max_cost_per_run"`
	CallCounts       map[string]int     `json:"call_counts"`
	CostByService    map[string]float64 `json:"cost_by_service"`
	ApproachingLimit bool               `json:"approaching_limit"`
}

// Tracker accumulates estimated API spend during one pipeline run. It is a
// per-process singleton shared by all stages, so every method locks.
type Tracker struct {
	mu     sync.Mutex
	limits Limits
	calls  []ApiCost
	counts map[string]int // "service.operation" → count
	total  float64
}

func NewTracker(limits Limits) *Tracker {
	return &Tracker{
		limits: limits,
		counts: make(map[string]int),
	}
}

// RecordAPICall records one call against the run budget. When cost is
// omitted it is derived from the price table. Returns the recorded cost.
func (t *Tracker) RecordAPICall(service, operation string, cost ...float64) float64 {
	price := PriceOf(service, operation)
	if len(cost) > 0 {
		price = cost[0]
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, ApiCost{
		Service:   service,
		Operation: operation,
		Cost:      price,
		Timestamp: time.Now().UTC(),
	})
	t.counts[service+"."+operation]++
	t.total += price
	return price
}

// CanAfford reports whether an additional estimated spend would stay within
// the run ceiling.
func (t *Tracker) CanAfford(estimated float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total+estimated <= t.limits.MaxCostPerRun
}

// IsApproachingLimit reports whether spend has crossed 80% of the ceiling.
func (t *Tracker) IsApproachingLimit() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total > 0.8*t.limits.MaxCostPerRun
}

// ShouldStop reports whether the ceiling has been reached. The orchestrator
// checks this at every stage boundary.
func (t *Tracker) ShouldStop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total >= t.limits.MaxCostPerRun
}

// Reset clears all state for a new run.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = nil
	t.counts = make(map[string]int)
	t.total = 0
}

func (t *Tracker) TotalCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// CallCount returns how many calls have been recorded for a service across
// all of its operations.
func (t *Tracker) CallCount(service string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callCountLocked(service)
}

func (t *Tracker) callCountLocked(service string) int {
	n := 0
	for key, count := range t.counts {
		if strings.HasPrefix(key, service+".") {
			n += count
		}
	}
	return n
}

// WithinCallLimit reports whether a service is still under its per-run call
// cap. Services without a cap are always within limit.
func (t *Tracker) WithinCallLimit(service string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch service {
	case "openai":
		return t.callCountLocked(service) < t.limits.MaxOpenAICalls
	case "firecrawl":
		return t.callCountLocked(service) < t.limits.MaxFirecrawlCalls
	case "brave":
		return t.callCountLocked(service) < t.limits.MaxBraveSearches
	default:
		return true
	}
}

// Snapshot returns a copy of current totals for the health endpoint.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	byService := make(map[string]float64)
	for _, call := range t.calls {
		byService[call.Service] += call.Cost
	}
	counts := make(map[string]int, len(t.counts))
	for k, v := range t.counts {
		counts[k] = v
	}
	return Snapshot{
		TotalCost:        t.total,
		MaxCostPerRun:    t.limits.MaxCostPerRun,
		CallCounts:       counts,
		CostByService:    byService,
		ApproachingLimit: t.total > 0.8*t.limits.MaxCostPerRun,
	}
}
